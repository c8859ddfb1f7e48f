// Package presence tracks which users hold a live connection on this server.
// A user maps to at most one connection: announcing again from a new
// connection replaces the old mapping, so multiple devices collapse to the
// most recent one.
package presence

import (
	"sort"
	"sync"
)

// Registry is a goroutine-safe user <-> connection index. The zero value is
// not usable; construct one with NewRegistry.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]string // user_id -> connection ID
	byConn map[string]int64 // connection ID -> user_id it announced
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byUser: make(map[int64]string),
		byConn: make(map[string]int64),
	}
}

// Announce records connID as the live connection of userID, replacing any
// previous one. It returns the replaced connection ID, if any.
//
// A connection that previously announced a different user is detached from
// that user first. When that leaves the previous user without a connection,
// it is returned as detached (0 otherwise) so the caller can take it offline.
func (r *Registry) Announce(userID int64, connID string) (replaced string, detached int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prevUser, ok := r.byConn[connID]; ok && prevUser != userID {
		if r.byUser[prevUser] == connID {
			delete(r.byUser, prevUser)
			detached = prevUser
		}
	}

	if prev, ok := r.byUser[userID]; ok && prev != connID {
		replaced = prev
	}
	r.byUser[userID] = connID
	r.byConn[connID] = userID
	return replaced, detached
}

// Disconnect forgets connID. It returns the user the connection had
// announced and whether that user went offline as a result. A connection
// that was already superseded by a newer one for the same user leaves the
// user online.
func (r *Registry) Disconnect(connID string) (userID int64, offline bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	userID, ok := r.byConn[connID]
	if !ok {
		return 0, false
	}
	delete(r.byConn, connID)

	if r.byUser[userID] != connID {
		return userID, false
	}
	delete(r.byUser, userID)
	return userID, true
}

// IsOnline reports whether the user has a live connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	_, ok := r.byUser[userID]
	r.mu.RUnlock()
	return ok
}

// ConnectionFor returns the user's live connection ID.
func (r *Registry) ConnectionFor(userID int64) (string, bool) {
	r.mu.RLock()
	connID, ok := r.byUser[userID]
	r.mu.RUnlock()
	return connID, ok
}

// UserFor returns the user a connection announced, if any.
func (r *Registry) UserFor(connID string) (int64, bool) {
	r.mu.RLock()
	userID, ok := r.byConn[connID]
	r.mu.RUnlock()
	return userID, ok
}

// OnlineUsers returns the IDs of all online users in ascending order.
func (r *Registry) OnlineUsers() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.byUser))
	for id := range r.byUser {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
