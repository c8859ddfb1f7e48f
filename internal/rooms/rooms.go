// Package rooms tracks which connections joined which broadcast rooms. A room
// is either a direct conversation, named after its canonical user pair, or a
// trip group chat.
package rooms

import (
	"fmt"
	"sync"
)

// ConversationRoom names the room of the direct conversation between a and b.
// The name is the same regardless of argument order, e.g. "3-7".
func ConversationRoom(a, b int64) string {
	if a > b {
		a, b = b, a
	}
	return fmt.Sprintf("%d-%d", a, b)
}

// TripRoom names the group-chat room of a trip, e.g. "trip_12".
func TripRoom(tripID int64) string {
	return fmt.Sprintf("trip_%d", tripID)
}

// Manager is a goroutine-safe many-to-many index of rooms and connections.
type Manager struct {
	mu      sync.RWMutex
	members map[string]map[string]struct{} // room -> connection IDs
	joined  map[string]map[string]struct{} // connection ID -> rooms
}

// NewManager creates an empty Manager.
func NewManager() *Manager {
	return &Manager{
		members: make(map[string]map[string]struct{}),
		joined:  make(map[string]map[string]struct{}),
	}
}

// Join adds connID to room. It returns false if the connection was already
// a member.
func (m *Manager) Join(connID, room string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.members[room]
	if !ok {
		set = make(map[string]struct{})
		m.members[room] = set
	}
	if _, ok := set[connID]; ok {
		return false
	}
	set[connID] = struct{}{}

	rooms, ok := m.joined[connID]
	if !ok {
		rooms = make(map[string]struct{})
		m.joined[connID] = rooms
	}
	rooms[room] = struct{}{}
	return true
}

// LeaveAll removes connID from every room it joined and returns those rooms.
// Rooms left empty are dropped.
func (m *Manager) LeaveAll(connID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	rooms := m.joined[connID]
	delete(m.joined, connID)

	left := make([]string, 0, len(rooms))
	for room := range rooms {
		left = append(left, room)
		if set, ok := m.members[room]; ok {
			delete(set, connID)
			if len(set) == 0 {
				delete(m.members, room)
			}
		}
	}
	return left
}

// Members returns a snapshot of the connections in room.
func (m *Manager) Members(room string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := m.members[room]
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// IsMember reports whether connID has joined room.
func (m *Manager) IsMember(connID, room string) bool {
	m.mu.RLock()
	_, ok := m.members[room][connID]
	m.mu.RUnlock()
	return ok
}

// Count returns the number of non-empty rooms.
func (m *Manager) Count() int {
	m.mu.RLock()
	n := len(m.members)
	m.mu.RUnlock()
	return n
}
