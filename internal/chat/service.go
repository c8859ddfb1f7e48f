// Package chat implements the realtime behaviour of the messaging layer:
// presence announcements, room joins, the direct-message pipeline (persist,
// publish to the conversation room, notify the receiver), typing indicators,
// read receipts and trip group-chat relay.
//
// A Service owns no connections. It writes frames through a Transport and,
// when configured, mirrors every fan-out to other nodes through a Relay.
package chat

import (
	"context"
	"errors"
	"time"

	"github.com/tripmate/realtime/internal/logger"
	"github.com/tripmate/realtime/internal/metrics"
	"github.com/tripmate/realtime/internal/presence"
	"github.com/tripmate/realtime/internal/protocol"
	"github.com/tripmate/realtime/internal/ratelimit"
	"github.com/tripmate/realtime/internal/rooms"
	"github.com/tripmate/realtime/internal/store"
)

var log = logger.Component("chat")

// ErrRateLimited is returned when the sender exceeded the message rate.
var ErrRateLimited = errors.New("chat: rate limited")

// Store is the persistence the message pipeline needs.
type Store interface {
	GetOrCreateConversation(ctx context.Context, a, b int64) (int64, error)
	AppendMessage(ctx context.Context, m *store.Message) error
	MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error)
}

// Transport writes frames to connections on this node.
type Transport interface {
	SendMessage(connID string, data []byte) error
	Broadcast(data []byte)
}

// Relay mirrors fan-out to other nodes. Implementations must not deliver a
// frame back to the node that published it.
type Relay interface {
	PublishRoom(room string, data []byte) error
	PublishUser(userID int64, data []byte) error
	PublishBroadcast(data []byte) error
}

// PresenceMirror shares presence across nodes. SetOffline reports whether
// the user's entry was removed; it is kept when another node owns the user.
type PresenceMirror interface {
	SetOnline(ctx context.Context, userID int64, connID string) error
	SetOffline(ctx context.Context, userID int64) (bool, error)
	OnlineUsers(ctx context.Context) ([]int64, error)
}

// Limiter throttles message submission.
type Limiter interface {
	Allow(ctx context.Context, identifier string, rule ratelimit.Rule) (bool, error)
}

// Service wires presence, rooms and persistence together. All methods are
// safe for concurrent use.
type Service struct {
	store     Store
	transport Transport
	presence  *presence.Registry
	rooms     *rooms.Manager

	relay   Relay
	mirror  PresenceMirror
	limiter Limiter
	rule    ratelimit.Rule
	now     func() time.Time
}

// NewService creates a Service. The relay, presence mirror and limiter are
// optional and set with their setters before the server starts.
func NewService(st Store, transport Transport, reg *presence.Registry, rm *rooms.Manager) *Service {
	return &Service{
		store:     st,
		transport: transport,
		presence:  reg,
		rooms:     rm,
		rule:      ratelimit.RuleMessage,
		now:       time.Now,
	}
}

// SetRelay enables cross-node fan-out.
func (s *Service) SetRelay(r Relay) { s.relay = r }

// SetPresenceMirror enables the shared presence view.
func (s *Service) SetPresenceMirror(m PresenceMirror) { s.mirror = m }

// SetLimiter enables per-user rate limiting of message submission.
func (s *Service) SetLimiter(l Limiter) { s.limiter = l }

// OnlineCount returns the number of users online on this node.
func (s *Service) OnlineCount() int { return s.presence.Count() }

// AnnounceOnline binds connID to userID, tells every client the user is
// online and sends the announcing connection the list of online users.
//
// A connection that switches to another user takes the previous user offline
// first, exactly as if it had disconnected.
func (s *Service) AnnounceOnline(ctx context.Context, connID string, userID int64) {
	replaced, detached := s.presence.Announce(userID, connID)
	if replaced != "" {
		log.Debug().Int64("user", userID).Str("session", connID).Str("replaced", replaced).Msg("presence moved to new connection")
	}
	if detached != 0 {
		log.Debug().Int64("user", detached).Str("session", connID).Msg("connection switched user")
		s.goOffline(ctx, detached)
	}
	metrics.OnlineUsers.Set(float64(s.presence.Count()))

	if s.mirror != nil {
		if err := s.mirror.SetOnline(ctx, userID, connID); err != nil {
			log.Warn().Err(err).Int64("user", userID).Msg("presence mirror set online failed")
		}
	}

	s.broadcast(protocol.TypeUserStatus, protocol.UserStatusMsg{
		UserID: userID,
		Status: protocol.StatusOnline,
	})

	s.unicast(connID, protocol.TypeOnlineUsers, protocol.OnlineUsersMsg{
		UserIDs: s.onlineUsers(ctx),
	})
}

// Disconnect forgets connID: it leaves every room and, when connID was the
// user's live connection, takes the user offline.
func (s *Service) Disconnect(ctx context.Context, connID string) {
	s.rooms.LeaveAll(connID)

	userID, offline := s.presence.Disconnect(connID)
	if !offline {
		return
	}
	metrics.OnlineUsers.Set(float64(s.presence.Count()))
	s.goOffline(ctx, userID)
}

// goOffline clears the user from the shared presence set and tells every
// client the user is offline, unless the user is still live on another node.
func (s *Service) goOffline(ctx context.Context, userID int64) {
	if s.mirror != nil {
		removed, err := s.mirror.SetOffline(ctx, userID)
		if err != nil {
			log.Warn().Err(err).Int64("user", userID).Msg("presence mirror set offline failed")
		} else if !removed {
			// The user is live on another node.
			return
		}
	}

	s.broadcast(protocol.TypeUserStatus, protocol.UserStatusMsg{
		UserID: userID,
		Status: protocol.StatusOffline,
	})
}

// JoinConversation adds connID to the room of the conversation between a
// and b. Joining twice is a no-op.
func (s *Service) JoinConversation(connID string, a, b int64) {
	if s.rooms.Join(connID, rooms.ConversationRoom(a, b)) {
		metrics.RoomJoins.WithLabelValues("conversation").Inc()
	}
}

// JoinTrip adds connID to the trip's group-chat room.
func (s *Service) JoinTrip(connID string, tripID int64) {
	if s.rooms.Join(connID, rooms.TripRoom(tripID)) {
		metrics.RoomJoins.WithLabelValues("trip").Inc()
	}
}

// onlineUsers returns the shared online set when a mirror is configured,
// merged with the local registry so a lagging mirror never hides local
// users.
func (s *Service) onlineUsers(ctx context.Context) []int64 {
	local := s.presence.OnlineUsers()
	if s.mirror == nil {
		return local
	}

	shared, err := s.mirror.OnlineUsers(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("presence mirror read failed, using local view")
		return local
	}
	return mergeSorted(local, shared)
}
