package chat

import (
	"sort"

	"github.com/tripmate/realtime/internal/metrics"
	"github.com/tripmate/realtime/internal/protocol"
)

// Delivery outcomes, also used as metric labels.
const (
	deliveryDelivered = "delivered"
	deliveryRelayed   = "relayed"
	deliveryDropped   = "dropped"
	deliveryFailed    = "failed"
)

func (s *Service) broadcast(eventType string, payload interface{}) {
	data, err := protocol.NewServerMessage(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("encode broadcast failed")
		return
	}

	s.transport.Broadcast(data)

	if s.relay != nil {
		if err := s.relay.PublishBroadcast(data); err != nil {
			log.Warn().Err(err).Str("type", eventType).Msg("relay broadcast failed")
			return
		}
		metrics.RelayEvents.WithLabelValues("out").Inc()
	}
}

func (s *Service) unicast(connID string, eventType string, payload interface{}) {
	data, err := protocol.NewServerMessage(eventType, payload)
	if err != nil {
		log.Error().Err(err).Str("type", eventType).Msg("encode event failed")
		return
	}
	if err := s.transport.SendMessage(connID, data); err != nil {
		log.Debug().Err(err).Str("session", connID).Str("type", eventType).Msg("send failed")
	}
}

func (s *Service) sendError(connID, code, message string) {
	s.unicast(connID, protocol.TypeError, protocol.ErrorMsg{Code: code, Message: message})
}

// toRoom writes data to every local member of room and relays it.
func (s *Service) toRoom(room string, data []byte) {
	s.deliverRoom(room, data)

	if s.relay != nil {
		if err := s.relay.PublishRoom(room, data); err != nil {
			log.Warn().Err(err).Str("room", room).Msg("relay room publish failed")
			return
		}
		metrics.RelayEvents.WithLabelValues("out").Inc()
	}
}

// toUser writes data to the user's live connection on this node, or relays
// it to the other nodes when the user is not connected here.
func (s *Service) toUser(userID int64, data []byte) string {
	if connID, ok := s.presence.ConnectionFor(userID); ok {
		if err := s.transport.SendMessage(connID, data); err != nil {
			log.Debug().Err(err).Int64("user", userID).Str("session", connID).Msg("unicast failed")
			return deliveryFailed
		}
		return deliveryDelivered
	}

	if s.relay == nil {
		return deliveryDropped
	}
	if err := s.relay.PublishUser(userID, data); err != nil {
		log.Warn().Err(err).Int64("user", userID).Msg("relay user publish failed")
		return deliveryFailed
	}
	metrics.RelayEvents.WithLabelValues("out").Inc()
	return deliveryRelayed
}

func (s *Service) deliverRoom(room string, data []byte) int {
	sent := 0
	for _, connID := range s.rooms.Members(room) {
		if err := s.transport.SendMessage(connID, data); err != nil {
			log.Debug().Err(err).Str("room", room).Str("session", connID).Msg("room send failed")
			continue
		}
		sent++
	}
	return sent
}

// DeliverRoom writes a frame relayed from another node to the local members
// of room.
func (s *Service) DeliverRoom(room string, data []byte) {
	metrics.RelayEvents.WithLabelValues("in").Inc()
	s.deliverRoom(room, data)
}

// DeliverUser writes a frame relayed from another node to the user's local
// connection, if any.
func (s *Service) DeliverUser(userID int64, data []byte) {
	metrics.RelayEvents.WithLabelValues("in").Inc()
	connID, ok := s.presence.ConnectionFor(userID)
	if !ok {
		return
	}
	if err := s.transport.SendMessage(connID, data); err != nil {
		log.Debug().Err(err).Int64("user", userID).Msg("relayed unicast failed")
	}
}

// DeliverBroadcast writes a frame relayed from another node to every local
// connection.
func (s *Service) DeliverBroadcast(data []byte) {
	metrics.RelayEvents.WithLabelValues("in").Inc()
	s.transport.Broadcast(data)
}

// mergeSorted returns the sorted union of a and b.
func mergeSorted(a, b []int64) []int64 {
	seen := make(map[int64]struct{}, len(a)+len(b))
	out := make([]int64, 0, len(a)+len(b))
	for _, ids := range [][]int64{a, b} {
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
