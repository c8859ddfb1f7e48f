package chat

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tripmate/realtime/internal/metrics"
	"github.com/tripmate/realtime/internal/protocol"
	"github.com/tripmate/realtime/internal/rooms"
	"github.com/tripmate/realtime/internal/store"
)

const (
	notificationTitle = "New Message"
	notificationText  = "You have a new message"
	notificationLink  = "/chat"
)

// SendMessage runs the direct-message pipeline for a message submitted on
// connID: resolve the conversation, persist the message together with the
// conversation summary, publish new_message to the conversation room and
// notify the receiver if online. Nothing is published unless the write
// succeeded; on failure the submitting connection gets an error event.
func (s *Service) SendMessage(ctx context.Context, connID string, msg protocol.SendMessageMsg) error {
	if err := ValidateBody(msg.Message); err != nil {
		s.sendError(connID, protocol.CodeInvalidPayload, err.Error())
		return err
	}
	if !s.allow(ctx, connID, msg.SenderID) {
		return ErrRateLimited
	}

	convID, err := s.store.GetOrCreateConversation(ctx, msg.SenderID, msg.ReceiverID)
	if err != nil {
		metrics.MessagesPersisted.WithLabelValues("failed").Inc()
		log.Error().Err(err).Int64("sender", msg.SenderID).Int64("receiver", msg.ReceiverID).Msg("resolve conversation failed")
		s.sendError(connID, protocol.CodeMessageFailed, "message could not be saved")
		return fmt.Errorf("chat: resolve conversation: %w", err)
	}

	m := &store.Message{
		ConversationID: convID,
		SenderID:       msg.SenderID,
		ReceiverID:     msg.ReceiverID,
		Body:           msg.Message,
	}
	if err := s.store.AppendMessage(ctx, m); err != nil {
		code, result := protocol.CodeMessageFailed, "failed"
		if errors.Is(err, store.ErrNotParticipant) {
			code, result = protocol.CodeNotParticipant, "rejected"
		}
		metrics.MessagesPersisted.WithLabelValues(result).Inc()
		log.Error().Err(err).Int64("conversation", convID).Int64("sender", msg.SenderID).Msg("persist message failed")
		s.sendError(connID, code, "message could not be saved")
		return fmt.Errorf("chat: append message: %w", err)
	}
	metrics.MessagesPersisted.WithLabelValues("stored").Inc()

	data, err := protocol.NewServerMessage(protocol.TypeNewMessage, m)
	if err != nil {
		return fmt.Errorf("chat: encode new_message: %w", err)
	}
	s.toRoom(rooms.ConversationRoom(m.SenderID, m.ReceiverID), data)

	s.notify(m)
	return nil
}

// notify pushes the structured notification and its legacy duplicate to the
// receiver's live connection. An offline receiver gets nothing.
func (s *Service) notify(m *store.Message) {
	notif, err := protocol.NewServerMessage(protocol.TypeNotification, protocol.NotificationMsg{
		Notification: protocol.Notification{
			Type:    protocol.NotificationTypeMessage,
			Title:   notificationTitle,
			Message: notificationText,
			Link:    notificationLink,
			Read:    false,
			Data:    m,
		},
	})
	if err != nil {
		log.Error().Err(err).Int64("message", m.ID).Msg("encode notification failed")
		return
	}
	legacy, err := protocol.NewServerMessage(protocol.TypeMessageNotification, protocol.MessageNotificationMsg{
		From:    m.SenderID,
		Message: m,
	})
	if err != nil {
		log.Error().Err(err).Int64("message", m.ID).Msg("encode message_notification failed")
		return
	}

	result := s.toUser(m.ReceiverID, notif)
	if result == deliveryDelivered || result == deliveryRelayed {
		s.toUser(m.ReceiverID, legacy)
	}
	metrics.NotificationsTotal.WithLabelValues(result).Inc()
}

// Typing relays a typing indicator from msg.SenderID to msg.ReceiverID. stop
// selects user_stop_typing. Offline receivers are ignored.
func (s *Service) Typing(msg protocol.TypingMsg, stop bool) {
	eventType := protocol.TypeUserTyping
	if stop {
		eventType = protocol.TypeUserStopTyping
	}

	data, err := protocol.NewServerMessage(eventType, protocol.UserTypingMsg{UserID: msg.SenderID})
	if err != nil {
		log.Error().Err(err).Msg("encode typing event failed")
		return
	}
	s.toUser(msg.ReceiverID, data)
}

// MarkRead marks the conversation's messages addressed to msg.UserID as
// read. Nothing is broadcast.
func (s *Service) MarkRead(ctx context.Context, msg protocol.MarkReadMsg) (int64, error) {
	n, err := s.store.MarkRead(ctx, msg.ConversationID, msg.UserID)
	if err != nil {
		log.Error().Err(err).Int64("conversation", msg.ConversationID).Int64("user", msg.UserID).Msg("mark read failed")
		return 0, err
	}
	log.Debug().Int64("conversation", msg.ConversationID).Int64("user", msg.UserID).Int64("count", n).Msg("messages marked read")
	return n, nil
}

// SendTripMessage relays a trip chat message to everyone in the trip room,
// the sender included. The message is not persisted here; clients store it
// through the REST API and pass the row ID. Without one, a millisecond
// timestamp stands in as a temporary ID.
func (s *Service) SendTripMessage(ctx context.Context, connID string, msg protocol.SendTripMessageMsg) error {
	if err := ValidateBody(msg.Message); err != nil {
		s.sendError(connID, protocol.CodeInvalidPayload, err.Error())
		return err
	}
	if !s.allow(ctx, connID, msg.SenderID) {
		return ErrRateLimited
	}

	now := s.now().UTC()
	id := msg.ID
	if id == 0 {
		id = now.UnixMilli()
	}

	data, err := protocol.NewServerMessage(protocol.TypeNewTripMessage, protocol.TripMessage{
		ID:           id,
		TripID:       msg.TripID,
		SenderID:     msg.SenderID,
		SenderName:   msg.SenderName,
		SenderAvatar: msg.SenderAvatar,
		Message:      msg.Message,
		CreatedAt:    now.Format("2006-01-02T15:04:05.000Z07:00"),
		IsPinned:     false,
	})
	if err != nil {
		return fmt.Errorf("chat: encode new_trip_message: %w", err)
	}
	s.toRoom(rooms.TripRoom(msg.TripID), data)
	return nil
}

// allow applies the rate limit for userID. A rejected submission gets a
// rate_limited event. Limiter errors fail open.
func (s *Service) allow(ctx context.Context, connID string, userID int64) bool {
	if s.limiter == nil {
		return true
	}

	ok, err := s.limiter.Allow(ctx, strconv.FormatInt(userID, 10), s.rule)
	if err != nil {
		log.Warn().Err(err).Int64("user", userID).Msg("rate limiter unavailable")
	}
	if ok {
		return true
	}

	metrics.RateLimited.Inc()
	s.unicast(connID, protocol.TypeRateLimited, protocol.RateLimitedMsg{
		RetryAfter: int(s.rule.Window / time.Second),
	})
	return false
}
