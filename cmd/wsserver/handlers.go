package main

import (
	"context"
	"time"

	"github.com/tripmate/realtime/internal/chat"
	"github.com/tripmate/realtime/internal/protocol"
	"github.com/tripmate/realtime/internal/ws"
)

// handlerTimeout bounds the backend work of a single client event.
const handlerTimeout = 5 * time.Second

// registerHandlers routes every client event type to the chat service.
func registerHandlers(d *ws.MessageDispatcher, svc *chat.Service) {
	d.Register(protocol.TypeUserOnline, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.UserOnlineMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		svc.AnnounceOnline(ctx, conn.ID, m.UserID)
	})

	d.Register(protocol.TypeJoinConversation, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.JoinConversationMsg)
		if !ok {
			return
		}
		svc.JoinConversation(conn.ID, m.UserID, m.OtherUserID)
	})

	d.Register(protocol.TypeJoinTrip, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.JoinTripMsg)
		if !ok {
			return
		}
		svc.JoinTrip(conn.ID, m.TripID)
	})

	d.Register(protocol.TypeSendMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendMessageMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := svc.SendMessage(ctx, conn.ID, m); err != nil {
			log.Debug().Err(err).Str("session", conn.ID).Msg("send_message not delivered")
		}
	})

	d.Register(protocol.TypeTyping, func(_ *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingMsg); ok {
			svc.Typing(m, false)
		}
	})

	d.Register(protocol.TypeStopTyping, func(_ *ws.Connection, msg interface{}) {
		if m, ok := msg.(protocol.TypingMsg); ok {
			svc.Typing(m, true)
		}
	})

	d.Register(protocol.TypeMarkRead, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.MarkReadMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		_, _ = svc.MarkRead(ctx, m)
	})

	d.Register(protocol.TypeSendTripMessage, func(conn *ws.Connection, msg interface{}) {
		m, ok := msg.(protocol.SendTripMessageMsg)
		if !ok {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), handlerTimeout)
		defer cancel()
		if err := svc.SendTripMessage(ctx, conn.ID, m); err != nil {
			log.Debug().Err(err).Str("session", conn.ID).Msg("send_trip_message not delivered")
		}
	})
}
