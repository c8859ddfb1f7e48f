package ws

import (
	"errors"
	"time"

	"github.com/tripmate/realtime/internal/metrics"
	"github.com/tripmate/realtime/internal/protocol"
)

// MessageHandler handles one parsed client message. msg is the concrete
// struct returned by protocol.ParseClientMessage, e.g. protocol.SendMessageMsg.
type MessageHandler func(conn *Connection, msg interface{})

// MessageDispatcher routes incoming frames to handlers by message type. Ping
// is answered internally; malformed or unsupported frames get an error event.
type MessageDispatcher struct {
	handlers map[string]MessageHandler
}

// NewMessageDispatcher creates an empty MessageDispatcher.
func NewMessageDispatcher() *MessageDispatcher {
	return &MessageDispatcher{
		handlers: make(map[string]MessageHandler),
	}
}

// Register associates a handler with a message type, replacing any previous
// handler. Registration must finish before the server starts.
func (d *MessageDispatcher) Register(msgType string, handler MessageHandler) {
	d.handlers[msgType] = handler
}

// Dispatch is the server's onMessage callback.
func (d *MessageDispatcher) Dispatch(conn *Connection, data []byte) {
	start := time.Now()

	msgType, msg, err := protocol.ParseClientMessage(data)
	if err != nil {
		var verr *protocol.ValidationError
		if errors.As(err, &verr) {
			log.Debug().Err(err).Str("session", conn.ID).Str("type", verr.Type).Msg("invalid payload")
			metrics.MessagesTotal.WithLabelValues(verr.Type, "invalid").Inc()
			sendError(conn, protocol.CodeInvalidPayload, verr.Error())
			return
		}
		log.Debug().Err(err).Str("session", conn.ID).Msg("parse error")
		metrics.MessagesTotal.WithLabelValues("unknown", "parse_error").Inc()
		sendError(conn, protocol.CodeParseError, "invalid message format")
		return
	}

	if msgType == protocol.TypePing {
		sendPong(conn)
		return
	}

	handler, ok := d.handlers[msgType]
	if !ok {
		log.Debug().Str("session", conn.ID).Str("type", msgType).Msg("unsupported message type")
		metrics.MessagesTotal.WithLabelValues(msgType, "unsupported").Inc()
		sendError(conn, protocol.CodeUnsupportedType, "unsupported message type")
		return
	}

	handler(conn, msg)

	metrics.MessagesTotal.WithLabelValues(msgType, "ok").Inc()
	metrics.DispatchLatency.WithLabelValues(msgType).Observe(time.Since(start).Seconds())
}

func sendError(conn *Connection, code string, message string) {
	data, err := protocol.NewServerMessage(protocol.TypeError, protocol.ErrorMsg{
		Code:    code,
		Message: message,
	})
	if err != nil {
		log.Error().Err(err).Str("session", conn.ID).Msg("failed to build error message")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("session", conn.ID).Msg("failed to send error message")
	}
}

func sendPong(conn *Connection) {
	data, err := protocol.NewServerMessage(protocol.TypePong, protocol.PongMsg{})
	if err != nil {
		log.Error().Err(err).Str("session", conn.ID).Msg("failed to build pong")
		return
	}

	if err := conn.WriteMessage(data); err != nil {
		log.Debug().Err(err).Str("session", conn.ID).Msg("failed to send pong")
	}
}
