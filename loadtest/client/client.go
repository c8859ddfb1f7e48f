// Package client provides a reusable WebSocket load test client for the
// TripMate realtime server. It connects using gobwas/ws (the same library the
// server uses), records the session_created handshake, and tracks
// per-connection performance metrics.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// ---------------------------------------------------------------------------
// Protocol message types (local equivalents of internal/protocol constants)
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeUserOnline       = "user_online"
	TypeJoinConversation = "join_conversation"
	TypeJoinTrip         = "join_trip"
	TypeSendMessage      = "send_message"
	TypeTyping           = "typing"
	TypeStopTyping       = "stop_typing"
	TypeMarkRead         = "mark_read"
	TypeSendTripMessage  = "send_trip_message"
	TypePing             = "ping"
)

// Server -> Client message types.
const (
	TypeSessionCreated      = "session_created"
	TypeOnlineUsers         = "online_users"
	TypeUserStatus          = "user_status"
	TypeNewMessage          = "new_message"
	TypeNotification        = "notification"
	TypeMessageNotification = "message_notification"
	TypeUserTyping          = "user_typing"
	TypeUserStopTyping      = "user_stop_typing"
	TypeNewTripMessage      = "new_trip_message"
	TypeRateLimited         = "rate_limited"
	TypeError               = "error"
	TypePong                = "pong"
)

// inboxSize bounds the frames kept for Expect. Older frames are dropped.
const inboxSize = 1024

// ---------------------------------------------------------------------------
// Metrics
// ---------------------------------------------------------------------------

// Metrics tracks per-connection performance data.
type Metrics struct {
	ConnectLatency   time.Duration
	FirstMsgLatency  time.Duration
	MessagesReceived int
	MessagesSent     int
	Errors           int
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

type frame struct {
	msgType string
	data    json.RawMessage
}

type waiter struct {
	msgType string
	match   func(json.RawMessage) bool
	ch      chan json.RawMessage
}

// Client represents a single simulated user connection. It manages the
// WebSocket lifecycle, dispatches incoming messages to registered handlers and
// keeps unclaimed frames for Expect.
type Client struct {
	conn      net.Conn
	writeMu   sync.Mutex
	mu        sync.Mutex
	sessionID string
	metrics   Metrics
	handlers  map[string]func(json.RawMessage)
	inbox     []frame
	waiters   []*waiter
	done      chan struct{}
	closeOnce sync.Once
	dialedAt  time.Time
}

// New creates a new load test client connected to the given WebSocket URL.
// The connection is established immediately and a background goroutine begins
// reading messages.
func New(ctx context.Context, url string) (*Client, error) {
	start := time.Now()
	conn, _, _, err := ws.Dial(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}

	c := &Client{
		conn:     conn,
		handlers: make(map[string]func(json.RawMessage)),
		done:     make(chan struct{}),
		dialedAt: start,
	}
	c.metrics.ConnectLatency = time.Since(start)

	go c.readLoop()

	return c, nil
}

// Send sends a JSON message to the server. It is goroutine-safe.
func (c *Client) Send(msg interface{}) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	c.mu.Lock()
	c.metrics.MessagesSent++
	c.mu.Unlock()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteClientMessage(c.conn, ws.OpText, data)
}

// Announce sends user_online for userID.
func (c *Client) Announce(userID int64) error {
	return c.Send(map[string]interface{}{"type": TypeUserOnline, "userId": userID})
}

// JoinConversation joins the room shared by userID and otherUserID.
func (c *Client) JoinConversation(userID, otherUserID int64) error {
	return c.Send(map[string]interface{}{
		"type":        TypeJoinConversation,
		"userId":      userID,
		"otherUserId": otherUserID,
	})
}

// SendDirect submits a direct message.
func (c *Client) SendDirect(senderID, receiverID int64, text string) error {
	return c.Send(map[string]interface{}{
		"type":       TypeSendMessage,
		"senderId":   senderID,
		"receiverId": receiverID,
		"message":    text,
	})
}

// On registers a handler for a specific server message type. The handler
// receives the full raw JSON of the message. Handlers run on the read loop
// goroutine and must not block. Registering a second handler for the same
// type replaces the first.
func (c *Client) On(msgType string, handler func(json.RawMessage)) {
	c.mu.Lock()
	c.handlers[msgType] = handler
	c.mu.Unlock()
}

// Expect returns the first frame of msgType for which match returns true,
// waiting until ctx is done. A nil match accepts any frame of the type.
// Frames that arrived before the call are considered too; a returned frame
// is consumed.
func (c *Client) Expect(ctx context.Context, msgType string, match func(json.RawMessage) bool) (json.RawMessage, error) {
	if match == nil {
		match = func(json.RawMessage) bool { return true }
	}

	c.mu.Lock()
	for i, f := range c.inbox {
		if f.msgType == msgType && match(f.data) {
			c.inbox = append(c.inbox[:i], c.inbox[i+1:]...)
			c.mu.Unlock()
			return f.data, nil
		}
	}
	w := &waiter{msgType: msgType, match: match, ch: make(chan json.RawMessage, 1)}
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	defer c.removeWaiter(w)

	select {
	case data := <-w.ch:
		return data, nil
	case <-c.done:
		return nil, fmt.Errorf("connection closed while waiting for %s", msgType)
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s: %w", msgType, ctx.Err())
	}
}

// WaitForSession blocks until the server has assigned a session ID or the
// context is cancelled.
func (c *Client) WaitForSession(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return fmt.Errorf("connection closed before session was created")
		case <-ticker.C:
			if c.SessionID() != "" {
				return nil
			}
		}
	}
}

// Close closes the connection and stops the read loop. It is safe to call
// multiple times.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

// SessionID returns the session ID assigned by the server, or an empty string
// if the handshake has not completed yet.
func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// GetMetrics returns a copy of the client's metrics.
func (c *Client) GetMetrics() Metrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.metrics
}

func (c *Client) removeWaiter(w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, other := range c.waiters {
		if other == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// readLoop reads frames until the connection is closed or fails.
func (c *Client) readLoop() {
	for {
		data, err := wsutil.ReadServerText(c.conn)
		if err != nil {
			select {
			case <-c.done:
				// Closed on purpose.
			default:
				c.mu.Lock()
				c.metrics.Errors++
				c.mu.Unlock()
				c.Close()
			}
			return
		}

		var envelope struct {
			Type      string `json:"type"`
			SessionID string `json:"session_id"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			continue
		}
		raw := json.RawMessage(data)

		c.mu.Lock()
		if c.metrics.MessagesReceived == 0 {
			c.metrics.FirstMsgLatency = time.Since(c.dialedAt)
		}
		c.metrics.MessagesReceived++
		if envelope.Type == TypeSessionCreated && envelope.SessionID != "" {
			c.sessionID = envelope.SessionID
		}
		handler := c.handlers[envelope.Type]
		claimed := false
		for i, w := range c.waiters {
			if w.msgType == envelope.Type && w.match(raw) {
				w.ch <- raw
				c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
				claimed = true
				break
			}
		}
		if !claimed {
			if len(c.inbox) == inboxSize {
				c.inbox = c.inbox[1:]
			}
			c.inbox = append(c.inbox, frame{msgType: envelope.Type, data: raw})
		}
		c.mu.Unlock()

		if handler != nil {
			handler(raw)
		}
	}
}
