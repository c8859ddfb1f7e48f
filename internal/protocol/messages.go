// Package protocol defines the realtime event types exchanged between clients
// and the server. Every frame is a JSON object carrying a "type"
// discriminator next to the event's own fields.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
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

// Server -> Client event types.
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

// Presence states carried by user_status.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeInvalidPayload  = "invalid_payload"
	CodeMessageFailed   = "message_failed"
	CodeNotParticipant  = "not_participant"
)

// ---------------------------------------------------------------------------
// Envelope: initial JSON parsing to extract the type discriminator.
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so that the rest can be decoded later into the concrete struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// UserOnlineMsg announces which user the connection belongs to.
type UserOnlineMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId" validate:"required,gt=0"`
}

// JoinConversationMsg joins the room of the direct conversation between two
// users.
type JoinConversationMsg struct {
	Type        string `json:"type"`
	UserID      int64  `json:"userId" validate:"required,gt=0"`
	OtherUserID int64  `json:"otherUserId" validate:"required,gt=0,nefield=UserID"`
}

// JoinTripMsg joins a trip's group-chat room.
type JoinTripMsg struct {
	Type   string `json:"type"`
	TripID int64  `json:"tripId" validate:"required,gt=0"`
}

// SendMessageMsg submits a direct message.
type SendMessageMsg struct {
	Type       string `json:"type"`
	SenderID   int64  `json:"senderId" validate:"required,gt=0"`
	ReceiverID int64  `json:"receiverId" validate:"required,gt=0,nefield=SenderID"`
	Message    string `json:"message" validate:"required"`
}

// TypingMsg starts (type "typing") or stops (type "stop_typing") a typing
// indicator towards the receiver.
type TypingMsg struct {
	Type       string `json:"type"`
	SenderID   int64  `json:"senderId" validate:"required,gt=0"`
	ReceiverID int64  `json:"receiverId" validate:"required,gt=0"`
}

// MarkReadMsg marks every message addressed to UserID in a conversation as
// read.
type MarkReadMsg struct {
	Type           string `json:"type"`
	ConversationID int64  `json:"conversationId" validate:"required,gt=0"`
	UserID         int64  `json:"userId" validate:"required,gt=0"`
}

// SendTripMessageMsg relays an already persisted trip chat message to the
// trip room. ID is the persisted row's ID when the client has one.
type SendTripMessageMsg struct {
	Type         string `json:"type"`
	ID           int64  `json:"id,omitempty" validate:"gte=0"`
	TripID       int64  `json:"tripId" validate:"required,gt=0"`
	Message      string `json:"message" validate:"required"`
	SenderID     int64  `json:"senderId" validate:"required,gt=0"`
	SenderName   string `json:"senderName"`
	SenderAvatar string `json:"senderAvatar"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent when a new connection is established.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// OnlineUsersMsg lists every online user. It is sent once, to the connection
// that just announced itself.
type OnlineUsersMsg struct {
	Type    string  `json:"type"`
	UserIDs []int64 `json:"userIds"`
}

// UserStatusMsg is broadcast when a user comes online or goes offline.
type UserStatusMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
	Status string `json:"status"`
}

// NotificationTypeMessage is the notification category for a new direct
// message.
const NotificationTypeMessage = "message"

// NotificationMsg is the body of a notification event. The frame's own
// "type" is always "notification"; the notification itself travels intact
// under "notification" so its category keeps the "type" key clients
// branch on.
type NotificationMsg struct {
	Type         string       `json:"type"`
	Notification Notification `json:"notification"`
}

// Notification is a user-facing notice. Data holds the persisted message.
type Notification struct {
	Type    string      `json:"type"`
	Title   string      `json:"title"`
	Message string      `json:"message"`
	Link    string      `json:"link"`
	Read    bool        `json:"read"`
	Data    interface{} `json:"data"`
}

// MessageNotificationMsg is the legacy notification shape kept for older
// clients.
type MessageNotificationMsg struct {
	Type    string      `json:"type"`
	From    int64       `json:"from"`
	Message interface{} `json:"message"`
}

// UserTypingMsg relays a typing indicator. UserID is the typist.
type UserTypingMsg struct {
	Type   string `json:"type"`
	UserID int64  `json:"userId"`
}

// TripMessage is the body of new_trip_message.
type TripMessage struct {
	Type         string `json:"type"`
	ID           int64  `json:"id"`
	TripID       int64  `json:"trip_id"`
	SenderID     int64  `json:"sender_id"`
	SenderName   string `json:"sender_name"`
	SenderAvatar string `json:"sender_avatar"`
	Message      string `json:"message"`
	CreatedAt    string `json:"created_at"`
	IsPinned     bool   `json:"is_pinned"`
}

// RateLimitedMsg is sent when the client has been rate-limited.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	RetryAfter int    `json:"retry_after"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

var validate = validator.New(validator.WithRequiredStructEnabled())

// ParseClientMessage parses raw WebSocket bytes into a typed client event and
// validates its required fields. It returns the event type, the decoded
// struct and any error. The type is returned even when decoding or
// validation fails so callers can report which event was rejected.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeUserOnline:
		var m UserOnlineMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinConversation:
		var m JoinConversationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeJoinTrip:
		var m JoinTripMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping, TypeStopTyping:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMarkRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendTripMessage:
		var m SendTripMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	if err := validate.Struct(msg); err != nil {
		return env.Type, nil, &ValidationError{Type: env.Type, Err: err}
	}
	return env.Type, msg, nil
}

// ValidationError reports a well-formed event whose fields failed
// validation.
type ValidationError struct {
	Type string
	Err  error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("protocol: invalid %q payload: %v", e.Type, e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// NewServerMessage creates a JSON-encoded byte slice for a server event.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	// UseNumber keeps 64-bit IDs exact through the round trip.
	var m map[string]interface{}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}
