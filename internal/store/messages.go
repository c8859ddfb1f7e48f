package store

import (
	"context"
	"fmt"
	"time"
)

// Message is a persisted direct message. Only Read ever changes after insert.
type Message struct {
	ID             int64     `json:"id"`
	ConversationID int64     `json:"conversation_id"`
	SenderID       int64     `json:"sender_id"`
	ReceiverID     int64     `json:"receiver_id"`
	Body           string    `json:"message"`
	Read           bool      `json:"read"`
	CreatedAt      time.Time `json:"created_at"`
}

// MessageView is a message joined with its sender's profile fields.
type MessageView struct {
	Message
	SenderName   *string `json:"sender_name"`
	SenderAvatar *string `json:"sender_avatar"`
}

// AppendMessage stores m and refreshes its conversation's last-message cache
// in one transaction. On success m.ID, m.Read and m.CreatedAt hold the
// server-assigned values. ErrNotParticipant is returned, and nothing is
// written, when the sender and receiver are not the conversation's pair.
func (s *Store) AppendMessage(ctx context.Context, m *Message) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin append: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	lo, hi := CanonicalPair(m.SenderID, m.ReceiverID)
	const touch = `
		UPDATE conversations
		SET last_message = $1, updated_at = now()
		WHERE id = $2
		  AND ((user1_id = $3 AND user2_id = $4) OR (user1_id = $4 AND user2_id = $3))`

	res, err := tx.ExecContext(ctx, touch, m.Body, m.ConversationID, lo, hi)
	if err != nil {
		return fmt.Errorf("store: update conversation %d: %w", m.ConversationID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: update conversation %d: %w", m.ConversationID, err)
	}
	if n == 0 {
		return ErrNotParticipant
	}

	const insert = `
		INSERT INTO messages (conversation_id, sender_id, receiver_id, message)
		VALUES ($1, $2, $3, $4)
		RETURNING id, read, created_at`

	if err = tx.QueryRowContext(ctx, insert, m.ConversationID, m.SenderID, m.ReceiverID, m.Body).
		Scan(&m.ID, &m.Read, &m.CreatedAt); err != nil {
		return fmt.Errorf("store: insert message: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("store: commit append: %w", err)
	}
	return nil
}

// MarkRead flips every unread message in the conversation addressed to
// reader to read. It never touches messages the reader sent, and never
// clears the flag. Returns the number of messages changed.
func (s *Store) MarkRead(ctx context.Context, conversationID, readerID int64) (int64, error) {
	const query = `
		UPDATE messages SET read = TRUE
		WHERE conversation_id = $1 AND receiver_id = $2 AND NOT read`

	res, err := s.db.ExecContext(ctx, query, conversationID, readerID)
	if err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: mark read: %w", err)
	}
	return n, nil
}

// MessagesByConversation returns the conversation's history in display
// order. Ties on created_at are broken by id.
func (s *Store) MessagesByConversation(ctx context.Context, conversationID int64) ([]MessageView, error) {
	const query = `
		SELECT m.id, m.conversation_id, m.sender_id, m.receiver_id, m.message, m.read, m.created_at,
		       u.name, u.avatar
		FROM messages m
		LEFT JOIN users u ON u.id = m.sender_id
		WHERE m.conversation_id = $1
		ORDER BY m.created_at ASC, m.id ASC`

	rows, err := s.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("store: messages by conversation: %w", err)
	}
	defer rows.Close()

	out := []MessageView{}
	for rows.Next() {
		var m MessageView
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.SenderID, &m.ReceiverID, &m.Body, &m.Read, &m.CreatedAt,
			&m.SenderName, &m.SenderAvatar,
		); err != nil {
			return nil, fmt.Errorf("store: scan message: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate messages: %w", err)
	}
	return out, nil
}
