package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Conversation is an undirected 1:1 channel. User1ID < User2ID for every row
// written by this package.
type Conversation struct {
	ID          int64     `json:"id"`
	User1ID     int64     `json:"user1_id"`
	User2ID     int64     `json:"user2_id"`
	LastMessage *string   `json:"last_message"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ConversationSummary is a conversation as listed for one user, with both
// participants' profile fields and that user's unread count.
type ConversationSummary struct {
	Conversation
	User1Name   *string `json:"user1_name"`
	User1Avatar *string `json:"user1_avatar"`
	User2Name   *string `json:"user2_name"`
	User2Avatar *string `json:"user2_avatar"`
	UnreadCount int     `json:"unread_count"`
}

// GetOrCreateConversation returns the ID of the single conversation between
// a and b, creating it on first use. Argument order does not matter.
//
// Two concurrent first messages between the same pair can both miss the
// lookup; the loser's insert hits the unique (user1_id, user2_id) constraint
// and is resolved by re-reading the winning row.
func (s *Store) GetOrCreateConversation(ctx context.Context, a, b int64) (int64, error) {
	if a == b {
		return 0, ErrSamePair
	}
	lo, hi := CanonicalPair(a, b)

	id, err := s.findConversationID(ctx, lo, hi)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("store: find conversation %d-%d: %w", lo, hi, err)
	}

	const insert = `INSERT INTO conversations (user1_id, user2_id) VALUES ($1, $2) RETURNING id`
	err = s.db.QueryRowContext(ctx, insert, lo, hi).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !isUniqueViolation(err) {
		return 0, fmt.Errorf("store: create conversation %d-%d: %w", lo, hi, err)
	}

	id, err = s.findConversationID(ctx, lo, hi)
	if err != nil {
		return 0, fmt.Errorf("store: re-read conversation %d-%d after conflict: %w", lo, hi, err)
	}
	return id, nil
}

// findConversationID matches either orientation so that rows written before
// pairs were canonicalized are still found.
func (s *Store) findConversationID(ctx context.Context, lo, hi int64) (int64, error) {
	const query = `
		SELECT id FROM conversations
		WHERE (user1_id = $1 AND user2_id = $2) OR (user1_id = $2 AND user2_id = $1)
		ORDER BY id
		LIMIT 1`

	var id int64
	err := s.db.QueryRowContext(ctx, query, lo, hi).Scan(&id)
	return id, err
}

// ConversationByPair returns the conversation between two users, or nil if
// they have never messaged.
func (s *Store) ConversationByPair(ctx context.Context, a, b int64) (*Conversation, error) {
	const query = `
		SELECT id, user1_id, user2_id, last_message, updated_at
		FROM conversations
		WHERE (user1_id = $1 AND user2_id = $2) OR (user1_id = $2 AND user2_id = $1)
		ORDER BY id
		LIMIT 1`

	var c Conversation
	err := s.db.QueryRowContext(ctx, query, a, b).Scan(&c.ID, &c.User1ID, &c.User2ID, &c.LastMessage, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: conversation by pair: %w", err)
	}
	return &c, nil
}

// ConversationsByUser lists every conversation the user takes part in, most
// recently active first.
func (s *Store) ConversationsByUser(ctx context.Context, userID int64) ([]ConversationSummary, error) {
	const query = `
		SELECT c.id, c.user1_id, c.user2_id, c.last_message, c.updated_at,
		       u1.name, u1.avatar, u2.name, u2.avatar,
		       (SELECT COUNT(*) FROM messages m
		         WHERE m.conversation_id = c.id AND m.receiver_id = $1 AND NOT m.read) AS unread_count
		FROM conversations c
		LEFT JOIN users u1 ON u1.id = c.user1_id
		LEFT JOIN users u2 ON u2.id = c.user2_id
		WHERE c.user1_id = $1 OR c.user2_id = $1
		ORDER BY c.updated_at DESC, c.id DESC`

	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("store: conversations by user: %w", err)
	}
	defer rows.Close()

	out := []ConversationSummary{}
	for rows.Next() {
		var c ConversationSummary
		if err := rows.Scan(
			&c.ID, &c.User1ID, &c.User2ID, &c.LastMessage, &c.UpdatedAt,
			&c.User1Name, &c.User1Avatar, &c.User2Name, &c.User2Avatar,
			&c.UnreadCount,
		); err != nil {
			return nil, fmt.Errorf("store: scan conversation: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate conversations: %w", err)
	}
	return out, nil
}
