package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// TripMessage is one message in a trip's group chat.
type TripMessage struct {
	ID           int64     `json:"id"`
	TripID       int64     `json:"trip_id"`
	SenderID     int64     `json:"sender_id"`
	Message      string    `json:"message"`
	IsPinned     bool      `json:"is_pinned"`
	CreatedAt    time.Time `json:"created_at"`
	SenderName   *string   `json:"sender_name"`
	SenderAvatar *string   `json:"sender_avatar"`
}

const tripMessageColumns = `
	tm.id, tm.trip_id, tm.sender_id, tm.message, tm.is_pinned, tm.created_at, u.name, u.avatar`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTripMessage(row rowScanner) (*TripMessage, error) {
	var m TripMessage
	err := row.Scan(&m.ID, &m.TripID, &m.SenderID, &m.Message, &m.IsPinned, &m.CreatedAt, &m.SenderName, &m.SenderAvatar)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// CreateTripMessage stores a trip chat message and returns it with the
// sender's profile fields.
func (s *Store) CreateTripMessage(ctx context.Context, tripID, senderID int64, text string) (*TripMessage, error) {
	const query = `
		WITH tm AS (
			INSERT INTO trip_messages (trip_id, sender_id, message)
			VALUES ($1, $2, $3)
			RETURNING id, trip_id, sender_id, message, is_pinned, created_at
		)
		SELECT` + tripMessageColumns + `
		FROM tm
		LEFT JOIN users u ON u.id = tm.sender_id`

	m, err := scanTripMessage(s.db.QueryRowContext(ctx, query, tripID, senderID, text))
	if err != nil {
		return nil, fmt.Errorf("store: create trip message: %w", err)
	}
	return m, nil
}

// TripMessages returns a trip's chat history, oldest first.
func (s *Store) TripMessages(ctx context.Context, tripID int64) ([]TripMessage, error) {
	const query = `
		SELECT` + tripMessageColumns + `
		FROM trip_messages tm
		LEFT JOIN users u ON u.id = tm.sender_id
		WHERE tm.trip_id = $1
		ORDER BY tm.created_at ASC, tm.id ASC`

	rows, err := s.db.QueryContext(ctx, query, tripID)
	if err != nil {
		return nil, fmt.Errorf("store: trip messages: %w", err)
	}
	defer rows.Close()

	out := []TripMessage{}
	for rows.Next() {
		m, err := scanTripMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan trip message: %w", err)
		}
		out = append(out, *m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate trip messages: %w", err)
	}
	return out, nil
}

// SetTripMessagePinned pins or unpins a message of the given trip. It
// returns false when no such message exists.
func (s *Store) SetTripMessagePinned(ctx context.Context, tripID, messageID int64, pinned bool) (bool, error) {
	const query = `UPDATE trip_messages SET is_pinned = $1 WHERE id = $2 AND trip_id = $3 RETURNING id`

	var id int64
	err := s.db.QueryRowContext(ctx, query, pinned, messageID, tripID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: pin trip message %d: %w", messageID, err)
	}
	return true, nil
}
