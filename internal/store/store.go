// Package store provides PostgreSQL-backed persistence for direct
// conversations, their messages and trip group-chat messages. It owns the
// canonical message history and read state that the realtime layer writes and
// the REST read models query.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

var (
	// ErrSamePair is returned when a conversation is requested between a
	// user and themselves.
	ErrSamePair = errors.New("store: conversation needs two distinct users")

	// ErrNotParticipant is returned when a message's sender and receiver are
	// not the two participants of its conversation.
	ErrNotParticipant = errors.New("store: sender and receiver are not the conversation participants")
)

// PoolOptions tunes the database/sql connection pool.
type PoolOptions struct {
	MaxOpenConns int
	MaxIdleConns int
	ConnLifetime time.Duration
}

// Open opens a PostgreSQL handle using lib/pq and verifies connectivity.
func Open(ctx context.Context, dsn string, opts PoolOptions) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: postgres connection failed: %w", err)
	}
	return db, nil
}

// Store manages conversations and messages in PostgreSQL.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// CanonicalPair orders two user IDs so that the smaller comes first. Every
// conversation lookup, insert and room name goes through it.
func CanonicalPair(a, b int64) (lo, hi int64) {
	if a > b {
		return b, a
	}
	return a, b
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == uniqueViolation
}
