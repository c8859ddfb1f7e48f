package session

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionPrefix is the Redis key prefix for per-connection session hashes.
	SessionPrefix = "session:"

	// SessionTTL is the time-to-live for session keys in Redis.
	SessionTTL = 1 * time.Hour

	// PresenceKey is the hash of online users: user ID -> owning server.
	PresenceKey = "presence:online"
)

// clearPresenceScript removes a user's presence entry only if this server
// still owns it.
var clearPresenceScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
	return redis.call('HDEL', KEYS[1], ARGV[1])
end
return 0
`)

// clearServerScript removes every presence entry owned by a server.
var clearServerScript = redis.NewScript(`
local entries = redis.call('HGETALL', KEYS[1])
local removed = 0
for i = 1, #entries, 2 do
	if entries[i + 1] == ARGV[1] then
		redis.call('HDEL', KEYS[1], entries[i])
		removed = removed + 1
	end
end
return removed
`)

// Session is a connection's state stored in Redis.
type Session struct {
	ID         string `redis:"id"`
	Server     string `redis:"server"`      // which WS server instance
	UserID     int64  `redis:"user_id"`     // 0 until user_online
	CreatedAt  int64  `redis:"created_at"`  // unix timestamp
	LastActive int64  `redis:"last_active"` // unix timestamp
}

// Store manages sessions and presence in Redis.
type Store struct {
	client     *redis.Client
	serverName string // identifier for this WS server instance
}

// NewStore connects to Redis and verifies the connection.
func NewStore(redisAddr string, serverName string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("session: redis connection failed: %w", err)
	}

	return &Store{client: client, serverName: serverName}, nil
}

// Create stores a new session owned by this server with a 1h TTL.
func (s *Store) Create(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID
	now := time.Now().Unix()

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"id":          sessionID,
		"server":      s.serverName,
		"user_id":     0,
		"created_at":  now,
		"last_active": now,
	})
	pipe.Expire(ctx, key, SessionTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// Get retrieves a session. Returns nil if not found.
func (s *Store) Get(ctx context.Context, sessionID string) (*Session, error) {
	var sess Session
	if err := s.client.HGetAll(ctx, SessionPrefix+sessionID).Scan(&sess); err != nil {
		return nil, err
	}
	if sess.ID == "" {
		return nil, nil
	}
	return &sess, nil
}

// Refresh stamps last_active and extends the session's TTL. It does not
// recreate a session that has already expired or been deleted.
func (s *Store) Refresh(ctx context.Context, sessionID string) error {
	key := SessionPrefix + sessionID

	ok, err := s.client.Expire(ctx, key, SessionTTL).Result()
	if err != nil {
		return fmt.Errorf("session: refresh %s: %w", sessionID, err)
	}
	if !ok {
		return nil
	}
	return s.client.HSet(ctx, key, "last_active", time.Now().Unix()).Err()
}

// Delete removes a session.
func (s *Store) Delete(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, SessionPrefix+sessionID).Err()
}

// SetOnline marks userID online on this server and tags the connection's
// session with the user.
func (s *Store) SetOnline(ctx context.Context, userID int64, connID string) error {
	key := SessionPrefix + connID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, PresenceKey, strconv.FormatInt(userID, 10), s.serverName)
	pipe.HSet(ctx, key, "user_id", userID, "last_active", time.Now().Unix())
	pipe.Expire(ctx, key, SessionTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("session: set online %d: %w", userID, err)
	}
	return nil
}

// SetOffline removes userID's presence entry if this server owns it. It
// reports false when another server has taken the user over.
func (s *Store) SetOffline(ctx context.Context, userID int64) (bool, error) {
	n, err := clearPresenceScript.Run(ctx, s.client, []string{PresenceKey},
		strconv.FormatInt(userID, 10), s.serverName).Int()
	if err != nil {
		return false, fmt.Errorf("session: set offline %d: %w", userID, err)
	}
	return n == 1, nil
}

// ServerFor returns the server that owns userID's presence entry.
func (s *Store) ServerFor(ctx context.Context, userID int64) (string, bool, error) {
	server, err := s.client.HGet(ctx, PresenceKey, strconv.FormatInt(userID, 10)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return server, true, nil
}

// OnlineUsers returns every online user across all servers, ascending.
func (s *Store) OnlineUsers(ctx context.Context) ([]int64, error) {
	keys, err := s.client.HKeys(ctx, PresenceKey).Result()
	if err != nil {
		return nil, fmt.Errorf("session: online users: %w", err)
	}

	ids := make([]int64, 0, len(keys))
	for _, k := range keys {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// ClearServer removes every presence entry owned by this server. It is
// called on shutdown so users do not linger online.
func (s *Store) ClearServer(ctx context.Context) (int, error) {
	n, err := clearServerScript.Run(ctx, s.client, []string{PresenceKey}, s.serverName).Int()
	if err != nil {
		return 0, fmt.Errorf("session: clear server %s: %w", s.serverName, err)
	}
	return n, nil
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client for use by other packages.
func (s *Store) Client() *redis.Client {
	return s.client
}
