package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T) (*Limiter, *redis.Client) {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		client.Close()
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, "rl:test:*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewLimiter(client), client
}

var testRule = Rule{Key: "rl:test:", Limit: 3, Window: 10 * time.Second}

func TestAllow_WithinAndOverLimit(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	for i := 1; i <= testRule.Limit; i++ {
		ok, err := l.Allow(ctx, "user_1", testRule)
		if err != nil || !ok {
			t.Fatalf("request %d: allowed=%v err=%v", i, ok, err)
		}
	}

	ok, err := l.Allow(ctx, "user_1", testRule)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("request over the limit was allowed")
	}

	// Other identifiers have their own window.
	ok, err = l.Allow(ctx, "user_2", testRule)
	if err != nil || !ok {
		t.Fatalf("independent identifier: allowed=%v err=%v", ok, err)
	}
}

func TestAllow_SetsExpiry(t *testing.T) {
	l, client := newTestLimiter(t)
	ctx := context.Background()

	if _, err := l.Allow(ctx, "user_ttl", testRule); err != nil {
		t.Fatal(err)
	}
	ttl, err := client.TTL(ctx, testRule.Key+"user_ttl").Result()
	if err != nil {
		t.Fatal(err)
	}
	if ttl <= 0 || ttl > testRule.Window {
		t.Fatalf("TTL = %v, want within (0, %v]", ttl, testRule.Window)
	}
}

func TestRemaining(t *testing.T) {
	l, _ := newTestLimiter(t)
	ctx := context.Background()

	n, err := l.Remaining(ctx, "user_rem", testRule)
	if err != nil || n != testRule.Limit {
		t.Fatalf("Remaining before use = %d, %v", n, err)
	}

	for i := 0; i < testRule.Limit+2; i++ {
		_, _ = l.Allow(ctx, "user_rem", testRule)
	}
	n, err = l.Remaining(ctx, "user_rem", testRule)
	if err != nil || n != 0 {
		t.Fatalf("Remaining after exhausting = %d, %v; want 0", n, err)
	}
}

func TestAllow_FailsOpen(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", DialTimeout: 100 * time.Millisecond, MaxRetries: -1})
	defer client.Close()
	l := NewLimiter(client)

	ok, err := l.Allow(context.Background(), "user_x", testRule)
	if err == nil {
		t.Fatal("expected an error from an unreachable Redis")
	}
	if !ok {
		t.Fatal("limiter should fail open")
	}
}
