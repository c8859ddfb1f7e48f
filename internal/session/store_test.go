package session

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"
)

// Test user IDs live far above real ones so the shared presence hash can be
// cleaned up without touching other data.
const testUserBase = int64(9_000_000_000)

func redisAddr() string {
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		return v
	}
	return "localhost:6379"
}

// newTestStore connects to Redis as serverName. Tests that call this helper
// require a running Redis and are skipped otherwise.
func newTestStore(t *testing.T, serverName string) *Store {
	t.Helper()
	s, err := NewStore(redisAddr(), serverName)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := s.client.HKeys(ctx, PresenceKey).Result()
		for _, k := range keys {
			if id, err := strconv.ParseInt(k, 10, 64); err == nil && id >= testUserBase {
				s.client.HDel(ctx, PresenceKey, k)
			}
		}
		s.Close()
	})
	return s
}

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestCreateGetDelete(t *testing.T) {
	s := newTestStore(t, "test-node-a")
	ctx := context.Background()

	if err := s.Create(ctx, "test_sess_1"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	sess, err := s.Get(ctx, "test_sess_1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sess == nil || sess.Server != "test-node-a" || sess.UserID != 0 {
		t.Fatalf("session = %+v", sess)
	}

	ttl, err := s.client.TTL(ctx, SessionPrefix+"test_sess_1").Result()
	if err != nil || ttl <= 0 {
		t.Fatalf("TTL = %v, %v; want positive", ttl, err)
	}

	if err := s.Delete(ctx, "test_sess_1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	sess, err = s.Get(ctx, "test_sess_1")
	if err != nil || sess != nil {
		t.Fatalf("Get after Delete = %+v, %v", sess, err)
	}
}

func TestSetOnlineTagsSession(t *testing.T) {
	s := newTestStore(t, "test-node-a")
	ctx := context.Background()
	user := testUserBase + 1

	if err := s.Create(ctx, "test_sess_2"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Delete(context.Background(), "test_sess_2") })

	if err := s.SetOnline(ctx, user, "test_sess_2"); err != nil {
		t.Fatalf("SetOnline: %v", err)
	}

	sess, err := s.Get(ctx, "test_sess_2")
	if err != nil || sess == nil || sess.UserID != user {
		t.Fatalf("session = %+v, %v", sess, err)
	}
	server, ok, err := s.ServerFor(ctx, user)
	if err != nil || !ok || server != "test-node-a" {
		t.Fatalf("ServerFor = %q, %v, %v", server, ok, err)
	}

	ids, err := s.OnlineUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !contains(ids, user) {
		t.Fatalf("OnlineUsers missing %d", user)
	}
}

func TestSetOfflineRespectsOwner(t *testing.T) {
	a := newTestStore(t, "test-node-a")
	b := newTestStore(t, "test-node-b")
	ctx := context.Background()
	user := testUserBase + 2

	if err := a.SetOnline(ctx, user, "test_sess_a"); err != nil {
		t.Fatal(err)
	}
	// The user reconnects through node b before node a sees the drop.
	if err := b.SetOnline(ctx, user, "test_sess_b"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		a.Delete(context.Background(), "test_sess_a")
		b.Delete(context.Background(), "test_sess_b")
	})

	removed, err := a.SetOffline(ctx, user)
	if err != nil {
		t.Fatalf("SetOffline(a): %v", err)
	}
	if removed {
		t.Fatal("node a removed an entry owned by node b")
	}

	removed, err = b.SetOffline(ctx, user)
	if err != nil || !removed {
		t.Fatalf("SetOffline(b) = %v, %v; want true", removed, err)
	}
	if _, ok, _ := a.ServerFor(ctx, user); ok {
		t.Fatal("user still online after owner cleared it")
	}
}

func TestClearServer(t *testing.T) {
	a := newTestStore(t, "test-node-a")
	b := newTestStore(t, "test-node-b")
	ctx := context.Background()

	ua, ub := testUserBase+3, testUserBase+4
	if err := a.SetOnline(ctx, ua, "test_sess_c"); err != nil {
		t.Fatal(err)
	}
	if err := b.SetOnline(ctx, ub, "test_sess_d"); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		a.Delete(context.Background(), "test_sess_c")
		b.Delete(context.Background(), "test_sess_d")
	})

	n, err := a.ClearServer(ctx)
	if err != nil {
		t.Fatalf("ClearServer: %v", err)
	}
	if n < 1 {
		t.Fatalf("ClearServer removed %d entries, want at least 1", n)
	}

	ids, err := a.OnlineUsers(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if contains(ids, ua) {
		t.Fatal("node a user survived ClearServer")
	}
	if !contains(ids, ub) {
		t.Fatal("ClearServer removed another node's user")
	}
}

func TestRefreshExtendsLiveSessionOnly(t *testing.T) {
	s := newTestStore(t, "test-node-a")
	ctx := context.Background()

	if err := s.Create(ctx, "test_sess_refresh"); err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer s.Delete(ctx, "test_sess_refresh")

	s.client.Expire(ctx, SessionPrefix+"test_sess_refresh", time.Minute)
	if err := s.Refresh(ctx, "test_sess_refresh"); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	ttl, err := s.client.TTL(ctx, SessionPrefix+"test_sess_refresh").Result()
	if err != nil {
		t.Fatalf("TTL: %v", err)
	}
	if ttl <= time.Minute {
		t.Fatalf("TTL = %v, want extended to about %v", ttl, SessionTTL)
	}

	if err := s.Refresh(ctx, "test_sess_missing"); err != nil {
		t.Fatalf("Refresh missing: %v", err)
	}
	if n, _ := s.client.Exists(ctx, SessionPrefix+"test_sess_missing").Result(); n != 0 {
		t.Fatal("Refresh recreated an absent session")
	}
}
