package presence

import (
	"fmt"
	"sync"
	"testing"
)

func TestAnnounceAndLookup(t *testing.T) {
	r := NewRegistry()

	if r.IsOnline(3) {
		t.Fatal("expected user 3 offline before announce")
	}
	if replaced, _ := r.Announce(3, "conn-a"); replaced != "" {
		t.Fatalf("expected no replaced connection, got %q", replaced)
	}

	if !r.IsOnline(3) {
		t.Fatal("expected user 3 online")
	}
	connID, ok := r.ConnectionFor(3)
	if !ok || connID != "conn-a" {
		t.Fatalf("expected conn-a, got %q (ok=%v)", connID, ok)
	}
	userID, ok := r.UserFor("conn-a")
	if !ok || userID != 3 {
		t.Fatalf("expected user 3 for conn-a, got %d (ok=%v)", userID, ok)
	}
}

func TestAnnounceTwice_SingleEntryLatestConnection(t *testing.T) {
	r := NewRegistry()

	r.Announce(3, "conn-a")
	replaced, _ := r.Announce(3, "conn-b")
	if replaced != "conn-a" {
		t.Fatalf("expected conn-a replaced, got %q", replaced)
	}

	if n := r.Count(); n != 1 {
		t.Fatalf("expected exactly 1 presence entry, got %d", n)
	}
	connID, _ := r.ConnectionFor(3)
	if connID != "conn-b" {
		t.Fatalf("expected latest connection conn-b, got %q", connID)
	}

	// Same connection announcing again is a no-op.
	if replaced, _ := r.Announce(3, "conn-b"); replaced != "" {
		t.Fatalf("expected no replacement on repeat announce, got %q", replaced)
	}
	if n := r.Count(); n != 1 {
		t.Fatalf("expected exactly 1 presence entry, got %d", n)
	}
}

func TestDisconnect(t *testing.T) {
	r := NewRegistry()
	r.Announce(3, "conn-a")

	userID, offline := r.Disconnect("conn-a")
	if userID != 3 || !offline {
		t.Fatalf("expected user 3 offline, got user=%d offline=%v", userID, offline)
	}
	if r.IsOnline(3) {
		t.Fatal("expected user 3 offline after disconnect")
	}

	// Unknown or already removed connections are ignored.
	if userID, offline := r.Disconnect("conn-a"); userID != 0 || offline {
		t.Fatalf("expected no-op, got user=%d offline=%v", userID, offline)
	}
	if userID, offline := r.Disconnect("never-announced"); userID != 0 || offline {
		t.Fatalf("expected no-op, got user=%d offline=%v", userID, offline)
	}
}

func TestDisconnect_SupersededConnectionKeepsUserOnline(t *testing.T) {
	r := NewRegistry()
	r.Announce(3, "old")
	r.Announce(3, "new")

	userID, offline := r.Disconnect("old")
	if userID != 3 {
		t.Fatalf("expected user 3, got %d", userID)
	}
	if offline {
		t.Fatal("stale connection must not take the user offline")
	}
	connID, ok := r.ConnectionFor(3)
	if !ok || connID != "new" {
		t.Fatalf("expected user 3 still on new, got %q (ok=%v)", connID, ok)
	}
}

func TestAnnounce_ConnectionSwitchesUser(t *testing.T) {
	r := NewRegistry()
	r.Announce(3, "conn-a")
	if _, detached := r.Announce(7, "conn-a"); detached != 3 {
		t.Fatalf("detached = %d, want 3", detached)
	}

	if r.IsOnline(3) {
		t.Fatal("expected user 3 detached from conn-a")
	}
	if !r.IsOnline(7) {
		t.Fatal("expected user 7 online")
	}
	userID, offline := r.Disconnect("conn-a")
	if userID != 7 || !offline {
		t.Fatalf("expected user 7 offline, got user=%d offline=%v", userID, offline)
	}
}

func TestOnlineUsersSorted(t *testing.T) {
	r := NewRegistry()
	for _, id := range []int64{9, 3, 7} {
		r.Announce(id, fmt.Sprintf("conn-%d", id))
	}

	got := r.OnlineUsers()
	want := []int64{3, 7, 9}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}
}

func TestConcurrentAnnounceDisconnect(t *testing.T) {
	r := NewRegistry()
	const goroutines = 50

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for g := 0; g < goroutines; g++ {
		go func(id int) {
			defer wg.Done()
			connID := fmt.Sprintf("conn-%d", id)
			for i := 0; i < 100; i++ {
				r.Announce(int64(id), connID)
				_ = r.IsOnline(int64(id))
				_ = r.OnlineUsers()
				r.Disconnect(connID)
			}
			r.Announce(int64(id), connID)
		}(g)
	}
	wg.Wait()

	if n := r.Count(); n != goroutines {
		t.Fatalf("expected %d online users, got %d", goroutines, n)
	}
}

func TestAnnounce_DetachedOnlyWhenPreviousUserLosesConnection(t *testing.T) {
	r := NewRegistry()
	r.Announce(3, "conn-a")
	r.Announce(3, "conn-b") // user 3 moves to conn-b

	if _, detached := r.Announce(7, "conn-a"); detached != 0 {
		t.Fatalf("detached = %d, want 0: user 3 is live on conn-b", detached)
	}
	if !r.IsOnline(3) {
		t.Fatal("expected user 3 still online on conn-b")
	}

	if _, detached := r.Announce(7, "conn-a"); detached != 0 {
		t.Fatalf("re-announcing the same user detached %d", detached)
	}
}
