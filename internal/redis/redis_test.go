package redis

import (
	"context"
	"sync"
	"testing"
	"time"

	"marketchat/internal/domain/user"
	"marketchat/internal/presence"
	"marketchat/internal/repository/memory"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestPresenceTrackerTransitions(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	tracker := NewPresenceTracker(client, time.Minute)
	alice := uuid.New()

	tr, err := tracker.AddConnection(ctx, alice, "phone")
	if err != nil || tr != presence.BecameOnline {
		t.Fatalf("first add = %s, %v", tr, err)
	}
	tr, _ = tracker.AddConnection(ctx, alice, "laptop")
	if tr != presence.Unchanged {
		t.Fatalf("second add = %s", tr)
	}
	tr, _ = tracker.RemoveConnection(ctx, alice, "phone")
	if tr != presence.Unchanged {
		t.Fatalf("first remove = %s", tr)
	}
	if online, _ := tracker.IsOnline(ctx, alice); !online {
		t.Fatal("alice should still be online on the laptop")
	}
	tr, _ = tracker.RemoveConnection(ctx, alice, "laptop")
	if tr != presence.BecameOffline {
		t.Fatalf("last remove = %s", tr)
	}
	tr, _ = tracker.RemoveConnection(ctx, alice, "laptop")
	if tr != presence.Unchanged {
		t.Fatalf("repeat remove = %s", tr)
	}
	if online, _ := tracker.IsOnline(ctx, alice); online {
		t.Fatal("alice should be offline")
	}
}

func TestPresenceTrackerExpiresStaleHandles(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	now := time.Now()
	tracker := NewPresenceTracker(client, time.Minute)
	tracker.now = func() time.Time { return now }
	alice, bob := uuid.New(), uuid.New()

	_, _ = tracker.AddConnection(ctx, alice, "crashed-instance")
	_, _ = tracker.AddConnection(ctx, bob, "live")

	now = now.Add(45 * time.Second)
	if err := tracker.Heartbeat(ctx, bob, "live"); err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if err := tracker.Heartbeat(ctx, bob, "never-added"); err != nil {
		t.Fatalf("Heartbeat unknown: %v", err)
	}

	now = now.Add(30 * time.Second)
	got, err := tracker.OnlineUsers(ctx, []uuid.UUID{alice, bob})
	if err != nil {
		t.Fatalf("OnlineUsers: %v", err)
	}
	if got[alice] {
		t.Error("alice's handle missed its heartbeat and should not count")
	}
	if !got[bob] {
		t.Error("bob heartbeated and should be online")
	}

	tr, _ := tracker.AddConnection(ctx, alice, "new")
	if tr != presence.BecameOnline {
		t.Errorf("reconnect after stale handle = %s, want online", tr)
	}
}

func TestPresenceTrackerConcurrent(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	tracker := NewPresenceTracker(client, time.Minute)
	alice := uuid.New()

	var (
		wg            sync.WaitGroup
		mu            sync.Mutex
		onlines, offs int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handle := uuid.NewString()
			tr, err := tracker.AddConnection(ctx, alice, handle)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			if tr == presence.BecameOnline {
				onlines++
			}
			mu.Unlock()
			tr, err = tracker.RemoveConnection(ctx, alice, handle)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			if tr == presence.BecameOffline {
				offs++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	if onlines == 0 || onlines != offs {
		t.Fatalf("online %d offline %d transitions; want equal and non-zero", onlines, offs)
	}
}

func TestKV(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	store := NewKV(client, "test:")

	if _, ok, err := store.Get(ctx, "missing"); err != nil || ok {
		t.Fatalf("Get missing = %v, %v", ok, err)
	}
	if err := store.Set(ctx, "jti", "1", time.Minute); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if !mr.Exists("test:jti") {
		t.Fatal("key not written with prefix")
	}
	if v, ok, _ := store.Get(ctx, "jti"); !ok || v != "1" {
		t.Fatalf("Get = %q, %v", v, ok)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok, _ := store.Get(ctx, "jti"); ok {
		t.Fatal("key should have expired")
	}

	_ = store.Set(ctx, "k", "v", 0)
	if err := store.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "k"); ok {
		t.Fatal("deleted key still present")
	}
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	now := time.Now()
	limiter := NewRateLimiter(client, RateLimitConfig{ConnectionLimit: 3, ConnectionWindow: time.Minute})
	limiter.now = func() time.Time { return now }
	alice := uuid.New()

	for i := 0; i < 3; i++ {
		res, err := limiter.AllowConnection(ctx, alice)
		if err != nil {
			t.Fatalf("AllowConnection: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("attempt %d rejected", i+1)
		}
		if res.Remaining != 2-i {
			t.Errorf("attempt %d remaining = %d, want %d", i+1, res.Remaining, 2-i)
		}
		now = now.Add(10 * time.Second)
	}

	res, _ := limiter.AllowConnection(ctx, alice)
	if res.Allowed {
		t.Fatal("fourth attempt within the window should be rejected")
	}
	if res.ResetIn <= 0 || res.ResetIn > time.Minute {
		t.Errorf("ResetIn = %v", res.ResetIn)
	}

	// The first attempt slides out of the window.
	now = now.Add(35 * time.Second)
	res, _ = limiter.AllowConnection(ctx, alice)
	if !res.Allowed {
		t.Fatal("attempt after the oldest entry expired should pass")
	}

	other, _ := limiter.AllowConnection(ctx, uuid.New())
	if !other.Allowed {
		t.Fatal("limits must be per user")
	}

	if err := limiter.ResetUser(ctx, alice); err != nil {
		t.Fatalf("ResetUser: %v", err)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	_, client := newTestClient(t)
	limiter := NewRateLimiter(client, RateLimitConfig{})
	res, err := limiter.AllowMessage(context.Background(), uuid.New())
	if err != nil || !res.Allowed {
		t.Fatalf("zero limit should allow, got %+v, %v", res, err)
	}
}

type countingUsers struct {
	*memory.UserRepository
	mu    sync.Mutex
	calls int
}

func (c *countingUsers) GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]user.Profile, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.UserRepository.GetProfiles(ctx, ids)
}

func TestProfileCache(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	inner := &countingUsers{UserRepository: memory.NewStore().Users()}
	cache := NewProfileCache(client, inner, time.Minute, nil)
	alice, ghost := uuid.New(), uuid.New()

	if err := cache.UpsertProfile(ctx, user.Profile{ID: alice, DisplayName: "Alice"}); err != nil {
		t.Fatalf("UpsertProfile: %v", err)
	}

	got, err := cache.GetProfiles(ctx, []uuid.UUID{alice, ghost})
	if err != nil {
		t.Fatalf("GetProfiles: %v", err)
	}
	if got[alice].DisplayName != "Alice" {
		t.Fatalf("profile = %+v", got[alice])
	}
	if _, ok := got[ghost]; ok {
		t.Fatal("unknown user should be absent")
	}

	got, _ = cache.GetProfiles(ctx, []uuid.UUID{alice})
	if got[alice].DisplayName != "Alice" {
		t.Fatalf("cached profile = %+v", got[alice])
	}
	if inner.calls != 1 {
		t.Fatalf("repository calls = %d, want 1 (second read served from cache)", inner.calls)
	}

	_ = cache.UpsertProfile(ctx, user.Profile{ID: alice, DisplayName: "Alice B."})
	got, _ = cache.GetProfiles(ctx, []uuid.UUID{alice})
	if got[alice].DisplayName != "Alice B." {
		t.Fatalf("stale profile after upsert: %+v", got[alice])
	}
}

func TestPubSubRoundTrip(t *testing.T) {
	_, client := newTestClient(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ready := make(chan struct{})
	got := make(chan string, 1)
	sub := NewSubscriber(client).OnReady(func() { close(ready) })
	done := make(chan error, 1)
	go func() {
		done <- sub.Subscribe(ctx, []string{"channel:*"}, func(channel string, payload []byte) {
			got <- channel + "=" + string(payload)
		})
	}()

	select {
	case <-ready:
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not confirmed")
	}

	if err := NewPublisher(client).Publish(ctx, "channel:presence", []byte("hi")); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	select {
	case msg := <-got:
		if msg != "channel:presence=hi" {
			t.Fatalf("received %q", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Subscribe returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not stop after cancel")
	}
}
