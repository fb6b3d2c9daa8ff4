package websocket

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	chatredis "marketchat/internal/redis"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

func startBridge(t *testing.T, client *goredis.Client, hub *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	var once sync.Once
	done := make(chan error, 1)
	bridge := NewRedisBridge(chatredis.NewSubscriber(client).OnReady(func() { once.Do(func() { close(ready) }) }), hub, nil)
	go func() { done <- bridge.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("bridge: %v", err)
		}
	})
	select {
	case <-ready:
	case err := <-done:
		t.Fatalf("bridge exited early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription not confirmed")
	}
}

func receive(t *testing.T, c *Client) string {
	t.Helper()
	select {
	case msg := <-c.send:
		return string(msg)
	case <-time.After(2 * time.Second):
		t.Fatal("no frame delivered")
		return ""
	}
}

func TestBusFanoutReachesOtherInstances(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	// Two gateway instances sharing one bus.
	hubA, hubB := NewHub(), NewHub()
	startBridge(t, client, hubA)
	startBridge(t, client, hubB)

	sender, peer := uuid.New(), uuid.New()
	senderConn := newTestClient(sender, 8)
	peerConn := newTestClient(peer, 8)
	hubA.Register(senderConn)
	hubA.Join(senderConn, "conversation:c1")
	hubB.Register(peerConn)
	hubB.Join(peerConn, "conversation:c1")

	fanout := NewBusFanout(chatredis.NewPublisher(client))
	ctx := context.Background()

	if err := fanout.Deliver(ctx, "conversation:c1", []byte(`{"type":"message:new"}`), uuid.Nil); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, peerConn); got != `{"type":"message:new"}` {
		t.Fatalf("peer got %s", got)
	}
	if got := receive(t, senderConn); got != `{"type":"message:new"}` {
		t.Fatalf("sender's instance got %s", got)
	}

	if err := fanout.Deliver(ctx, "conversation:c1", []byte(`{"type":"user:typing"}`), sender); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, peerConn); got != `{"type":"user:typing"}` {
		t.Fatalf("peer got %s", got)
	}
	// A later frame proves the excluded one was skipped rather than delayed.
	if err := fanout.Deliver(ctx, "conversation:c1", []byte(`{"type":"pong"}`), uuid.Nil); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, senderConn); got != `{"type":"pong"}` {
		t.Fatalf("excluded sender got %s", got)
	}
}

// flakySubscriber fails its first attempts, then blocks until cancelled.
type flakySubscriber struct {
	failures int32
	calls    atomic.Int32
}

func (f *flakySubscriber) Subscribe(ctx context.Context, _ []string, _ func(string, []byte)) error {
	if f.calls.Add(1) <= f.failures {
		return errors.New("connection reset")
	}
	<-ctx.Done()
	return nil
}

func TestBridgeRetriesFailedSubscription(t *testing.T) {
	sub := &flakySubscriber{failures: 2}
	bridge := NewRedisBridge(sub, NewHub(), nil)
	bridge.minBackoff, bridge.maxBackoff = time.Millisecond, 5*time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- bridge.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for sub.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("subscribe attempts = %d, want 3", sub.calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v after cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}

func TestBridgeResumesAfterRedisRestart(t *testing.T) {
	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	hub := NewHub()
	startBridge(t, client, hub)
	member := newTestClient(uuid.New(), 64)
	hub.Register(member)
	hub.Join(member, "presence")

	fanout := NewBusFanout(chatredis.NewPublisher(client))
	ctx := context.Background()
	if err := fanout.Deliver(ctx, "presence", []byte(`{"type":"before"}`), uuid.Nil); err != nil {
		t.Fatal(err)
	}
	if got := receive(t, member); got != `{"type":"before"}` {
		t.Fatalf("got %s", got)
	}

	mr.Close()
	if err := mr.Restart(); err != nil {
		t.Fatalf("restart: %v", err)
	}

	// The subscription comes back asynchronously, so keep publishing until a
	// frame gets through.
	deadline := time.After(10 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case msg := <-member.send:
			if string(msg) != `{"type":"after"}` {
				t.Fatalf("got %s", msg)
			}
			return
		case <-tick.C:
			_ = fanout.Deliver(ctx, "presence", []byte(`{"type":"after"}`), uuid.Nil)
		case <-deadline:
			t.Fatal("delivery did not resume after redis restart")
		}
	}
}

func TestBridgeDropsMismatchedRelay(t *testing.T) {
	hub := NewHub()
	c := newTestClient(uuid.New(), 4)
	hub.Register(c)
	hub.Join(c, "presence")

	bridge := NewRedisBridge(nil, hub, nil)
	bridge.deliver("channel:presence", []byte(`{"group":"user:someone","frame":{}}`))
	bridge.deliver("channel:presence", []byte(`not json`))
	if got := drain(c); len(got) != 0 {
		t.Fatalf("delivered %v", got)
	}

	bridge.deliver("channel:presence", []byte(`{"group":"presence","frame":{"type":"user:status-change"}}`))
	if got := drain(c); len(got) != 1 {
		t.Fatalf("delivered %v", got)
	}
}

func TestMemoryConnectionLimiter(t *testing.T) {
	l := NewMemoryConnectionLimiter(2)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()
	user, other := uuid.New(), uuid.New()

	for i, want := range []bool{true, true, false} {
		if ok, _ := l.ConnectionAllowed(ctx, user); ok != want {
			t.Fatalf("attempt %d allowed = %v, want %v", i, ok, want)
		}
	}
	if ok, _ := l.ConnectionAllowed(ctx, other); !ok {
		t.Fatal("limits are per user")
	}

	now = now.Add(61 * time.Second)
	if ok, _ := l.ConnectionAllowed(ctx, user); !ok {
		t.Fatal("window should have slid past the old attempts")
	}

	if ok, _ := NewMemoryConnectionLimiter(0).ConnectionAllowed(ctx, user); !ok {
		t.Fatal("zero limit disables the check")
	}
}
