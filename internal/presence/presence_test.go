package presence

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/google/uuid"
)

func TestTransitions(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	alice := uuid.New()

	steps := []struct {
		name   string
		add    bool
		handle string
		want   Transition
		online bool
	}{
		{"first device", true, "phone", BecameOnline, true},
		{"second device", true, "laptop", Unchanged, true},
		{"same handle again", true, "laptop", Unchanged, true},
		{"phone leaves", false, "phone", Unchanged, true},
		{"unknown handle", false, "tablet", Unchanged, true},
		{"last device leaves", false, "laptop", BecameOffline, false},
		{"already offline", false, "laptop", Unchanged, false},
	}
	for _, step := range steps {
		var (
			got Transition
			err error
		)
		if step.add {
			got, err = m.AddConnection(ctx, alice, step.handle)
		} else {
			got, err = m.RemoveConnection(ctx, alice, step.handle)
		}
		if err != nil {
			t.Fatalf("%s: %v", step.name, err)
		}
		if got != step.want {
			t.Errorf("%s: transition = %s, want %s", step.name, got, step.want)
		}
		if online, _ := m.IsOnline(ctx, alice); online != step.online {
			t.Errorf("%s: online = %v, want %v", step.name, online, step.online)
		}
	}
}

func TestConcurrentDevicesSettleOffline(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	alice := uuid.New()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		onlines int
		offs    int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handle := fmt.Sprintf("conn-%d", i)
			tr, _ := m.AddConnection(ctx, alice, handle)
			mu.Lock()
			if tr == BecameOnline {
				onlines++
			}
			mu.Unlock()
			tr, _ = m.RemoveConnection(ctx, alice, handle)
			mu.Lock()
			if tr == BecameOffline {
				offs++
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()

	if onlines != offs || onlines == 0 {
		t.Fatalf("online transitions %d, offline transitions %d; want equal and non-zero", onlines, offs)
	}
	if online, _ := m.IsOnline(ctx, alice); online {
		t.Fatal("user still online after every connection left")
	}
	if n := m.Connections(alice); n != 0 {
		t.Fatalf("Connections = %d", n)
	}
}

func TestOnlineUsers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	alice, bob := uuid.New(), uuid.New()
	_, _ = m.AddConnection(ctx, alice, "c1")

	got, err := m.OnlineUsers(ctx, []uuid.UUID{alice, bob})
	if err != nil {
		t.Fatalf("OnlineUsers: %v", err)
	}
	if !got[alice] || got[bob] {
		t.Fatalf("OnlineUsers = %v", got)
	}
}
