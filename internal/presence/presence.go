// Package presence tracks which users have at least one live connection.
package presence

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Transition reports how a connection change moved a user's online state.
type Transition int

const (
	Unchanged Transition = iota
	BecameOnline
	BecameOffline
)

func (t Transition) String() string {
	switch t {
	case BecameOnline:
		return "online"
	case BecameOffline:
		return "offline"
	}
	return "unchanged"
}

// Tracker keeps a set of connection handles per user. A user is online while
// the set is non-empty, so several devices can come and go independently.
type Tracker interface {
	AddConnection(ctx context.Context, userID uuid.UUID, handle string) (Transition, error)
	RemoveConnection(ctx context.Context, userID uuid.UUID, handle string) (Transition, error)
	IsOnline(ctx context.Context, userID uuid.UUID) (bool, error)
	OnlineUsers(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]bool, error)
	// Heartbeat refreshes a live handle so shared trackers can expire handles
	// left behind by a crashed instance.
	Heartbeat(ctx context.Context, userID uuid.UUID, handle string) error
}

// Memory is a Tracker for a single process.
type Memory struct {
	mu    sync.RWMutex
	conns map[uuid.UUID]map[string]struct{}
}

func NewMemory() *Memory {
	return &Memory{conns: make(map[uuid.UUID]map[string]struct{})}
}

func (m *Memory) AddConnection(_ context.Context, userID uuid.UUID, handle string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.conns[userID]
	if !ok {
		set = make(map[string]struct{})
		m.conns[userID] = set
	}
	before := len(set)
	set[handle] = struct{}{}
	if before == 0 {
		return BecameOnline, nil
	}
	return Unchanged, nil
}

func (m *Memory) RemoveConnection(_ context.Context, userID uuid.UUID, handle string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.conns[userID]
	if !ok {
		return Unchanged, nil
	}
	if _, present := set[handle]; !present {
		return Unchanged, nil
	}
	delete(set, handle)
	if len(set) == 0 {
		delete(m.conns, userID)
		return BecameOffline, nil
	}
	return Unchanged, nil
}

func (m *Memory) IsOnline(_ context.Context, userID uuid.UUID) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns[userID]) > 0, nil
}

func (m *Memory) OnlineUsers(_ context.Context, userIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[uuid.UUID]bool, len(userIDs))
	for _, id := range userIDs {
		out[id] = len(m.conns[id]) > 0
	}
	return out, nil
}

func (m *Memory) Heartbeat(context.Context, uuid.UUID, string) error { return nil }

// Connections returns how many handles userID currently holds.
func (m *Memory) Connections(userID uuid.UUID) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns[userID])
}
