package websocket

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ConnectionLimiter decides whether a user may open another connection.
type ConnectionLimiter interface {
	ConnectionAllowed(ctx context.Context, userID uuid.UUID) (bool, error)
}

// MemoryConnectionLimiter counts handshakes per user in a sliding one-minute
// window inside this process.
type MemoryConnectionLimiter struct {
	mu     sync.Mutex
	limit  int
	window time.Duration
	seen   map[uuid.UUID][]time.Time
	swept  time.Time
	now    func() time.Time
}

func NewMemoryConnectionLimiter(perMinute int) *MemoryConnectionLimiter {
	return &MemoryConnectionLimiter{
		limit:  perMinute,
		window: time.Minute,
		seen:   make(map[uuid.UUID][]time.Time),
		now:    time.Now,
	}
}

func (l *MemoryConnectionLimiter) ConnectionAllowed(_ context.Context, userID uuid.UUID) (bool, error) {
	if l.limit <= 0 {
		return true, nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	windowStart := now.Add(-l.window)
	if now.Sub(l.swept) >= l.window {
		l.sweep(windowStart)
		l.swept = now
	}

	valid := l.seen[userID][:0]
	for _, t := range l.seen[userID] {
		if t.After(windowStart) {
			valid = append(valid, t)
		}
	}
	if len(valid) >= l.limit {
		l.seen[userID] = valid
		return false, nil
	}
	l.seen[userID] = append(valid, now)
	return true, nil
}

func (l *MemoryConnectionLimiter) sweep(windowStart time.Time) {
	for userID, times := range l.seen {
		if len(times) == 0 || !times[len(times)-1].After(windowStart) {
			delete(l.seen, userID)
		}
	}
}
