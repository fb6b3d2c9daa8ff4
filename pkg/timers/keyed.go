// Package timers provides cancellable delayed tasks grouped by key.
package timers

import (
	"sync"
	"time"
)

type task struct {
	timer *time.Timer
	gen   uint64
}

// Keyed runs at most one pending task per key. Scheduling a key again
// replaces its pending task; a replaced or cancelled task never runs.
type Keyed[K comparable] struct {
	mu      sync.Mutex
	tasks   map[K]*task
	gen     uint64
	stopped bool
}

func NewKeyed[K comparable]() *Keyed[K] {
	return &Keyed[K]{tasks: make(map[K]*task)}
}

// Schedule runs fn after d unless key is rescheduled or cancelled first.
// It reports whether a pending task was replaced. After StopAll it does nothing.
func (k *Keyed[K]) Schedule(key K, d time.Duration, fn func()) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.stopped {
		return false
	}
	replaced := false
	if prev, ok := k.tasks[key]; ok {
		prev.timer.Stop()
		replaced = true
	}

	k.gen++
	t := &task{gen: k.gen}
	gen := t.gen
	t.timer = time.AfterFunc(d, func() {
		k.mu.Lock()
		cur, ok := k.tasks[key]
		if !ok || cur.gen != gen {
			k.mu.Unlock()
			return
		}
		delete(k.tasks, key)
		k.mu.Unlock()
		fn()
	})
	k.tasks[key] = t
	return replaced
}

// Cancel drops the pending task for key and reports whether there was one.
func (k *Keyed[K]) Cancel(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()

	t, ok := k.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(k.tasks, key)
	return true
}

func (k *Keyed[K]) Active(key K) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.tasks[key]
	return ok
}

func (k *Keyed[K]) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.tasks)
}

// StopAll cancels every pending task, refuses new ones and returns the keys
// that were still pending.
func (k *Keyed[K]) StopAll() []K {
	k.mu.Lock()
	defer k.mu.Unlock()

	k.stopped = true
	keys := make([]K, 0, len(k.tasks))
	for key, t := range k.tasks {
		t.timer.Stop()
		keys = append(keys, key)
	}
	clear(k.tasks)
	return keys
}
