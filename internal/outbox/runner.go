package outbox

import (
	"context"
	"sync"
	"time"
)

// Runner owns the processor goroutine.
type Runner struct {
	processor    *Processor
	drainTimeout time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRunner(processor *Processor, drainTimeout time.Duration) *Runner {
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	return &Runner{processor: processor, drainTimeout: drainTimeout}
}

func (r *Runner) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.processor.Run(ctx, r.drainTimeout)
	}()
}

// Stop cancels the loop and waits for the drain, or for ctx.
func (r *Runner) Stop(ctx context.Context) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
