package outbox

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"marketchat/internal/events"
	marketchat_errors "marketchat/pkg/errors"

	"go.uber.org/zap"
)

// Sink is where envelopes end up, typically the Kafka publisher.
type Sink interface {
	Publish(ctx context.Context, env events.Envelope) error
}

type Config struct {
	QueueSize  int
	MaxRetries int
	Backoff    time.Duration
	// SendTimeout bounds a single delivery attempt.
	SendTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		QueueSize:   1024,
		MaxRetries:  5,
		Backoff:     200 * time.Millisecond,
		SendTimeout: 5 * time.Second,
	}
}

// Processor takes domain events off the request path: Publish only enqueues,
// and Run delivers them to the sink with bounded retries.
type Processor struct {
	sink   Sink
	cfg    Config
	queue  chan events.Envelope
	logger *zap.Logger

	delivered atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

func NewProcessor(sink Sink, cfg Config, logger *zap.Logger) *Processor {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Processor{
		sink:   sink,
		cfg:    cfg,
		queue:  make(chan events.Envelope, cfg.QueueSize),
		logger: logger,
	}
}

// Publish enqueues env without blocking. A full queue drops the event.
func (p *Processor) Publish(_ context.Context, env events.Envelope) error {
	select {
	case p.queue <- env:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("%w: event queue full", marketchat_errors.ErrServiceUnavailable)
	}
}

// Run delivers queued events until ctx is done, then drains what is left
// using drainTimeout as the budget.
func (p *Processor) Run(ctx context.Context, drainTimeout time.Duration) {
	for {
		select {
		case env := <-p.queue:
			p.deliver(ctx, env)
		case <-ctx.Done():
			p.drain(drainTimeout)
			return
		}
	}
}

func (p *Processor) drain(budget time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), budget)
	defer cancel()
	for {
		select {
		case env := <-p.queue:
			p.deliver(ctx, env)
		default:
			return
		}
	}
}

func (p *Processor) deliver(ctx context.Context, env events.Envelope) {
	backoff := p.cfg.Backoff
	var err error
	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		sctx, cancel := context.WithTimeout(ctx, p.cfg.SendTimeout)
		err = p.sink.Publish(sctx, env)
		cancel()
		if err == nil {
			p.delivered.Add(1)
			return
		}
		if attempt == p.cfg.MaxRetries {
			break
		}
		select {
		case <-time.After(backoff):
			backoff *= 2
		case <-ctx.Done():
			p.failed.Add(1)
			p.logger.Warn("domain event abandoned on shutdown",
				zap.String("event_type", env.EventType),
				zap.String("aggregate_id", env.AggregateID),
				zap.Error(err),
			)
			return
		}
	}
	p.failed.Add(1)
	p.logger.Error("domain event delivery failed",
		zap.String("event_type", env.EventType),
		zap.String("aggregate_id", env.AggregateID),
		zap.Int("attempts", p.cfg.MaxRetries),
		zap.Error(err),
	)
}

type Stats struct {
	Delivered int64
	Failed    int64
	Dropped   int64
	Queued    int
}

func (p *Processor) Stats() Stats {
	return Stats{
		Delivered: p.delivered.Load(),
		Failed:    p.failed.Load(),
		Dropped:   p.dropped.Load(),
		Queued:    len(p.queue),
	}
}
