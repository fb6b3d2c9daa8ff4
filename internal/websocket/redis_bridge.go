package websocket

import (
	"context"
	"encoding/json"
	"time"

	"marketchat/internal/events"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	bridgeMinBackoff = 100 * time.Millisecond
	bridgeMaxBackoff = 5 * time.Second
)

// RedisBridge delivers relays published by any instance to members connected here.
type RedisBridge struct {
	subscriber events.Subscriber
	hub        *Hub
	logger     *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewRedisBridge(subscriber events.Subscriber, hub *Hub, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{
		subscriber: subscriber,
		hub:        hub,
		logger:     logger,
		minBackoff: bridgeMinBackoff,
		maxBackoff: bridgeMaxBackoff,
	}
}

// Run blocks until ctx is done. Local members only receive frames through the
// bridge, so a failed subscription is retried with backoff rather than given up.
func (b *RedisBridge) Run(ctx context.Context) error {
	backoff := b.minBackoff
	for {
		err := b.subscriber.Subscribe(ctx, []string{events.ChannelPrefix + "*"}, b.deliver)
		if ctx.Err() != nil {
			return nil
		}
		b.logger.Warn("redis bridge subscription lost, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, b.maxBackoff)
	}
}

func (b *RedisBridge) deliver(channel string, payload []byte) {
	var r relay
	if err := json.Unmarshal(payload, &r); err != nil {
		b.logger.Warn("dropping malformed relay", zap.String("channel", channel), zap.Error(err))
		return
	}
	group := events.GroupForChannel(channel)
	if r.Group != "" && r.Group != group {
		b.logger.Warn("relay group does not match channel", zap.String("channel", channel), zap.String("group", r.Group))
		return
	}
	exclude := uuid.Nil
	if r.ExcludeUser != "" {
		if id, err := uuid.Parse(r.ExcludeUser); err == nil {
			exclude = id
		}
	}
	b.hub.Broadcast(group, r.Frame, exclude)
}
