package redis

import (
	"context"

	"github.com/redis/go-redis/v9"
)

type Subscriber struct {
	client  *redis.Client
	onReady func()
}

func NewSubscriber(client *redis.Client) *Subscriber {
	return &Subscriber{client: client}
}

// OnReady registers fn to run once the subscription is confirmed.
func (s *Subscriber) OnReady(fn func()) *Subscriber {
	s.onReady = fn
	return s
}

// Subscribe pattern-subscribes to channels and calls handler for every message
// until ctx is done. It returns nil on cancellation. Dropped connections are
// re-established and resubscribed by go-redis while the loop keeps reading.
func (s *Subscriber) Subscribe(ctx context.Context, channels []string, handler func(channel string, payload []byte)) error {
	sub := s.client.PSubscribe(ctx, channels...)
	defer sub.Close()

	// Wait for the subscription to be confirmed so publishes that follow are not lost.
	if _, err := sub.Receive(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return err
	}
	if s.onReady != nil {
		s.onReady()
	}

	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return redis.ErrClosed
			}
			handler(msg.Channel, []byte(msg.Payload))
		}
	}
}
