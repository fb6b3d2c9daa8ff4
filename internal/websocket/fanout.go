package websocket

import (
	"context"
	"encoding/json"

	"marketchat/internal/events"

	"github.com/google/uuid"
)

// Fanout delivers an encoded frame to every member of a group, wherever the
// member is connected.
type Fanout interface {
	Deliver(ctx context.Context, group string, frame []byte, exclude uuid.UUID) error
}

// LocalFanout delivers to members connected to this process.
type LocalFanout struct {
	hub *Hub
}

func NewLocalFanout(hub *Hub) *LocalFanout {
	return &LocalFanout{hub: hub}
}

func (f *LocalFanout) Deliver(_ context.Context, group string, frame []byte, exclude uuid.UUID) error {
	f.hub.Broadcast(group, frame, exclude)
	return nil
}

// ChannelPublisher is the publish side of the pub/sub bus.
type ChannelPublisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// relay is what travels on the bus between instances.
type relay struct {
	Group       string          `json:"group"`
	ExcludeUser string          `json:"exclude_user,omitempty"`
	Frame       json.RawMessage `json:"frame"`
}

// BusFanout publishes every delivery on the bus; each instance's RedisBridge,
// including this one, hands it to local members.
type BusFanout struct {
	publisher ChannelPublisher
}

func NewBusFanout(publisher ChannelPublisher) *BusFanout {
	return &BusFanout{publisher: publisher}
}

func (f *BusFanout) Deliver(ctx context.Context, group string, frame []byte, exclude uuid.UUID) error {
	r := relay{Group: group, Frame: frame}
	if exclude != uuid.Nil {
		r.ExcludeUser = exclude.String()
	}
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return f.publisher.Publish(ctx, events.ChannelForGroup(group), data)
}
