package redis

import (
	"context"
	"strconv"
	"time"

	"marketchat/internal/presence"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "presence:conns:"

// PresenceTracker keeps each user's live connection handles in a sorted set
// scored by the last heartbeat in unix milliseconds. Handles that miss
// heartbeats for longer than ttl no longer count, so a crashed instance
// cannot pin a user online.
type PresenceTracker struct {
	client *goredis.Client
	ttl    time.Duration
	now    func() time.Time
}

var _ presence.Tracker = (*PresenceTracker)(nil)

func NewPresenceTracker(client *goredis.Client, ttl time.Duration) *PresenceTracker {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &PresenceTracker{client: client, ttl: ttl, now: time.Now}
}

func presenceKey(userID uuid.UUID) string {
	return presenceKeyPrefix + userID.String()
}

func (p *PresenceTracker) staleBefore(now time.Time) string {
	return "(" + strconv.FormatInt(now.Add(-p.ttl).UnixMilli(), 10)
}

func (p *PresenceTracker) AddConnection(ctx context.Context, userID uuid.UUID, handle string) (presence.Transition, error) {
	key := presenceKey(userID)
	now := p.now()

	var before, added *goredis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", p.staleBefore(now))
		before = pipe.ZCard(ctx, key)
		added = pipe.ZAdd(ctx, key, goredis.Z{Score: float64(now.UnixMilli()), Member: handle})
		pipe.PExpire(ctx, key, 2*p.ttl)
		return nil
	})
	if err != nil {
		return presence.Unchanged, err
	}
	if before.Val() == 0 && added.Val() == 1 {
		return presence.BecameOnline, nil
	}
	return presence.Unchanged, nil
}

func (p *PresenceTracker) RemoveConnection(ctx context.Context, userID uuid.UUID, handle string) (presence.Transition, error) {
	key := presenceKey(userID)
	now := p.now()

	var removed, after *goredis.IntCmd
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRemRangeByScore(ctx, key, "-inf", p.staleBefore(now))
		removed = pipe.ZRem(ctx, key, handle)
		after = pipe.ZCard(ctx, key)
		return nil
	})
	if err != nil {
		return presence.Unchanged, err
	}
	if removed.Val() == 1 && after.Val() == 0 {
		return presence.BecameOffline, nil
	}
	return presence.Unchanged, nil
}

func (p *PresenceTracker) IsOnline(ctx context.Context, userID uuid.UUID) (bool, error) {
	n, err := p.client.ZCount(ctx, presenceKey(userID), p.liveFrom(p.now()), "+inf").Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (p *PresenceTracker) OnlineUsers(ctx context.Context, userIDs []uuid.UUID) (map[uuid.UUID]bool, error) {
	out := make(map[uuid.UUID]bool, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	from := p.liveFrom(p.now())

	counts := make([]*goredis.IntCmd, len(userIDs))
	_, err := p.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range userIDs {
			counts[i] = pipe.ZCount(ctx, presenceKey(id), from, "+inf")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for i, id := range userIDs {
		out[id] = counts[i].Val() > 0
	}
	return out, nil
}

// Heartbeat refreshes the handle's score. Unknown handles are not re-added.
func (p *PresenceTracker) Heartbeat(ctx context.Context, userID uuid.UUID, handle string) error {
	key := presenceKey(userID)
	now := p.now()
	_, err := p.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZAddXX(ctx, key, goredis.Z{Score: float64(now.UnixMilli()), Member: handle})
		pipe.PExpire(ctx, key, 2*p.ttl)
		return nil
	})
	return err
}

func (p *PresenceTracker) liveFrom(now time.Time) string {
	return strconv.FormatInt(now.Add(-p.ttl).UnixMilli(), 10)
}
