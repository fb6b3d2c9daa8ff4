package redis

import (
	"context"
	"encoding/json"
	"time"

	"marketchat/internal/domain/user"
	"marketchat/internal/repository"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const profileKeyPrefix = "cache:profile:"

// ProfileCache is a read-through cache in front of a UserRepository. Profiles
// are looked up on every list and message fetch, so caching them keeps those
// paths off the database.
type ProfileCache struct {
	client *goredis.Client
	next   repository.UserRepository
	ttl    time.Duration
	logger *zap.Logger
}

var _ repository.UserRepository = (*ProfileCache)(nil)

func NewProfileCache(client *goredis.Client, next repository.UserRepository, ttl time.Duration, logger *zap.Logger) *ProfileCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProfileCache{client: client, next: next, ttl: ttl, logger: logger}
}

func profileKey(id uuid.UUID) string {
	return profileKeyPrefix + id.String()
}

type cachedProfile struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"display_name"`
	AvatarURL   string    `json:"avatar_url"`
	UpdatedAt   time.Time `json:"updated_at"`
}

func (c *ProfileCache) GetProfiles(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]user.Profile, error) {
	out := make(map[uuid.UUID]user.Profile, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = profileKey(id)
	}

	var missing []uuid.UUID
	values, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		// Cache trouble degrades to the repository.
		c.logger.Warn("profile cache read failed", zap.Error(err))
		return c.next.GetProfiles(ctx, ids)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		var cp cachedProfile
		if err := json.Unmarshal([]byte(raw), &cp); err != nil {
			missing = append(missing, ids[i])
			continue
		}
		out[ids[i]] = user.Profile{
			ID:          ids[i],
			DisplayName: cp.DisplayName,
			AvatarURL:   cp.AvatarURL,
			UpdatedAt:   cp.UpdatedAt,
		}
	}
	if len(missing) == 0 {
		return out, nil
	}

	loaded, err := c.next.GetProfiles(ctx, missing)
	if err != nil {
		return nil, err
	}
	pipe := c.client.Pipeline()
	for id, p := range loaded {
		out[id] = p
		data, err := json.Marshal(cachedProfile{
			ID:          p.ID.String(),
			DisplayName: p.DisplayName,
			AvatarURL:   p.AvatarURL,
			UpdatedAt:   p.UpdatedAt,
		})
		if err != nil {
			continue
		}
		pipe.Set(ctx, profileKey(id), data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("profile cache write failed", zap.Error(err))
	}
	return out, nil
}

// UpsertProfile writes through and drops the cached copy.
func (c *ProfileCache) UpsertProfile(ctx context.Context, p user.Profile) error {
	if err := c.next.UpsertProfile(ctx, p); err != nil {
		return err
	}
	if err := c.client.Del(ctx, profileKey(p.ID)).Err(); err != nil {
		c.logger.Warn("profile cache invalidate failed", zap.String("user_id", p.ID.String()), zap.Error(err))
	}
	return nil
}
