package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
)

// Rate limiting keys:
// - ratelimit:{user_id}:messages - sliding window over message sends
// - ratelimit:{user_id}:connections - sliding window over WebSocket handshakes

type RateLimitConfig struct {
	MessageLimit     int
	MessageWindow    time.Duration
	ConnectionLimit  int
	ConnectionWindow time.Duration
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		MessageLimit:     60,
		MessageWindow:    time.Minute,
		ConnectionLimit:  30,
		ConnectionWindow: time.Minute,
	}
}

type RateLimitResult struct {
	Allowed   bool
	Remaining int
	Limit     int
	ResetIn   time.Duration
}

// RateLimiter counts actions per user in a sliding window kept as a sorted
// set of timestamps.
type RateLimiter struct {
	client *goredis.Client
	config RateLimitConfig
	now    func() time.Time
}

func NewRateLimiter(client *goredis.Client, config RateLimitConfig) *RateLimiter {
	return &RateLimiter{client: client, config: config, now: time.Now}
}

func (r *RateLimiter) AllowMessage(ctx context.Context, userID uuid.UUID) (*RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:messages", userID)
	return r.checkLimit(ctx, key, r.config.MessageLimit, r.config.MessageWindow)
}

func (r *RateLimiter) AllowConnection(ctx context.Context, userID uuid.UUID) (*RateLimitResult, error) {
	key := fmt.Sprintf("ratelimit:%s:connections", userID)
	return r.checkLimit(ctx, key, r.config.ConnectionLimit, r.config.ConnectionWindow)
}

func (r *RateLimiter) ResetUser(ctx context.Context, userID uuid.UUID) error {
	return r.client.Del(ctx,
		fmt.Sprintf("ratelimit:%s:messages", userID),
		fmt.Sprintf("ratelimit:%s:connections", userID),
	).Err()
}

var slidingWindow = goredis.NewScript(`
	local key = KEYS[1]
	local now = tonumber(ARGV[1])
	local window = tonumber(ARGV[3])
	local limit = tonumber(ARGV[4])

	redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
	local count = redis.call('ZCARD', key)

	local reset = window
	local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
	if oldest[2] then
		reset = tonumber(oldest[2]) + window - now
	end

	if count < limit then
		redis.call('ZADD', key, ARGV[1], ARGV[5])
		redis.call('PEXPIRE', key, ARGV[3])
		return {1, limit - count - 1, reset}
	end
	return {0, 0, reset}
`)

func (r *RateLimiter) checkLimit(ctx context.Context, key string, limit int, window time.Duration) (*RateLimitResult, error) {
	if limit <= 0 {
		return &RateLimitResult{Allowed: true, Remaining: -1, Limit: limit}, nil
	}

	now := r.now().UnixMilli()
	result, err := slidingWindow.Run(ctx, r.client, []string{key},
		now, now-window.Milliseconds(), window.Milliseconds(), limit, uuid.NewString(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	values, ok := result.([]interface{})
	if !ok || len(values) < 3 {
		return nil, fmt.Errorf("unexpected rate limit result format")
	}
	allowed, _ := values[0].(int64)
	remaining, _ := values[1].(int64)
	reset, _ := values[2].(int64)

	return &RateLimitResult{
		Allowed:   allowed == 1,
		Remaining: int(remaining),
		Limit:     limit,
		ResetIn:   time.Duration(reset) * time.Millisecond,
	}, nil
}

// ConnectionAllowed adapts AllowConnection to the gateway's limiter contract.
func (r *RateLimiter) ConnectionAllowed(ctx context.Context, userID uuid.UUID) (bool, error) {
	res, err := r.AllowConnection(ctx, userID)
	if err != nil {
		return false, err
	}
	return res.Allowed, nil
}
