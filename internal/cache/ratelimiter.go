package cache

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
)

var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', now - window)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. '-' .. math.random(1000000))
    redis.call('EXPIRE', key, math.ceil(window / 1000))
    return 1
end
return 0
`)

// RateLimiter paces attempts to a device with a sliding window kept in Redis,
// so every relay sharing the Redis instance observes the same limit.
type RateLimiter struct {
	client *redis.Client
}

func NewRateLimiter(client *redis.Client) *RateLimiter {
	return &RateLimiter{client: client}
}

func rateLimitKey(device string) string {
	return fmt.Sprintf("ratelimit:device:%s", device)
}

// Allow reports whether another attempt to device fits in the window.
// windowMs is the window size in milliseconds and limit the number of
// attempts allowed within it.
func (r *RateLimiter) Allow(ctx context.Context, device string, windowMs int, limit int) (bool, error) {
	now := time.Now().UnixMilli()

	result, err := slidingWindowScript.Run(ctx, r.client, []string{rateLimitKey(device)}, now, windowMs, limit).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit script: %w", err)
	}

	return result == 1, nil
}

// WaitForAllow blocks until one attempt per intervalMs is allowed for device.
func (r *RateLimiter) WaitForAllow(ctx context.Context, device string, intervalMs int) error {
	for {
		allowed, err := r.Allow(ctx, device, intervalMs, 1)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}

		jitter := time.Duration(float64(intervalMs)*0.5*rand.Float64()) * time.Millisecond
		wait := time.Duration(intervalMs)*time.Millisecond/2 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
