package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"
)

// CapLimiter enforces the per-campaign daily send cap with an atomic Redis
// Lua script. A GET → check → INCR sequence would race between dispatcher
// replicas; the script checks and increments in one step.
type CapLimiter struct {
	redis     *redis.Client
	capScript *redis.Script
}

// Lua script for atomic daily-cap check-and-increment. Only increments when
// the whole batch fits under the cap; returns the remaining headroom
// otherwise so the caller can claim a smaller batch.
const capLuaScript = `
local key = KEYS[1]
local increment = tonumber(ARGV[1])
local cap = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])

local current = tonumber(redis.call("GET", key) or "0")

if current + increment > cap then
    return {0, cap - current}
end

local newVal = redis.call("INCRBY", key, increment)
if newVal == increment then
    redis.call("EXPIRE", key, ttl)
end

return {1, cap - newVal}
`

// NewCapLimiter creates a cap limiter with a pre-compiled Lua script.
func NewCapLimiter(redisClient *redis.Client) *CapLimiter {
	return &CapLimiter{
		redis:     redisClient,
		capScript: redis.NewScript(capLuaScript),
	}
}

// NewCapLimiterFromURL connects to Redis and returns a cap limiter.
func NewCapLimiterFromURL(redisURL string) (*CapLimiter, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	log.Printf("[CapLimiter] Connected to Redis")
	return NewCapLimiter(client), nil
}

// Reserve atomically reserves n sends against the campaign's daily cap.
// When the batch does not fit, allowed is false and remaining reports how
// much headroom is left today (possibly zero).
func (cl *CapLimiter) Reserve(ctx context.Context, campaignID string, n, dailyCap int) (allowed bool, remaining int, err error) {
	if n <= 0 {
		return true, dailyCap, nil
	}

	key := fmt.Sprintf("dispatch:cap:%s:%s", campaignID, time.Now().Format("2006-01-02"))

	result, err := cl.capScript.Run(ctx, cl.redis,
		[]string{key},
		n,
		dailyCap,
		90000, // 25h TTL so the key outlives its day
	).Slice()
	if err != nil {
		return false, 0, fmt.Errorf("cap check failed: %w", err)
	}

	allowed = result[0].(int64) == 1
	remaining = int(result[1].(int64))
	if remaining < 0 {
		remaining = 0
	}
	return allowed, remaining, nil
}

// Release returns unused reservations to the day's budget, for sends that
// were reserved but ended up skipped or failed.
func (cl *CapLimiter) Release(ctx context.Context, campaignID string, n int) error {
	if n <= 0 {
		return nil
	}
	key := fmt.Sprintf("dispatch:cap:%s:%s", campaignID, time.Now().Format("2006-01-02"))
	return cl.redis.DecrBy(ctx, key, int64(n)).Err()
}

// UsageToday returns the current day's reserved count for a campaign.
func (cl *CapLimiter) UsageToday(ctx context.Context, campaignID string) (int64, error) {
	key := fmt.Sprintf("dispatch:cap:%s:%s", campaignID, time.Now().Format("2006-01-02"))
	n, err := cl.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}

// Close closes the Redis connection.
func (cl *CapLimiter) Close() error {
	return cl.redis.Close()
}
