package ratelimit

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ItamarBenAri/car-ops-agent/internal/config"
)

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Remaining  float64
	RetryAfter time.Duration
}

// UploadLimiter is a Redis token bucket keyed per car, shared by every API replica.
type UploadLimiter struct {
	client   redis.Scripter
	prefix   string
	capacity int
	refill   float64 // tokens per second
	ttl      time.Duration
	now      func() time.Time
}

func NewUploadLimiter(client redis.Scripter, capacity int, refillPerSecond float64) *UploadLimiter {
	if capacity <= 0 {
		capacity = 1
	}
	ttl := time.Hour
	if refillPerSecond > 0 {
		// long enough for an idle bucket to refill completely
		ttl = time.Duration(float64(capacity)/refillPerSecond*float64(time.Second)) + time.Minute
	}
	return &UploadLimiter{
		client:   client,
		prefix:   "carops:ratelimit:upload:",
		capacity: capacity,
		refill:   refillPerSecond,
		ttl:      ttl,
		now:      time.Now,
	}
}

// NewUploadLimiterFromConfig uses RATE_LIMIT_CAPACITY and RATE_LIMIT_REFILL_PER_SEC.
func NewUploadLimiterFromConfig(client redis.Scripter, cfg config.Config) *UploadLimiter {
	return NewUploadLimiter(client, cfg.RateLimitCapacity, cfg.RateLimitRefill)
}

// AllowCar consumes one upload token for carID if available.
func (l *UploadLimiter) AllowCar(ctx context.Context, carID string) (Decision, error) {
	res, err := bucketScript.Run(ctx, l.client, []string{l.prefix + carID},
		l.capacity, l.refill, l.now().UnixMilli(), l.ttl.Milliseconds()).Result()
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	arr, ok := res.([]interface{})
	if !ok || len(arr) < 2 {
		return Decision{}, fmt.Errorf("unexpected reply from rate limit script: %T", res)
	}
	allowed, _ := arr[0].(int64)
	// tokens come back as a string; Redis truncates Lua numbers to integers
	raw, _ := arr[1].(string)
	tokens, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("parse tokens %q: %w", raw, err)
	}
	d := Decision{Allowed: allowed == 1, Remaining: tokens}
	if !d.Allowed && l.refill > 0 {
		d.RetryAfter = time.Duration(math.Ceil((1-tokens)/l.refill*1000)) * time.Millisecond
	}
	return d, nil
}

var bucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'last_ms')
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then tokens = capacity end
if last == nil then last = now end

local delta = math.max(0, now - last)
tokens = math.min(capacity, tokens + delta / 1000 * refill)

local allowed = 0
if tokens >= 1 then
  allowed = 1
  tokens = tokens - 1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last_ms', now)
if ttl > 0 then redis.call('PEXPIRE', key, ttl) end
return {allowed, tostring(tokens)}
`)
