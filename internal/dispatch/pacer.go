package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Linzell/BrokeAgent-sub001/internal/backend"
)

// Pacer performs client-side sliding-window pacing per backend, backed by
// Redis sorted sets. It lets the dispatcher skip a backend that is about to
// hit its provider-side rate limit instead of burning an attempt on a 429.
type Pacer struct {
	rdb *redis.Client
}

// NewPacer creates a pacer. If rdb is nil, every check passes (fail open).
func NewPacer(rdb *redis.Client) *Pacer {
	return &Pacer{rdb: rdb}
}

// slidingWindowScript atomically: removes expired entries, adds current, counts.
// KEYS[1] = sorted set key
// ARGV[1] = window start (unix micro)
// ARGV[2] = now (unix micro) — used as both score and member uniqueness
// ARGV[3] = limit
// ARGV[4] = TTL seconds for the key
// Returns: [current_count, 1=allowed/0=denied]
var slidingWindowScript = redis.NewScript(`
local key = KEYS[1]
local window_start = tonumber(ARGV[1])
local now = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

redis.call('ZREMRANGEBYSCORE', key, '-inf', window_start)
local count = redis.call('ZCARD', key)

if count < limit then
    redis.call('ZADD', key, now, now .. ':' .. math.random(1000000))
    redis.call('EXPIRE', key, ttl)
    return {count + 1, 1}
end

redis.call('EXPIRE', key, ttl)
return {count, 0}
`)

// Allow checks whether one more request to the backend fits inside the
// window. Redis errors fail open: pacing is an optimization, never a gate on
// availability.
func (p *Pacer) Allow(ctx context.Context, id backend.ID, limit int64, window time.Duration) bool {
	if p.rdb == nil || limit <= 0 {
		return true
	}

	now := time.Now()
	windowStart := now.Add(-window).UnixMicro()
	nowMicro := now.UnixMicro()
	ttlSecs := int64(window.Seconds()) + 1

	redisKey := fmt.Sprintf("dispatch:pace:%s:%s", id.Provider, id.Model)

	result, err := slidingWindowScript.Run(ctx, p.rdb, []string{redisKey},
		windowStart, nowMicro, limit, ttlSecs,
	).Int64Slice()
	if err != nil || len(result) < 2 {
		return true
	}
	return result[1] == 1
}
