package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vyrodovalexey/avagate/internal/cache"
	"github.com/vyrodovalexey/avagate/internal/config"
)

// takeScript refills and takes from the bucket hash at KEYS[1].
// Returns: reason (0 allowed, 1 burst, 2 quota), tokens, daily_used,
// daily_reset_ms, last_refill_ms.
var takeScript = redis.NewScript(`
	local key = KEYS[1]
	local rate = tonumber(ARGV[1])
	local burst = tonumber(ARGV[2])
	local quota = tonumber(ARGV[3])
	local now = tonumber(ARGV[4])
	local required = tonumber(ARGV[5])
	local next_reset = tonumber(ARGV[6])
	local ttl = tonumber(ARGV[7])

	local data = redis.call('HMGET', key, 'tokens', 'last_refill', 'daily_used', 'daily_reset')
	local tokens = tonumber(data[1])
	local last_refill = tonumber(data[2])
	local daily_used = tonumber(data[3]) or 0
	local daily_reset = tonumber(data[4])

	if tokens == nil or last_refill == nil then
		tokens = burst
		last_refill = now
	end
	if daily_reset == nil or now >= daily_reset then
		daily_used = 0
		daily_reset = next_reset
	end

	if now > last_refill then
		tokens = math.min(burst, tokens + ((now - last_refill) / 1000.0) * rate)
		last_refill = now
	end

	local reason = 0
	if quota > 0 and daily_used + required > quota then
		reason = 2
	elseif tokens < required then
		reason = 1
	else
		tokens = tokens - required
		daily_used = daily_used + required
	end

	redis.call('HSET', key,
		'tokens', tostring(tokens),
		'last_refill', tostring(last_refill),
		'daily_used', tostring(daily_used),
		'daily_reset', tostring(daily_reset))
	redis.call('EXPIRE', key, ttl)

	return {reason, tostring(tokens), daily_used, tostring(daily_reset), tostring(last_refill)}
`)

// RedisStore evaluates takes with a server-side script.
type RedisStore struct {
	redis *cache.Redis
}

// NewRedisStore creates a RedisStore sharing the cache connection and breaker.
func NewRedisStore(r *cache.Redis) *RedisStore {
	return &RedisStore{redis: r}
}

// Take implements Store.
func (s *RedisStore) Take(ctx context.Context, key string, tier config.TierConfig, required int, now time.Time) (*BucketState, error) {
	nowMs := now.UnixMilli()
	resetMs := NextDailyReset(now).UnixMilli()

	result, err := s.redis.Execute(func(client redis.UniversalClient) (any, error) {
		return takeScript.Run(ctx, client,
			[]string{s.redis.Key(key)},
			tier.RPSLimit,
			tier.BurstCapacity,
			tier.DailyQuota,
			nowMs,
			required,
			resetMs,
			int64(stateTTL.Seconds()),
		).Result()
	})
	if err != nil {
		return nil, fmt.Errorf("rate limit script: %w", err)
	}
	return parseTakeResult(result)
}

func parseTakeResult(result any) (*BucketState, error) {
	values, ok := result.([]any)
	if !ok || len(values) < 5 {
		return nil, fmt.Errorf("unexpected script result: %v", result)
	}

	reason, ok := values[0].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected reason type %T", values[0])
	}
	tokens, err := parseFloat(values[1])
	if err != nil {
		return nil, err
	}
	used, ok := values[2].(int64)
	if !ok {
		return nil, fmt.Errorf("unexpected daily_used type %T", values[2])
	}
	resetMs, err := parseFloat(values[3])
	if err != nil {
		return nil, err
	}
	refillMs, err := parseFloat(values[4])
	if err != nil {
		return nil, err
	}

	state := &BucketState{
		Tokens:     tokens,
		DailyUsed:  used,
		DailyReset: time.UnixMilli(int64(resetMs)).UTC(),
		LastRefill: time.UnixMilli(int64(refillMs)).UTC(),
	}
	switch reason {
	case 1:
		state.Reason = ReasonBurst
	case 2:
		state.Reason = ReasonQuota
	}
	return state, nil
}

func parseFloat(v any) (float64, error) {
	switch x := v.(type) {
	case string:
		return strconv.ParseFloat(x, 64)
	case int64:
		return float64(x), nil
	}
	return 0, fmt.Errorf("unexpected numeric type %T", v)
}
