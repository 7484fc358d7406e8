// Package ratelimit provides rate limiting implementations for the
// per-credential token bucket.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/jermoo/authority-edge/internal/config"
)

// RedisLimiter implements the Limiter interface using Redis, so rate limits
// are shared across every instance of the service. A hash per key holds the
// current token count and the timestamp it was last refilled at; a Lua
// script makes the read-refill-consume sequence atomic across concurrent
// callers hitting the same key.
type RedisLimiter struct {
	client *redis.Client
	config Config
	prefix string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// Addr is the Redis address (e.g., "localhost:6379").
	Addr string

	// KeyPrefix is prepended to all keys for namespacing.
	KeyPrefix string
}

// NewRedisLimiter creates a new Redis-backed token-bucket limiter.
func NewRedisLimiter(cfg Config, redisConfig RedisConfig) (*RedisLimiter, error) {
	if redisConfig.Addr == "" {
		return nil, fmt.Errorf("ratelimit: Redis address not configured")
	}

	client := redis.NewClient(&redis.Options{Addr: redisConfig.Addr})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ratelimit: failed to connect to Redis: %w", err)
	}

	prefix := redisConfig.KeyPrefix
	if prefix == "" {
		prefix = "ratelimit"
	}

	log.Info().
		Str("prefix", prefix).
		Int("capacity", cfg.Capacity).
		Int("refill_tokens", cfg.RefillTokens).
		Dur("refill_period", cfg.RefillPeriod).
		Msg("Redis token-bucket rate limiter initialized")

	return &RedisLimiter{client: client, config: cfg, prefix: prefix}, nil
}

// tokenBucketScript atomically refills and attempts to consume one token.
// KEYS[1] = bucket hash key
// ARGV[1] = now (unix nanos)
// ARGV[2] = capacity
// ARGV[3] = rate (tokens per second, as a float string)
// ARGV[4] = ttl seconds for the hash (time to fully refill, plus slack)
// Returns {allowed (0/1), remaining (int), retry_after_nanos (int)}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local now = tonumber(ARGV[1])
local capacity = tonumber(ARGV[2])
local rate = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local fields = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(fields[1])
local ts = tonumber(fields[2])

if tokens == nil then
    tokens = capacity
    ts = now
end

local elapsed_seconds = (now - ts) / 1e9
if elapsed_seconds > 0 then
    tokens = math.min(capacity, tokens + elapsed_seconds * rate)
end

local allowed = 0
local retry_after_nanos = 0

if tokens >= 1 then
    tokens = tokens - 1
    allowed = 1
else
    local deficit = 1 - tokens
    retry_after_nanos = math.ceil(deficit / rate * 1e9)
end

redis.call('HMSET', key, 'tokens', tokens, 'ts', now)
redis.call('EXPIRE', key, ttl)

return {allowed, math.floor(tokens), retry_after_nanos}
`)

// Check implements Limiter.Check. On Redis error it fails open (allows the
// request), since a downed rate-limit backend must never take down the
// decision hot path; operators are expected to alert on this log line.
func (rl *RedisLimiter) Check(key string) (allowed bool, remaining int, retryAfter time.Duration, err error) {
	ctx := context.Background()
	fullKey := fmt.Sprintf("%s:%s", rl.prefix, key)
	now := time.Now().UnixNano()
	rate := rl.config.rate()
	ttlSeconds := int64(float64(rl.config.Capacity)/rate) + 60

	result, err := tokenBucketScript.Run(ctx, rl.client, []string{fullKey}, now, rl.config.Capacity, rate, ttlSeconds).Slice()
	if err != nil {
		log.Warn().Err(err).Str("key", key).Str("prefix", rl.prefix).
			Msg("RATE LIMITING DEGRADED: Redis unavailable, allowing request without rate limit check")
		return true, rl.config.Capacity - 1, 0, nil
	}

	allowedInt := result[0].(int64)
	remainingInt := result[1].(int64)
	retryNanos := result[2].(int64)

	return allowedInt == 1, int(remainingInt), time.Duration(retryNanos), nil
}

// Clear implements Limiter.Clear by removing all tracking for a key.
func (rl *RedisLimiter) Clear(key string) {
	ctx := context.Background()
	fullKey := fmt.Sprintf("%s:%s", rl.prefix, key)
	if err := rl.client.Del(ctx, fullKey).Err(); err != nil {
		log.Error().Err(err).Str("key", key).Msg("Redis rate limit clear failed")
	}
}

// Stop implements Limiter.Stop by closing the Redis connection.
func (rl *RedisLimiter) Stop() {
	if rl.client != nil {
		if err := rl.client.Close(); err != nil {
			log.Error().Err(err).Msg("Failed to close Redis connection")
		}
	}
}

// GetConfig implements Limiter.GetConfig.
func (rl *RedisLimiter) GetConfig() Config {
	return rl.config
}

// NewLimiter builds a Limiter per the configured backend
// (config.RateLimitBackend): "redis" or "memory".
func NewLimiter(cfg Config, keyPrefix string) Limiter {
	if config.RateLimitBackend() == "redis" {
		limiter, err := NewRedisLimiter(cfg, RedisConfig{
			Addr:      config.RedisAddr(),
			KeyPrefix: keyPrefix,
		})
		if err != nil {
			log.Warn().Err(err).Msg("ratelimit: failed to create Redis limiter, falling back to memory")
		} else {
			return limiter
		}
	}
	return NewMemoryLimiterWithPrefix(cfg, keyPrefix)
}
