// Package ratelimit provides rate limiting implementations for the
// per-credential token bucket.
package ratelimit

import (
	"sync"
	"time"
)

// bucket is one credential's token-bucket state. tokens is tracked as a
// float so fractional refill between checks is never lost to rounding.
type bucket struct {
	tokens     float64
	lastRefill time.Time
}

// MemoryLimiter implements the Limiter interface with an in-process,
// per-key token bucket. Suitable for a single instance; RedisLimiter is the
// pluggable successor for a distributed deployment, behind the same
// interface.
type MemoryLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	config      Config
	prefix      string
	stopCh      chan struct{}
	cleanupDone chan struct{}
}

// NewMemoryLimiter creates a new in-memory token-bucket limiter without a
// key prefix.
func NewMemoryLimiter(config Config) *MemoryLimiter {
	return NewMemoryLimiterWithPrefix(config, "")
}

// NewMemoryLimiterWithPrefix creates a new in-memory token-bucket limiter
// with a key prefix, namespacing keys with a ":" separator.
//
// Every 10x the refill period (at least once a minute) the limiter drops
// buckets that have refilled to capacity, to prevent unbounded memory growth
// from callers enumerating keys.
func NewMemoryLimiterWithPrefix(config Config, prefix string) *MemoryLimiter {
	ml := &MemoryLimiter{
		buckets:     make(map[string]*bucket),
		config:      config,
		prefix:      prefix,
		stopCh:      make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go ml.cleanupLoop()
	return ml
}

// Check implements Limiter.Check: greedily refills tokens for the elapsed
// time since the bucket was last touched, then attempts to consume one.
func (ml *MemoryLimiter) Check(key string) (allowed bool, remaining int, retryAfter time.Duration, err error) {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	fullKey := ml.fullKey(key)
	now := time.Now()

	b, ok := ml.buckets[fullKey]
	if !ok {
		b = &bucket{tokens: float64(ml.config.Capacity), lastRefill: now}
		ml.buckets[fullKey] = b
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		b.tokens += elapsed * ml.config.rate()
		if b.tokens > float64(ml.config.Capacity) {
			b.tokens = float64(ml.config.Capacity)
		}
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, int(b.tokens), 0, nil
	}

	deficit := 1 - b.tokens
	retryAfter = time.Duration(deficit / ml.config.rate() * float64(time.Second))
	return false, 0, retryAfter, nil
}

// Clear implements Limiter.Clear by resetting key's bucket to full.
func (ml *MemoryLimiter) Clear(key string) {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	delete(ml.buckets, ml.fullKey(key))
}

// Stop implements Limiter.Stop by stopping the background cleanup goroutine.
func (ml *MemoryLimiter) Stop() {
	close(ml.stopCh)
	<-ml.cleanupDone
}

func (ml *MemoryLimiter) cleanupLoop() {
	defer close(ml.cleanupDone)

	interval := ml.config.RefillPeriod * 10
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ml.cleanup()
		case <-ml.stopCh:
			return
		}
	}
}

// cleanup drops buckets that have sat full (or would be, once refilled)
// since their last touch, since they carry no information worth keeping.
func (ml *MemoryLimiter) cleanup() {
	ml.mu.Lock()
	defer ml.mu.Unlock()

	now := time.Now()
	for key, b := range ml.buckets {
		elapsed := now.Sub(b.lastRefill).Seconds()
		projected := b.tokens + elapsed*ml.config.rate()
		if projected >= float64(ml.config.Capacity) {
			delete(ml.buckets, key)
		}
	}
}

// GetEntryCount returns the number of unique keys being tracked.
// Primarily useful for testing the cleanup mechanism.
func (ml *MemoryLimiter) GetEntryCount() int {
	ml.mu.Lock()
	defer ml.mu.Unlock()
	return len(ml.buckets)
}

// GetConfig returns the limiter's configuration.
func (ml *MemoryLimiter) GetConfig() Config {
	return ml.config
}

func (ml *MemoryLimiter) fullKey(key string) string {
	if ml.prefix == "" {
		return key
	}
	return ml.prefix + ":" + key
}
