// Package cache implements the two-tier decision cache: an in-process
// bounded LRU (L1) backed by a distributed store (L2), keyed on a
// deterministic decision fingerprint.
package cache

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// Entry is a cached decision response, the unit of storage in both tiers.
type Entry struct {
	Decision          string         `json:"decision"`
	Reason            string         `json:"reason"`
	EvaluatedPolicies []string       `json:"evaluatedPolicies"`
	Metadata          map[string]any `json:"metadata,omitempty"`
}

// Stats exposes the counters named in spec §4.4.
type Stats struct {
	Requests    int64
	L1Hits      int64
	L2Hits      int64
	Misses      int64
	L1Size      int
	L1Evictions int64
}

func (s Stats) HitRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.L1Hits+s.L2Hits) / float64(s.Requests)
}

func (s Stats) L1HitRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.L1Hits) / float64(s.Requests)
}

func (s Stats) L2HitRate() float64 {
	if s.Requests == 0 {
		return 0
	}
	return float64(s.L2Hits) / float64(s.Requests)
}

// l1Entry pairs a cached value with its expiry time, since golang-lru/v2
// has no native per-entry TTL.
type l1Entry struct {
	value     Entry
	expiresAt time.Time
}

// Cache is the two-tier decision cache. L1 is an in-process LRU with a
// short soft TTL; L2 is Redis with a longer TTL, shared across instances.
type Cache struct {
	l1     *lru.Cache[string, l1Entry]
	l1ttl  time.Duration
	l2     *redis.Client
	l2ttl  time.Duration
	group  singleflight.Group
	evicts atomic.Int64

	mu       sync.Mutex
	requests int64
	l1Hits   int64
	l2Hits   int64
	misses   int64
}

// New builds a Cache. l1Capacity bounds the number of L1 entries;
// l1TTL/l2TTL are the soft expiries for each tier.
func New(l1Capacity int, l1TTL, l2TTL time.Duration, redisClient *redis.Client) (*Cache, error) {
	c := &Cache{l1ttl: l1TTL, l2: redisClient, l2ttl: l2TTL}
	l1, err := lru.NewWithEvict[string, l1Entry](l1Capacity, func(key string, value l1Entry) {
		c.evicts.Add(1)
	})
	if err != nil {
		return nil, err
	}
	c.l1 = l1
	return c, nil
}

// Get queries L1 then L2, promoting an L2 hit into L1. Returns ok=false on
// a miss in both tiers or an expired entry.
func (c *Cache) Get(ctx context.Context, fingerprint string) (Entry, bool) {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()

	if v, ok := c.l1.Get(fingerprint); ok {
		if time.Now().Before(v.expiresAt) {
			c.mu.Lock()
			c.l1Hits++
			c.mu.Unlock()
			return v.value, true
		}
		c.l1.Remove(fingerprint)
	}

	if c.l2 != nil {
		raw, err := c.l2.Get(ctx, fingerprint).Bytes()
		if err == nil {
			var entry Entry
			if jsonErr := json.Unmarshal(raw, &entry); jsonErr == nil {
				c.mu.Lock()
				c.l2Hits++
				c.mu.Unlock()
				c.l1.Add(fingerprint, l1Entry{value: entry, expiresAt: time.Now().Add(c.l1ttl)})
				return entry, true
			}
		} else if err != redis.Nil {
			log.Warn().Err(err).Msg("cache: L2 get failed, treating as miss")
		}
	}

	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
	return Entry{}, false
}

// Put writes to both tiers.
func (c *Cache) Put(ctx context.Context, fingerprint string, entry Entry) {
	c.l1.Add(fingerprint, l1Entry{value: entry, expiresAt: time.Now().Add(c.l1ttl)})

	if c.l2 == nil {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		log.Warn().Err(err).Msg("cache: failed to marshal entry for L2")
		return
	}
	if err := c.l2.Set(ctx, fingerprint, raw, c.l2ttl).Err(); err != nil {
		log.Warn().Err(err).Msg("cache: L2 put failed")
	}
}

// InvalidatePrincipal deletes every entry keyed "<orgId>:<principalId>:*"
// from both tiers.
func (c *Cache) InvalidatePrincipal(ctx context.Context, organizationID, principalID string) {
	c.invalidatePrefix(ctx, organizationID+":"+principalID+":")
}

// InvalidateOrganization deletes every entry keyed "<orgId>:*" from both tiers.
func (c *Cache) InvalidateOrganization(ctx context.Context, organizationID string) {
	c.invalidatePrefix(ctx, organizationID+":")
}

func (c *Cache) invalidatePrefix(ctx context.Context, prefix string) {
	for _, key := range c.l1.Keys() {
		if strings.HasPrefix(key, prefix) {
			c.l1.Remove(key)
		}
	}

	if c.l2 == nil {
		return
	}
	var cursor uint64
	for {
		keys, next, err := c.l2.Scan(ctx, cursor, prefix+"*", 200).Result()
		if err != nil {
			log.Warn().Err(err).Str("prefix", prefix).Msg("cache: L2 invalidation scan failed")
			return
		}
		if len(keys) > 0 {
			if err := c.l2.Del(ctx, keys...).Err(); err != nil {
				log.Warn().Err(err).Msg("cache: L2 invalidation delete failed")
			}
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// ClearAll wipes both tiers entirely.
func (c *Cache) ClearAll(ctx context.Context) {
	c.l1.Purge()
	if c.l2 != nil {
		if err := c.l2.FlushDB(ctx).Err(); err != nil {
			log.Warn().Err(err).Msg("cache: L2 clear failed")
		}
	}
}

// Stats returns a point-in-time snapshot of the counters named in spec §4.4.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Requests:    c.requests,
		L1Hits:      c.l1Hits,
		L2Hits:      c.l2Hits,
		Misses:      c.misses,
		L1Size:      c.l1.Len(),
		L1Evictions: c.evicts.Load(),
	}
}

// GetOrFill queries the cache and, on a miss, runs fill exactly once across
// concurrent callers sharing the same fingerprint (singleflight), caching
// and returning its result.
func (c *Cache) GetOrFill(ctx context.Context, fingerprint string, fill func() (Entry, error)) (Entry, bool, error) {
	if entry, ok := c.Get(ctx, fingerprint); ok {
		return entry, true, nil
	}

	v, err, _ := c.group.Do(fingerprint, func() (any, error) {
		entry, err := fill()
		if err != nil {
			return Entry{}, err
		}
		c.Put(ctx, fingerprint, entry)
		return entry, nil
	})
	if err != nil {
		return Entry{}, false, err
	}
	return v.(Entry), false, nil
}
