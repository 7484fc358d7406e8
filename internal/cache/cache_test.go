package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheGetMissThenPutThenHit(t *testing.T) {
	c, err := New(10, time.Minute, time.Minute, nil)
	require.NoError(t, err)

	_, ok := c.Get(context.Background(), "org1:user1:read:document:d1")
	assert.False(t, ok)

	c.Put(context.Background(), "org1:user1:read:document:d1", Entry{Decision: "ALLOW", Reason: "test"})

	entry, ok := c.Get(context.Background(), "org1:user1:read:document:d1")
	require.True(t, ok)
	assert.Equal(t, "ALLOW", entry.Decision)

	stats := c.Stats()
	assert.EqualValues(t, 2, stats.Requests)
	assert.EqualValues(t, 1, stats.L1Hits)
	assert.EqualValues(t, 1, stats.Misses)
}

func TestCacheEntryExpiresAfterL1TTL(t *testing.T) {
	c, err := New(10, 20*time.Millisecond, time.Minute, nil)
	require.NoError(t, err)

	c.Put(context.Background(), "k", Entry{Decision: "ALLOW"})
	_, ok := c.Get(context.Background(), "k")
	require.True(t, ok)

	time.Sleep(30 * time.Millisecond)
	_, ok = c.Get(context.Background(), "k")
	assert.False(t, ok, "entry should have expired past its soft TTL")
}

func TestCacheInvalidatePrincipalOnlyRemovesMatchingPrefix(t *testing.T) {
	c, err := New(10, time.Minute, time.Minute, nil)
	require.NoError(t, err)

	c.Put(context.Background(), "org1:user1:read:document:d1", Entry{Decision: "ALLOW"})
	c.Put(context.Background(), "org1:user2:read:document:d1", Entry{Decision: "ALLOW"})
	c.Put(context.Background(), "org2:user1:read:document:d1", Entry{Decision: "ALLOW"})

	c.InvalidatePrincipal(context.Background(), "org1", "user1")

	_, ok := c.Get(context.Background(), "org1:user1:read:document:d1")
	assert.False(t, ok)
	_, ok = c.Get(context.Background(), "org1:user2:read:document:d1")
	assert.True(t, ok)
	_, ok = c.Get(context.Background(), "org2:user1:read:document:d1")
	assert.True(t, ok)
}

func TestCacheInvalidateOrganizationRemovesAllItsPrincipals(t *testing.T) {
	c, err := New(10, time.Minute, time.Minute, nil)
	require.NoError(t, err)

	c.Put(context.Background(), "org1:user1:read:document:d1", Entry{Decision: "ALLOW"})
	c.Put(context.Background(), "org1:user2:read:document:d1", Entry{Decision: "ALLOW"})
	c.Put(context.Background(), "org2:user1:read:document:d1", Entry{Decision: "ALLOW"})

	c.InvalidateOrganization(context.Background(), "org1")

	_, ok := c.Get(context.Background(), "org1:user1:read:document:d1")
	assert.False(t, ok)
	_, ok = c.Get(context.Background(), "org1:user2:read:document:d1")
	assert.False(t, ok)
	_, ok = c.Get(context.Background(), "org2:user1:read:document:d1")
	assert.True(t, ok)
}

func TestCacheClearAllWipesEverything(t *testing.T) {
	c, err := New(10, time.Minute, time.Minute, nil)
	require.NoError(t, err)

	c.Put(context.Background(), "k1", Entry{Decision: "ALLOW"})
	c.Put(context.Background(), "k2", Entry{Decision: "DENY"})
	c.ClearAll(context.Background())

	_, ok := c.Get(context.Background(), "k1")
	assert.False(t, ok)
	_, ok = c.Get(context.Background(), "k2")
	assert.False(t, ok)
}

func TestCacheGetOrFillRunsFillOnceOnMiss(t *testing.T) {
	c, err := New(10, time.Minute, time.Minute, nil)
	require.NoError(t, err)

	calls := 0
	fill := func() (Entry, error) {
		calls++
		return Entry{Decision: "ALLOW"}, nil
	}

	entry, cached, err := c.GetOrFill(context.Background(), "k", fill)
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "ALLOW", entry.Decision)

	entry, cached, err = c.GetOrFill(context.Background(), "k", fill)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 1, calls)
}

func TestCacheEvictionTracksCapacityOverflow(t *testing.T) {
	c, err := New(2, time.Minute, time.Minute, nil)
	require.NoError(t, err)

	c.Put(context.Background(), "k1", Entry{Decision: "ALLOW"})
	c.Put(context.Background(), "k2", Entry{Decision: "ALLOW"})
	c.Put(context.Background(), "k3", Entry{Decision: "ALLOW"})

	stats := c.Stats()
	assert.Equal(t, 2, stats.L1Size)
	assert.EqualValues(t, 1, stats.L1Evictions)
}
