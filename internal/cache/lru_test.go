package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLRU_BasicGetPut(t *testing.T) {
	c := NewLRU[string, int](10, 5*time.Minute)

	c.Put("a", 1)
	c.Put("b", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestLRU_Eviction(t *testing.T) {
	c := NewLRU[string, int](3, 5*time.Minute)

	c.Put("a", 1)
	c.Put("b", 2)
	c.Put("c", 3)

	// Touch "a" so "b" becomes least recently used.
	c.Get("a")
	c.Put("d", 4)

	_, ok := c.Get("b")
	assert.False(t, ok, "b should have been evicted")

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
	assert.Equal(t, 3, c.Len())
}

func TestLRU_DefaultTTLExpiration(t *testing.T) {
	now := time.Now()
	c := NewLRU[string, bool](10, 5*time.Minute).WithClock(func() time.Time { return now })

	c.Put("a", true)
	_, ok := c.Get("a")
	assert.True(t, ok)

	c.WithClock(func() time.Time { return now.Add(6 * time.Minute) })
	_, ok = c.Get("a")
	assert.False(t, ok, "entry should have expired")
}

func TestLRU_PutUntil_ExpiryBoundaryInclusive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewLRU[string, string](10, time.Hour).WithClock(func() time.Time { return now })

	c.PutUntil("pair", "v", now.Add(time.Minute))

	c.WithClock(func() time.Time { return now.Add(time.Minute) })
	v, ok := c.Get("pair")
	require.True(t, ok, "entry expiring exactly now is still served")
	assert.Equal(t, "v", v)

	c.WithClock(func() time.Time { return now.Add(time.Minute + time.Second) })
	_, ok = c.Get("pair")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRU_PutUntil_AlreadyExpiredDropsEntry(t *testing.T) {
	now := time.Now()
	c := NewLRU[string, int](10, time.Hour).WithClock(func() time.Time { return now })

	c.Put("a", 1)
	c.PutUntil("a", 2, now.Add(-time.Second))

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestLRU_UpdateExisting(t *testing.T) {
	c := NewLRU[string, int](10, 5*time.Minute)

	c.Put("a", 1)
	c.Put("a", 2)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())
}

func TestLRU_DeleteAndPurge(t *testing.T) {
	now := time.Now()
	c := NewLRU[string, int](10, time.Hour).WithClock(func() time.Time { return now })

	c.PutUntil("short", 1, now.Add(time.Second))
	c.PutUntil("long", 2, now.Add(time.Hour))
	c.Put("gone", 3)
	c.Delete("gone")
	assert.Equal(t, 2, c.Len())

	c.WithClock(func() time.Time { return now.Add(time.Minute) })
	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Len())
}

func TestLRU_Stats(t *testing.T) {
	c := NewLRU[string, bool](10, 5*time.Minute)

	c.Put("a", true)
	c.Get("a")
	c.Get("a")
	c.Get("miss")

	hits, misses := c.Stats()
	assert.Equal(t, int64(2), hits)
	assert.Equal(t, int64(1), misses)
}
