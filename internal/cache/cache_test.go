package cache_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quoteresolver/internal/cache"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func TestCache_FreshStaleExpired(t *testing.T) {
	t.Parallel()

	// Arrange
	clk := &clock{t: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
	c := cache.New[string](300*time.Second, 60*time.Second, 0)
	c.Now = clk.now
	t0 := clk.t
	c.Set("2330", "v1")

	// Assert: young entries are fresh and not stale.
	clk.t = t0.Add(10 * time.Second)
	v, ok := c.Get("2330")
	require.True(t, ok)
	require.Equal(t, "v1", v)
	require.False(t, c.IsStale("2330"))

	// Inside the stale window: served and flagged.
	clk.t = t0.Add(300*time.Second - 60*time.Second + time.Second)
	_, ok = c.Get("2330")
	require.True(t, ok)
	require.True(t, c.IsStale("2330"))

	// One second before TTL: still served.
	clk.t = t0.Add(299 * time.Second)
	_, ok = c.Get("2330")
	require.True(t, ok)

	// At TTL: miss, and the entry is pruned.
	clk.t = t0.Add(300 * time.Second)
	_, ok = c.Get("2330")
	require.False(t, ok)
	require.False(t, c.IsStale("2330"))
	require.Zero(t, c.Stats().Items)
}

func TestCache_SetResetsAge(t *testing.T) {
	t.Parallel()

	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := cache.New[int](time.Minute, 10*time.Second, 0)
	c.Now = clk.now

	c.Set("k", 1)
	clk.t = clk.t.Add(55 * time.Second)
	require.True(t, c.IsStale("k"))
	c.Set("k", 2)
	require.False(t, c.IsStale("k"))
	v, ok := c.Get("k")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestCache_MaxItemsKeepsNewest(t *testing.T) {
	t.Parallel()

	c := cache.New[int](time.Minute, 0, 3)
	for i := range 10 {
		c.Set(fmt.Sprintf("k%d", i), i)
	}
	require.LessOrEqual(t, c.Stats().Items, 3)
	v, ok := c.Get("k9")
	require.True(t, ok)
	require.Equal(t, 9, v)
}

func TestCache_DeletePrefix(t *testing.T) {
	t.Parallel()

	c := cache.New[int](time.Minute, 0, 0)
	c.Set("2330|1y|1d", 1)
	c.Set("2330|1mo|1d", 2)
	c.Set("2317|1y|1d", 3)

	require.Equal(t, 2, c.DeletePrefix("2330|"))
	_, ok := c.Get("2317|1y|1d")
	require.True(t, ok)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	t.Parallel()

	c := cache.New[int](time.Minute, 10*time.Second, 100)
	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := range 500 {
				key := fmt.Sprintf("k%d", (i*j)%50)
				c.Set(key, j)
				c.Get(key)
				c.IsStale(key)
			}
		}()
	}
	wg.Wait()
	require.LessOrEqual(t, c.Stats().Items, 100)
}
