// ABOUTME: Tests for the TTL cache used by the context store and redelivery guard
// ABOUTME: Validates expiry, size limits, eviction hooks, cleanup and concurrency safety

package ttlcache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestCache_GetMissing(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Close()

	_, ok := c.Get("never-set")
	assert.False(t, ok)
}

func TestCache_SetGet(t *testing.T) {
	c := New[string](time.Minute)
	defer c.Close()

	c.Set("k", "v")
	v, ok := c.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	c.Set("k", "w")
	v, _ = c.Get("k")
	assert.Equal(t, "w", v)
	assert.Equal(t, 1, c.Len())
}

func TestCache_Expiry(t *testing.T) {
	c := New[int](10 * time.Millisecond)
	defer c.Close()

	c.Set("k", 1)
	_, ok := c.Get("k")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)
	_, ok = c.Get("k")
	assert.False(t, ok)
}

func TestCache_SetWithTTL_ZeroNeverExpires(t *testing.T) {
	c := New[int](10 * time.Millisecond)
	defer c.Close()

	c.SetWithTTL("forever", 1, 0)
	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get("forever")
	assert.True(t, ok)
}

func TestCache_Add(t *testing.T) {
	c := New[struct{}](20 * time.Millisecond)
	defer c.Close()

	assert.True(t, c.Add("event-1", struct{}{}))
	assert.False(t, c.Add("event-1", struct{}{}))

	time.Sleep(30 * time.Millisecond)
	assert.True(t, c.Add("event-1", struct{}{}), "expired keys can be claimed again")
}

func TestCache_Delete(t *testing.T) {
	var evicted atomic.Int32
	c := New[int](time.Minute, WithEvictHook(func(string, int) { evicted.Add(1) }))
	defer c.Close()

	c.Set("k", 1)
	c.Delete("k")
	c.Delete("missing")

	_, ok := c.Get("k")
	assert.False(t, ok)
	assert.Zero(t, evicted.Load(), "delete is not an eviction")
}

func TestCache_MaxSizeEvictsOldest(t *testing.T) {
	var mu sync.Mutex
	var evicted []string
	c := New[int](time.Minute,
		WithMaxSize[int](2),
		WithEvictHook(func(key string, _ int) {
			mu.Lock()
			evicted = append(evicted, key)
			mu.Unlock()
		}),
	)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("a", 3) // refresh moves a to the back
	c.Set("c", 4)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.Len())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"b"}, evicted)
}

func TestCache_CleanupReportsExpired(t *testing.T) {
	got := make(chan string, 1)
	c := New[int](10*time.Millisecond, WithEvictHook(func(key string, _ int) { got <- key }))
	defer c.Close()

	c.Set("stale", 1)

	select {
	case key := <-got:
		assert.Equal(t, "stale", key)
	case <-time.After(time.Second):
		t.Fatal("expired entry was not reported")
	}
	assert.Zero(t, c.Len())
}

func TestCache_CloseIdempotent(t *testing.T) {
	c := New[int](time.Minute)
	c.Close()
	assert.NotPanics(t, c.Close)
}

func TestCache_Concurrent(t *testing.T) {
	c := New[int](time.Minute, WithMaxSize[int](50))
	defer c.Close()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := string(rune('a' + (n+j)%26))
				c.Set(key, j)
				c.Get(key)
				c.Add(key, j)
				if j%10 == 0 {
					c.Delete(key)
				}
			}
		}(i)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

func TestCleanupInterval(t *testing.T) {
	assert.Equal(t, time.Minute, cleanupInterval(0))
	assert.Equal(t, 100*time.Millisecond, cleanupInterval(100*time.Millisecond))
	assert.Equal(t, 5*time.Second, cleanupInterval(10*time.Second))
	assert.Equal(t, time.Minute, cleanupInterval(time.Hour))
}
