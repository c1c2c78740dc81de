// ABOUTME: Tests for the idempotency cache used by run submission.
// ABOUTME: Validates TTL expiration, size limits, eviction, cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Lookup_NotSeen(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Lookup("never-seen-key")
	assert.False(t, ok)
}

func TestCache_Remember_NewKey(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	got, dup := cache.Remember("key", "run-1")
	assert.False(t, dup)
	assert.Equal(t, "run-1", got)

	got, ok := cache.Lookup("key")
	assert.True(t, ok)
	assert.Equal(t, "run-1", got)
}

func TestCache_Remember_DuplicateKeepsFirstValue(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Remember("key", "run-1")
	got, dup := cache.Remember("key", "run-2")

	assert.True(t, dup)
	assert.Equal(t, "run-1", got)
}

func TestCache_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Remember("expiring-key", "run-1")
	_, ok := cache.Lookup("expiring-key")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Lookup("expiring-key")
	assert.False(t, ok)

	// Expired keys are reusable
	got, dup := cache.Remember("expiring-key", "run-2")
	assert.False(t, dup)
	assert.Equal(t, "run-2", got)
}

func TestCache_PutReplaces(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Remember("key", "pending")
	cache.Put("key", "run-7")

	got, dup := cache.Remember("key", "run-8")
	assert.True(t, dup)
	assert.Equal(t, "run-7", got)
	assert.Equal(t, 1, cache.Len())
}

func TestCache_Forget(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Remember("key", "pending")
	cache.Forget("key")
	cache.Forget("missing")

	_, ok := cache.Lookup("key")
	assert.False(t, ok)
	assert.Equal(t, 0, cache.Len())
}

func TestCache_EvictionOrder(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Remember("first", "1")
	cache.Remember("second", "2")
	cache.Remember("third", "3")

	cache.Remember("fourth", "4")
	_, ok := cache.Lookup("first")
	assert.False(t, ok, "first should be evicted")

	cache.Remember("fifth", "5")
	_, ok = cache.Lookup("second")
	assert.False(t, ok, "second should be evicted")

	for _, k := range []string{"third", "fourth", "fifth"} {
		_, ok := cache.Lookup(k)
		assert.True(t, ok, k)
	}
	assert.Equal(t, 3, cache.Len())
}

func TestCache_Cleanup(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Remember("cleanup-1", "a")
	cache.Remember("cleanup-2", "b")

	time.Sleep(20 * time.Millisecond)
	cache.runCleanup()

	assert.Equal(t, 0, cache.Len(), "cleanup should remove expired entries from map")
	assert.Equal(t, 0, cache.order.Len())
}

func TestCache_Defaults(t *testing.T) {
	cache := New(0, 0)
	defer cache.Close()

	assert.Equal(t, DefaultTTL, cache.ttl)
	assert.Equal(t, DefaultMaxSize, cache.maxSize)
}

func TestCache_Remember_Atomic(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	const numGoroutines = 100
	var winners atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numGoroutines)

	for i := range numGoroutines {
		go func() {
			defer wg.Done()
			if _, dup := cache.Remember("contested-key", fmt.Sprintf("run-%d", i)); !dup {
				winners.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, int32(1), winners.Load(), "exactly one submission should win the key")
}

func TestCache_Close(t *testing.T) {
	cache := New(5*time.Minute, 100)
	cache.Close()
	cache.Close()
}
