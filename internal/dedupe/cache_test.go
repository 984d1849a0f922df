// ABOUTME: Tests for the dedupe cache of client message ids.
// ABOUTME: Validates TTL expiration, size limits, eviction, cleanup, and concurrency safety.

package dedupe

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCache_Lookup_NotSeen(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	_, ok := cache.Lookup("conv-1", "never-seen")
	assert.False(t, ok)
}

func TestCache_RememberAndLookup(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Remember("conv-1", "c-1", 7)

	seq, ok := cache.Lookup("conv-1", "c-1")
	assert.True(t, ok)
	assert.Equal(t, int64(7), seq)

	// Same client id in another conversation is a different key
	_, ok = cache.Lookup("conv-2", "c-1")
	assert.False(t, ok)
}

func TestCache_EmptyClientIDIgnored(t *testing.T) {
	cache := New(5*time.Minute, 100)
	defer cache.Close()

	cache.Remember("conv-1", "", 3)
	assert.Equal(t, 0, cache.Len())

	_, ok := cache.Lookup("conv-1", "")
	assert.False(t, ok)
}

func TestCache_Expired(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Remember("conv-1", "expiring", 1)
	_, ok := cache.Lookup("conv-1", "expiring")
	assert.True(t, ok)

	time.Sleep(20 * time.Millisecond)

	_, ok = cache.Lookup("conv-1", "expiring")
	assert.False(t, ok)
}

func TestCache_Remember_RefreshesTimestamp(t *testing.T) {
	cache := New(50*time.Millisecond, 100)
	defer cache.Close()

	cache.Remember("conv-1", "refresh", 1)
	time.Sleep(30 * time.Millisecond)
	cache.Remember("conv-1", "refresh", 1)
	time.Sleep(30 * time.Millisecond)

	// 60ms since first remember but only 30ms since refresh
	_, ok := cache.Lookup("conv-1", "refresh")
	assert.True(t, ok)
}

func TestCache_EvictsOldest(t *testing.T) {
	cache := New(5*time.Minute, 3)
	defer cache.Close()

	cache.Remember("conv", "a", 1)
	cache.Remember("conv", "b", 2)
	cache.Remember("conv", "c", 3)
	cache.Remember("conv", "d", 4)

	assert.Equal(t, 3, cache.Len())
	_, ok := cache.Lookup("conv", "a")
	assert.False(t, ok, "oldest entry should be evicted")
	seq, ok := cache.Lookup("conv", "d")
	assert.True(t, ok)
	assert.Equal(t, int64(4), seq)
}

func TestCache_RunCleanup(t *testing.T) {
	cache := New(10*time.Millisecond, 100)
	defer cache.Close()

	cache.Remember("conv", "a", 1)
	cache.Remember("conv", "b", 2)
	time.Sleep(20 * time.Millisecond)

	cache.runCleanup()
	assert.Equal(t, 0, cache.Len())
}

func TestCache_NilSafe(t *testing.T) {
	var cache *Cache
	cache.Remember("conv", "a", 1)
	_, ok := cache.Lookup("conv", "a")
	assert.False(t, ok)
	cache.Close()
}

func TestCache_CloseTwice(t *testing.T) {
	cache := New(time.Minute, 10)
	cache.Close()
	cache.Close()
}

func TestCache_Concurrent(t *testing.T) {
	cache := New(5*time.Minute, 1000)
	defer cache.Close()

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id := fmt.Sprintf("c-%d", i)
			cache.Remember("conv", id, int64(i))
			cache.Lookup("conv", id)
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, cache.Len())
}
