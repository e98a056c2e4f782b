// Copyright 2025 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ttlcache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func eqString(a, b string) bool { return a == b }

func TestCache_SetAndGet(t *testing.T) {
	cache := New[string, string](100*time.Millisecond, 10*time.Millisecond)
	defer cache.Stop()

	cache.Set("key1", "value1")
	val, found := cache.Get("key1")

	assert.True(t, found)
	assert.Equal(t, "value1", val)
}

func TestCache_GetExpired(t *testing.T) {
	ttl := 50 * time.Millisecond
	cache := New[string, int](ttl, 10*time.Millisecond)
	defer cache.Stop()

	cache.Set("key1", 123)
	time.Sleep(ttl + 20*time.Millisecond)

	val, found := cache.Get("key1")

	assert.False(t, found)
	assert.Equal(t, 0, val)
}

func TestCache_GetNonExistent(t *testing.T) {
	cache := New[string, int](time.Minute, time.Second)
	defer cache.Stop()

	val, found := cache.Get("non-existent-key")

	assert.False(t, found)
	assert.Equal(t, 0, val)
}

func TestCache_SetOverrides(t *testing.T) {
	cache := New[string, string](time.Minute, time.Second)
	defer cache.Stop()

	cache.Set("key1", "value1")
	cache.Set("key1", "value2")

	val, found := cache.Get("key1")

	assert.True(t, found)
	assert.Equal(t, "value2", val)
}

func TestCache_Delete(t *testing.T) {
	cache := New[string, string](time.Minute, time.Second)
	defer cache.Stop()

	cache.Set("key1", "value1")
	cache.Delete("key1")

	_, found := cache.Get("key1")
	assert.False(t, found)
}

// CompareAndSwap succeeds only when the current value equals the expected
// value at the time of the call.
func TestCache_CompareAndSwap(t *testing.T) {
	cache := New[string, string](time.Minute, time.Second)
	defer cache.Stop()

	// Swapping against the zero value succeeds on an absent key.
	ok := cache.CompareAndSwap("k", "", "running", eqString)
	assert.True(t, ok)

	ok = cache.CompareAndSwap("k", "", "other", eqString)
	assert.False(t, ok, "expected mismatch must fail")

	ok = cache.CompareAndSwap("k", "running", "complete", eqString)
	assert.True(t, ok)

	val, found := cache.Get("k")
	assert.True(t, found)
	assert.Equal(t, "complete", val)
}

// No interleaved concurrent CAS may both succeed with the same expected
// value: only one of N racers claiming ownership from "" may win.
func TestCache_CompareAndSwap_ConcurrentExclusivity(t *testing.T) {
	cache := New[string, string](time.Minute, time.Second)
	defer cache.Stop()

	const racers = 50
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i := 0; i < racers; i++ {
		wg.Add(1)
		owner := "owner-" + strconv.Itoa(i)
		go func() {
			defer wg.Done()
			if cache.CompareAndSwap("lock", "", owner, eqString) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestCache_Cleanup(t *testing.T) {
	ttl := 50 * time.Millisecond
	cleanupInterval := 10 * time.Millisecond
	cache := New[string, int](ttl, cleanupInterval)
	defer cache.Stop()

	cache.Set("key1", 1)
	assert.Equal(t, 1, cache.Len())

	time.Sleep(ttl + 30*time.Millisecond)
	assert.Equal(t, 0, cache.Len())
}
