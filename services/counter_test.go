package services

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCounterStoreFixedWindow(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := NewMemoryCounterStore(0, func() time.Time { return now })

	for i := 1; i <= 3; i++ {
		result, err := store.Check(context.Background(), "api_general:user:u1", time.Minute, 3)
		require.NoError(t, err)
		assert.True(t, result.Allowed, "request %d should be admitted", i)
		assert.Equal(t, 3-i, result.Remaining)
		assert.Equal(t, now.Add(time.Minute), result.ResetAt)
	}

	result, err := store.Check(context.Background(), "api_general:user:u1", time.Minute, 3)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.Equal(t, 0, result.Remaining)
	assert.Equal(t, now.Add(time.Minute), result.ResetAt, "denial keeps the original window boundary")
}

func TestMemoryCounterStoreWindowRollover(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := NewMemoryCounterStore(0, func() time.Time { return now })

	for i := 0; i < 2; i++ {
		result, err := store.Check(context.Background(), "auth:ip:198.51.100.7", time.Minute, 2)
		require.NoError(t, err)
		require.True(t, result.Allowed)
	}
	result, err := store.Check(context.Background(), "auth:ip:198.51.100.7", time.Minute, 2)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	now = now.Add(time.Minute + time.Second)

	result, err = store.Check(context.Background(), "auth:ip:198.51.100.7", time.Minute, 2)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "a new window starts a fresh count")
	assert.Equal(t, 1, result.Remaining)
	assert.Equal(t, now.Add(time.Minute), result.ResetAt)
}

func TestMemoryCounterStoreKeyIsolation(t *testing.T) {
	store := NewMemoryCounterStore(0, nil)

	result, err := store.Check(context.Background(), "upload:user:u1", time.Hour, 1)
	require.NoError(t, err)
	require.True(t, result.Allowed)

	result, err = store.Check(context.Background(), "upload:user:u1", time.Hour, 1)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	result, err = store.Check(context.Background(), "upload:user:u2", time.Hour, 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed, "an exhausted key must not affect other keys")
}

func TestMemoryCounterStoreReset(t *testing.T) {
	store := NewMemoryCounterStore(0, nil)

	_, err := store.Check(context.Background(), "api_general:user:u1", time.Minute, 1)
	require.NoError(t, err)
	result, err := store.Check(context.Background(), "api_general:user:u1", time.Minute, 1)
	require.NoError(t, err)
	require.False(t, result.Allowed)

	require.NoError(t, store.Reset(context.Background(), "api_general:user:u1"))

	result, err = store.Check(context.Background(), "api_general:user:u1", time.Minute, 1)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
}

func TestMemoryCounterStoreSweep(t *testing.T) {
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	store := NewMemoryCounterStore(0, func() time.Time { return now })

	for i := 0; i < 5; i++ {
		_, err := store.Check(context.Background(), fmt.Sprintf("api_general:ip:10.0.0.%d", i), time.Minute, 10)
		require.NoError(t, err)
	}
	_, err := store.Check(context.Background(), "upload:user:u1", time.Hour, 10)
	require.NoError(t, err)
	require.Equal(t, 6, store.Len())

	now = now.Add(2 * time.Minute)

	removed := store.Sweep()
	assert.Equal(t, 5, removed, "only entries past their window are swept")
	assert.Equal(t, 1, store.Len())
}

func TestMemoryCounterStoreConcurrent(t *testing.T) {
	store := NewMemoryCounterStore(0, nil)

	const workers = 100
	const max = 40

	var wg sync.WaitGroup
	allowed := make(chan bool, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := store.Check(context.Background(), "create:user:u1", time.Minute, max)
			assert.NoError(t, err)
			allowed <- result.Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	admitted := 0
	for ok := range allowed {
		if ok {
			admitted++
		}
	}
	assert.Equal(t, max, admitted, "concurrent checks must admit exactly the window ceiling")
}

func TestMemoryCounterStoreSweeperLifecycle(t *testing.T) {
	store := NewMemoryCounterStore(10*time.Millisecond, nil)
	store.StartSweeper()

	_, err := store.Check(context.Background(), "api_general:user:u1", time.Millisecond, 5)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return store.Len() == 0 },
		time.Second, 5*time.Millisecond, "sweeper should drop the expired entry")

	store.Stop()
}
