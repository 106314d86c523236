package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newLimiter(t *testing.T, rate float64, burst int) *MemoryLimiter {
	t.Helper()
	m := NewMemoryLimiter(rate, burst)
	t.Cleanup(func() { require.NoError(t, m.Close()) })
	return m
}

func TestMemoryLimiterBurstThenDeny(t *testing.T) {
	m := newLimiter(t, 10, 3)
	ctx := context.Background()

	for i := range 3 {
		ok, err := m.Allow(ctx, "k1")
		require.NoError(t, err)
		assert.True(t, ok, "request %d is within burst", i)
	}
	ok, err := m.Allow(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = m.Allow(ctx, "k2")
	assert.True(t, ok, "keys are independent")
}

func TestMemoryLimiterRefill(t *testing.T) {
	m := newLimiter(t, 1000, 2)
	ctx := context.Background()
	for range 2 {
		_, _ = m.Allow(ctx, "k")
	}
	ok, _ := m.Allow(ctx, "k")
	require.False(t, ok)

	time.Sleep(5 * time.Millisecond)
	ok, _ = m.Allow(ctx, "k")
	assert.True(t, ok)
}

func TestMemoryLimiterTokensCapAtBurst(t *testing.T) {
	m := newLimiter(t, 1000, 3)
	ctx := context.Background()
	_, _ = m.Allow(ctx, "k")

	m.mu.Lock()
	m.buckets["k"].lastAccess = time.Now().Add(-time.Hour)
	m.mu.Unlock()

	for range 3 {
		ok, _ := m.Allow(ctx, "k")
		require.True(t, ok)
	}
	ok, _ := m.Allow(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryLimiterWaitPacesCallers(t *testing.T) {
	// 100/s with burst 1: 11 waits need at least ~100ms.
	m := newLimiter(t, 100, 1)
	ctx := context.Background()

	start := time.Now()
	var wg sync.WaitGroup
	for range 11 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, m.Wait(ctx, "jobs"))
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestMemoryLimiterWaitHonoursContext(t *testing.T) {
	m := newLimiter(t, 0.1, 1) // one token every 10s
	require.NoError(t, m.Wait(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := m.Wait(ctx, "k")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	m.mu.Lock()
	tokens := m.buckets["k"].tokens
	m.mu.Unlock()
	assert.GreaterOrEqual(t, tokens, 0.0, "an abandoned reservation is refunded")
}

func TestMemoryLimiterEvictStale(t *testing.T) {
	m := newLimiter(t, 10, 5)
	ctx := context.Background()
	_, _ = m.Allow(ctx, "stale")
	_, _ = m.Allow(ctx, "recent")

	m.mu.Lock()
	m.buckets["stale"].lastAccess = time.Now().Add(-15 * time.Minute)
	m.mu.Unlock()

	m.evictStale()

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.NotContains(t, m.buckets, "stale")
	assert.Contains(t, m.buckets, "recent")
}

func TestNoopLimiter(t *testing.T) {
	var l NoopLimiter
	ok, err := l.Allow(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.NoError(t, l.Wait(context.Background(), "anything"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, l.Wait(ctx, "anything"), context.Canceled)
}
