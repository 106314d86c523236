package ratelimit

import (
	"context"
	"sync"
	"time"
)

// bucket is a single token bucket for one rate-limit key.
type bucket struct {
	tokens     float64
	lastAccess time.Time
}

// MemoryLimiter implements Limiter using an in-memory token bucket per key.
//
// Each key gets an independent bucket with a refill rate (tokens per
// second) and burst capacity. A background goroutine evicts stale entries
// every minute to bound memory.
type MemoryLimiter struct {
	rate  float64
	burst float64

	mu      sync.Mutex
	buckets map[string]*bucket

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter.
//   - rate: sustained operations per second per key
//   - burst: maximum burst size (token bucket capacity)
//
// Call Close to stop the eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	if burst < 1 {
		burst = 1
	}
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go m.cleanup()
	return m
}

// Allow consumes one token from the bucket for key if one is available.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	ok, _ := m.take(key, time.Now(), false)
	return ok, nil
}

// Wait reserves the next token for key and sleeps until it is due.
// Reservations are made in arrival order, so concurrent waiters are spaced
// 1/rate apart.
func (m *MemoryLimiter) Wait(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, delay := m.take(key, time.Now(), true)
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		m.refund(key)
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// take refills the bucket and consumes a token. With reserve set the token
// is taken even when the bucket is empty (driving it negative), and the
// returned duration is how long until that token is earned.
func (m *MemoryLimiter) take(key string, now time.Time, reserve bool) (bool, time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[key]
	if !ok {
		b = &bucket{tokens: m.burst, lastAccess: now}
		m.buckets[key] = b
	}

	elapsed := now.Sub(b.lastAccess).Seconds()
	if elapsed > 0 {
		b.tokens = min(b.tokens+elapsed*m.rate, m.burst)
		b.lastAccess = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	if !reserve || m.rate <= 0 {
		return false, 0
	}
	b.tokens--
	deficit := -b.tokens
	return false, time.Duration(deficit / m.rate * float64(time.Second))
}

// refund returns a reserved token that was never used.
func (m *MemoryLimiter) refund(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[key]; ok {
		b.tokens = min(b.tokens+1, m.burst)
	}
}

// Close stops the cleanup goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const staleThreshold = 10 * time.Minute

// cleanup periodically evicts buckets that haven't been accessed recently.
func (m *MemoryLimiter) cleanup() {
	ticker := time.NewTicker(1 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

func (m *MemoryLimiter) evictStale() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := time.Now().Add(-staleThreshold)
	for key, b := range m.buckets {
		if b.lastAccess.Before(cutoff) && b.tokens >= 0 {
			delete(m.buckets, key)
		}
	}
}
