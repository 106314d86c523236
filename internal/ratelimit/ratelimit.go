// Package ratelimit provides token-bucket rate limiting behind a small
// interface. It is used in two places: per-client admission on the HTTP
// write endpoints, and the global cap on jobs started per second by the
// worker pool.
package ratelimit

import "context"

// Limiter decides whether work identified by key may proceed.
// Implementations must be safe for concurrent use.
type Limiter interface {
	// Allow returns true if the request should proceed now.
	// Returning an error signals a limiter malfunction; callers should
	// fail open.
	Allow(ctx context.Context, key string) (bool, error)

	// Wait blocks until key may proceed or ctx is done.
	Wait(ctx context.Context, key string) error

	// Close releases resources (cleanup goroutines, connections).
	Close() error
}

// NoopLimiter permits everything. Used when rate limiting is disabled.
type NoopLimiter struct{}

// Allow always returns true.
func (NoopLimiter) Allow(context.Context, string) (bool, error) { return true, nil }

// Wait returns immediately unless ctx is already done.
func (NoopLimiter) Wait(ctx context.Context, _ string) error { return ctx.Err() }

// Close is a no-op.
func (NoopLimiter) Close() error { return nil }
