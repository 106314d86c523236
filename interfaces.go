package xray

import (
	"context"
	"net/http"
)

// DeadLetterHook is notified when a job exhausts its attempts or fails
// permanently. Hooks run on the worker goroutine that processed the job
// and must not block for long.
type DeadLetterHook interface {
	OnDeadLetter(ctx context.Context, job DeadJob, cause error)
}

// DeadLetterFunc adapts a function to DeadLetterHook.
type DeadLetterFunc func(ctx context.Context, job DeadJob, cause error)

// OnDeadLetter calls f.
func (f DeadLetterFunc) OnDeadLetter(ctx context.Context, job DeadJob, cause error) {
	f(ctx, job, cause)
}

// Middleware wraps the root HTTP handler.
// Applied outermost (before routing), so it sees all requests including /health.
type Middleware func(http.Handler) http.Handler
