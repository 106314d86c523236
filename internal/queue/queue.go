// Package queue provides the durable job queue that decouples event
// acceptance from persistence.
//
// Jobs are typed (model.JobType) and carry the JSON payload of one write
// operation. A claimed job is leased to one worker; if the lease expires
// without Complete or Fail, the job is redelivered. Failed jobs are retried
// with exponential backoff and dead-lettered once their attempts are
// exhausted. Completed and dead jobs are pruned on a bounded schedule.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ashita-ai/xray/internal/model"
)

var (
	// ErrPermanent marks a processing failure that retrying cannot fix, such
	// as an undecodable payload. Jobs failed with it are dead-lettered
	// immediately.
	ErrPermanent = errors.New("queue: permanent failure")

	// ErrNotFound is returned when a job does not exist or is not in the
	// state the operation requires.
	ErrNotFound = errors.New("queue: job not found")

	// ErrUnavailable is returned when the queue backend cannot accept work.
	ErrUnavailable = errors.New("queue: unavailable")

	// ErrLeaseLost is returned by Complete and Fail when the caller's lease
	// expired and the job was redelivered (or already finished). The
	// caller's outcome is discarded; the current holder decides.
	ErrLeaseLost = errors.New("queue: lease lost")
)

// Permanent wraps err so that Fail dead-letters the job without retrying.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Status is the lifecycle state of a job.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusDead      Status = "dead"
)

// Job is a unit of deferred work.
type Job struct {
	ID          string          `json:"id"`
	Type        model.JobType   `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	Status      Status          `json:"status"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	RunAfter    time.Time       `json:"run_after"`
	LockedUntil *time.Time      `json:"locked_until,omitempty"`
	LastError   string          `json:"last_error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// Decode unmarshals the job payload into v. A payload that does not decode
// is a permanent failure.
func (j Job) Decode(v any) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", j.Type, err))
	}
	return nil
}

// DeadLetterFilter narrows DeadLetters.
type DeadLetterFilter struct {
	Type  model.JobType
	Limit int
}

// PruneResult reports what a Prune pass removed.
type PruneResult struct {
	Completed int64 // completed jobs deleted
	Dead      int64 // dead jobs deleted after retention
	Reaped    int64 // active jobs with an expired lease and no attempts left, moved to dead
}

// Queue is a durable job queue. Implementations are safe for concurrent use.
type Queue interface {
	// Enqueue durably records a job. It never touches the entity store.
	Enqueue(ctx context.Context, jobType model.JobType, payload any) (Job, error)
	// Claim leases up to limit runnable jobs to the caller and increments
	// their attempt counts.
	Claim(ctx context.Context, limit int) ([]Job, error)
	// Complete marks a leased job as done. Only the holder of the lease
	// taken at job.Attempts may complete it; anyone else gets ErrLeaseLost.
	Complete(ctx context.Context, job Job) error
	// Fail records a processing failure. It reports whether the job was
	// dead-lettered rather than scheduled for retry. Like Complete it is
	// fenced on the claimed attempt and returns ErrLeaseLost for a stale
	// holder.
	Fail(ctx context.Context, job Job, cause error) (dead bool, err error)
	// Prune applies the retention policy.
	Prune(ctx context.Context) (PruneResult, error)
	// DeadLetters lists dead jobs, most recent first.
	DeadLetters(ctx context.Context, f DeadLetterFilter) ([]Job, error)
	// Retry moves a dead job back to pending with a fresh attempt budget.
	Retry(ctx context.Context, id string) error
	// Stats counts jobs by status.
	Stats(ctx context.Context) (map[Status]int, error)
	// Wakeups fires when new work may be available.
	Wakeups() <-chan struct{}
	Close() error
}

// Options configures retry and retention behaviour shared by all backends.
type Options struct {
	MaxAttempts   int           // attempts before a job is dead-lettered
	BackoffBase   time.Duration // delay before the first retry
	BackoffMax    time.Duration // cap on retry delay
	Lease         time.Duration // how long a claimed job stays leased
	KeepCompleted int           // newest completed jobs kept
	CompletedAge  time.Duration // completed jobs older than this are deleted
	DeadAge       time.Duration // dead jobs older than this are deleted
}

// DefaultOptions returns 3 attempts with exponential backoff from 1s, a one
// minute lease, 1000 completed jobs kept for at most 24h and dead jobs kept
// for 7 days.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:   3,
		BackoffBase:   time.Second,
		BackoffMax:    5 * time.Minute,
		Lease:         time.Minute,
		KeepCompleted: 1000,
		CompletedAge:  24 * time.Hour,
		DeadAge:       7 * 24 * time.Hour,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = d.BackoffBase
	}
	if o.BackoffMax <= 0 {
		o.BackoffMax = d.BackoffMax
	}
	if o.Lease <= 0 {
		o.Lease = d.Lease
	}
	if o.KeepCompleted <= 0 {
		o.KeepCompleted = d.KeepCompleted
	}
	if o.CompletedAge <= 0 {
		o.CompletedAge = d.CompletedAge
	}
	if o.DeadAge <= 0 {
		o.DeadAge = d.DeadAge
	}
	return o
}

// Backoff returns the delay before the retry that follows the given attempt
// (1-based): base, 2*base, 4*base, ... capped at max.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max || d <= 0 {
			return max
		}
	}
	return min(d, max)
}

// shouldDeadLetter decides the fate of a failed job.
func shouldDeadLetter(job Job, cause error) bool {
	return errors.Is(cause, ErrPermanent) || job.Attempts >= job.MaxAttempts
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	const maxLen = 2048
	s := err.Error()
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

// waker delivers coalesced wakeup signals to consumers.
type waker chan struct{}

func newWaker() waker { return make(waker, 1) }

func (w waker) signal() {
	select {
	case w <- struct{}{}:
	default:
	}
}
