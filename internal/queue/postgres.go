package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/xray/internal/model"
)

// NotifyChannel is the LISTEN/NOTIFY channel signalled on every enqueue.
const NotifyChannel = "xray_jobs"

const pgJobColumns = "id, type, payload, status, attempts, max_attempts, run_after, locked_until, last_error, created_at, finished_at"

// Listener receives Postgres notifications. *storage.DB satisfies it.
type Listener interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// Postgres is a Queue backed by the jobs table. Claims use
// FOR UPDATE SKIP LOCKED so any number of worker processes can share it.
type Postgres struct {
	pool   *pgxpool.Pool
	opts   Options
	logger *slog.Logger
	wake   waker
	sb     sq.StatementBuilderType
}

// NewPostgres returns a Postgres queue over pool. The jobs table is created
// by the storage migrations.
func NewPostgres(pool *pgxpool.Pool, opts Options, logger *slog.Logger) *Postgres {
	return &Postgres{
		pool:   pool,
		opts:   opts.withDefaults(),
		logger: logger,
		wake:   newWaker(),
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Dollar),
	}
}

// Enqueue inserts a pending job and notifies listeners.
func (q *Postgres) Enqueue(ctx context.Context, jobType model.JobType, payload any) (Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("queue: encode %s payload: %w", jobType, err)
	}
	job := Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     body,
		Status:      StatusPending,
		MaxAttempts: q.opts.MaxAttempts,
	}
	err = q.pool.QueryRow(ctx,
		`INSERT INTO jobs (id, type, payload, max_attempts)
		 VALUES ($1, $2, $3, $4)
		 RETURNING run_after, created_at`,
		job.ID, string(job.Type), string(body), job.MaxAttempts,
	).Scan(&job.RunAfter, &job.CreatedAt)
	if err != nil {
		return Job{}, fmt.Errorf("%w: enqueue %s: %w", ErrUnavailable, jobType, err)
	}

	if _, err := q.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, string(jobType)); err != nil {
		q.logger.Debug("queue: notify failed", "job_id", job.ID, "error", err)
	}
	q.wake.signal()
	return job, nil
}

// Claim leases up to limit runnable jobs. Active jobs whose lease expired
// are redelivered while they still have attempts left.
func (q *Postgres) Claim(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := q.pool.Query(ctx,
		`WITH next AS (
		   SELECT id FROM jobs
		   WHERE (status = 'pending' AND run_after <= now())
		      OR (status = 'active' AND locked_until < now() AND attempts < max_attempts)
		   ORDER BY run_after, created_at
		   LIMIT $1
		   FOR UPDATE SKIP LOCKED
		 )
		 UPDATE jobs j SET
		   status       = 'active',
		   attempts     = j.attempts + 1,
		   locked_until = now() + make_interval(secs => $2)
		 FROM next
		 WHERE j.id = next.id
		 RETURNING j.id, j.type, j.payload, j.status, j.attempts, j.max_attempts,
		           j.run_after, j.locked_until, j.last_error, j.created_at, j.finished_at`,
		limit, q.opts.Lease.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return collectPgJobs(rows)
}

// Complete marks a leased job as completed.
func (q *Postgres) Complete(ctx context.Context, job Job) error {
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', finished_at = now(), locked_until = NULL
		 WHERE id = $1 AND status = 'active' AND attempts = $2`, job.ID, job.Attempts)
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue: complete %s: %w", job.ID, ErrLeaseLost)
	}
	return nil
}

// Fail schedules a retry with exponential backoff, or dead-letters the job
// when it is out of attempts or cause is permanent.
func (q *Postgres) Fail(ctx context.Context, job Job, cause error) (bool, error) {
	if shouldDeadLetter(job, cause) {
		tag, err := q.pool.Exec(ctx,
			`UPDATE jobs SET status = 'dead', last_error = $2, finished_at = now(), locked_until = NULL
			 WHERE id = $1 AND status = 'active' AND attempts = $3`, job.ID, errorText(cause), job.Attempts)
		if err != nil {
			return false, fmt.Errorf("queue: dead-letter %s: %w", job.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return false, fmt.Errorf("queue: dead-letter %s: %w", job.ID, ErrLeaseLost)
		}
		return true, nil
	}

	delay := Backoff(q.opts.BackoffBase, q.opts.BackoffMax, job.Attempts)
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', last_error = $2, locked_until = NULL,
		   run_after = now() + make_interval(secs => $3)
		 WHERE id = $1 AND status = 'active' AND attempts = $4`, job.ID, errorText(cause), delay.Seconds(), job.Attempts)
	if err != nil {
		return false, fmt.Errorf("queue: reschedule %s: %w", job.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("queue: reschedule %s: %w", job.ID, ErrLeaseLost)
	}
	return false, nil
}

// Prune deletes completed jobs past the count or age bound, deletes dead
// jobs past their retention, and dead-letters abandoned leases.
func (q *Postgres) Prune(ctx context.Context) (PruneResult, error) {
	var res PruneResult
	err := pgx.BeginFunc(ctx, q.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE jobs SET status = 'dead', last_error = 'lease expired after final attempt',
			   finished_at = now(), locked_until = NULL
			 WHERE status = 'active' AND locked_until < now() AND attempts >= max_attempts`)
		if err != nil {
			return fmt.Errorf("reap: %w", err)
		}
		res.Reaped = tag.RowsAffected()

		tag, err = tx.Exec(ctx,
			`DELETE FROM jobs
			 WHERE status = 'completed'
			   AND (finished_at < now() - make_interval(secs => $1)
			        OR id IN (SELECT id FROM jobs WHERE status = 'completed'
			                  ORDER BY finished_at DESC OFFSET $2))`,
			q.opts.CompletedAge.Seconds(), q.opts.KeepCompleted)
		if err != nil {
			return fmt.Errorf("completed: %w", err)
		}
		res.Completed = tag.RowsAffected()

		tag, err = tx.Exec(ctx,
			`DELETE FROM jobs WHERE status = 'dead' AND finished_at < now() - make_interval(secs => $1)`,
			q.opts.DeadAge.Seconds())
		if err != nil {
			return fmt.Errorf("dead: %w", err)
		}
		res.Dead = tag.RowsAffected()
		return nil
	})
	if err != nil {
		return PruneResult{}, fmt.Errorf("queue: prune: %w", err)
	}
	return res, nil
}

// DeadLetters lists dead jobs, most recently failed first.
func (q *Postgres) DeadLetters(ctx context.Context, f DeadLetterFilter) ([]Job, error) {
	query, args, err := deadLetterQuery(q.sb, f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("queue: build dead letters: %w", err)
	}
	rows, err := q.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	return collectPgJobs(rows)
}

// Retry moves a dead job back to pending with its attempt count reset.
func (q *Postgres) Retry(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("queue: retry %s: %w", id, ErrNotFound)
	}
	tag, err := q.pool.Exec(ctx,
		`UPDATE jobs SET status = 'pending', attempts = 0, run_after = now(),
		   last_error = NULL, finished_at = NULL, locked_until = NULL
		 WHERE id = $1 AND status = 'dead'`, id)
	if err != nil {
		return fmt.Errorf("queue: retry %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("queue: retry %s: %w", id, ErrNotFound)
	}
	if _, err := q.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, NotifyChannel, "retry"); err != nil {
		q.logger.Debug("queue: notify failed", "job_id", id, "error", err)
	}
	q.wake.signal()
	return nil
}

// Stats counts jobs by status.
func (q *Postgres) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.pool.Query(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("%w: stats: %w", ErrUnavailable, err)
	}
	defer rows.Close()

	stats := map[Status]int{StatusPending: 0, StatusActive: 0, StatusCompleted: 0, StatusDead: 0}
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("queue: scan stats: %w", err)
		}
		stats[Status(status)] = n
	}
	return stats, rows.Err()
}

// Wakeups fires after local enqueues and, once ListenForJobs is running,
// after enqueues from other processes.
func (q *Postgres) Wakeups() <-chan struct{} { return q.wake }

// ListenForJobs relays NOTIFYs on NotifyChannel to Wakeups until ctx is
// cancelled. The listener connection must not be shared with other
// LISTEN consumers.
func (q *Postgres) ListenForJobs(ctx context.Context, l Listener) {
	const retryDelay = 5 * time.Second
	for {
		if err := l.Listen(ctx, NotifyChannel); err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Warn("queue: listen failed, falling back to polling", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
				continue
			}
		}
		for {
			_, _, err := l.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				q.logger.Warn("queue: wait for notification", "error", err)
				break
			}
			q.wake.signal()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(retryDelay):
		}
	}
}

// Close is a no-op; the pool is owned by the caller.
func (q *Postgres) Close() error { return nil }

func collectPgJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var (
			j         Job
			id        uuid.UUID
			jobType   string
			status    string
			payload   []byte
			lastError *string
		)
		if err := rows.Scan(&id, &jobType, &payload, &status, &j.Attempts, &j.MaxAttempts,
			&j.RunAfter, &j.LockedUntil, &lastError, &j.CreatedAt, &j.FinishedAt); err != nil {
			return nil, fmt.Errorf("queue: scan job: %w", err)
		}
		j.ID = id.String()
		j.Type = model.JobType(jobType)
		j.Status = Status(status)
		j.Payload = payload
		if lastError != nil {
			j.LastError = *lastError
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: read jobs: %w", err)
	}
	return jobs, nil
}

func deadLetterQuery(sb sq.StatementBuilderType, f DeadLetterFilter) sq.SelectBuilder {
	q := sb.Select(pgJobColumns).From("jobs").
		Where(sq.Eq{"status": string(StatusDead)}).
		OrderBy("finished_at DESC", "id")
	if f.Type != "" {
		q = q.Where(sq.Eq{"type": string(f.Type)})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	return q.Limit(uint64(limit))
}

var _ Queue = (*Postgres)(nil)
