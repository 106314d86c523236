package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/ashita-ai/xray/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS jobs (
    id            TEXT PRIMARY KEY,
    type          TEXT NOT NULL,
    payload       TEXT NOT NULL,
    status        TEXT NOT NULL DEFAULT 'pending',
    attempts      INTEGER NOT NULL DEFAULT 0,
    max_attempts  INTEGER NOT NULL,
    run_after     INTEGER NOT NULL,
    locked_until  INTEGER,
    last_error    TEXT,
    created_at    INTEGER NOT NULL,
    finished_at   INTEGER
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_run_after ON jobs (status, run_after);
CREATE INDEX IF NOT EXISTS idx_jobs_status_finished ON jobs (status, finished_at);
`

// SQLite is a single-node Queue stored in a local SQLite file. Timestamps
// are unix milliseconds.
type SQLite struct {
	db     *sql.DB
	opts   Options
	logger *slog.Logger
	wake   waker
	sb     sq.StatementBuilderType
	now    func() time.Time
}

// NewSQLite opens (or creates) the queue database at path.
func NewSQLite(ctx context.Context, path string, opts Options, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open sqlite %s: %w", path, err)
	}
	// SQLite allows one writer at a time; a single connection avoids
	// SQLITE_BUSY between our own goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("queue: apply sqlite pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("queue: create sqlite schema: %w", err)
	}

	return &SQLite{
		db:     db,
		opts:   opts.withDefaults(),
		logger: logger,
		wake:   newWaker(),
		sb:     sq.StatementBuilder.PlaceholderFormat(sq.Question),
		now:    time.Now,
	}, nil
}

func (q *SQLite) nowMillis() int64 { return q.now().UnixMilli() }

// Enqueue inserts a pending job.
func (q *SQLite) Enqueue(ctx context.Context, jobType model.JobType, payload any) (Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return Job{}, fmt.Errorf("queue: encode %s payload: %w", jobType, err)
	}
	now := q.nowMillis()
	job := Job{
		ID:          uuid.NewString(),
		Type:        jobType,
		Payload:     body,
		Status:      StatusPending,
		MaxAttempts: q.opts.MaxAttempts,
		RunAfter:    time.UnixMilli(now).UTC(),
		CreatedAt:   time.UnixMilli(now).UTC(),
	}
	if _, err := q.db.ExecContext(ctx,
		`INSERT INTO jobs (id, type, payload, max_attempts, run_after, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, string(jobType), string(body), job.MaxAttempts, now, now,
	); err != nil {
		return Job{}, fmt.Errorf("%w: enqueue %s: %w", ErrUnavailable, jobType, err)
	}
	q.wake.signal()
	return job, nil
}

// Claim leases up to limit runnable jobs.
func (q *SQLite) Claim(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := q.nowMillis()
	rows, err := q.db.QueryContext(ctx,
		`UPDATE jobs SET
		   status       = 'active',
		   attempts     = attempts + 1,
		   locked_until = ?
		 WHERE id IN (
		   SELECT id FROM jobs
		   WHERE (status = 'pending' AND run_after <= ?)
		      OR (status = 'active' AND locked_until < ? AND attempts < max_attempts)
		   ORDER BY run_after, created_at
		   LIMIT ?
		 )
		 RETURNING `+pgJobColumns,
		now+q.opts.Lease.Milliseconds(), now, now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	return collectSQLiteJobs(rows)
}

// Complete marks a leased job as completed.
func (q *SQLite) Complete(ctx context.Context, job Job) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'completed', finished_at = ?, locked_until = NULL
		 WHERE id = ? AND status = 'active' AND attempts = ?`, q.nowMillis(), job.ID, job.Attempts)
	if err != nil {
		return fmt.Errorf("queue: complete %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue: complete %s: %w", job.ID, ErrLeaseLost)
	}
	return nil
}

// Fail schedules a retry with exponential backoff, or dead-letters the job.
func (q *SQLite) Fail(ctx context.Context, job Job, cause error) (bool, error) {
	now := q.nowMillis()
	if shouldDeadLetter(job, cause) {
		res, err := q.db.ExecContext(ctx,
			`UPDATE jobs SET status = 'dead', last_error = ?, finished_at = ?, locked_until = NULL
			 WHERE id = ? AND status = 'active' AND attempts = ?`, errorText(cause), now, job.ID, job.Attempts)
		if err != nil {
			return false, fmt.Errorf("queue: dead-letter %s: %w", job.ID, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return false, fmt.Errorf("queue: dead-letter %s: %w", job.ID, ErrLeaseLost)
		}
		return true, nil
	}

	delay := Backoff(q.opts.BackoffBase, q.opts.BackoffMax, job.Attempts)
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', last_error = ?, locked_until = NULL, run_after = ?
		 WHERE id = ? AND status = 'active' AND attempts = ?`, errorText(cause), now+delay.Milliseconds(), job.ID, job.Attempts)
	if err != nil {
		return false, fmt.Errorf("queue: reschedule %s: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("queue: reschedule %s: %w", job.ID, ErrLeaseLost)
	}
	return false, nil
}

// Prune applies the retention policy in one transaction.
func (q *SQLite) Prune(ctx context.Context) (PruneResult, error) {
	now := q.nowMillis()
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return PruneResult{}, fmt.Errorf("queue: prune: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var res PruneResult
	r, err := tx.ExecContext(ctx,
		`UPDATE jobs SET status = 'dead', last_error = 'lease expired after final attempt',
		   finished_at = ?, locked_until = NULL
		 WHERE status = 'active' AND locked_until < ? AND attempts >= max_attempts`, now, now)
	if err != nil {
		return PruneResult{}, fmt.Errorf("queue: prune: reap: %w", err)
	}
	res.Reaped, _ = r.RowsAffected()

	r, err = tx.ExecContext(ctx,
		`DELETE FROM jobs
		 WHERE status = 'completed'
		   AND (finished_at < ?
		        OR id IN (SELECT id FROM jobs WHERE status = 'completed'
		                  ORDER BY finished_at DESC LIMIT -1 OFFSET ?))`,
		now-q.opts.CompletedAge.Milliseconds(), q.opts.KeepCompleted)
	if err != nil {
		return PruneResult{}, fmt.Errorf("queue: prune: completed: %w", err)
	}
	res.Completed, _ = r.RowsAffected()

	r, err = tx.ExecContext(ctx,
		`DELETE FROM jobs WHERE status = 'dead' AND finished_at < ?`, now-q.opts.DeadAge.Milliseconds())
	if err != nil {
		return PruneResult{}, fmt.Errorf("queue: prune: dead: %w", err)
	}
	res.Dead, _ = r.RowsAffected()

	if err := tx.Commit(); err != nil {
		return PruneResult{}, fmt.Errorf("queue: prune: commit: %w", err)
	}
	return res, nil
}

// DeadLetters lists dead jobs, most recently failed first.
func (q *SQLite) DeadLetters(ctx context.Context, f DeadLetterFilter) ([]Job, error) {
	query, args, err := deadLetterQuery(q.sb, f).ToSql()
	if err != nil {
		return nil, fmt.Errorf("queue: build dead letters: %w", err)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: dead letters: %w", err)
	}
	return collectSQLiteJobs(rows)
}

// Retry moves a dead job back to pending with its attempt count reset.
func (q *SQLite) Retry(ctx context.Context, id string) error {
	res, err := q.db.ExecContext(ctx,
		`UPDATE jobs SET status = 'pending', attempts = 0, run_after = ?,
		   last_error = NULL, finished_at = NULL, locked_until = NULL
		 WHERE id = ? AND status = 'dead'`, q.nowMillis(), id)
	if err != nil {
		return fmt.Errorf("queue: retry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("queue: retry %s: %w", id, ErrNotFound)
	}
	q.wake.signal()
	return nil
}

// Stats counts jobs by status.
func (q *SQLite) Stats(ctx context.Context) (map[Status]int, error) {
	rows, err := q.db.QueryContext(ctx, `SELECT status, count(*) FROM jobs GROUP BY status`)
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

// Wakeups fires after each local enqueue or retry.
func (q *SQLite) Wakeups() <-chan struct{} { return q.wake }

// Close closes the database.
func (q *SQLite) Close() error { return q.db.Close() }

func collectSQLiteJobs(rows *sql.Rows) ([]Job, error) {
	defer rows.Close()
	var jobs []Job
	for rows.Next() {
		var (
			j           Job
			jobType     string
			status      string
			payload     string
			runAfter    int64
			lockedUntil sql.NullInt64
			lastError   sql.NullString
			createdAt   int64
			finishedAt  sql.NullInt64
		)
		if err := rows.Scan(&j.ID, &jobType, &payload, &status, &j.Attempts, &j.MaxAttempts,
			&runAfter, &lockedUntil, &lastError, &createdAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("queue: scan job: %w", err)
		}
		j.Type = model.JobType(jobType)
		j.Status = Status(status)
		j.Payload = json.RawMessage(payload)
		j.RunAfter = time.UnixMilli(runAfter).UTC()
		j.CreatedAt = time.UnixMilli(createdAt).UTC()
		j.LastError = lastError.String
		if lockedUntil.Valid {
			t := time.UnixMilli(lockedUntil.Int64).UTC()
			j.LockedUntil = &t
		}
		if finishedAt.Valid {
			t := time.UnixMilli(finishedAt.Int64).UTC()
			j.FinishedAt = &t
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: read jobs: %w", err)
	}
	return jobs, nil
}

var _ Queue = (*SQLite)(nil)
