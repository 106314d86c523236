// Package pgtest holds the Postgres queue tests. They live in their own
// package so the TestMain that starts a Postgres container only runs for
// them, leaving the SQLite queue tests free of Docker.
package pgtest

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/queue"
	"github.com/ashita-ai/xray/internal/storage"
	"github.com/ashita-ai/xray/internal/testutil"
)

var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	db, err := tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		tc.Terminate()
		panic(err)
	}
	testDB = db

	code := m.Run()
	testDB.Close(context.Background())
	tc.Terminate()
	os.Exit(code)
}

func newPgQueue(t *testing.T, opts queue.Options) *queue.Postgres {
	t.Helper()
	_, err := testDB.Pool().Exec(context.Background(), `TRUNCATE jobs`)
	require.NoError(t, err)
	return queue.NewPostgres(testDB.Pool(), opts, testutil.TestLogger())
}

func TestPostgresEnqueueClaimComplete(t *testing.T) {
	ctx := context.Background()
	q := newPgQueue(t, queue.Options{})

	job, err := q.Enqueue(ctx, model.JobCreateStep, model.StepWrite{Step: model.Step{ID: "s1", RunID: "r1"}})
	require.NoError(t, err)
	assert.False(t, job.CreatedAt.IsZero())

	jobs, err := q.Claim(ctx, 5)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
	assert.Equal(t, 1, jobs[0].Attempts)

	var w model.StepWrite
	require.NoError(t, jobs[0].Decode(&w))
	assert.Equal(t, "s1", w.Step.ID)

	require.NoError(t, q.Complete(ctx, job))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[queue.StatusCompleted])
}

func TestPostgresFailRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	q := newPgQueue(t, queue.Options{MaxAttempts: 2, BackoffBase: 50 * time.Millisecond})

	job, err := q.Enqueue(ctx, model.JobUpdateStepSummary, model.SummaryWrite{StepID: "s"})
	require.NoError(t, err)

	jobs, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	dead, err := q.Fail(ctx, jobs[0], errors.New("fk violation"))
	require.NoError(t, err)
	assert.False(t, dead)

	var retried []queue.Job
	require.Eventually(t, func() bool {
		retried, err = q.Claim(ctx, 1)
		return err == nil && len(retried) == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, 2, retried[0].Attempts)

	dead, err = q.Fail(ctx, retried[0], errors.New("fk violation"))
	require.NoError(t, err)
	assert.True(t, dead)

	dl, err := q.DeadLetters(ctx, queue.DeadLetterFilter{Type: model.JobUpdateStepSummary, Limit: 10})
	require.NoError(t, err)
	require.Len(t, dl, 1)
	assert.Equal(t, job.ID, dl[0].ID)
	assert.Equal(t, "fk violation", dl[0].LastError)

	require.NoError(t, q.Retry(ctx, job.ID))
	again, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, again, 1)
	assert.Equal(t, 1, again[0].Attempts)

	assert.ErrorIs(t, q.Retry(ctx, "not-a-uuid"), queue.ErrNotFound)
}

func TestPostgresStaleHolderIsFenced(t *testing.T) {
	ctx := context.Background()
	q := newPgQueue(t, queue.Options{Lease: 100 * time.Millisecond, MaxAttempts: 3})

	_, err := q.Enqueue(ctx, model.JobCreateRun, model.Run{ID: "r"})
	require.NoError(t, err)
	stale, err := q.Claim(ctx, 1)
	require.NoError(t, err)
	require.Len(t, stale, 1)

	var current []queue.Job
	require.Eventually(t, func() bool {
		current, err = q.Claim(ctx, 1)
		return err == nil && len(current) == 1
	}, 5*time.Second, 20*time.Millisecond, "expired lease is redelivered")
	require.Equal(t, 2, current[0].Attempts)

	dead, err := q.Fail(ctx, stale[0], queue.Permanent(errors.New("decode: bad payload")))
	require.ErrorIs(t, err, queue.ErrLeaseLost)
	assert.False(t, dead)
	require.ErrorIs(t, q.Complete(ctx, stale[0]), queue.ErrLeaseLost)

	require.NoError(t, q.Complete(ctx, current[0]))
	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats[queue.StatusCompleted])
	assert.Zero(t, stats[queue.StatusDead])
}

func TestPostgresPrune(t *testing.T) {
	ctx := context.Background()
	q := newPgQueue(t, queue.Options{KeepCompleted: 1})

	for range 3 {
		_, err := q.Enqueue(ctx, model.JobCreateRun, model.Run{})
		require.NoError(t, err)
	}
	jobs, err := q.Claim(ctx, 3)
	require.NoError(t, err)
	for _, j := range jobs {
		require.NoError(t, q.Complete(ctx, j))
	}

	res, err := q.Prune(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Completed)
}

func TestPostgresConcurrentClaimsSkipLocked(t *testing.T) {
	ctx := context.Background()
	q := newPgQueue(t, queue.Options{})
	const n = 40
	for range n {
		_, err := q.Enqueue(ctx, model.JobCreateCandidate, model.CandidateWrite{})
		require.NoError(t, err)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for range 6 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				jobs, err := q.Claim(ctx, 4)
				if err != nil || len(jobs) == 0 {
					return
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for _, c := range seen {
		assert.Equal(t, 1, c)
	}
}

func TestPostgresListenForJobsWakesConsumers(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	consumer := newPgQueue(t, queue.Options{})
	go consumer.ListenForJobs(ctx, testDB)

	// A second queue instance stands in for another process.
	producer := queue.NewPostgres(testDB.Pool(), queue.Options{}, testutil.TestLogger())

	// Give LISTEN a moment to register before producing.
	time.Sleep(200 * time.Millisecond)
	_, err := producer.Enqueue(ctx, model.JobCreateRun, model.Run{ID: "r"})
	require.NoError(t, err)

	select {
	case <-consumer.Wakeups():
	case <-time.After(5 * time.Second):
		t.Fatal("expected a wakeup from NOTIFY")
	}
}
