package ingest_test

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/queue"
	"github.com/ashita-ai/xray/internal/service/ingest"
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

func ptr[T any](v T) *T { return &v }

// handleUntilSettled processes jobs round-robin, requeueing failures, until
// every job has succeeded. It simulates retries in arbitrary order.
func handleUntilSettled(t *testing.T, p *ingest.Processor, jobs []queue.Job) {
	t.Helper()
	pending := jobs
	for round := 0; len(pending) > 0; round++ {
		require.Less(t, round, 10, "jobs did not converge")
		var failed []queue.Job
		for _, j := range pending {
			if err := p.Handle(context.Background(), j); err != nil {
				require.NotErrorIs(t, err, queue.ErrPermanent)
				failed = append(failed, j)
			}
		}
		pending = failed
	}
}

func TestEventsInReverseOrderConverge(t *testing.T) {
	p := ingest.NewProcessor(testDB, testutil.TestLogger())
	runID, stepID := "run-"+uuid.NewString(), "step-"+uuid.NewString()

	jobs := []queue.Job{
		newJob(t, model.JobCreateCandidatesBulk, model.CandidateBatch{
			StepID: stepID, RunID: runID,
			Candidates: []model.Candidate{
				{CandidateID: "B01", StepID: stepID, Decision: model.DecisionAccepted, Score: ptr(0.92)},
				{CandidateID: "B02", StepID: stepID, Decision: model.DecisionRejected, Reason: ptr("price")},
			},
		}),
		newJob(t, model.JobUpdateStepSummary, model.SummaryWrite{
			StepID: stepID, RunID: runID, InputCount: ptr(2), OutputCount: ptr(1),
			RejectionBreakdown: map[string]int{"price": 1},
		}),
		newJob(t, model.JobUpdateRun, model.RunEnd{RunID: runID, Status: model.RunStatusSuccess}),
		newJob(t, model.JobCreateStep, model.StepWrite{
			Step: model.Step{ID: stepID, RunID: runID, Name: "filter_by_price", Type: model.StepTypeFilter},
		}),
		newJob(t, model.JobCreateRun, model.Run{ID: runID, PipelineName: "competitor-selection", Status: model.RunStatusRunning}),
	}

	handleUntilSettled(t, p, jobs)
	// At-least-once: the whole stream is delivered again.
	handleUntilSettled(t, p, jobs)

	ctx := context.Background()
	run, err := testDB.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, "competitor-selection", run.PipelineName)
	assert.Equal(t, model.RunStatusSuccess, run.Status)
	assert.False(t, run.Placeholder)

	step, err := testDB.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.Equal(t, "filter_by_price", step.Name)
	assert.Equal(t, model.StepTypeFilter, step.Type)
	assert.False(t, step.Placeholder)
	require.NotNil(t, step.Summary)
	assert.Equal(t, 1, step.Summary.Rejected)
	assert.Equal(t, 1, step.Summary.Accepted)

	cs, err := testDB.ListCandidates(ctx, stepID)
	require.NoError(t, err)
	assert.Len(t, cs, 2)
}

func TestSummaryBeforeAnyParentFailsThenSucceeds(t *testing.T) {
	ctx := context.Background()
	p := ingest.NewProcessor(testDB, testutil.TestLogger())
	runID, stepID := "run-"+uuid.NewString(), "step-"+uuid.NewString()

	summary := newJob(t, model.JobUpdateStepSummary, model.SummaryWrite{StepID: stepID, RunID: runID, OutputCount: ptr(3)})
	err := p.Handle(ctx, summary)
	require.Error(t, err)
	assert.ErrorIs(t, err, storage.ErrIntegrity, "the run is missing so the placeholder step cannot exist yet")

	require.NoError(t, p.Handle(ctx, newJob(t, model.JobCreateRun, model.Run{ID: runID, PipelineName: "p"})))
	require.NoError(t, p.Handle(ctx, summary), "retry succeeds once the run exists")

	step, err := testDB.GetStep(ctx, stepID)
	require.NoError(t, err)
	assert.True(t, step.Placeholder)
	require.NotNil(t, step.Summary)
	assert.Equal(t, 3, step.Summary.Accepted)
}
