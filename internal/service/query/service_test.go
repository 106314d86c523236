package query

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/xray/internal/model"
)

var errNotFound = errors.New("not found")

type fakeStore struct {
	highCalls atomic.Int32
	gate      chan struct{} // when set, HighRejectionSteps blocks until closed
	lastLimit atomic.Int64

	runs       map[string]model.Run
	steps      []model.StepWithSummary
	candidates map[string][]model.Candidate
	runFilter  model.RunFilter
	stepFilter model.StepFilter
}

func (f *fakeStore) HighRejectionSteps(_ context.Context, threshold float64, limit int) ([]model.HighRejectionStep, error) {
	f.highCalls.Add(1)
	f.lastLimit.Store(int64(limit))
	if f.gate != nil {
		<-f.gate
	}
	return []model.HighRejectionStep{{StepID: "s1", RejectionRate: threshold + 0.01}}, nil
}

func (f *fakeStore) GetRun(_ context.Context, id string) (model.Run, error) {
	r, ok := f.runs[id]
	if !ok {
		return model.Run{}, errNotFound
	}
	return r, nil
}

func (f *fakeStore) ListRuns(_ context.Context, rf model.RunFilter) ([]model.Run, error) {
	f.runFilter = rf
	return []model.Run{}, nil
}

func (f *fakeStore) GetStep(_ context.Context, id string) (model.StepWithSummary, error) {
	for _, s := range f.steps {
		if s.ID == id {
			return s, nil
		}
	}
	return model.StepWithSummary{}, errNotFound
}

func (f *fakeStore) ListSteps(_ context.Context, sf model.StepFilter) ([]model.StepWithSummary, error) {
	f.stepFilter = sf
	out := []model.StepWithSummary{}
	for _, s := range f.steps {
		if sf.RunID == "" || s.RunID == sf.RunID {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) ListCandidates(_ context.Context, stepID string) ([]model.Candidate, error) {
	return f.candidates[stepID], nil
}

func newService(store Store) *Service {
	return New(store, slog.New(slog.DiscardHandler))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultLimit, ClampLimit(0))
	assert.Equal(t, DefaultLimit, ClampLimit(-5))
	assert.Equal(t, 7, ClampLimit(7))
	assert.Equal(t, MaxLimit, ClampLimit(MaxLimit+1))
}

func TestHighRejectionRejectsBadThreshold(t *testing.T) {
	store := &fakeStore{}
	svc := newService(store)

	for _, th := range []float64{-0.1, 1.5} {
		_, err := svc.HighRejectionSteps(context.Background(), th, 10)
		var verr *model.ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "threshold", verr.Fields[0].Field)
	}
	assert.Zero(t, store.highCalls.Load())
}

func TestHighRejectionAppliesLimitDefaults(t *testing.T) {
	store := &fakeStore{}
	svc := newService(store)

	rows, err := svc.HighRejectionSteps(context.Background(), model.DefaultRejectionThreshold, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(DefaultLimit), store.lastLimit.Load())

	_, err = svc.HighRejectionSteps(context.Background(), 0, 5000)
	require.NoError(t, err)
	assert.Equal(t, int64(MaxLimit), store.lastLimit.Load())
}

func TestHighRejectionCoalescesConcurrentCalls(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	svc := newService(store)

	const n = 8
	var wg sync.WaitGroup
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rows, err := svc.HighRejectionSteps(context.Background(), 0.9, 100)
			assert.NoError(t, err)
			assert.Len(t, rows, 1)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(store.gate)
	wg.Wait()

	assert.Equal(t, int32(1), store.highCalls.Load())
}

func TestHighRejectionSharedCallSurvivesCallerCancel(t *testing.T) {
	store := &fakeStore{gate: make(chan struct{})}
	svc := newService(store)

	ctx, cancel := context.WithCancel(context.Background())
	first := make(chan error, 1)
	go func() {
		_, err := svc.HighRejectionSteps(ctx, 0.5, 10)
		first <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()

	second := make(chan error, 1)
	go func() {
		_, err := svc.HighRejectionSteps(context.Background(), 0.5, 10)
		second <- err
	}()
	time.Sleep(20 * time.Millisecond)
	close(store.gate)

	assert.NoError(t, <-first)
	assert.NoError(t, <-second)
}

func TestGetRunIncludesSteps(t *testing.T) {
	store := &fakeStore{
		runs: map[string]model.Run{"r1": {ID: "r1", PipelineName: "p"}},
		steps: []model.StepWithSummary{
			{Step: model.Step{ID: "s1", RunID: "r1"}},
			{Step: model.Step{ID: "s2", RunID: "r2"}},
		},
	}
	svc := newService(store)

	detail, err := svc.GetRun(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "p", detail.PipelineName)
	require.Len(t, detail.Steps, 1)
	assert.Equal(t, "s1", detail.Steps[0].ID)
	assert.Zero(t, store.stepFilter.Limit, "a run's steps are not truncated")

	_, err = svc.GetRun(context.Background(), "missing")
	assert.ErrorIs(t, err, errNotFound)
}

func TestGetStepIncludesCandidates(t *testing.T) {
	store := &fakeStore{
		steps: []model.StepWithSummary{{Step: model.Step{ID: "s1", RunID: "r1"}}},
		candidates: map[string][]model.Candidate{
			"s1": {{CandidateID: "c1", StepID: "s1", Decision: model.DecisionRejected}},
		},
	}
	svc := newService(store)

	detail, err := svc.GetStep(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, detail.Candidates, 1)
	assert.Equal(t, model.DecisionRejected, detail.Candidates[0].Decision)

	_, err = svc.GetStep(context.Background(), "nope")
	assert.ErrorIs(t, err, errNotFound)
}

func TestListClampsLimits(t *testing.T) {
	store := &fakeStore{}
	svc := newService(store)

	_, err := svc.ListRuns(context.Background(), model.RunFilter{PipelineName: "p", Limit: 0})
	require.NoError(t, err)
	assert.Equal(t, DefaultLimit, store.runFilter.Limit)
	assert.Equal(t, "p", store.runFilter.PipelineName)

	_, err = svc.ListSteps(context.Background(), model.StepFilter{Type: model.StepTypeFilter, Limit: 99999})
	require.NoError(t, err)
	assert.Equal(t, MaxLimit, store.stepFilter.Limit)
}
