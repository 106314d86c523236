package model_test

import (
	"encoding/json"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/xray/internal/model"
)

func fieldNames(t *testing.T, err error) []string {
	t.Helper()
	var verr *model.ValidationError
	require.ErrorAs(t, err, &verr)
	names := make([]string, len(verr.Fields))
	for i, f := range verr.Fields {
		names[i] = f.Field
	}
	return names
}

func TestValidator_CreateRun(t *testing.T) {
	v := model.NewValidator()

	ok := model.CreateRunRequest{ID: "run-1", PipelineName: "competitor-selection"}
	assert.NoError(t, v.Struct(ok))

	err := v.Struct(model.CreateRunRequest{})
	assert.ElementsMatch(t, []string{"id", "pipeline_name"}, fieldNames(t, err))

	bad := model.CreateRunRequest{ID: "r", PipelineName: "p", Status: "done"}
	assert.Equal(t, []string{"status"}, fieldNames(t, v.Struct(bad)))
}

func TestValidator_CreateStepRejectsUnknownType(t *testing.T) {
	v := model.NewValidator()
	req := model.CreateStepRequest{ID: "s1", RunID: "r1", Name: "filter_by_price", Type: "transform"}
	err := v.Struct(req)
	assert.Equal(t, []string{"type"}, fieldNames(t, err))
	assert.Contains(t, err.Error(), "type must be one of")
}

func TestValidator_NegativeCounts(t *testing.T) {
	v := model.NewValidator()
	req := model.StepSummaryRequest{
		InputCount:         ptr(-1),
		RejectionBreakdown: map[string]int{"price": -2},
	}
	names := fieldNames(t, v.Struct(req))
	assert.Contains(t, names, "input_count")
	assert.Len(t, names, 2)
}

func TestValidator_CountsFitStoredColumns(t *testing.T) {
	v := model.NewValidator()

	step := model.CreateStepRequest{ID: "s1", RunID: "r1", Name: "n", Type: model.StepTypeFilter, InputCount: ptr(math.MaxInt32 + 1)}
	assert.Equal(t, []string{"input_count"}, fieldNames(t, v.Struct(step)))

	summary := model.StepSummaryRequest{OutputCount: ptr(math.MaxInt32 + 1)}
	assert.Equal(t, []string{"output_count"}, fieldNames(t, v.Struct(summary)))

	summary = model.StepSummaryRequest{RejectionBreakdown: map[string]int{"price": math.MaxInt32 + 1}}
	assert.Contains(t, fieldNames(t, v.Struct(summary)), "rejection_breakdown[price]")

	// Each reason fits, but their sum would overflow the rejected count.
	summary = model.StepSummaryRequest{RejectionBreakdown: map[string]int{"price": math.MaxInt32, "rating": 1}}
	err := v.Struct(summary)
	assert.Equal(t, []string{"rejection_breakdown"}, fieldNames(t, err))
	assert.Contains(t, err.Error(), "must not exceed")

	// rejected plus accepted must fit too.
	summary = model.StepSummaryRequest{RejectionBreakdown: map[string]int{"price": math.MaxInt32 - 5}, OutputCount: ptr(10)}
	assert.Equal(t, []string{"rejection_breakdown"}, fieldNames(t, v.Struct(summary)))

	summary = model.StepSummaryRequest{RejectionBreakdown: map[string]int{"price": math.MaxInt32 - 10}, OutputCount: ptr(10)}
	assert.NoError(t, v.Struct(summary))
}

func TestValidator_EndRunRequiresTerminalStatus(t *testing.T) {
	v := model.NewValidator()
	assert.NoError(t, v.Struct(model.EndRunRequest{Status: model.RunStatusSuccess}))
	assert.Error(t, v.Struct(model.EndRunRequest{Status: model.RunStatusRunning}))
}

func TestValidator_CandidateEmbeddedFieldPath(t *testing.T) {
	v := model.NewValidator()
	err := v.Struct(model.CreateCandidateRequest{CandidateInput: model.CandidateInput{CandidateID: "c1", Decision: "maybe"}})
	assert.Equal(t, []string{"decision"}, fieldNames(t, err))
}

func TestValidator_BulkReportsOffendingIndex(t *testing.T) {
	v := model.NewValidator()
	req := model.CreateCandidatesBulkRequest{Candidates: []model.CandidateInput{
		{CandidateID: "a", Decision: model.DecisionAccepted},
		{CandidateID: "b", Decision: "unknown"},
		{Decision: model.DecisionRejected},
	}}
	names := fieldNames(t, v.Struct(req))
	assert.ElementsMatch(t, []string{"candidates[1].decision", "candidates[2].candidate_id"}, names)

	assert.Equal(t, []string{"candidates"}, fieldNames(t, v.Struct(model.CreateCandidatesBulkRequest{})))
}

func TestValidator_LongStrings(t *testing.T) {
	v := model.NewValidator()
	req := model.CreateRunRequest{ID: strings.Repeat("x", 257), PipelineName: "p"}
	err := v.Struct(req)
	assert.Contains(t, err.Error(), "at most 256 characters")
}

func TestValidateThreshold(t *testing.T) {
	assert.NoError(t, model.ValidateThreshold(0))
	assert.NoError(t, model.ValidateThreshold(0.9))
	assert.NoError(t, model.ValidateThreshold(1))
	assert.Error(t, model.ValidateThreshold(-0.1))
	assert.Error(t, model.ValidateThreshold(1.5))
	assert.Error(t, model.ValidateThreshold(math.NaN()))
}

func TestCreateRunRequest_ToRunDefaults(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	run := model.CreateRunRequest{ID: "r", PipelineName: "p", Input: json.RawMessage(`{"q":1}`)}.ToRun(now)
	assert.Equal(t, now, run.StartedAt)
	assert.Equal(t, model.RunStatusRunning, run.Status)
	assert.JSONEq(t, `{"q":1}`, string(run.Input))
}

func TestCreateCandidatesBulkRequest_ToCandidateBatch(t *testing.T) {
	req := model.CreateCandidatesBulkRequest{RunID: "r1", Candidates: []model.CandidateInput{
		{CandidateID: "a", Decision: model.DecisionAccepted, Score: ptr(0.5)},
		{CandidateID: "b", Decision: model.DecisionRejected, Reason: ptr("too expensive")},
	}}
	batch := req.ToCandidateBatch("s1")
	assert.Equal(t, "s1", batch.StepID)
	assert.Equal(t, "r1", batch.RunID)
	require.Len(t, batch.Candidates, 2)
	for _, c := range batch.Candidates {
		assert.Equal(t, "s1", c.StepID)
	}
}
