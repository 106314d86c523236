package model

import (
	"encoding/json"
	"time"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for list endpoints.
type ListResponse struct {
	Data  any          `json:"data"`
	Count int          `json:"count"`
	Limit int          `json:"limit"`
	Meta  ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput       = "INVALID_INPUT"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeRateLimited        = "RATE_LIMITED"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AcceptedResponse is returned by every write endpoint. It means the event
// was durably queued, not that it has been applied.
type AcceptedResponse struct {
	JobID   string  `json:"job_id"`
	JobType JobType `json:"job_type"`
	Status  string  `json:"status"`
}

// CreateRunRequest is the request body for POST /v1/runs.
type CreateRunRequest struct {
	ID           string          `json:"id" validate:"required,max=256"`
	PipelineName string          `json:"pipeline_name" validate:"required,max=256"`
	Input        json.RawMessage `json:"input,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Status       RunStatus       `json:"status,omitempty" validate:"omitempty,oneof=running success error"`
}

// ToRun converts the request into the run written by the create-run job.
// Missing timestamps and status are filled from now.
func (r CreateRunRequest) ToRun(now time.Time) Run {
	run := Run{
		ID:           r.ID,
		PipelineName: r.PipelineName,
		Input:        r.Input,
		StartedAt:    now,
		EndedAt:      r.EndedAt,
		Status:       r.Status,
	}
	if r.StartedAt != nil {
		run.StartedAt = *r.StartedAt
	}
	if run.Status == "" {
		run.Status = RunStatusRunning
	}
	return run
}

// EndRunRequest is the request body for POST /v1/runs/{run_id}/end.
type EndRunRequest struct {
	Status  RunStatus  `json:"status" validate:"required,oneof=success error"`
	EndedAt *time.Time `json:"ended_at,omitempty"`
}

// CreateStepRequest is the request body for POST /v1/steps.
type CreateStepRequest struct {
	ID           string          `json:"id" validate:"required,max=256"`
	RunID        string          `json:"run_id" validate:"required,max=256"`
	Name         string          `json:"name" validate:"required,max=256"`
	Type         StepType        `json:"type" validate:"required,oneof=generate filter rank select"`
	InputCount   *int            `json:"input_count,omitempty" validate:"omitempty,min=0,max=2147483647"`
	OutputCount  *int            `json:"output_count,omitempty" validate:"omitempty,min=0,max=2147483647"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	PipelineName string          `json:"pipeline_name,omitempty" validate:"max=256"`
}

// ToStepWrite converts the request into a create-step job payload.
func (r CreateStepRequest) ToStepWrite() StepWrite {
	return StepWrite{
		Step: Step{
			ID:          r.ID,
			RunID:       r.RunID,
			Name:        r.Name,
			Type:        r.Type,
			InputCount:  r.InputCount,
			OutputCount: r.OutputCount,
			Metadata:    r.Metadata,
		},
		PipelineHint: r.PipelineName,
	}
}

// StepSummaryRequest is the request body for POST /v1/steps/{step_id}/summary.
type StepSummaryRequest struct {
	RunID              string          `json:"run_id,omitempty" validate:"max=256"`
	InputCount         *int            `json:"input_count,omitempty" validate:"omitempty,min=0,max=2147483647"`
	OutputCount        *int            `json:"output_count,omitempty" validate:"omitempty,min=0,max=2147483647"`
	RejectionBreakdown map[string]int  `json:"rejection_breakdown,omitempty" validate:"omitempty,dive,keys,required,max=256,endkeys,min=0,max=2147483647"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
}

// ToSummaryWrite converts the request into an update-step-summary job payload.
func (r StepSummaryRequest) ToSummaryWrite(stepID string) SummaryWrite {
	return SummaryWrite{
		StepID:             stepID,
		RunID:              r.RunID,
		InputCount:         r.InputCount,
		OutputCount:        r.OutputCount,
		RejectionBreakdown: r.RejectionBreakdown,
		Metadata:           r.Metadata,
	}
}

// CandidateInput is a single candidate in a create or bulk request.
type CandidateInput struct {
	CandidateID string   `json:"candidate_id" validate:"required,max=256"`
	Decision    Decision `json:"decision" validate:"required,oneof=accepted rejected"`
	Score       *float64 `json:"score,omitempty"`
	Reason      *string  `json:"reason,omitempty" validate:"omitempty,max=4096"`
}

// ToCandidate attaches the input to stepID.
func (c CandidateInput) ToCandidate(stepID string) Candidate {
	return Candidate{
		CandidateID: c.CandidateID,
		StepID:      stepID,
		Decision:    c.Decision,
		Score:       c.Score,
		Reason:      c.Reason,
	}
}

// CreateCandidateRequest is the request body for POST /v1/steps/{step_id}/candidates.
type CreateCandidateRequest struct {
	CandidateInput
	RunID string `json:"run_id,omitempty" validate:"max=256"`
}

// MaxBulkCandidates bounds a single bulk candidate request.
const MaxBulkCandidates = 10000

// CreateCandidatesBulkRequest is the request body for
// POST /v1/steps/{step_id}/candidates/bulk. One invalid entry rejects the
// whole request.
type CreateCandidatesBulkRequest struct {
	RunID      string           `json:"run_id,omitempty" validate:"max=256"`
	Candidates []CandidateInput `json:"candidates" validate:"required,min=1,max=10000,dive"`
}

// ToCandidateBatch converts the request into a create-candidates-bulk job payload.
func (r CreateCandidatesBulkRequest) ToCandidateBatch(stepID string) CandidateBatch {
	cs := make([]Candidate, len(r.Candidates))
	for i, in := range r.Candidates {
		cs[i] = in.ToCandidate(stepID)
	}
	return CandidateBatch{StepID: stepID, RunID: r.RunID, Candidates: cs}
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	Postgres   string         `json:"postgres"`
	Queue      string         `json:"queue"`
	QueueDepth map[string]int `json:"queue_depth,omitempty"`
	Uptime     int64          `json:"uptime_seconds"`
}
