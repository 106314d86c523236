// Package model defines the domain types for xray: runs, steps, step
// summaries and candidates, the job payloads that carry them through the
// queue, and the HTTP request/response envelopes.
package model

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusError   RunStatus = "error"
)

// IsTerminal reports whether the status can no longer change.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusError
}

// PlaceholderPipeline is the pipeline name given to runs created by a child
// event before the run's own create event has been processed.
const PlaceholderPipeline = "unknown"

// PlaceholderInput marks the input of an auto-created run.
var PlaceholderInput = json.RawMessage(`{"_auto_created":true}`)

// Run is one end-to-end execution of a pipeline.
type Run struct {
	ID           string          `json:"id"`
	PipelineName string          `json:"pipeline_name"`
	Input        json.RawMessage `json:"input,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	EndedAt      *time.Time      `json:"ended_at,omitempty"`
	Status       RunStatus       `json:"status"`
	Placeholder  bool            `json:"placeholder"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// RunDetail is a run together with its steps, as returned by GET /v1/runs/{id}.
type RunDetail struct {
	Run
	Steps []StepWithSummary `json:"steps"`
}

// RunFilter narrows ListRuns.
type RunFilter struct {
	PipelineName string
	Status       RunStatus
	Limit        int
}
