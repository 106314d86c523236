package model

import (
	"encoding/json"
	"time"
)

// JobType names a unit of deferred write work. Each type carries exactly the
// payload of one write-protocol operation.
type JobType string

const (
	JobCreateRun            JobType = "create-run"
	JobUpdateRun            JobType = "update-run"
	JobCreateStep           JobType = "create-step"
	JobUpdateStepSummary    JobType = "update-step-summary"
	JobCreateCandidate      JobType = "create-candidate"
	JobCreateCandidatesBulk JobType = "create-candidates-bulk"
)

// JobTypes lists every job type the worker knows how to process.
var JobTypes = []JobType{
	JobCreateRun,
	JobUpdateRun,
	JobCreateStep,
	JobUpdateStepSummary,
	JobCreateCandidate,
	JobCreateCandidatesBulk,
}

// RunEnd is the payload of an update-run job.
type RunEnd struct {
	RunID   string    `json:"run_id"`
	Status  RunStatus `json:"status"`
	EndedAt time.Time `json:"ended_at"`
}

// StepWrite is the payload of a create-step job. PipelineHint names the
// pipeline for a placeholder run if the step's run has not been written yet.
type StepWrite struct {
	Step         Step   `json:"step"`
	PipelineHint string `json:"pipeline_hint,omitempty"`
}

// SummaryWrite is the payload of an update-step-summary job. RunID, when
// present, lets the worker create a placeholder step ahead of the summary.
type SummaryWrite struct {
	StepID             string          `json:"step_id"`
	RunID              string          `json:"run_id,omitempty"`
	InputCount         *int            `json:"input_count,omitempty"`
	OutputCount        *int            `json:"output_count,omitempty"`
	RejectionBreakdown map[string]int  `json:"rejection_breakdown,omitempty"`
	Metadata           json.RawMessage `json:"metadata,omitempty"`
}

// CandidateWrite is the payload of a create-candidate job.
type CandidateWrite struct {
	Candidate Candidate `json:"candidate"`
	RunID     string    `json:"run_id,omitempty"`
}

// CandidateBatch is the payload of a create-candidates-bulk job. Every
// candidate belongs to StepID.
type CandidateBatch struct {
	StepID     string      `json:"step_id"`
	RunID      string      `json:"run_id,omitempty"`
	Candidates []Candidate `json:"candidates"`
}
