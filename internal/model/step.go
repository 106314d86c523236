package model

import (
	"encoding/json"
	"time"
)

// StepType classifies what a step does to its candidate set.
type StepType string

const (
	StepTypeGenerate StepType = "generate"
	StepTypeFilter   StepType = "filter"
	StepTypeRank     StepType = "rank"
	StepTypeSelect   StepType = "select"
)

// Valid reports whether t is one of the known step types.
func (t StepType) Valid() bool {
	switch t {
	case StepTypeGenerate, StepTypeFilter, StepTypeRank, StepTypeSelect:
		return true
	}
	return false
}

// PlaceholderStepName is the name given to steps auto-created by a summary or
// candidate event that arrived before the step's own create event.
const PlaceholderStepName = "placeholder"

// Step is one stage within a run.
type Step struct {
	ID          string          `json:"id"`
	RunID       string          `json:"run_id"`
	Name        string          `json:"name"`
	Type        StepType        `json:"type"`
	InputCount  *int            `json:"input_count,omitempty"`
	OutputCount *int            `json:"output_count,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
	Placeholder bool            `json:"placeholder"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// StepSummary is the aggregate outcome of a step. At most one per step.
type StepSummary struct {
	StepID             string         `json:"step_id"`
	Rejected           int            `json:"rejected"`
	Accepted           int            `json:"accepted"`
	RejectionBreakdown map[string]int `json:"rejection_breakdown"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

// StepWithSummary pairs a step with its summary, if one has been recorded.
type StepWithSummary struct {
	Step
	Summary *StepSummary `json:"summary,omitempty"`
}

// StepDetail is a step with its summary and candidates, as returned by
// GET /v1/steps/{id}.
type StepDetail struct {
	StepWithSummary
	Candidates []Candidate `json:"candidates"`
}

// StepFilter narrows ListSteps.
type StepFilter struct {
	RunID string
	Type  StepType
	Name  string
	Limit int
}

// Decision is the fate of a single candidate at a step.
type Decision string

const (
	DecisionAccepted Decision = "accepted"
	DecisionRejected Decision = "rejected"
)

// Candidate is one item evaluated at a step, keyed by (CandidateID, StepID).
type Candidate struct {
	CandidateID string    `json:"candidate_id"`
	StepID      string    `json:"step_id"`
	Decision    Decision  `json:"decision"`
	Score       *float64  `json:"score,omitempty"`
	Reason      *string   `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// HighRejectionStep is one row of the cross-pipeline rejection-rate query.
type HighRejectionStep struct {
	StepID             string         `json:"step_id"`
	StepName           string         `json:"step_name"`
	RunID              string         `json:"run_id"`
	PipelineName       string         `json:"pipeline_name"`
	InputCount         *int           `json:"input_count,omitempty"`
	OutputCount        *int           `json:"output_count,omitempty"`
	Rejected           int            `json:"rejected"`
	Accepted           int            `json:"accepted"`
	RejectionRate      float64        `json:"rejection_rate"`
	RejectionBreakdown map[string]int `json:"rejection_breakdown"`
}
