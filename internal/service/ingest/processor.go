// Package ingest applies queued write events to the store.
//
// Each job type maps to one operation of the idempotent write protocol.
// Child writes first ensure their parent exists (as a placeholder if need
// be), so events may be processed in any order and any number of times.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/queue"
	"github.com/ashita-ai/xray/internal/storage"
	"github.com/ashita-ai/xray/internal/telemetry"
)

// Store is the subset of storage.DB the processor writes through.
type Store interface {
	UpsertRun(ctx context.Context, run model.Run) error
	EnsureRunExists(ctx context.Context, runID, pipelineHint string)
	EndRun(ctx context.Context, end model.RunEnd) error
	UpsertStep(ctx context.Context, step model.Step) error
	EnsureStepExists(ctx context.Context, stepID, runID string)
	UpsertStepSummary(ctx context.Context, w model.SummaryWrite) error
	UpsertCandidate(ctx context.Context, c model.Candidate) error
	UpsertCandidatesBulk(ctx context.Context, stepID string, cs []model.Candidate) (int64, error)
}

// Processor dispatches jobs to the write protocol. It satisfies
// worker.Handler.
type Processor struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer
}

// NewProcessor creates a Processor writing to store.
func NewProcessor(store Store, logger *slog.Logger) *Processor {
	return &Processor{
		store:  store,
		logger: logger,
		tracer: telemetry.Tracer("xray/ingest"),
	}
}

// Handle applies one job. Errors wrapping queue.ErrPermanent mean the job
// can never succeed; any other error is worth retrying.
func (p *Processor) Handle(ctx context.Context, job queue.Job) error {
	ctx, span := p.tracer.Start(ctx, "ingest."+string(job.Type),
		trace.WithAttributes(
			attribute.String("xray.job_id", job.ID),
			attribute.Int("xray.job_attempt", job.Attempts),
		),
	)
	defer span.End()

	var err error
	switch job.Type {
	case model.JobCreateRun:
		err = p.createRun(ctx, job)
	case model.JobUpdateRun:
		err = p.updateRun(ctx, job)
	case model.JobCreateStep:
		err = p.createStep(ctx, job)
	case model.JobUpdateStepSummary:
		err = p.updateStepSummary(ctx, job)
	case model.JobCreateCandidate:
		err = p.createCandidate(ctx, job)
	case model.JobCreateCandidatesBulk:
		err = p.createCandidatesBulk(ctx, job)
	default:
		err = queue.Permanent(fmt.Errorf("unknown job type %q", job.Type))
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, storage.ErrInvalidData) && !errors.Is(err, queue.ErrPermanent) {
			err = queue.Permanent(err)
		}
		return fmt.Errorf("ingest: %s: %w", job.Type, err)
	}
	return nil
}

func (p *Processor) createRun(ctx context.Context, job queue.Job) error {
	var run model.Run
	if err := job.Decode(&run); err != nil {
		return err
	}
	if run.ID == "" {
		return queue.Permanent(fmt.Errorf("run id is empty"))
	}
	return p.store.UpsertRun(ctx, run)
}

func (p *Processor) updateRun(ctx context.Context, job queue.Job) error {
	var end model.RunEnd
	if err := job.Decode(&end); err != nil {
		return err
	}
	if end.RunID == "" || !end.Status.IsTerminal() {
		return queue.Permanent(fmt.Errorf("invalid run end for %q: status %q", end.RunID, end.Status))
	}
	return p.store.EndRun(ctx, end)
}

func (p *Processor) createStep(ctx context.Context, job queue.Job) error {
	var w model.StepWrite
	if err := job.Decode(&w); err != nil {
		return err
	}
	if w.Step.ID == "" || w.Step.RunID == "" || !w.Step.Type.Valid() {
		return queue.Permanent(fmt.Errorf("invalid step %q", w.Step.ID))
	}
	p.store.EnsureRunExists(ctx, w.Step.RunID, w.PipelineHint)
	return p.store.UpsertStep(ctx, w.Step)
}

func (p *Processor) updateStepSummary(ctx context.Context, job queue.Job) error {
	var w model.SummaryWrite
	if err := job.Decode(&w); err != nil {
		return err
	}
	if w.StepID == "" {
		return queue.Permanent(fmt.Errorf("step id is empty"))
	}
	if w.RunID != "" {
		p.store.EnsureStepExists(ctx, w.StepID, w.RunID)
	}
	return p.store.UpsertStepSummary(ctx, w)
}

func (p *Processor) createCandidate(ctx context.Context, job queue.Job) error {
	var w model.CandidateWrite
	if err := job.Decode(&w); err != nil {
		return err
	}
	if w.Candidate.CandidateID == "" || w.Candidate.StepID == "" {
		return queue.Permanent(fmt.Errorf("candidate %q at step %q is incomplete", w.Candidate.CandidateID, w.Candidate.StepID))
	}
	if w.RunID != "" {
		p.store.EnsureStepExists(ctx, w.Candidate.StepID, w.RunID)
	}
	return p.store.UpsertCandidate(ctx, w.Candidate)
}

func (p *Processor) createCandidatesBulk(ctx context.Context, job queue.Job) error {
	var b model.CandidateBatch
	if err := job.Decode(&b); err != nil {
		return err
	}
	if b.StepID == "" {
		return queue.Permanent(fmt.Errorf("step id is empty"))
	}
	if b.RunID != "" {
		p.store.EnsureStepExists(ctx, b.StepID, b.RunID)
	}
	n, err := p.store.UpsertCandidatesBulk(ctx, b.StepID, b.Candidates)
	if err != nil {
		return err
	}
	p.logger.Debug("ingest: candidates written", "step_id", b.StepID, "count", n, "job_id", job.ID)
	return nil
}
