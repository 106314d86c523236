// Package query serves the read side: run and step lookups and the
// cross-pipeline high-rejection query. The HTTP API and the MCP server both
// delegate here.
package query

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/ashita-ai/xray/internal/model"
	"github.com/ashita-ai/xray/internal/telemetry"
)

const (
	// DefaultLimit applies when a caller gives no limit.
	DefaultLimit = 100
	// MaxLimit caps every list and query result.
	MaxLimit = 1000

	queryTimeout = 30 * time.Second
)

// Store is the subset of storage.DB the read side needs.
type Store interface {
	HighRejectionSteps(ctx context.Context, threshold float64, limit int) ([]model.HighRejectionStep, error)
	GetRun(ctx context.Context, id string) (model.Run, error)
	ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, error)
	GetStep(ctx context.Context, id string) (model.StepWithSummary, error)
	ListSteps(ctx context.Context, f model.StepFilter) ([]model.StepWithSummary, error)
	ListCandidates(ctx context.Context, stepID string) ([]model.Candidate, error)
}

// Service answers read queries.
type Service struct {
	store  Store
	logger *slog.Logger
	tracer trace.Tracer

	highRejection singleflight.Group
	duration      metric.Float64Histogram
}

// New creates a query Service.
func New(store Store, logger *slog.Logger) *Service {
	dur, _ := telemetry.Meter("xray/query").Float64Histogram("xray.query.duration",
		metric.WithDescription("Time to execute read queries (ms)"),
		metric.WithUnit("ms"),
	)
	return &Service{
		store:    store,
		logger:   logger,
		tracer:   telemetry.Tracer("xray/query"),
		duration: dur,
	}
}

// ClampLimit maps a requested limit onto [1, MaxLimit], using DefaultLimit
// for zero or negative values.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLimit
	case limit > MaxLimit:
		return MaxLimit
	}
	return limit
}

// HighRejectionSteps returns filter steps across all pipelines whose
// rejection rate exceeds threshold. Identical concurrent calls share one
// database query, so the returned slice must be treated as read-only.
func (s *Service) HighRejectionSteps(ctx context.Context, threshold float64, limit int) ([]model.HighRejectionStep, error) {
	if err := model.ValidateThreshold(threshold); err != nil {
		return nil, err
	}
	limit = ClampLimit(limit)

	ctx, span := s.tracer.Start(ctx, "query.high_rejection", trace.WithAttributes(
		attribute.Float64("xray.threshold", threshold),
		attribute.Int("xray.limit", limit),
	))
	defer span.End()
	defer s.observe(ctx, "high_rejection", time.Now())

	key := fmt.Sprintf("%g/%d", threshold, limit)
	// The shared call must not inherit one caller's cancellation.
	v, err, shared := s.highRejection.Do(key, func() (any, error) {
		qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), queryTimeout)
		defer cancel()
		return s.store.HighRejectionSteps(qctx, threshold, limit)
	})
	span.SetAttributes(attribute.Bool("xray.shared", shared))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return v.([]model.HighRejectionStep), nil
}

// GetRun returns a run with its steps and their summaries.
func (s *Service) GetRun(ctx context.Context, id string) (model.RunDetail, error) {
	defer s.observe(ctx, "get_run", time.Now())
	run, err := s.store.GetRun(ctx, id)
	if err != nil {
		return model.RunDetail{}, err
	}
	steps, err := s.store.ListSteps(ctx, model.StepFilter{RunID: id})
	if err != nil {
		return model.RunDetail{}, err
	}
	return model.RunDetail{Run: run, Steps: steps}, nil
}

// ListRuns returns runs matching f, newest first.
func (s *Service) ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, error) {
	defer s.observe(ctx, "list_runs", time.Now())
	f.Limit = ClampLimit(f.Limit)
	return s.store.ListRuns(ctx, f)
}

// GetStep returns a step with its summary and candidates.
func (s *Service) GetStep(ctx context.Context, id string) (model.StepDetail, error) {
	defer s.observe(ctx, "get_step", time.Now())
	step, err := s.store.GetStep(ctx, id)
	if err != nil {
		return model.StepDetail{}, err
	}
	candidates, err := s.store.ListCandidates(ctx, id)
	if err != nil {
		return model.StepDetail{}, err
	}
	return model.StepDetail{StepWithSummary: step, Candidates: candidates}, nil
}

// ListSteps returns steps matching f in creation order.
func (s *Service) ListSteps(ctx context.Context, f model.StepFilter) ([]model.StepWithSummary, error) {
	defer s.observe(ctx, "list_steps", time.Now())
	f.Limit = ClampLimit(f.Limit)
	return s.store.ListSteps(ctx, f)
}

func (s *Service) observe(ctx context.Context, op string, start time.Time) {
	s.duration.Record(ctx, float64(time.Since(start).Milliseconds()),
		metric.WithAttributes(attribute.String("op", op)))
}
