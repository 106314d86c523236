package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/xray/internal/model"
)

const stepWithSummaryColumns = `s.id, s.run_id, s.name, s.type, s.input_count, s.output_count, s.metadata,
	s.placeholder, s.created_at, s.updated_at,
	ss.step_id, ss.rejected, ss.accepted, ss.rejection_breakdown, ss.updated_at`

// UpsertStep writes the authoritative record of a step. On conflict it
// replaces run, name and type, clears the placeholder flag, and keeps the
// existing counts and metadata wherever this write leaves them unset.
func (db *DB) UpsertStep(ctx context.Context, step model.Step) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO steps (id, run_id, name, type, input_count, output_count, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   run_id       = EXCLUDED.run_id,
		   name         = EXCLUDED.name,
		   type         = EXCLUDED.type,
		   input_count  = COALESCE(EXCLUDED.input_count, steps.input_count),
		   output_count = COALESCE(EXCLUDED.output_count, steps.output_count),
		   metadata     = COALESCE(EXCLUDED.metadata, steps.metadata),
		   placeholder  = false,
		   updated_at   = now()`,
		step.ID, step.RunID, step.Name, string(step.Type), step.InputCount, step.OutputCount, jsonArg(step.Metadata),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert step %s: %w", step.ID, classify(err))
	}
	return nil
}

// EnsureStepExists inserts a placeholder step under runID if none exists
// with stepID. If the run itself is missing the foreign key rejects the
// insert; that is expected during delivery races and is swallowed.
func (db *DB) EnsureStepExists(ctx context.Context, stepID, runID string) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO steps (id, run_id, name, type, placeholder)
		 VALUES ($1, $2, $3, $4, true)
		 ON CONFLICT (id) DO NOTHING`,
		stepID, runID, model.PlaceholderStepName, string(model.StepTypeGenerate),
	)
	switch {
	case err != nil && IsIntegrityViolation(err):
		db.logger.Debug("storage: placeholder step skipped, run not written yet",
			"step_id", stepID, "run_id", runID)
	case err != nil:
		db.logger.Warn("storage: ensure step exists", "step_id", stepID, "run_id", runID, "error", err)
	case tag.RowsAffected() > 0:
		db.logger.Debug("storage: created placeholder step", "step_id", stepID, "run_id", runID)
	}
}

// GetStep returns a step with its summary (if any).
func (db *DB) GetStep(ctx context.Context, id string) (model.StepWithSummary, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+stepWithSummaryColumns+`
		 FROM steps s LEFT JOIN step_summaries ss ON ss.step_id = s.id
		 WHERE s.id = $1`, id)
	step, err := scanStepWithSummary(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.StepWithSummary{}, fmt.Errorf("storage: step %s: %w", id, ErrNotFound)
		}
		return model.StepWithSummary{}, fmt.Errorf("storage: get step: %w", classify(err))
	}
	return step, nil
}

// ListSteps returns steps (with summaries) matching the filter, in creation
// order.
func (db *DB) ListSteps(ctx context.Context, f model.StepFilter) ([]model.StepWithSummary, error) {
	q := psql.Select(stepWithSummaryColumns).
		From("steps s").
		LeftJoin("step_summaries ss ON ss.step_id = s.id").
		OrderBy("s.created_at", "s.id")
	if f.RunID != "" {
		q = q.Where(sq.Eq{"s.run_id": f.RunID})
	}
	if f.Type != "" {
		q = q.Where(sq.Eq{"s.type": string(f.Type)})
	}
	if f.Name != "" {
		q = q.Where(sq.Eq{"s.name": f.Name})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("storage: build list steps: %w", err)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", classify(err))
	}
	defer rows.Close()

	steps := []model.StepWithSummary{}
	for rows.Next() {
		s, err := scanStepWithSummary(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan step: %w", err)
		}
		steps = append(steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list steps: %w", classify(err))
	}
	return steps, nil
}

func scanStepWithSummary(row pgx.Row) (model.StepWithSummary, error) {
	var (
		s          model.StepWithSummary
		stepType   string
		metadata   []byte
		sumStepID  *string
		rejected   *int
		accepted   *int
		breakdown  []byte
		sumUpdated *time.Time
	)
	if err := row.Scan(&s.ID, &s.RunID, &s.Name, &stepType, &s.InputCount, &s.OutputCount, &metadata,
		&s.Placeholder, &s.CreatedAt, &s.UpdatedAt,
		&sumStepID, &rejected, &accepted, &breakdown, &sumUpdated); err != nil {
		return model.StepWithSummary{}, err
	}
	s.Type = model.StepType(stepType)
	s.Metadata = json.RawMessage(metadata)
	if sumStepID != nil {
		bd, err := decodeBreakdown(breakdown)
		if err != nil {
			return model.StepWithSummary{}, err
		}
		s.Summary = &model.StepSummary{
			StepID:             *sumStepID,
			Rejected:           deref(rejected),
			Accepted:           deref(accepted),
			RejectionBreakdown: bd,
		}
		if sumUpdated != nil {
			s.Summary.UpdatedAt = *sumUpdated
		}
	}
	return s, nil
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
