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

const runColumns = "id, pipeline_name, input, started_at, ended_at, status, placeholder, created_at, updated_at"

// UpsertRun writes the authoritative record of a run.
//
// On conflict only status and ended_at change, unless the existing row is a
// placeholder, in which case pipeline_name, input and started_at are taken
// from this write as well. Once the stored status is terminal it and
// ended_at are kept: the first terminal status wins.
func (db *DB) UpsertRun(ctx context.Context, run model.Run) error {
	if run.Status == "" {
		run.Status = model.RunStatusRunning
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, pipeline_name, input, started_at, ended_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET
		   pipeline_name = CASE WHEN runs.placeholder THEN EXCLUDED.pipeline_name ELSE runs.pipeline_name END,
		   input         = CASE WHEN runs.placeholder THEN EXCLUDED.input ELSE runs.input END,
		   started_at    = CASE WHEN runs.placeholder THEN EXCLUDED.started_at ELSE runs.started_at END,
		   ended_at      = CASE WHEN runs.status <> 'running' THEN runs.ended_at
		                        ELSE COALESCE(EXCLUDED.ended_at, runs.ended_at) END,
		   status        = CASE WHEN runs.status <> 'running' THEN runs.status ELSE EXCLUDED.status END,
		   placeholder   = false,
		   updated_at    = now()`,
		run.ID, run.PipelineName, jsonArg(run.Input), run.StartedAt, run.EndedAt, string(run.Status),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert run %s: %w", run.ID, classify(err))
	}
	return nil
}

// EnsureRunExists inserts a placeholder run if none exists with runID.
// It never fails: errors are logged and left for the caller's real write to
// surface.
func (db *DB) EnsureRunExists(ctx context.Context, runID, pipelineHint string) {
	if pipelineHint == "" {
		pipelineHint = model.PlaceholderPipeline
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, pipeline_name, input, status, placeholder)
		 VALUES ($1, $2, $3, 'running', true)
		 ON CONFLICT (id) DO NOTHING`,
		runID, pipelineHint, string(model.PlaceholderInput),
	)
	if err != nil {
		db.logger.Warn("storage: ensure run exists", "run_id", runID, "error", err)
		return
	}
	if tag.RowsAffected() > 0 {
		db.logger.Debug("storage: created placeholder run", "run_id", runID)
	}
}

// EndRun records the terminal status of a run, creating a placeholder run
// carrying that status if the run has not been written yet. A run that is
// already terminal keeps its status and ended_at.
func (db *DB) EndRun(ctx context.Context, end model.RunEnd) error {
	if !end.Status.IsTerminal() {
		return fmt.Errorf("storage: end run %s: status %q is not terminal", end.RunID, end.Status)
	}
	if end.EndedAt.IsZero() {
		end.EndedAt = time.Now().UTC()
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, pipeline_name, input, status, ended_at, placeholder)
		 VALUES ($1, $2, $3, $4, $5, true)
		 ON CONFLICT (id) DO UPDATE SET
		   status     = CASE WHEN runs.status <> 'running' THEN runs.status ELSE EXCLUDED.status END,
		   ended_at   = CASE WHEN runs.status <> 'running' THEN runs.ended_at ELSE EXCLUDED.ended_at END,
		   updated_at = now()`,
		end.RunID, model.PlaceholderPipeline, string(model.PlaceholderInput), string(end.Status), end.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: end run %s: %w", end.RunID, classify(err))
	}
	return nil
}

// GetRun returns a single run by ID.
func (db *DB) GetRun(ctx context.Context, id string) (model.Run, error) {
	row := db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.Run{}, fmt.Errorf("storage: get run: %w", classify(err))
	}
	return run, nil
}

// ListRuns returns runs matching the filter, newest first.
func (db *DB) ListRuns(ctx context.Context, f model.RunFilter) ([]model.Run, error) {
	q := psql.Select(runColumns).From("runs").OrderBy("started_at DESC", "id")
	if f.PipelineName != "" {
		q = q.Where(sq.Eq{"pipeline_name": f.PipelineName})
	}
	if f.Status != "" {
		q = q.Where(sq.Eq{"status": string(f.Status)})
	}
	if f.Limit > 0 {
		q = q.Limit(uint64(f.Limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("storage: build list runs: %w", err)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", classify(err))
	}
	defer rows.Close()

	runs := []model.Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", classify(err))
	}
	return runs, nil
}

func scanRun(row pgx.Row) (model.Run, error) {
	var (
		r      model.Run
		input  []byte
		status string
	)
	if err := row.Scan(&r.ID, &r.PipelineName, &input, &r.StartedAt, &r.EndedAt, &status,
		&r.Placeholder, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return model.Run{}, err
	}
	r.Input = json.RawMessage(input)
	r.Status = model.RunStatus(status)
	return r, nil
}

// jsonArg passes an opaque JSON document to a JSONB parameter, mapping an
// empty document to NULL.
func jsonArg(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
