package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/xray/internal/model"
)

const (
	txRetries   = 3
	txBaseDelay = 20 * time.Millisecond
)

// UpsertStepSummary replaces the summary of a step and, in the same
// transaction, updates the step's counts and metadata where supplied.
//
// Summaries are complete snapshots: the last processed write wins and
// breakdowns are never merged. If the step does not exist the write fails
// with ErrIntegrity and is expected to be retried.
func (db *DB) UpsertStepSummary(ctx context.Context, w model.SummaryWrite) error {
	rejected, accepted := model.ComputeSummary(w.RejectionBreakdown, w.InputCount, w.OutputCount)
	breakdown := w.RejectionBreakdown
	if breakdown == nil {
		breakdown = map[string]int{}
	}
	bd, err := json.Marshal(breakdown)
	if err != nil {
		return fmt.Errorf("storage: encode rejection breakdown: %w", err)
	}

	err = WithRetry(ctx, txRetries, txBaseDelay, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`INSERT INTO step_summaries (step_id, rejected, accepted, rejection_breakdown)
				 VALUES ($1, $2, $3, $4)
				 ON CONFLICT (step_id) DO UPDATE SET
				   rejected            = EXCLUDED.rejected,
				   accepted            = EXCLUDED.accepted,
				   rejection_breakdown = EXCLUDED.rejection_breakdown,
				   updated_at          = now()`,
				w.StepID, rejected, accepted, string(bd),
			); err != nil {
				return err
			}
			if w.InputCount == nil && w.OutputCount == nil && len(w.Metadata) == 0 {
				return nil
			}
			_, err := tx.Exec(ctx,
				`UPDATE steps SET
				   input_count  = COALESCE($2, input_count),
				   output_count = COALESCE($3, output_count),
				   metadata     = COALESCE($4, metadata),
				   updated_at   = now()
				 WHERE id = $1`,
				w.StepID, w.InputCount, w.OutputCount, jsonArg(w.Metadata),
			)
			return err
		})
	})
	if err != nil {
		return fmt.Errorf("storage: upsert step summary %s: %w", w.StepID, classify(err))
	}
	return nil
}

func decodeBreakdown(raw []byte) (map[string]int, error) {
	bd := map[string]int{}
	if len(raw) == 0 {
		return bd, nil
	}
	if err := json.Unmarshal(raw, &bd); err != nil {
		return nil, fmt.Errorf("storage: decode rejection breakdown: %w", err)
	}
	return bd, nil
}
