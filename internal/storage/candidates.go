package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/xray/internal/model"
)

// UpsertCandidate writes a candidate decision. A repeat write for the same
// (candidate_id, step_id) replaces decision, score and reason.
func (db *DB) UpsertCandidate(ctx context.Context, c model.Candidate) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO candidates (candidate_id, step_id, decision, score, reason)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (candidate_id, step_id) DO UPDATE SET
		   decision   = EXCLUDED.decision,
		   score      = EXCLUDED.score,
		   reason     = EXCLUDED.reason,
		   updated_at = now()`,
		c.CandidateID, c.StepID, string(c.Decision), c.Score, c.Reason,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert candidate %s/%s: %w", c.StepID, c.CandidateID, classify(err))
	}
	return nil
}

// UpsertCandidatesBulk writes a batch of candidates for one step in a single
// transaction: either every candidate is applied or none is. Repeated
// candidate IDs within the batch collapse to their last occurrence.
func (db *DB) UpsertCandidatesBulk(ctx context.Context, stepID string, candidates []model.Candidate) (int64, error) {
	batch := dedupeCandidates(candidates)
	if len(batch) == 0 {
		return 0, nil
	}

	rows := make([][]any, len(batch))
	for i, c := range batch {
		rows[i] = []any{c.CandidateID, stepID, string(c.Decision), c.Score, c.Reason}
	}
	columns := []string{"candidate_id", "step_id", "decision", "score", "reason"}

	var applied int64
	err := WithRetry(ctx, txRetries, txBaseDelay, func() error {
		return pgx.BeginFunc(ctx, db.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx,
				`CREATE TEMP TABLE _candidate_batch (
				   candidate_id TEXT NOT NULL,
				   step_id      TEXT NOT NULL,
				   decision     TEXT NOT NULL,
				   score        DOUBLE PRECISION,
				   reason       TEXT
				 ) ON COMMIT DROP`,
			); err != nil {
				return fmt.Errorf("create temp table: %w", err)
			}
			if _, err := tx.CopyFrom(ctx, pgx.Identifier{"_candidate_batch"}, columns, pgx.CopyFromRows(rows)); err != nil {
				return fmt.Errorf("copy into temp table: %w", err)
			}
			tag, err := tx.Exec(ctx,
				`INSERT INTO candidates (candidate_id, step_id, decision, score, reason)
				 SELECT candidate_id, step_id, decision, score, reason FROM _candidate_batch
				 ON CONFLICT (candidate_id, step_id) DO UPDATE SET
				   decision   = EXCLUDED.decision,
				   score      = EXCLUDED.score,
				   reason     = EXCLUDED.reason,
				   updated_at = now()`)
			if err != nil {
				return err
			}
			applied = tag.RowsAffected()
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("storage: bulk upsert candidates for step %s: %w", stepID, classify(err))
	}
	return applied, nil
}

// ListCandidates returns the candidates recorded at a step, ordered by ID.
func (db *DB) ListCandidates(ctx context.Context, stepID string) ([]model.Candidate, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT candidate_id, step_id, decision, score, reason, created_at, updated_at
		 FROM candidates WHERE step_id = $1 ORDER BY candidate_id`, stepID)
	if err != nil {
		return nil, fmt.Errorf("storage: list candidates: %w", classify(err))
	}
	defer rows.Close()

	candidates := []model.Candidate{}
	for rows.Next() {
		var (
			c        model.Candidate
			decision string
		)
		if err := rows.Scan(&c.CandidateID, &c.StepID, &decision, &c.Score, &c.Reason, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan candidate: %w", err)
		}
		c.Decision = model.Decision(decision)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: list candidates: %w", classify(err))
	}
	return candidates, nil
}

func dedupeCandidates(cs []model.Candidate) []model.Candidate {
	last := make(map[string]int, len(cs))
	for i, c := range cs {
		last[c.CandidateID] = i
	}
	out := make([]model.Candidate, 0, len(last))
	for i, c := range cs {
		if last[c.CandidateID] == i {
			out = append(out, c)
		}
	}
	return out
}
