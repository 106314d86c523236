package storage

import (
	"context"
	"fmt"

	"github.com/ashita-ai/xray/internal/model"
)

// HighRejectionSteps returns filter steps across all pipelines whose
// rejection rate, rejected/(rejected+accepted), is strictly greater than
// threshold, highest rate first. Steps with no recorded outcomes are skipped.
func (db *DB) HighRejectionSteps(ctx context.Context, threshold float64, limit int) ([]model.HighRejectionStep, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT s.id, s.name, s.run_id, r.pipeline_name, s.input_count, s.output_count,
		        ss.rejected, ss.accepted, ss.rejection_breakdown,
		        ss.rejected::float8 / NULLIF(ss.rejected + ss.accepted, 0) AS rate
		 FROM step_summaries ss
		 JOIN steps s ON s.id = ss.step_id
		 JOIN runs r ON r.id = s.run_id
		 WHERE s.type = 'filter'
		   AND ss.rejected + ss.accepted > 0
		   AND ss.rejected::float8 / NULLIF(ss.rejected + ss.accepted, 0) > $1
		 ORDER BY rate DESC, s.id
		 LIMIT $2`,
		threshold, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: high rejection steps: %w", classify(err))
	}
	defer rows.Close()

	results := []model.HighRejectionStep{}
	for rows.Next() {
		var (
			h         model.HighRejectionStep
			breakdown []byte
		)
		if err := rows.Scan(&h.StepID, &h.StepName, &h.RunID, &h.PipelineName, &h.InputCount, &h.OutputCount,
			&h.Rejected, &h.Accepted, &breakdown, &h.RejectionRate); err != nil {
			return nil, fmt.Errorf("storage: scan high rejection step: %w", err)
		}
		if h.RejectionBreakdown, err = decodeBreakdown(breakdown); err != nil {
			return nil, err
		}
		results = append(results, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: high rejection steps: %w", classify(err))
	}
	return results, nil
}
