package queue

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/xray/internal/telemetry"
)

// RegisterMetrics registers an observable gauge of job counts by status.
func RegisterMetrics(q Queue) {
	meter := telemetry.Meter("xray/queue")

	_, _ = meter.Int64ObservableGauge("xray.queue.jobs",
		metric.WithDescription("Jobs in the queue by status"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			stats, err := q.Stats(ctx)
			if err != nil {
				return nil // Non-fatal: skip this observation.
			}
			for status, n := range stats {
				o.Observe(int64(n), metric.WithAttributes(attribute.String("status", string(status))))
			}
			return nil
		}),
	)
}
