package storage

import (
	"context"

	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/xray/internal/telemetry"
)

// registerMetrics registers observable OTEL gauges for connection pool health.
func (db *DB) registerMetrics() {
	meter := telemetry.Meter("xray/storage")

	_, _ = meter.Int64ObservableGauge("xray.db.pool.acquired",
		metric.WithDescription("Connections currently checked out of the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().AcquiredConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableGauge("xray.db.pool.idle",
		metric.WithDescription("Idle connections held by the pool"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(db.pool.Stat().IdleConns()))
			return nil
		}),
	)
	_, _ = meter.Int64ObservableCounter("xray.db.pool.empty_acquire_total",
		metric.WithDescription("Acquires that had to wait for a connection"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(db.pool.Stat().EmptyAcquireCount())
			return nil
		}),
	)
}
