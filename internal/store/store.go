// Package store defines the read-only time-series store the engine consumes
// windows from, plus a PostgreSQL adapter. The engine never writes through
// this interface.
package store

import (
	"context"
	"time"

	"github.com/gridsense/gridsense/internal/timeseries"
)

// Stats summarizes the store contents for coverage checks and reporting.
type Stats struct {
	TotalRecords   int64     `json:"total_records"`
	FirstTimestamp time.Time `json:"first_ts"`
	LastTimestamp  time.Time `json:"last_ts"`
}

// TimeSeriesStore is the read-only collaborator that serves meter readings.
// Implementations must return windows with strictly increasing timestamps.
type TimeSeriesStore interface {
	// GetWindow returns all readings in [start, end).
	GetWindow(ctx context.Context, start, end time.Time) (*timeseries.Window, error)
	// GetRecent returns the last N hours of readings.
	GetRecent(ctx context.Context, hours int) (*timeseries.Window, error)
	// GetLatestReading returns the most recent single reading, or nil when
	// the store is empty.
	GetLatestReading(ctx context.Context) (*timeseries.Record, error)
	// GetStats reports record count and covered range.
	GetStats(ctx context.Context) (Stats, error)
	// TestConnection reports whether the store is reachable.
	TestConnection(ctx context.Context) bool
}
