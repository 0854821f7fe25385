package database

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStorageBusy indicates a write could not acquire the database lock
	// within the busy timeout. The sample is lost; callers log and move on.
	ErrStorageBusy = errors.New("storage busy: lock not acquired within busy timeout")

	// ErrSchemaMismatch indicates a required column is missing and could not be added.
	ErrSchemaMismatch = errors.New("schema mismatch")

	// ErrUnknownMetric indicates a metric name outside the allowed set.
	ErrUnknownMetric = errors.New("unknown metric")

	// ErrReadOnly indicates a write against a store opened read-only.
	ErrReadOnly = errors.New("store is read-only")
)

// Writer is the write side of the store. Only the poller process uses it.
type Writer interface {
	RegisterDevice(ctx context.Context, d *Device) error
	GetOrCreateConfig(ctx context.Context, frequency, coreVoltage int) (int64, error)
	GetConfig(ctx context.Context, id int64) (*ClockConfig, error)
	InsertMetric(ctx context.Context, m *MetricSample) error
}

// Reader is the read side of the store. Every method is side-effect free.
// Queries with insufficient data return nil or empty results, never an error.
type Reader interface {
	// Devices
	ListDevices(ctx context.Context) ([]*Device, error)
	GetDevice(ctx context.Context, id string) (*Device, error)

	// Samples
	Latest(ctx context.Context, deviceID string) (*LatestSample, error)
	MetricCount(ctx context.Context, deviceID string) (int64, error)
	LatestTimestamp(ctx context.Context, deviceID string) (time.Time, bool, error)
	FleetLatestTimestamp(ctx context.Context, deviceIDs []string) (time.Time, bool, error)

	// Series
	Series(ctx context.Context, deviceID string, metric Metric, since time.Time) ([]Point, error)
	FleetSeries(ctx context.Context, deviceIDs []string, metric Metric, since time.Time) ([]Point, error)
	UptimeHistory(ctx context.Context, deviceID string) ([]UptimePoint, error)
	ConfigChanges(ctx context.Context, deviceIDs []string, since time.Time) ([]ConfigChange, error)

	// Health
	DeviceHealth(ctx context.Context, deviceIDs []string, threshold time.Duration, now time.Time) (map[string]DeviceHealth, error)

	// Difficulty
	HighestDifficulty(ctx context.Context, deviceID string) (*DifficultyRecord, error)
	MaxBestDiff(ctx context.Context, deviceIDs []string) (float64, error)

	// Aggregates
	Stats(ctx context.Context, deviceID string, metric Metric, since time.Time) (*MetricStats, error)
	Averages(ctx context.Context, deviceID string, since time.Time) (*Averages, error)
	ConfigSummary(ctx context.Context, deviceID string, since time.Time) ([]ConfigSummary, error)
}

// Repository defines the full storage interface.
type Repository interface {
	Writer
	Reader

	// Database lifecycle
	Close() error
}
