// Package provider is the read side consumers depend on. Local reads the
// SQLite store directly; Remote reads the same data over the HTTP API.
package provider

import (
	"context"
	"time"

	"github.com/powerhive/hivelog/pkg/analysis"
	"github.com/powerhive/hivelog/pkg/database"
)

// DataProvider is every read operation exposed to dashboards, bots and the API.
// Missing data is reported as nil or empty results, never as an error.
type DataProvider interface {
	// Devices
	Devices(ctx context.Context) ([]*database.Device, error)
	Device(ctx context.Context, id string) (*database.Device, error)
	Latest(ctx context.Context, deviceID string) (*database.LatestSample, error)
	MetricCount(ctx context.Context, deviceID string) (int64, error)

	// Trends
	Trend(ctx context.Context, deviceID string, minutes, buckets int) (*analysis.Trend, error)
	TemperatureTrend(ctx context.Context, deviceID string, minutes, buckets int) (*analysis.Trend, error)
	SwarmTrend(ctx context.Context, minutes, buckets int) (*analysis.Trend, error)

	// Sessions and stability
	TotalUptime(ctx context.Context, deviceID string) (*analysis.UptimeTotals, error)
	MultiTimeframeVariance(ctx context.Context, deviceID string) ([]analysis.TimeframeVariance, error)
	SessionStats(ctx context.Context, deviceID string, metric database.Metric, sessionSeconds int64) (*database.MetricStats, error)
	UptimeAverages(ctx context.Context, deviceID string, sessionSeconds int64) (*database.Averages, error)

	// Health
	AllDeviceHealth(ctx context.Context, deviceIDs []string, threshold time.Duration) (map[string]database.DeviceHealth, error)
	ConfigChanges(ctx context.Context, deviceIDs []string, minutes int) ([]database.ConfigChange, error)

	// Difficulty
	HighestDifficulty(ctx context.Context, deviceID string) (*database.DifficultyRecord, error)
	MaxBestDiff(ctx context.Context, deviceIDs []string) (float64, error)

	// Reports
	ConfigSummary(ctx context.Context, deviceID string, hours int) ([]ConfigReport, error)
	Summary(ctx context.Context) (map[string]*DeviceSummary, error)
	Swarm(ctx context.Context) (*Swarm, error)
}

// ConfigReport is a per-clock-config summary with its bottlenecks.
type ConfigReport struct {
	database.ConfigSummary
	Bottlenecks []analysis.Bottleneck `json:"bottlenecks"`
}

// DeviceSummary is one stored device with its latest sample, per-config
// reports over its whole history and the standout configs.
type DeviceSummary struct {
	Device       *database.Device       `json:"device"`
	Latest       *database.LatestSample `json:"latest"`
	Configs      []ConfigReport         `json:"configs"`
	TotalSamples int64                  `json:"total_samples"`
	analysis.ConfigPicks
}

// SwarmMiner is one device in a swarm snapshot.
type SwarmMiner struct {
	Name         string  `json:"name"`
	Group        string  `json:"group"`
	Online       bool    `json:"online"`
	Hashrate     float64 `json:"hashrate"`
	Power        float64 `json:"power"`
	Efficiency   float64 `json:"efficiency"`
	AsicTemp     float64 `json:"asic_temp"`
	VRegTemp     float64 `json:"vreg_temp"`
	Frequency    int     `json:"frequency"`
	CoreVoltage  int     `json:"core_voltage"`
	InputVoltage float64 `json:"input_voltage"` // V
	FanSpeed     float64 `json:"fan_speed"`
	FanRPM       int     `json:"fan_rpm"`
	UptimeHours  float64 `json:"uptime_hours"`
}

// Swarm is the fleet snapshot built from each device's latest sample.
type Swarm struct {
	TotalHashrate float64      `json:"total_hashrate"`
	TotalPower    float64      `json:"total_power"`
	AvgEfficiency float64      `json:"avg_efficiency"` // J/TH of the fleet totals
	ActiveCount   int          `json:"active_count"`
	TotalCount    int          `json:"total_count"`
	BestDiff      float64      `json:"best_diff"`
	Miners        []SwarmMiner `json:"miners"`
	Timestamp     *time.Time   `json:"timestamp"`
}

// InputVolts converts a reported input voltage to volts. Firmware reports
// millivolts; anything above 100 is taken as mV.
func InputVolts(v float64) float64 {
	if v > 100 {
		return v / 1000
	}
	return v
}
