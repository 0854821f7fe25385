// Package database provides SQLite storage for device telemetry.
package database

import (
	"time"

	"github.com/powerhive/hivelog/pkg/miner"
)

// Device represents a configured miner. The ID is the operator-chosen name.
type Device struct {
	ID              string    `json:"id"`
	IPAddress       string    `json:"ip_address"`
	Hostname        string    `json:"hostname,omitempty"`
	Model           string    `json:"model,omitempty"`
	FirmwareVersion string    `json:"firmware_version,omitempty"`
	StratumURL      string    `json:"stratum_url,omitempty"`
	StratumPort     int       `json:"stratum_port,omitempty"`
	StratumUser     string    `json:"stratum_user,omitempty"`
	AddedAt         time.Time `json:"added_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// ClockConfig is an operating point. Two samples with the same pair share a row.
type ClockConfig struct {
	ID          int64 `json:"id"`
	Frequency   int   `json:"frequency"`    // MHz
	CoreVoltage int   `json:"core_voltage"` // mV
}

// MetricSample is one poll result for one device. Immutable once written.
type MetricSample struct {
	ID        int64     `json:"id"`
	DeviceID  string    `json:"device_id"`
	ConfigID  int64     `json:"config_id"`
	Timestamp time.Time `json:"timestamp"`

	Hashrate float64 `json:"hashrate"` // GH/s
	Power    float64 `json:"power"`    // W
	Voltage  float64 `json:"voltage"`  // mV as reported
	Current  float64 `json:"current"`  // mA

	AsicTemp float64 `json:"asic_temp"`
	VRegTemp float64 `json:"vreg_temp"`
	FanSpeed float64 `json:"fan_speed"`
	FanRPM   int     `json:"fan_rpm"`

	SharesAccepted int64 `json:"shares_accepted"`
	SharesRejected int64 `json:"shares_rejected"`
	Uptime         int64 `json:"uptime"` // seconds

	EfficiencyJTH float64 `json:"efficiency_jth"`
	EfficiencyGHW float64 `json:"efficiency_ghw"`

	// Optional columns, nil when absent or written before the column existed.
	BestDiff        *float64 `json:"best_diff"`
	BestSessionDiff *float64 `json:"best_session_diff"`
	PoolDifficulty  *float64 `json:"pool_difficulty"`
	RejectionReason *string  `json:"rejection_reason"`
}

// NewMetricSample builds a sample from a device snapshot.
func NewMetricSample(deviceID string, configID int64, ts time.Time, s *miner.Snapshot) *MetricSample {
	return &MetricSample{
		DeviceID:        deviceID,
		ConfigID:        configID,
		Timestamp:       ts,
		Hashrate:        s.Hashrate,
		Power:           s.Power,
		Voltage:         s.Voltage,
		Current:         s.Current,
		AsicTemp:        s.AsicTemp,
		VRegTemp:        s.VRTemp,
		FanSpeed:        s.FanSpeed,
		FanRPM:          s.FanRPM,
		SharesAccepted:  s.SharesAccepted,
		SharesRejected:  s.SharesRejected,
		Uptime:          s.UptimeSeconds,
		EfficiencyJTH:   s.EfficiencyJTH(),
		EfficiencyGHW:   s.EfficiencyGHW(),
		BestDiff:        s.BestDiff,
		BestSessionDiff: s.BestSessionDiff,
		PoolDifficulty:  s.PoolDifficulty,
		RejectionReason: s.RejectionReason,
	}
}

// LatestSample is the most recent sample joined with its clock config.
type LatestSample struct {
	MetricSample
	Frequency   int `json:"frequency"`
	CoreVoltage int `json:"core_voltage"`
}

// RejectRate returns rejected/(accepted+rejected), 0 with no shares.
func (s *MetricSample) RejectRate() float64 {
	total := s.SharesAccepted + s.SharesRejected
	if total <= 0 {
		return 0
	}
	return float64(s.SharesRejected) / float64(total)
}

// Point is one (timestamp, value) pair of a metric series.
type Point struct {
	DeviceID  string    `json:"device_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
}

// UptimePoint is one uptime counter reading.
type UptimePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Uptime    int64     `json:"uptime"`
}

// ConfigChange marks a sample whose clock config differs from the device's
// previous sample.
type ConfigChange struct {
	DeviceID    string    `json:"device_id"`
	Timestamp   time.Time `json:"timestamp"`
	ConfigID    int64     `json:"config_id"`
	Frequency   int       `json:"frequency"`
	CoreVoltage int       `json:"core_voltage"`
}

// DeviceHealth is the derived health of one device, computed per query.
type DeviceHealth struct {
	DeviceID   string    `json:"device_id"`
	Online     bool      `json:"online"`
	LastSeen   time.Time `json:"last_seen"` // zero when the device has no samples
	HasData    bool      `json:"has_data"`
	RejectRate float64   `json:"reject_rate"` // fraction, 0..1
	AsicTemp   float64   `json:"asic_temp"`
	Hashrate   float64   `json:"hashrate"`
	BestDiff   *float64  `json:"best_diff"`
}

// DifficultyRecord is the highest difficulty a device has reported.
type DifficultyRecord struct {
	AllTime float64 `json:"all_time"`
	Session float64 `json:"session"`
}

// MetricStats summarizes one metric over a window.
type MetricStats struct {
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Avg     float64 `json:"avg"`
	Samples int64   `json:"samples"`
}

// Averages are per-device averages over a window.
type Averages struct {
	Hashrate      float64  `json:"avg_hashrate"`
	Power         float64  `json:"avg_power"`
	EfficiencyJTH *float64 `json:"avg_efficiency"`
	Samples       int64    `json:"samples"`
}

// ConfigSummary aggregates all samples recorded at one clock config.
type ConfigSummary struct {
	ConfigID    int64 `json:"config_id"`
	Frequency   int   `json:"frequency"`
	CoreVoltage int   `json:"core_voltage"`
	Samples     int64 `json:"sample_count"`

	AvgHashrate float64 `json:"avg_hashrate"`
	MinHashrate float64 `json:"min_hashrate"`
	MaxHashrate float64 `json:"max_hashrate"`

	AvgPower         float64 `json:"avg_power"`
	MaxPower         float64 `json:"max_power"`
	AvgEfficiencyJTH float64 `json:"avg_efficiency_jth"`
	AvgEfficiencyGHW float64 `json:"avg_efficiency_ghw"`

	AvgAsicTemp float64 `json:"avg_asic_temp"`
	MinAsicTemp float64 `json:"min_asic_temp"`
	MaxAsicTemp float64 `json:"max_asic_temp"`
	AvgVRegTemp float64 `json:"avg_vreg_temp"`
	MaxVRegTemp float64 `json:"max_vreg_temp"`

	AvgInputVoltage float64 `json:"avg_input_voltage"` // V
	MinInputVoltage float64 `json:"min_input_voltage"` // V
	MaxInputVoltage float64 `json:"max_input_voltage"` // V

	AvgCurrent float64 `json:"avg_current"`
	MaxCurrent float64 `json:"max_current"`

	AvgFanSpeed float64 `json:"avg_fan_speed"`
	AvgFanRPM   float64 `json:"avg_fan_rpm"`

	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
	RuntimeHours float64   `json:"runtime_hours"`
}

// Metric names a numeric column that may be aggregated.
// Column names are never built from caller input; only these values are accepted.
type Metric string

const (
	MetricHashrate      Metric = "hashrate"
	MetricPower         Metric = "power"
	MetricCurrent       Metric = "current"
	MetricVoltage       Metric = "voltage"
	MetricAsicTemp      Metric = "asic_temp"
	MetricVRegTemp      Metric = "vreg_temp"
	MetricFanSpeed      Metric = "fan_speed"
	MetricEfficiencyJTH Metric = "efficiency_jth"
)

var metricColumns = map[Metric]string{
	MetricHashrate:      "hashrate",
	MetricPower:         "power",
	MetricCurrent:       "current",
	MetricVoltage:       "voltage",
	MetricAsicTemp:      "asic_temp",
	MetricVRegTemp:      "vreg_temp",
	MetricFanSpeed:      "fan_speed",
	MetricEfficiencyJTH: "efficiency_jth",
}

// Valid reports whether m names an aggregatable column.
func (m Metric) Valid() bool {
	_, ok := metricColumns[m]
	return ok
}

// ParseMetric validates a metric name.
func ParseMetric(s string) (Metric, error) {
	m := Metric(s)
	if !m.Valid() {
		return "", ErrUnknownMetric
	}
	return m, nil
}
