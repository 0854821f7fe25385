package provider

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/powerhive/hivelog/pkg/analysis"
	"github.com/powerhive/hivelog/pkg/database"
	"github.com/powerhive/hivelog/pkg/miner"
)

// DefaultOfflineThreshold is how stale a latest sample may be before the
// swarm snapshot counts the device as offline.
const DefaultOfflineThreshold = 10 * time.Minute

// DeviceRef is a configured device as the read side sees it.
type DeviceRef struct {
	Name  string
	Group string
}

// Local answers queries from a store opened in this process.
type Local struct {
	store            database.Reader
	agg              *analysis.Aggregator
	analyzer         *analysis.Analyzer
	devices          []DeviceRef
	offlineThreshold time.Duration
	now              func() time.Time
}

// LocalOption configures a Local provider.
type LocalOption func(*Local)

// WithClock overrides the wall clock used for session windows and liveness.
func WithClock(now func() time.Time) LocalOption {
	return func(l *Local) { l.now = now }
}

// WithOfflineThreshold sets the swarm liveness threshold.
func WithOfflineThreshold(d time.Duration) LocalOption {
	return func(l *Local) { l.offlineThreshold = d }
}

// NewLocal creates a provider over store for the configured devices.
func NewLocal(store database.Reader, devices []DeviceRef, opts ...LocalOption) *Local {
	agg := analysis.NewAggregator(store)
	l := &Local{
		store:            store,
		agg:              agg,
		analyzer:         analysis.NewAnalyzer(agg),
		devices:          devices,
		offlineThreshold: DefaultOfflineThreshold,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// ids returns deviceIDs, or every configured device when empty.
func (l *Local) ids(deviceIDs []string) []string {
	if len(deviceIDs) > 0 {
		return deviceIDs
	}
	ids := make([]string, len(l.devices))
	for i, d := range l.devices {
		ids[i] = d.Name
	}
	return ids
}

func (l *Local) Devices(ctx context.Context) ([]*database.Device, error) {
	return l.store.ListDevices(ctx)
}

func (l *Local) Device(ctx context.Context, id string) (*database.Device, error) {
	return l.store.GetDevice(ctx, id)
}

func (l *Local) Latest(ctx context.Context, deviceID string) (*database.LatestSample, error) {
	return l.store.Latest(ctx, deviceID)
}

func (l *Local) MetricCount(ctx context.Context, deviceID string) (int64, error) {
	return l.store.MetricCount(ctx, deviceID)
}

func (l *Local) Trend(ctx context.Context, deviceID string, minutes, buckets int) (*analysis.Trend, error) {
	return l.agg.Trend(ctx, deviceID, minutes, buckets)
}

func (l *Local) TemperatureTrend(ctx context.Context, deviceID string, minutes, buckets int) (*analysis.Trend, error) {
	return l.agg.TemperatureTrend(ctx, deviceID, minutes, buckets)
}

// SwarmTrend sums per-device hashrate trends over the configured devices.
func (l *Local) SwarmTrend(ctx context.Context, minutes, buckets int) (*analysis.Trend, error) {
	return l.agg.SwarmTrend(ctx, l.ids(nil), minutes, buckets)
}

// TotalUptime reconstructs session and lifetime uptime, nil without samples.
func (l *Local) TotalUptime(ctx context.Context, deviceID string) (*analysis.UptimeTotals, error) {
	history, err := l.store.UptimeHistory(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("uptime history: %w", err)
	}
	totals, ok := analysis.ReconstructUptime(history)
	if !ok {
		return nil, nil
	}
	return &totals, nil
}

func (l *Local) MultiTimeframeVariance(ctx context.Context, deviceID string) ([]analysis.TimeframeVariance, error) {
	return l.analyzer.MultiTimeframe(ctx, deviceID)
}

// sessionStart is sessionSeconds before now. Zero seconds means the first
// sample of the current boot segment in the stored uptime history; ok is
// false when the device has none.
func (l *Local) sessionStart(ctx context.Context, deviceID string, sessionSeconds int64) (time.Time, bool, error) {
	if sessionSeconds > math.MaxInt64/int64(time.Second) {
		return time.Time{}, true, nil
	}
	if sessionSeconds > 0 {
		return l.now().Add(-time.Duration(sessionSeconds) * time.Second), true, nil
	}
	history, err := l.store.UptimeHistory(ctx, deviceID)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("uptime history: %w", err)
	}
	start, ok := analysis.SessionStart(history)
	return start.Timestamp, ok, nil
}

// SessionStats summarizes a metric since the device last booted, sessionSeconds ago.
func (l *Local) SessionStats(ctx context.Context, deviceID string, metric database.Metric, sessionSeconds int64) (*database.MetricStats, error) {
	since, ok, err := l.sessionStart(ctx, deviceID, sessionSeconds)
	if err != nil || !ok {
		return nil, err
	}
	return l.store.Stats(ctx, deviceID, metric, since)
}

// UptimeAverages averages hashrate, power and efficiency since the device last booted.
func (l *Local) UptimeAverages(ctx context.Context, deviceID string, sessionSeconds int64) (*database.Averages, error) {
	since, ok, err := l.sessionStart(ctx, deviceID, sessionSeconds)
	if err != nil || !ok {
		return nil, err
	}
	return l.store.Averages(ctx, deviceID, since)
}

func (l *Local) AllDeviceHealth(ctx context.Context, deviceIDs []string, threshold time.Duration) (map[string]database.DeviceHealth, error) {
	return l.store.DeviceHealth(ctx, l.ids(deviceIDs), threshold, l.now())
}

// ConfigChanges returns clock changes in the last minutes before the fleet's newest sample.
func (l *Local) ConfigChanges(ctx context.Context, deviceIDs []string, minutes int) ([]database.ConfigChange, error) {
	if err := analysis.ValidateLookback(minutes); err != nil {
		return nil, err
	}
	ids := l.ids(deviceIDs)
	anchor, ok, err := l.store.FleetLatestTimestamp(ctx, ids)
	if err != nil || !ok {
		return nil, err
	}
	return l.store.ConfigChanges(ctx, ids, anchor.Add(-time.Duration(minutes)*time.Minute))
}

func (l *Local) HighestDifficulty(ctx context.Context, deviceID string) (*database.DifficultyRecord, error) {
	return l.store.HighestDifficulty(ctx, deviceID)
}

func (l *Local) MaxBestDiff(ctx context.Context, deviceIDs []string) (float64, error) {
	return l.store.MaxBestDiff(ctx, deviceIDs)
}

// ConfigSummary aggregates a device's history per clock config over the
// last hours, or all of it when hours is zero.
func (l *Local) ConfigSummary(ctx context.Context, deviceID string, hours int) ([]ConfigReport, error) {
	var since time.Time
	if hours != 0 {
		if hours < 0 || hours > analysis.MaxWindowMinutes/60 {
			return nil, fmt.Errorf("%w: hours=%d", analysis.ErrInvalidWindow, hours)
		}
		since = l.now().Add(-time.Duration(hours) * time.Hour)
	}
	summaries, err := l.store.ConfigSummary(ctx, deviceID, since)
	if err != nil {
		return nil, err
	}
	return configReports(summaries), nil
}

func configReports(summaries []database.ConfigSummary) []ConfigReport {
	reports := make([]ConfigReport, len(summaries))
	for i, s := range summaries {
		reports[i] = ConfigReport{ConfigSummary: s, Bottlenecks: analysis.IdentifyBottlenecks(s)}
	}
	return reports
}

// Summary reports every stored device, configured or not.
func (l *Local) Summary(ctx context.Context) (map[string]*DeviceSummary, error) {
	devices, err := l.store.ListDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	out := make(map[string]*DeviceSummary, len(devices))
	for _, d := range devices {
		latest, err := l.store.Latest(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("latest %s: %w", d.ID, err)
		}
		summaries, err := l.store.ConfigSummary(ctx, d.ID, time.Time{})
		if err != nil {
			return nil, fmt.Errorf("config summary %s: %w", d.ID, err)
		}
		n, err := l.store.MetricCount(ctx, d.ID)
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", d.ID, err)
		}
		out[d.ID] = &DeviceSummary{
			Device:       d,
			Latest:       latest,
			Configs:      configReports(summaries),
			TotalSamples: n,
			ConfigPicks:  analysis.CompareConfigs(summaries),
		}
	}
	return out, nil
}

// Swarm builds a fleet snapshot from each configured device's latest sample.
func (l *Local) Swarm(ctx context.Context) (*Swarm, error) {
	now := l.now()
	s := &Swarm{TotalCount: len(l.devices), Miners: make([]SwarmMiner, 0, len(l.devices))}

	for _, d := range l.devices {
		m := SwarmMiner{Name: d.Name, Group: d.Group}
		latest, err := l.store.Latest(ctx, d.Name)
		if err != nil {
			return nil, fmt.Errorf("latest %s: %w", d.Name, err)
		}
		if latest == nil || latest.Timestamp.Before(now.Add(-l.offlineThreshold)) {
			s.Miners = append(s.Miners, m)
			continue
		}

		m.Online = true
		m.Hashrate = latest.Hashrate
		m.Power = latest.Power
		m.Efficiency = latest.EfficiencyJTH
		m.AsicTemp = latest.AsicTemp
		m.VRegTemp = latest.VRegTemp
		m.Frequency = latest.Frequency
		m.CoreVoltage = latest.CoreVoltage
		m.InputVoltage = InputVolts(latest.Voltage)
		m.FanSpeed = latest.FanSpeed
		m.FanRPM = latest.FanRPM
		m.UptimeHours = float64(latest.Uptime) / 3600
		s.Miners = append(s.Miners, m)

		s.TotalHashrate += latest.Hashrate
		s.TotalPower += latest.Power
		s.ActiveCount++
		if s.Timestamp == nil || latest.Timestamp.After(*s.Timestamp) {
			ts := latest.Timestamp
			s.Timestamp = &ts
		}
	}
	s.AvgEfficiency = miner.EfficiencyJTH(s.TotalPower, s.TotalHashrate)

	best, err := l.store.MaxBestDiff(ctx, l.ids(nil))
	if err != nil {
		return nil, fmt.Errorf("max best diff: %w", err)
	}
	s.BestDiff = best
	return s, nil
}

var _ DataProvider = (*Local)(nil)
