package provider

import (
	"context"
	"errors"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/powerhive/hivelog/pkg/analysis"
	"github.com/powerhive/hivelog/pkg/database"
	"github.com/powerhive/hivelog/pkg/miner"
)

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func ptr(f float64) *float64 { return &f }

// seedFleet writes seven samples for alpha over the last 30 minutes, moving
// to a new clock config five minutes ago, and one stale sample for beta.
func seedFleet(t *testing.T) *Local {
	t.Helper()
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	store, err := database.Open(filepath.Join(t.TempDir(), "hive.db"), database.WithLogger(log))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	for _, id := range []string{"alpha", "beta"} {
		if err := store.RegisterDevice(ctx, &database.Device{ID: id, IPAddress: "10.0.0.1"}); err != nil {
			t.Fatalf("RegisterDevice: %v", err)
		}
	}
	slow, _ := store.GetOrCreateConfig(ctx, 525, 1150)
	fast, _ := store.GetOrCreateConfig(ctx, 600, 1200)

	for i := 0; i < 7; i++ {
		cfg := slow
		if i >= 5 {
			cfg = fast
		}
		m := &database.MetricSample{
			DeviceID:      "alpha",
			ConfigID:      cfg,
			Timestamp:     now.Add(time.Duration(i-6) * 5 * time.Minute),
			Hashrate:      1000 + float64(i),
			Power:         15,
			Voltage:       5100,
			AsicTemp:      55,
			Uptime:        600 + 300*int64(i),
			EfficiencyJTH: 15,
			BestDiff:      ptr(2e9),
		}
		if err := store.InsertMetric(ctx, m); err != nil {
			t.Fatalf("InsertMetric: %v", err)
		}
	}
	stale := &database.MetricSample{
		DeviceID:  "beta",
		ConfigID:  slow,
		Timestamp: now.Add(-2 * time.Hour),
		Hashrate:  900,
		Power:     14,
		Uptime:    100,
		BestDiff:  ptr(5e9),
	}
	if err := store.InsertMetric(ctx, stale); err != nil {
		t.Fatalf("InsertMetric: %v", err)
	}

	devices := []DeviceRef{{Name: "alpha", Group: "rack-a"}, {Name: "beta", Group: "rack-b"}}
	return NewLocal(store, devices, WithClock(func() time.Time { return now }))
}

func TestLocal_Swarm(t *testing.T) {
	p := seedFleet(t)

	s, err := p.Swarm(context.Background())
	if err != nil {
		t.Fatalf("Swarm: %v", err)
	}
	if s.TotalCount != 2 || s.ActiveCount != 1 || len(s.Miners) != 2 {
		t.Fatalf("swarm = %+v", s)
	}
	if s.TotalHashrate != 1006 || s.TotalPower != 15 {
		t.Fatalf("totals = %v GH/s, %v W", s.TotalHashrate, s.TotalPower)
	}
	if want := miner.EfficiencyJTH(15, 1006); s.AvgEfficiency != want {
		t.Fatalf("AvgEfficiency = %v, want %v", s.AvgEfficiency, want)
	}
	if s.BestDiff != 5e9 {
		t.Fatalf("BestDiff = %v", s.BestDiff)
	}
	if s.Timestamp == nil || !s.Timestamp.Equal(now) {
		t.Fatalf("Timestamp = %v", s.Timestamp)
	}

	alpha, beta := s.Miners[0], s.Miners[1]
	if !alpha.Online || alpha.Group != "rack-a" || alpha.Frequency != 600 || alpha.InputVoltage != 5.1 {
		t.Fatalf("alpha = %+v", alpha)
	}
	if math.Abs(alpha.UptimeHours-2400.0/3600) > 1e-9 {
		t.Fatalf("alpha uptime = %v", alpha.UptimeHours)
	}
	if beta.Online || beta.Hashrate != 0 || beta.Name != "beta" {
		t.Fatalf("beta = %+v", beta)
	}
}

func TestLocal_SessionWindows(t *testing.T) {
	p := seedFleet(t)
	ctx := context.Background()

	stats, err := p.SessionStats(ctx, "alpha", database.MetricHashrate, 600)
	if err != nil || stats == nil {
		t.Fatalf("SessionStats = %v, %v", stats, err)
	}
	if stats.Samples != 3 || stats.Min != 1004 || stats.Max != 1006 {
		t.Fatalf("stats = %+v", stats)
	}

	avg, err := p.UptimeAverages(ctx, "alpha", 600)
	if err != nil || avg == nil || avg.Samples != 3 || avg.Power != 15 {
		t.Fatalf("UptimeAverages = %+v, %v", avg, err)
	}

	none, err := p.UptimeAverages(ctx, "beta", 600)
	if err != nil || none != nil {
		t.Fatalf("UptimeAverages(beta) = %+v, %v; want nil", none, err)
	}
}

func TestLocal_ConfigChangesAnchorsOnFleetLatest(t *testing.T) {
	p := seedFleet(t)
	ctx := context.Background()

	changes, err := p.ConfigChanges(ctx, nil, 10)
	if err != nil {
		t.Fatalf("ConfigChanges: %v", err)
	}
	if len(changes) != 1 || changes[0].DeviceID != "alpha" || changes[0].Frequency != 600 {
		t.Fatalf("changes = %+v", changes)
	}

	changes, err = p.ConfigChanges(ctx, nil, 1)
	if err != nil || len(changes) != 0 {
		t.Fatalf("ConfigChanges(1m) = %+v, %v", changes, err)
	}
}

func TestLocal_HealthDefaultsToConfiguredDevices(t *testing.T) {
	p := seedFleet(t)

	health, err := p.AllDeviceHealth(context.Background(), nil, 10*time.Minute)
	if err != nil {
		t.Fatalf("AllDeviceHealth: %v", err)
	}
	if len(health) != 2 || !health["alpha"].Online || health["beta"].Online {
		t.Fatalf("health = %+v", health)
	}
}

func TestLocal_UptimeAndConfigSummary(t *testing.T) {
	p := seedFleet(t)
	ctx := context.Background()

	totals, err := p.TotalUptime(ctx, "alpha")
	if err != nil || totals == nil || totals.Reboots != 0 {
		t.Fatalf("TotalUptime = %+v, %v", totals, err)
	}
	if math.Abs(totals.SessionHours-2400.0/3600) > 1e-9 {
		t.Fatalf("SessionHours = %v", totals.SessionHours)
	}

	missing, err := p.TotalUptime(ctx, "ghost")
	if err != nil || missing != nil {
		t.Fatalf("TotalUptime(ghost) = %+v, %v", missing, err)
	}

	reports, err := p.ConfigSummary(ctx, "alpha", 0)
	if err != nil || len(reports) != 2 {
		t.Fatalf("ConfigSummary = %+v, %v", reports, err)
	}
	if reports[0].Frequency != 600 || reports[1].Frequency != 525 {
		t.Fatalf("reports[0] = %+v", reports[0])
	}
}

func TestLocal_ConfigSummaryHoursWindow(t *testing.T) {
	p := seedFleet(t)
	ctx := context.Background()

	recent, err := p.ConfigSummary(ctx, "beta", 1)
	if err != nil || len(recent) != 0 {
		t.Fatalf("ConfigSummary(beta, 1h) = %+v, %v", recent, err)
	}
	wider, err := p.ConfigSummary(ctx, "beta", 3)
	if err != nil || len(wider) != 1 || wider[0].Samples != 1 {
		t.Fatalf("ConfigSummary(beta, 3h) = %+v, %v", wider, err)
	}
	for _, hours := range []int{-1, analysis.MaxWindowMinutes/60 + 1} {
		if _, err := p.ConfigSummary(ctx, "beta", hours); !errors.Is(err, analysis.ErrInvalidWindow) {
			t.Errorf("ConfigSummary(hours=%d) err = %v, want ErrInvalidWindow", hours, err)
		}
	}
}

func TestLocal_Summary(t *testing.T) {
	p := seedFleet(t)

	summary, err := p.Summary(context.Background())
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if len(summary) != 2 {
		t.Fatalf("len = %d", len(summary))
	}
	alpha := summary["alpha"]
	if alpha.Device == nil || alpha.Device.ID != "alpha" || alpha.TotalSamples != 7 {
		t.Fatalf("alpha = %+v", alpha)
	}
	if alpha.Latest == nil || alpha.Latest.Frequency != 600 || len(alpha.Configs) != 2 {
		t.Fatalf("alpha latest/configs = %+v / %+v", alpha.Latest, alpha.Configs)
	}
	if alpha.BestHashrate == nil || alpha.BestHashrate.Frequency != 600 {
		t.Fatalf("alpha BestHashrate = %+v", alpha.BestHashrate)
	}
	if alpha.BestEfficiency == nil {
		t.Fatal("alpha BestEfficiency missing")
	}
	if beta := summary["beta"]; beta.TotalSamples != 1 || beta.BestEfficiency != nil {
		t.Fatalf("beta = %+v", beta)
	}
}

func TestLocal_SessionFromUptimeHistory(t *testing.T) {
	p := seedFleet(t)
	ctx := context.Background()

	stats, err := p.SessionStats(ctx, "alpha", database.MetricHashrate, 0)
	if err != nil || stats == nil || stats.Samples != 7 || stats.Min != 1000 {
		t.Fatalf("SessionStats(0) = %+v, %v", stats, err)
	}
	none, err := p.UptimeAverages(ctx, "ghost", 0)
	if err != nil || none != nil {
		t.Fatalf("UptimeAverages(ghost, 0) = %+v, %v", none, err)
	}
	all, err := p.UptimeAverages(ctx, "beta", math.MaxInt64)
	if err != nil || all == nil || all.Samples != 1 {
		t.Fatalf("UptimeAverages(beta, max) = %+v, %v", all, err)
	}
}

// Ten samples five minutes apart fill a 50 minute, five bucket trend and
// the last one is the latest sample.
func TestLocal_TrendAndLatestThroughStore(t *testing.T) {
	ctx := context.Background()
	log, _ := test.NewNullLogger()
	store, err := database.Open(filepath.Join(t.TempDir(), "hive.db"), database.WithLogger(log))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	if err := store.RegisterDevice(ctx, &database.Device{ID: "m1", IPAddress: "10.0.0.1"}); err != nil {
		t.Fatalf("RegisterDevice: %v", err)
	}
	cfg, _ := store.GetOrCreateConfig(ctx, 525, 1150)
	start := now.Add(-45 * time.Minute)
	for i := 0; i < 10; i++ {
		m := &database.MetricSample{DeviceID: "m1", ConfigID: cfg, Timestamp: start.Add(time.Duration(i) * 5 * time.Minute), Hashrate: 500, Uptime: int64(i)}
		if err := store.InsertMetric(ctx, m); err != nil {
			t.Fatalf("InsertMetric: %v", err)
		}
	}

	p := NewLocal(store, []DeviceRef{{Name: "m1"}}, WithClock(func() time.Time { return now }))
	trend, err := p.Trend(ctx, "m1", 50, 5)
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if len(trend.Buckets) != 5 {
		t.Fatalf("buckets = %+v", trend.Buckets)
	}
	total := 0
	for i, b := range trend.Buckets {
		if b.Samples == 0 || b.Avg != 500 {
			t.Fatalf("bucket %d = %+v", i, b)
		}
		total += b.Samples
	}
	if total != 10 {
		t.Fatalf("samples = %d, want 10", total)
	}

	latest, err := p.Latest(ctx, "m1")
	if err != nil || latest == nil || !latest.Timestamp.Equal(now) || latest.Uptime != 9 {
		t.Fatalf("Latest = %+v, %v", latest, err)
	}
}
