package analysis

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/powerhive/hivelog/pkg/database"
)

var anchor = time.Unix(1_700_000_000, 0).UTC()

func uptimes(values ...int64) []database.UptimePoint {
	points := make([]database.UptimePoint, len(values))
	for i, v := range values {
		points[i] = database.UptimePoint{Timestamp: anchor.Add(time.Duration(i) * time.Minute), Uptime: v}
	}
	return points
}

func TestReconstructUptime_Reboot(t *testing.T) {
	got, ok := ReconstructUptime(uptimes(100, 200, 30, 150))
	if !ok {
		t.Fatal("expected a result")
	}
	if got.TotalHours != 350.0/3600 || got.SessionHours != 150.0/3600 || got.Reboots != 1 {
		t.Fatalf("got %+v", got)
	}
}

func TestReconstructUptime_ClockSkewIsNotReboot(t *testing.T) {
	got, _ := ReconstructUptime(uptimes(5000, 8000, 7000, 9000))
	if got.Reboots != 0 || got.TotalHours != 9000.0/3600 || got.SessionHours != got.TotalHours {
		t.Fatalf("got %+v", got)
	}
}

func TestReconstructUptime_EdgeCases(t *testing.T) {
	if _, ok := ReconstructUptime(nil); ok {
		t.Fatal("empty history should give no result")
	}
	got, ok := ReconstructUptime(uptimes(7200))
	if !ok || got.SessionHours != 2 || got.TotalHours != 2 {
		t.Fatalf("single sample: %+v", got)
	}
}

func TestSessionStart(t *testing.T) {
	points := uptimes(100, 200, 30, 150)
	start, ok := SessionStart(points)
	if !ok || !start.Timestamp.Equal(points[2].Timestamp) {
		t.Fatalf("SessionStart = %+v, %v", start, ok)
	}
}

func TestBucketize_Conservation(t *testing.T) {
	var points []database.Point
	for i := 0; i < 10; i++ {
		points = append(points, database.Point{
			Timestamp: anchor.Add(-time.Duration(i) * 5 * time.Minute),
			Value:     500,
		})
	}
	// One point before the window is ignored.
	points = append(points, database.Point{Timestamp: anchor.Add(-2 * time.Hour), Value: 1})

	buckets := Bucketize(points, anchor, 50, 5)
	if len(buckets) != 5 {
		t.Fatalf("len = %d, want 5", len(buckets))
	}
	total := 0
	for i, b := range buckets {
		total += b.Samples
		if b.Samples > 0 && b.Avg != 500 {
			t.Fatalf("bucket %d avg = %v", i, b.Avg)
		}
	}
	if total != 10 {
		t.Fatalf("sample total = %d, want 10", total)
	}
	// The anchor sample clamps into the last bucket.
	if buckets[4].Samples != 3 {
		t.Fatalf("last bucket samples = %d, want 3", buckets[4].Samples)
	}
}

func TestBucketizeFleet_SumsDeviceAverages(t *testing.T) {
	points := []database.Point{
		{DeviceID: "a", Timestamp: anchor, Value: 100},
		{DeviceID: "a", Timestamp: anchor.Add(-time.Second), Value: 300},
		{DeviceID: "b", Timestamp: anchor, Value: 50},
	}
	buckets := BucketizeFleet(points, anchor, 10, 2)
	if buckets[1].Avg != 250 || buckets[1].Samples != 3 {
		t.Fatalf("bucket = %+v, want avg 250 from 200+50", buckets[1])
	}
	if buckets[0].Present() {
		t.Fatalf("bucket 0 should be absent: %+v", buckets[0])
	}
}

func TestForwardFill(t *testing.T) {
	in := []Bucket{{}, {Avg: 10, Samples: 1}, {}, {Avg: 20, Samples: 2}, {}}
	out := ForwardFill(in)
	if out[0].Present() {
		t.Fatal("leading gap must stay absent")
	}
	if !out[2].Filled || out[2].Avg != 10 || !out[4].Filled || out[4].Avg != 20 {
		t.Fatalf("out = %+v", out)
	}
	if in[2].Filled {
		t.Fatal("input must not be modified")
	}
}

// fakeSeries serves fixed points for every query.
type fakeSeries struct {
	points []database.Point
}

func (f *fakeSeries) latest() (time.Time, bool) {
	var max time.Time
	for _, p := range f.points {
		if p.Timestamp.After(max) {
			max = p.Timestamp
		}
	}
	return max, len(f.points) > 0
}

func (f *fakeSeries) LatestTimestamp(ctx context.Context, deviceID string) (time.Time, bool, error) {
	ts, ok := f.latest()
	return ts, ok, nil
}

func (f *fakeSeries) FleetLatestTimestamp(ctx context.Context, deviceIDs []string) (time.Time, bool, error) {
	ts, ok := f.latest()
	return ts, ok, nil
}

func (f *fakeSeries) Series(ctx context.Context, deviceID string, metric database.Metric, since time.Time) ([]database.Point, error) {
	return f.FleetSeries(ctx, nil, metric, since)
}

func (f *fakeSeries) FleetSeries(ctx context.Context, deviceIDs []string, metric database.Metric, since time.Time) ([]database.Point, error) {
	var out []database.Point
	for _, p := range f.points {
		if !p.Timestamp.Before(since) {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestAggregator_Trend_EmptyAndInvalid(t *testing.T) {
	agg := NewAggregator(&fakeSeries{})
	trend, err := agg.Trend(context.Background(), "alpha", 60, 30)
	if err != nil || trend == nil || len(trend.Buckets) != 0 {
		t.Fatalf("Trend(empty) = %+v, %v", trend, err)
	}
	if _, err := agg.Trend(context.Background(), "alpha", 0, 30); !errors.Is(err, ErrInvalidWindow) {
		t.Fatalf("err = %v, want ErrInvalidWindow", err)
	}
}

// A stalled device still yields a window ending at its last sample.
func TestAggregator_Trend_AnchorsAtLatestSample(t *testing.T) {
	stale := anchor.Add(-72 * time.Hour)
	agg := NewAggregator(&fakeSeries{points: []database.Point{
		{Timestamp: stale.Add(-30 * time.Minute), Value: 400},
		{Timestamp: stale, Value: 600},
	}})
	trend, err := agg.Trend(context.Background(), "alpha", 60, 2)
	if err != nil {
		t.Fatalf("Trend: %v", err)
	}
	if !trend.Anchor.Equal(stale) || len(trend.Buckets) != 2 {
		t.Fatalf("trend = %+v", trend)
	}
	if trend.Buckets[1].Avg != 500 {
		t.Fatalf("buckets = %+v", trend.Buckets)
	}
}

func TestAggregator_TemperatureTrend_DropsNonPhysical(t *testing.T) {
	agg := NewAggregator(&fakeSeries{points: []database.Point{
		{Timestamp: anchor, Value: 60},
		{Timestamp: anchor.Add(-time.Second), Value: 0},
		{Timestamp: anchor.Add(-2 * time.Second), Value: -1},
	}})
	trend, err := agg.TemperatureTrend(context.Background(), "alpha", 10, 1)
	if err != nil {
		t.Fatalf("TemperatureTrend: %v", err)
	}
	if trend.Buckets[0].Avg != 60 || trend.Buckets[0].Samples != 1 {
		t.Fatalf("bucket = %+v", trend.Buckets[0])
	}
}

func TestSummarize(t *testing.T) {
	s, ok := Summarize([]float64{100, 200})
	if !ok || s.Mean != 150 || s.Median != 150 || math.Abs(s.VariancePct-200.0/3) > 1e-9 {
		t.Fatalf("Summarize = %+v", s)
	}
	s, _ = Summarize([]float64{7, 7, 7})
	if s.VariancePct != 0 {
		t.Fatalf("equal values variance = %v", s.VariancePct)
	}
	s, _ = Summarize([]float64{0, 0})
	if s.VariancePct != 0 {
		t.Fatalf("zero mean variance = %v", s.VariancePct)
	}
	if _, ok := Summarize([]float64{1}); ok {
		t.Fatal("one value should give no data")
	}
}

func TestClassify(t *testing.T) {
	cases := map[float64]Stability{
		0:   StabilityExcellent,
		29:  StabilityExcellent,
		30:  StabilityStable,
		69:  StabilityAcceptable,
		89:  StabilityVariable,
		90:  StabilityUnstable,
		250: StabilityUnstable,
	}
	for pct, want := range cases {
		if got := Classify(pct); got != want {
			t.Errorf("Classify(%v) = %s, want %s", pct, got, want)
		}
	}
}

func TestAnalyzer_MultiTimeframe(t *testing.T) {
	var points []database.Point
	for i := 0; i < 60; i++ {
		v := 1000.0
		if i%2 == 0 {
			v = 1100
		}
		points = append(points, database.Point{Timestamp: anchor.Add(-time.Duration(i) * time.Minute), Value: v})
	}
	a := NewAnalyzer(NewAggregator(&fakeSeries{points: points}))
	results, err := a.MultiTimeframe(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("MultiTimeframe: %v", err)
	}
	if len(results) != len(DefaultTimeframes) {
		t.Fatalf("len = %d", len(results))
	}
	// One sample per minute over the last hour: the 24h and 3d presets see a
	// single bucket and report no data.
	wantData := map[string]bool{"1h": true, "4h": true, "8h": true, "24h": false, "3d": false}
	for i, r := range results {
		if r.Label != DefaultTimeframes[i].Label {
			t.Fatalf("results out of order: %+v", results)
		}
		if (r.Summary != nil) != wantData[r.Label] {
			t.Fatalf("%s: summary = %+v, want data %v", r.Label, r.Summary, wantData[r.Label])
		}
	}
	if got := results[0].Summary; got.Min < 1000 || got.Max > 1100 || results[0].Stability != StabilityExcellent {
		t.Fatalf("1h summary = %+v", got)
	}
}

func TestIdentifyBottlenecks(t *testing.T) {
	healthy := database.ConfigSummary{
		AvgHashrate: 1000, MinHashrate: 950, MaxHashrate: 1050,
		AvgAsicTemp: 55, MaxAsicTemp: 58, AvgVRegTemp: 50, MaxVRegTemp: 60,
		AvgInputVoltage: 5.1, MinInputVoltage: 5.0, MaxPower: 15,
	}
	if got := IdentifyBottlenecks(healthy); len(got) != 0 {
		t.Fatalf("healthy config flagged: %+v", got)
	}

	hot := healthy
	hot.MaxAsicTemp = 66
	hot.MinInputVoltage = 4.7
	hot.MaxPower = 21
	hot.MinHashrate = 800
	got := IdentifyBottlenecks(hot)
	kinds := map[string]Severity{}
	for _, b := range got {
		kinds[b.Kind] = b.Severity
	}
	if kinds["asic_temp"] != SeverityCritical || kinds["input_voltage"] != SeverityCritical {
		t.Fatalf("got %+v", got)
	}
	if _, ok := kinds["power"]; !ok {
		t.Fatalf("missing power finding: %+v", got)
	}
	if _, ok := kinds["hashrate"]; !ok {
		t.Fatalf("missing hashrate finding: %+v", got)
	}
}

func TestAggregator_Trend_RejectsOversizedWindows(t *testing.T) {
	agg := NewAggregator(&fakeSeries{points: []database.Point{{Timestamp: anchor, Value: 1}}})
	ctx := context.Background()

	for _, w := range []struct{ minutes, buckets int }{
		{MaxWindowMinutes + 1, 10},
		{307445734561, 1000},
		{60, MaxBuckets + 1},
		{60, -1},
	} {
		if _, err := agg.Trend(ctx, "alpha", w.minutes, w.buckets); !errors.Is(err, ErrInvalidWindow) {
			t.Errorf("Trend(%d, %d) err = %v, want ErrInvalidWindow", w.minutes, w.buckets, err)
		}
		if _, err := agg.SwarmTrend(ctx, nil, w.minutes, w.buckets); !errors.Is(err, ErrInvalidWindow) {
			t.Errorf("SwarmTrend(%d, %d) err = %v, want ErrInvalidWindow", w.minutes, w.buckets, err)
		}
	}
	if got := Bucketize(nil, anchor, 200_000_000, 5); got != nil {
		t.Fatalf("Bucketize(oversized) = %v, want nil", got)
	}
	if err := ValidateLookback(MaxWindowMinutes); err != nil {
		t.Fatalf("ValidateLookback(max) = %v", err)
	}
}

func TestBucketize_WidestWindowKeepsRecentSample(t *testing.T) {
	points := []database.Point{{Timestamp: anchor.Add(-time.Minute), Value: 42}}
	buckets := Bucketize(points, anchor, MaxWindowMinutes, MaxBuckets)
	if len(buckets) != MaxBuckets {
		t.Fatalf("len = %d", len(buckets))
	}
	last := buckets[len(buckets)-1]
	if last.Samples != 1 || last.Avg != 42 {
		t.Fatalf("last bucket = %+v", last)
	}
}

func TestCompareConfigs(t *testing.T) {
	summaries := []database.ConfigSummary{
		{Frequency: 600, AvgHashrate: 1200, AvgEfficiencyJTH: 17},
		{Frequency: 525, AvgHashrate: 1000, AvgEfficiencyJTH: 15},
		{Frequency: 490, AvgHashrate: 900, AvgEfficiencyJTH: 0},
	}
	picks := CompareConfigs(summaries)
	if picks.BestHashrate == nil || picks.BestHashrate.Frequency != 600 {
		t.Fatalf("BestHashrate = %+v", picks.BestHashrate)
	}
	if picks.BestEfficiency == nil || picks.BestEfficiency.Frequency != 525 {
		t.Fatalf("BestEfficiency = %+v", picks.BestEfficiency)
	}

	if empty := CompareConfigs(nil); empty.BestHashrate != nil || empty.BestEfficiency != nil {
		t.Fatalf("CompareConfigs(nil) = %+v", empty)
	}
}
