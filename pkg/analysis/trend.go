package analysis

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/powerhive/hivelog/pkg/database"
)

// ErrInvalidWindow is returned for a lookback or bucket count outside
// (0, MaxWindowMinutes] or (0, MaxBuckets].
var ErrInvalidWindow = errors.New("invalid trend window")

// Window limits for trends and other lookback queries.
const (
	MaxWindowMinutes = 30 * 24 * 60
	MaxBuckets       = 10000
)

// SeriesReader is the part of the store the aggregator reads from.
type SeriesReader interface {
	LatestTimestamp(ctx context.Context, deviceID string) (time.Time, bool, error)
	FleetLatestTimestamp(ctx context.Context, deviceIDs []string) (time.Time, bool, error)
	Series(ctx context.Context, deviceID string, metric database.Metric, since time.Time) ([]database.Point, error)
	FleetSeries(ctx context.Context, deviceIDs []string, metric database.Metric, since time.Time) ([]database.Point, error)
}

// Bucket is one fixed-width slice of a trend. A bucket with no samples is
// absent unless ForwardFill marked it Filled.
type Bucket struct {
	Start   time.Time `json:"start"`
	Avg     float64   `json:"avg"`
	Samples int       `json:"samples"`
	Filled  bool      `json:"filled,omitempty"`
}

// Present reports whether the bucket carries a value.
func (b Bucket) Present() bool {
	return b.Samples > 0 || b.Filled
}

// Trend is a bucketed series anchored at the newest sample.
type Trend struct {
	DeviceID string          `json:"device_id,omitempty"`
	Metric   database.Metric `json:"metric"`
	Anchor   time.Time       `json:"anchor"`
	Minutes  int             `json:"minutes"`
	Buckets  []Bucket        `json:"buckets"`
}

// Values returns the averages of present buckets in order.
func (t *Trend) Values() []float64 {
	var values []float64
	for _, b := range t.Buckets {
		if b.Present() {
			values = append(values, b.Avg)
		}
	}
	return values
}

func validateWindow(minutes, buckets int) error {
	if minutes <= 0 || minutes > MaxWindowMinutes || buckets <= 0 || buckets > MaxBuckets {
		return fmt.Errorf("%w: minutes=%d buckets=%d", ErrInvalidWindow, minutes, buckets)
	}
	return nil
}

// ValidateLookback checks a lookback in minutes against MaxWindowMinutes.
func ValidateLookback(minutes int) error {
	if minutes <= 0 || minutes > MaxWindowMinutes {
		return fmt.Errorf("%w: minutes=%d", ErrInvalidWindow, minutes)
	}
	return nil
}

// Bucketize averages points into n buckets covering the minutes before anchor.
// Points before the window are ignored; index overflow clamps to the edges.
// An out-of-range window yields nil.
func Bucketize(points []database.Point, anchor time.Time, minutes, n int) []Bucket {
	return bucketize(points, anchor, minutes, n, nil)
}

func bucketize(points []database.Point, anchor time.Time, minutes, n int, keep func(float64) bool) []Bucket {
	if validateWindow(minutes, n) != nil {
		return nil
	}
	lookback := time.Duration(minutes) * time.Minute
	start := anchor.Add(-lookback)
	width := lookback / time.Duration(n)

	buckets := make([]Bucket, n)
	sums := make([]float64, n)
	for i := range buckets {
		buckets[i].Start = start.Add(time.Duration(i) * width)
	}

	for _, p := range points {
		if p.Timestamp.Before(start) {
			continue
		}
		if keep != nil && !keep(p.Value) {
			continue
		}
		idx := int(p.Timestamp.Sub(start) / width)
		if idx < 0 {
			idx = 0
		}
		if idx >= n {
			idx = n - 1
		}
		sums[idx] += p.Value
		buckets[idx].Samples++
	}

	for i := range buckets {
		if buckets[i].Samples > 0 {
			buckets[i].Avg = sums[i] / float64(buckets[i].Samples)
		}
	}
	return buckets
}

// BucketizeFleet buckets each device separately and sums the per-device
// averages, so a device polled more often does not weigh more.
func BucketizeFleet(points []database.Point, anchor time.Time, minutes, n int) []Bucket {
	byDevice := make(map[string][]database.Point)
	for _, p := range points {
		byDevice[p.DeviceID] = append(byDevice[p.DeviceID], p)
	}
	ids := make([]string, 0, len(byDevice))
	for id := range byDevice {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	fleet := bucketize(nil, anchor, minutes, n, nil)
	for _, id := range ids {
		for i, b := range bucketize(byDevice[id], anchor, minutes, n, nil) {
			if b.Samples == 0 {
				continue
			}
			fleet[i].Avg += b.Avg
			fleet[i].Samples += b.Samples
		}
	}
	return fleet
}

// ForwardFill copies the previous value into later gaps. Leading gaps stay absent.
func ForwardFill(buckets []Bucket) []Bucket {
	out := make([]Bucket, len(buckets))
	copy(out, buckets)
	var (
		last float64
		seen bool
	)
	for i := range out {
		if out[i].Samples > 0 {
			last = out[i].Avg
			seen = true
			continue
		}
		if seen {
			out[i].Avg = last
			out[i].Filled = true
		}
	}
	return out
}

// =============================================================================
// Aggregator
// =============================================================================

// Aggregator builds trends anchored at the newest recorded sample, so a
// device whose collection stalled still yields a window ending at its last data.
type Aggregator struct {
	src SeriesReader
}

// NewAggregator creates an aggregator over src.
func NewAggregator(src SeriesReader) *Aggregator {
	return &Aggregator{src: src}
}

// Trend returns the hashrate trend for a device.
func (a *Aggregator) Trend(ctx context.Context, deviceID string, minutes, buckets int) (*Trend, error) {
	return a.metricTrend(ctx, deviceID, database.MetricHashrate, minutes, buckets, nil)
}

// TemperatureTrend returns the ASIC temperature trend, dropping non-physical readings.
func (a *Aggregator) TemperatureTrend(ctx context.Context, deviceID string, minutes, buckets int) (*Trend, error) {
	return a.metricTrend(ctx, deviceID, database.MetricAsicTemp, minutes, buckets, func(v float64) bool { return v > 0 })
}

func (a *Aggregator) metricTrend(ctx context.Context, deviceID string, metric database.Metric, minutes, buckets int, keep func(float64) bool) (*Trend, error) {
	if err := validateWindow(minutes, buckets); err != nil {
		return nil, err
	}
	trend := &Trend{DeviceID: deviceID, Metric: metric, Minutes: minutes, Buckets: []Bucket{}}

	anchor, ok, err := a.src.LatestTimestamp(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("latest timestamp: %w", err)
	}
	if !ok {
		return trend, nil
	}

	since := anchor.Add(-time.Duration(minutes) * time.Minute)
	points, err := a.src.Series(ctx, deviceID, metric, since)
	if err != nil {
		return nil, fmt.Errorf("series: %w", err)
	}
	trend.Anchor = anchor
	trend.Buckets = bucketize(points, anchor, minutes, buckets, keep)
	return trend, nil
}

// SwarmTrend returns the fleet hashrate trend anchored at the fleet's newest sample.
func (a *Aggregator) SwarmTrend(ctx context.Context, deviceIDs []string, minutes, buckets int) (*Trend, error) {
	if err := validateWindow(minutes, buckets); err != nil {
		return nil, err
	}
	trend := &Trend{Metric: database.MetricHashrate, Minutes: minutes, Buckets: []Bucket{}}

	anchor, ok, err := a.src.FleetLatestTimestamp(ctx, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("fleet latest timestamp: %w", err)
	}
	if !ok {
		return trend, nil
	}

	since := anchor.Add(-time.Duration(minutes) * time.Minute)
	points, err := a.src.FleetSeries(ctx, deviceIDs, database.MetricHashrate, since)
	if err != nil {
		return nil, fmt.Errorf("fleet series: %w", err)
	}
	trend.Anchor = anchor
	trend.Buckets = BucketizeFleet(points, anchor, minutes, buckets)
	return trend, nil
}
