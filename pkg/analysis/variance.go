package analysis

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"
)

// Timeframe is a variance preset: a lookback and the number of buckets it is split into.
type Timeframe struct {
	Label   string `json:"label"`
	Minutes int    `json:"minutes"`
	Buckets int    `json:"buckets"`
}

// DefaultTimeframes are the presets reported by MultiTimeframe.
var DefaultTimeframes = []Timeframe{
	{Label: "1h", Minutes: 60, Buckets: 30},
	{Label: "4h", Minutes: 240, Buckets: 48},
	{Label: "8h", Minutes: 480, Buckets: 48},
	{Label: "24h", Minutes: 1440, Buckets: 24},
	{Label: "3d", Minutes: 4320, Buckets: 36},
}

// VarianceSummary describes the spread of bucket averages over a timeframe.
type VarianceSummary struct {
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Mean        float64 `json:"mean"`
	Median      float64 `json:"median"`
	VariancePct float64 `json:"variance_pct"`
	Buckets     int     `json:"buckets"`
}

// TimeframeVariance pairs a preset with its summary. Summary is nil when the
// timeframe had fewer than two buckets with data.
type TimeframeVariance struct {
	Timeframe
	Summary   *VarianceSummary `json:"summary"`
	Stability Stability        `json:"stability,omitempty"`
}

// Stability is a presentation band derived from VariancePct.
type Stability string

const (
	StabilityExcellent  Stability = "Excellent"
	StabilityStable     Stability = "Stable"
	StabilityAcceptable Stability = "Acceptable"
	StabilityVariable   Stability = "Variable"
	StabilityUnstable   Stability = "Unstable"
)

// Classify maps a variance percentage onto its stability band.
func Classify(pct float64) Stability {
	switch {
	case pct < 30:
		return StabilityExcellent
	case pct < 50:
		return StabilityStable
	case pct < 70:
		return StabilityAcceptable
	case pct < 90:
		return StabilityVariable
	default:
		return StabilityUnstable
	}
}

// Summarize computes min, max, mean, median and variance percentage.
// It returns false for fewer than two values.
func Summarize(values []float64) (*VarianceSummary, bool) {
	if len(values) < 2 {
		return nil, false
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	n := len(sorted)
	s := &VarianceSummary{
		Min:     sorted[0],
		Max:     sorted[n-1],
		Mean:    sum / float64(n),
		Buckets: n,
	}
	if n%2 == 0 {
		s.Median = (sorted[n/2-1] + sorted[n/2]) / 2
	} else {
		s.Median = sorted[n/2]
	}
	if s.Mean != 0 {
		s.VariancePct = (s.Max - s.Min) / s.Mean * 100
	}
	return s, true
}

// Analyzer computes hashrate stability on top of an Aggregator.
type Analyzer struct {
	agg        *Aggregator
	timeframes []Timeframe
}

// NewAnalyzer creates an analyzer using DefaultTimeframes.
func NewAnalyzer(agg *Aggregator) *Analyzer {
	return &Analyzer{agg: agg, timeframes: DefaultTimeframes}
}

// Variance summarizes one timeframe. A nil summary means not enough data.
func (a *Analyzer) Variance(ctx context.Context, deviceID string, tf Timeframe) (*VarianceSummary, error) {
	trend, err := a.agg.Trend(ctx, deviceID, tf.Minutes, tf.Buckets)
	if err != nil {
		return nil, err
	}
	summary, ok := Summarize(trend.Values())
	if !ok {
		return nil, nil
	}
	return summary, nil
}

// MultiTimeframe computes every preset concurrently, in preset order.
func (a *Analyzer) MultiTimeframe(ctx context.Context, deviceID string) ([]TimeframeVariance, error) {
	results := make([]TimeframeVariance, len(a.timeframes))
	g, ctx := errgroup.WithContext(ctx)
	for i, tf := range a.timeframes {
		i, tf := i, tf
		g.Go(func() error {
			summary, err := a.Variance(ctx, deviceID, tf)
			if err != nil {
				return fmt.Errorf("timeframe %s: %w", tf.Label, err)
			}
			results[i] = TimeframeVariance{Timeframe: tf, Summary: summary}
			if summary != nil {
				results[i].Stability = Classify(summary.VariancePct)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
