package health

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/powerhive/hivelog/pkg/database"
)

// ReportSource is the read side the fleet report needs.
type ReportSource interface {
	UptimeAverages(ctx context.Context, deviceID string, sessionSeconds int64) (*database.Averages, error)
	HighestDifficulty(ctx context.Context, deviceID string) (*database.DifficultyRecord, error)
}

// DeviceReport is one row of the periodic fleet report.
type DeviceReport struct {
	DeviceID string
	Averages *database.Averages        // nil without samples in the lookback
	Best     *database.DifficultyRecord // nil without any best_diff
}

// BuildReport collects per-device averages over lookback, in deviceIDs order.
func BuildReport(ctx context.Context, src ReportSource, deviceIDs []string, lookback time.Duration) ([]DeviceReport, error) {
	secs := int64(lookback / time.Second)
	rows := make([]DeviceReport, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		avg, err := src.UptimeAverages(ctx, id, secs)
		if err != nil {
			return nil, fmt.Errorf("averages %s: %w", id, err)
		}
		best, err := src.HighestDifficulty(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("difficulty %s: %w", id, err)
		}
		rows = append(rows, DeviceReport{DeviceID: id, Averages: avg, Best: best})
	}
	return rows, nil
}

// LogReport writes one line per device and a fleet total.
func LogReport(log logrus.FieldLogger, rows []DeviceReport, lookback time.Duration) {
	log = log.WithField("component", "report")
	var hashrate, power float64
	reporting := 0
	for _, r := range rows {
		entry := log.WithField("device", r.DeviceID)
		if r.Averages == nil {
			entry.Info("no samples in report window")
			continue
		}
		reporting++
		hashrate += r.Averages.Hashrate
		power += r.Averages.Power

		fields := logrus.Fields{
			"avg_hashrate": round2(r.Averages.Hashrate),
			"avg_power":    round2(r.Averages.Power),
			"samples":      r.Averages.Samples,
		}
		if r.Averages.EfficiencyJTH != nil {
			fields["avg_efficiency"] = round2(*r.Averages.EfficiencyJTH)
		}
		if r.Best != nil {
			fields["best_diff"] = r.Best.AllTime
		}
		entry.WithFields(fields).Info("device report")
	}
	log.WithFields(logrus.Fields{
		"lookback":       lookback,
		"devices":        len(rows),
		"reporting":      reporting,
		"total_hashrate": round2(hashrate),
		"total_power":    round2(power),
	}).Info("fleet report")
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
