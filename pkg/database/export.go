package database

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// ExportColumns is the CSV header written by ExportCSV.
var ExportColumns = []string{
	"timestamp", "device_id", "frequency", "core_voltage",
	"hashrate", "power", "voltage", "current",
	"asic_temp", "vreg_temp", "fan_speed", "fan_rpm",
	"efficiency_jth", "efficiency_ghw",
	"shares_accepted", "shares_rejected",
}

// ExportCSV writes every sample of a device to w, oldest first, and returns
// the number of rows written. Timestamps are RFC 3339 in UTC.
func (s *Store) ExportCSV(ctx context.Context, w io.Writer, deviceID string) (int, error) {
	writer := csv.NewWriter(w)
	if err := writer.Write(ExportColumns); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	n := 0
	err := s.EachSample(ctx, deviceID, func(l *LatestSample) error {
		if err := writer.Write(exportRecord(l)); err != nil {
			return fmt.Errorf("write row: %w", err)
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}

	writer.Flush()
	return n, writer.Error()
}

func exportRecord(l *LatestSample) []string {
	f := func(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
	return []string{
		l.Timestamp.UTC().Format(time.RFC3339Nano),
		l.DeviceID,
		strconv.Itoa(l.Frequency),
		strconv.Itoa(l.CoreVoltage),
		f(l.Hashrate),
		f(l.Power),
		f(l.Voltage),
		f(l.Current),
		f(l.AsicTemp),
		f(l.VRegTemp),
		f(l.FanSpeed),
		strconv.Itoa(l.FanRPM),
		f(l.EfficiencyJTH),
		f(l.EfficiencyGHW),
		strconv.FormatInt(l.SharesAccepted, 10),
		strconv.FormatInt(l.SharesRejected, 10),
	}
}
