// Package analysis derives sessions, bucketed trends and stability figures
// from stored telemetry. Everything here reads through narrow interfaces so
// the same code runs against a local store or a remote provider.
package analysis

import (
	"github.com/powerhive/hivelog/pkg/database"
)

// RebootThreshold is the uptime (seconds) below which a decrease in the
// counter is treated as a reboot. Larger decreases are clock adjustments.
const RebootThreshold = 3600

// UptimeTotals is the current session and lifetime uptime of a device.
type UptimeTotals struct {
	SessionHours float64 `json:"session_hours"`
	TotalHours   float64 `json:"total_hours"`
	Reboots      int     `json:"reboots"`
}

// ReconstructUptime walks a time-ordered uptime history and splits it into
// boot segments. It returns false for an empty history.
func ReconstructUptime(points []database.UptimePoint) (UptimeTotals, bool) {
	if len(points) == 0 {
		return UptimeTotals{}, false
	}

	var (
		total      int64
		reboots    int
		prev       = points[0].Uptime
		segmentMax = points[0].Uptime
	)
	for _, p := range points[1:] {
		if p.Uptime < prev && p.Uptime < RebootThreshold {
			total += segmentMax
			segmentMax = p.Uptime
			reboots++
		} else if p.Uptime > segmentMax {
			segmentMax = p.Uptime
		}
		prev = p.Uptime
	}

	current := points[len(points)-1].Uptime
	total += current

	return UptimeTotals{
		SessionHours: float64(current) / 3600,
		TotalHours:   float64(total) / 3600,
		Reboots:      reboots,
	}, true
}

// SessionStart returns the timestamp of the first sample of the current boot
// segment, false for an empty history.
func SessionStart(points []database.UptimePoint) (database.UptimePoint, bool) {
	if len(points) == 0 {
		return database.UptimePoint{}, false
	}
	start := points[0]
	prev := points[0].Uptime
	for _, p := range points[1:] {
		if p.Uptime < prev && p.Uptime < RebootThreshold {
			start = p
		}
		prev = p.Uptime
	}
	return start, true
}
