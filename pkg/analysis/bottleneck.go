package analysis

import (
	"fmt"

	"github.com/powerhive/hivelog/pkg/database"
)

// Severity of a bottleneck finding.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Bottleneck is one limiting factor observed at a clock config.
type Bottleneck struct {
	Kind     string   `json:"kind"`
	Severity Severity `json:"severity"`
	Value    float64  `json:"value"`
	Message  string   `json:"message"`
}

// Thresholds for IdentifyBottlenecks.
const (
	AsicTempMax     = 65.0 // C
	AsicTempAvg     = 60.0
	VRegTempMax     = 80.0
	VRegTempAvg     = 70.0
	InputVoltageMin = 4.8 // V
	InputVoltageAvg = 4.9
	PowerMax        = 20.0 // W
	HashrateSpread  = 20.0 // %
)

// IdentifyBottlenecks inspects a config summary for thermal, supply and
// stability limits. Each check reports at most one finding.
func IdentifyBottlenecks(c database.ConfigSummary) []Bottleneck {
	var found []Bottleneck

	switch {
	case c.MaxAsicTemp >= AsicTempMax:
		found = append(found, Bottleneck{"asic_temp", SeverityCritical, c.MaxAsicTemp,
			fmt.Sprintf("ASIC thermal limit: %.1fC max", c.MaxAsicTemp)})
	case c.AvgAsicTemp >= AsicTempAvg:
		found = append(found, Bottleneck{"asic_temp", SeverityWarning, c.AvgAsicTemp,
			fmt.Sprintf("high ASIC temp: %.1fC avg", c.AvgAsicTemp)})
	}

	switch {
	case c.MaxVRegTemp >= VRegTempMax:
		found = append(found, Bottleneck{"vreg_temp", SeverityCritical, c.MaxVRegTemp,
			fmt.Sprintf("VR overheating: %.1fC max", c.MaxVRegTemp)})
	case c.AvgVRegTemp >= VRegTempAvg:
		found = append(found, Bottleneck{"vreg_temp", SeverityWarning, c.AvgVRegTemp,
			fmt.Sprintf("high VR temp: %.1fC avg", c.AvgVRegTemp)})
	}

	switch {
	case c.MinInputVoltage < InputVoltageMin:
		found = append(found, Bottleneck{"input_voltage", SeverityCritical, c.MinInputVoltage,
			fmt.Sprintf("PSU voltage sag: %.2fV min", c.MinInputVoltage)})
	case c.AvgInputVoltage < InputVoltageAvg:
		found = append(found, Bottleneck{"input_voltage", SeverityWarning, c.AvgInputVoltage,
			fmt.Sprintf("low input voltage: %.2fV avg", c.AvgInputVoltage)})
	}

	if c.MaxPower >= PowerMax {
		found = append(found, Bottleneck{"power", SeverityWarning, c.MaxPower,
			fmt.Sprintf("high power draw: %.1fW peak", c.MaxPower)})
	}

	if c.AvgHashrate > 0 {
		spread := (c.MaxHashrate - c.MinHashrate) / c.AvgHashrate * 100
		if spread > HashrateSpread {
			found = append(found, Bottleneck{"hashrate", SeverityWarning, spread,
				fmt.Sprintf("hashrate instability: %.1f%% spread", spread)})
		}
	}
	return found
}

// ConfigPicks are the standout clock configs of one device.
type ConfigPicks struct {
	BestEfficiency *database.ConfigSummary `json:"best_efficiency"`
	BestHashrate   *database.ConfigSummary `json:"best_hashrate"`
}

// CompareConfigs picks the config with the lowest average J/TH and the one
// with the highest average hashrate. Configs without a power reading are
// not eligible for efficiency. Ties go to the earlier summary.
func CompareConfigs(summaries []database.ConfigSummary) ConfigPicks {
	var picks ConfigPicks
	for i := range summaries {
		c := &summaries[i]
		if picks.BestHashrate == nil || c.AvgHashrate > picks.BestHashrate.AvgHashrate {
			picks.BestHashrate = c
		}
		if c.AvgEfficiencyJTH <= 0 {
			continue
		}
		if picks.BestEfficiency == nil || c.AvgEfficiencyJTH < picks.BestEfficiency.AvgEfficiencyJTH {
			picks.BestEfficiency = c
		}
	}
	return picks
}
