package miner

// Info contains basic device identity returned by discovery.
type Info struct {
	// Model is the ASIC model (e.g., "BM1370").
	Model string

	// Firmware is the detected firmware family.
	Firmware FirmwareType

	// FirmwareVersion is the firmware version string (e.g., "v2.4.0").
	FirmwareVersion string

	// IP is the device address that answered the probe.
	IP string

	// Hostname is the device's self-reported hostname.
	Hostname string

	// Hashrate is the hashrate at probe time in GH/s.
	Hashrate float64
}

// Snapshot is a firmware-agnostic telemetry reading.
// Required numeric fields are always populated; optional fields are nil
// when the device did not report them.
type Snapshot struct {
	Hostname        string
	Model           string
	FirmwareVersion string

	// Performance
	Hashrate float64 // GH/s
	Power    float64 // W
	Voltage  float64 // input voltage as reported (mV on most firmware)
	Current  float64 // mA

	// Clock config
	Frequency   int // MHz
	CoreVoltage int // mV

	// Thermal
	AsicTemp float64 // C
	VRTemp   float64 // C
	FanSpeed float64 // %
	FanRPM   int

	// Shares
	SharesAccepted int64
	SharesRejected int64
	UptimeSeconds  int64

	// Optional
	BestDiff        *float64
	BestSessionDiff *float64
	PoolDifficulty  *float64
	RejectionReason *string

	// Pool connection
	StratumURL  string
	StratumPort int
	StratumUser string
}

// EfficiencyJTH returns joules per terahash, or 0 when hashrate is 0.
func (s *Snapshot) EfficiencyJTH() float64 {
	return EfficiencyJTH(s.Power, s.Hashrate)
}

// EfficiencyGHW returns gigahashes per watt, or 0 when power is 0.
func (s *Snapshot) EfficiencyGHW() float64 {
	return EfficiencyGHW(s.Power, s.Hashrate)
}

// EfficiencyJTH computes J/TH from watts and GH/s.
func EfficiencyJTH(power, hashrate float64) float64 {
	if hashrate <= 0 {
		return 0
	}
	return power / (hashrate / 1000.0)
}

// EfficiencyGHW computes GH/W from watts and GH/s.
func EfficiencyGHW(power, hashrate float64) float64 {
	if power <= 0 {
		return 0
	}
	return hashrate / power
}

// FirmwareType represents different firmware types.
type FirmwareType string

const (
	FirmwareAxeOS   FirmwareType = "axeos"
	FirmwareUnknown FirmwareType = "unknown"
)
