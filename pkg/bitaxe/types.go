package bitaxe

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/powerhive/hivelog/pkg/miner"
)

// Difficulty is a share difficulty that AxeOS reports either as a bare
// number or as a human-formatted string such as "6.13 M".
// A zero-value Difficulty is absent.
type Difficulty struct {
	Value float64
	Valid bool
}

// UnmarshalJSON accepts a number, a suffixed string, or null.
// Unparseable values decode as absent rather than failing the payload.
func (d *Difficulty) UnmarshalJSON(data []byte) error {
	*d = Difficulty{}
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil
		}
		if v, ok := ParseDifficulty(s); ok {
			*d = Difficulty{Value: v, Valid: true}
		}
		return nil
	}

	var f float64
	if err := json.Unmarshal(data, &f); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		*d = Difficulty{Value: f, Valid: true}
	}
	return nil
}

// Ptr returns the value as a pointer, nil when absent.
func (d Difficulty) Ptr() *float64 {
	if !d.Valid {
		return nil
	}
	v := d.Value
	return &v
}

var difficultySuffixes = map[byte]float64{
	'K': 1e3,
	'M': 1e6,
	'G': 1e9,
	'T': 1e12,
}

// ParseDifficulty parses "27.21M", "6.13 M", "1.2k" or "12345.67".
// Suffixes K/M/G/T are case-insensitive and may be separated by a space.
func ParseDifficulty(s string) (float64, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}

	multiplier := 1.0
	if m, ok := difficultySuffixes[s[len(s)-1]]; ok {
		multiplier = m
		s = strings.TrimSpace(s[:len(s)-1])
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, false
	}
	return v * multiplier, true
}

// RejectReason is one entry of sharesRejectedReasons.
type RejectReason struct {
	Message string `json:"message"`
	Count   int64  `json:"count"`
}

// SystemInfo is the /api/system/info payload.
// Required numeric fields are pointers so absence can be detected.
type SystemInfo struct {
	// Performance
	HashRate *float64 `json:"hashRate"`
	Power    *float64 `json:"power"`
	Voltage  *float64 `json:"voltage"`
	Current  *float64 `json:"current"`

	// Clock config
	Frequency   *float64 `json:"frequency"`
	CoreVoltage *float64 `json:"coreVoltage"`

	// Thermal
	Temp     *float64 `json:"temp"`
	VRTemp   *float64 `json:"vrTemp"`
	FanSpeed *float64 `json:"fanspeed"`
	FanRPM   *float64 `json:"fanrpm"`

	// Shares
	SharesAccepted        *float64       `json:"sharesAccepted"`
	SharesRejected        *float64       `json:"sharesRejected"`
	SharesRejectedReasons []RejectReason `json:"sharesRejectedReasons"`
	UptimeSeconds         *float64       `json:"uptimeSeconds"`

	// Difficulty
	BestDiff        Difficulty `json:"bestDiff"`
	BestSessionDiff Difficulty `json:"bestSessionDiff"`
	PoolDifficulty  Difficulty `json:"poolDifficulty"`

	// Pool
	StratumURL  string `json:"stratumURL"`
	StratumPort int    `json:"stratumPort"`
	StratumUser string `json:"stratumUser"`

	// Device information
	Hostname  string `json:"hostname"`
	ASICModel string `json:"ASICModel"`
	Version   string `json:"version"`
}

// requiredFields lists every field a usable snapshot must carry.
func (s *SystemInfo) requiredFields() []struct {
	name string
	val  *float64
} {
	return []struct {
		name string
		val  *float64
	}{
		{"hashRate", s.HashRate},
		{"power", s.Power},
		{"voltage", s.Voltage},
		{"current", s.Current},
		{"frequency", s.Frequency},
		{"coreVoltage", s.CoreVoltage},
		{"temp", s.Temp},
		{"vrTemp", s.VRTemp},
		{"fanspeed", s.FanSpeed},
		{"fanrpm", s.FanRPM},
		{"sharesAccepted", s.SharesAccepted},
		{"sharesRejected", s.SharesRejected},
		{"uptimeSeconds", s.UptimeSeconds},
	}
}

// Validate checks that all required numeric fields are present and finite.
func (s *SystemInfo) Validate() error {
	for _, f := range s.requiredFields() {
		if f.val == nil || math.IsNaN(*f.val) || math.IsInf(*f.val, 0) {
			return &MissingFieldError{Field: f.name}
		}
	}
	return nil
}

// TopRejectReason returns the most frequent rejection message, nil if none.
func (s *SystemInfo) TopRejectReason() *string {
	var top *RejectReason
	for i := range s.SharesRejectedReasons {
		r := &s.SharesRejectedReasons[i]
		if r.Message == "" {
			continue
		}
		if top == nil || r.Count > top.Count {
			top = r
		}
	}
	if top == nil {
		return nil
	}
	msg := top.Message
	return &msg
}

// ToSnapshot converts a validated payload into a miner.Snapshot.
func (s *SystemInfo) ToSnapshot() (*miner.Snapshot, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &miner.Snapshot{
		Hostname:        s.Hostname,
		Model:           s.ASICModel,
		FirmwareVersion: s.Version,
		Hashrate:        *s.HashRate,
		Power:           *s.Power,
		Voltage:         *s.Voltage,
		Current:         *s.Current,
		Frequency:       int(math.Round(*s.Frequency)),
		CoreVoltage:     int(math.Round(*s.CoreVoltage)),
		AsicTemp:        *s.Temp,
		VRTemp:          *s.VRTemp,
		FanSpeed:        *s.FanSpeed,
		FanRPM:          int(math.Round(*s.FanRPM)),
		SharesAccepted:  int64(*s.SharesAccepted),
		SharesRejected:  int64(*s.SharesRejected),
		UptimeSeconds:   int64(*s.UptimeSeconds),
		BestDiff:        s.BestDiff.Ptr(),
		BestSessionDiff: s.BestSessionDiff.Ptr(),
		PoolDifficulty:  s.PoolDifficulty.Ptr(),
		RejectionReason: s.TopRejectReason(),
		StratumURL:      s.StratumURL,
		StratumPort:     s.StratumPort,
		StratumUser:     s.StratumUser,
	}, nil
}
