// Package discovery finds AxeOS devices on the local network.
package discovery

import (
	"time"

	"github.com/powerhive/hivelog/pkg/miner"
)

// DiscoveredDevice is a host that answered the AxeOS system info probe.
type DiscoveredDevice struct {
	IP              string
	Hostname        string
	Model           string
	Firmware        miner.FirmwareType
	FirmwareVersion string
	Hashrate        float64 // GH/s at probe time
	DiscoveredAt    time.Time
}

// ScanResult contains the results of a network scan.
type ScanResult struct {
	// Devices are sorted by IP.
	Devices []DiscoveredDevice

	// Errors holds probe failures for hosts with the port open, keyed by IP.
	Errors map[string]error

	Duration        time.Duration
	ScannedIPs      int
	ResponsiveHosts int
}

// ScanOptions configures scanning.
type ScanOptions struct {
	Timeout     time.Duration
	Concurrency int
	Port        int
}

// DefaultScanOptions returns the default scan options.
func DefaultScanOptions() ScanOptions {
	return ScanOptions{
		Timeout:     3 * time.Second,
		Concurrency: 32,
		Port:        80,
	}
}
