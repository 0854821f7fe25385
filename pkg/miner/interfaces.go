// Package miner provides shared interfaces and types for miner interaction.
// This package defines abstractions that decouple polling and discovery
// from a specific device API such as the Bitaxe HTTP endpoint.
package miner

import "context"

// Client abstracts the read-only device API.
// Implementations include bitaxe.HTTPClient.
type Client interface {
	// Host returns the device's host address (IP or hostname).
	Host() string

	// GetSnapshot fetches one validated point-in-time telemetry snapshot.
	GetSnapshot(ctx context.Context) (*Snapshot, error)
}

// ClientFactory creates miner clients for specific hosts.
// This is injected into the poller so tests can substitute fake devices.
type ClientFactory interface {
	// NewClient creates a new miner client for the given host.
	NewClient(host string) Client
}

// FirmwareProber attempts to detect a specific firmware type on a host.
type FirmwareProber interface {
	// Probe attempts to connect to the host and retrieve device information.
	// Returns an error if this firmware type is not detected.
	Probe(ctx context.Context, host string) (*Info, error)

	// FirmwareType returns which firmware this prober detects.
	FirmwareType() FirmwareType
}
