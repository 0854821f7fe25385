package bitaxe

import (
	"context"
	"time"

	"github.com/powerhive/hivelog/pkg/miner"
)

// Prober implements miner.FirmwareProber for AxeOS firmware.
type Prober struct {
	timeout time.Duration
}

// ProberOption configures a Prober.
type ProberOption func(*Prober)

// WithProberTimeout sets the probe timeout.
func WithProberTimeout(timeout time.Duration) ProberOption {
	return func(p *Prober) {
		p.timeout = timeout
	}
}

// NewProber creates a new AxeOS firmware prober.
func NewProber(opts ...ProberOption) *Prober {
	p := &Prober{
		timeout: 3 * time.Second,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Probe fetches /api/system/info once and checks it looks like AxeOS.
// Only the raw payload is required; a device mid-boot that has not yet
// populated every telemetry field is still reported.
func (p *Prober) Probe(ctx context.Context, host string) (*miner.Info, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	client := NewClient(host, WithTimeout(p.timeout))

	info, err := client.GetSystemInfo(ctx)
	if err != nil {
		return nil, err
	}

	if info.ASICModel == "" || info.HashRate == nil {
		return nil, ErrNotAxeOS
	}

	return &miner.Info{
		Model:           info.ASICModel,
		Firmware:        miner.FirmwareAxeOS,
		FirmwareVersion: info.Version,
		IP:              host,
		Hostname:        info.Hostname,
		Hashrate:        *info.HashRate,
	}, nil
}

// FirmwareType returns the firmware type this prober detects.
func (p *Prober) FirmwareType() miner.FirmwareType {
	return miner.FirmwareAxeOS
}

var _ miner.FirmwareProber = (*Prober)(nil)
