package bitaxe

import (
	"time"

	"github.com/powerhive/hivelog/pkg/miner"
)

// ClientFactory creates AxeOS HTTP clients.
// It implements miner.ClientFactory for the poller.
type ClientFactory struct {
	timeout time.Duration
}

// FactoryOption configures a ClientFactory.
type FactoryOption func(*ClientFactory)

// WithFactoryTimeout sets the HTTP timeout for created clients.
func WithFactoryTimeout(timeout time.Duration) FactoryOption {
	return func(f *ClientFactory) {
		f.timeout = timeout
	}
}

// NewClientFactory creates a new AxeOS client factory.
func NewClientFactory(opts ...FactoryOption) *ClientFactory {
	f := &ClientFactory{
		timeout: DefaultTimeout,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// NewClient creates a new AxeOS HTTP client for the given host.
func (f *ClientFactory) NewClient(host string) miner.Client {
	return NewClient(host, WithTimeout(f.timeout))
}

var _ miner.ClientFactory = (*ClientFactory)(nil)
