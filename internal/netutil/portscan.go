package netutil

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/sync/errgroup"
)

// PortScanner finds hosts that accept TCP connections on a port.
type PortScanner struct {
	timeout     time.Duration
	concurrency int
}

// PortScannerOption configures a PortScanner.
type PortScannerOption func(*PortScanner)

// WithScanTimeout sets the dial timeout per host.
func WithScanTimeout(timeout time.Duration) PortScannerOption {
	return func(ps *PortScanner) {
		ps.timeout = timeout
	}
}

// WithScanConcurrency bounds simultaneous dials.
func WithScanConcurrency(concurrency int) PortScannerOption {
	return func(ps *PortScanner) {
		ps.concurrency = concurrency
	}
}

// NewPortScanner creates a port scanner.
func NewPortScanner(opts ...PortScannerOption) *PortScanner {
	ps := &PortScanner{
		timeout:     2 * time.Second,
		concurrency: 100,
	}
	for _, opt := range opts {
		opt(ps)
	}
	if ps.concurrency <= 0 {
		ps.concurrency = 1
	}
	return ps
}

// IsPortOpen reports whether host accepts a TCP connection on port.
func (ps *PortScanner) IsPortOpen(ctx context.Context, host string, port int) bool {
	dialer := &net.Dialer{Timeout: ps.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// OpenHosts returns the hosts with port open, in input order. Hosts not yet
// dialed when ctx is cancelled are skipped.
func (ps *PortScanner) OpenHosts(ctx context.Context, hosts []string, port int) []string {
	open := make([]bool, len(hosts))
	var g errgroup.Group
	g.SetLimit(ps.concurrency)
	for i, host := range hosts {
		if ctx.Err() != nil {
			break
		}
		i, host := i, host
		g.Go(func() error {
			open[i] = ps.IsPortOpen(ctx, host, port)
			return nil
		})
	}
	_ = g.Wait()

	var out []string
	for i, ok := range open {
		if ok {
			out = append(out, hosts[i])
		}
	}
	return out
}
