package discovery

import (
	"bytes"
	"context"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/powerhive/hivelog/internal/netutil"
	"github.com/powerhive/hivelog/pkg/config"
	"github.com/powerhive/hivelog/pkg/miner"
)

// Scanner finds devices in two phases: a TCP port sweep, then a firmware
// probe of each responsive host.
type Scanner struct {
	prober      miner.FirmwareProber
	portScanner *netutil.PortScanner
	opts        ScanOptions
	log         logrus.FieldLogger
	now         func() time.Time
}

// ScannerOption configures a Scanner.
type ScannerOption func(*Scanner)

// WithTimeout sets the per-host dial and probe timeout.
func WithTimeout(timeout time.Duration) ScannerOption {
	return func(s *Scanner) {
		s.opts.Timeout = timeout
	}
}

// WithConcurrency sets the maximum concurrent hosts.
func WithConcurrency(concurrency int) ScannerOption {
	return func(s *Scanner) {
		s.opts.Concurrency = concurrency
	}
}

// WithPort sets the HTTP port to sweep and probe.
func WithPort(port int) ScannerOption {
	return func(s *Scanner) {
		s.opts.Port = port
	}
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) ScannerOption {
	return func(s *Scanner) {
		s.log = log
	}
}

// NewScanner creates a scanner that identifies devices with prober.
func NewScanner(prober miner.FirmwareProber, opts ...ScannerOption) *Scanner {
	s := &Scanner{
		prober: prober,
		opts:   DefaultScanOptions(),
		log:    logrus.StandardLogger(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.opts.Concurrency <= 0 {
		s.opts.Concurrency = 1
	}
	s.log = s.log.WithField("component", "discovery")
	s.portScanner = netutil.NewPortScanner(
		netutil.WithScanTimeout(s.opts.Timeout),
		netutil.WithScanConcurrency(s.opts.Concurrency),
	)
	return s
}

// ScanNetwork scans a CIDR, a dash range or a single address.
func (s *Scanner) ScanNetwork(ctx context.Context, target string) (*ScanResult, error) {
	ips, err := netutil.Expand(target)
	if err != nil {
		return nil, err
	}
	return s.ScanHosts(ctx, ips)
}

// ScanHosts scans specific IPv4 addresses.
func (s *Scanner) ScanHosts(ctx context.Context, ips []string) (*ScanResult, error) {
	start := s.now()
	result := &ScanResult{
		Devices:    make([]DiscoveredDevice, 0),
		Errors:     make(map[string]error),
		ScannedIPs: len(ips),
	}

	responsive := s.portScanner.OpenHosts(ctx, ips, s.opts.Port)
	result.ResponsiveHosts = len(responsive)
	s.log.WithFields(logrus.Fields{
		"scanned":    len(ips),
		"responsive": len(responsive),
		"port":       s.opts.Port,
	}).Debug("port sweep complete")

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.Concurrency)
	for _, ip := range responsive {
		if ctx.Err() != nil {
			break
		}
		ip := ip
		g.Go(func() error {
			info, err := s.prober.Probe(ctx, s.probeHost(ip))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.Errors[ip] = err
				return nil
			}
			result.Devices = append(result.Devices, DiscoveredDevice{
				IP:              ip,
				Hostname:        info.Hostname,
				Model:           info.Model,
				Firmware:        info.Firmware,
				FirmwareVersion: info.FirmwareVersion,
				Hashrate:        info.Hashrate,
				DiscoveredAt:    s.now(),
			})
			return nil
		})
	}
	_ = g.Wait()

	sort.Slice(result.Devices, func(i, j int) bool {
		return bytes.Compare(net.ParseIP(result.Devices[i].IP).To4(), net.ParseIP(result.Devices[j].IP).To4()) < 0
	})
	result.Duration = s.now().Sub(start)
	return result, ctx.Err()
}

func (s *Scanner) probeHost(ip string) string {
	if s.opts.Port == 80 {
		return ip
	}
	return net.JoinHostPort(ip, strconv.Itoa(s.opts.Port))
}

// Candidates turns discovered devices into config entries, skipping any whose
// IP is already configured. Names come from the device hostname, made unique.
func Candidates(found []DiscoveredDevice, existing []config.Device) []config.Device {
	knownIP := make(map[string]bool, len(existing))
	taken := make(map[string]bool, len(existing))
	for _, d := range existing {
		knownIP[d.IP] = true
		taken[d.Name] = true
	}

	var out []config.Device
	for _, d := range found {
		if knownIP[d.IP] {
			continue
		}
		base := strings.ToLower(strings.TrimSpace(d.Hostname))
		if base == "" {
			base = "bitaxe-" + strings.ReplaceAll(d.IP, ".", "-")
		}
		name := base
		for n := 2; taken[name]; n++ {
			name = base + "-" + strconv.Itoa(n)
		}
		taken[name] = true
		knownIP[d.IP] = true
		out = append(out, config.Device{Name: name, IP: d.IP})
	}
	return out
}
