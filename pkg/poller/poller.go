// Package poller samples every configured device on an interval and writes
// each valid snapshot to the store.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/powerhive/hivelog/pkg/database"
	"github.com/powerhive/hivelog/pkg/miner"
)

// Defaults for a Poller.
const (
	DefaultInterval    = 30 * time.Second
	DefaultTimeout     = 2 * time.Second
	DefaultConcurrency = 10
	DefaultCooldown    = 10 * time.Second
)

// Target is one device to poll. ID is the stable device name.
type Target struct {
	ID   string
	Host string
}

// Safety thresholds are only logged. Zero MinHashrate disables that check.
type Safety struct {
	TempWarning  float64
	TempCritical float64
	MinHashrate  float64
}

// DefaultSafety matches the stock Bitaxe thermal guidance.
var DefaultSafety = Safety{TempWarning: 65, TempCritical: 70}

// CycleResult summarizes one poll cycle.
type CycleResult struct {
	ID        string
	Started   time.Time
	Duration  time.Duration
	Succeeded int
	Failed    int
	Errors    map[string]error
}

// Poller fans out one fetch per target each cycle.
type Poller struct {
	store   database.Writer
	factory miner.ClientFactory
	targets []Target
	clients map[string]miner.Client

	interval    time.Duration
	timeout     time.Duration
	concurrency int
	cooldown    time.Duration
	safety      Safety

	log     logrus.FieldLogger
	metrics *Metrics
	now     func() time.Time

	mu         sync.Mutex
	lastConfig map[string]int64
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the sleep between cycles.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) { p.interval = d }
}

// WithTimeout sets the per-device fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(p *Poller) { p.timeout = d }
}

// WithConcurrency bounds simultaneous fetches.
func WithConcurrency(n int) Option {
	return func(p *Poller) { p.concurrency = n }
}

// WithCooldown sets the pause after a failed cycle.
func WithCooldown(d time.Duration) Option {
	return func(p *Poller) { p.cooldown = d }
}

// WithSafety sets logged safety thresholds.
func WithSafety(s Safety) Option {
	return func(p *Poller) { p.safety = s }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(p *Poller) { p.log = log }
}

// WithMetrics sets the Prometheus collectors.
func WithMetrics(m *Metrics) Option {
	return func(p *Poller) { p.metrics = m }
}

// WithClock overrides the clock used to timestamp samples.
func WithClock(now func() time.Time) Option {
	return func(p *Poller) { p.now = now }
}

// New creates a poller. Clients are built once per target.
func New(store database.Writer, factory miner.ClientFactory, targets []Target, opts ...Option) *Poller {
	p := &Poller{
		store:       store,
		factory:     factory,
		targets:     targets,
		clients:     make(map[string]miner.Client, len(targets)),
		interval:    DefaultInterval,
		timeout:     DefaultTimeout,
		concurrency: DefaultConcurrency,
		cooldown:    DefaultCooldown,
		safety:      DefaultSafety,
		log:         logrus.StandardLogger(),
		now:         time.Now,
		lastConfig:  make(map[string]int64),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.concurrency <= 0 {
		p.concurrency = 1
	}
	p.log = p.log.WithField("component", "poller")
	for _, t := range targets {
		p.clients[t.ID] = factory.NewClient(t.Host)
	}
	return p
}

// PollOnce runs one cycle over every target and waits for all of them.
// A failing device never cancels its siblings.
func (p *Poller) PollOnce(ctx context.Context) CycleResult {
	res := CycleResult{
		ID:      uuid.NewString(),
		Started: p.now(),
		Errors:  make(map[string]error),
	}
	start := time.Now()
	log := p.log.WithField("cycle", res.ID)
	log.WithField("devices", len(p.targets)).Debug("poll cycle started")

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(p.concurrency)

	for _, t := range p.targets {
		t := t
		g.Go(func() error {
			err := p.pollTarget(ctx, log, t)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				log.WithField("device", t.ID).Warnf("[%s] ERROR: %v", t.ID, err)
				res.Failed++
				res.Errors[t.ID] = err
			} else {
				res.Succeeded++
			}
			return nil
		})
	}
	_ = g.Wait()

	res.Duration = time.Since(start)
	p.metrics.observeCycle(res.Duration)

	entry := log.WithField("duration", res.Duration.Round(time.Millisecond))
	if res.Succeeded == 0 && len(p.targets) > 0 {
		entry.Warnf("Poll complete: %d succeeded, %d failed", res.Succeeded, res.Failed)
	} else {
		entry.Infof("Poll complete: %d succeeded, %d failed", res.Succeeded, res.Failed)
	}
	return res
}

// pollTarget recovers a panic in a single device task so it is counted as a failure.
func (p *Poller) pollTarget(ctx context.Context, log logrus.FieldLogger, t Target) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	ts, err := p.pollOne(ctx, log.WithField("device", t.ID), t)
	p.metrics.observeDevice(t.ID, err, ts)
	return err
}

// pollOne fetches and stores one device. Only the fetch is bounded by the
// per-device timeout; storage waits on the database busy timeout.
func (p *Poller) pollOne(ctx context.Context, log logrus.FieldLogger, t Target) (time.Time, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, p.timeout)
	snap, err := p.clients[t.ID].GetSnapshot(fetchCtx)
	cancel()
	if err != nil {
		return time.Time{}, fmt.Errorf("fetch %s: %w", t.Host, err)
	}

	device := &database.Device{
		ID:              t.ID,
		IPAddress:       t.Host,
		Hostname:        snap.Hostname,
		Model:           snap.Model,
		FirmwareVersion: snap.FirmwareVersion,
		StratumURL:      snap.StratumURL,
		StratumPort:     snap.StratumPort,
		StratumUser:     snap.StratumUser,
	}
	if err := p.store.RegisterDevice(ctx, device); err != nil {
		return time.Time{}, p.storageError(log, err)
	}

	configID, err := p.store.GetOrCreateConfig(ctx, snap.Frequency, snap.CoreVoltage)
	if err != nil {
		return time.Time{}, p.storageError(log, err)
	}

	ts := p.now().UTC()
	sample := database.NewMetricSample(t.ID, configID, ts, snap)
	if err := p.store.InsertMetric(ctx, sample); err != nil {
		return time.Time{}, p.storageError(log, err)
	}
	p.checkConfigChange(ctx, log, t.ID, configID, snap)

	p.checkSafety(log, snap)
	log.WithFields(logrus.Fields{
		"hashrate": snap.Hashrate,
		"power":    snap.Power,
		"temp":     snap.AsicTemp,
	}).Debug("sample stored")
	return ts, nil
}

func (p *Poller) storageError(log logrus.FieldLogger, err error) error {
	if errors.Is(err, database.ErrStorageBusy) {
		log.WithError(err).Error("database busy, sample dropped")
	} else {
		log.WithError(err).Error("storage write failed")
	}
	return fmt.Errorf("store: %w", err)
}

// checkConfigChange logs when a device moves to a different operating point.
// It only sees stored samples, so a dropped sample cannot hide a change.
func (p *Poller) checkConfigChange(ctx context.Context, log logrus.FieldLogger, deviceID string, configID int64, snap *miner.Snapshot) {
	p.mu.Lock()
	prev, seen := p.lastConfig[deviceID]
	p.lastConfig[deviceID] = configID
	p.mu.Unlock()

	if !seen || prev == configID {
		return
	}
	from := "unknown"
	if old, err := p.store.GetConfig(ctx, prev); err == nil && old != nil {
		from = fmt.Sprintf("%d@%d", old.Frequency, old.CoreVoltage)
	}
	log.WithFields(logrus.Fields{
		"from": from,
		"to":   fmt.Sprintf("%d@%d", snap.Frequency, snap.CoreVoltage),
	}).Info("clock config changed")
}

func (p *Poller) checkSafety(log logrus.FieldLogger, snap *miner.Snapshot) {
	switch {
	case p.safety.TempCritical > 0 && snap.AsicTemp >= p.safety.TempCritical:
		log.WithField("temp", snap.AsicTemp).Warn("CRITICAL: ASIC temperature above shutdown threshold")
	case p.safety.TempWarning > 0 && snap.AsicTemp >= p.safety.TempWarning:
		log.WithField("temp", snap.AsicTemp).Warn("ASIC temperature above warning threshold")
	}
	if p.safety.MinHashrate > 0 && snap.Hashrate < p.safety.MinHashrate {
		log.WithField("hashrate", snap.Hashrate).Warn("hashrate below minimum")
	}
}

// Run polls until ctx is cancelled. Cancellation is only observed between
// cycles: the cycle in flight finishes under the per-device timeouts and its
// samples are stored. A cycle that panics is logged and followed by the
// cooldown instead of the interval.
func (p *Poller) Run(ctx context.Context) error {
	p.log.WithFields(logrus.Fields{
		"interval":    p.interval,
		"devices":     len(p.targets),
		"concurrency": p.concurrency,
	}).Info("Starting poll loop")

	for {
		wait := p.interval
		if err := p.safeCycle(context.WithoutCancel(ctx)); err != nil {
			p.log.WithError(err).Errorf("poll cycle failed, cooling down for %s", p.cooldown)
			wait = p.cooldown
		}

		if ctx.Err() != nil {
			p.log.Info("Poll loop stopped")
			return ctx.Err()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.log.Info("Poll loop stopped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Poller) safeCycle(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	p.PollOnce(ctx)
	return nil
}
