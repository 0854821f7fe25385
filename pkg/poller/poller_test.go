package poller

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"

	"github.com/powerhive/hivelog/pkg/database"
	"github.com/powerhive/hivelog/pkg/miner"
)

var fixedNow = time.Unix(1_700_000_000, 0).UTC()

type fakeClient struct {
	host  string
	mu    sync.Mutex
	snap  *miner.Snapshot
	err   error
	boom  bool
	delay time.Duration
}

func (c *fakeClient) Host() string { return c.host }

func (c *fakeClient) GetSnapshot(ctx context.Context) (*miner.Snapshot, error) {
	c.mu.Lock()
	delay := c.delay
	c.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.boom {
		panic("device exploded")
	}
	if c.err != nil {
		return nil, c.err
	}
	s := *c.snap
	return &s, nil
}

func (c *fakeClient) set(fn func(c *fakeClient)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

type fakeFactory map[string]*fakeClient

func (f fakeFactory) NewClient(host string) miner.Client { return f[host] }

func snapshot(freq, temp float64) *miner.Snapshot {
	return &miner.Snapshot{
		Hostname:    "bitaxe",
		Model:       "BM1370",
		Hashrate:    1000,
		Power:       15,
		Voltage:     5100,
		Frequency:   int(freq),
		CoreVoltage: 1150,
		AsicTemp:    temp,
	}
}

func newTestPoller(t *testing.T, factory fakeFactory, targets []Target, opts ...Option) (*Poller, *database.Store, *test.Hook) {
	t.Helper()
	store, err := database.Open(filepath.Join(t.TempDir(), "hive.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	opts = append([]Option{WithLogger(log), WithClock(func() time.Time { return fixedNow })}, opts...)
	return New(store, factory, targets, opts...), store, hook
}

func TestPoller_PollOnce_IsolatesFailures(t *testing.T) {
	factory := fakeFactory{
		"10.0.0.1": {host: "10.0.0.1", snap: snapshot(525, 55)},
		"10.0.0.2": {host: "10.0.0.2", err: errors.New("connection refused")},
		"10.0.0.3": {host: "10.0.0.3", boom: true},
	}
	targets := []Target{{"alpha", "10.0.0.1"}, {"beta", "10.0.0.2"}, {"gamma", "10.0.0.3"}}
	reg := prometheus.NewRegistry()
	p, store, _ := newTestPoller(t, factory, targets, WithMetrics(NewMetrics(reg)))

	res := p.PollOnce(context.Background())
	if res.Succeeded != 1 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
	if res.ID == "" || res.Errors["beta"] == nil || res.Errors["gamma"] == nil {
		t.Fatalf("result = %+v", res)
	}

	latest, err := store.Latest(context.Background(), "alpha")
	if err != nil || latest == nil {
		t.Fatalf("Latest = %v, %v", latest, err)
	}
	if !latest.Timestamp.Equal(fixedNow) || latest.Frequency != 525 || latest.EfficiencyJTH != 15 {
		t.Fatalf("latest = %+v", latest)
	}
	dev, _ := store.GetDevice(context.Background(), "alpha")
	if dev == nil || dev.IPAddress != "10.0.0.1" || dev.Model != "BM1370" {
		t.Fatalf("device = %+v", dev)
	}

	if got := testutil.ToFloat64(p.metrics.devicePolls.WithLabelValues("alpha", "ok")); got != 1 {
		t.Fatalf("ok polls = %v", got)
	}
	if got := testutil.ToFloat64(p.metrics.devicePolls.WithLabelValues("beta", "error")); got != 1 {
		t.Fatalf("error polls = %v", got)
	}
	if got := testutil.ToFloat64(p.metrics.cycles); got != 1 {
		t.Fatalf("cycles = %v", got)
	}
}

func TestPoller_PollOnce_AllFailedWarns(t *testing.T) {
	factory := fakeFactory{"10.0.0.2": {host: "10.0.0.2", err: errors.New("timeout")}}
	p, _, hook := newTestPoller(t, factory, []Target{{"beta", "10.0.0.2"}})

	p.PollOnce(context.Background())
	last := hook.LastEntry()
	if last == nil || last.Level != logrus.WarnLevel || !strings.Contains(last.Message, "0 succeeded") {
		t.Fatalf("last entry = %+v", last)
	}
}

func TestPoller_PollOnce_LogsConfigChangeAndSafety(t *testing.T) {
	client := &fakeClient{host: "10.0.0.1", snap: snapshot(525, 55)}
	p, store, hook := newTestPoller(t, fakeFactory{"10.0.0.1": client}, []Target{{"alpha", "10.0.0.1"}})
	ctx := context.Background()

	p.PollOnce(ctx)
	client.set(func(c *fakeClient) { c.snap = snapshot(600, 71) })
	hook.Reset()
	p.PollOnce(ctx)

	var changed, critical bool
	for _, e := range hook.AllEntries() {
		if e.Message == "clock config changed" && e.Data["from"] == "525@1150" && e.Data["to"] == "600@1150" {
			changed = true
		}
		if e.Level == logrus.WarnLevel && strings.Contains(e.Message, "CRITICAL") {
			critical = true
		}
	}
	if !changed || !critical {
		t.Fatalf("changed = %v, critical = %v; entries = %+v", changed, critical, hook.AllEntries())
	}

	n, _ := store.MetricCount(ctx, "alpha")
	if n != 2 {
		t.Fatalf("MetricCount = %d, want 2", n)
	}
	changes, _ := store.ConfigChanges(ctx, []string{"alpha"}, time.Time{})
	if len(changes) != 1 {
		t.Fatalf("ConfigChanges = %+v", changes)
	}
}

func TestPoller_Run_StopsOnCancel(t *testing.T) {
	client := &fakeClient{host: "10.0.0.1", snap: snapshot(525, 55)}
	p, store, _ := newTestPoller(t, fakeFactory{"10.0.0.1": client}, []Target{{"alpha", "10.0.0.1"}},
		WithInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := p.Run(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run = %v", err)
	}
	n, _ := store.MetricCount(context.Background(), "alpha")
	if n < 2 {
		t.Fatalf("MetricCount = %d, want several cycles", n)
	}
}

// A shutdown during a cycle lets the cycle finish and store its samples.
func TestPoller_Run_FinishesInFlightCycle(t *testing.T) {
	client := &fakeClient{host: "10.0.0.9", snap: snapshot(525, 55), delay: 200 * time.Millisecond}
	p, store, hook := newTestPoller(t, fakeFactory{"10.0.0.9": client}, []Target{{"slow", "10.0.0.9"}},
		WithTimeout(time.Second), WithInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	if err := p.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v", err)
	}

	n, _ := store.MetricCount(context.Background(), "slow")
	if n != 1 {
		t.Fatalf("MetricCount = %d, want the in-flight sample", n)
	}
	for _, e := range hook.AllEntries() {
		if strings.Contains(e.Message, "0 succeeded") || strings.Contains(e.Message, "ERROR") {
			t.Fatalf("unexpected entry: %s", e.Message)
		}
	}
}

// The per-device timeout still bounds a cycle that outlives the shutdown.
func TestPoller_Run_InFlightCycleKeepsDeviceTimeout(t *testing.T) {
	client := &fakeClient{host: "10.0.0.9", snap: snapshot(525, 55), delay: time.Hour}
	p, _, _ := newTestPoller(t, fakeFactory{"10.0.0.9": client}, []Target{{"stuck", "10.0.0.9"}},
		WithTimeout(50*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestPoller_PollOnce_DurationIgnoresInjectedClock(t *testing.T) {
	client := &fakeClient{host: "10.0.0.1", snap: snapshot(525, 55)}
	reg := prometheus.NewRegistry()
	p, _, _ := newTestPoller(t, fakeFactory{"10.0.0.1": client}, []Target{{"alpha", "10.0.0.1"}},
		WithMetrics(NewMetrics(reg)))

	res := p.PollOnce(context.Background())
	if !res.Started.Equal(fixedNow) {
		t.Fatalf("Started = %v", res.Started)
	}
	if res.Duration < 0 || res.Duration > time.Minute {
		t.Fatalf("Duration = %v", res.Duration)
	}
}

// flakyStore drops the next insert.
type flakyStore struct {
	database.Writer
	mu       sync.Mutex
	failNext bool
}

func (f *flakyStore) InsertMetric(ctx context.Context, m *database.MetricSample) error {
	f.mu.Lock()
	fail := f.failNext
	f.failNext = false
	f.mu.Unlock()
	if fail {
		return database.ErrStorageBusy
	}
	return f.Writer.InsertMetric(ctx, m)
}

// A config change whose first sample was dropped is still logged on the
// next stored sample.
func TestPoller_ConfigChangeSurvivesDroppedSample(t *testing.T) {
	client := &fakeClient{host: "10.0.0.1", snap: snapshot(525, 55)}
	_, store, _ := newTestPoller(t, fakeFactory{"10.0.0.1": client}, nil)
	flaky := &flakyStore{Writer: store}

	log, hook := test.NewNullLogger()
	log.SetLevel(logrus.DebugLevel)
	p := New(flaky, fakeFactory{"10.0.0.1": client}, []Target{{"alpha", "10.0.0.1"}},
		WithLogger(log), WithClock(func() time.Time { return fixedNow }))
	ctx := context.Background()

	p.PollOnce(ctx)
	client.set(func(c *fakeClient) { c.snap = snapshot(600, 55) })
	flaky.mu.Lock()
	flaky.failNext = true
	flaky.mu.Unlock()
	if res := p.PollOnce(ctx); res.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}

	hook.Reset()
	p.PollOnce(ctx)
	var changed bool
	for _, e := range hook.AllEntries() {
		if e.Message == "clock config changed" && e.Data["from"] == "525@1150" && e.Data["to"] == "600@1150" {
			changed = true
		}
	}
	if !changed {
		t.Fatalf("config change not logged; entries = %+v", hook.AllEntries())
	}
}
