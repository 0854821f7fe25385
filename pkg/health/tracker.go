// Package health tracks per-device offline, overheating and record-difficulty
// state and reports transitions only.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/powerhive/hivelog/pkg/database"
)

// Defaults for a Tracker.
const (
	DefaultOfflineThreshold = 10 * time.Minute
	DefaultTempThreshold    = 65.0
	DefaultBlockThreshold   = 1e12
)

// Source is the read side the tracker polls.
type Source interface {
	AllDeviceHealth(ctx context.Context, deviceIDs []string, threshold time.Duration) (map[string]database.DeviceHealth, error)
	MaxBestDiff(ctx context.Context, deviceIDs []string) (float64, error)
}

// Kind identifies an event type.
type Kind string

const (
	KindAlert      Kind = "alert"
	KindRecovered  Kind = "recovered"
	KindNewRecord  Kind = "new_record"
	KindBlockFound Kind = "block_found"
)

// Condition is the state an alert or recovery refers to.
type Condition string

const (
	ConditionOffline     Condition = "offline"
	ConditionOverheating Condition = "overheating"
)

// Event is a state transition.
type Event struct {
	Kind      Kind      `json:"kind"`
	Condition Condition `json:"condition,omitempty"`
	DeviceID  string    `json:"device_id"`
	Value     float64   `json:"value,omitempty"`
	Previous  float64   `json:"previous,omitempty"`
	LastSeen  time.Time `json:"last_seen,omitempty"`
}

func (e Event) String() string {
	switch e.Kind {
	case KindAlert, KindRecovered:
		return fmt.Sprintf("%s %s %s", e.DeviceID, e.Kind, e.Condition)
	default:
		return fmt.Sprintf("%s %s %.0f (previous %.0f)", e.DeviceID, e.Kind, e.Value, e.Previous)
	}
}

// Tracker owns the alert state. It is safe for concurrent use.
type Tracker struct {
	offlineThreshold time.Duration
	tempThreshold    float64
	blockThreshold   float64

	mu          sync.Mutex
	offline     map[string]bool
	overheating map[string]bool
	watermark   float64
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithOfflineThreshold sets how long without a sample marks a device offline.
func WithOfflineThreshold(d time.Duration) Option {
	return func(t *Tracker) {
		t.offlineThreshold = d
	}
}

// WithTempThreshold sets the ASIC temperature that counts as overheating.
func WithTempThreshold(c float64) Option {
	return func(t *Tracker) {
		t.tempThreshold = c
	}
}

// WithBlockThreshold sets the difficulty reported as a found block.
func WithBlockThreshold(d float64) Option {
	return func(t *Tracker) {
		t.blockThreshold = d
	}
}

// NewTracker creates a tracker with every device considered online and normal.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		offlineThreshold: DefaultOfflineThreshold,
		tempThreshold:    DefaultTempThreshold,
		blockThreshold:   DefaultBlockThreshold,
		offline:          make(map[string]bool),
		overheating:      make(map[string]bool),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Seed raises the difficulty watermark to the stored maximum so a restart
// does not re-announce old records.
func (t *Tracker) Seed(ctx context.Context, src Source, deviceIDs []string) error {
	max, err := src.MaxBestDiff(ctx, deviceIDs)
	if err != nil {
		return fmt.Errorf("seed watermark: %w", err)
	}
	t.mu.Lock()
	if max > t.watermark {
		t.watermark = max
	}
	t.mu.Unlock()
	return nil
}

// Watermark returns the highest difficulty seen so far.
func (t *Tracker) Watermark() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.watermark
}

// Check queries current health and returns the transitions since the last check.
func (t *Tracker) Check(ctx context.Context, src Source, deviceIDs []string) ([]Event, error) {
	health, err := src.AllDeviceHealth(ctx, deviceIDs, t.offlineThreshold)
	if err != nil {
		return nil, fmt.Errorf("device health: %w", err)
	}

	offline := make(map[string]bool)
	overheating := make(map[string]bool)
	var (
		best       float64
		bestDevice string
	)
	for id, h := range health {
		if !h.Online {
			offline[id] = true
		}
		if h.HasData && h.AsicTemp >= t.tempThreshold {
			overheating[id] = true
		}
		if h.BestDiff != nil && *h.BestDiff > best {
			best = *h.BestDiff
			bestDevice = id
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	var events []Event
	events = appendTransitions(events, t.offline, offline, ConditionOffline, health)
	events = appendTransitions(events, t.overheating, overheating, ConditionOverheating, health)
	t.offline = offline
	t.overheating = overheating

	if best > t.watermark {
		kind := KindNewRecord
		if best >= t.blockThreshold {
			kind = KindBlockFound
		}
		events = append(events, Event{Kind: kind, DeviceID: bestDevice, Value: best, Previous: t.watermark})
		t.watermark = best
	}

	sort.Slice(events, func(i, j int) bool {
		if events[i].Kind != events[j].Kind {
			return events[i].Kind < events[j].Kind
		}
		if events[i].DeviceID != events[j].DeviceID {
			return events[i].DeviceID < events[j].DeviceID
		}
		return events[i].Condition < events[j].Condition
	})
	return events, nil
}

// appendTransitions diffs two sets: entries only in next alert, entries only in prev recover.
func appendTransitions(events []Event, prev, next map[string]bool, cond Condition, health map[string]database.DeviceHealth) []Event {
	for id := range next {
		if !prev[id] {
			events = append(events, Event{Kind: KindAlert, Condition: cond, DeviceID: id,
				Value: health[id].AsicTemp, LastSeen: health[id].LastSeen})
		}
	}
	for id := range prev {
		if !next[id] {
			events = append(events, Event{Kind: KindRecovered, Condition: cond, DeviceID: id,
				Value: health[id].AsicTemp, LastSeen: health[id].LastSeen})
		}
	}
	return events
}
