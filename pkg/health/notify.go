package health

import (
	"context"

	"github.com/sirupsen/logrus"
)

// Notifier delivers events somewhere.
type Notifier interface {
	Notify(ctx context.Context, events []Event) error
}

// LogNotifier writes events to a logger: alerts at warn, everything else at info.
type LogNotifier struct {
	log logrus.FieldLogger
}

// NewLogNotifier creates a notifier backed by log.
func NewLogNotifier(log logrus.FieldLogger) *LogNotifier {
	return &LogNotifier{log: log.WithField("component", "alerts")}
}

// Notify implements Notifier.
func (n *LogNotifier) Notify(ctx context.Context, events []Event) error {
	for _, e := range events {
		entry := n.log.WithFields(logrus.Fields{
			"device": e.DeviceID,
			"kind":   e.Kind,
		})
		if e.Condition != "" {
			entry = entry.WithField("condition", e.Condition)
		}
		if e.Kind == KindAlert {
			entry.Warn(e.String())
		} else {
			entry.Info(e.String())
		}
	}
	return nil
}
