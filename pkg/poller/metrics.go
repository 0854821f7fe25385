package poller

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the poller's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	cycles        prometheus.Counter
	devicePolls   *prometheus.CounterVec
	cycleDuration prometheus.Histogram
	lastSuccess   *prometheus.GaugeVec
}

// NewMetrics creates the collectors and registers them on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		cycles: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hivelog_poll_cycles_total",
			Help: "Completed poll cycles.",
		}),
		devicePolls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hivelog_device_polls_total",
			Help: "Device polls by outcome.",
		}, []string{"device", "result"}),
		cycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "hivelog_poll_cycle_duration_seconds",
			Help:    "Wall time of a poll cycle.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "hivelog_device_last_success_timestamp_seconds",
			Help: "Unix time of the last stored sample per device.",
		}, []string{"device"}),
	}
	reg.MustRegister(m.cycles, m.devicePolls, m.cycleDuration, m.lastSuccess)
	return m
}

func (m *Metrics) observeCycle(d time.Duration) {
	if m == nil {
		return
	}
	m.cycles.Inc()
	m.cycleDuration.Observe(d.Seconds())
}

func (m *Metrics) observeDevice(device string, err error, at time.Time) {
	if m == nil {
		return
	}
	if err != nil {
		m.devicePolls.WithLabelValues(device, "error").Inc()
		return
	}
	m.devicePolls.WithLabelValues(device, "ok").Inc()
	m.lastSuccess.WithLabelValues(device).Set(float64(at.Unix()))
}
