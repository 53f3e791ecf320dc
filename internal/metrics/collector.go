// Package metrics implements livequery.PhaseMetrics as a prometheus
// collector, grounded on
// internal/worker/sshserver.Collector's Describe/Collect delegation
// pattern.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/joephuz/meteor/livequery"
)

const namespace = "livequery"

// Collector is a prometheus.Collector that reports a Driver's phase
// durations and oplog entry throughput.
type Collector struct {
	phaseDuration *prometheus.HistogramVec
	oplogEntries  *prometheus.CounterVec
}

// New returns a Collector ready to register with a prometheus.Registerer.
func New() *Collector {
	return &Collector{
		phaseDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "phase_duration_seconds",
				Help:      "Time spent in each driver phase before transitioning out of it.",
				Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 30, 120},
			}, []string{"phase"},
		),
		oplogEntries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "oplog_entries_total",
				Help:      "Oplog entries observed by drivers, by operation kind.",
			}, []string{"op"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.phaseDuration.Describe(ch)
	c.oplogEntries.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.phaseDuration.Collect(ch)
	c.oplogEntries.Collect(ch)
}

// ObservePhaseDuration is part of livequery.PhaseMetrics.
func (c *Collector) ObservePhaseDuration(phase livequery.Phase, d time.Duration) {
	c.phaseDuration.WithLabelValues(phase.String()).Observe(d.Seconds())
}

// ObserveOplogEntry is part of livequery.PhaseMetrics.
func (c *Collector) ObserveOplogEntry(op byte) {
	c.oplogEntries.WithLabelValues(string(op)).Inc()
}
