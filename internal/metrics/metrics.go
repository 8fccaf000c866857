// Package metrics exposes Prometheus counters for the scan admission path.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Scan outcomes used as label values.
const (
	OutcomeAdmitted    = "admitted"
	OutcomeDuplicate   = "duplicate"
	OutcomeRateLimited = "rate_limited"
	OutcomeMalformed   = "malformed"
	OutcomeShiftClosed = "shift_not_open"
	OutcomeError       = "error"
)

// Recorder is what the handlers need; the worker shares it for counter
// divergence accounting.
type Recorder interface {
	RecordScan(outcome string, elapsed time.Duration)
	RecordAutoRegistration()
	RecordShiftDivergence()
}

// Collector implements Recorder on a Prometheus registry.
type Collector struct {
	scans           *prometheus.CounterVec
	scanLatency     prometheus.Histogram
	autoRegistered  prometheus.Counter
	shiftDivergence prometheus.Counter
}

// NewCollector registers and returns the collector.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "busattend_scans_total",
			Help: "Scan requests by outcome.",
		}, []string{"outcome"}),
		scanLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "busattend_scan_latency_seconds",
			Help:    "End-to-end scan handling latency.",
			Buckets: prometheus.DefBuckets,
		}),
		autoRegistered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busattend_auto_registered_students_total",
			Help: "Placeholder students created from unseen QR payloads.",
		}),
		shiftDivergence: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "busattend_shift_counter_divergence_total",
			Help: "Scan events whose shift was closed or missing when the counter was updated.",
		}),
	}
	reg.MustRegister(c.scans, c.scanLatency, c.autoRegistered, c.shiftDivergence)
	return c
}

// RecordScan counts one scan request outcome and its latency.
func (c *Collector) RecordScan(outcome string, elapsed time.Duration) {
	c.scans.WithLabelValues(outcome).Inc()
	c.scanLatency.Observe(elapsed.Seconds())
}

// RecordAutoRegistration counts one auto-created placeholder student.
func (c *Collector) RecordAutoRegistration() {
	c.autoRegistered.Inc()
}

// RecordShiftDivergence counts one detected shift-counter divergence.
func (c *Collector) RecordShiftDivergence() {
	c.shiftDivergence.Inc()
}

// Nop is a Recorder that discards everything, for tests.
type Nop struct{}

func (Nop) RecordScan(string, time.Duration) {}
func (Nop) RecordAutoRegistration()          {}
func (Nop) RecordShiftDivergence()           {}
