// Package metrics defines the prometheus collectors exported on /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Admission holds the counters and histograms the admission path reports to.
type Admission struct {
	Outcomes      *prometheus.CounterVec
	StoreDuration prometheus.Histogram
	StoredBytes   prometheus.Counter
	Reclaimed     prometheus.Counter
}

// NewAdmission registers the admission collectors with reg.
// Pass prometheus.DefaultRegisterer in production and a fresh registry in tests.
func NewAdmission(reg prometheus.Registerer) *Admission {
	m := &Admission{
		Outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "examgate_admissions_total",
			Help: "Submission attempts by outcome.",
		}, []string{"reason"}),
		StoreDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "examgate_store_duration_seconds",
			Help:    "Time spent staging and committing an accepted submission.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
		StoredBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "examgate_stored_bytes_total",
			Help: "Bytes of committed submissions.",
		}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "examgate_reservations_reclaimed_total",
			Help: "Reservations released by the watchdog after their deadline.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Outcomes, m.StoreDuration, m.StoredBytes, m.Reclaimed)
	}
	return m
}

// Observe records one admission outcome.
func (m *Admission) Observe(reason string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(reason).Inc()
}

// Stored records a committed file.
func (m *Admission) Stored(size int64, took time.Duration) {
	if m == nil {
		return
	}
	m.StoredBytes.Add(float64(size))
	m.StoreDuration.Observe(took.Seconds())
}

// Reclaim counts watchdog releases.
func (m *Admission) Reclaim(n int) {
	if m == nil || n == 0 {
		return
	}
	m.Reclaimed.Add(float64(n))
}
