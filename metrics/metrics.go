// Package metrics exports flush statistics of Unit of Work sessions to Prometheus.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/sharedcode/odm"
)

const (
	namespace = "odm"
	subsystem = "unit_of_work"
)

// Recorder implements common.Recorder over Prometheus collectors.
type Recorder struct {
	flushDuration *prometheus.HistogramVec
	flushPasses   prometheus.Histogram
	writes        *prometheus.CounterVec
	conflicts     *prometheus.CounterVec
}

// NewRecorder registers the collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	f := promauto.With(reg)
	return &Recorder{
		flushDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "flush_duration_seconds",
				Help:      "Time taken by Flush, by outcome",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		flushPasses: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "flush_passes",
				Help:      "Number of passes a flush needed, re-entry passes included",
				Buckets:   []float64{1, 2, 3, 5, 9},
			},
		),
		writes: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "writes_total",
				Help:      "Documents and collections written, by class and operation",
			},
			[]string{"class", "operation"},
		),
		conflicts: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "version_conflicts_total",
				Help:      "Failed version preconditions, by class",
			},
			[]string{"class"},
		),
	}
}

var (
	defaultRecorder *Recorder
	once            sync.Once
)

// Default returns the recorder registered with the default Prometheus registry.
func Default() *Recorder {
	once.Do(func() {
		defaultRecorder = NewRecorder(prometheus.DefaultRegisterer)
	})
	return defaultRecorder
}

// ObserveFlush records one Flush call.
func (r *Recorder) ObserveFlush(duration time.Duration, passes int, err error) {
	r.flushDuration.WithLabelValues(outcome(err)).Observe(duration.Seconds())
	if passes > 0 {
		r.flushPasses.Observe(float64(passes))
	}
}

// CountWrites adds n written documents of class.
func (r *Recorder) CountWrites(class string, op odm.Operation, n int) {
	r.writes.WithLabelValues(class, string(op)).Add(float64(n))
}

// CountConflict counts a version conflict of class.
func (r *Recorder) CountConflict(class string) {
	r.conflicts.WithLabelValues(class).Inc()
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case odm.IsConcurrencyConflict(err):
		return "conflict"
	}
	return "error"
}
