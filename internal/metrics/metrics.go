// Package metrics exposes the dispatcher's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every Prometheus collector the dispatcher registers.
type Metrics struct {
	Workers         *prometheus.GaugeVec
	SpawnsTotal     prometheus.Counter
	ReapsTotal      *prometheus.CounterVec
	SpawnTimeouts   prometheus.Counter
	AcquireDuration prometheus.Histogram
	ProbeFailures   *prometheus.CounterVec
	IdleSeconds     prometheus.Gauge
}

// New registers and returns the dispatcher's metrics. It must be
// called at most once per process; callers share the single instance.
func New() *Metrics {
	return &Metrics{
		Workers: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "dispatcher_workers",
			Help: "Current pool composition by lifecycle state.",
		}, []string{"state"}),
		SpawnsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_spawns_total",
			Help: "Total worker spawn attempts.",
		}),
		ReapsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_reaps_total",
			Help: "Total workers removed from the pool, by reason.",
		}, []string{"reason"}),
		SpawnTimeouts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "dispatcher_spawn_timeouts_total",
			Help: "Total spawns that did not become ready in time.",
		}),
		AcquireDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "dispatcher_acquire_duration_seconds",
			Help:    "Time spent inside AcquireWorker.",
			Buckets: prometheus.DefBuckets,
		}),
		ProbeFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "dispatcher_probe_failures_total",
			Help: "Total probe failures, by probe kind.",
		}, []string{"probe"}),
		IdleSeconds: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "dispatcher_idle_seconds",
			Help: "Seconds since the last call seen by the front door, or -1 if never.",
		}),
	}
}

// ObserveAcquire records the wall-clock time an AcquireWorker call
// took, regardless of outcome.
func (m *Metrics) ObserveAcquire(d time.Duration) {
	m.AcquireDuration.Observe(d.Seconds())
}

// SetPoolComposition overwrites the workers gauge for all three
// states at once, so stale label combinations can't linger.
func (m *Metrics) SetPoolComposition(starting, ready, dead int) {
	m.Workers.WithLabelValues("starting").Set(float64(starting))
	m.Workers.WithLabelValues("ready").Set(float64(ready))
	m.Workers.WithLabelValues("dead").Set(float64(dead))
}
