// Package obsmetrics instruments the fusion engine for Prometheus,
// following the teacher's MetricsRegistry/StepTimer/MustRegister idiom
// (internal/interfaces/http/metrics.go in the original monorepo) adapted
// from scan-pipeline metrics to the engine's own components (warm-up,
// derivation, catch-up, snapshot store).
package obsmetrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Registry holds every Prometheus metric the engine exposes.
type Registry struct {
	WarmupDuration     *prometheus.HistogramVec
	CatchupLagSeconds  prometheus.Gauge
	CatchupTaskErrors  prometheus.Counter
	DerivationEvents   *prometheus.CounterVec
	SnapshotStoreCalls *prometheus.CounterVec
	WindowCacheSize    *prometheus.GaugeVec
	LastSeenUnixSecs   prometheus.Gauge
}

// NewRegistry builds and registers every metric.
func NewRegistry() *Registry {
	r := &Registry{
		WarmupDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "fusiond_warmup_duration_seconds",
				Help:    "Duration of warm-up phases",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"phase"},
		),
		CatchupLagSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fusiond_catchup_lag_seconds",
			Help: "Seconds between last_seen and now",
		}),
		CatchupTaskErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "fusiond_catchup_task_errors_total",
			Help: "Total parallel catch-up tasks that failed",
		}),
		DerivationEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fusiond_derivation_events_total",
				Help: "Total base-period bars processed by derivation outcome",
			},
			[]string{"outcome"},
		),
		SnapshotStoreCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "fusiond_snapshot_store_calls_total",
				Help: "Total snapshot store calls by operation and result",
			},
			[]string{"op", "result"},
		),
		WindowCacheSize: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "fusiond_window_cache_entries",
				Help: "Current entry count per period in the window cache",
			},
			[]string{"period"},
		),
		LastSeenUnixSecs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "fusiond_last_seen_unix_seconds",
			Help: "Most recent base-period bucket_ts folded into the cache",
		}),
	}
	prometheus.MustRegister(
		r.WarmupDuration, r.CatchupLagSeconds, r.CatchupTaskErrors,
		r.DerivationEvents, r.SnapshotStoreCalls, r.WindowCacheSize, r.LastSeenUnixSecs,
	)
	return r
}

// StepTimer times a warm-up phase, mirroring the teacher's StartStepTimer/Stop.
type StepTimer struct {
	r     *Registry
	phase string
	start time.Time
}

func (r *Registry) StartPhaseTimer(phase string) *StepTimer {
	return &StepTimer{r: r, phase: phase, start: time.Now()}
}

func (t *StepTimer) Stop() {
	t.r.WarmupDuration.WithLabelValues(t.phase).Observe(time.Since(t.start).Seconds())
	log.Debug().Str("phase", t.phase).Dur("duration", time.Since(t.start)).Msg("warm-up phase completed")
}

// ServeMetrics exposes /metrics on addr; returns immediately, serving in the
// background. Intended for a sidecar scrape target, not a public API.
func ServeMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Warn().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}
