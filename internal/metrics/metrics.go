package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	runStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriptd",
			Subsystem: "runs",
			Name:      "started_total",
			Help:      "Number of successfully spawned runs.",
		}, []string{"script"},
	)
	runTerminals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriptd",
			Subsystem: "runs",
			Name:      "terminal_total",
			Help:      "Number of runs reaching a terminal state, by state.",
		}, []string{"state"},
	)
	runningRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "scriptd",
			Subsystem: "runs",
			Name:      "running",
			Help:      "Current number of running runs.",
		},
	)
	stopDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "scriptd",
			Subsystem: "runs",
			Name:      "stop_duration_seconds",
			Help:      "Observed wall time of stop calls including the grace wait.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	registryScans = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "scriptd",
			Subsystem: "registry",
			Name:      "scans_total",
			Help:      "Number of script registry scans, by result.",
		}, []string{"result"},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{runStarts, runTerminals, runningRuns, stopDuration, registryScans}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// RegisterDefault registers with the default Prometheus registry.
func RegisterDefault() error { return Register(prometheus.DefaultRegisterer) }

// Handler returns an http.Handler serving metrics for the DefaultGatherer.
func Handler() http.Handler { return promhttp.Handler() }

// Serve runs a standalone metrics server on addr. It blocks.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return srv.ListenAndServe()
}

// Helpers used by internal packages; they no-op until Register succeeds.

func IncStarted(script string) {
	if regOK.Load() {
		runStarts.WithLabelValues(script).Inc()
	}
}

func IncTerminal(state string) {
	if regOK.Load() {
		runTerminals.WithLabelValues(state).Inc()
	}
}

func SetRunning(n int) {
	if regOK.Load() {
		runningRuns.Set(float64(n))
	}
}

func ObserveStopDuration(seconds float64) {
	if regOK.Load() {
		stopDuration.Observe(seconds)
	}
}

func IncScan(ok bool) {
	if regOK.Load() {
		result := "ok"
		if !ok {
			result = "error"
		}
		registryScans.WithLabelValues(result).Inc()
	}
}
