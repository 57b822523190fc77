// Package metrics exposes execution host counters to Prometheus.
//
// All methods are nil-receiver safe so components can take an optional
// *Collector and record unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
	OutcomeTimeout = "timeout"
	OutcomeChannel = "channel"
)

// Restart reasons.
const (
	RestartTimeout = "timeout"
	RestartCrash   = "crash"
	RestartReset   = "reset"
)

// Collector holds the registered metric vectors.
type Collector struct {
	runs         *prometheus.CounterVec
	runDuration  prometheus.Histogram
	restarts     *prometheus.CounterVec
	initFailures prometheus.Counter
	inFlight     prometheus.Gauge
	sessions     prometheus.Gauge
	installs     *prometheus.CounterVec
}

// New creates a Collector and registers it with reg. A nil reg leaves the
// metrics unregistered, which tests use to avoid global state.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pyhost",
			Name:      "runs_total",
			Help:      "Code executions by outcome.",
		}, []string{"outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "pyhost",
			Name:      "run_duration_seconds",
			Help:      "Wall time of code executions as seen by the host.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 8),
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pyhost",
			Name:      "isolate_restarts_total",
			Help:      "Isolate recreations by reason.",
		}, []string{"reason"}),
		initFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pyhost",
			Name:      "isolate_init_failures_total",
			Help:      "Isolates that failed to initialize.",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pyhost",
			Name:      "calls_in_flight",
			Help:      "Requests awaiting a terminal response.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pyhost",
			Name:      "sessions_active",
			Help:      "Live HTTP sessions.",
		}),
		installs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pyhost",
			Name:      "installs_total",
			Help:      "Package install requests by outcome.",
		}, []string{"outcome"}),
	}
	if reg != nil {
		reg.MustRegister(c.runs, c.runDuration, c.restarts, c.initFailures, c.inFlight, c.sessions, c.installs)
	}
	return c
}

// ObserveRun records one finished execution.
func (c *Collector) ObserveRun(outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(outcome).Inc()
	c.runDuration.Observe(d.Seconds())
}

// IncRestart records an isolate recreation.
func (c *Collector) IncRestart(reason string) {
	if c == nil {
		return
	}
	c.restarts.WithLabelValues(reason).Inc()
}

func (c *Collector) IncInitFailure() {
	if c == nil {
		return
	}
	c.initFailures.Inc()
}

// AddInFlight adjusts the in-flight call gauge by delta.
func (c *Collector) AddInFlight(delta int) {
	if c == nil {
		return
	}
	c.inFlight.Add(float64(delta))
}

func (c *Collector) SetSessions(n int) {
	if c == nil {
		return
	}
	c.sessions.Set(float64(n))
}

// IncInstall records an install request; ok reports whether every package
// installed.
func (c *Collector) IncInstall(ok bool) {
	if c == nil {
		return
	}
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeError
	}
	c.installs.WithLabelValues(outcome).Inc()
}
