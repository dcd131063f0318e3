// Package metrics exposes scheduler metrics in Prometheus format.
//
// Everything is registered on a private registry so several collectors can coexist in
// one process (tests, restarts) without duplicate registration panics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"autoelect/internal/portal"
	"autoelect/internal/session"
)

const namespace = "autoelect"

// Collector implements elective.Metrics and exports pool and captcha figures.
type Collector struct {
	reg *prometheus.Registry

	attempts       *prometheus.CounterVec
	attemptLatency *prometheus.HistogramVec
	cycles         *prometheus.CounterVec
	cycleLatency   *prometheus.HistogramVec
	eligible       *prometheus.GaugeVec
	acquireTimeout *prometheus.CounterVec
	captcha        *prometheus.CounterVec
	captchaLatency prometheus.Histogram
	events         *prometheus.CounterVec
}

func NewCollector() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attempts_total",
			Help:      "Election attempts by partition and outcome.",
		}, []string{"partition", "outcome"}),
		attemptLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "attempt_duration_seconds",
			Help:      "Election attempt round-trip latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"partition"}),
		cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Completed registration cycles.",
		}, []string{"partition"}),
		cycleLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Registration cycle duration, excluding the pause.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"partition"}),
		eligible: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eligible_courses",
			Help:      "Courses eligible for an attempt in the last cycle.",
		}, []string{"partition"}),
		acquireTimeout: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_acquire_timeouts_total",
			Help:      "Attempts skipped because no session became available in time.",
		}, []string{"partition"}),
		captcha: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "captcha_solves_total",
			Help:      "Captcha recognitions by result kind.",
		}, []string{"result"}),
		captchaLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "captcha_duration_seconds",
			Help:      "Captcha recognition latency.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20},
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_total",
			Help:      "Events published on the internal bus, by type.",
		}, []string{"type"}),
	}
	c.reg.MustRegister(
		c.attempts, c.attemptLatency,
		c.cycles, c.cycleLatency, c.eligible,
		c.acquireTimeout,
		c.captcha, c.captchaLatency,
		c.events,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	// Pre-create outcome series so rates start at zero.
	for _, o := range portal.Outcomes() {
		c.attempts.WithLabelValues("default", o.String())
	}
	return c
}

func (c *Collector) ObserveAttempt(partition string, outcome portal.Outcome, took time.Duration) {
	c.attempts.WithLabelValues(partition, outcome.String()).Inc()
	c.attemptLatency.WithLabelValues(partition).Observe(took.Seconds())
}

func (c *Collector) ObserveCycle(partition string, eligible int, took time.Duration) {
	c.cycles.WithLabelValues(partition).Inc()
	c.cycleLatency.WithLabelValues(partition).Observe(took.Seconds())
	c.eligible.WithLabelValues(partition).Set(float64(eligible))
}

func (c *Collector) ObserveAcquireTimeout(partition string) {
	c.acquireTimeout.WithLabelValues(partition).Inc()
}

// ObserveCaptcha matches captcha.WithObserver.
func (c *Collector) ObserveCaptcha(kind string, took time.Duration) {
	c.captcha.WithLabelValues(kind).Inc()
	c.captchaLatency.Observe(took.Seconds())
}

// ObserveEvent counts one bus event.
func (c *Collector) ObserveEvent(eventType string) {
	c.events.WithLabelValues(eventType).Inc()
}

// RegisterPool exports the pool's live figures. stats is called at scrape time.
func (c *Collector) RegisterPool(stats func() session.Stats) {
	gauge := func(name, help string, fn func(session.Stats) float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Subsystem: "pool", Name: name, Help: help},
			func() float64 { return fn(stats()) })
	}
	counter := func(name, help string, fn func(session.Stats) float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{Namespace: namespace, Subsystem: "pool", Name: name, Help: help},
			func() float64 { return fn(stats()) })
	}
	c.reg.MustRegister(
		gauge("target_sessions", "Configured pool size.", func(s session.Stats) float64 { return float64(s.Target) }),
		gauge("idle_sessions", "Sessions ready to be borrowed.", func(s session.Stats) float64 { return float64(s.Idle) }),
		gauge("borrowed_sessions", "Sessions currently borrowed.", func(s session.Stats) float64 { return float64(s.Borrowed) }),
		gauge("login_failure_streak", "Consecutive failed logins.", func(s session.Stats) float64 { return float64(s.FailureStreak) }),
		counter("logins_total", "Successful logins.", func(s session.Stats) float64 { return float64(s.Logins) }),
		counter("login_failures_total", "Failed logins.", func(s session.Stats) float64 { return float64(s.LoginFailures) }),
		counter("expired_total", "Sessions retired by age, use count, or portal expiry.", func(s session.Stats) float64 { return float64(s.Expired) }),
		counter("discarded_total", "Sessions discarded by callers.", func(s session.Stats) float64 { return float64(s.Discarded) }),
	)
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}
