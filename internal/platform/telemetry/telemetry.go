// Package telemetry registers the service's Prometheus collectors and exposes
// the HTTP middleware and /metrics handler that report them.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "radreport"

// Outcome label values.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected"
	OutcomeError    = "error"
)

// Metrics holds every collector the service updates. Build it once in main
// with the registry /metrics serves.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec

	// Labels: operation (create, update, finalize, sign, addendum, ...), outcome.
	ReportMutations *prometheus.CounterVec
	// Labels: operation.
	VersionConflicts *prometheus.CounterVec

	WorklistApplied  prometheus.Counter
	WorklistSkipped  prometheus.Counter
	WorklistFailures prometheus.Counter
	WorklistDropped  prometheus.Counter
	WorklistQueue    prometheus.Gauge

	// Labels: action.
	AuditFailures *prometheus.CounterVec

	// Labels: result (ok, expired, unknown).
	ShareRedemptions *prometheus.CounterVec
	SharesCreated    prometheus.Counter
}

// NewMetrics registers all collectors on reg. A nil reg gets a fresh registry
// carrying the Go and process collectors.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			prometheus.NewGoCollector(),
			prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		)
	}
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		httpRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method, route and status code",
		}, []string{"method", "route", "status"}),
		httpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}, []string{"method", "route"}),

		ReportMutations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "mutations_total",
			Help:      "Report mutations by operation and outcome",
		}, []string{"operation", "outcome"}),
		VersionConflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "report",
			Name:      "version_conflicts_total",
			Help:      "Mutations rejected because the caller held a stale version",
		}, []string{"operation"}),

		WorklistApplied: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worklist",
			Name:      "applied_total",
			Help:      "Worklist projections written",
		}),
		WorklistSkipped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worklist",
			Name:      "stale_total",
			Help:      "Worklist updates ignored because a newer report version was already projected",
		}),
		WorklistFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worklist",
			Name:      "sync_failures_total",
			Help:      "Worklist projection writes that failed",
		}),
		WorklistDropped: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "worklist",
			Name:      "dropped_total",
			Help:      "Report events dropped because the worklist queue was full",
		}),
		WorklistQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "worklist",
			Name:      "queue_depth",
			Help:      "Report events waiting for a worklist worker",
		}),

		AuditFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "failures_total",
			Help:      "Audit events that could not be recorded",
		}, []string{"action"}),

		ShareRedemptions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "redemptions_total",
			Help:      "Share token redemptions by result",
		}, []string{"result"}),
		SharesCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "share",
			Name:      "created_total",
			Help:      "Share tokens issued",
		}),
	}
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// Middleware counts and times every request by its route template, so
// /api/v1/reports/:id is one series regardless of id.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method

			m.httpRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.httpDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}
