// Package telemetry exposes Prometheus metrics and OpenTelemetry tracing for
// the measure service.
package telemetry

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ehr/cqm/internal/measure"
)

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60,
}

// Metrics holds the service's collectors. Each Metrics owns its registry so
// tests can create as many as they like.
type Metrics struct {
	registry *prometheus.Registry

	Evaluations        *prometheus.CounterVec
	EvaluationDuration *prometheus.HistogramVec
	SubjectsEvaluated  *prometheus.CounterVec
	HTTPRequests       *prometheus.CounterVec
	HTTPDuration       *prometheus.HistogramVec
	HTTPActive         prometheus.Gauge
	BreakerState       *prometheus.GaugeVec
	EventsPublished    *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "measure_evaluations_total",
			Help: "Measure evaluations by report type and outcome",
		}, []string{"measure", "report_type", "outcome"}),
		EvaluationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "measure_evaluation_duration_seconds",
			Help:    "Measure evaluation duration",
			Buckets: defaultDurationBuckets,
		}, []string{"measure", "report_type"}),
		SubjectsEvaluated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "measure_subjects_evaluated_total",
			Help: "Subjects iterated by measure evaluations",
		}, []string{"measure"}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_server_requests_total",
			Help: "HTTP requests by method, route and status",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_server_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: defaultDurationBuckets,
		}, []string{"method", "route"}),
		HTTPActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_server_active_requests",
			Help: "In-flight HTTP requests",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		}, []string{"name"}),
		EventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "measure_report_events_total",
			Help: "Report events handed to the broker by outcome",
		}, []string{"outcome"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Evaluations,
		m.EvaluationDuration,
		m.SubjectsEvaluated,
		m.HTTPRequests,
		m.HTTPDuration,
		m.HTTPActive,
		m.BreakerState,
		m.EventsPublished,
	)
	return m
}

// Registry returns the registry the collectors are registered with.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveEvaluation records one finished evaluation.
func (m *Metrics) ObserveEvaluation(measureID string, reportType measure.ReportType, subjects int, elapsed time.Duration, err error) {
	m.Evaluations.WithLabelValues(measureID, string(reportType), outcome(err)).Inc()
	m.EvaluationDuration.WithLabelValues(measureID, string(reportType)).Observe(elapsed.Seconds())
	m.SubjectsEvaluated.WithLabelValues(measureID).Add(float64(subjects))
}

func outcome(err error) string {
	if err == nil {
		return "success"
	}
	var (
		cfgErr  *measure.ConfigurationError
		exprErr *measure.ExpressionError
		typeErr *measure.EvaluationTypeError
		dataErr *measure.DataAccessError
	)
	switch {
	case errors.As(err, &dataErr):
		return "data_access_error"
	case errors.As(err, &cfgErr):
		return "configuration_error"
	case errors.As(err, &typeErr):
		return "type_error"
	case errors.As(err, &exprErr):
		return "expression_error"
	}
	return "error"
}

// SetBreakerState records a circuit breaker transition.
func (m *Metrics) SetBreakerState(name string, state int) {
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

// EventPublished counts a report event delivery attempt.
func (m *Metrics) EventPublished(err error) {
	if err != nil {
		m.EventsPublished.WithLabelValues("error").Inc()
		return
	}
	m.EventsPublished.WithLabelValues("success").Inc()
}

// Middleware returns an Echo middleware that records HTTP server metrics.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.HTTPActive.Inc()
			defer m.HTTPActive.Dec()

			start := time.Now()
			err := next(c)

			// Use route pattern, not actual path.
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			status := c.Response().Status
			if he, ok := err.(*echo.HTTPError); ok {
				status = he.Code
			}
			method := c.Request().Method
			m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
			m.HTTPDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// Handler serves the registry in Prometheus text exposition format.
func (m *Metrics) Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}
