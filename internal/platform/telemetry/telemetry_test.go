package telemetry

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/testutil"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ehr/cqm/internal/measure"
)

func TestObserveEvaluation(t *testing.T) {
	m := NewMetrics()

	m.ObserveEvaluation("cms122", measure.ReportSummary, 3, 20*time.Millisecond, nil)
	m.ObserveEvaluation("cms122", measure.ReportSummary, 2, time.Millisecond,
		&measure.DataAccessError{Op: "search all subjects", Err: errors.New("down")})

	if got := testutil.ToFloat64(m.Evaluations.WithLabelValues("cms122", "summary", "success")); got != 1 {
		t.Errorf("expected 1 successful evaluation, got %v", got)
	}
	if got := testutil.ToFloat64(m.Evaluations.WithLabelValues("cms122", "summary", "data_access_error")); got != 1 {
		t.Errorf("expected 1 failed evaluation, got %v", got)
	}
	if got := testutil.ToFloat64(m.SubjectsEvaluated.WithLabelValues("cms122")); got != 5 {
		t.Errorf("expected 5 subjects, got %v", got)
	}
}

func TestOutcome(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "success"},
		{&measure.ConfigurationError{Msg: "x"}, "configuration_error"},
		{&measure.ExpressionError{Expression: "A", Err: errors.New("x")}, "expression_error"},
		{&measure.EvaluationTypeError{Expression: "A", Value: 1}, "type_error"},
		{&measure.ExpressionError{Expression: "A", Err: &measure.DataAccessError{Op: "x", Err: errors.New("y")}}, "data_access_error"},
		{errors.New("other"), "error"},
	}
	for _, tt := range tests {
		if got := outcome(tt.err); got != tt.want {
			t.Errorf("outcome(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := NewMetrics()
	e := echo.New()
	e.Use(m.Middleware())
	e.GET("/fhir/Measure/:id", func(c echo.Context) error { return c.NoContent(http.StatusOK) })
	e.GET("/metrics", m.Handler())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/Measure/abc", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	if got := testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/fhir/Measure/:id", "200")); got != 1 {
		t.Errorf("expected request counted under route pattern, got %v", got)
	}

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, "http_server_requests_total") {
		t.Error("expected http_server_requests_total in exposition")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Error("expected Go runtime collector in exposition")
	}
}

func TestTracingMiddleware(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	e := echo.New()
	e.Use(TracingMiddleware(tp.Tracer("test")))
	e.GET("/fhir/Measure/:id/$evaluate-measure", func(c echo.Context) error {
		return echo.NewHTTPError(http.StatusBadGateway, "down")
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/Measure/x/$evaluate-measure", nil))

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if spans[0].Name() != "HTTP GET /fhir/Measure/:id/$evaluate-measure" {
		t.Errorf("unexpected span name %q", spans[0].Name())
	}
	if spans[0].Status().Code.String() != "Error" {
		t.Errorf("expected error status for 502, got %v", spans[0].Status().Code)
	}
}

func TestInitTracing_DisabledWithoutEndpoint(t *testing.T) {
	p, err := InitTracing(context.Background(), TracingConfig{ServiceName: "measure-server"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Enabled() {
		t.Error("expected tracing to be disabled")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}
