package measurereport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	engine "github.com/ehr/cqm/internal/measure"
)

var period2024 = engine.Interval{
	Start: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	End:   time.Date(2024, 12, 31, 23, 59, 59, 0, time.UTC),
}

func testReport(id, subject string, typ engine.ReportType) *engine.Report {
	return &engine.Report{
		ID:      id,
		Status:  "complete",
		Type:    typ,
		Measure: "Measure/diabetes",
		Subject: subject,
		Period:  period2024,
	}
}

func record(t *testing.T, svc *Service, r *engine.Report) {
	t.Helper()
	require.NoError(t, svc.Record(context.Background(), r, r.ToFHIR(engine.FHIRVersionR4)))
}

func TestService_Record(t *testing.T) {
	svc := NewService(NewMemoryRepo())
	record(t, svc, testReport("r1", "Patient/p1", engine.ReportIndividual))

	mr, err := svc.GetMeasureReportByFHIRID(context.Background(), "r1")
	require.NoError(t, err)
	assert.Equal(t, "Measure/diabetes", mr.MeasureRef)
	require.NotNil(t, mr.SubjectRef)
	assert.Equal(t, "Patient/p1", *mr.SubjectRef)
	assert.Equal(t, "MeasureReport", mr.ToFHIR()["resourceType"])
	assert.False(t, mr.CreatedAt.IsZero())

	_, err = svc.GetMeasureReportByFHIRID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_RecordValidation(t *testing.T) {
	svc := NewService(NewMemoryRepo())

	bad := testReport("r1", "", engine.ReportSummary)
	bad.Period = engine.Interval{Start: period2024.End, End: period2024.Start}
	assert.Error(t, svc.Record(context.Background(), bad, nil))

	bad = testReport("r2", "", engine.ReportSummary)
	bad.Status = "done"
	assert.Error(t, svc.Record(context.Background(), bad, nil))

	bad = testReport("r3", "", engine.ReportSummary)
	bad.Measure = ""
	assert.Error(t, svc.Record(context.Background(), bad, nil))
}

func TestMemoryRepo_SearchNewestFirst(t *testing.T) {
	repo := NewMemoryRepo()
	svc := NewService(repo)
	record(t, svc, testReport("r1", "Patient/p1", engine.ReportIndividual))
	record(t, svc, testReport("r2", "", engine.ReportSummary))
	record(t, svc, testReport("r3", "Patient/p1", engine.ReportIndividual))

	items, total, err := svc.SearchMeasureReports(context.Background(), SearchParams{Subject: "Patient/p1"}, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, "r3", items[0].FHIRID)
	assert.Equal(t, "r1", items[1].FHIRID)

	items, total, err = svc.SearchMeasureReports(context.Background(), SearchParams{}, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, items, 1)
	assert.Equal(t, "r2", items[0].FHIRID)

	items, _, err = svc.SearchMeasureReports(context.Background(), SearchParams{}, 10, 5)
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSearchQuery(t *testing.T) {
	q := searchQuery(SearchParams{Measure: "Measure/diabetes", Status: "complete"})
	assert.Equal(t, " WHERE measure_ref = $1 AND status = $2", q.Where())
	assert.Equal(t, 3, q.NextArg())
	assert.Empty(t, searchQuery(SearchParams{}).Where())
}

func newTestServer(t *testing.T) (*echo.Echo, *Service) {
	t.Helper()
	svc := NewService(NewMemoryRepo())
	e := echo.New()
	NewHandler(svc).RegisterRoutes(e.Group("/fhir"))
	return e, svc
}

func TestHandler_Search(t *testing.T) {
	e, svc := newTestServer(t)
	record(t, svc, testReport("r1", "Patient/p1", engine.ReportIndividual))
	record(t, svc, testReport("r2", "Patient/p2", engine.ReportIndividual))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/MeasureReport?subject=p2", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var bundle map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	assert.Equal(t, "searchset", bundle["type"])
	assert.Equal(t, float64(1), bundle["total"])
	assert.True(t, strings.Contains(rec.Body.String(), `"id":"r2"`))
}

func TestHandler_Get(t *testing.T) {
	e, svc := newTestServer(t)
	record(t, svc, testReport("r1", "", engine.ReportSummary))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/MeasureReport/r1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "summary", body["type"])

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fhir/MeasureReport/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHandler_SearchFormBodyAndPaging(t *testing.T) {
	e, svc := newTestServer(t)
	for _, id := range []string{"r1", "r2", "r3"} {
		record(t, svc, testReport(id, "", engine.ReportSummary))
	}

	req := httptest.NewRequest(http.MethodPost, "/fhir/MeasureReport/_search?_count=2",
		strings.NewReader("measure=Measure%2Fdiabetes&type=summary"))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationForm)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var bundle struct {
		Total int `json:"total"`
		Link  []struct {
			Relation string `json:"relation"`
			URL      string `json:"url"`
		} `json:"link"`
		Entry []json.RawMessage `json:"entry"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &bundle))
	assert.Equal(t, 3, bundle.Total)
	assert.Len(t, bundle.Entry, 2)

	var next string
	for _, l := range bundle.Link {
		if l.Relation == "next" {
			next = l.URL
		}
	}
	assert.Contains(t, next, "_offset=2")
	assert.Contains(t, next, "measure=Measure%2Fdiabetes")
	assert.Contains(t, next, "type=summary")
}
