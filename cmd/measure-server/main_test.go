package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/cqm/internal/config"
)

const measuresDir = "../../measures"

func testBundle() map[string]interface{} {
	patient := func(id, gender, birthDate string) map[string]interface{} {
		return map[string]interface{}{
			"resourceType": "Patient",
			"id":           id,
			"gender":       gender,
			"birthDate":    birthDate,
			"generalPractitioner": []interface{}{
				map[string]interface{}{"reference": "Practitioner/dr1"},
			},
		}
	}
	condition := func(id, patientID, code, onset string) map[string]interface{} {
		return map[string]interface{}{
			"resourceType":  "Condition",
			"id":            id,
			"subject":       map[string]interface{}{"reference": "Patient/" + patientID},
			"code":          map[string]interface{}{"coding": []interface{}{map[string]interface{}{"system": "http://hl7.org/fhir/sid/icd-10-cm", "code": code}}},
			"onsetDateTime": onset,
		}
	}
	resources := []map[string]interface{}{
		patient("p1", "female", "1980-06-15"),
		patient("p2", "male", "2010-02-01"),
		patient("p3", "female", "1970-11-30"),
		condition("c1", "p1", "E11.9", "2024-03-01"),
		condition("c2", "p3", "E11.65", "2019-05-05"),
	}
	entries := make([]interface{}, len(resources))
	for i, r := range resources {
		entries[i] = map[string]interface{}{"resource": r}
	}
	return map[string]interface{}{"resourceType": "Bundle", "type": "collection", "entry": entries}
}

func testConfig() *config.Config {
	return &config.Config{
		Port:             "0",
		Env:              "test",
		FHIRVersion:      "R4",
		MeasuresDir:      measuresDir,
		MigrationsDir:    "../../migrations",
		KafkaReportTopic: "measure-reports",
		TraceSampleRate:  1,
	}
}

func newTestServer(t *testing.T, cfg *config.Config) *server {
	t.Helper()
	s, err := newServer(context.Background(), cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.close(context.Background()) })
	return s
}

func do(s *server, method, target string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestNewServer_WithoutDatabase(t *testing.T) {
	s := newTestServer(t, testConfig())
	assert.Nil(t, s.pool)
	assert.Nil(t, s.scheduler)

	rec := do(s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "not configured", decode(t, rec)["database"])

	rec = do(s, http.MethodGet, "/fhir/Measure", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])

	// Bundle loading needs the database store.
	rec = do(s, http.MethodPost, "/fhir", testBundle())
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestNewServer_EvaluateAndSearchReports(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := do(s, http.MethodPost,
		"/fhir/Measure/diabetes-screening/$evaluate-measure?periodStart=2024-01-01&periodEnd=2024-12-31",
		testBundle())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode(t, rec)
	assert.Equal(t, "MeasureReport", report["resourceType"])
	assert.Equal(t, "summary", report["type"])
	require.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = do(s, http.MethodGet, "/fhir/MeasureReport?measure=Measure/diabetes-screening", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), decode(t, rec)["total"])

	rec = do(s, http.MethodGet, "/fhir/MeasureReport/"+report["id"].(string), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `measure_evaluations_total{measure="diabetes-screening",outcome="success",report_type="summary"} 1`)
}

func TestNewServer_WithoutBundleIsRejected(t *testing.T) {
	s := newTestServer(t, testConfig())

	rec := do(s, http.MethodGet, "/fhir/Measure/diabetes-screening/$evaluate-measure", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "OperationOutcome", decode(t, rec)["resourceType"])
}

func TestNewServer_Schedule(t *testing.T) {
	cfg := testConfig()
	cfg.EvaluationSchedule = "0 3 * * *"
	s := newTestServer(t, cfg)
	require.NotNil(t, s.scheduler)
}

func TestNewServer_BadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.FHIRVersion = "R5"
	_, err := newServer(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)

	cfg = testConfig()
	cfg.MeasuresDir = filepath.Join(t.TempDir(), "missing")
	_, err = newServer(context.Background(), cfg, zerolog.Nop())
	assert.Error(t, err)
}

func writeBundle(t *testing.T) string {
	t.Helper()
	raw, err := json.Marshal(testBundle())
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "bundle.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))
	return path
}

func TestRunEvaluate_Summary(t *testing.T) {
	var out bytes.Buffer
	err := runEvaluate(context.Background(), &out, evaluateOptions{
		measuresDir: measuresDir,
		bundle:      writeBundle(t),
		measure:     "http://example.org/fhir/Measure/diabetes-screening",
		periodStart: "2024-01-01",
		periodEnd:   "2024-12-31",
	}, testConfig().MeasurementPeriod)
	require.NoError(t, err)

	var report map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &report))
	assert.Equal(t, "MeasureReport", report["resourceType"])
	assert.Equal(t, "summary", report["type"])

	groups := report["group"].([]interface{})
	require.Len(t, groups, 1)
	score := groups[0].(map[string]interface{})["measureScore"].(map[string]interface{})
	assert.InDelta(t, 0.5, score["value"], 1e-9)
}

func TestRunEvaluate_Individual(t *testing.T) {
	var out bytes.Buffer
	err := runEvaluate(context.Background(), &out, evaluateOptions{
		measuresDir: measuresDir,
		bundle:      writeBundle(t),
		measure:     "diabetes-screening",
		subject:     "p1",
		periodStart: "2024-01-01",
		periodEnd:   "2024-12-31",
	}, testConfig().MeasurementPeriod)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `"type": "individual"`)
	assert.Contains(t, out.String(), `"reference": "Patient/p1"`)
}

func TestRunEvaluate_Errors(t *testing.T) {
	bundle := writeBundle(t)
	tests := []struct {
		name string
		opts evaluateOptions
	}{
		{"unknown measure", evaluateOptions{measuresDir: measuresDir, bundle: bundle, measure: "nope"}},
		{"missing bundle", evaluateOptions{measuresDir: measuresDir, bundle: filepath.Join(t.TempDir(), "none.json"), measure: "diabetes-screening"}},
		{"bad version", evaluateOptions{measuresDir: measuresDir, bundle: bundle, measure: "diabetes-screening", fhirVersion: "R5"}},
		{"bad report type", evaluateOptions{measuresDir: measuresDir, bundle: bundle, measure: "diabetes-screening", reportType: "weekly"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var out bytes.Buffer
			err := runEvaluate(context.Background(), &out, tt.opts, testConfig().MeasurementPeriod)
			assert.Error(t, err)
			assert.Zero(t, out.Len())
		})
	}
}

func TestEvaluateCmd_RequiresFlags(t *testing.T) {
	cmd := evaluateCmd()
	cmd.SetArgs([]string{"--measure", "diabetes-screening"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bundle")
}

func TestMigrateCmd_Subcommands(t *testing.T) {
	var names []string
	for _, c := range migrateCmd().Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"up", "status"}, names)
}

func TestPrintStatuses(t *testing.T) {
	var out bytes.Buffer
	cmd := migrateCmd()
	cmd.SetOut(&out)
	printStatuses(cmd, nil)
	assert.True(t, strings.HasPrefix(out.String(), "VERSION"))
}
