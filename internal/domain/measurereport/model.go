package measurereport

import (
	"time"

	"github.com/google/uuid"

	engine "github.com/ehr/cqm/internal/measure"
	"github.com/ehr/cqm/internal/platform/fhir"
)

// MeasureReport maps to the measure_report table. Content holds the rendered
// FHIR resource; the other columns index it for search.
type MeasureReport struct {
	ID          uuid.UUID   `json:"id"`
	FHIRID      string      `json:"fhir_id"`
	MeasureRef  string      `json:"measure"`
	Type        string      `json:"type"`
	Status      string      `json:"status"`
	SubjectRef  *string     `json:"subject,omitempty"`
	PeriodStart time.Time   `json:"period_start"`
	PeriodEnd   time.Time   `json:"period_end"`
	Content     fhir.Object `json:"content"`
	CreatedAt   time.Time   `json:"created_at"`
}

// FromReport indexes a generated report and its FHIR rendering.
func FromReport(r *engine.Report, resource map[string]interface{}) *MeasureReport {
	mr := &MeasureReport{
		FHIRID:      r.ID,
		MeasureRef:  r.Measure,
		Type:        string(r.Type),
		Status:      r.Status,
		PeriodStart: r.Period.Start,
		PeriodEnd:   r.Period.End,
		Content:     fhir.Object(resource),
	}
	if r.Subject != "" {
		subject := r.Subject
		mr.SubjectRef = &subject
	}
	return mr
}

func (mr *MeasureReport) ToFHIR() map[string]interface{} {
	result := make(map[string]interface{}, len(mr.Content)+1)
	for k, v := range mr.Content {
		result[k] = v
	}
	result["resourceType"] = "MeasureReport"
	result["id"] = mr.FHIRID
	if !mr.CreatedAt.IsZero() {
		result["meta"] = fhir.Meta{LastUpdated: mr.CreatedAt}
	}
	return result
}
