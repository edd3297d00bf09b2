package measurereport

import (
	"context"
	"errors"
)

// ErrNotFound is returned when no report has the requested id.
var ErrNotFound = errors.New("measure report not found")

// SearchParams filters report searches. Empty fields match everything.
type SearchParams struct {
	Measure string
	Subject string
	Type    string
	Status  string
}

type MeasureReportRepository interface {
	Create(ctx context.Context, mr *MeasureReport) error
	GetByFHIRID(ctx context.Context, fhirID string) (*MeasureReport, error)
	Search(ctx context.Context, params SearchParams, limit, offset int) ([]*MeasureReport, int, error)
}
