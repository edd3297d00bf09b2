package measurereport

import (
	"context"
	"fmt"

	engine "github.com/ehr/cqm/internal/measure"
)

type Service struct {
	reports MeasureReportRepository
}

func NewService(reports MeasureReportRepository) *Service {
	return &Service{reports: reports}
}

var validMeasureReportStatuses = map[string]bool{
	"complete": true, "pending": true, "error": true,
}

// Record stores a generated report under its own id.
func (s *Service) Record(ctx context.Context, r *engine.Report, resource map[string]interface{}) error {
	mr := FromReport(r, resource)
	if err := validateReport(mr); err != nil {
		return err
	}
	if err := s.reports.Create(ctx, mr); err != nil {
		return fmt.Errorf("store measure report %s: %w", mr.FHIRID, err)
	}
	return nil
}

func validateReport(mr *MeasureReport) error {
	if mr.MeasureRef == "" {
		return fmt.Errorf("measure is required")
	}
	if mr.PeriodStart.IsZero() {
		return fmt.Errorf("period start is required")
	}
	if mr.PeriodEnd.IsZero() {
		return fmt.Errorf("period end is required")
	}
	if mr.PeriodEnd.Before(mr.PeriodStart) {
		return fmt.Errorf("period end must be after period start")
	}
	if !validMeasureReportStatuses[mr.Status] {
		return fmt.Errorf("invalid status: %s", mr.Status)
	}
	if _, err := engine.ParseReportType(mr.Type); err != nil {
		return err
	}
	return nil
}

func (s *Service) GetMeasureReportByFHIRID(ctx context.Context, fhirID string) (*MeasureReport, error) {
	return s.reports.GetByFHIRID(ctx, fhirID)
}

func (s *Service) SearchMeasureReports(ctx context.Context, params SearchParams, limit, offset int) ([]*MeasureReport, int, error) {
	return s.reports.Search(ctx, params, limit, offset)
}
