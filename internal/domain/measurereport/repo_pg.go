package measurereport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/ehr/cqm/internal/platform/db"
	"github.com/ehr/cqm/internal/platform/fhir"
)

type measureReportRepoPG struct{ db db.Querier }

func NewMeasureReportRepoPG(q db.Querier) MeasureReportRepository {
	return &measureReportRepoPG{db: q}
}

const mrCols = `id, fhir_id, measure_ref, type, status, subject_ref, period_start, period_end, content, created_at`

func (r *measureReportRepoPG) scanRow(row pgx.Row) (*MeasureReport, error) {
	var mr MeasureReport
	var content []byte
	err := row.Scan(&mr.ID, &mr.FHIRID, &mr.MeasureRef, &mr.Type, &mr.Status, &mr.SubjectRef,
		&mr.PeriodStart, &mr.PeriodEnd, &content, &mr.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if mr.Content, err = fhir.DecodeObject(content); err != nil {
		return nil, fmt.Errorf("decode measure report %s: %w", mr.FHIRID, err)
	}
	return &mr, nil
}

func (r *measureReportRepoPG) Create(ctx context.Context, mr *MeasureReport) error {
	mr.ID = uuid.New()
	if mr.FHIRID == "" {
		mr.FHIRID = mr.ID.String()
	}
	content, err := json.Marshal(mr.Content)
	if err != nil {
		return fmt.Errorf("encode measure report: %w", err)
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO measure_report (id, fhir_id, measure_ref, type, status, subject_ref, period_start, period_end, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at`,
		mr.ID, mr.FHIRID, mr.MeasureRef, mr.Type, mr.Status, mr.SubjectRef, mr.PeriodStart, mr.PeriodEnd, content,
	).Scan(&mr.CreatedAt)
}

func (r *measureReportRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*MeasureReport, error) {
	return r.scanRow(r.db.QueryRow(ctx, `SELECT `+mrCols+` FROM measure_report WHERE fhir_id = $1`, fhirID))
}

func searchQuery(params SearchParams) *fhir.SearchQuery {
	q := fhir.NewSearchQuery()
	if params.Measure != "" {
		q.Eq("measure_ref", params.Measure)
	}
	if params.Subject != "" {
		q.Eq("subject_ref", params.Subject)
	}
	if params.Type != "" {
		q.Eq("type", params.Type)
	}
	if params.Status != "" {
		q.Eq("status", params.Status)
	}
	return q
}

func (r *measureReportRepoPG) Search(ctx context.Context, params SearchParams, limit, offset int) ([]*MeasureReport, int, error) {
	q := searchQuery(params)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM measure_report`+q.Where(), q.Args()...).Scan(&total); err != nil {
		return nil, 0, err
	}

	sql := fmt.Sprintf(`SELECT %s FROM measure_report%s ORDER BY created_at DESC LIMIT $%d OFFSET $%d`,
		mrCols, q.Where(), q.NextArg(), q.NextArg()+1)
	rows, err := r.db.Query(ctx, sql, append(q.Args(), limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*MeasureReport
	for rows.Next() {
		mr, err := r.scanRow(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, mr)
	}
	return items, total, rows.Err()
}
