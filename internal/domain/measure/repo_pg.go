package measure

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/cqm/internal/platform/db"
	"github.com/ehr/cqm/internal/platform/fhir"
)

type measureRepoPG struct{ db db.Querier }

func NewMeasureRepoPG(q db.Querier) MeasureRepository {
	return &measureRepoPG{db: q}
}

const measureCols = `id, fhir_id, COALESCE(url, ''), COALESCE(name, ''), status, content, COALESCE(library, ''), created_at, updated_at`

func (r *measureRepoPG) scanRow(row pgx.Row) (*Definition, error) {
	var d Definition
	var content []byte
	if err := row.Scan(&d.ID, &d.FHIRID, &d.URL, &d.Name, &d.Status, &content, &d.Library, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	obj, err := fhir.DecodeObject(content)
	if err != nil {
		return nil, fmt.Errorf("decode measure %s: %w", d.FHIRID, err)
	}
	d.Resource = obj
	return &d, nil
}

func (r *measureRepoPG) Upsert(ctx context.Context, d *Definition) error {
	content, err := json.Marshal(d.Resource)
	if err != nil {
		return fmt.Errorf("encode measure %s: %w", d.FHIRID, err)
	}
	return r.db.QueryRow(ctx, `
		INSERT INTO measure (id, fhir_id, url, name, status, content, library)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6, NULLIF($7, ''))
		ON CONFLICT (fhir_id) DO UPDATE SET
			url = EXCLUDED.url, name = EXCLUDED.name, status = EXCLUDED.status,
			content = EXCLUDED.content, library = EXCLUDED.library, updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		d.ID, d.FHIRID, d.URL, d.Name, d.Status, content, d.Library,
	).Scan(&d.ID, &d.CreatedAt, &d.UpdatedAt)
}

func (r *measureRepoPG) GetByFHIRID(ctx context.Context, fhirID string) (*Definition, error) {
	return r.scanRow(r.db.QueryRow(ctx, `SELECT `+measureCols+` FROM measure WHERE fhir_id = $1`, fhirID))
}

func (r *measureRepoPG) List(ctx context.Context) ([]*Definition, error) {
	rows, err := r.db.Query(ctx, `SELECT `+measureCols+` FROM measure ORDER BY fhir_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Definition
	for rows.Next() {
		d, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, d)
	}
	return items, rows.Err()
}
