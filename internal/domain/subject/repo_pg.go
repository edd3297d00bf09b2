// Package subject stores the patients and clinical resources measures are
// evaluated against.
package subject

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ehr/cqm/internal/measure"
	"github.com/ehr/cqm/internal/platform/db"
	"github.com/ehr/cqm/internal/platform/fhir"
	"github.com/ehr/cqm/internal/platform/resilience"
)

// Store is a Postgres-backed DataProvider and SubjectRegistry over the
// fhir_resource table.
type Store struct {
	db      db.Querier
	breaker *resilience.Breaker
}

// NewStore creates a store. A nil breaker sends calls straight to q.
func NewStore(q db.Querier, breaker *resilience.Breaker) *Store {
	return &Store{db: q, breaker: breaker}
}

// Retrieve implements measure.DataProvider.
func (s *Store) Retrieve(ctx context.Context, req measure.RetrieveRequest) ([]any, error) {
	sql, args := retrieveQuery(req)
	found, err := s.query(ctx, "retrieve "+req.DataType, sql, args)
	if err != nil {
		return nil, &measure.DataAccessError{Op: "retrieve " + req.DataType, Err: err}
	}
	out := make([]any, len(found))
	for i, r := range found {
		out[i] = r
	}
	return out, nil
}

// SearchSubjects implements measure.SubjectRegistry.
func (s *Store) SearchSubjects(ctx context.Context, search measure.SubjectSearch) ([]measure.Subject, error) {
	sql, args := subjectQuery(search)
	found, err := s.query(ctx, "search subjects", sql, args)
	if err != nil {
		return nil, &measure.DataAccessError{Op: "search subjects", Err: err}
	}
	out := make([]measure.Subject, len(found))
	for i, r := range found {
		out[i] = r
	}
	return out, nil
}

func retrieveQuery(req measure.RetrieveRequest) (string, []interface{}) {
	q := fhir.NewSearchQuery().Eq("resource_type", req.DataType)
	if req.ID != "" {
		q.Eq("fhir_id", req.ID)
	}
	if req.Context == measure.PatientContext && req.ContextValue != "" {
		if req.DataType == "Patient" {
			q.Eq("fhir_id", req.ContextValue)
		} else {
			q.Eq("patient_fhir_id", req.ContextValue)
		}
	}
	if len(req.Codes) > 0 {
		tokens := make([]string, len(req.Codes))
		for i, c := range req.Codes {
			tokens[i] = c.Code
			if c.System != "" {
				tokens[i] = c.System + "|" + c.Code
			}
		}
		q.Add(func(idx int) (string, []interface{}, int) {
			return fhir.TokenSearchClause("codes", tokens, idx)
		})
	}
	if req.DateRange != nil {
		q.Add(func(idx int) (string, []interface{}, int) {
			return fhir.DateRangeClause("clinical_time", req.DateRange.Start, req.DateRange.End, idx)
		})
	}
	return `SELECT content FROM fhir_resource` + q.Where() + ` ORDER BY clinical_time NULLS FIRST, fhir_id`, q.Args()
}

func subjectQuery(search measure.SubjectSearch) (string, []interface{}) {
	q := fhir.NewSearchQuery().Eq("resource_type", "Patient")
	if search.GeneralPractitioner != "" {
		q.Add(func(idx int) (string, []interface{}, int) {
			return fmt.Sprintf("$%d = ANY(general_practitioners)", idx), []interface{}{search.GeneralPractitioner}, idx + 1
		})
	}
	return `SELECT content FROM fhir_resource` + q.Where() + ` ORDER BY fhir_id`, q.Args()
}

func (s *Store) query(ctx context.Context, op, sql string, args []interface{}) ([]fhir.Object, error) {
	run := func(ctx context.Context) (interface{}, error) {
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			return nil, err
		}
		return scanObjects(rows)
	}
	if s.breaker == nil {
		found, err := run(ctx)
		if err != nil {
			return nil, err
		}
		return found.([]fhir.Object), nil
	}
	found, err := s.breaker.Execute(ctx, op, run)
	if err != nil {
		return nil, err
	}
	return found.([]fhir.Object), nil
}

func scanObjects(rows pgx.Rows) ([]fhir.Object, error) {
	defer rows.Close()
	out := []fhir.Object{}
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		obj, err := fhir.DecodeObject(raw)
		if err != nil {
			return nil, fmt.Errorf("decode resource: %w", err)
		}
		out = append(out, obj)
	}
	return out, rows.Err()
}

// Save upserts a resource keyed by type and id.
func (s *Store) Save(ctx context.Context, r fhir.Object) error {
	if r.ResourceType() == "" || r.ResourceID() == "" {
		return fmt.Errorf("resource must carry resourceType and id")
	}
	row := indexRow(r)
	content, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode %s/%s: %w", row.resourceType, row.fhirID, err)
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO fhir_resource (resource_type, fhir_id, patient_fhir_id, general_practitioners, codes, clinical_time, content)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (resource_type, fhir_id) DO UPDATE SET
			patient_fhir_id = EXCLUDED.patient_fhir_id,
			general_practitioners = EXCLUDED.general_practitioners,
			codes = EXCLUDED.codes,
			clinical_time = EXCLUDED.clinical_time,
			content = EXCLUDED.content,
			updated_at = NOW()`,
		row.resourceType, row.fhirID, row.patientID, row.practitioners, row.codes, row.clinicalTime, content)
	if err != nil {
		return fmt.Errorf("save %s/%s: %w", row.resourceType, row.fhirID, err)
	}
	return nil
}

// indexed holds the columns the retrieve queries filter on.
type indexed struct {
	resourceType  string
	fhirID        string
	patientID     *string
	practitioners []string
	codes         []string
	clinicalTime  *time.Time
}

func indexRow(r fhir.Object) indexed {
	row := indexed{
		resourceType:  r.ResourceType(),
		fhirID:        r.ResourceID(),
		practitioners: []string{},
		codes:         []string{},
	}
	if row.resourceType == "Patient" {
		for _, ref := range r.References("generalPractitioner") {
			row.practitioners = append(row.practitioners, ref)
		}
	} else if id := r.PatientID(); id != "" {
		row.patientID = &id
	}
	for _, c := range r.Codings("code") {
		row.codes = append(row.codes, c.System+"|"+c.Code)
	}
	if t, ok := r.ClinicalTime(); ok {
		row.clinicalTime = &t
	}
	return row
}
