package measure

import (
	"context"
)

// MeasureRepository persists measures posted to the server so they survive
// restarts.
type MeasureRepository interface {
	Upsert(ctx context.Context, d *Definition) error
	GetByFHIRID(ctx context.Context, fhirID string) (*Definition, error)
	List(ctx context.Context) ([]*Definition, error)
}
