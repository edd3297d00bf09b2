package measure

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ehr/cqm/internal/platform/fhir"
)

// Definition is a stored FHIR Measure together with the CQL source of its
// primary library.
type Definition struct {
	ID        uuid.UUID   `json:"id"`
	FHIRID    string      `json:"fhir_id" validate:"required,max=128"`
	URL       string      `json:"url,omitempty"`
	Name      string      `json:"name,omitempty"`
	Status    string      `json:"status" validate:"oneof=draft active retired unknown"`
	Resource  fhir.Object `json:"resource" validate:"required"`
	Library   string      `json:"library,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// ToFHIR returns the Measure resource with its id and meta filled in.
func (d *Definition) ToFHIR() map[string]interface{} {
	result := make(map[string]interface{}, len(d.Resource)+2)
	for k, v := range d.Resource {
		result[k] = v
	}
	result["resourceType"] = "Measure"
	result["id"] = d.FHIRID
	if d.Status != "" {
		result["status"] = d.Status
	}
	if !d.UpdatedAt.IsZero() {
		result["meta"] = fhir.Meta{LastUpdated: d.UpdatedAt}
	}
	return result
}

var validate = validator.New()

// NewDefinition wraps a Measure resource, checking that the engine can read
// it. A missing id is generated and a missing status defaults to active.
func NewDefinition(resource fhir.Object) (*Definition, error) {
	if resource.ResourceID() == "" {
		resource["id"] = uuid.NewString()
	}
	if _, err := ParseMeasure(resource); err != nil {
		return nil, err
	}
	d := &Definition{
		ID:       uuid.New(),
		FHIRID:   resource.ResourceID(),
		URL:      resource.String("url"),
		Name:     resource.String("name"),
		Status:   resource.String("status"),
		Resource: resource,
	}
	if d.Status == "" {
		d.Status = "active"
	}
	if src, ok := containedLibrary(resource); ok {
		d.Library = src
	}
	if err := validate.Struct(d); err != nil {
		return nil, fmt.Errorf("invalid measure %s: %w", d.FHIRID, err)
	}
	return d, nil
}
