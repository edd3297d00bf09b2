package cql

import (
	"context"
	"slices"
	"strings"

	"github.com/ehr/cqm/internal/measure"
	"github.com/ehr/cqm/internal/platform/fhir"
)

// BundleProvider serves retrieves and subject searches from the resources of
// a single FHIR Bundle held in memory.
type BundleProvider struct {
	patients  []fhir.Object
	byPatient map[string][]fhir.Object
}

// NewBundleProvider indexes resources by the patient they belong to. A
// resource is linked through its subject or patient reference; when the
// bundle holds exactly one patient, unlinked resources are attributed to it.
func NewBundleProvider(resources []fhir.Object) *BundleProvider {
	p := &BundleProvider{byPatient: make(map[string][]fhir.Object)}
	var unlinked []fhir.Object
	for _, r := range resources {
		if r.ResourceType() == "Patient" {
			p.patients = append(p.patients, r)
			continue
		}
		id := r.PatientID()
		if id == "" {
			unlinked = append(unlinked, r)
			continue
		}
		p.byPatient[id] = append(p.byPatient[id], r)
	}
	if len(p.patients) == 1 {
		only := p.patients[0].ResourceID()
		p.byPatient[only] = append(p.byPatient[only], unlinked...)
	}
	return p
}

// NewBundleProviderFromJSON builds a provider from a decoded Bundle body.
func NewBundleProviderFromJSON(body map[string]interface{}) (*BundleProvider, error) {
	resources, err := fhir.BundleResources(body)
	if err != nil {
		return nil, err
	}
	return NewBundleProvider(resources), nil
}

func (p *BundleProvider) Retrieve(_ context.Context, req measure.RetrieveRequest) ([]any, error) {
	if req.DataType == "Patient" {
		out := []any{}
		for _, pt := range p.patients {
			id := pt.ResourceID()
			if (req.ID == "" || id == req.ID) && (req.ContextValue == "" || id == req.ContextValue) {
				out = append(out, pt)
			}
		}
		return out, nil
	}

	var candidates []fhir.Object
	if req.Context == measure.PatientContext {
		candidates = p.byPatient[req.ContextValue]
	} else {
		for _, rs := range p.byPatient {
			candidates = append(candidates, rs...)
		}
	}

	out := []any{}
	for _, r := range candidates {
		if r.ResourceType() != req.DataType {
			continue
		}
		if req.ID != "" && r.ResourceID() != req.ID {
			continue
		}
		if !matchesCodes(r, req.Codes) {
			continue
		}
		if req.DateRange != nil {
			t, ok := r.ClinicalTime()
			if !ok || !req.DateRange.Contains(t) {
				continue
			}
		}
		out = append(out, r)
	}
	return out, nil
}

func matchesCodes(r fhir.Object, codes []measure.Code) bool {
	if len(codes) == 0 {
		return true
	}
	for _, c := range codes {
		for _, coding := range r.Codings("code") {
			if c.System != "" && coding.System != c.System {
				continue
			}
			if strings.HasPrefix(coding.Code, c.Code) {
				return true
			}
		}
	}
	return false
}

// SearchSubjects returns the bundle's patients, optionally restricted to
// those naming the practitioner as general practitioner.
func (p *BundleProvider) SearchSubjects(_ context.Context, search measure.SubjectSearch) ([]measure.Subject, error) {
	out := []measure.Subject{}
	for _, pt := range p.patients {
		if search.GeneralPractitioner != "" && !slices.Contains(pt.References("generalPractitioner"), search.GeneralPractitioner) {
			continue
		}
		out = append(out, pt)
	}
	return out, nil
}
