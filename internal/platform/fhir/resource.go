package fhir

import (
	"time"
)

type Meta struct {
	LastUpdated time.Time `json:"lastUpdated,omitempty"`
}

type Coding struct {
	System  string `json:"system,omitempty"`
	Code    string `json:"code,omitempty"`
	Display string `json:"display,omitempty"`
}

// CodeValue lets a Coding stand in for a coded supplemental data value.
func (c Coding) CodeValue() string { return c.Code }

// OperationOutcome is the error body of every failed request.
type OperationOutcome struct {
	ResourceType string                  `json:"resourceType"`
	Issue        []OperationOutcomeIssue `json:"issue"`
}

type OperationOutcomeIssue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

func NewOperationOutcome(severity, code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue:        []OperationOutcomeIssue{{Severity: severity, Code: code, Diagnostics: diagnostics}},
	}
}

func ErrorOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "processing", diagnostics)
}

func InvalidOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "invalid", diagnostics)
}

func NotFoundOutcome(resourceType, id string) *OperationOutcome {
	return NewOperationOutcome("error", "not-found", FormatReference(resourceType, id)+" not found")
}

// TransientOutcome reports an upstream dependency that failed or is
// temporarily unavailable.
func TransientOutcome(diagnostics string) *OperationOutcome {
	return NewOperationOutcome("error", "transient", diagnostics)
}
