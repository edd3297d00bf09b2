package cql

import (
	"context"
	"fmt"
	"time"

	"github.com/ehr/cqm/internal/measure"
	"github.com/ehr/cqm/internal/platform/fhir"
)

// MeasurementPeriod is the parameter name measure logic uses for the
// reporting interval.
const MeasurementPeriod = "Measurement Period"

// Context evaluates a library's definitions for the subject bound to the
// "Patient" context value. Results are cached per definition until
// ClearExpressionCache, and every retrieved resource is recorded as an
// evaluated resource. A Context is not safe for concurrent use.
type Context struct {
	library  *Library
	provider measure.DataProvider
	period   measure.Interval
	now      func() time.Time

	values    map[string]any
	cache     map[string]any
	active    map[string]bool
	evaluated []any

	patientID string
	patient   fhir.Object
}

// ContextOption configures a Context.
type ContextOption func(*Context)

// WithClock overrides the clock used by AgeInYears when no measurement
// period is set.
func WithClock(now func() time.Time) ContextOption {
	return func(c *Context) { c.now = now }
}

// NewContext creates an evaluation context over a library and data provider.
func NewContext(lib *Library, provider measure.DataProvider, period measure.Interval, opts ...ContextOption) *Context {
	c := &Context{
		library:  lib,
		provider: provider,
		period:   period,
		now:      time.Now,
		values:   make(map[string]any),
		cache:    make(map[string]any),
		active:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Context) SetContextValue(name string, value any) {
	c.values[name] = value
}

// ResolveExpressionRef returns the named definition as an evaluable.
func (c *Context) ResolveExpressionRef(name string) (measure.Evaluable, error) {
	if _, ok := c.library.Definition(name); !ok {
		return nil, fmt.Errorf("cql: library %q has no definition %q", c.library.Name, name)
	}
	return measure.EvaluableFunc(func(ctx context.Context, _ measure.EvaluationContext) (any, error) {
		return c.evaluateDefinition(ctx, name)
	}), nil
}

func (c *Context) ClearExpressionCache() error {
	c.cache = make(map[string]any)
	return nil
}

func (c *Context) EvaluatedResources() []any { return c.evaluated }

func (c *Context) ClearEvaluatedResources() { c.evaluated = nil }

// Period returns the measurement period parameter.
func (c *Context) Period() measure.Interval { return c.period }

func (c *Context) evaluateDefinition(ctx context.Context, name string) (any, error) {
	if v, ok := c.cache[name]; ok {
		return v, nil
	}
	def, ok := c.library.Definition(name)
	if !ok {
		switch name {
		case "Patient":
			return c.currentPatient(ctx)
		case MeasurementPeriod:
			return c.period, nil
		}
		return nil, fmt.Errorf("cql: could not resolve expression reference %q", name)
	}
	if c.active[name] {
		return nil, fmt.Errorf("cql: definition %q refers to itself", name)
	}
	c.active[name] = true
	defer delete(c.active, name)

	v, err := def.node.eval(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("cql: %s: %w", name, err)
	}
	c.cache[name] = v
	return v, nil
}

func (c *Context) subjectID() string {
	id, _ := c.values[measure.PatientContext].(string)
	return id
}

// retrieve fetches resources of dataType for the current subject, filtered
// by a code prefix when code is set.
func (c *Context) retrieve(ctx context.Context, dataType, code string) ([]any, error) {
	req := measure.RetrieveRequest{
		DataType:     dataType,
		TemplateID:   dataType,
		Context:      measure.PatientContext,
		ContextValue: c.subjectID(),
	}
	if code != "" {
		req.CodePath = "code"
		req.Codes = []measure.Code{{Code: code}}
	}
	found, err := c.provider.Retrieve(ctx, req)
	if err != nil {
		return nil, &measure.DataAccessError{Op: "retrieve " + dataType, Err: err}
	}
	c.evaluated = append(c.evaluated, found...)
	if found == nil {
		found = []any{}
	}
	return found, nil
}

// currentPatient loads the subject bound to the context.
func (c *Context) currentPatient(ctx context.Context) (fhir.Object, error) {
	id := c.subjectID()
	if id == "" {
		return nil, fmt.Errorf("cql: no Patient in context")
	}
	if c.patient != nil && c.patientID == id {
		return c.patient, nil
	}
	found, err := c.provider.Retrieve(ctx, measure.RetrieveRequest{
		DataType:   "Patient",
		IDProperty: "id",
		ID:         id,
		TemplateID: "Patient",
	})
	if err != nil {
		return nil, &measure.DataAccessError{Op: "retrieve Patient/" + id, Err: err}
	}
	for _, r := range found {
		if p, ok := r.(fhir.Object); ok {
			c.patient, c.patientID = p, id
			return p, nil
		}
	}
	return nil, fmt.Errorf("cql: Patient/%s not found", id)
}

// ageReference is the instant ages are computed at: the end of the
// measurement period, or now when no period is set.
func (c *Context) ageReference() time.Time {
	if !c.period.End.IsZero() {
		return c.period.End
	}
	return c.now()
}
