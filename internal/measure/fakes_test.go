package measure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ===========================================================================
// Test doubles
// ===========================================================================

type testSubject struct {
	id   string
	name string
}

func (s testSubject) ResourceType() string { return "Patient" }
func (s testSubject) ResourceID() string   { return s.id }
func (s testSubject) DisplayName() string  { return s.name }

type testResource struct {
	typ string
	id  string
}

func (r testResource) ResourceType() string { return r.typ }
func (r testResource) ResourceID() string   { return r.id }

func patient(id string) testSubject {
	return testSubject{id: id, name: "Patient " + strings.ToUpper(id)}
}

func patients(ids ...string) []Subject {
	out := make([]Subject, 0, len(ids))
	for _, id := range ids {
		out = append(out, patient(id))
	}
	return out
}

// exprFunc computes an expression result for the bound subject id.
type exprFunc func(subject string) (any, error)

func always(v any) exprFunc {
	return func(string) (any, error) { return v, nil }
}

// only returns true for the listed subjects and false for everyone else.
func only(ids ...string) exprFunc {
	return func(subject string) (any, error) {
		for _, id := range ids {
			if id == subject {
				return true, nil
			}
		}
		return false, nil
	}
}

// subjectsAsList returns the bound subject as a one-element resource list
// when it is one of ids.
func subjectsAsList(ids ...string) exprFunc {
	return func(subject string) (any, error) {
		for _, id := range ids {
			if id == subject {
				return []Resource{patient(id)}, nil
			}
		}
		return []Resource{}, nil
	}
}

// fakeContext is an EvaluationContext whose expressions are Go functions. It
// caches results per expression until ClearExpressionCache is called, so a
// missing clear shows up as a result leaking across subjects.
type fakeContext struct {
	subject  string
	exprs    map[string]exprFunc
	touches  map[string][]Resource
	cache    map[string]any
	clears   int
	clearErr error

	evaluated []any
	evals     []string
}

func newFakeContext(exprs map[string]exprFunc) *fakeContext {
	return &fakeContext{
		exprs:   exprs,
		touches: make(map[string][]Resource),
		cache:   make(map[string]any),
	}
}

func (c *fakeContext) SetContextValue(name string, value any) {
	if name == PatientContext {
		c.subject = value.(string)
	}
}

func (c *fakeContext) ResolveExpressionRef(name string) (Evaluable, error) {
	fn, ok := c.exprs[name]
	if !ok {
		return nil, fmt.Errorf("could not resolve expression reference %q", name)
	}
	return EvaluableFunc(func(ctx context.Context, ec EvaluationContext) (any, error) {
		c.evals = append(c.evals, c.subject+":"+name)
		if v, ok := c.cache[name]; ok {
			return v, nil
		}
		v, err := fn(c.subject)
		if err != nil {
			return nil, err
		}
		c.cache[name] = v
		for _, r := range c.touches[name] {
			c.evaluated = append(c.evaluated, r)
		}
		return v, nil
	}), nil
}

func (c *fakeContext) ClearExpressionCache() error {
	c.clears++
	c.cache = make(map[string]any)
	return c.clearErr
}

func (c *fakeContext) EvaluatedResources() []any { return c.evaluated }

func (c *fakeContext) ClearEvaluatedResources() { c.evaluated = nil }

type fakeRegistry struct {
	all            []Subject
	byPractitioner map[string][]Subject
	err            error
	searches       []SubjectSearch
}

func (r *fakeRegistry) SearchSubjects(_ context.Context, search SubjectSearch) ([]Subject, error) {
	r.searches = append(r.searches, search)
	if r.err != nil {
		return nil, r.err
	}
	if search.GeneralPractitioner != "" {
		return r.byPractitioner[search.GeneralPractitioner], nil
	}
	return r.all, nil
}

type fakeProvider struct {
	subjects map[string]Subject
	err      error
	requests []RetrieveRequest
}

func (p *fakeProvider) Retrieve(_ context.Context, req RetrieveRequest) ([]any, error) {
	p.requests = append(p.requests, req)
	if p.err != nil {
		return nil, p.err
	}
	if s, ok := p.subjects[req.ID]; ok {
		return []any{s}, nil
	}
	return nil, nil
}

func newFakeProvider(subjects []Subject) *fakeProvider {
	p := &fakeProvider{subjects: make(map[string]Subject)}
	for _, s := range subjects {
		p.subjects[s.ResourceID()] = s
	}
	return p
}

// sequentialIDs returns a deterministic id generator.
func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

var errBoom = errors.New("boom")

// ===========================================================================
// Measure builders
// ===========================================================================

func proportionMeasure(pops ...PopulationCriteria) *Measure {
	return &Measure{
		ID:      "cms122",
		Scoring: ScoringProportion,
		Groups:  []Group{{ID: "group-1", Populations: pops}},
	}
}

func pop(pt PopulationType, expression string) PopulationCriteria {
	return PopulationCriteria{Code: string(pt), Expression: expression}
}

func newTestEvaluator(subjects []Subject, opts ...Option) *Evaluator {
	opts = append([]Option{WithIDGenerator(sequentialIDs())}, opts...)
	return NewEvaluator(newFakeProvider(subjects), &fakeRegistry{all: subjects}, testPeriod, opts...)
}
