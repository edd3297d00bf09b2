package measure

import "context"

// PatientContext is the context-value name bound to the subject id before
// each expression evaluation.
const PatientContext = "Patient"

// EvaluationContext resolves and evaluates named CQL expressions for the
// subject currently bound to the "Patient" context value. The engine owns the
// context for the duration of an evaluation; implementations need not be safe
// for concurrent use.
type EvaluationContext interface {
	SetContextValue(name string, value any)
	ResolveExpressionRef(name string) (Evaluable, error)

	// ClearExpressionCache drops every cached expression result. It is called
	// before each criteria evaluation so no result leaks across subjects.
	ClearExpressionCache() error

	// EvaluatedResources returns the resources touched since the last call to
	// ClearEvaluatedResources.
	EvaluatedResources() []any
	ClearEvaluatedResources()
}

// Evaluable is a resolved expression.
type Evaluable interface {
	Evaluate(ctx context.Context, ec EvaluationContext) (any, error)
}

// EvaluableFunc adapts a function to Evaluable.
type EvaluableFunc func(ctx context.Context, ec EvaluationContext) (any, error)

func (f EvaluableFunc) Evaluate(ctx context.Context, ec EvaluationContext) (any, error) {
	return f(ctx, ec)
}

// RetrieveRequest carries the parameters of a CQL retrieve.
type RetrieveRequest struct {
	DataType     string
	IDProperty   string
	ID           string
	TemplateID   string
	CodePath     string
	Codes        []Code
	ValueSet     string
	DatePath     string
	DateLowPath  string
	DateHighPath string
	DateRange    *Interval
	// Context is the name of the context the retrieve runs in (usually
	// "Patient") and ContextValue its bound value.
	Context      string
	ContextValue string
}

// DataProvider fetches clinical resources.
type DataProvider interface {
	Retrieve(ctx context.Context, req RetrieveRequest) ([]any, error)
}

// SubjectSearch restricts a subject search. The zero value matches every
// subject in the repository.
type SubjectSearch struct {
	// GeneralPractitioner is a fully qualified "Practitioner/<id>" reference.
	GeneralPractitioner string
}

// SubjectRegistry searches the subject repository.
type SubjectRegistry interface {
	SearchSubjects(ctx context.Context, search SubjectSearch) ([]Subject, error)
}
