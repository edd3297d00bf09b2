package measure

import (
	"context"
	"errors"
	"strings"
)

// SubjectEnumerator produces the subjects an evaluation iterates over.
type SubjectEnumerator struct {
	provider DataProvider
	registry SubjectRegistry
}

// NewSubjectEnumerator creates an enumerator. Either collaborator may be nil
// when the corresponding lookups are never used.
func NewSubjectEnumerator(provider DataProvider, registry SubjectRegistry) *SubjectEnumerator {
	return &SubjectEnumerator{provider: provider, registry: registry}
}

// All returns every subject in the repository.
func (e *SubjectEnumerator) All(ctx context.Context) ([]Subject, error) {
	return e.search(ctx, SubjectSearch{}, "search all subjects")
}

// ByPractitioner returns the subjects whose general-practitioner is ref. A
// bare id is qualified as "Practitioner/<id>".
func (e *SubjectEnumerator) ByPractitioner(ctx context.Context, ref string) ([]Subject, error) {
	return e.search(ctx, SubjectSearch{GeneralPractitioner: PractitionerReference(ref)},
		"search subjects by general-practitioner")
}

// ByID returns the subject with the given id, or nil when none exists.
func (e *SubjectEnumerator) ByID(ctx context.Context, id string) (Subject, error) {
	if e.provider == nil {
		return nil, &DataAccessError{Op: "retrieve Patient/" + id, Err: errors.New("no data provider configured")}
	}
	found, err := e.provider.Retrieve(ctx, RetrieveRequest{
		DataType:   "Patient",
		IDProperty: "id",
		ID:         id,
		TemplateID: "Patient",
	})
	if err != nil {
		return nil, asDataAccessError("retrieve Patient/"+id, err)
	}
	for _, r := range found {
		if s, ok := r.(Subject); ok {
			return s, nil
		}
	}
	return nil, nil
}

func (e *SubjectEnumerator) search(ctx context.Context, search SubjectSearch, op string) ([]Subject, error) {
	if e.registry == nil {
		return nil, &DataAccessError{Op: op, Err: errors.New("no subject registry configured")}
	}
	subjects, err := e.registry.SearchSubjects(ctx, search)
	if err != nil {
		return nil, asDataAccessError(op, err)
	}
	if subjects == nil {
		subjects = []Subject{}
	}
	return subjects, nil
}

// PractitionerReference qualifies a bare practitioner id.
func PractitionerReference(ref string) string {
	if ref == "" || strings.HasPrefix(ref, "Practitioner/") {
		return ref
	}
	return "Practitioner/" + ref
}

func asDataAccessError(op string, err error) error {
	var dae *DataAccessError
	if errors.As(err, &dae) {
		return err
	}
	return &DataAccessError{Op: op, Err: err}
}
