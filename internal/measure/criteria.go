package measure

import (
	"context"
	"reflect"
	"strconv"
)

// evaluateCriteria binds the subject, clears the expression cache, evaluates
// the criteria expression and normalizes the result into qualifying
// resources: nil and false qualify nothing, true qualifies the subject itself
// and a list qualifies its elements.
func (r *run) evaluateCriteria(ctx context.Context, subject Subject, criteria *PopulationCriteria) ([]Resource, error) {
	if criteria == nil || criteria.Expression == "" {
		return nil, nil
	}

	result, err := r.evaluateExpression(ctx, subject, criteria.Expression)
	if err != nil {
		return nil, err
	}
	return normalizeCriteriaResult(criteria.Expression, result, subject)
}

// evaluateExpression runs one named expression in the subject's context.
func (r *run) evaluateExpression(ctx context.Context, subject Subject, expression string) (any, error) {
	r.ec.SetContextValue(PatientContext, subject.ResourceID())
	if err := r.ec.ClearExpressionCache(); err != nil {
		r.logger.Warn().Err(err).
			Str("subject", subject.ResourceID()).
			Str("expression", expression).
			Msg("error resetting expression cache")
	}

	ref, err := r.ec.ResolveExpressionRef(expression)
	if err != nil {
		return nil, &ConfigurationError{Msg: "expression " + strconv.Quote(expression) + " is not defined", Err: err}
	}
	result, err := ref.Evaluate(ctx, r.ec)
	if err != nil {
		return nil, &ExpressionError{SubjectID: subject.ResourceID(), Expression: expression, Err: err}
	}
	return result, nil
}

func normalizeCriteriaResult(expression string, result any, subject Subject) ([]Resource, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case bool:
		if v {
			return []Resource{subject}, nil
		}
		return nil, nil
	case []Resource:
		return v, nil
	}

	rv := reflect.ValueOf(result)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, &EvaluationTypeError{Expression: expression, Value: result}
	}
	out := make([]Resource, 0, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		elem := rv.Index(i).Interface()
		if elem == nil {
			continue
		}
		res, ok := elem.(Resource)
		if !ok {
			return nil, &EvaluationTypeError{Expression: expression, Value: result}
		}
		out = append(out, res)
	}
	return out, nil
}

