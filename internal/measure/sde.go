package measure

import (
	"context"
	"reflect"
)

// Coded is implemented by coding-like values (for example a FHIR Coding)
// that can report their code.
type Coded interface {
	CodeValue() string
}

// sdeAccumulator counts subjects per (supplemental data key, coded value).
type sdeAccumulator struct {
	elements []SupplementalData
	counts   *orderedMap[*orderedMap[int]]
}

func newSDEAccumulator(elements []SupplementalData) *sdeAccumulator {
	return &sdeAccumulator{elements: elements, counts: newOrderedMap[*orderedMap[int]]()}
}

// accumulate evaluates every supplemental data element for the subject and
// increments the matching counters.
func (a *sdeAccumulator) accumulate(ctx context.Context, r *run, subject Subject) error {
	if len(a.elements) == 0 {
		return nil
	}
	defer r.ec.ClearEvaluatedResources()

	for _, sde := range a.elements {
		result, err := r.evaluateExpression(ctx, subject, sde.Expression)
		if err != nil {
			return err
		}
		code, ok := sdeValue(result)
		if !ok {
			continue
		}
		a.increment(sde.Code, code)
	}
	return nil
}

func (a *sdeAccumulator) increment(key, code string) {
	values, ok := a.counts.get(key)
	if !ok {
		values = newOrderedMap[int]()
		a.counts.put(key, values)
	}
	n, _ := values.get(code)
	values.put(code, n+1)
}

// sdeValue extracts the coded value of a supplemental data result. ok is
// false when the result carries no code and should be skipped. Values that
// are not coding-like, such as booleans or numbers, are counted under the
// empty code.
func sdeValue(v any) (code string, ok bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case Code:
		return t.Code, t.Code != ""
	case *Code:
		if t == nil {
			return "", false
		}
		return t.Code, t.Code != ""
	case Coded:
		c := t.CodeValue()
		return c, c != ""
	case string:
		return t, t != ""
	case map[string]interface{}:
		c, _ := t["code"].(string)
		return c, c != ""
	}

	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		if rv.Len() == 0 {
			return "", false
		}
		return sdeValue(rv.Index(0).Interface())
	case reflect.Map:
		if rv.Type().Key().Kind() == reflect.String {
			key := reflect.ValueOf("code").Convert(rv.Type().Key())
			if c := rv.MapIndex(key); c.IsValid() {
				if s, isString := c.Interface().(string); isString {
					return s, s != ""
				}
			}
			return "", false
		}
	}
	return "", true
}
