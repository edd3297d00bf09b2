package cql

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cast"

	"github.com/ehr/cqm/internal/measure"
	"github.com/ehr/cqm/internal/platform/fhir"
)

type function func(ctx context.Context, c *Context, args []any) (any, error)

var functions map[string]function

func init() {
	functions = map[string]function{
		"AgeInYears":    ageInYears,
		"AgeInYearsAt":  ageInYearsAt,
		"AgeBetween":    ageBetween,
		"Gender":        gender,
		"PatientGender": patientGender,
		"PatientCoding": patientCoding,
		"Coding":        patientCoding,
		"InPeriod":      inPeriod,
		"Count":         count,
		"First":         first,
	}
}

func arity(args []any, n int) error {
	if len(args) != n {
		return fmt.Errorf("expected %d argument(s), got %d", n, len(args))
	}
	return nil
}

func ageInYears(ctx context.Context, c *Context, args []any) (any, error) {
	if err := arity(args, 0); err != nil {
		return nil, err
	}
	patient, err := c.currentPatient(ctx)
	if err != nil {
		return nil, err
	}
	return ageAt(patient, c.ageReference())
}

func ageInYearsAt(ctx context.Context, c *Context, args []any) (any, error) {
	if err := arity(args, 1); err != nil {
		return nil, err
	}
	at, err := toTime(args[0])
	if err != nil {
		return nil, err
	}
	patient, err := c.currentPatient(ctx)
	if err != nil {
		return nil, err
	}
	return ageAt(patient, at)
}

// ageBetween reports whether the subject's age is within [min, max].
func ageBetween(ctx context.Context, c *Context, args []any) (any, error) {
	if err := arity(args, 2); err != nil {
		return nil, err
	}
	lo, err := cast.ToIntE(args[0])
	if err != nil {
		return nil, err
	}
	hi, err := cast.ToIntE(args[1])
	if err != nil {
		return nil, err
	}
	patient, err := c.currentPatient(ctx)
	if err != nil {
		return nil, err
	}
	age, err := ageAt(patient, c.ageReference())
	if err != nil || age == nil {
		return nil, err
	}
	a := age.(int)
	return a >= lo && a <= hi, nil
}

func gender(ctx context.Context, c *Context, args []any) (any, error) {
	if err := arity(args, 1); err != nil {
		return nil, err
	}
	want, err := cast.ToStringE(args[0])
	if err != nil {
		return nil, err
	}
	patient, err := c.currentPatient(ctx)
	if err != nil {
		return nil, err
	}
	return patient.String("gender") == want, nil
}

// patientGender returns the administrative gender as a Code, or null.
func patientGender(ctx context.Context, c *Context, args []any) (any, error) {
	if err := arity(args, 0); err != nil {
		return nil, err
	}
	patient, err := c.currentPatient(ctx)
	if err != nil {
		return nil, err
	}
	g := patient.String("gender")
	if g == "" {
		return nil, nil
	}
	return measure.Code{System: "http://hl7.org/fhir/administrative-gender", Code: g}, nil
}

// patientCoding returns the codings of a CodeableConcept on the patient,
// for example PatientCoding('maritalStatus').
func patientCoding(ctx context.Context, c *Context, args []any) (any, error) {
	if err := arity(args, 1); err != nil {
		return nil, err
	}
	field, err := cast.ToStringE(args[0])
	if err != nil {
		return nil, err
	}
	patient, err := c.currentPatient(ctx)
	if err != nil {
		return nil, err
	}
	return patient.Codings(field), nil
}

// inPeriod keeps the resources whose clinical time falls in the
// measurement period.
func inPeriod(_ context.Context, c *Context, args []any) (any, error) {
	if err := arity(args, 1); err != nil {
		return nil, err
	}
	if args[0] == nil {
		return []any{}, nil
	}
	list, ok := asList(args[0])
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", args[0])
	}
	out := make([]any, 0, len(list))
	for _, v := range list {
		obj, ok := v.(fhir.Object)
		if !ok {
			continue
		}
		if t, ok := obj.ClinicalTime(); ok && c.period.Contains(t) {
			out = append(out, obj)
		}
	}
	return out, nil
}

func count(_ context.Context, _ *Context, args []any) (any, error) {
	if err := arity(args, 1); err != nil {
		return nil, err
	}
	if args[0] == nil {
		return 0, nil
	}
	list, ok := asList(args[0])
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", args[0])
	}
	return len(list), nil
}

func first(_ context.Context, _ *Context, args []any) (any, error) {
	if err := arity(args, 1); err != nil {
		return nil, err
	}
	list, ok := asList(args[0])
	if !ok || len(list) == 0 {
		return nil, nil
	}
	return list[0], nil
}

// ageAt calculates the patient's age in complete years at the given date.
// A patient without a birthDate has a null age.
func ageAt(patient fhir.Object, at time.Time) (any, error) {
	bd := patient.String("birthDate")
	if bd == "" {
		return nil, nil
	}
	birth, err := fhir.ParseFlexDate(bd)
	if err != nil {
		return nil, fmt.Errorf("invalid birthDate %q: %w", bd, err)
	}
	age := at.Year() - birth.Year()
	if at.Month() < birth.Month() || (at.Month() == birth.Month() && at.Day() < birth.Day()) {
		age--
	}
	return age, nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		return fhir.ParseFlexDate(t)
	}
	return cast.ToTimeE(v)
}
