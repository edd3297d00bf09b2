package measure

import (
	"fmt"
	"time"
)

// Scoring is the measure scoring method (measure-scoring code system).
type Scoring string

const (
	ScoringProportion         Scoring = "proportion"
	ScoringRatio              Scoring = "ratio"
	ScoringContinuousVariable Scoring = "continuous-variable"
	ScoringCohort             Scoring = "cohort"
)

// ParseScoring maps a measure-scoring code to a Scoring. The second return
// value is false for empty or unrecognized codes.
func ParseScoring(code string) (Scoring, bool) {
	switch s := Scoring(code); s {
	case ScoringProportion, ScoringRatio, ScoringContinuousVariable, ScoringCohort:
		return s, true
	}
	return "", false
}

// PopulationType is a measure-population code.
type PopulationType string

const (
	InitialPopulation          PopulationType = "initial-population"
	Numerator                  PopulationType = "numerator"
	NumeratorExclusion         PopulationType = "numerator-exclusion"
	Denominator                PopulationType = "denominator"
	DenominatorExclusion       PopulationType = "denominator-exclusion"
	DenominatorException       PopulationType = "denominator-exception"
	MeasurePopulation          PopulationType = "measure-population"
	MeasurePopulationExclusion PopulationType = "measure-population-exclusion"
	MeasureObservation         PopulationType = "measure-observation"
)

// reportedPopulations is the order population entries appear in a report
// group. Measure observations are collected but never reported as a count.
var reportedPopulations = []PopulationType{
	InitialPopulation,
	Numerator,
	NumeratorExclusion,
	Denominator,
	DenominatorExclusion,
	DenominatorException,
	MeasurePopulation,
	MeasurePopulationExclusion,
}

// populationOrder is the declaration order of all population types; it fixes
// the iteration order of the code-to-resource lists.
var populationOrder = append(append([]PopulationType{}, reportedPopulations...), MeasureObservation)

// ParsePopulationType maps a measure-population code to a PopulationType.
func ParsePopulationType(code string) (PopulationType, bool) {
	for _, p := range populationOrder {
		if string(p) == code {
			return p, true
		}
	}
	return "", false
}

// ReportType is the MeasureReport type requested by the caller.
type ReportType string

const (
	ReportIndividual  ReportType = "individual"
	ReportSubjectList ReportType = "subject-list"
	ReportSummary     ReportType = "summary"
)

// ParseReportType accepts the R4 codes plus the DSTU3 spelling
// "patient-list" for subject-list reports.
func ParseReportType(code string) (ReportType, error) {
	switch code {
	case "individual", "patient":
		return ReportIndividual, nil
	case "subject-list", "patient-list":
		return ReportSubjectList, nil
	case "summary", "population":
		return ReportSummary, nil
	}
	return "", fmt.Errorf("unsupported report type %q", code)
}

// Measure is the declarative quality metric being evaluated.
type Measure struct {
	ID               string `validate:"required"`
	ResourceType     string
	URL              string
	Name             string
	Title            string
	Scoring          Scoring
	Library          []string
	Groups           []Group            `validate:"dive"`
	SupplementalData []SupplementalData `validate:"dive"`
}

// Reference returns the "<ResourceType>/<id>" form used in reports.
func (m *Measure) Reference() string {
	rt := m.ResourceType
	if rt == "" {
		rt = "Measure"
	}
	return rt + "/" + m.ID
}

// Group is a population set within a measure.
type Group struct {
	ID          string
	Populations []PopulationCriteria `validate:"dive"`
}

// PopulationCriteria tags a population type with the CQL expression that
// defines it. An empty Expression yields an empty population.
type PopulationCriteria struct {
	Code       string `validate:"required"`
	Expression string
}

// SupplementalData is a supplemental data element. Code is the code.text
// used as the accumulator key.
type SupplementalData struct {
	ID         string
	Code       string `validate:"required"`
	Expression string `validate:"required"`
}

// Interval is a measurement period; both bounds are inclusive.
type Interval struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies within the interval.
func (i Interval) Contains(t time.Time) bool {
	return !t.Before(i.Start) && !t.After(i.End)
}

// Resource is anything a criteria expression can qualify.
type Resource interface {
	ResourceType() string
	ResourceID() string
}

// Subject is a resource evaluated as the CQL "Patient" context. The engine
// only reads its id and display name.
type Subject interface {
	Resource
	DisplayName() string
}

// Code is a CQL System.Code value.
type Code struct {
	System  string
	Version string
	Code    string
	Display string
}
