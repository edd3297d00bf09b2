package measure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/ehr/cqm/internal/measure"

// ObservationReducer folds the resources qualified by a continuous-variable
// measure observation into a single value.
type ObservationReducer func(ctx context.Context, resources []Resource, ec EvaluationContext) (any, error)

// Observer is notified once per finished evaluation.
type Observer interface {
	ObserveEvaluation(measureID string, reportType ReportType, subjects int, elapsed time.Duration, err error)
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLogger sets the evaluator's logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(e *Evaluator) { e.logger = logger }
}

// WithTracer overrides the tracer taken from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(e *Evaluator) { e.tracer = tracer }
}

func WithObserver(o Observer) Option {
	return func(e *Evaluator) { e.observer = o }
}

// WithObservationReducer installs the continuous-variable reduction hook. A
// reducer returning a number sets the group score.
func WithObservationReducer(fn ObservationReducer) Option {
	return func(e *Evaluator) { e.reducer = fn }
}

// WithIDGenerator replaces the generator of report and contained resource ids.
func WithIDGenerator(fn func() string) Option {
	return func(e *Evaluator) { e.newID = fn }
}

// Evaluator computes measure reports. An Evaluator holds no per-evaluation
// state and may be shared; each call must receive its own EvaluationContext.
type Evaluator struct {
	subjects *SubjectEnumerator
	period   Interval
	logger   zerolog.Logger
	tracer   trace.Tracer
	observer Observer
	reducer  ObservationReducer
	newID    func() string
	validate *validator.Validate
}

// NewEvaluator creates an evaluator for the measurement period. provider
// backs single subject lookups and registry subject searches.
func NewEvaluator(provider DataProvider, registry SubjectRegistry, period Interval, opts ...Option) *Evaluator {
	e := &Evaluator{
		subjects: NewSubjectEnumerator(provider, registry),
		period:   period,
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		newID:    uuid.NewString,
		validate: validator.New(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Period returns the measurement period reports are generated for.
func (e *Evaluator) Period() Interval { return e.period }

// EvaluateIndividual produces an individual report for one subject. An empty
// subjectID evaluates the whole population instead. A subject that does not
// exist yields a report with empty populations.
func (e *Evaluator) EvaluateIndividual(ctx context.Context, m *Measure, ec EvaluationContext, subjectID string) (*Report, error) {
	if subjectID == "" {
		return e.EvaluatePopulation(ctx, m, ec)
	}
	if err := e.check(m, ec); err != nil {
		return nil, err
	}
	e.logger.Info().Str("measure", m.ID).Str("subject", subjectID).Msg("generating individual report")

	subject, err := e.subjects.ByID(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	var subjects []Subject
	if subject != nil {
		subjects = []Subject{subject}
	}
	return e.evaluate(ctx, m, ec, subjects, ReportIndividual)
}

// EvaluateSubjectList produces a subject-list report over the subjects of a
// practitioner, or over every subject when practitionerRef is empty.
func (e *Evaluator) EvaluateSubjectList(ctx context.Context, m *Measure, ec EvaluationContext, practitionerRef string) (*Report, error) {
	if err := e.check(m, ec); err != nil {
		return nil, err
	}
	e.logger.Info().Str("measure", m.ID).Str("practitioner", practitionerRef).Msg("generating subject-list report")

	var (
		subjects []Subject
		err      error
	)
	if practitionerRef == "" {
		subjects, err = e.subjects.All(ctx)
	} else {
		subjects, err = e.subjects.ByPractitioner(ctx, practitionerRef)
	}
	if err != nil {
		return nil, err
	}
	return e.evaluate(ctx, m, ec, subjects, ReportSubjectList)
}

// EvaluatePopulation produces a summary report over every subject.
func (e *Evaluator) EvaluatePopulation(ctx context.Context, m *Measure, ec EvaluationContext) (*Report, error) {
	if err := e.check(m, ec); err != nil {
		return nil, err
	}
	e.logger.Info().Str("measure", m.ID).Msg("generating summary report")

	subjects, err := e.subjects.All(ctx)
	if err != nil {
		return nil, err
	}
	return e.evaluate(ctx, m, ec, subjects, ReportSummary)
}

// EvaluateSubjects evaluates an explicit subject list. It is used by callers
// that enumerate subjects themselves, such as offline bundle evaluation.
func (e *Evaluator) EvaluateSubjects(ctx context.Context, m *Measure, ec EvaluationContext, subjects []Subject, reportType ReportType) (*Report, error) {
	if err := e.check(m, ec); err != nil {
		return nil, err
	}
	return e.evaluate(ctx, m, ec, subjects, reportType)
}

func (e *Evaluator) check(m *Measure, ec EvaluationContext) error {
	if m == nil {
		return &ConfigurationError{Msg: "measure is required"}
	}
	if ec == nil {
		return &ConfigurationError{Msg: "evaluation context is required"}
	}
	if err := e.validate.Struct(m); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return &ConfigurationError{Msg: fmt.Sprintf("invalid measure field %s", verrs[0].Namespace()), Err: err}
		}
		return &ConfigurationError{Msg: "invalid measure", Err: err}
	}
	if _, ok := ParseScoring(string(m.Scoring)); !ok {
		return &ConfigurationError{Msg: "Measure scoring is required"}
	}
	return nil
}

// run is the state of a single evaluation.
type run struct {
	measure    *Measure
	ec         EvaluationContext
	reportType ReportType
	period     Interval
	logger     zerolog.Logger
	reducer    ObservationReducer
	newID      func() string
	prov       *provenance
	sde        *sdeAccumulator
}

func (e *Evaluator) evaluate(ctx context.Context, m *Measure, ec EvaluationContext, subjects []Subject, reportType ReportType) (report *Report, err error) {
	ctx, span := e.tracer.Start(ctx, "measure.evaluate", trace.WithAttributes(
		attribute.String("measure.id", m.ID),
		attribute.String("measure.scoring", string(m.Scoring)),
		attribute.String("report.type", string(reportType)),
		attribute.Int("subject.count", len(subjects)),
	))
	start := time.Now()
	defer func() {
		elapsed := time.Since(start)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
		if e.observer != nil {
			e.observer.ObserveEvaluation(m.ID, reportType, len(subjects), elapsed, err)
		}
	}()

	r := &run{
		measure:    m,
		ec:         ec,
		reportType: reportType,
		period:     e.period,
		logger:     e.logger.With().Str("measure", m.ID).Logger(),
		reducer:    e.reducer,
		newID:      e.newID,
		prov:       newProvenance(),
		sde:        newSDEAccumulator(m.SupplementalData),
	}

	groups := make([]scoredGroup, 0, len(m.Groups))
	for i := range m.Groups {
		g, err := r.scoreGroup(ctx, &m.Groups[i], subjects, i == 0)
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	if len(m.Groups) == 0 {
		for _, subject := range subjects {
			if err := r.sde.accumulate(ctx, r, subject); err != nil {
				return nil, err
			}
		}
	}

	report = assembleReport(r, subjects, groups)
	e.logger.Debug().
		Str("measure", m.ID).
		Str("type", string(reportType)).
		Int("subjects", len(subjects)).
		Dur("elapsed", time.Since(start)).
		Msg("measure evaluation complete")
	return report, nil
}
