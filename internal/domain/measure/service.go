package measure

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/cqm/internal/config"
	"github.com/ehr/cqm/internal/cql"
	engine "github.com/ehr/cqm/internal/measure"
	"github.com/ehr/cqm/internal/platform/events"
	"github.com/ehr/cqm/internal/platform/fhir"
)

// ErrMeasureNotFound is returned when no measure has the requested id.
var ErrMeasureNotFound = errors.New("measure not found")

// ReportSink stores generated reports.
type ReportSink interface {
	Record(ctx context.Context, r *engine.Report, resource map[string]interface{}) error
}

// DataSource is the clinical data a measure is evaluated against.
type DataSource interface {
	engine.DataProvider
	engine.SubjectRegistry
}

// EvaluateRequest holds the $evaluate-measure parameters.
type EvaluateRequest struct {
	MeasureID    string
	PeriodStart  string
	PeriodEnd    string
	ReportType   string
	Subject      string
	Practitioner string
	// Data, when set, is a Bundle evaluated in place of the configured
	// data source.
	Data map[string]interface{}
}

// Result is a generated report and its FHIR rendering.
type Result struct {
	Report   *engine.Report
	Resource map[string]interface{}
}

type Service struct {
	registry  *Registry
	data      DataSource
	repo      MeasureRepository
	reports   ReportSink
	publisher events.Publisher
	observer  engine.Observer
	logger    zerolog.Logger
	version   engine.FHIRVersion
	period    func(now time.Time) (engine.Interval, error)
	now       func() time.Time
}

type ServiceOption func(*Service)

// WithRepository persists measures created through the API.
func WithRepository(repo MeasureRepository) ServiceOption {
	return func(s *Service) { s.repo = repo }
}

func WithReportSink(sink ReportSink) ServiceOption {
	return func(s *Service) { s.reports = sink }
}

func WithPublisher(p events.Publisher) ServiceOption {
	return func(s *Service) { s.publisher = p }
}

func WithObserver(o engine.Observer) ServiceOption {
	return func(s *Service) { s.observer = o }
}

func WithLogger(logger zerolog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

func WithFHIRVersion(v engine.FHIRVersion) ServiceOption {
	return func(s *Service) { s.version = v }
}

// WithDefaultPeriod sets the measurement period used when a request names
// none.
func WithDefaultPeriod(fn func(now time.Time) (engine.Interval, error)) ServiceOption {
	return func(s *Service) { s.period = fn }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates the measure service. data may be nil, in which case
// every evaluation must carry its own data Bundle.
func NewService(registry *Registry, data DataSource, opts ...ServiceOption) *Service {
	s := &Service{
		registry:  registry,
		data:      data,
		publisher: events.NopPublisher{},
		logger:    zerolog.Nop(),
		version:   engine.FHIRVersionR4,
		period:    calendarYear,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func calendarYear(now time.Time) (engine.Interval, error) {
	y := now.UTC().Year()
	return engine.Interval{
		Start: time.Date(y, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(y, 12, 31, 23, 59, 59, 0, time.UTC),
	}, nil
}

// Version is the FHIR version reports are rendered in.
func (s *Service) Version() engine.FHIRVersion { return s.version }

// LoadStored adds the measures kept in the repository to the registry.
func (s *Service) LoadStored(ctx context.Context) (int, error) {
	if s.repo == nil {
		return 0, nil
	}
	defs, err := s.repo.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("list stored measures: %w", err)
	}
	for _, d := range defs {
		s.registry.Put(d)
	}
	return len(defs), nil
}

// CreateMeasure registers a posted Measure resource.
func (s *Service) CreateMeasure(ctx context.Context, resource fhir.Object) (*Definition, error) {
	d, err := NewDefinition(resource)
	if err != nil {
		return nil, &engine.ConfigurationError{Msg: err.Error(), Err: err}
	}
	d.CreatedAt = s.now().UTC()
	d.UpdatedAt = d.CreatedAt
	if s.repo != nil {
		if err := s.repo.Upsert(ctx, d); err != nil {
			return nil, &engine.DataAccessError{Op: "store measure " + d.FHIRID, Err: err}
		}
	}
	s.registry.Put(d)
	return d, nil
}

func (s *Service) GetMeasure(idOrURL string) (*Definition, error) {
	d, ok := s.registry.Get(idOrURL)
	if !ok {
		return nil, ErrMeasureNotFound
	}
	return d, nil
}

func (s *Service) ListMeasures() []*Definition {
	return s.registry.List()
}

// Evaluate runs $evaluate-measure.
func (s *Service) Evaluate(ctx context.Context, req EvaluateRequest) (*Result, error) {
	def, err := s.GetMeasure(req.MeasureID)
	if err != nil {
		return nil, err
	}
	m, err := ParseMeasure(def.Resource)
	if err != nil {
		return nil, &engine.ConfigurationError{Msg: "invalid measure " + def.FHIRID, Err: err}
	}
	lib, err := s.library(def, m)
	if err != nil {
		return nil, err
	}
	period, err := s.measurementPeriod(req.PeriodStart, req.PeriodEnd)
	if err != nil {
		return nil, err
	}
	reportType, err := requestedReportType(req)
	if err != nil {
		return nil, err
	}

	data := s.data
	if req.Data != nil {
		bundle, err := cql.NewBundleProviderFromJSON(req.Data)
		if err != nil {
			return nil, &engine.ConfigurationError{Msg: "invalid data bundle", Err: err}
		}
		data = bundle
	}
	if data == nil {
		return nil, &engine.ConfigurationError{Msg: "no clinical data source configured; post a data Bundle"}
	}

	ec := cql.NewContext(lib, data, period, cql.WithClock(s.now))
	logger := s.logger
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		logger = *l
	}
	opts := []engine.Option{engine.WithLogger(logger)}
	if s.observer != nil {
		opts = append(opts, engine.WithObserver(s.observer))
	}
	ev := engine.NewEvaluator(data, data, period, opts...)

	var report *engine.Report
	switch reportType {
	case engine.ReportIndividual:
		report, err = ev.EvaluateIndividual(ctx, m, ec, req.Subject)
	case engine.ReportSubjectList:
		report, err = ev.EvaluateSubjectList(ctx, m, ec, req.Practitioner)
	default:
		report, err = ev.EvaluatePopulation(ctx, m, ec)
	}
	if err != nil {
		return nil, err
	}

	resource := report.ToFHIR(s.version)
	if s.reports != nil {
		if err := s.reports.Record(ctx, report, resource); err != nil {
			return nil, err
		}
	}
	s.publish(ctx, report, resource)
	return &Result{Report: report, Resource: resource}, nil
}

// EvaluateAll produces a summary report for every registered measure. It
// keeps going after a failure and returns the failures joined.
func (s *Service) EvaluateAll(ctx context.Context) error {
	var errs []error
	for _, d := range s.registry.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.Evaluate(ctx, EvaluateRequest{MeasureID: d.FHIRID, ReportType: string(engine.ReportSummary)})
		if err != nil {
			s.logger.Error().Err(err).Str("measure", d.FHIRID).Msg("scheduled evaluation failed")
			errs = append(errs, fmt.Errorf("%s: %w", d.FHIRID, err))
			continue
		}
		s.logger.Info().Str("measure", d.FHIRID).Str("report", res.Report.ID).Msg("scheduled report generated")
	}
	return errors.Join(errs...)
}

// library resolves the CQL behind a measure: a contained Library first,
// then the first registered library the measure references.
func (s *Service) library(def *Definition, m *engine.Measure) (*cql.Library, error) {
	src, name := def.Library, def.FHIRID
	if src == "" {
		for _, ref := range m.Library {
			if found, ok := s.registry.Library(ref); ok {
				src, name = found, LibraryName(ref)
				break
			}
		}
	}
	if src == "" {
		return nil, &engine.ConfigurationError{Msg: fmt.Sprintf("no CQL library found for measure %s", def.FHIRID)}
	}
	lib, err := cql.ParseLibrary(name, "", src)
	if err != nil {
		return nil, &engine.ConfigurationError{Msg: "invalid CQL library " + name, Err: err}
	}
	return lib, nil
}

func (s *Service) measurementPeriod(start, end string) (engine.Interval, error) {
	if start == "" && end == "" {
		p, err := s.period(s.now())
		if err != nil {
			return engine.Interval{}, &engine.ConfigurationError{Msg: "default measurement period", Err: err}
		}
		return p, nil
	}
	if start == "" || end == "" {
		return engine.Interval{}, &engine.ConfigurationError{Msg: "periodStart and periodEnd must be given together"}
	}
	s0, err := config.ParsePeriodBound(start, false)
	if err != nil {
		return engine.Interval{}, &engine.ConfigurationError{Msg: "periodStart", Err: err}
	}
	e0, err := config.ParsePeriodBound(end, true)
	if err != nil {
		return engine.Interval{}, &engine.ConfigurationError{Msg: "periodEnd", Err: err}
	}
	if e0.Before(s0) {
		return engine.Interval{}, &engine.ConfigurationError{Msg: "periodEnd is before periodStart"}
	}
	return engine.Interval{Start: s0, End: e0}, nil
}

// requestedReportType applies the $evaluate-measure default: an individual
// report when a subject is named, a summary otherwise.
func requestedReportType(req EvaluateRequest) (engine.ReportType, error) {
	if req.ReportType == "" {
		if req.Subject != "" {
			return engine.ReportIndividual, nil
		}
		return engine.ReportSummary, nil
	}
	rt, err := engine.ParseReportType(req.ReportType)
	if err != nil {
		return "", &engine.ConfigurationError{Msg: err.Error()}
	}
	return rt, nil
}

func (s *Service) publish(ctx context.Context, r *engine.Report, resource map[string]interface{}) {
	evt := events.ReportEvent{
		Type:        events.ReportGenerated,
		ReportID:    r.ID,
		Measure:     r.Measure,
		ReportType:  string(r.Type),
		Subject:     r.Subject,
		PeriodStart: r.Period.Start,
		PeriodEnd:   r.Period.End,
		GeneratedAt: s.now().UTC(),
		Report:      resource,
	}
	if err := s.publisher.PublishReport(ctx, evt); err != nil {
		s.logger.Warn().Err(err).Str("report", r.ID).Msg("report event not published")
	}
}
