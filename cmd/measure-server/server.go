package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"

	"github.com/ehr/cqm/internal/config"
	"github.com/ehr/cqm/internal/domain/measure"
	"github.com/ehr/cqm/internal/domain/measurereport"
	"github.com/ehr/cqm/internal/domain/subject"
	"github.com/ehr/cqm/internal/platform/db"
	"github.com/ehr/cqm/internal/platform/events"
	"github.com/ehr/cqm/internal/platform/middleware"
	"github.com/ehr/cqm/internal/platform/resilience"
	"github.com/ehr/cqm/internal/platform/scheduling"
	"github.com/ehr/cqm/internal/platform/telemetry"
)

// server is the assembled HTTP application and the resources it owns.
type server struct {
	echo      *echo.Echo
	measures  *measure.Service
	pool      *pgxpool.Pool
	publisher events.Publisher
	tracing   *telemetry.TracerProvider
	scheduler *scheduling.Scheduler
}

// newServer wires configuration into a ready echo instance. Without
// DATABASE_URL reports are kept in memory and every evaluation must post
// its own data Bundle.
func newServer(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*server, error) {
	fhirVersion, err := cfg.Version()
	if err != nil {
		return nil, err
	}

	s := &server{}
	metrics := telemetry.NewMetrics()

	s.tracing, err = telemetry.InitTracing(ctx, telemetry.TracingConfig{
		ServiceName:    "measure-server",
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	var (
		data     measure.DataSource
		saver    subject.Saver
		measures measure.MeasureRepository
		reports  measurereport.MeasureReportRepository
		health   db.Pinger
	)
	if cfg.DatabaseURL != "" {
		s.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			s.close(ctx)
			return nil, err
		}
		logger.Info().Msg("connected to database")

		breakerCfg := resilience.DefaultConfig("postgres")
		breakerCfg.FailureThreshold = cfg.BreakerFailureThreshold
		store := subject.NewStore(s.pool, resilience.New(breakerCfg, logger, metrics.SetBreakerState))

		data, saver = store, store
		measures = measure.NewMeasureRepoPG(s.pool)
		reports = measurereport.NewMeasureReportRepoPG(s.pool)
		health = s.pool
	} else {
		logger.Warn().Msg("DATABASE_URL not set; reports are kept in memory")
		reports = measurereport.NewMemoryRepo()
	}

	publisher, err := events.NewPublisher(cfg.Brokers(), cfg.KafkaReportTopic, logger)
	if err != nil {
		s.close(ctx)
		return nil, err
	}
	s.publisher = events.Observe(publisher, metrics.EventPublished)

	reportSvc := measurereport.NewService(reports)
	opts := []measure.ServiceOption{
		measure.WithReportSink(reportSvc),
		measure.WithPublisher(s.publisher),
		measure.WithObserver(metrics),
		measure.WithLogger(logger),
		measure.WithFHIRVersion(fhirVersion),
		measure.WithDefaultPeriod(cfg.MeasurementPeriod),
	}
	if measures != nil {
		opts = append(opts, measure.WithRepository(measures))
	}

	registry := measure.NewRegistry()
	n, err := registry.LoadDir(cfg.MeasuresDir)
	if err != nil {
		s.close(ctx)
		return nil, fmt.Errorf("load measures: %w", err)
	}
	logger.Info().Int("count", n).Str("dir", cfg.MeasuresDir).Msg("loaded measure definitions")

	s.measures = measure.NewService(registry, data, opts...)
	if measures != nil {
		stored, err := s.measures.LoadStored(ctx)
		if err != nil {
			s.close(ctx)
			return nil, fmt.Errorf("load stored measures: %w", err)
		}
		logger.Info().Int("count", stored).Msg("loaded stored measures")
	}

	if cfg.EvaluationSchedule != "" {
		s.scheduler, err = scheduling.NewScheduler(cfg.EvaluationSchedule, s.measures.EvaluateAll, time.Hour, logger)
		if err != nil {
			s.close(ctx)
			return nil, err
		}
	}

	// Echo server
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(telemetry.TracingMiddleware(otel.Tracer("github.com/ehr/cqm/cmd/measure-server")))
	e.Use(metrics.Middleware())
	e.Use(middleware.BodyLimit("1M", "50M"))
	e.Use(middleware.RequestTimeout(5 * time.Minute))

	e.GET("/health", db.HealthHandler(health))
	e.GET("/metrics", metrics.Handler())

	fhirGroup := e.Group("/fhir")
	measure.NewHandler(s.measures).RegisterRoutes(fhirGroup)
	measurereport.NewHandler(reportSvc).RegisterRoutes(fhirGroup)
	if saver != nil {
		subject.NewHandler(saver).RegisterRoutes(fhirGroup)
	}

	s.echo = e
	return s, nil
}

// close releases everything newServer acquired.
func (s *server) close(ctx context.Context) {
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	if s.publisher != nil {
		s.publisher.Close()
	}
	if s.tracing != nil {
		_ = s.tracing.Shutdown(ctx)
	}
	if s.pool != nil {
		s.pool.Close()
	}
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	s, err := newServer(context.Background(), cfg, logger)
	if err != nil {
		return err
	}
	if s.scheduler != nil {
		s.scheduler.Start()
		logger.Info().Time("next", s.scheduler.Next()).Msg("scheduled evaluation enabled")
	}

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("version", version).Msg("starting server")
		if err := s.echo.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.echo.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}
	s.close(ctx)
	logger.Info().Msg("server stopped")
	return nil
}
