// Package scheduling runs recurring measure evaluations on a cron schedule.
package scheduling

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Job is one scheduled run.
type Job func(ctx context.Context) error

// Scheduler invokes a job on a standard five-field cron schedule. Runs never
// overlap: a run that is due while the previous one is still going is
// skipped.
type Scheduler struct {
	cron    *cron.Cron
	job     Job
	logger  zerolog.Logger
	timeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	lastRun time.Time
	lastErr error
}

// NewScheduler validates spec and prepares a scheduler. timeout bounds each
// run; zero means no bound.
func NewScheduler(spec string, job Job, timeout time.Duration, logger zerolog.Logger) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		job:     job,
		logger:  logger,
		timeout: timeout,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.cron = cron.New(cron.WithChain(
		cron.Recover(cronLogger{logger}),
		cron.SkipIfStillRunning(cronLogger{logger}),
	))
	if _, err := s.cron.AddFunc(spec, s.run); err != nil {
		cancel()
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return s, nil
}

// Start begins scheduling in the background.
func (s *Scheduler) Start() {
	s.logger.Info().Int("entries", len(s.cron.Entries())).Msg("evaluation scheduler started")
	s.cron.Start()
}

// Stop cancels a running job and waits for it to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info().Msg("evaluation scheduler stopped")
}

// Next returns the next activation time.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// LastRun reports when the job last finished and its error.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) run() {
	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.job(ctx)

	s.mu.Lock()
	s.lastRun, s.lastErr = time.Now(), err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error().Err(err).Dur("elapsed", time.Since(start)).Msg("scheduled evaluation failed")
		return
	}
	s.logger.Info().Dur("elapsed", time.Since(start)).Msg("scheduled evaluation complete")
}

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct{ logger zerolog.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
