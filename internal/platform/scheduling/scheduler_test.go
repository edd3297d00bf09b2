package scheduling

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNewScheduler_InvalidSpec(t *testing.T) {
	_, err := NewScheduler("every day", func(context.Context) error { return nil }, 0, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for invalid cron spec")
	}
}

func TestScheduler_Next(t *testing.T) {
	s, err := NewScheduler("0 2 * * *", func(context.Context) error { return nil }, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s.Start()
	defer s.Stop()

	next := s.Next()
	if next.IsZero() {
		t.Fatal("expected a next activation time")
	}
	if next.Hour() != 2 || next.Minute() != 0 {
		t.Errorf("expected next run at 02:00, got %v", next)
	}
}

func TestScheduler_RunRecordsOutcome(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	s, err := NewScheduler("@hourly", func(ctx context.Context) error {
		calls++
		if _, ok := ctx.Deadline(); !ok {
			t.Error("expected the run to carry a deadline")
		}
		return boom
	}, time.Minute, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.run()

	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
	at, lastErr := s.LastRun()
	if at.IsZero() {
		t.Error("expected last run time to be set")
	}
	if !errors.Is(lastErr, boom) {
		t.Errorf("expected last error boom, got %v", lastErr)
	}
}

func TestScheduler_StopCancelsRun(t *testing.T) {
	s, err := NewScheduler("@hourly", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}, 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	done := make(chan struct{})
	go func() {
		s.run()
		close(done)
	}()
	s.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("run did not observe cancellation")
	}
	if _, lastErr := s.LastRun(); !errors.Is(lastErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", lastErr)
	}
}
