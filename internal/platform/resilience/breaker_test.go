package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	var transitions []int
	b := New(Config{Name: "pg", FailureThreshold: 2, Timeout: time.Minute}, zerolog.Nop(),
		func(_ string, state int) { transitions = append(transitions, state) })

	boom := errors.New("connection refused")
	fail := func(context.Context) (interface{}, error) { return nil, boom }

	for i := 0; i < 2; i++ {
		_, err := b.Execute(context.Background(), "query", fail)
		require.ErrorIs(t, err, boom)
	}
	assert.Equal(t, "open", b.State())
	assert.Equal(t, []int{2}, transitions)

	called := false
	_, err := b.Execute(context.Background(), "query", func(context.Context) (interface{}, error) {
		called = true
		return nil, nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestBreaker_CancellationDoesNotTrip(t *testing.T) {
	b := New(Config{Name: "pg", FailureThreshold: 1}, zerolog.Nop(), nil)

	_, err := b.Execute(context.Background(), "query", func(context.Context) (interface{}, error) {
		return nil, context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, "closed", b.State())
}

func TestBreaker_ReturnsResult(t *testing.T) {
	b := New(DefaultConfig("pg"), zerolog.Nop(), nil)
	v, err := b.Execute(context.Background(), "query", func(context.Context) (interface{}, error) {
		return 42, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 42, v)
	assert.Equal(t, uint32(1), b.Counts().TotalSuccesses)
}
