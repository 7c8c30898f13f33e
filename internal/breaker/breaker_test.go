package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := New(Config{FailureThreshold: 2, OpenTimeout: 50 * time.Millisecond})
	boom := errors.New("boom")

	_ = b.Run(context.Background(), func(context.Context) error { return boom })
	require.Equal(t, "closed", b.State())

	_ = b.Run(context.Background(), func(context.Context) error { return boom })
	require.Equal(t, "open", b.State())

	called := false
	err := b.Run(context.Background(), func(context.Context) error { called = true; return nil })
	require.ErrorIs(t, err, ErrOpen)
	require.False(t, called, "fn must not run while circuit is open")
}

func TestBreaker_HalfOpenProbeThenClose(t *testing.T) {
	b := New(Config{FailureThreshold: 1, OpenTimeout: 10 * time.Millisecond})
	_ = b.Run(context.Background(), func(context.Context) error { return errors.New("x") })
	require.Equal(t, "open", b.State())

	time.Sleep(15 * time.Millisecond)

	err := b.Run(context.Background(), func(context.Context) error { return nil })
	require.NoError(t, err)
	require.Equal(t, "closed", b.State())
}

func TestBreaker_CancellationNotCountedAsFailure(t *testing.T) {
	b := New(Config{FailureThreshold: 1})
	_ = b.Run(context.Background(), func(context.Context) error { return context.Canceled })
	require.Equal(t, "closed", b.State())
	require.Equal(t, uint64(0), b.Stats().TotalFailures)
}

func TestCall_FallbackOnOpen(t *testing.T) {
	b := New(Config{FailureThreshold: 1})
	_ = b.Run(context.Background(), func(context.Context) error { return errors.New("x") })

	v := Call(context.Background(), b, 42, func(context.Context) (int, error) {
		return 7, nil
	})
	require.Equal(t, 42, v, "must return fallback, not call fn, while open")
}
