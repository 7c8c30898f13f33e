package autodisable

import (
	"testing"
	"time"

	"github.com/milvaion/scheduler/internal/domain/job"
	"github.com/milvaion/scheduler/internal/domain/occurrence"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_Disabled_NoOp(t *testing.T) {
	cfg := job.AutoDisableConfig{Enabled: false, Threshold: 1, WindowMinutes: 60}
	state, disable := Evaluate(cfg, job.AutoDisableState{}, time.Now(), occurrence.Failed)

	require.False(t, disable)
	require.Equal(t, 0, state.ConsecutiveFailureCount)
}

func TestEvaluate_CompletedResetsCounter(t *testing.T) {
	cfg := job.AutoDisableConfig{Enabled: true, Threshold: 3, WindowMinutes: 60}
	state := job.AutoDisableState{ConsecutiveFailureCount: 2}

	state, disable := Evaluate(cfg, state, time.Now(), occurrence.Completed)

	require.False(t, disable)
	require.Equal(t, 0, state.ConsecutiveFailureCount)
	require.Nil(t, state.LastFailureTime)
}

func TestEvaluate_ThresholdTripsDisable(t *testing.T) {
	cfg := job.AutoDisableConfig{Enabled: true, Threshold: 3, WindowMinutes: 60}
	now := time.Now().UTC()

	state := job.AutoDisableState{}
	state, disable := Evaluate(cfg, state, now, occurrence.Failed)
	require.False(t, disable)
	require.Equal(t, 1, state.ConsecutiveFailureCount)

	state, disable = Evaluate(cfg, state, now.Add(time.Minute), occurrence.TimedOut)
	require.False(t, disable)
	require.Equal(t, 2, state.ConsecutiveFailureCount)

	state, disable = Evaluate(cfg, state, now.Add(2*time.Minute), occurrence.Unknown)
	require.True(t, disable)
	require.Equal(t, 3, state.ConsecutiveFailureCount)
	require.NotNil(t, state.DisabledAt)
}

func TestEvaluate_WindowExpiryResetsBeforeIncrement(t *testing.T) {
	cfg := job.AutoDisableConfig{Enabled: true, Threshold: 3, WindowMinutes: 10}
	now := time.Now().UTC()
	last := now.Add(-20 * time.Minute)

	state := job.AutoDisableState{ConsecutiveFailureCount: 2, LastFailureTime: &last}
	state, disable := Evaluate(cfg, state, now, occurrence.Failed)

	require.False(t, disable)
	require.Equal(t, 1, state.ConsecutiveFailureCount, "stale failure outside window must reset before incrementing")
}

func TestEvaluate_SuccessLikeIgnored(t *testing.T) {
	cfg := job.AutoDisableConfig{Enabled: true, Threshold: 1, WindowMinutes: 60}
	state, disable := Evaluate(cfg, job.AutoDisableState{}, time.Now(), occurrence.Cancelled)

	require.False(t, disable)
	require.Equal(t, 0, state.ConsecutiveFailureCount)
}
