package occurrence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_SeedsQueuedWithLog(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)
	o := New("occ-1", "job-1", 3, "nightly-report", now)

	require.Equal(t, "occ-1", o.OccurrenceID)
	require.Equal(t, o.OccurrenceID, o.CorrelationID)
	require.Equal(t, Queued, o.Status)
	require.Len(t, o.StatusChangeLog, 1)
	require.Len(t, o.Logs, 1)
}

func TestApplyTransition_QueuedToRunningOK(t *testing.T) {
	now := time.Now().UTC()
	o := New("occ-1", "job-1", 1, "job", now)

	err := o.ApplyTransition(Running, "worker_started", now.Add(time.Second))
	require.NoError(t, err)
	require.Equal(t, Running, o.Status)
	require.Nil(t, o.EndTime)
}

func TestApplyTransition_TerminalSetsEndTimeAndDuration(t *testing.T) {
	now := time.Now().UTC()
	o := New("occ-1", "job-1", 1, "job", now)
	start := now.Add(time.Second)
	o.StartTime = &start

	require.NoError(t, o.ApplyTransition(Running, "started", start))
	end := start.Add(5 * time.Second)
	require.NoError(t, o.ApplyTransition(Completed, "done", end))

	require.NotNil(t, o.EndTime)
	require.Equal(t, end, *o.EndTime)
	require.NotNil(t, o.DurationMs)
	require.Equal(t, int64(5000), *o.DurationMs)
	require.Nil(t, o.Exception)
}

func TestApplyTransition_TerminalToTerminalRejected(t *testing.T) {
	now := time.Now().UTC()
	o := New("occ-1", "job-1", 1, "job", now)
	require.NoError(t, o.ApplyTransition(Running, "started", now))
	require.NoError(t, o.ApplyTransition(Completed, "done", now))

	err := o.ApplyTransition(Failed, "late update", now.Add(time.Minute))
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestApplyTransition_SameStatusIsIdempotentNoOp(t *testing.T) {
	now := time.Now().UTC()
	o := New("occ-1", "job-1", 1, "job", now)
	require.NoError(t, o.ApplyTransition(Running, "started", now))

	err := o.ApplyTransition(Running, "duplicate delivery", now.Add(time.Second))
	require.NoError(t, err)
	require.Len(t, o.StatusChangeLog, 2) // seed + the one real transition, no third entry
}

func TestApplyTransition_UnknownOverrideWithinWindow(t *testing.T) {
	now := time.Now().UTC()
	o := New("occ-1", "job-1", 1, "job", now)
	require.NoError(t, o.ApplyTransition(Running, "started", now))
	require.NoError(t, o.ApplyTransition(Unknown, "zombie", now.Add(time.Minute)))

	late := now.Add(time.Minute + 5*time.Minute)
	err := o.ApplyTransition(Completed, "worker finally reported", late)
	require.NoError(t, err)
	require.Equal(t, Completed, o.Status)
}

func TestApplyTransition_UnknownOverrideOutsideWindowRejected(t *testing.T) {
	now := time.Now().UTC()
	o := New("occ-1", "job-1", 1, "job", now)
	require.NoError(t, o.ApplyTransition(Running, "started", now))
	require.NoError(t, o.ApplyTransition(Unknown, "zombie", now.Add(time.Minute)))

	tooLate := now.Add(time.Minute + UnknownOverrideWindow + time.Second)
	err := o.ApplyTransition(Completed, "too late", tooLate)
	require.ErrorIs(t, err, ErrInvalidTransition)
}

func TestAppendLog_CapsAtMaxCountDroppingOldest(t *testing.T) {
	now := time.Now().UTC()
	o := New("occ-1", "job-1", 1, "job", now)

	for i := 0; i < 5; i++ {
		o.AppendLog(LogEntry{Timestamp: now, Level: LevelInfo, Message: "line"}, 3)
	}
	require.Len(t, o.Logs, 3)
}

func TestStatus_TerminalAndFailureLike(t *testing.T) {
	require.True(t, Completed.Terminal())
	require.True(t, Unknown.Terminal())
	require.False(t, Queued.Terminal())
	require.False(t, Running.Terminal())

	require.True(t, Failed.FailureLike())
	require.True(t, TimedOut.FailureLike())
	require.True(t, Unknown.FailureLike())
	require.False(t, Completed.FailureLike())
	require.False(t, Cancelled.FailureLike())
}
