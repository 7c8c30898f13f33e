package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestNew_DefaultsToSkipPolicyAndVersionOne(t *testing.T) {
	cron := "0 * * * *"
	j := New("job-1", CreateRequest{Name: "hourly", CronExpression: &cron})

	require.Equal(t, PolicySkip, j.ConcurrentPolicy)
	require.Equal(t, 1, j.Version)
	require.True(t, j.IsActive)
	require.True(t, j.IsCron())
}

func TestValidate_RejectsBothOrNeitherSchedule(t *testing.T) {
	j := New("job-1", CreateRequest{Name: "x", ConcurrentPolicy: PolicySkip})
	// neither cron nor executeAt set
	require.ErrorIs(t, j.Validate(), ErrInvalidSchedule)

	cron := "* * * * *"
	at := time.Now().Add(time.Hour)
	j.CronExpression = &cron
	j.ExecuteAt = &at
	// both set
	require.ErrorIs(t, j.Validate(), ErrInvalidSchedule)
}

func TestValidate_DisabledJobCannotBeActive(t *testing.T) {
	cron := "* * * * *"
	j := New("job-1", CreateRequest{Name: "x", CronExpression: &cron})
	now := time.Now()
	j.AutoDisableState.DisabledAt = &now

	require.ErrorIs(t, j.Validate(), ErrDisabledJobActive)
}

func TestValidate_RejectsUnknownConcurrentPolicy(t *testing.T) {
	cron := "* * * * *"
	j := New("job-1", CreateRequest{Name: "x", CronExpression: &cron})
	j.ConcurrentPolicy = "bogus"

	require.Error(t, j.Validate())
}

func TestDisabled_ReflectsAutoDisableState(t *testing.T) {
	cron := "* * * * *"
	j := New("job-1", CreateRequest{Name: "x", CronExpression: &cron})
	require.False(t, j.Disabled())

	now := time.Now()
	j.AutoDisableState.DisabledAt = &now
	require.True(t, j.Disabled())
}

func TestConcurrentPolicy_IsValid(t *testing.T) {
	require.True(t, PolicySkip.IsValid())
	require.True(t, PolicyQueue.IsValid())
	require.False(t, ConcurrentPolicy("other").IsValid())
}
