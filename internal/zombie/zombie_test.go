package zombie

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/milvaion/scheduler/internal/domain/job"
)

func TestEffectiveTimeout_JobOverrideWins(t *testing.T) {
	minutes := 45
	j := job.Job{ZombieTimeoutMinutes: &minutes}

	require.Equal(t, 45*time.Minute, effectiveTimeout(j, 10))
}

func TestEffectiveTimeout_FallsBackToGlobal(t *testing.T) {
	j := job.Job{}
	require.Equal(t, 20*time.Minute, effectiveTimeout(j, 20))
}

func TestEffectiveTimeout_ZeroGlobalDefaultsToTen(t *testing.T) {
	j := job.Job{}
	require.Equal(t, 10*time.Minute, effectiveTimeout(j, 0))
}
