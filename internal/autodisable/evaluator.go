// Package autodisable implements the auto-disable policy as a small pure
// function, per the design note in spec.md section 9: "Auto-disable is a
// small pure function taking (config, state, now, newStatus) -> (newState,
// shouldDisable); it is trivially unit-testable without the rest of the
// system."
package autodisable

import (
	"time"

	"github.com/milvaion/scheduler/internal/domain/job"
	"github.com/milvaion/scheduler/internal/domain/occurrence"
)

// Evaluate advances AutoDisableState for one terminal occurrence outcome and
// reports whether the job should now be disabled.
func Evaluate(cfg job.AutoDisableConfig, state job.AutoDisableState, now time.Time, newStatus occurrence.Status) (job.AutoDisableState, bool) {
	if !cfg.Enabled {
		return state, false
	}

	if newStatus == occurrence.Completed {
		state.ConsecutiveFailureCount = 0
		state.LastFailureTime = nil
		return state, false
	}

	if !newStatus.FailureLike() {
		return state, false
	}

	window := time.Duration(cfg.WindowMinutes) * time.Minute
	if state.LastFailureTime != nil && window > 0 && now.Sub(*state.LastFailureTime) > window {
		state.ConsecutiveFailureCount = 0
	}

	state.ConsecutiveFailureCount++
	state.LastFailureTime = &now

	threshold := cfg.Threshold
	if threshold <= 0 {
		threshold = 5
	}

	if state.ConsecutiveFailureCount >= threshold {
		state.DisabledAt = &now
		return state, true
	}

	return state, false
}
