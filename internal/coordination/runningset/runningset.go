// Package runningset implements RunningSet: an atomic "is this job currently
// executing" membership set used only to enforce concurrentPolicy=Skip, per
// spec.md section 4.4.
package runningset

import (
	"context"

	"github.com/milvaion/scheduler/internal/breaker"
	"github.com/redis/go-redis/v9"
)

const defaultKey = "running_jobs"

type Set struct {
	rdb *redis.Client
	br  *breaker.Breaker
	key string
}

func New(rdb *redis.Client, br *breaker.Breaker, keyPrefix string) *Set {
	return &Set{rdb: rdb, br: br, key: keyPrefix + defaultKey}
}

// TryMarkRunning is an atomic add-if-absent. false means a prior occurrence
// is already in flight (or the breaker is Open) and this firing must be
// dropped.
func (s *Set) TryMarkRunning(ctx context.Context, jobID string) bool {
	return breaker.Call(ctx, s.br, false, func(ctx context.Context) (bool, error) {
		added, err := s.rdb.SAdd(ctx, s.key, jobID).Result()
		return added == 1, err
	})
}

// MarkCompleted releases the membership mark; called by StatusTracker and
// ZombieDetector on any terminal transition.
func (s *Set) MarkCompleted(ctx context.Context, jobID string) {
	breaker.Call(ctx, s.br, false, func(ctx context.Context) (bool, error) {
		err := s.rdb.SRem(ctx, s.key, jobID).Err()
		return err == nil, err
	})
}

func (s *Set) IsRunning(ctx context.Context, jobID string) bool {
	return breaker.Call(ctx, s.br, false, func(ctx context.Context) (bool, error) {
		return s.rdb.SIsMember(ctx, s.key, jobID).Result()
	})
}

// FilterRunning returns the subset of jobIDs currently marked running.
func (s *Set) FilterRunning(ctx context.Context, jobIDs []string) []string {
	if len(jobIDs) == 0 {
		return nil
	}
	return breaker.Call(ctx, s.br, []string(nil), func(ctx context.Context) ([]string, error) {
		pipe := s.rdb.Pipeline()
		cmds := make([]*redis.BoolCmd, len(jobIDs))
		for i, id := range jobIDs {
			cmds[i] = pipe.SIsMember(ctx, s.key, id)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, err
		}
		var out []string
		for i, id := range jobIDs {
			if v, _ := cmds[i].Result(); v {
				out = append(out, id)
			}
		}
		return out, nil
	})
}
