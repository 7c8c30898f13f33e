// Package scheduleindex implements the ScheduleIndex component: an ordered
// set of (jobId -> nextFireTime) backed by a single Redis sorted set, per
// spec.md section 4.1. Every call is wrapped by the shared CircuitBreaker and
// falls back to the documented zero value on Open rather than erroring, so
// the Dispatcher loop keeps making progress once the store recovers.
package scheduleindex

import (
	"context"
	"strconv"
	"time"

	"github.com/milvaion/scheduler/internal/breaker"
	"github.com/redis/go-redis/v9"
)

const defaultKey = "scheduled_jobs"

const defaultLimit = 100

// Index wraps one Redis ZSET keyed by jobId, scored by firing time in
// integer seconds since the epoch.
type Index struct {
	rdb *redis.Client
	br  *breaker.Breaker
	key string
}

func New(rdb *redis.Client, br *breaker.Breaker, keyPrefix string) *Index {
	return &Index{rdb: rdb, br: br, key: keyPrefix + defaultKey}
}

// Add inserts or overwrites jobId's score. Idempotent: a second Add/Update
// for the same jobId simply overwrites the score (ZADD semantics).
func (idx *Index) Add(ctx context.Context, jobID string, at time.Time) bool {
	return breaker.Call(ctx, idx.br, false, func(c context.Context) (bool, error) {
		err := idx.rdb.ZAdd(c, idx.key, redis.Z{Score: float64(at.Unix()), Member: jobID}).Err()
		return err == nil, err
	})
}

// Update is an alias of Add: both are idempotent overwrites (spec.md section
// 4.1 and the "idempotent reschedule" testable property in section 8).
func (idx *Index) Update(ctx context.Context, jobID string, at time.Time) bool {
	return idx.Add(ctx, jobID, at)
}

// Remove deletes jobId's entry, if any.
func (idx *Index) Remove(ctx context.Context, jobID string) bool {
	return breaker.Call(ctx, idx.br, false, func(c context.Context) (bool, error) {
		err := idx.rdb.ZRem(c, idx.key, jobID).Err()
		return err == nil, err
	})
}

// RemoveBulk deletes many entries in one round trip.
func (idx *Index) RemoveBulk(ctx context.Context, jobIDs []string) bool {
	if len(jobIDs) == 0 {
		return true
	}
	members := make([]any, len(jobIDs))
	for i, id := range jobIDs {
		members[i] = id
	}
	return breaker.Call(ctx, idx.br, false, func(c context.Context) (bool, error) {
		err := idx.rdb.ZRem(c, idx.key, members...).Err()
		return err == nil, err
	})
}

// GetDue returns jobIds with score <= now, ascending by score, capped at
// limit (default 100 when limit <= 0).
func (idx *Index) GetDue(ctx context.Context, now time.Time, limit int) []string {
	if limit <= 0 {
		limit = defaultLimit
	}

	return breaker.Call(ctx, idx.br, []string(nil), func(c context.Context) ([]string, error) {
		return idx.rdb.ZRangeByScore(c, idx.key, &redis.ZRangeBy{
			Min:    "-inf",
			Max:    strconv.FormatInt(now.Unix(), 10),
			Offset: 0,
			Count:  int64(limit),
		}).Result()
	})
}

// GetTime returns the score for jobId, or nil if absent or the breaker is
// Open.
func (idx *Index) GetTime(ctx context.Context, jobID string) *time.Time {
	return breaker.Call(ctx, idx.br, (*time.Time)(nil), func(c context.Context) (*time.Time, error) {
		score, err := idx.rdb.ZScore(c, idx.key, jobID).Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		t := time.Unix(int64(score), 0).UTC()
		return &t, nil
	})
}

// GetTimesBulk returns a map of jobId -> firing time for every id that has a
// live entry; missing ids are simply absent from the result.
func (idx *Index) GetTimesBulk(ctx context.Context, jobIDs []string) map[string]time.Time {
	if len(jobIDs) == 0 {
		return map[string]time.Time{}
	}

	return breaker.Call(ctx, idx.br, map[string]time.Time{}, func(c context.Context) (map[string]time.Time, error) {
		pipe := idx.rdb.Pipeline()
		cmds := make([]*redis.FloatCmd, len(jobIDs))
		for i, id := range jobIDs {
			cmds[i] = pipe.ZScore(c, idx.key, id)
		}
		if _, err := pipe.Exec(c); err != nil && err != redis.Nil {
			return nil, err
		}

		out := make(map[string]time.Time, len(jobIDs))
		for i, id := range jobIDs {
			score, err := cmds[i].Result()
			if err != nil {
				continue
			}
			out[id] = time.Unix(int64(score), 0).UTC()
		}
		return out, nil
	})
}

// Count reports the number of entries in the index.
func (idx *Index) Count(ctx context.Context) int64 {
	return breaker.Call(ctx, idx.br, int64(0), func(c context.Context) (int64, error) {
		return idx.rdb.ZCard(c, idx.key).Result()
	})
}
