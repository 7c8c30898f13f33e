// Package jobcache implements JobCache: a denormalized read-through cache of
// the Job fields the Dispatcher needs, stored as a Redis hash per jobId, per
// spec.md section 4.2.
package jobcache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/milvaion/scheduler/internal/breaker"
	"github.com/milvaion/scheduler/internal/domain/job"
	"github.com/redis/go-redis/v9"
)

const defaultTTL = 24 * time.Hour

// CachedJob is the subset of Job fields the Dispatcher needs, per spec.md
// section 3.
type CachedJob struct {
	ID                      string              `json:"id"`
	WorkerClass             string              `json:"workerClass"`
	JobKind                 string              `json:"jobKind"`
	JobData                 []byte              `json:"jobData,omitempty"`
	Version                 int                 `json:"version"`
	ConcurrentPolicy        job.ConcurrentPolicy `json:"concurrentPolicy"`
	ExecutionTimeoutSeconds *int                `json:"executionTimeoutSeconds,omitempty"`
	ZombieTimeoutMinutes    *int                `json:"zombieTimeoutMinutes,omitempty"`
	CronExpression          *string             `json:"cronExpression,omitempty"`
	IsActive                bool                `json:"isActive"`
	Disabled                bool                `json:"disabled"`
	Name                    string              `json:"name"`
}

// FromJob projects the fields the dispatcher needs out of a full Job.
func FromJob(j job.Job) CachedJob {
	return CachedJob{
		ID:                      j.ID,
		WorkerClass:             j.WorkerClass,
		JobKind:                 j.JobKind,
		JobData:                 j.JobData,
		Version:                 j.Version,
		ConcurrentPolicy:        j.ConcurrentPolicy,
		ExecutionTimeoutSeconds: j.ExecutionTimeoutSeconds,
		ZombieTimeoutMinutes:    j.ZombieTimeoutMinutes,
		CronExpression:          j.CronExpression,
		IsActive:                j.IsActive,
		Disabled:                j.Disabled(),
		Name:                    j.Name,
	}
}

type Cache struct {
	rdb *redis.Client
	br  *breaker.Breaker
	ttl time.Duration
	pre string
}

func New(rdb *redis.Client, br *breaker.Breaker, keyPrefix string, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Cache{rdb: rdb, br: br, ttl: ttl, pre: keyPrefix}
}

func (c *Cache) key(jobID string) string {
	return c.pre + "job:" + jobID
}

// Put stores a job's cached fields with the cache's configured TTL in a
// single atomic transaction (MULTI/EXEC combining the field-set and the
// expiry), per spec.md section 4.2.
func (c *Cache) Put(ctx context.Context, cj CachedJob) bool {
	b, err := json.Marshal(cj)
	if err != nil {
		return false
	}

	return breaker.Call(ctx, c.br, false, func(ctx context.Context) (bool, error) {
		_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, c.key(cj.ID), "data", b)
			pipe.Expire(ctx, c.key(cj.ID), c.ttl)
			return nil
		})
		return err == nil, err
	})
}

// Get returns the cached job, or nil on a miss (including when the breaker
// is Open) — callers must fall back to the catalog on miss.
func (c *Cache) Get(ctx context.Context, jobID string) *CachedJob {
	return breaker.Call(ctx, c.br, (*CachedJob)(nil), func(ctx context.Context) (*CachedJob, error) {
		raw, err := c.rdb.HGet(ctx, c.key(jobID), "data").Result()
		if err == redis.Nil {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		var cj CachedJob
		if err := json.Unmarshal([]byte(raw), &cj); err != nil {
			return nil, nil // corrupt entry: treat as miss, don't trip the breaker
		}
		return &cj, nil
	})
}

// GetBulk pipelines lookups (fire-all-then-await), mandatory for dispatcher
// batch performance per spec.md section 4.2. Misses are simply absent from
// the result map.
func (c *Cache) GetBulk(ctx context.Context, jobIDs []string) map[string]CachedJob {
	if len(jobIDs) == 0 {
		return map[string]CachedJob{}
	}

	return breaker.Call(ctx, c.br, map[string]CachedJob{}, func(ctx context.Context) (map[string]CachedJob, error) {
		pipe := c.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(jobIDs))
		for i, id := range jobIDs {
			cmds[i] = pipe.HGet(ctx, c.key(id), "data")
		}
		if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
			return nil, err
		}

		out := make(map[string]CachedJob, len(jobIDs))
		for i, id := range jobIDs {
			raw, err := cmds[i].Result()
			if err != nil {
				continue
			}
			var cj CachedJob
			if json.Unmarshal([]byte(raw), &cj) == nil {
				out[id] = cj
			}
		}
		return out, nil
	})
}

func (c *Cache) Remove(ctx context.Context, jobID string) bool {
	return breaker.Call(ctx, c.br, false, func(ctx context.Context) (bool, error) {
		err := c.rdb.Del(ctx, c.key(jobID)).Err()
		return err == nil, err
	})
}

func (c *Cache) RemoveBulk(ctx context.Context, jobIDs []string) bool {
	if len(jobIDs) == 0 {
		return true
	}
	keys := make([]string, len(jobIDs))
	for i, id := range jobIDs {
		keys[i] = c.key(id)
	}
	return breaker.Call(ctx, c.br, false, func(ctx context.Context) (bool, error) {
		err := c.rdb.Del(ctx, keys...).Err()
		return err == nil, err
	})
}

// UpdateFields overwrites the cached job with freshly projected fields,
// reusing the same atomic Put path (the hash stores one JSON blob per job,
// so "updating fields" means re-encoding and re-writing the whole value).
func (c *Cache) UpdateFields(ctx context.Context, cj CachedJob) bool {
	return c.Put(ctx, cj)
}
