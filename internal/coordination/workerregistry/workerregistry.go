// Package workerregistry implements WorkerRegistry and ConsumerCounter:
// instance registration, heartbeat, and capacity accounting for worker
// classes, per spec.md sections 3 and 4.7.
package workerregistry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/milvaion/scheduler/internal/breaker"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultInstanceTTL = 2 * time.Minute
	DefaultClassTTL    = 5 * time.Minute
	counterTTL         = time.Hour
)

// JobKindSchema describes one job kind a worker class can execute, with the
// JSON schema for the jobData it expects.
type JobKindSchema struct {
	Kind   string          `json:"kind"`
	Schema json.RawMessage `json:"schema,omitempty"`
}

// WorkerClass is the static metadata shared by all instances of a class.
type WorkerClass struct {
	Class             string          `json:"class"`
	RoutingPatterns   []string        `json:"routingPatterns"`
	SupportedJobKinds []JobKindSchema `json:"supportedJobKinds"`
	MaxParallelJobs   int             `json:"maxParallelJobs"`
	Version           int             `json:"version"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// Instance is one live worker process belonging to a class.
type Instance struct {
	InstanceID      string    `json:"instanceId"`
	Hostname        string    `json:"hostname"`
	IPAddress       string    `json:"ipAddress"`
	CurrentJobCount int       `json:"currentJobCount"`
	Status          string    `json:"status"`
	LastHeartbeat   time.Time `json:"lastHeartbeat"`
	RegisteredAt    time.Time `json:"registeredAt"`
}

type Registry struct {
	rdb *redis.Client
	br  *breaker.Breaker
	pre string
}

func New(rdb *redis.Client, br *breaker.Breaker, keyPrefix string) *Registry {
	return &Registry{rdb: rdb, br: br, pre: keyPrefix}
}

func (r *Registry) classKey(class string) string { return r.pre + "workers:" + class }
func (r *Registry) instancesSetKey(class string) string {
	return r.pre + "workers:" + class + ":instances"
}
func (r *Registry) instanceKey(class, instanceID string) string {
	return r.pre + "workers:" + class + ":instances:" + instanceID
}
func (r *Registry) counterKey(class, jobKind string) string {
	return r.pre + "consumer:" + class + ":" + jobKind + ":count"
}

// Register writes the class metadata (refreshing its TTL) and the instance
// record, and indexes the instance id under the class's instance set.
func (r *Registry) Register(ctx context.Context, class WorkerClass, inst Instance, instanceTTL, classTTL time.Duration) bool {
	if instanceTTL <= 0 {
		instanceTTL = DefaultInstanceTTL
	}
	if classTTL <= 0 {
		classTTL = DefaultClassTTL
	}

	classJSON, err := json.Marshal(class)
	if err != nil {
		return false
	}
	instJSON, err := json.Marshal(inst)
	if err != nil {
		return false
	}

	return breaker.Call(ctx, r.br, false, func(ctx context.Context) (bool, error) {
		_, err := r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.classKey(class.Class), classJSON, classTTL)
			pipe.Set(ctx, r.instanceKey(class.Class, inst.InstanceID), instJSON, instanceTTL)
			pipe.SAdd(ctx, r.instancesSetKey(class.Class), inst.InstanceID)
			pipe.Expire(ctx, r.instancesSetKey(class.Class), classTTL)
			return nil
		})
		return err == nil, err
	})
}

// Heartbeat refreshes an instance's liveness, current job count, and bumps
// both the instance and class TTLs, per spec.md section 4.7.
func (r *Registry) Heartbeat(ctx context.Context, class, instanceID string, currentJobCount int, instanceTTL, classTTL time.Duration) bool {
	if instanceTTL <= 0 {
		instanceTTL = DefaultInstanceTTL
	}
	if classTTL <= 0 {
		classTTL = DefaultClassTTL
	}

	return breaker.Call(ctx, r.br, false, func(ctx context.Context) (bool, error) {
		raw, err := r.rdb.Get(ctx, r.instanceKey(class, instanceID)).Result()
		if err != nil && err != redis.Nil {
			return false, err
		}

		var inst Instance
		if err == nil {
			_ = json.Unmarshal([]byte(raw), &inst)
		}
		inst.InstanceID = instanceID
		inst.CurrentJobCount = currentJobCount
		inst.Status = "alive"
		inst.LastHeartbeat = time.Now().UTC()
		if inst.RegisteredAt.IsZero() {
			inst.RegisteredAt = inst.LastHeartbeat
		}

		instJSON, _ := json.Marshal(inst)

		_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, r.instanceKey(class, instanceID), instJSON, instanceTTL)
			pipe.Expire(ctx, r.classKey(class), classTTL)
			pipe.Expire(ctx, r.instancesSetKey(class), classTTL)
			return nil
		})
		return err == nil, err
	})
}

// HeartbeatBulk updates many instances in one pipeline, per spec.md section
// 4.7 ("bulk heartbeat updates use pipelined writes").
func (r *Registry) HeartbeatBulk(ctx context.Context, class string, counts map[string]int, instanceTTL, classTTL time.Duration) bool {
	if len(counts) == 0 {
		return true
	}
	if instanceTTL <= 0 {
		instanceTTL = DefaultInstanceTTL
	}
	if classTTL <= 0 {
		classTTL = DefaultClassTTL
	}

	return breaker.Call(ctx, r.br, false, func(ctx context.Context) (bool, error) {
		now := time.Now().UTC()
		_, err := r.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
			for instanceID, count := range counts {
				inst := Instance{InstanceID: instanceID, CurrentJobCount: count, Status: "alive", LastHeartbeat: now}
				b, _ := json.Marshal(inst)
				pipe.Set(ctx, r.instanceKey(class, instanceID), b, instanceTTL)
			}
			pipe.Expire(ctx, r.classKey(class), classTTL)
			return nil
		})
		return err == nil, err
	})
}

// GetWorker returns the class record if it has at least one live instance.
// Reading a class whose instances have all expired garbage-collects it, per
// spec.md section 4.7.
func (r *Registry) GetWorker(ctx context.Context, class string) (WorkerClass, bool) {
	type result struct {
		wc   WorkerClass
		live bool
	}
	res := breaker.Call(ctx, r.br, result{}, func(ctx context.Context) (result, error) {
		raw, err := r.rdb.Get(ctx, r.classKey(class)).Result()
		if err == redis.Nil {
			return result{}, nil
		}
		if err != nil {
			return result{}, err
		}

		var wc WorkerClass
		if err := json.Unmarshal([]byte(raw), &wc); err != nil {
			return result{}, nil
		}

		ids, err := r.rdb.SMembers(ctx, r.instancesSetKey(class)).Result()
		if err != nil {
			return result{}, err
		}

		live := 0
		for _, id := range ids {
			exists, err := r.rdb.Exists(ctx, r.instanceKey(class, id)).Result()
			if err != nil {
				continue
			}
			if exists == 0 {
				r.rdb.SRem(ctx, r.instancesSetKey(class), id)
				continue
			}
			live++
		}

		if live == 0 {
			r.rdb.Del(ctx, r.classKey(class), r.instancesSetKey(class))
			return result{}, nil
		}

		return result{wc: wc, live: true}, nil
	})

	return res.wc, res.live
}

// ListWorkers returns all currently live instances of a class.
func (r *Registry) ListWorkers(ctx context.Context, class string) []Instance {
	return breaker.Call(ctx, r.br, []Instance(nil), func(ctx context.Context) ([]Instance, error) {
		ids, err := r.rdb.SMembers(ctx, r.instancesSetKey(class)).Result()
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}

		pipe := r.rdb.Pipeline()
		cmds := make([]*redis.StringCmd, len(ids))
		for i, id := range ids {
			cmds[i] = pipe.Get(ctx, r.instanceKey(class, id))
		}
		_, _ = pipe.Exec(ctx)

		var out []Instance
		for _, cmd := range cmds {
			raw, err := cmd.Result()
			if err != nil {
				continue
			}
			var inst Instance
			if json.Unmarshal([]byte(raw), &inst) == nil {
				out = append(out, inst)
			}
		}
		return out, nil
	})
}

// Capacity returns the class's max parallel jobs and the sum of current job
// counts reported by live instances.
func (r *Registry) Capacity(ctx context.Context, class string) (maxParallel int, inUse int) {
	wc, ok := r.GetWorker(ctx, class)
	if !ok {
		return 0, 0
	}
	for _, inst := range r.ListWorkers(ctx, class) {
		inUse += inst.CurrentJobCount
	}
	return wc.MaxParallelJobs, inUse
}

// IncrementConsumer bumps the (class, jobKind) dispatch counter. TTL 1h to
// self-heal per spec.md section 3.
func (r *Registry) IncrementConsumer(ctx context.Context, class, jobKind string) int64 {
	return breaker.Call(ctx, r.br, int64(0), func(ctx context.Context) (int64, error) {
		key := r.counterKey(class, jobKind)
		n, err := r.rdb.Incr(ctx, key).Result()
		if err != nil {
			return 0, err
		}
		r.rdb.Expire(ctx, key, counterTTL)
		return n, nil
	})
}

// DecrementConsumer releases the counter on terminal status, auto-resetting
// to 0 if it would go negative (spec.md section 3).
func (r *Registry) DecrementConsumer(ctx context.Context, class, jobKind string) int64 {
	return breaker.Call(ctx, r.br, int64(0), func(ctx context.Context) (int64, error) {
		key := r.counterKey(class, jobKind)
		n, err := r.rdb.Decr(ctx, key).Result()
		if err != nil {
			return 0, err
		}
		if n < 0 {
			r.rdb.Set(ctx, key, 0, counterTTL)
			return 0, nil
		}
		r.rdb.Expire(ctx, key, counterTTL)
		return n, nil
	})
}

func (r *Registry) ConsumerCapacity(ctx context.Context, class, jobKind string) int64 {
	return breaker.Call(ctx, r.br, int64(0), func(ctx context.Context) (int64, error) {
		v, err := r.rdb.Get(ctx, r.counterKey(class, jobKind)).Int64()
		if err == redis.Nil {
			return 0, nil
		}
		return v, err
	})
}
