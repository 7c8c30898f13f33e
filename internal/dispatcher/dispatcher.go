// Package dispatcher implements the Dispatcher component: the leader-elected
// loop that polls due jobs, creates occurrences, publishes dispatch
// messages, and reschedules, per spec.md section 4.8. Modeled on the
// teacher's internal/queue/worker.Worker.Run shape (a producer loop over a
// ticker, a supervisor goroutine, graceful-shutdown draining) generalized
// from "claim one row from a queue table" to "poll a Redis schedule index
// under a leader lease."
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/milvaion/scheduler/internal/bus"
	"github.com/milvaion/scheduler/internal/config"
	"github.com/milvaion/scheduler/internal/coordination/jobcache"
	"github.com/milvaion/scheduler/internal/coordination/lockmanager"
	"github.com/milvaion/scheduler/internal/coordination/runningset"
	"github.com/milvaion/scheduler/internal/coordination/scheduleindex"
	"github.com/milvaion/scheduler/internal/coordination/workerregistry"
	"github.com/milvaion/scheduler/internal/cronengine"
	"github.com/milvaion/scheduler/internal/domain/job"
	"github.com/milvaion/scheduler/internal/domain/occurrence"
	"github.com/milvaion/scheduler/internal/observability"
	"github.com/milvaion/scheduler/internal/outbox"
	"github.com/milvaion/scheduler/internal/repo/postgres"
)

const leaderLockResource = "dispatcher/leader"

// Dispatcher is the leader-elected scheduling loop described in spec.md
// section 4.8. Every node constructs one and calls Run; only the node
// holding the lease performs dispatch ticks, the rest idle.
type Dispatcher struct {
	nodeID string
	cfg    config.DispatcherConfig

	index     *scheduleindex.Index
	cache     *jobcache.Cache
	locks     *lockmanager.Manager
	running   *runningset.Set
	registry  *workerregistry.Registry
	cron      *cronengine.Engine
	jobsRepo  *postgres.JobsRepo
	bridge    *outbox.Bridge
	prom      *observability.Prom
	outboxCfg config.OutboxConfig

	isLeader bool
}

func New(
	nodeID string,
	cfg config.DispatcherConfig,
	index *scheduleindex.Index,
	cache *jobcache.Cache,
	locks *lockmanager.Manager,
	running *runningset.Set,
	registry *workerregistry.Registry,
	cron *cronengine.Engine,
	jobsRepo *postgres.JobsRepo,
	bridge *outbox.Bridge,
	prom *observability.Prom,
	outboxCfg config.OutboxConfig,
) *Dispatcher {
	return &Dispatcher{
		nodeID: nodeID, cfg: cfg,
		index: index, cache: cache, locks: locks, running: running,
		registry: registry, cron: cron, jobsRepo: jobsRepo, bridge: bridge, prom: prom,
		outboxCfg: outboxCfg,
	}
}

// Run drives the leader-election and dispatch-tick loop until ctx is
// cancelled, per spec.md section 4.8's "Leader election" paragraph.
func (d *Dispatcher) Run(ctx context.Context) {
	if !d.cfg.Enabled {
		slog.Default().Info("dispatcher.disabled")
		<-ctx.Done()
		return
	}

	interval := d.cfg.PollingInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if d.isLeader {
				d.locks.Release(context.Background(), leaderLockResource, d.nodeID)
			}
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

func (d *Dispatcher) tick(ctx context.Context) {
	if !d.acquireOrExtendLease(ctx) {
		return
	}

	if d.prom != nil {
		d.prom.IsLeader.Set(1)
	}

	start := time.Now()
	d.dispatchTick(ctx)
	if d.prom != nil {
		d.prom.DispatchTickDuration.Observe(time.Since(start).Seconds())
	}
}

// acquireOrExtendLease implements the lease state machine: a follower tries
// to acquire; a leader extends at the top of every tick and drops to
// follower on extension failure, per spec.md section 4.3/4.8.
func (d *Dispatcher) acquireOrExtendLease(ctx context.Context) bool {
	ttl := d.cfg.LeaseTTL
	if ttl <= 0 {
		ttl = lockmanager.DefaultLeaseTTL
	}

	if !d.isLeader {
		if d.locks.TryAcquire(ctx, leaderLockResource, d.nodeID, ttl) {
			d.isLeader = true
			slog.Default().InfoContext(ctx, "dispatcher.became_leader", "node_id", d.nodeID)
			if d.cfg.EnableStartupRecovery {
				if n, err := d.bridge.RecoverStartup(ctx, d.recoveryGraceSeconds()); err != nil {
					slog.Default().ErrorContext(ctx, "dispatcher.startup_recovery_failed", "err", err)
				} else if n > 0 {
					slog.Default().InfoContext(ctx, "dispatcher.startup_recovery", "republished", n)
				}
			}
			return true
		}
		if d.prom != nil {
			d.prom.IsLeader.Set(0)
		}
		return false
	}

	if !d.locks.Extend(ctx, leaderLockResource, d.nodeID, ttl) {
		slog.Default().WarnContext(ctx, "dispatcher.lost_leadership", "node_id", d.nodeID)
		d.isLeader = false
		if d.prom != nil {
			d.prom.IsLeader.Set(0)
		}
		return false
	}
	return true
}

func (d *Dispatcher) recoveryGraceSeconds() int {
	if d.outboxCfg.RecoveryGraceSeconds <= 0 {
		return 30
	}
	return d.outboxCfg.RecoveryGraceSeconds
}

// dispatchTick is one pass of spec.md section 4.8's numbered "Dispatch
// tick" steps 1-5, run only by the lease holder.
func (d *Dispatcher) dispatchTick(ctx context.Context) {
	now := time.Now().UTC()

	batchSize := d.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	jobIDs := d.index.GetDue(ctx, now, batchSize)
	if len(jobIDs) == 0 {
		return
	}

	cached := d.cache.GetBulk(ctx, jobIDs)
	var missing []string
	for _, id := range jobIDs {
		if _, ok := cached[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		backfilled, err := d.jobsRepo.GetBulk(ctx, missing)
		if err != nil {
			slog.Default().ErrorContext(ctx, "dispatcher.backfill_failed", "err", err)
		} else {
			for id, j := range backfilled {
				cj := jobcache.FromJob(j)
				cached[id] = cj
				d.cache.Put(ctx, cj)
			}
		}
	}

	for _, id := range jobIDs {
		cj, ok := cached[id]
		if !ok {
			// Job truly gone from the catalog (deleted): drop the stale entry.
			d.index.Remove(ctx, id)
			continue
		}
		d.dispatchOne(ctx, cj, now)
	}
}

func (d *Dispatcher) dispatchOne(ctx context.Context, cj jobcache.CachedJob, now time.Time) {
	// Step 5a.
	if !cj.IsActive || cj.Disabled {
		d.index.Remove(ctx, cj.ID)
		return
	}

	// Step 5b.
	if cj.ConcurrentPolicy == job.PolicySkip {
		if !d.running.TryMarkRunning(ctx, cj.ID) {
			slog.Default().WarnContext(ctx, "dispatcher.skipped_running", "job_id", cj.ID)
			if d.prom != nil {
				d.prom.DispatchSkippedTotal.WithLabelValues("already_running").Inc()
			}
			d.reschedule(ctx, cj, now)
			return
		}
	}

	// Step 5c.
	_, ok := d.registry.GetWorker(ctx, cj.WorkerClass)
	if !ok {
		slog.Default().WarnContext(ctx, "dispatcher.no_worker", "job_id", cj.ID, "worker_class", cj.WorkerClass)
		if d.prom != nil {
			d.prom.DispatchSkippedTotal.WithLabelValues("no_worker").Inc()
		}
		if cj.ConcurrentPolicy == job.PolicySkip {
			d.running.MarkCompleted(ctx, cj.ID)
		}
		return // leave entry in ScheduleIndex, retry next tick
	}

	if d.cfg.EnforceBackpressure {
		maxParallel, inUse := d.registry.Capacity(ctx, cj.WorkerClass)
		if maxParallel > 0 && inUse >= maxParallel {
			slog.Default().WarnContext(ctx, "dispatcher.backpressure", "job_id", cj.ID, "worker_class", cj.WorkerClass)
			if d.prom != nil {
				d.prom.DispatchSkippedTotal.WithLabelValues("backpressure").Inc()
			}
			if cj.ConcurrentPolicy == job.PolicySkip {
				d.running.MarkCompleted(ctx, cj.ID)
			}
			return
		}
	}

	// Step 5d.
	occID := newOccurrenceID()
	occ := occurrence.New(occID, cj.ID, cj.Version, cj.Name, now)

	msg := bus.DispatchMessage{
		OccurrenceID:            occID,
		CorrelationID:           occID,
		JobID:                   cj.ID,
		JobVersion:              cj.Version,
		JobKind:                 cj.JobKind,
		JobData:                 cj.JobData,
		WorkerClass:             cj.WorkerClass,
		DispatchedAt:            now,
		ExecutionTimeoutSeconds: cj.ExecutionTimeoutSeconds,
		RetryCount:              0,
	}

	// Step 5e.
	if err := d.bridge.DispatchAndPublish(ctx, occ, bus.RoutingKey(cj.WorkerClass, cj.JobKind), msg); err != nil {
		slog.Default().ErrorContext(ctx, "dispatcher.dispatch_failed", "job_id", cj.ID, "err", err)
		return // abort this job's step 5f; the entry stays due and is retried next tick
	}
	d.registry.IncrementConsumer(ctx, cj.WorkerClass, cj.JobKind)

	// Step 5f.
	d.reschedule(ctx, cj, now)
}

func (d *Dispatcher) reschedule(ctx context.Context, cj jobcache.CachedJob, now time.Time) {
	if cj.CronExpression == nil {
		d.index.Remove(ctx, cj.ID)
		return
	}
	next, err := d.cron.Next(*cj.CronExpression, now)
	if err != nil {
		slog.Default().ErrorContext(ctx, "dispatcher.cron_eval_failed", "job_id", cj.ID, "err", err)
		d.index.Remove(ctx, cj.ID)
		return
	}
	d.index.Update(ctx, cj.ID, next)
}

func newOccurrenceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
