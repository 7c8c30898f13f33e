// Package zombie implements ZombieDetector: the periodic sweep that marks
// abandoned Queued/Running occurrences Unknown, per spec.md section 4.11.
// Per SPEC_FULL.md's resolution of the spec's "non-leader secondary loops"
// open question, this runs on every node (not just the dispatch leader) and
// takes its own short-TTL lock purely to avoid redundant duplicate work
// across replicas, not for correctness — the transition itself is
// idempotent-safe via occurrence.ApplyTransition's lifecycle check.
package zombie

import (
	"context"
	"log/slog"
	"time"

	"github.com/milvaion/scheduler/internal/autodisable"
	"github.com/milvaion/scheduler/internal/config"
	"github.com/milvaion/scheduler/internal/coordination/lockmanager"
	"github.com/milvaion/scheduler/internal/coordination/runningset"
	"github.com/milvaion/scheduler/internal/coordination/scheduleindex"
	"github.com/milvaion/scheduler/internal/coordination/workerregistry"
	"github.com/milvaion/scheduler/internal/domain/job"
	"github.com/milvaion/scheduler/internal/domain/occurrence"
	"github.com/milvaion/scheduler/internal/observability"
	"github.com/milvaion/scheduler/internal/repo/postgres"
)

const sweepLockResource = "zombie-sweep"

type Detector struct {
	nodeID   string
	cfg      config.ZombieConfig
	occRepo  *postgres.OccurrencesRepo
	jobsRepo *postgres.JobsRepo
	locks    *lockmanager.Manager
	running  *runningset.Set
	registry *workerregistry.Registry
	index    *scheduleindex.Index
	prom     *observability.Prom
}

func New(
	nodeID string,
	cfg config.ZombieConfig,
	occRepo *postgres.OccurrencesRepo,
	jobsRepo *postgres.JobsRepo,
	locks *lockmanager.Manager,
	running *runningset.Set,
	registry *workerregistry.Registry,
	index *scheduleindex.Index,
	prom *observability.Prom,
) *Detector {
	return &Detector{
		nodeID: nodeID, cfg: cfg, occRepo: occRepo, jobsRepo: jobsRepo,
		locks: locks, running: running, registry: registry, index: index, prom: prom,
	}
}

// Run sweeps every cfg.CheckInterval until ctx is cancelled.
func (d *Detector) Run(ctx context.Context) {
	if !d.cfg.Enabled {
		slog.Default().Info("zombie.disabled")
		<-ctx.Done()
		return
	}

	interval := d.cfg.CheckInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Detector) sweep(ctx context.Context) {
	if !d.locks.TryAcquire(ctx, sweepLockResource, d.nodeID, 60*time.Second) {
		return // another node is already sweeping this cycle
	}
	defer d.locks.Release(ctx, sweepLockResource, d.nodeID)

	occs, err := d.occRepo.ListNonTerminal(ctx)
	if err != nil {
		slog.Default().ErrorContext(ctx, "zombie.list_failed", "err", err)
		return
	}

	now := time.Now().UTC()
	jobCache := make(map[string]job.Job)

	for _, occ := range occs {
		j, ok := jobCache[occ.JobID]
		if !ok {
			fetched, jErr := d.jobsRepo.GetByID(ctx, occ.JobID)
			if jErr != nil {
				slog.Default().WarnContext(ctx, "zombie.job_lookup_failed", "job_id", occ.JobID, "err", jErr)
				continue
			}
			j = fetched
			jobCache[occ.JobID] = j
		}

		timeout := effectiveTimeout(j, d.cfg.ZombieTimeoutMinutes)
		if now.Sub(occ.CreatedAt) <= timeout {
			continue
		}

		d.reap(ctx, occ, j, now)
	}
}

// effectiveTimeout resolves occurrence.zombieTimeoutMinutes ?? job ?? global,
// per spec.md section 4.11. Per-occurrence overrides aren't modeled in the
// catalog schema (spec.md section 3 only lists the field on Job), so the
// resolution here is job ?? global.
func effectiveTimeout(j job.Job, globalMinutes int) time.Duration {
	if j.ZombieTimeoutMinutes != nil {
		return time.Duration(*j.ZombieTimeoutMinutes) * time.Minute
	}
	if globalMinutes <= 0 {
		globalMinutes = 10
	}
	return time.Duration(globalMinutes) * time.Minute
}

func (d *Detector) reap(ctx context.Context, occ occurrence.Occurrence, j job.Job, now time.Time) {
	reason := "Zombie occurrence detected"
	if err := occ.ApplyTransition(occurrence.Unknown, reason, now); err != nil {
		return // already moved on by a concurrent writer; nothing to do
	}
	occ.Exception = &reason
	occ.AppendLog(occurrence.LogEntry{
		Timestamp: now, Level: occurrence.LevelError, Category: "ZombieDetector", Message: reason,
	}, 0)

	if err := d.occRepo.ApplyTransition(ctx, occ); err != nil {
		slog.Default().ErrorContext(ctx, "zombie.persist_failed", "occurrence_id", occ.OccurrenceID, "err", err)
		return
	}

	if d.prom != nil {
		d.prom.ZombiesDetected.Inc()
		d.prom.OccurrenceTransitions.WithLabelValues(string(occurrence.Unknown)).Inc()
	}

	d.running.MarkCompleted(ctx, occ.JobID)
	d.registry.DecrementConsumer(ctx, j.WorkerClass, j.JobKind)

	newState, shouldDisable := autodisable.Evaluate(j.AutoDisableConfig, j.AutoDisableState, now, occurrence.Unknown)
	if err := d.jobsRepo.UpdateAutoDisableState(ctx, j.ID, newState); err != nil {
		slog.Default().ErrorContext(ctx, "zombie.auto_disable_persist_failed", "job_id", j.ID, "err", err)
	}
	if shouldDisable {
		slog.Default().WarnContext(ctx, "zombie.auto_disabled", "job_id", j.ID)
		if d.prom != nil {
			d.prom.AutoDisableTriggers.Inc()
		}
		d.index.Remove(ctx, j.ID)
	}

	slog.Default().ErrorContext(ctx, "zombie.detected", "occurrence_id", occ.OccurrenceID, "job_id", occ.JobID)
}
