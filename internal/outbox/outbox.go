// Package outbox implements OutboxBridge: the seam between a catalog write
// and a bus publish, per spec.md section 4.8 steps 4d-4e and the
// "Startup recovery" paragraph. It exists so Dispatcher's per-occurrence
// publish failure handling and the leader's startup-recovery republish pass
// share one code path instead of being duplicated.
package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/milvaion/scheduler/internal/bus"
	"github.com/milvaion/scheduler/internal/domain/job"
	"github.com/milvaion/scheduler/internal/domain/occurrence"
	"github.com/milvaion/scheduler/internal/observability"
	"github.com/milvaion/scheduler/internal/repo/postgres"
)

type Bridge struct {
	occRepo  *postgres.OccurrencesRepo
	jobsRepo *postgres.JobsRepo
	pub      *bus.Publisher
	prom     *observability.Prom
}

func New(occRepo *postgres.OccurrencesRepo, jobsRepo *postgres.JobsRepo, pub *bus.Publisher, prom *observability.Prom) *Bridge {
	return &Bridge{occRepo: occRepo, jobsRepo: jobsRepo, pub: pub, prom: prom}
}

// DispatchAndPublish inserts the occurrence row, then publishes the dispatch
// message, per spec.md section 4.8 step 4d-4e. A catalog unique-violation
// on insert is spec.md section 7's conflict class: logged and treated as a
// harmless no-op rather than propagated, since occurrence ids are freshly
// generated and a collision means the firing was already recorded. A
// publish failure marks the occurrence Unknown instead of erroring, because
// spec.md section 4.8 says publish failure "degrades one occurrence, not
// the loop" — the tick continues to the next due job.
func (b *Bridge) DispatchAndPublish(ctx context.Context, occ occurrence.Occurrence, routingKey string, msg bus.DispatchMessage) error {
	if err := b.occRepo.Insert(ctx, occ); err != nil {
		if postgres.IsUniqueViolation(err) {
			slog.Default().WarnContext(ctx, "outbox.duplicate_occurrence_insert",
				"occurrence_id", occ.OccurrenceID, "job_id", occ.JobID)
			return nil
		}
		return err
	}

	if err := b.pub.PublishJob(ctx, routingKey, msg); err != nil {
		slog.Default().ErrorContext(ctx, "outbox.publish_failed",
			"occurrence_id", occ.OccurrenceID, "job_id", occ.JobID, "err", err)

		now := time.Now().UTC()
		reason := "dispatch publish failed"
		if tErr := occ.ApplyTransition(occurrence.Unknown, reason, now); tErr == nil {
			occ.Exception = &reason
			occ.AppendLog(occurrence.LogEntry{
				Timestamp: now, Level: occurrence.LevelError, Category: "OutboxBridge", Message: reason,
			}, 0)
			if uErr := b.occRepo.ApplyTransition(ctx, occ); uErr != nil {
				slog.Default().ErrorContext(ctx, "outbox.mark_unknown_failed",
					"occurrence_id", occ.OccurrenceID, "err", uErr)
			}
		}
		return nil
	}

	if b.prom != nil {
		b.prom.DispatchTotal.WithLabelValues(msg.WorkerClass, msg.JobKind).Inc()
	}
	return nil
}

// RecoverStartup republishes Queued occurrences created before graceSeconds
// ago whose jobs are still active, per spec.md section 4.8: "a prior leader
// may have crashed between catalog commit and bus publish." Returns the
// number of occurrences republished.
func (b *Bridge) RecoverStartup(ctx context.Context, graceSeconds int) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(graceSeconds) * time.Second).Unix()

	occs, err := b.occRepo.ListQueuedDispatchedBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	republished := 0
	for _, occ := range occs {
		j, err := b.jobsRepo.GetByID(ctx, occ.JobID)
		if err != nil {
			if err != job.ErrJobNotFound {
				slog.Default().WarnContext(ctx, "outbox.recovery_lookup_failed", "job_id", occ.JobID, "err", err)
			}
			continue
		}
		if !j.IsActive || j.Disabled() {
			continue
		}

		msg := bus.DispatchMessage{
			OccurrenceID:            occ.OccurrenceID,
			CorrelationID:           occ.CorrelationID,
			JobID:                   occ.JobID,
			JobVersion:              occ.JobVersion,
			JobKind:                 j.JobKind,
			JobData:                 j.JobData,
			WorkerClass:             j.WorkerClass,
			DispatchedAt:            time.Now().UTC(),
			ExecutionTimeoutSeconds: j.ExecutionTimeoutSeconds,
			RetryCount:              occ.RetryCount,
		}

		if err := b.pub.PublishJob(ctx, bus.RoutingKey(j.WorkerClass, j.JobKind), msg); err != nil {
			slog.Default().WarnContext(ctx, "outbox.recovery_publish_failed", "occurrence_id", occ.OccurrenceID, "err", err)
			continue
		}
		republished++
	}

	if republished > 0 {
		slog.Default().InfoContext(ctx, "outbox.recovery_complete", "republished", republished)
	}
	return republished, nil
}
