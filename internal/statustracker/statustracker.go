// Package statustracker implements StatusTracker: the consumer that
// advances occurrence lifecycle from worker-reported status updates and
// drives AutoDisableEvaluator, per spec.md section 4.9. Modeled on the
// teacher's "receive -> batch -> write -> ack" consumer shape
// (internal/queue/worker.Worker's producer/consumer split), adapted from a
// polled catalog queue to a bus.Consumer over milvaion.status.
package statustracker

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/milvaion/scheduler/internal/autodisable"
	"github.com/milvaion/scheduler/internal/bus"
	"github.com/milvaion/scheduler/internal/config"
	"github.com/milvaion/scheduler/internal/coordination/runningset"
	"github.com/milvaion/scheduler/internal/coordination/scheduleindex"
	"github.com/milvaion/scheduler/internal/coordination/workerregistry"
	"github.com/milvaion/scheduler/internal/domain/occurrence"
	"github.com/milvaion/scheduler/internal/observability"
	"github.com/milvaion/scheduler/internal/repo/postgres"
)

var statusCodeToStatus = map[bus.StatusCode]occurrence.Status{
	bus.StatusQueuedCode:    occurrence.Queued,
	bus.StatusRunningCode:   occurrence.Running,
	bus.StatusCompletedCode: occurrence.Completed,
	bus.StatusFailedCode:    occurrence.Failed,
	bus.StatusCancelledCode: occurrence.Cancelled,
	bus.StatusTimedOutCode:  occurrence.TimedOut,
	bus.StatusUnknownCode:   occurrence.Unknown,
}

type Tracker struct {
	consumer *bus.Consumer
	occRepo  *postgres.OccurrencesRepo
	jobsRepo *postgres.JobsRepo
	running  *runningset.Set
	registry *workerregistry.Registry
	index    *scheduleindex.Index
	prom     *observability.Prom
	cfg      config.StatusTrackerConfig
}

func New(
	consumer *bus.Consumer,
	occRepo *postgres.OccurrencesRepo,
	jobsRepo *postgres.JobsRepo,
	running *runningset.Set,
	registry *workerregistry.Registry,
	index *scheduleindex.Index,
	prom *observability.Prom,
	cfg config.StatusTrackerConfig,
) *Tracker {
	return &Tracker{
		consumer: consumer, occRepo: occRepo, jobsRepo: jobsRepo,
		running: running, registry: registry, index: index, prom: prom, cfg: cfg,
	}
}

// Run drains milvaion.status in batches of cfg.BatchSize or cfg.BatchInterval,
// whichever comes first, per spec.md section 4.9 step 1. Messages are
// processed in arrival order within the batch, which trivially preserves
// the required per-correlationId ordering (spec.md section 5); the
// implementation does not shard across goroutines, trading the "different
// correlationIds may process in parallel" allowance for simplicity.
func (t *Tracker) Run(ctx context.Context) error {
	deliveries, err := t.consumer.Deliveries(ctx, "statustracker")
	if err != nil {
		return err
	}

	batchSize := t.cfg.BatchSize
	if batchSize <= 0 {
		batchSize = 50
	}
	interval := t.cfg.BatchInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var batch []amqp.Delivery
	flush := func() {
		if len(batch) == 0 {
			return
		}
		t.processBatch(ctx, batch)
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				flush()
				return nil
			}
			batch = append(batch, d)
			if len(batch) >= batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

func (t *Tracker) processBatch(ctx context.Context, batch []amqp.Delivery) {
	for _, d := range batch {
		t.processOne(ctx, d)
	}
}

func (t *Tracker) processOne(ctx context.Context, d amqp.Delivery) {
	var upd bus.StatusUpdate
	if err := json.Unmarshal(d.Body, &upd); err != nil {
		slog.Default().WarnContext(ctx, "statustracker.malformed_message", "err", err)
		_ = t.consumer.Discard(d)
		return
	}

	to, ok := statusCodeToStatus[upd.Status]
	if !ok {
		slog.Default().WarnContext(ctx, "statustracker.unknown_status_code", "status", upd.Status)
		_ = t.consumer.Discard(d)
		return
	}

	if err := t.apply(ctx, upd, to); err != nil {
		slog.Default().ErrorContext(ctx, "statustracker.apply_failed", "correlation_id", upd.CorrelationID, "err", err)
		if rErr := t.consumer.RetryOrDeadLetter(ctx, d); rErr != nil {
			slog.Default().ErrorContext(ctx, "statustracker.retry_failed", "err", rErr)
		}
		return
	}

	if err := d.Ack(false); err != nil {
		slog.Default().ErrorContext(ctx, "statustracker.ack_failed", "err", err)
	}
}

// apply is the per-message transaction described in spec.md section 4.9
// step 2-3: load, validate transition, apply fields, and (if terminal)
// release RunningSet/ConsumerCounter and drive AutoDisableEvaluator.
func (t *Tracker) apply(ctx context.Context, upd bus.StatusUpdate, to occurrence.Status) error {
	occ, err := t.occRepo.GetByID(ctx, upd.CorrelationID)
	if err != nil {
		if err == postgres.ErrOccurrenceNotFound {
			slog.Default().WarnContext(ctx, "statustracker.unknown_correlation_id", "correlation_id", upd.CorrelationID)
			return nil // policy-class error: acked, not retried
		}
		return err
	}

	now := upd.MessageTimestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}

	reason := "worker_status_update"
	if err := occ.ApplyTransition(to, reason, now); err != nil {
		if err == occurrence.ErrInvalidTransition {
			slog.Default().WarnContext(ctx, "statustracker.invalid_transition",
				"correlation_id", upd.CorrelationID, "from", occ.Status, "to", to)
			return nil // policy-class error: acked, not retried
		}
		return err
	}

	if occ.WorkerInstanceID == nil && upd.WorkerInstanceID != "" {
		occ.WorkerInstanceID = &upd.WorkerInstanceID
	}
	if upd.StartTime != nil {
		occ.StartTime = upd.StartTime
	}
	if upd.EndTime != nil {
		occ.EndTime = upd.EndTime
	}
	if upd.DurationMs != nil {
		occ.DurationMs = upd.DurationMs
	}
	if upd.Result != nil {
		occ.Result = upd.Result
	}
	if upd.Exception != nil && to != occurrence.Completed {
		occ.Exception = upd.Exception
	}
	occ.LastHeartbeat = &now

	if err := t.occRepo.ApplyTransition(ctx, occ); err != nil {
		return err
	}

	if t.prom != nil {
		t.prom.OccurrenceTransitions.WithLabelValues(string(to)).Inc()
		if to.Terminal() && occ.StartTime != nil {
			t.prom.OccurrenceDuration.WithLabelValues(string(to)).Observe(now.Sub(*occ.StartTime).Seconds())
		}
	}

	if !to.Terminal() {
		return nil
	}

	t.running.MarkCompleted(ctx, occ.JobID)

	j, jErr := t.jobsRepo.GetByID(ctx, occ.JobID)
	if jErr != nil {
		slog.Default().WarnContext(ctx, "statustracker.job_lookup_failed", "job_id", occ.JobID, "err", jErr)
		return nil
	}

	t.registry.DecrementConsumer(ctx, j.WorkerClass, j.JobKind)

	if !to.FailureLike() && to != occurrence.Completed {
		return nil
	}

	newState, shouldDisable := autodisable.Evaluate(j.AutoDisableConfig, j.AutoDisableState, now, to)
	if err := t.jobsRepo.UpdateAutoDisableState(ctx, j.ID, newState); err != nil {
		slog.Default().ErrorContext(ctx, "statustracker.auto_disable_persist_failed", "job_id", j.ID, "err", err)
	}
	if shouldDisable {
		slog.Default().WarnContext(ctx, "statustracker.auto_disabled", "job_id", j.ID, "consecutive_failures", newState.ConsecutiveFailureCount)
		if t.prom != nil {
			t.prom.AutoDisableTriggers.Inc()
		}
		t.index.Remove(ctx, j.ID)
	}

	return nil
}
