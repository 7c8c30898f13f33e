// Package failedhandler implements FailedOccurrenceHandler: the periodic
// sweep that moves terminal-failed occurrences into a resolution queue for
// operator review, per spec.md section 4.12. Like ZombieDetector, it runs
// on every node per SPEC_FULL.md's resolution of the spec's non-leader
// open question, guarded by its own short-TTL lock purely to avoid
// redundant duplicate work; correctness comes from the idempotent
// ON CONFLICT DO NOTHING insert in FailedOccurrencesRepo.
package failedhandler

import (
	"context"
	"log/slog"
	"time"

	"github.com/milvaion/scheduler/internal/config"
	"github.com/milvaion/scheduler/internal/coordination/lockmanager"
	"github.com/milvaion/scheduler/internal/repo/postgres"
)

const sweepLockResource = "failed-occurrence-sweep"

// lookback bounds how far back the first sweep after process start looks,
// so a freshly started node still picks up failures from shortly before it
// came up without scanning the whole catalog.
const lookback = 24 * time.Hour

const sweepBatchLimit = 500

type Handler struct {
	nodeID  string
	cfg     config.FailedHandlerConfig
	occRepo *postgres.OccurrencesRepo
	foRepo  *postgres.FailedOccurrencesRepo
	locks   *lockmanager.Manager

	since time.Time
}

func New(
	nodeID string,
	cfg config.FailedHandlerConfig,
	occRepo *postgres.OccurrencesRepo,
	foRepo *postgres.FailedOccurrencesRepo,
	locks *lockmanager.Manager,
) *Handler {
	return &Handler{
		nodeID: nodeID, cfg: cfg, occRepo: occRepo, foRepo: foRepo, locks: locks,
		since: time.Now().UTC().Add(-lookback),
	}
}

func (h *Handler) Run(ctx context.Context) {
	if !h.cfg.Enabled {
		slog.Default().Info("failedhandler.disabled")
		<-ctx.Done()
		return
	}

	interval := h.cfg.CheckInterval
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
			h.sweep(ctx)
		}
	}
}

func (h *Handler) sweep(ctx context.Context) {
	if !h.locks.TryAcquire(ctx, sweepLockResource, h.nodeID, 60*time.Second) {
		return
	}
	defer h.locks.Release(ctx, sweepLockResource, h.nodeID)

	occs, err := h.occRepo.ListFailureLikeSince(ctx, h.since, sweepBatchLimit)
	if err != nil {
		slog.Default().ErrorContext(ctx, "failedhandler.list_failed", "err", err)
		return
	}

	latest := h.since
	for _, occ := range occs {
		fo := postgres.FailedOccurrence{
			OccurrenceID:     occ.OccurrenceID,
			JobID:            occ.JobID,
			JobName:          occ.JobName,
			WorkerInstanceID: occ.WorkerInstanceID,
			LastStatus:       occ.Status,
			LastException:    occ.Exception,
			RetryCount:       occ.RetryCount,
		}
		if occ.EndTime != nil {
			fo.FailedAt = *occ.EndTime
			if fo.FailedAt.After(latest) {
				latest = fo.FailedAt
			}
		} else {
			fo.FailedAt = time.Now().UTC()
		}

		if err := h.foRepo.Insert(ctx, fo); err != nil {
			slog.Default().ErrorContext(ctx, "failedhandler.insert_failed", "occurrence_id", occ.OccurrenceID, "err", err)
			continue
		}
	}

	if latest.After(h.since) {
		h.since = latest.Add(time.Nanosecond) // exclude the last-seen row next sweep
	}
}
