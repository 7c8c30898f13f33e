package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/milvaion/scheduler/internal/domain/occurrence"
	"github.com/milvaion/scheduler/internal/observability"
)

var ErrOccurrenceNotFound = errors.New("occurrence not found")

type OccurrencesRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func (r *OccurrencesRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func NewOccurrencesRepo(pool *pgxpool.Pool, prom *observability.Prom) *OccurrencesRepo {
	return &OccurrencesRepo{pool: pool, prom: prom}
}

// Insert writes a freshly dispatched occurrence, per spec.md section 4.8
// step 4d. A unique-violation here is a conflict-class error (spec.md
// section 7): the occurrence id is fresh, so a collision means the message
// was already recorded — the caller logs and treats it as a harmless no-op.
func (r *OccurrencesRepo) Insert(ctx context.Context, o occurrence.Occurrence) error {
	logsJSON, err := json.Marshal(o.Logs)
	if err != nil {
		return err
	}
	changesJSON, err := json.Marshal(o.StatusChangeLog)
	if err != nil {
		return err
	}

	return r.observe("occurrences.insert", func() error {
		_, execErr := r.pool.Exec(ctx, `INSERT INTO occurrences (
			occurrence_id, correlation_id, job_id, job_version, job_name,
			worker_instance_id, status, start_time, end_time, duration_ms,
			result, exception, logs, status_change_log, retry_count,
			last_heartbeat, created_at
		) VALUES (
			$1,$2,$3,$4,$5,
			$6,$7,$8,$9,$10,
			$11,$12,$13,$14,$15,
			$16,$17
		)`,
			o.OccurrenceID, o.CorrelationID, o.JobID, o.JobVersion, o.JobName,
			o.WorkerInstanceID, string(o.Status), o.StartTime, o.EndTime, o.DurationMs,
			o.Result, o.Exception, logsJSON, changesJSON, o.RetryCount,
			o.LastHeartbeat, o.CreatedAt,
		)
		return execErr
	})
}

func scanOccurrence(row pgx.Row) (occurrence.Occurrence, error) {
	var o occurrence.Occurrence
	var status string
	var logsJSON, changesJSON []byte

	err := row.Scan(
		&o.OccurrenceID, &o.CorrelationID, &o.JobID, &o.JobVersion, &o.JobName,
		&o.WorkerInstanceID, &status, &o.StartTime, &o.EndTime, &o.DurationMs,
		&o.Result, &o.Exception, &logsJSON, &changesJSON, &o.RetryCount,
		&o.LastHeartbeat, &o.CreatedAt,
	)
	if err != nil {
		return occurrence.Occurrence{}, err
	}
	o.Status = occurrence.Status(status)
	_ = json.Unmarshal(logsJSON, &o.Logs)
	_ = json.Unmarshal(changesJSON, &o.StatusChangeLog)
	return o, nil
}

const occurrenceColumns = `occurrence_id, correlation_id, job_id, job_version, job_name,
	worker_instance_id, status, start_time, end_time, duration_ms,
	result, exception, logs, status_change_log, retry_count,
	last_heartbeat, created_at`

func (r *OccurrencesRepo) GetByID(ctx context.Context, occurrenceID string) (occurrence.Occurrence, error) {
	var out occurrence.Occurrence
	err := r.observe("occurrences.get_by_id", func() error {
		row := r.pool.QueryRow(ctx, `SELECT `+occurrenceColumns+` FROM occurrences WHERE occurrence_id = $1`, occurrenceID)
		o, scanErr := scanOccurrence(row)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return ErrOccurrenceNotFound
			}
			return scanErr
		}
		out = o
		return nil
	})
	return out, err
}

// ApplyTransition persists the full occurrence state after a successful
// in-memory occurrence.ApplyTransition call, per spec.md section 4.9.
func (r *OccurrencesRepo) ApplyTransition(ctx context.Context, o occurrence.Occurrence) error {
	logsJSON, err := json.Marshal(o.Logs)
	if err != nil {
		return err
	}
	changesJSON, err := json.Marshal(o.StatusChangeLog)
	if err != nil {
		return err
	}

	return r.observe("occurrences.apply_transition", func() error {
		_, execErr := r.pool.Exec(ctx, `UPDATE occurrences SET
			worker_instance_id = $1, status = $2, start_time = $3, end_time = $4,
			duration_ms = $5, result = $6, exception = $7, logs = $8,
			status_change_log = $9, retry_count = $10, last_heartbeat = $11
			WHERE occurrence_id = $12`,
			o.WorkerInstanceID, string(o.Status), o.StartTime, o.EndTime,
			o.DurationMs, o.Result, o.Exception, logsJSON,
			changesJSON, o.RetryCount, o.LastHeartbeat, o.OccurrenceID,
		)
		return execErr
	})
}

// AppendLogs persists only the logs column, used by LogCollector's batched
// writes which do not also carry a status transition (spec.md section 4.10).
func (r *OccurrencesRepo) AppendLogs(ctx context.Context, occurrenceID string, logs []occurrence.LogEntry) error {
	logsJSON, err := json.Marshal(logs)
	if err != nil {
		return err
	}
	return r.observe("occurrences.append_logs", func() error {
		_, execErr := r.pool.Exec(ctx, `UPDATE occurrences SET logs = $1 WHERE occurrence_id = $2`, logsJSON, occurrenceID)
		return execErr
	})
}

// ListNonTerminal supports ZombieDetector's sweep (spec.md section 4.11):
// every occurrence still Queued or Running, for the caller to test against
// its own effective-timeout resolution (occurrence > job > global).
func (r *OccurrencesRepo) ListNonTerminal(ctx context.Context) ([]occurrence.Occurrence, error) {
	var out []occurrence.Occurrence
	err := r.observe("occurrences.list_non_terminal", func() error {
		rows, err := r.pool.Query(ctx, `SELECT `+occurrenceColumns+` FROM occurrences
			WHERE status = ANY($1)`, []string{string(occurrence.Queued), string(occurrence.Running)})
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			o, err := scanOccurrence(rows)
			if err != nil {
				return err
			}
			out = append(out, o)
		}
		return rows.Err()
	})
	return out, err
}

// ListFailureLikeSince returns occurrences that landed in a failure-like
// terminal status (Failed, TimedOut, Unknown) at or after since, for
// FailedOccurrenceHandler's sweep (spec.md section 4.12).
func (r *OccurrencesRepo) ListFailureLikeSince(ctx context.Context, since time.Time, limit int) ([]occurrence.Occurrence, error) {
	var out []occurrence.Occurrence
	err := r.observe("occurrences.list_failure_like_since", func() error {
		rows, err := r.pool.Query(ctx, `SELECT `+occurrenceColumns+` FROM occurrences
			WHERE status = ANY($1) AND end_time >= $2
			ORDER BY end_time ASC LIMIT $3`,
			[]string{string(occurrence.Failed), string(occurrence.TimedOut), string(occurrence.Unknown)}, since, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			o, err := scanOccurrence(rows)
			if err != nil {
				return err
			}
			out = append(out, o)
		}
		return rows.Err()
	})
	return out, err
}

// ListQueuedDispatchedBefore returns Queued occurrences created before cutoff,
// for OutboxBridge's startup recovery republish pass (spec.md section 4.8).
func (r *OccurrencesRepo) ListQueuedDispatchedBefore(ctx context.Context, cutoffUnix int64) ([]occurrence.Occurrence, error) {
	var out []occurrence.Occurrence
	err := r.observe("occurrences.list_queued_before", func() error {
		rows, err := r.pool.Query(ctx, `SELECT `+occurrenceColumns+` FROM occurrences
			WHERE status = $1 AND created_at < to_timestamp($2)`, string(occurrence.Queued), cutoffUnix)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			o, err := scanOccurrence(rows)
			if err != nil {
				return err
			}
			out = append(out, o)
		}
		return rows.Err()
	})
	return out, err
}
