package postgres

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/milvaion/scheduler/internal/domain/occurrence"
	"github.com/milvaion/scheduler/internal/observability"
)

// FailedOccurrence is the denormalized row FailedOccurrenceHandler writes
// for a terminal-failed occurrence, per spec.md section 4.12.
type FailedOccurrence struct {
	OccurrenceID     string
	JobID            string
	JobName          string
	WorkerInstanceID *string
	FailedAt         time.Time
	LastStatus       occurrence.Status
	LastException    *string
	RetryCount       int
}

type FailedOccurrencesRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func (r *FailedOccurrencesRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func NewFailedOccurrencesRepo(pool *pgxpool.Pool, prom *observability.Prom) *FailedOccurrencesRepo {
	return &FailedOccurrencesRepo{pool: pool, prom: prom}
}

// Insert records a failed occurrence for operator resolution. A
// unique-violation on occurrence_id means this occurrence was already moved
// here by a concurrent sweep (spec.md section 4.12's own-node-idempotent
// design) and is treated as a harmless no-op, matching the conflict-class
// handling in spec.md section 7.
func (r *FailedOccurrencesRepo) Insert(ctx context.Context, fo FailedOccurrence) error {
	return r.observe("failed_occurrences.insert", func() error {
		_, err := r.pool.Exec(ctx, `INSERT INTO failed_occurrences (
			occurrence_id, job_id, job_name, worker_instance_id, failed_at,
			last_status, last_exception, retry_count
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (occurrence_id) DO NOTHING`,
			fo.OccurrenceID, fo.JobID, fo.JobName, fo.WorkerInstanceID, fo.FailedAt,
			string(fo.LastStatus), fo.LastException, fo.RetryCount,
		)
		return err
	})
}

// ListUnresolved returns failed occurrences an operator has not yet
// acknowledged, oldest first.
func (r *FailedOccurrencesRepo) ListUnresolved(ctx context.Context, limit int) ([]FailedOccurrence, error) {
	var out []FailedOccurrence
	err := r.observe("failed_occurrences.list_unresolved", func() error {
		rows, err := r.pool.Query(ctx, `SELECT occurrence_id, job_id, job_name, worker_instance_id,
			failed_at, last_status, last_exception, retry_count
			FROM failed_occurrences WHERE resolved_at IS NULL
			ORDER BY failed_at ASC LIMIT $1`, limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			var fo FailedOccurrence
			var status string
			if err := rows.Scan(&fo.OccurrenceID, &fo.JobID, &fo.JobName, &fo.WorkerInstanceID,
				&fo.FailedAt, &status, &fo.LastException, &fo.RetryCount); err != nil {
				return err
			}
			fo.LastStatus = occurrence.Status(status)
			out = append(out, fo)
		}
		return rows.Err()
	})
	return out, err
}

// Resolve marks a failed occurrence as handled by an operator.
func (r *FailedOccurrencesRepo) Resolve(ctx context.Context, occurrenceID string) error {
	return r.observe("failed_occurrences.resolve", func() error {
		_, err := r.pool.Exec(ctx, `UPDATE failed_occurrences SET resolved_at = now()
			WHERE occurrence_id = $1`, occurrenceID)
		return err
	})
}
