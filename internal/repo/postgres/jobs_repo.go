package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/milvaion/scheduler/internal/cronengine"
	"github.com/milvaion/scheduler/internal/domain/job"
	"github.com/milvaion/scheduler/internal/observability"
)

type JobsRepo struct {
	pool *pgxpool.Pool
	prom *observability.Prom
}

func (r *JobsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func NewJobsRepo(pool *pgxpool.Pool, prom *observability.Prom) *JobsRepo {
	return &JobsRepo{pool: pool, prom: prom}
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func marshalAutoDisable(cfg job.AutoDisableConfig, state job.AutoDisableState) ([]byte, []byte, error) {
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, nil, err
	}
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return nil, nil, err
	}
	return cfgJSON, stateJSON, nil
}

// Create inserts a new job at version 1, per spec.md section 3.
func (r *JobsRepo) Create(ctx context.Context, id string, req job.CreateRequest) (job.Job, error) {
	j := job.New(id, req)
	if err := j.Validate(); err != nil {
		return job.Job{}, err
	}
	if j.CronExpression != nil {
		if err := cronengine.New().Validate(*j.CronExpression); err != nil {
			return job.Job{}, err
		}
	}

	cfgJSON, stateJSON, err := marshalAutoDisable(j.AutoDisableConfig, j.AutoDisableState)
	if err != nil {
		return job.Job{}, err
	}

	err = r.observe("jobs.create", func() error {
		_, execErr := r.pool.Exec(ctx, `INSERT INTO jobs (
			id, name, description, tags, owner_user, worker_class, job_kind, job_data,
			cron_expression, execute_at, is_active, concurrent_policy,
			execution_timeout_seconds, zombie_timeout_minutes, version,
			auto_disable_config, auto_disable_state, created_at, updated_at
		) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,
			$9,$10,$11,$12,
			$13,$14,$15,
			$16,$17,$18,$19
		)`,
			j.ID, j.Name, j.Description, j.Tags, j.OwnerUser, j.WorkerClass, j.JobKind, []byte(j.JobData),
			j.CronExpression, j.ExecuteAt, j.IsActive, string(j.ConcurrentPolicy),
			j.ExecutionTimeoutSeconds, j.ZombieTimeoutMinutes, j.Version,
			cfgJSON, stateJSON, j.CreatedAt, j.UpdatedAt,
		)
		return execErr
	})
	if err != nil {
		return job.Job{}, err
	}
	return j, nil
}

func scanJob(row pgx.Row) (job.Job, error) {
	var j job.Job
	var cfgJSON, stateJSON []byte
	var policy string

	err := row.Scan(
		&j.ID, &j.Name, &j.Description, &j.Tags, &j.OwnerUser, &j.WorkerClass, &j.JobKind, &j.JobData,
		&j.CronExpression, &j.ExecuteAt, &j.IsActive, &policy,
		&j.ExecutionTimeoutSeconds, &j.ZombieTimeoutMinutes, &j.Version,
		&cfgJSON, &stateJSON, &j.CreatedAt, &j.UpdatedAt,
	)
	if err != nil {
		return job.Job{}, err
	}
	j.ConcurrentPolicy = job.ConcurrentPolicy(policy)

	if len(cfgJSON) > 0 {
		_ = json.Unmarshal(cfgJSON, &j.AutoDisableConfig)
	}
	if len(stateJSON) > 0 {
		_ = json.Unmarshal(stateJSON, &j.AutoDisableState)
	}
	return j, nil
}

const jobColumns = `id, name, description, tags, owner_user, worker_class, job_kind, job_data,
	cron_expression, execute_at, is_active, concurrent_policy,
	execution_timeout_seconds, zombie_timeout_minutes, version,
	auto_disable_config, auto_disable_state, created_at, updated_at`

func (r *JobsRepo) GetByID(ctx context.Context, id string) (job.Job, error) {
	var out job.Job
	err := r.observe("jobs.get_by_id", func() error {
		row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
		j, scanErr := scanJob(row)
		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return job.ErrJobNotFound
			}
			return scanErr
		}
		out = j
		return nil
	})
	return out, err
}

// GetBulk fetches many jobs by id, used by the Dispatcher to backfill JobCache
// misses.
func (r *JobsRepo) GetBulk(ctx context.Context, ids []string) (map[string]job.Job, error) {
	out := make(map[string]job.Job, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	err := r.observe("jobs.get_bulk", func() error {
		rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ANY($1)`, ids)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			out[j.ID] = j
		}
		return rows.Err()
	})
	return out, err
}

// ListActive returns every job with is_active = true, for a caller that
// re-seeds ScheduleIndex from the catalog. Nothing in this module calls it:
// the dispatcher's startup recovery republishes Queued occurrences
// (outbox.Bridge.RecoverStartup) and does not re-seed jobs.
func (r *JobsRepo) ListActive(ctx context.Context) ([]job.Job, error) {
	var out []job.Job
	err := r.observe("jobs.list_active", func() error {
		rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE is_active = true`)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	return out, err
}

// ListByTag supports the catalog's tag-filtering contract (spec.md section 3
// "tags" field), queried here so the column and query exist even though the
// out-of-scope HTTP layer is the one that would expose it.
func (r *JobsRepo) ListByTag(ctx context.Context, tag string) ([]job.Job, error) {
	var out []job.Job
	err := r.observe("jobs.list_by_tag", func() error {
		rows, err := r.pool.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE $1 = ANY(tags)`, tag)
		if err != nil {
			return err
		}
		defer rows.Close()

		for rows.Next() {
			j, err := scanJob(rows)
			if err != nil {
				return err
			}
			out = append(out, j)
		}
		return rows.Err()
	})
	return out, err
}

// UpdateSchedule persists a new nextFireTime-relevant schedule snapshot
// (cron/executeAt) along with an optimistic version bump.
func (r *JobsRepo) UpdateSchedule(ctx context.Context, id string, expectedVersion int, cronExpr *string, executeAt *time.Time) error {
	return r.observe("jobs.update_schedule", func() error {
		tag, err := r.pool.Exec(ctx, `UPDATE jobs SET cron_expression = $1, execute_at = $2,
			version = version + 1, updated_at = now()
			WHERE id = $3 AND version = $4`, cronExpr, executeAt, id, expectedVersion)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return job.ErrVersionConflict
		}
		return nil
	})
}

// UpdateAutoDisableState persists the evaluator's latest counters, and flips
// isActive off when disabledAt is newly set (spec.md section 9 design note).
func (r *JobsRepo) UpdateAutoDisableState(ctx context.Context, id string, state job.AutoDisableState) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return err
	}
	disable := state.DisabledAt != nil

	return r.observe("jobs.update_auto_disable_state", func() error {
		_, execErr := r.pool.Exec(ctx, `UPDATE jobs SET auto_disable_state = $1,
			is_active = is_active AND NOT $2, updated_at = now()
			WHERE id = $3`, stateJSON, disable, id)
		return execErr
	})
}

// SetActive toggles isActive directly. Reactivating an auto-disabled job
// matches no row and is a silent no-op (spec.md section 3 invariant); it
// returns nil, not job.ErrDisabledJobActive.
func (r *JobsRepo) SetActive(ctx context.Context, id string, active bool) error {
	return r.observe("jobs.set_active", func() error {
		_, execErr := r.pool.Exec(ctx, `UPDATE jobs SET is_active = $1, updated_at = now()
			WHERE id = $2 AND (NOT $1 OR auto_disable_state->>'disabledAt' IS NULL)`, active, id)
		return execErr
	})
}
