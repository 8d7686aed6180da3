package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/RezaEskandarii/tubefire/custom_errors"
	"github.com/RezaEskandarii/tubefire/internal/state"
	"github.com/RezaEskandarii/tubefire/types"
)

const jobColumns = `id, seq, name, payload, status, priority, depends_on, allow_dependency_failure,
	attempts, max_attempts, backoff_ms, schedule, last_error, locked_by, locked_at,
	scheduled_at, started_at, finished_at, created_at`

const insertJobQuery = `
	INSERT INTO tubefire.jobs (id, name, payload, status, priority, depends_on, allow_dependency_failure,
	                           max_attempts, backoff_ms, schedule, scheduled_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	ON CONFLICT (id) DO UPDATE SET
		seq = nextval(pg_get_serial_sequence('tubefire.jobs', 'seq')),
		name = EXCLUDED.name,
		payload = EXCLUDED.payload,
		status = EXCLUDED.status,
		priority = EXCLUDED.priority,
		depends_on = EXCLUDED.depends_on,
		allow_dependency_failure = EXCLUDED.allow_dependency_failure,
		attempts = 0,
		max_attempts = EXCLUDED.max_attempts,
		backoff_ms = EXCLUDED.backoff_ms,
		schedule = EXCLUDED.schedule,
		last_error = NULL,
		locked_by = NULL,
		locked_at = NULL,
		scheduled_at = EXCLUDED.scheduled_at,
		started_at = NULL,
		finished_at = NULL,
		created_at = now()
	WHERE tubefire.jobs.status IN ('succeeded', 'failed', 'canceled')
	RETURNING ` + jobColumns

// querier is satisfied by *sql.DB, *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{db: db}
}

func scanJob(row scanner) (*types.Job, error) {
	var (
		job       types.Job
		dependsOn pq.StringArray
		backoffMs pq.Int64Array
		schedule  sql.NullString
		lastError sql.NullString
	)
	err := row.Scan(
		&job.ID, &job.Seq, &job.Name, &job.Payload, &job.Status, &job.Priority, &dependsOn,
		&job.AllowDependencyFailure, &job.Attempts, &job.MaxAttempts, &backoffMs, &schedule,
		&lastError, &job.LockedBy, &job.LockedAt, &job.ScheduledAt, &job.StartedAt,
		&job.FinishedAt, &job.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(dependsOn) > 0 {
		job.DependsOn = []string(dependsOn)
	}
	for _, ms := range backoffMs {
		job.Backoff = append(job.Backoff, time.Duration(ms)*time.Millisecond)
	}
	job.Schedule = schedule.String
	job.LastError = lastError.String
	return &job, nil
}

func scanJobs(rows *sql.Rows) ([]types.Job, error) {
	defer rows.Close()
	var jobs []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func insertJob(ctx context.Context, q querier, job *types.Job) (*types.Job, error) {
	backoff := make(pq.Int64Array, len(job.Backoff))
	for i, d := range job.Backoff {
		backoff[i] = d.Milliseconds()
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	status := job.Status
	if status == "" {
		status = state.StatusQueued
	}
	scheduledAt := job.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = time.Now()
	}
	dependsOn := pq.StringArray(job.DependsOn)
	if dependsOn == nil {
		dependsOn = pq.StringArray{}
	}

	row := q.QueryRowContext(ctx, insertJobQuery,
		job.ID, job.Name, []byte(payload), status, job.Priority, dependsOn,
		job.AllowDependencyFailure, job.MaxAttempts, backoff, nullString(job.Schedule), scheduledAt,
	)
	stored, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", custom_errors.ErrDuplicateJob, job.ID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return stored, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func (r *PostgresJobStore) Insert(ctx context.Context, job *types.Job) (*types.Job, error) {
	return insertJob(ctx, r.db, job)
}

func (r *PostgresJobStore) FindByID(ctx context.Context, id string) (*types.Job, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM tubefire.jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", custom_errors.ErrJobNotFound, id)
	}
	return job, err
}

func (r *PostgresJobStore) Remove(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tubefire.jobs WHERE id = $1`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *PostgresJobStore) ResolveDeferred(ctx context.Context) (int, []types.Job, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		UPDATE tubefire.jobs j
		SET status = 'failed', last_error = 'dependency failed', finished_at = now()
		WHERE j.status = 'deferred'
		  AND NOT j.allow_dependency_failure
		  AND EXISTS (
			SELECT 1 FROM unnest(j.depends_on) AS d(dep_id)
			LEFT JOIN tubefire.jobs p ON p.id = d.dep_id
			WHERE p.id IS NULL OR p.status IN ('failed', 'canceled'))
		RETURNING `+jobColumns)
	if err != nil {
		return 0, nil, fmt.Errorf("fail dependents: %w", err)
	}
	failed, err := scanJobs(rows)
	if err != nil {
		return 0, nil, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tubefire.jobs j
		SET status = 'queued'
		WHERE j.status = 'deferred'
		  AND NOT EXISTS (
			SELECT 1 FROM unnest(j.depends_on) AS d(dep_id)
			JOIN tubefire.jobs p ON p.id = d.dep_id
			WHERE p.status NOT IN ('succeeded', 'failed', 'canceled'))`)
	if err != nil {
		return 0, nil, fmt.Errorf("promote deferred: %w", err)
	}
	promoted, err := res.RowsAffected()
	if err != nil {
		return 0, nil, err
	}
	if err := tx.Commit(); err != nil {
		return 0, nil, err
	}
	return int(promoted), failed, nil
}

func (r *PostgresJobStore) ClaimNext(ctx context.Context, lockedBy string, now time.Time) (*types.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE tubefire.jobs
		SET status = 'processing', attempts = attempts + 1, locked_by = $1, locked_at = $2, started_at = $2
		WHERE id = (
			SELECT id FROM tubefire.jobs
			WHERE status IN ('queued', 'retrying') AND scheduled_at <= $2
			ORDER BY priority DESC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED)
		RETURNING `+jobColumns, lockedBy, now)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *PostgresJobStore) ClaimByID(ctx context.Context, id, lockedBy string, now time.Time) (*types.Job, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE tubefire.jobs
		SET status = 'processing', attempts = attempts + 1, locked_by = $1, locked_at = $2, started_at = $2
		WHERE id = $3 AND status IN ('queued', 'retrying') AND scheduled_at <= $2
		RETURNING `+jobColumns, lockedBy, now, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *PostgresJobStore) MarkSuccess(ctx context.Context, job *types.Job, next *types.Job) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tubefire.jobs
		SET status = 'succeeded', finished_at = now(), locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND seq = $2 AND status = 'processing'`, job.ID, job.Seq)
	if err != nil {
		return fmt.Errorf("mark success: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return fmt.Errorf("%w: %s", custom_errors.ErrJobNotFound, job.ID)
	}

	// A pending duplicate of the continuation does not undo the completion.
	var nextErr error
	if next != nil {
		if _, err := insertJob(ctx, tx, next); err != nil {
			if !errors.Is(err, custom_errors.ErrDuplicateJob) {
				return err
			}
			nextErr = err
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return nextErr
}

func (r *PostgresJobStore) MarkRetry(ctx context.Context, job *types.Job, errMsg string, retryAt time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tubefire.jobs
		SET status = 'retrying', last_error = $3, scheduled_at = $4, locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND seq = $2`, job.ID, job.Seq, errMsg, retryAt)
	return expectOneRow(res, err, job.ID)
}

func (r *PostgresJobStore) MarkFailure(ctx context.Context, job *types.Job, errMsg string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tubefire.jobs
		SET status = 'failed', last_error = $3, finished_at = now(), locked_by = NULL, locked_at = NULL
		WHERE id = $1 AND seq = $2`, job.ID, job.Seq, errMsg)
	return expectOneRow(res, err, job.ID)
}

func expectOneRow(res sql.Result, err error, id string) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", custom_errors.ErrJobNotFound, id)
	}
	return nil
}

func (r *PostgresJobStore) Touch(ctx context.Context, job *types.Job, lockedBy string, at time.Time) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tubefire.jobs SET locked_at = $4
		WHERE id = $1 AND seq = $2 AND locked_by = $3 AND status = 'processing'`, job.ID, job.Seq, lockedBy, at)
	return expectOneRow(res, err, job.ID)
}

func (r *PostgresJobStore) UnlockStaleJobs(ctx context.Context, timeout time.Duration) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE tubefire.jobs
		SET status = 'queued', locked_by = NULL, locked_at = NULL
		WHERE status = 'processing' AND locked_at < now() - make_interval(secs => $1)`, timeout.Seconds())
	if err != nil {
		return 0, fmt.Errorf("unlock stale jobs: %w", err)
	}
	return res.RowsAffected()
}

func (r *PostgresJobStore) ListScheduled(ctx context.Context) ([]types.ScheduledInstance, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, schedule, scheduled_at FROM tubefire.jobs
		WHERE schedule IS NOT NULL AND status = ANY($1)
		ORDER BY seq`, pq.Array(state.Strings(state.PendingStatuses)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []types.ScheduledInstance
	for rows.Next() {
		var inst types.ScheduledInstance
		if err := rows.Scan(&inst.JobID, &inst.Entry, &inst.ScheduledAt); err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

func (r *PostgresJobStore) GetAll(ctx context.Context, page int, pageSize int, status state.JobStatus) (*types.PaginationResult[types.Job], error) {
	page, pageSize, offset := types.NormalizePage(page, pageSize)

	var args []any
	where := "TRUE"
	argIndex := 1
	if status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, status)
		argIndex++
	}

	var totalItems int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tubefire.jobs WHERE `+where, args...).Scan(&totalItems); err != nil {
		return nil, err
	}

	selectQuery := fmt.Sprintf(`SELECT %s FROM tubefire.jobs WHERE %s ORDER BY seq DESC LIMIT $%d OFFSET $%d`,
		jobColumns, where, argIndex, argIndex+1)
	rows, err := r.db.QueryContext(ctx, selectQuery, append(args, pageSize, offset)...)
	if err != nil {
		return nil, err
	}
	jobs, err := scanJobs(rows)
	if err != nil {
		return nil, err
	}

	return types.NewPage(jobs, totalItems, page, pageSize), nil
}

func (r *PostgresJobStore) CountAllJobsGroupedByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tubefire.jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[state.JobStatus]int)
	for rows.Next() {
		var status state.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (r *PostgresJobStore) PruneFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		DELETE FROM tubefire.jobs
		WHERE status = ANY($1) AND finished_at < $2`, pq.Array(state.Strings(state.TerminalStatuses)), before)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
