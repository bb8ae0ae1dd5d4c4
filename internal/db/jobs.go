package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const jobColumns = `id, scope, company_key, target_date, from_date, to_date,
	skip_download, parallel, stagger_seconds, continue_on_failure,
	command_display, status, pid, exit_code, log_path, requested_by,
	failure_reason, cancel_requested, schedule_id,
	queued_at, dispatched_at, started_at, finished_at`

func scanJob(row pgx.Row) (*RunJob, error) {
	var j RunJob
	err := row.Scan(&j.ID, &j.Scope, &j.CompanyKey, &j.TargetDate, &j.FromDate, &j.ToDate,
		&j.SkipDownload, &j.Parallel, &j.StaggerSeconds, &j.ContinueOnFailure,
		&j.CommandDisplay, &j.Status, &j.PID, &j.ExitCode, &j.LogPath, &j.RequestedBy,
		&j.FailureReason, &j.CancelRequested, &j.ScheduleID,
		&j.QueuedAt, &j.DispatchedAt, &j.StartedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// RunJobInput describes a job to enqueue.
type RunJobInput struct {
	Scope             string
	CompanyKey        string
	TargetDate        string
	FromDate          string
	ToDate            string
	SkipDownload      bool
	Parallel          bool
	StaggerSeconds    int
	ContinueOnFailure bool
	CommandDisplay    string
	RequestedBy       string
	ScheduleID        *uuid.UUID
}

// CreateRunJob enqueues a job in queued status and returns the stored row.
func (db *DB) CreateRunJob(ctx context.Context, input RunJobInput) (*RunJob, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`INSERT INTO run_jobs (scope, company_key, target_date, from_date, to_date,
			skip_download, parallel, stagger_seconds, continue_on_failure,
			command_display, requested_by, schedule_id, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'queued')
		 RETURNING `+jobColumns,
		input.Scope, input.CompanyKey, input.TargetDate, input.FromDate, input.ToDate,
		input.SkipDownload, input.Parallel, input.StaggerSeconds, input.ContinueOnFailure,
		input.CommandDisplay, input.RequestedBy, input.ScheduleID,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create run job: %w", err)
	}
	return job, nil
}

// GetRunJob retrieves a job by ID, or nil when absent.
func (db *DB) GetRunJob(ctx context.Context, id uuid.UUID) (*RunJob, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM run_jobs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run job: %w", err)
	}
	return job, nil
}

// OldestQueued returns the queued job that has waited longest, or nil.
func (db *DB) OldestQueued(ctx context.Context) (*RunJob, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM run_jobs
		 WHERE status = 'queued'
		 ORDER BY queued_at
		 LIMIT 1`))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get oldest queued job: %w", err)
	}
	return job, nil
}

// ClaimJob flips a queued job to running and takes the global lock row in one
// transaction. Returns false without error when another holder owns the lock
// or the job is no longer queued; the caller leaves the job for a later pass.
func (db *DB) ClaimJob(ctx context.Context, jobID uuid.UUID, holder string) (bool, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE run_jobs SET status = 'running', dispatched_at = NOW()
		 WHERE id = $1 AND status = 'queued'`, jobID)
	if err != nil {
		return false, fmt.Errorf("failed to mark job running: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO run_lock (owner, holder, job_id) VALUES ($1, $2, $3)`,
		LockOwner, holder, jobID)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return false, nil
		}
		return false, fmt.Errorf("failed to take run lock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit claim: %w", err)
	}
	return true, nil
}

// UpdateJobPID records the spawned process and its log file.
func (db *DB) UpdateJobPID(ctx context.Context, jobID uuid.UUID, pid int, logPath string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE run_jobs SET pid = $1, log_path = $2, started_at = NOW() WHERE id = $3`,
		pid, logPath, jobID)
	if err != nil {
		return fmt.Errorf("failed to update job pid: %w", err)
	}
	return nil
}

// FinishJob records the terminal status and releases the global lock row in
// the same transaction, so a crash between the two cannot strand the lock.
func (db *DB) FinishJob(ctx context.Context, jobID uuid.UUID, status string, exitCode int, failureReason string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin finish transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE run_jobs
		 SET status = $1, exit_code = $2, failure_reason = $3, finished_at = NOW()
		 WHERE id = $4`,
		status, exitCode, failureReason, jobID)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}

	_, err = tx.Exec(ctx, `DELETE FROM run_lock WHERE owner = $1 AND job_id = $2`, LockOwner, jobID)
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit finish: %w", err)
	}
	return nil
}

// RequestCancel flags a queued or running job for cancellation. Queued jobs
// flip straight to cancelled; running jobs keep their status until the
// process observes the flag or is reaped.
func (db *DB) RequestCancel(ctx context.Context, jobID uuid.UUID) (*RunJob, error) {
	job, err := db.GetRunJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("run job not found: %s", jobID)
	}
	if job.Terminal() {
		return job, nil
	}

	if job.Status == JobStatusQueued {
		_, err = db.pool.Exec(ctx,
			`UPDATE run_jobs
			 SET status = 'cancelled', cancel_requested = TRUE, finished_at = NOW()
			 WHERE id = $1 AND status = 'queued'`, jobID)
	} else {
		_, err = db.pool.Exec(ctx,
			`UPDATE run_jobs SET cancel_requested = TRUE WHERE id = $1`, jobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to request cancel: %w", err)
	}
	return db.GetRunJob(ctx, jobID)
}

// CancelRequested reports whether the job carries a pending cancel flag.
func (db *DB) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	var flag bool
	err := db.pool.QueryRow(ctx,
		`SELECT cancel_requested FROM run_jobs WHERE id = $1`, jobID).Scan(&flag)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("failed to read cancel flag: %w", err)
	}
	return flag, nil
}

// RunningJobs returns all jobs currently marked running.
func (db *DB) RunningJobs(ctx context.Context) ([]RunJob, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM run_jobs WHERE status = 'running' ORDER BY dispatched_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list running jobs: %w", err)
	}
	defer rows.Close()

	var jobs []RunJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// QueuedOrRunningForSchedule reports whether the schedule already has an
// unfinished job, which suppresses the next firing.
func (db *DB) QueuedOrRunningForSchedule(ctx context.Context, scheduleID uuid.UUID) (bool, error) {
	var exists bool
	err := db.pool.QueryRow(ctx,
		`SELECT EXISTS (
			SELECT 1 FROM run_jobs
			WHERE schedule_id = $1 AND status IN ('queued', 'running')
		)`, scheduleID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check schedule overlap: %w", err)
	}
	return exists, nil
}

// JobFilters holds optional filters for listing jobs
type JobFilters struct {
	CompanyKey string
	Status     string
	Limit      int
}

// ListRunJobs retrieves jobs newest first with optional filters
func (db *DB) ListRunJobs(ctx context.Context, filters JobFilters) ([]RunJob, error) {
	if filters.Limit == 0 {
		filters.Limit = 50
	}

	query := `SELECT ` + jobColumns + ` FROM run_jobs WHERE 1=1`
	args := []any{}
	argNum := 1

	if filters.CompanyKey != "" {
		query += fmt.Sprintf(" AND company_key = $%d", argNum)
		args = append(args, filters.CompanyKey)
		argNum++
	}
	if filters.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, filters.Status)
		argNum++
	}

	query += fmt.Sprintf(" ORDER BY queued_at DESC LIMIT $%d", argNum)
	args = append(args, filters.Limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run jobs: %w", err)
	}
	defer rows.Close()

	var jobs []RunJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

// LockHolder returns the current holder of the global lock row, or nil.
func (db *DB) LockHolder(ctx context.Context) (*RunJob, string, error) {
	var holder string
	var jobID *uuid.UUID
	err := db.pool.QueryRow(ctx,
		`SELECT holder, job_id FROM run_lock WHERE owner = $1`, LockOwner).Scan(&holder, &jobID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("failed to read run lock: %w", err)
	}
	if jobID == nil {
		return nil, holder, nil
	}
	job, err := db.GetRunJob(ctx, *jobID)
	if err != nil {
		return nil, holder, err
	}
	return job, holder, nil
}

// ReleaseLock deletes the global lock row regardless of holder. Used by the
// reaper after the owning process is confirmed dead.
func (db *DB) ReleaseLock(ctx context.Context) error {
	_, err := db.pool.Exec(ctx, `DELETE FROM run_lock WHERE owner = $1`, LockOwner)
	if err != nil {
		return fmt.Errorf("failed to release run lock: %w", err)
	}
	return nil
}
