package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const scheduleColumns = `id, name, scope, company_key, cron_expr, timezone_name,
	target_date_mode, enabled, is_system_managed, parallel, stagger_seconds,
	continue_on_failure, next_fire_at, last_result, last_error, created_at, updated_at`

func scanSchedule(row pgx.Row) (*RunSchedule, error) {
	var s RunSchedule
	err := row.Scan(&s.ID, &s.Name, &s.Scope, &s.CompanyKey, &s.CronExpr, &s.TimezoneName,
		&s.TargetDateMode, &s.Enabled, &s.IsSystemManaged, &s.Parallel, &s.StaggerSeconds,
		&s.ContinueOnFailure, &s.NextFireAt, &s.LastResult, &s.LastError, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// RunScheduleInput describes a schedule to create or update.
type RunScheduleInput struct {
	Name              string
	Scope             string
	CompanyKey        string
	CronExpr          string
	TimezoneName      string
	TargetDateMode    string
	Enabled           bool
	IsSystemManaged   bool
	Parallel          bool
	StaggerSeconds    int
	ContinueOnFailure bool
}

// CreateRunSchedule inserts a new schedule.
func (db *DB) CreateRunSchedule(ctx context.Context, input RunScheduleInput) (*RunSchedule, error) {
	if input.TimezoneName == "" {
		input.TimezoneName = "UTC"
	}
	if input.TargetDateMode == "" {
		input.TargetDateMode = "trading_yesterday"
	}
	schedule, err := scanSchedule(db.pool.QueryRow(ctx,
		`INSERT INTO run_schedules (name, scope, company_key, cron_expr, timezone_name,
			target_date_mode, enabled, is_system_managed, parallel, stagger_seconds,
			continue_on_failure)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 RETURNING `+scheduleColumns,
		input.Name, input.Scope, input.CompanyKey, input.CronExpr, input.TimezoneName,
		input.TargetDateMode, input.Enabled, input.IsSystemManaged, input.Parallel,
		input.StaggerSeconds, input.ContinueOnFailure,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create schedule: %w", err)
	}
	return schedule, nil
}

// UpdateRunSchedule rewrites the editable fields of a schedule.
func (db *DB) UpdateRunSchedule(ctx context.Context, id uuid.UUID, input RunScheduleInput) (*RunSchedule, error) {
	schedule, err := scanSchedule(db.pool.QueryRow(ctx,
		`UPDATE run_schedules
		 SET name = $1, scope = $2, company_key = $3, cron_expr = $4, timezone_name = $5,
		     target_date_mode = $6, enabled = $7, parallel = $8, stagger_seconds = $9,
		     continue_on_failure = $10, updated_at = NOW()
		 WHERE id = $11
		 RETURNING `+scheduleColumns,
		input.Name, input.Scope, input.CompanyKey, input.CronExpr, input.TimezoneName,
		input.TargetDateMode, input.Enabled, input.Parallel, input.StaggerSeconds,
		input.ContinueOnFailure, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to update schedule: %w", err)
	}
	return schedule, nil
}

// GetRunSchedule retrieves a schedule by ID, or nil when absent.
func (db *DB) GetRunSchedule(ctx context.Context, id uuid.UUID) (*RunSchedule, error) {
	schedule, err := scanSchedule(db.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM run_schedules WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return schedule, nil
}

// GetRunScheduleByName retrieves a schedule by its unique name, or nil.
func (db *DB) GetRunScheduleByName(ctx context.Context, name string) (*RunSchedule, error) {
	schedule, err := scanSchedule(db.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM run_schedules WHERE name = $1`, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get schedule by name: %w", err)
	}
	return schedule, nil
}

// ListRunSchedules retrieves all schedules ordered by name.
func (db *DB) ListRunSchedules(ctx context.Context) ([]RunSchedule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM run_schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []RunSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, *schedule)
	}
	return schedules, nil
}

// EnabledUserSchedules retrieves enabled schedules that are not system
// managed. A non-empty result disables the environment fallback schedule.
func (db *DB) EnabledUserSchedules(ctx context.Context) ([]RunSchedule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM run_schedules
		 WHERE enabled AND NOT is_system_managed
		 ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list user schedules: %w", err)
	}
	defer rows.Close()

	var schedules []RunSchedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, *schedule)
	}
	return schedules, nil
}

// SetScheduleEnabled toggles a schedule without touching its other fields.
func (db *DB) SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE run_schedules SET enabled = $1, updated_at = NOW() WHERE id = $2`,
		enabled, id)
	if err != nil {
		return fmt.Errorf("failed to toggle schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return nil
}

// SetScheduleFire records the evaluation outcome and the next fire time.
func (db *DB) SetScheduleFire(ctx context.Context, id uuid.UUID, nextFireAt *time.Time, lastResult, lastError string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE run_schedules
		 SET next_fire_at = $1, last_result = $2, last_error = $3, updated_at = NOW()
		 WHERE id = $4`,
		nextFireAt, lastResult, lastError, id)
	if err != nil {
		return fmt.Errorf("failed to record schedule fire: %w", err)
	}
	return nil
}

// UpsertSystemSchedule creates or refreshes a system-managed schedule keyed
// by name, used for the environment fallback schedule.
func (db *DB) UpsertSystemSchedule(ctx context.Context, input RunScheduleInput) (*RunSchedule, error) {
	if input.TimezoneName == "" {
		input.TimezoneName = "UTC"
	}
	if input.TargetDateMode == "" {
		input.TargetDateMode = "trading_yesterday"
	}
	schedule, err := scanSchedule(db.pool.QueryRow(ctx,
		`INSERT INTO run_schedules (name, scope, company_key, cron_expr, timezone_name,
			target_date_mode, enabled, is_system_managed, parallel, stagger_seconds,
			continue_on_failure)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9, $10)
		 ON CONFLICT (name) DO UPDATE
		 SET scope = EXCLUDED.scope, company_key = EXCLUDED.company_key,
		     cron_expr = EXCLUDED.cron_expr, timezone_name = EXCLUDED.timezone_name,
		     target_date_mode = EXCLUDED.target_date_mode, enabled = EXCLUDED.enabled,
		     is_system_managed = TRUE, parallel = EXCLUDED.parallel,
		     stagger_seconds = EXCLUDED.stagger_seconds,
		     continue_on_failure = EXCLUDED.continue_on_failure, updated_at = NOW()
		 RETURNING `+scheduleColumns,
		input.Name, input.Scope, input.CompanyKey, input.CronExpr, input.TimezoneName,
		input.TargetDateMode, input.Enabled, input.Parallel, input.StaggerSeconds,
		input.ContinueOnFailure,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert system schedule: %w", err)
	}
	return schedule, nil
}

// DeleteRunSchedule removes a schedule and its events.
func (db *DB) DeleteRunSchedule(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM run_schedules WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return nil
}

// AddScheduleEvent appends one audit entry for a schedule evaluation.
func (db *DB) AddScheduleEvent(ctx context.Context, scheduleID uuid.UUID, jobID *uuid.UUID, eventType, message string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO schedule_events (schedule_id, job_id, event_type, message)
		 VALUES ($1, $2, $3, $4)`,
		scheduleID, jobID, eventType, message)
	if err != nil {
		return fmt.Errorf("failed to add schedule event: %w", err)
	}
	return nil
}

// ListScheduleEvents retrieves recent events for one schedule, newest first.
func (db *DB) ListScheduleEvents(ctx context.Context, scheduleID uuid.UUID, limit int) ([]ScheduleEvent, error) {
	if limit == 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, schedule_id, job_id, event_type, message, created_at
		 FROM schedule_events
		 WHERE schedule_id = $1
		 ORDER BY created_at DESC
		 LIMIT $2`,
		scheduleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedule events: %w", err)
	}
	defer rows.Close()

	var events []ScheduleEvent
	for rows.Next() {
		var e ScheduleEvent
		if err := rows.Scan(&e.ID, &e.ScheduleID, &e.JobID, &e.EventType, &e.Message, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan schedule event: %w", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// UpsertHeartbeat refreshes the worker liveness row.
func (db *DB) UpsertHeartbeat(ctx context.Context, hostname string, pid, pollSeconds int) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO worker_heartbeat (id, hostname, pid, poll_seconds, seen_at)
		 VALUES (1, $1, $2, $3, NOW())
		 ON CONFLICT (id) DO UPDATE
		 SET hostname = $1, pid = $2, poll_seconds = $3, seen_at = NOW()`,
		hostname, pid, pollSeconds)
	if err != nil {
		return fmt.Errorf("failed to upsert heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat reads the worker liveness row, or nil when the worker has
// never run.
func (db *DB) GetHeartbeat(ctx context.Context) (*WorkerHeartbeat, error) {
	var hb WorkerHeartbeat
	err := db.pool.QueryRow(ctx,
		`SELECT id, hostname, pid, poll_seconds, seen_at FROM worker_heartbeat WHERE id = 1`,
	).Scan(&hb.ID, &hb.Hostname, &hb.PID, &hb.PollSeconds, &hb.SeenAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get heartbeat: %w", err)
	}
	return &hb, nil
}
