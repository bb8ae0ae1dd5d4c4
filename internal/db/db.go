// Package db provides PostgreSQL persistence for run jobs, artifacts,
// schedules, portal users, and the global dispatch lock.
package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	pool *pgxpool.Pool
}

// Connect establishes a connection pool to the database
func Connect(ctx context.Context, databaseURL string) (*DB, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// Verify connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{pool: pool}, nil
}

// Close closes the connection pool
func (db *DB) Close() {
	if db.pool != nil {
		db.pool.Close()
	}
}

// schema is forward-only: every statement is idempotent so EnsureSchema can
// run on every process start.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS run_jobs (
		id                  UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		scope               TEXT NOT NULL,
		company_key         TEXT NOT NULL DEFAULT '',
		target_date         TEXT NOT NULL DEFAULT '',
		from_date           TEXT NOT NULL DEFAULT '',
		to_date             TEXT NOT NULL DEFAULT '',
		skip_download       BOOLEAN NOT NULL DEFAULT FALSE,
		parallel            BOOLEAN NOT NULL DEFAULT FALSE,
		stagger_seconds     INTEGER NOT NULL DEFAULT 0,
		continue_on_failure BOOLEAN NOT NULL DEFAULT FALSE,
		command_display     TEXT NOT NULL DEFAULT '',
		status              TEXT NOT NULL DEFAULT 'queued',
		pid                 INTEGER,
		exit_code           INTEGER,
		log_path            TEXT NOT NULL DEFAULT '',
		requested_by        TEXT NOT NULL DEFAULT '',
		failure_reason      TEXT NOT NULL DEFAULT '',
		cancel_requested    BOOLEAN NOT NULL DEFAULT FALSE,
		schedule_id         UUID,
		queued_at           TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		dispatched_at       TIMESTAMPTZ,
		started_at          TIMESTAMPTZ,
		finished_at         TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS run_jobs_status_queued_at ON run_jobs (status, queued_at)`,
	`CREATE TABLE IF NOT EXISTS run_artifacts (
		id                   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		job_id               UUID REFERENCES run_jobs(id) ON DELETE SET NULL,
		company_key          TEXT NOT NULL,
		target_date          TEXT NOT NULL,
		rows_total           INTEGER NOT NULL DEFAULT 0,
		rows_kept            INTEGER NOT NULL DEFAULT 0,
		rows_non_target      INTEGER NOT NULL DEFAULT 0,
		reliability_status   TEXT NOT NULL DEFAULT '',
		upload_stats         JSONB,
		reconcile_status     TEXT NOT NULL DEFAULT '',
		reconcile_difference DOUBLE PRECISION NOT NULL DEFAULT 0,
		source_path          TEXT NOT NULL DEFAULT '',
		source_hash          TEXT NOT NULL DEFAULT '',
		superseded           BOOLEAN NOT NULL DEFAULT FALSE,
		processed_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS run_artifacts_company_date ON run_artifacts (company_key, target_date)`,
	`CREATE TABLE IF NOT EXISTS run_schedules (
		id                  UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name                TEXT NOT NULL UNIQUE,
		scope               TEXT NOT NULL,
		company_key         TEXT NOT NULL DEFAULT '',
		cron_expr           TEXT NOT NULL,
		timezone_name       TEXT NOT NULL DEFAULT 'UTC',
		target_date_mode    TEXT NOT NULL DEFAULT 'trading_yesterday',
		enabled             BOOLEAN NOT NULL DEFAULT TRUE,
		is_system_managed   BOOLEAN NOT NULL DEFAULT FALSE,
		parallel            BOOLEAN NOT NULL DEFAULT FALSE,
		stagger_seconds     INTEGER NOT NULL DEFAULT 0,
		continue_on_failure BOOLEAN NOT NULL DEFAULT FALSE,
		next_fire_at        TIMESTAMPTZ,
		last_result         TEXT NOT NULL DEFAULT '',
		last_error          TEXT NOT NULL DEFAULT '',
		created_at          TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at          TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS schedule_events (
		id          BIGSERIAL PRIMARY KEY,
		schedule_id UUID REFERENCES run_schedules(id) ON DELETE CASCADE,
		job_id      UUID,
		event_type  TEXT NOT NULL,
		message     TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS run_lock (
		owner       TEXT PRIMARY KEY,
		holder      TEXT NOT NULL,
		job_id      UUID,
		acquired_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS companies (
		company_key  TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		config       JSONB NOT NULL,
		enabled      BOOLEAN NOT NULL DEFAULT TRUE,
		created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS portal_users (
		id                         UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		username                   TEXT NOT NULL UNIQUE,
		password_hash              TEXT NOT NULL,
		is_admin                   BOOLEAN NOT NULL DEFAULT FALSE,
		can_trigger_runs           BOOLEAN NOT NULL DEFAULT FALSE,
		can_manage_schedules       BOOLEAN NOT NULL DEFAULT FALSE,
		can_edit_companies         BOOLEAN NOT NULL DEFAULT FALSE,
		can_manage_portal_settings BOOLEAN NOT NULL DEFAULT FALSE,
		created_at                 TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS portal_settings (
		key        TEXT PRIMARY KEY,
		value      TEXT NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS worker_heartbeat (
		id           INTEGER PRIMARY KEY,
		hostname     TEXT NOT NULL DEFAULT '',
		pid          INTEGER NOT NULL DEFAULT 0,
		poll_seconds INTEGER NOT NULL DEFAULT 0,
		seen_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
}

// EnsureSchema creates any missing tables and indexes
func (db *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	return nil
}
