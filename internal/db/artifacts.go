package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const artifactColumns = `id, job_id, company_key, target_date,
	rows_total, rows_kept, rows_non_target, reliability_status,
	upload_stats, reconcile_status, reconcile_difference,
	source_path, source_hash, superseded, processed_at`

func scanArtifact(row pgx.Row) (*RunArtifact, error) {
	var a RunArtifact
	var statsJSON []byte
	err := row.Scan(&a.ID, &a.JobID, &a.CompanyKey, &a.TargetDate,
		&a.RowsTotal, &a.RowsKept, &a.RowsNonTarget, &a.ReliabilityStatus,
		&statsJSON, &a.ReconcileStatus, &a.ReconcileDifference,
		&a.SourcePath, &a.SourceHash, &a.Superseded, &a.ProcessedAt)
	if err != nil {
		return nil, err
	}
	if statsJSON != nil {
		_ = json.Unmarshal(statsJSON, &a.UploadStats)
	}
	return &a, nil
}

// RunArtifactInput describes one processing outcome to record.
type RunArtifactInput struct {
	JobID               *uuid.UUID
	CompanyKey          string
	TargetDate          string
	RowsTotal           int
	RowsKept            int
	RowsNonTarget       int
	ReliabilityStatus   string
	UploadStats         map[string]any
	ReconcileStatus     string
	ReconcileDifference float64
	SourcePath          string
	SourceHash          string
}

// SaveRunArtifact marks earlier artifacts for the (company, date) pair as
// superseded and inserts the new row, so re-runs keep history without two
// current rows competing.
func (db *DB) SaveRunArtifact(ctx context.Context, input RunArtifactInput) (*RunArtifact, error) {
	var statsJSON []byte
	if input.UploadStats != nil {
		var err error
		statsJSON, err = json.Marshal(input.UploadStats)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal upload stats: %w", err)
		}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin artifact transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`UPDATE run_artifacts SET superseded = TRUE
		 WHERE company_key = $1 AND target_date = $2 AND NOT superseded`,
		input.CompanyKey, input.TargetDate)
	if err != nil {
		return nil, fmt.Errorf("failed to supersede artifacts: %w", err)
	}

	artifact, err := scanArtifact(tx.QueryRow(ctx,
		`INSERT INTO run_artifacts (job_id, company_key, target_date,
			rows_total, rows_kept, rows_non_target, reliability_status,
			upload_stats, reconcile_status, reconcile_difference,
			source_path, source_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING `+artifactColumns,
		input.JobID, input.CompanyKey, input.TargetDate,
		input.RowsTotal, input.RowsKept, input.RowsNonTarget, input.ReliabilityStatus,
		statsJSON, input.ReconcileStatus, input.ReconcileDifference,
		input.SourcePath, input.SourceHash,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to save run artifact: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit artifact: %w", err)
	}
	return artifact, nil
}

// CurrentArtifact returns the non-superseded artifact for the pair, or nil.
func (db *DB) CurrentArtifact(ctx context.Context, companyKey, targetDate string) (*RunArtifact, error) {
	artifact, err := scanArtifact(db.pool.QueryRow(ctx,
		`SELECT `+artifactColumns+` FROM run_artifacts
		 WHERE company_key = $1 AND target_date = $2 AND NOT superseded
		 ORDER BY processed_at DESC
		 LIMIT 1`,
		companyKey, targetDate))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get current artifact: %w", err)
	}
	return artifact, nil
}

// ArtifactFilters holds optional filters for listing artifacts
type ArtifactFilters struct {
	CompanyKey        string
	TargetDate        string
	JobID             uuid.UUID
	IncludeSuperseded bool
	Limit             int
}

// ListRunArtifacts retrieves artifacts newest first with optional filters
func (db *DB) ListRunArtifacts(ctx context.Context, filters ArtifactFilters) ([]RunArtifact, error) {
	if filters.Limit == 0 {
		filters.Limit = 100
	}

	query := `SELECT ` + artifactColumns + ` FROM run_artifacts WHERE 1=1`
	args := []any{}
	argNum := 1

	if filters.CompanyKey != "" {
		query += fmt.Sprintf(" AND company_key = $%d", argNum)
		args = append(args, filters.CompanyKey)
		argNum++
	}
	if filters.TargetDate != "" {
		query += fmt.Sprintf(" AND target_date = $%d", argNum)
		args = append(args, filters.TargetDate)
		argNum++
	}
	if filters.JobID != uuid.Nil {
		query += fmt.Sprintf(" AND job_id = $%d", argNum)
		args = append(args, filters.JobID)
		argNum++
	}
	if !filters.IncludeSuperseded {
		query += " AND NOT superseded"
	}

	query += fmt.Sprintf(" ORDER BY processed_at DESC LIMIT $%d", argNum)
	args = append(args, filters.Limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list run artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []RunArtifact
	for rows.Next() {
		artifact, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run artifact: %w", err)
		}
		artifacts = append(artifacts, *artifact)
	}
	return artifacts, nil
}
