package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

func scanCompany(row pgx.Row) (*Company, error) {
	var c Company
	var configJSON []byte
	err := row.Scan(&c.CompanyKey, &c.DisplayName, &configJSON, &c.Enabled, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if configJSON != nil {
		_ = json.Unmarshal(configJSON, &c.Config)
	}
	return &c, nil
}

// UpsertCompany creates or replaces a tenant row keyed by company_key.
func (db *DB) UpsertCompany(ctx context.Context, companyKey, displayName string, config map[string]any, enabled bool) (*Company, error) {
	configJSON, err := json.Marshal(config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal company config: %w", err)
	}

	company, err := scanCompany(db.pool.QueryRow(ctx,
		`INSERT INTO companies (company_key, display_name, config, enabled)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (company_key) DO UPDATE
		 SET display_name = $2, config = $3, enabled = $4, updated_at = NOW()
		 RETURNING company_key, display_name, config, enabled, created_at, updated_at`,
		companyKey, displayName, configJSON, enabled,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert company: %w", err)
	}
	return company, nil
}

// GetCompany retrieves a tenant by key, or nil when absent.
func (db *DB) GetCompany(ctx context.Context, companyKey string) (*Company, error) {
	company, err := scanCompany(db.pool.QueryRow(ctx,
		`SELECT company_key, display_name, config, enabled, created_at, updated_at
		 FROM companies WHERE company_key = $1`, companyKey))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get company: %w", err)
	}
	return company, nil
}

// ListCompanies retrieves all tenants ordered by key. When enabledOnly is
// set, disabled tenants are omitted.
func (db *DB) ListCompanies(ctx context.Context, enabledOnly bool) ([]Company, error) {
	query := `SELECT company_key, display_name, config, enabled, created_at, updated_at
		FROM companies`
	if enabledOnly {
		query += ` WHERE enabled`
	}
	query += ` ORDER BY company_key`

	rows, err := db.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list companies: %w", err)
	}
	defer rows.Close()

	var companies []Company
	for rows.Next() {
		company, err := scanCompany(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan company: %w", err)
		}
		companies = append(companies, *company)
	}
	return companies, nil
}

// SetCompanyEnabled toggles a tenant without touching its config document.
func (db *DB) SetCompanyEnabled(ctx context.Context, companyKey string, enabled bool) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE companies SET enabled = $1, updated_at = NOW() WHERE company_key = $2`,
		enabled, companyKey)
	if err != nil {
		return fmt.Errorf("failed to toggle company: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("company not found: %s", companyKey)
	}
	return nil
}

// DeleteCompany removes a tenant row.
func (db *DB) DeleteCompany(ctx context.Context, companyKey string) error {
	tag, err := db.pool.Exec(ctx, `DELETE FROM companies WHERE company_key = $1`, companyKey)
	if err != nil {
		return fmt.Errorf("failed to delete company: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("company not found: %s", companyKey)
	}
	return nil
}
