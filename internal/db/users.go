package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"golang.org/x/crypto/bcrypt"
)

const userColumns = `id, username, password_hash, is_admin, can_trigger_runs,
	can_manage_schedules, can_edit_companies, can_manage_portal_settings, created_at`

func scanUser(row pgx.Row) (*PortalUser, error) {
	var u PortalUser
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.IsAdmin, &u.CanTriggerRuns,
		&u.CanManageSchedules, &u.CanEditCompanies, &u.CanManagePortalSettings, &u.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// PortalUserInput describes an operator account to create or update.
type PortalUserInput struct {
	Username                string
	Password                string
	IsAdmin                 bool
	CanTriggerRuns          bool
	CanManageSchedules      bool
	CanEditCompanies        bool
	CanManagePortalSettings bool
}

// CreatePortalUser hashes the password with bcrypt and inserts the account.
func (db *DB) CreatePortalUser(ctx context.Context, input PortalUserInput) (*PortalUser, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(input.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user, err := scanUser(db.pool.QueryRow(ctx,
		`INSERT INTO portal_users (username, password_hash, is_admin, can_trigger_runs,
			can_manage_schedules, can_edit_companies, can_manage_portal_settings)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING `+userColumns,
		input.Username, string(hash), input.IsAdmin, input.CanTriggerRuns,
		input.CanManageSchedules, input.CanEditCompanies, input.CanManagePortalSettings,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to create portal user: %w", err)
	}
	return user, nil
}

// GetPortalUser retrieves an account by username, or nil when absent.
func (db *DB) GetPortalUser(ctx context.Context, username string) (*PortalUser, error) {
	user, err := scanUser(db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM portal_users WHERE username = $1`, username))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get portal user: %w", err)
	}
	return user, nil
}

// GetPortalUserByID retrieves an account by ID, or nil when absent.
func (db *DB) GetPortalUserByID(ctx context.Context, id uuid.UUID) (*PortalUser, error) {
	user, err := scanUser(db.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM portal_users WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get portal user: %w", err)
	}
	return user, nil
}

// AuthenticatePortalUser verifies a username/password pair. Returns nil
// without error on unknown user or wrong password so callers cannot tell
// the cases apart.
func (db *DB) AuthenticatePortalUser(ctx context.Context, username, password string) (*PortalUser, error) {
	user, err := db.GetPortalUser(ctx, username)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return nil, nil
	}
	return user, nil
}

// UpdatePortalUserPermissions rewrites the permission flags of an account.
func (db *DB) UpdatePortalUserPermissions(ctx context.Context, id uuid.UUID, input PortalUserInput) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE portal_users
		 SET is_admin = $1, can_trigger_runs = $2, can_manage_schedules = $3,
		     can_edit_companies = $4, can_manage_portal_settings = $5
		 WHERE id = $6`,
		input.IsAdmin, input.CanTriggerRuns, input.CanManageSchedules,
		input.CanEditCompanies, input.CanManagePortalSettings, id)
	if err != nil {
		return fmt.Errorf("failed to update portal user: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portal user not found: %s", id)
	}
	return nil
}

// SetPortalUserPassword rehashes and stores a new password.
func (db *DB) SetPortalUserPassword(ctx context.Context, id uuid.UUID, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE portal_users SET password_hash = $1 WHERE id = $2`, string(hash), id)
	if err != nil {
		return fmt.Errorf("failed to set password: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("portal user not found: %s", id)
	}
	return nil
}

// ListPortalUsers retrieves all accounts ordered by username.
func (db *DB) ListPortalUsers(ctx context.Context) ([]PortalUser, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+userColumns+` FROM portal_users ORDER BY username`)
	if err != nil {
		return nil, fmt.Errorf("failed to list portal users: %w", err)
	}
	defer rows.Close()

	var users []PortalUser
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan portal user: %w", err)
		}
		users = append(users, *user)
	}
	return users, nil
}

// GetSetting reads one portal setting, returning fallback when unset.
func (db *DB) GetSetting(ctx context.Context, key, fallback string) (string, error) {
	var value string
	err := db.pool.QueryRow(ctx,
		`SELECT value FROM portal_settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fallback, nil
		}
		return "", fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return value, nil
}

// SetSetting writes one portal setting.
func (db *DB) SetSetting(ctx context.Context, key, value string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO portal_settings (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO UPDATE SET value = $2, updated_at = NOW()`,
		key, value)
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// ListSettings retrieves all portal settings as a map.
func (db *DB) ListSettings(ctx context.Context) (map[string]string, error) {
	rows, err := db.pool.Query(ctx, `SELECT key, value FROM portal_settings`)
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("failed to scan setting: %w", err)
		}
		settings[k] = v
	}
	return settings, nil
}
