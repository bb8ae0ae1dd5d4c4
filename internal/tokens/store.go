// Package tokens manages per-(company, realm) OAuth tokens for the remote
// accounting service. Tokens live in a single sqlite file restricted to
// owner read/write; refreshes are coalesced so only one network call runs
// per key at a time.
package tokens

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrTokenMissing is returned when no token row exists for a key. The
// operator must run the OAuth bootstrap first.
var ErrTokenMissing = errors.New("no stored tokens")

// expiryMargin refreshes access tokens 60 seconds before actual expiry.
const expiryMargin = 60 * time.Second

// TokenRecord is one stored (company, realm) token pair.
type TokenRecord struct {
	CompanyKey      string
	RealmID         string
	AccessToken     string
	RefreshToken    string
	AccessExpiresAt time.Time
	UpdatedAt       time.Time
	Environment     string
}

// Valid reports whether the access token can still be used at now, with the
// refresh safety margin applied.
func (r TokenRecord) Valid(now time.Time) bool {
	if r.AccessToken == "" || r.AccessExpiresAt.IsZero() {
		return false
	}
	return now.Add(expiryMargin).Before(r.AccessExpiresAt)
}

// Store is the sqlite-backed token store. Open once at startup, Close on
// shutdown.
type Store struct {
	db   *sql.DB
	path string

	initOnce sync.Once
	initErr  error
}

// Open opens (creating if necessary) the token database at path.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open token database %s: %w", path, err)
	}
	// sqlite serializes writers; a single connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// init creates the schema once per Store and restricts file permissions.
func (s *Store) init() error {
	s.initOnce.Do(func() {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS qbo_tokens (
				company_key TEXT NOT NULL,
				realm_id TEXT NOT NULL UNIQUE,
				access_token TEXT,
				refresh_token TEXT NOT NULL,
				access_expires_at INTEGER,
				updated_at INTEGER NOT NULL,
				environment TEXT DEFAULT 'production',
				PRIMARY KEY (company_key, realm_id)
			)`)
		if err != nil {
			s.initErr = fmt.Errorf("failed to initialize token schema: %w", err)
			return
		}

		// Best effort: some filesystems (network shares) refuse chmod.
		if err := os.Chmod(s.path, 0o600); err != nil && !os.IsPermission(err) {
			s.initErr = fmt.Errorf("failed to restrict token file permissions: %w", err)
		}
	})
	return s.initErr
}

// Load returns the stored record for (companyKey, realmID), or
// ErrTokenMissing when no row exists.
func (s *Store) Load(ctx context.Context, companyKey, realmID string) (TokenRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT access_token, refresh_token, access_expires_at, updated_at, environment
		FROM qbo_tokens WHERE company_key = ? AND realm_id = ?`,
		companyKey, realmID)

	var rec TokenRecord
	var access sql.NullString
	var expiresAt, updatedAt sql.NullInt64
	var env sql.NullString
	err := row.Scan(&access, &rec.RefreshToken, &expiresAt, &updatedAt, &env)
	if errors.Is(err, sql.ErrNoRows) {
		return TokenRecord{}, fmt.Errorf("%w for %s (realm %s)", ErrTokenMissing, companyKey, realmID)
	}
	if err != nil {
		return TokenRecord{}, fmt.Errorf("failed to load tokens for %s: %w", companyKey, err)
	}

	rec.CompanyKey = companyKey
	rec.RealmID = realmID
	rec.AccessToken = access.String
	if expiresAt.Valid {
		rec.AccessExpiresAt = time.Unix(expiresAt.Int64, 0)
	}
	if updatedAt.Valid {
		rec.UpdatedAt = time.Unix(updatedAt.Int64, 0)
	}
	rec.Environment = env.String
	if rec.Environment == "" {
		rec.Environment = "production"
	}
	return rec, nil
}

// Key identifies one (company, realm) token pair.
type Key struct {
	CompanyKey string
	RealmID    string
}

// LoadBatch returns the stored records for all keys that exist. Missing keys
// are simply absent from the result.
func (s *Store) LoadBatch(ctx context.Context, keys []Key) (map[Key]TokenRecord, error) {
	out := make(map[Key]TokenRecord, len(keys))
	for _, k := range keys {
		rec, err := s.Load(ctx, k.CompanyKey, k.RealmID)
		if errors.Is(err, ErrTokenMissing) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[k] = rec
	}
	return out, nil
}

// Save upserts a record in a single transaction.
func (s *Store) Save(ctx context.Context, rec TokenRecord) error {
	env := rec.Environment
	if env == "" {
		env = "production"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin token write: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO qbo_tokens
		(company_key, realm_id, access_token, refresh_token, access_expires_at, updated_at, environment)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.CompanyKey, rec.RealmID, rec.AccessToken, rec.RefreshToken,
		rec.AccessExpiresAt.Unix(), time.Now().Unix(), env)
	if err != nil {
		return fmt.Errorf("failed to save tokens for %s: %w", rec.CompanyKey, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit token write: %w", err)
	}
	return nil
}

// StoreFromOAuth persists tokens obtained from the interactive OAuth flow.
func (s *Store) StoreFromOAuth(ctx context.Context, companyKey, realmID, accessToken, refreshToken string, expiresIn int, environment string) error {
	return s.Save(ctx, TokenRecord{
		CompanyKey:      companyKey,
		RealmID:         realmID,
		AccessToken:     accessToken,
		RefreshToken:    refreshToken,
		AccessExpiresAt: time.Now().Add(time.Duration(expiresIn) * time.Second),
		Environment:     environment,
	})
}

// VerifyRealmMatch confirms the stored realm for companyKey matches the
// configured one. Guards against cross-posting documents into the wrong
// company.
func (s *Store) VerifyRealmMatch(ctx context.Context, companyKey, expectedRealmID string) error {
	row := s.db.QueryRowContext(ctx,
		`SELECT realm_id FROM qbo_tokens WHERE company_key = ?`, companyKey)

	var stored string
	err := row.Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w for %s", ErrTokenMissing, companyKey)
	}
	if err != nil {
		return fmt.Errorf("failed to verify realm for %s: %w", companyKey, err)
	}
	if stored != expectedRealmID {
		return fmt.Errorf("realm mismatch for %s: stored %s, configured %s", companyKey, stored, expectedRealmID)
	}
	return nil
}
