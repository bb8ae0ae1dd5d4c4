package tokens

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "qbo_tokens.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_SaveAndLoad(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	rec := TokenRecord{
		CompanyKey:      "company_a",
		RealmID:         "9341453908931234",
		AccessToken:     "access-1",
		RefreshToken:    "refresh-1",
		AccessExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second),
	}
	require.NoError(t, s.Save(ctx, rec))

	got, err := s.Load(ctx, "company_a", "9341453908931234")
	require.NoError(t, err)
	assert.Equal(t, "access-1", got.AccessToken)
	assert.Equal(t, "refresh-1", got.RefreshToken)
	assert.Equal(t, "production", got.Environment)
	assert.WithinDuration(t, rec.AccessExpiresAt, got.AccessExpiresAt, time.Second)
}

func TestStore_LoadMissing(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Load(context.Background(), "company_a", "1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTokenMissing)
}

func TestStore_SaveReplacesExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := TokenRecord{CompanyKey: "company_a", RealmID: "1", AccessToken: "old", RefreshToken: "r1",
		AccessExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, s.Save(ctx, first))

	first.AccessToken = "new"
	first.RefreshToken = "r2"
	require.NoError(t, s.Save(ctx, first))

	got, err := s.Load(ctx, "company_a", "1")
	require.NoError(t, err)
	assert.Equal(t, "new", got.AccessToken)
	assert.Equal(t, "r2", got.RefreshToken)
}

func TestStore_FilePermissions(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix permissions only")
	}
	path := filepath.Join(t.TempDir(), "qbo_tokens.sqlite")
	s, err := Open(path)
	require.NoError(t, err)
	defer s.Close()

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStore_LoadBatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, TokenRecord{CompanyKey: "company_a", RealmID: "1", RefreshToken: "ra",
		AccessToken: "aa", AccessExpiresAt: time.Now().Add(time.Hour)}))
	require.NoError(t, s.Save(ctx, TokenRecord{CompanyKey: "company_b", RealmID: "2", RefreshToken: "rb",
		AccessToken: "ab", AccessExpiresAt: time.Now().Add(time.Hour)}))

	got, err := s.LoadBatch(ctx, []Key{
		{"company_a", "1"},
		{"company_b", "2"},
		{"company_c", "3"},
	})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "aa", got[Key{"company_a", "1"}].AccessToken)
	assert.Equal(t, "ab", got[Key{"company_b", "2"}].AccessToken)
	assert.NotContains(t, got, Key{"company_c", "3"})
}

func TestStore_StoreFromOAuth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.StoreFromOAuth(ctx, "company_a", "1", "acc", "ref", 3600, "sandbox"))

	got, err := s.Load(ctx, "company_a", "1")
	require.NoError(t, err)
	assert.Equal(t, "sandbox", got.Environment)
	assert.True(t, got.Valid(time.Now()))
}

func TestStore_VerifyRealmMatch(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, TokenRecord{CompanyKey: "company_a", RealmID: "111", RefreshToken: "r",
		AccessExpiresAt: time.Now()}))

	assert.NoError(t, s.VerifyRealmMatch(ctx, "company_a", "111"))

	err := s.VerifyRealmMatch(ctx, "company_a", "222")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "realm mismatch")

	err = s.VerifyRealmMatch(ctx, "company_b", "111")
	assert.ErrorIs(t, err, ErrTokenMissing)
}

func TestTokenRecord_Valid(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name string
		rec  TokenRecord
		want bool
	}{
		{"fresh token", TokenRecord{AccessToken: "a", AccessExpiresAt: now.Add(time.Hour)}, true},
		{"inside safety margin", TokenRecord{AccessToken: "a", AccessExpiresAt: now.Add(30 * time.Second)}, false},
		{"expired", TokenRecord{AccessToken: "a", AccessExpiresAt: now.Add(-time.Minute)}, false},
		{"no access token", TokenRecord{AccessExpiresAt: now.Add(time.Hour)}, false},
		{"no expiry", TokenRecord{AccessToken: "a"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Valid(now))
		})
	}
}
