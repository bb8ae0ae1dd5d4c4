package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionConfig_Defaults(t *testing.T) {
	t.Setenv("PORTAL_JWT_SECRET", "test-secret")
	t.Setenv("PORTAL_SESSION_HOURS", "")

	cfg, err := NewSessionConfig()
	require.NoError(t, err)
	assert.Equal(t, "test-secret", cfg.Secret)
	assert.Equal(t, 12, cfg.ExpirationHours)
	assert.Equal(t, "oiat_session", cfg.CookieName)
	assert.Equal(t, 12*time.Hour, cfg.TTL())
}

func TestNewSessionConfig_CustomHours(t *testing.T) {
	t.Setenv("PORTAL_JWT_SECRET", "test-secret")
	t.Setenv("PORTAL_SESSION_HOURS", "48")

	cfg, err := NewSessionConfig()
	require.NoError(t, err)
	assert.Equal(t, 48, cfg.ExpirationHours)
}

func TestNewSessionConfig_MissingSecret(t *testing.T) {
	t.Setenv("PORTAL_JWT_SECRET", "")

	cfg, err := NewSessionConfig()
	assert.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "PORTAL_JWT_SECRET")
}

func TestNewSessionConfig_InvalidHours(t *testing.T) {
	tests := []struct {
		name  string
		hours string
	}{
		{"not a number", "abc"},
		{"zero", "0"},
		{"negative", "-3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("PORTAL_JWT_SECRET", "s")
			t.Setenv("PORTAL_SESSION_HOURS", tt.hours)

			cfg, err := NewSessionConfig()
			assert.Error(t, err)
			assert.Nil(t, cfg)
		})
	}
}
