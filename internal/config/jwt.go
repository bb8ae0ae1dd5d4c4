package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// SessionConfig holds settings for portal session tokens.
type SessionConfig struct {
	Secret          string
	ExpirationHours int
	CookieName      string
}

// NewSessionConfig creates session settings from environment variables.
// It reads PORTAL_JWT_SECRET (required) and PORTAL_SESSION_HOURS (default: 12).
func NewSessionConfig() (*SessionConfig, error) {
	secret := os.Getenv("PORTAL_JWT_SECRET")
	if secret == "" {
		return nil, fmt.Errorf("PORTAL_JWT_SECRET is required but not set")
	}

	hoursStr := os.Getenv("PORTAL_SESSION_HOURS")
	if hoursStr == "" {
		hoursStr = "12"
	}

	hours, err := strconv.Atoi(hoursStr)
	if err != nil {
		return nil, fmt.Errorf("invalid PORTAL_SESSION_HOURS: %v", err)
	}
	if hours < 1 {
		return nil, fmt.Errorf("PORTAL_SESSION_HOURS must be at least 1 hour, got: %d", hours)
	}

	return &SessionConfig{
		Secret:          secret,
		ExpirationHours: hours,
		CookieName:      "oiat_session",
	}, nil
}

// TTL returns the session lifetime as a duration.
func (c *SessionConfig) TTL() time.Duration {
	return time.Duration(c.ExpirationHours) * time.Hour
}
