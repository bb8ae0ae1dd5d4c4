// Package main provides the oiat command line interface: pipeline runs,
// the dispatcher worker, the operator API server, and OAuth bootstrap.
package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/oreva/oiat/internal/runlock"
)

// Exit codes reported to the dispatcher.
const (
	exitOK      = 0
	exitFailure = 1
	exitLocked  = 2
	exitSpawn   = 3
)

// exitError carries a specific process exit code through cobra's RunE.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitWith(code int, err error) error {
	return &exitError{code: code, err: err}
}

var rootCmd = &cobra.Command{
	Use:           "oiat",
	Short:         "EPOS to QuickBooks bookkeeping automation",
	Long:          "oiat downloads daily POS exports, normalizes them into bookkeeping documents, and uploads them to QuickBooks Online for every configured company.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		os.Exit(exitFailure)
	}
}

func baseDir() string {
	if v := os.Getenv("OIAT_BASE_DIR"); v != "" {
		return v
	}
	return "."
}

func companiesDir() string {
	if v := os.Getenv("OIAT_COMPANIES_DIR"); v != "" {
		return v
	}
	return filepath.Join(baseDir(), "companies")
}

func tokensDBPath() string {
	if v := os.Getenv("OIAT_TOKENS_DB"); v != "" {
		return v
	}
	return filepath.Join(baseDir(), "runtime", "tokens.db")
}

func databaseURL() string {
	return os.Getenv("OIAT_DATABASE_URL")
}

// staleThreshold is how long a dead run may hold the lock before it is
// reaped. Overridable via OIAT_STALE_THRESHOLD (Go duration syntax).
func staleThreshold() time.Duration {
	if v := os.Getenv("OIAT_STALE_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			return d
		}
	}
	return runlock.DefaultStaleThreshold
}

func newRunLock() *runlock.Lock {
	return runlock.NewWithThreshold(filepath.Join(baseDir(), runlock.DefaultPath), staleThreshold())
}
