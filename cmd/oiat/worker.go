package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oreva/oiat/internal/db"
	"github.com/oreva/oiat/internal/dispatch"
	"github.com/oreva/oiat/internal/schedule"
)

var workerCommand = &cobra.Command{
	Use:   "worker",
	Short: "Run the schedule worker and job dispatcher",
	Long: `Polls stored schedules, enqueues due runs, and dispatches queued
jobs one at a time by re-invoking this binary as a subprocess. Refreshes a
heartbeat row so the portal can report worker liveness.`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCommand)
}

func runWorker(cmd *cobra.Command, args []string) error {
	if databaseURL() == "" {
		return fmt.Errorf("OIAT_DATABASE_URL environment variable is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Connect(ctx, databaseURL())
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	binary, err := os.Executable()
	if err != nil {
		return exitWith(exitSpawn, fmt.Errorf("cannot locate own binary: %w", err))
	}

	lock := newRunLock()
	dispatcher := dispatch.New(store, lock, binary, filepath.Join(baseDir(), "logs"))
	worker := schedule.NewWorker(store, dispatcher)
	return worker.Run(ctx)
}
