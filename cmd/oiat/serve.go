package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/oreva/oiat/internal/db"
	"github.com/oreva/oiat/internal/server"
)

var serveCommand = &cobra.Command{
	Use:   "serve",
	Short: "Start the operator API server",
	Long: `Serves the portal API: sessions, run triggering and cancellation,
live log tailing, schedule and company management, and health reporting.`,
	RunE: serve,
}

var servePort string

func init() {
	serveCommand.Flags().StringVar(&servePort, "port", "", "Listen port (default: OIAT_PORT or 8080)")
	rootCmd.AddCommand(serveCommand)
}

func serve(cmd *cobra.Command, args []string) error {
	port := servePort
	if port == "" {
		port = os.Getenv("OIAT_PORT")
	}
	if port == "" {
		port = "8080"
	}
	secret := os.Getenv("OIAT_SESSION_SECRET")
	if secret == "" {
		return fmt.Errorf("OIAT_SESSION_SECRET environment variable is not set")
	}
	if databaseURL() == "" {
		return fmt.Errorf("OIAT_DATABASE_URL environment variable is not set")
	}

	ctx := context.Background()
	store, err := db.Connect(ctx, databaseURL())
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}

	srv := server.New(server.Config{
		Port:          port,
		SessionSecret: secret,
		LogDir:        filepath.Join(baseDir(), "logs"),
	}, store)
	return srv.Start()
}
