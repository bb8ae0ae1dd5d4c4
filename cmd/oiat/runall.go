package main

import (
	"fmt"
	"log"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/oreva/oiat/internal/config"
)

var runAllCommand = &cobra.Command{
	Use:   "run-all",
	Short: "Process every configured company for a date or date range",
	Long: `Runs each configured company in turn by re-invoking "oiat run" as a
subprocess, so per-company failures are isolated and each run's exit code is
observable. Stops at the first failure unless --continue-on-failure is set.`,
	RunE: runAll,
}

var (
	runAllTenants           string
	runAllDate              string
	runAllFrom              string
	runAllTo                string
	runAllSkipDownload      bool
	runAllParallel          bool
	runAllStaggerSeconds    int
	runAllContinueOnFailure bool
)

func init() {
	runAllCommand.Flags().StringVar(&runAllTenants, "tenants", "", "Comma-separated company keys (default: every configured company)")
	runAllCommand.Flags().StringVar(&runAllDate, "date", "", "Single target date YYYY-MM-DD")
	runAllCommand.Flags().StringVar(&runAllFrom, "from", "", "Range start date YYYY-MM-DD")
	runAllCommand.Flags().StringVar(&runAllTo, "to", "", "Range end date YYYY-MM-DD")
	runAllCommand.Flags().BoolVar(&runAllSkipDownload, "skip-download", false, "Reuse staged split files instead of downloading")
	runAllCommand.Flags().BoolVar(&runAllParallel, "parallel", false, "Run companies concurrently instead of sequentially")
	runAllCommand.Flags().IntVar(&runAllStaggerSeconds, "stagger-seconds", 0, "Delay between company starts")
	runAllCommand.Flags().BoolVar(&runAllContinueOnFailure, "continue-on-failure", false, "Keep going after a company fails")
	rootCmd.AddCommand(runAllCommand)
}

func runAll(cmd *cobra.Command, args []string) error {
	if runAllDate != "" && (runAllFrom != "" || runAllTo != "") {
		return exitWith(exitLocked, fmt.Errorf("--date and --from/--to are mutually exclusive"))
	}
	if runAllDate == "" && runAllFrom == "" {
		return exitWith(exitLocked, fmt.Errorf("one of --date or --from is required"))
	}

	keys := config.AvailableCompanies(companiesDir())
	if runAllTenants != "" {
		keys = strings.Split(runAllTenants, ",")
		for i := range keys {
			keys[i] = strings.TrimSpace(keys[i])
		}
	}
	if len(keys) == 0 {
		return fmt.Errorf("no companies configured in %s", companiesDir())
	}

	binary, err := os.Executable()
	if err != nil {
		return exitWith(exitSpawn, fmt.Errorf("cannot locate own binary: %w", err))
	}

	lock := newRunLock()
	if reaped, err := lock.ReapIfStale(); err == nil && reaped > 0 {
		log.Printf("[run-all] reaped stale lock held by dead pid %d", reaped)
	}
	held, holder, err := lock.TryAcquire(os.Getpid())
	if err != nil {
		return err
	}
	if !held {
		return exitWith(exitLocked, fmt.Errorf("another run is in progress (pid %d)", holder))
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Printf("[run-all] failed to release run lock: %v", err)
		}
	}()

	if runAllParallel {
		return runAllParallelMode(binary, keys)
	}
	return runAllSequential(binary, keys)
}

func runAllSequential(binary string, keys []string) error {
	var failed []string
	for i, key := range keys {
		if i > 0 && runAllStaggerSeconds > 0 {
			time.Sleep(time.Duration(runAllStaggerSeconds) * time.Second)
		}
		log.Printf("[run-all] starting %s (%d/%d)", key, i+1, len(keys))
		if err := invokeRun(binary, key); err != nil {
			log.Printf("[run-all] %s failed: %v", key, err)
			if !runAllContinueOnFailure {
				return fmt.Errorf("run for %s failed: %w", key, err)
			}
			failed = append(failed, key)
		}
	}
	if len(failed) > 0 {
		return fmt.Errorf("runs failed for: %s", strings.Join(failed, ", "))
	}
	return nil
}

func runAllParallelMode(binary string, keys []string) error {
	var g errgroup.Group
	for i, key := range keys {
		delay := time.Duration(i*runAllStaggerSeconds) * time.Second
		g.Go(func() error {
			time.Sleep(delay)
			log.Printf("[run-all] starting %s", key)
			if err := invokeRun(binary, key); err != nil {
				log.Printf("[run-all] %s failed: %v", key, err)
				if !runAllContinueOnFailure {
					return fmt.Errorf("run for %s failed: %w", key, err)
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func invokeRun(binary, tenant string) error {
	args := []string{"run", "--tenant", tenant}
	if runAllDate != "" {
		args = append(args, "--date", runAllDate)
	} else {
		args = append(args, "--from", runAllFrom)
		if runAllTo != "" {
			args = append(args, "--to", runAllTo)
		}
	}
	if runAllSkipDownload {
		args = append(args, "--skip-download")
	}

	cmd := exec.Command(binary, args...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	// The parent already holds the global run lock for the whole batch.
	cmd.Env = append(os.Environ(), "OIAT_LOCK_HELD=1")
	return cmd.Run()
}
