// Package dispatch drains the run-job queue one job at a time under the
// global run lock, spawning the pipeline as a subprocess and reaping jobs
// whose process died without reporting back.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/oreva/oiat/internal/db"
	"github.com/oreva/oiat/internal/runlock"
)

// Status is the outcome of one DispatchNext call.
type Status string

const (
	// StatusStarted means a job was claimed and its process launched.
	StatusStarted Status = "started"
	// StatusQueued means the oldest job stays queued because the lock is held.
	StatusQueued Status = "queued"
	// StatusEmpty means the queue has no queued jobs.
	StatusEmpty Status = "empty"
	// StatusStartFailed means spawning kept failing and the dispatcher gave up.
	StatusStartFailed Status = "start_failed"
)

// maxConsecutiveStartFailures bounds the advance-and-retry loop when the
// pipeline binary cannot be launched.
const maxConsecutiveStartFailures = 5

// reapReason is recorded on jobs whose process disappeared.
const reapReason = "reaped stale PID"

// Store is the subset of database operations the dispatcher needs.
type Store interface {
	CreateRunJob(ctx context.Context, input db.RunJobInput) (*db.RunJob, error)
	GetRunJob(ctx context.Context, id uuid.UUID) (*db.RunJob, error)
	OldestQueued(ctx context.Context) (*db.RunJob, error)
	ClaimJob(ctx context.Context, jobID uuid.UUID, holder string) (bool, error)
	UpdateJobPID(ctx context.Context, jobID uuid.UUID, pid int, logPath string) error
	FinishJob(ctx context.Context, jobID uuid.UUID, status string, exitCode int, failureReason string) error
	CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error)
	RunningJobs(ctx context.Context) ([]db.RunJob, error)
	LockHolder(ctx context.Context) (*db.RunJob, string, error)
	ReleaseLock(ctx context.Context) error
}

// spawnFunc launches the pipeline process for a job. It returns the PID and
// a wait function that blocks until exit and yields the exit code.
type spawnFunc func(job *db.RunJob, logPath string) (int, func() int, error)

// Dispatcher serializes pipeline runs on one host.
type Dispatcher struct {
	store  Store
	lock   *runlock.Lock
	logDir string
	holder string

	spawn      spawnFunc
	pidAlive   func(pid int) bool
	staleAfter time.Duration
	now        func() time.Time

	startFailures int
}

// New builds a dispatcher that re-invokes binary with `run` / `run-all`
// arguments derived from each job. Logs land under logDir.
func New(store Store, lock *runlock.Lock, binary, logDir string) *Dispatcher {
	hostname, _ := os.Hostname()
	return &Dispatcher{
		store:      store,
		lock:       lock,
		logDir:     logDir,
		holder:     fmt.Sprintf("%s:%d", hostname, os.Getpid()),
		spawn:      subprocessSpawner(binary),
		pidAlive:   runlock.PIDAlive,
		staleAfter: lock.StaleThreshold(),
		now:        time.Now,
	}
}

// Enqueue inserts a queued job and returns it.
func (d *Dispatcher) Enqueue(ctx context.Context, input db.RunJobInput) (*db.RunJob, error) {
	if input.CommandDisplay == "" {
		input.CommandDisplay = commandDisplay(input)
	}
	job, err := d.store.CreateRunJob(ctx, input)
	if err != nil {
		return nil, err
	}
	log.Printf("[dispatch] queued job %s (%s)", job.ID, job.CommandDisplay)
	return job, nil
}

// DispatchNext claims the oldest queued job and launches it. Spawn failures
// mark the job failed and advance to the next one, bounded by the
// consecutive-failure cap.
func (d *Dispatcher) DispatchNext(ctx context.Context) (*db.RunJob, Status, error) {
	for {
		job, err := d.store.OldestQueued(ctx)
		if err != nil {
			return nil, StatusEmpty, err
		}
		if job == nil {
			d.startFailures = 0
			return nil, StatusEmpty, nil
		}

		claimed, err := d.store.ClaimJob(ctx, job.ID, d.holder)
		if err != nil {
			return nil, StatusQueued, err
		}
		if !claimed {
			return job, StatusQueued, nil
		}

		logPath := filepath.Join(d.logDir, fmt.Sprintf("job-%s.log", job.ID))
		pid, wait, err := d.spawn(job, logPath)
		if err != nil {
			d.startFailures++
			log.Printf("[dispatch] failed to start job %s: %v (consecutive failure %d)", job.ID, err, d.startFailures)
			reason := fmt.Sprintf("failed to start pipeline process: %v", err)
			if ferr := d.store.FinishJob(ctx, job.ID, db.JobStatusFailed, 3, reason); ferr != nil {
				return job, StatusStartFailed, ferr
			}
			if d.startFailures >= maxConsecutiveStartFailures {
				d.startFailures = 0
				return job, StatusStartFailed, nil
			}
			continue
		}
		d.startFailures = 0

		if err := d.store.UpdateJobPID(ctx, job.ID, pid, logPath); err != nil {
			return job, StatusStarted, err
		}
		log.Printf("[dispatch] started job %s (pid %d, log %s)", job.ID, pid, logPath)

		go d.monitor(job.ID, pid, wait)
		return job, StatusStarted, nil
	}
}

// monitor waits for the process to exit and records the terminal status.
// A non-zero exit with the cancel flag set counts as cancelled.
func (d *Dispatcher) monitor(jobID uuid.UUID, pid int, wait func() int) {
	code := wait()
	ctx := context.Background()

	status := db.JobStatusSucceeded
	reason := ""
	if code != 0 {
		status = db.JobStatusFailed
		reason = fmt.Sprintf("pipeline process exited with code %d", code)
		if cancelled, err := d.store.CancelRequested(ctx, jobID); err == nil && cancelled {
			status = db.JobStatusCancelled
			reason = "cancelled by operator"
		}
	}

	if err := d.store.FinishJob(ctx, jobID, status, code, reason); err != nil {
		log.Printf("[dispatch] failed to record exit of job %s (pid %d): %v", jobID, pid, err)
		return
	}
	log.Printf("[dispatch] job %s finished: %s (exit %d)", jobID, status, code)
}

// Reconcile marks running jobs whose PID is gone as failed and releases
// both locks they may still hold. Called on a timer and at process start.
// A job is only reaped once it has been running longer than the stale
// threshold, so a recycled PID cannot kill a fresh run.
func (d *Dispatcher) Reconcile(ctx context.Context) error {
	running, err := d.store.RunningJobs(ctx)
	if err != nil {
		return err
	}

	for _, job := range running {
		if job.PID != nil && d.pidAlive(*job.PID) {
			continue
		}
		// StartedAt is absent when the claim won but the PID was never
		// recorded; fall back to the dispatch time.
		observed := job.StartedAt
		if observed == nil {
			observed = job.DispatchedAt
		}
		if observed == nil || d.now().Sub(*observed) < d.staleAfter {
			continue
		}
		log.Printf("[dispatch] reaping job %s: process is gone", job.ID)
		if err := d.store.FinishJob(ctx, job.ID, db.JobStatusFailed, -1, reapReason); err != nil {
			return err
		}
	}

	if reaped, err := d.lock.ReapIfStale(); err != nil {
		return err
	} else if reaped != 0 {
		log.Printf("[dispatch] cleared stale filesystem lock held by pid %d", reaped)
	}

	// A lock row whose job is already terminal can only be left by a crash
	// between the job update and the lock delete of an older build; clear it.
	lockJob, holder, err := d.store.LockHolder(ctx)
	if err != nil {
		return err
	}
	if holder != "" && (lockJob == nil || lockJob.Terminal()) {
		log.Printf("[dispatch] releasing orphaned lock row held by %s", holder)
		if err := d.store.ReleaseLock(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Drain dispatches until the queue is empty or blocked.
func (d *Dispatcher) Drain(ctx context.Context) error {
	for {
		_, status, err := d.DispatchNext(ctx)
		if err != nil {
			return err
		}
		if status != StatusStarted {
			return nil
		}
	}
}

// jobArgs rebuilds the CLI invocation for a job.
func jobArgs(input db.RunJobInput) []string {
	var args []string
	if input.Scope == db.ScopeAllCompanies {
		args = append(args, "run-all")
	} else {
		args = append(args, "run", "--tenant", input.CompanyKey)
	}
	if input.FromDate != "" && input.ToDate != "" {
		args = append(args, "--from", input.FromDate, "--to", input.ToDate)
	} else if input.TargetDate != "" {
		args = append(args, "--date", input.TargetDate)
	}
	if input.SkipDownload {
		args = append(args, "--skip-download")
	}
	if input.Scope == db.ScopeAllCompanies {
		if input.Parallel {
			args = append(args, "--parallel")
		}
		if input.StaggerSeconds > 0 {
			args = append(args, "--stagger-seconds", strconv.Itoa(input.StaggerSeconds))
		}
		if input.ContinueOnFailure {
			args = append(args, "--continue-on-failure")
		}
	}
	return args
}

func commandDisplay(input db.RunJobInput) string {
	display := "oiat"
	for _, a := range jobArgs(input) {
		display += " " + a
	}
	return display
}

// subprocessSpawner launches binary with the job's arguments, appending
// stdout and stderr to the job log file.
func subprocessSpawner(binary string) spawnFunc {
	return func(job *db.RunJob, logPath string) (int, func() int, error) {
		if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
			return 0, nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return 0, nil, fmt.Errorf("failed to open job log %s: %w", logPath, err)
		}

		input := db.RunJobInput{
			Scope: job.Scope, CompanyKey: job.CompanyKey,
			TargetDate: job.TargetDate, FromDate: job.FromDate, ToDate: job.ToDate,
			SkipDownload: job.SkipDownload, Parallel: job.Parallel,
			StaggerSeconds: job.StaggerSeconds, ContinueOnFailure: job.ContinueOnFailure,
		}
		cmd := exec.Command(binary, jobArgs(input)...)
		cmd.Stdout = logFile
		cmd.Stderr = logFile
		cmd.Env = append(os.Environ(), "OIAT_JOB_ID="+job.ID.String())

		if err := cmd.Start(); err != nil {
			logFile.Close()
			return 0, nil, err
		}

		wait := func() int {
			defer logFile.Close()
			err := cmd.Wait()
			if err == nil {
				return 0
			}
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				return exitErr.ExitCode()
			}
			return 1
		}
		return cmd.Process.Pid, wait, nil
	}
}
