// Package schedule evaluates cron-driven run schedules, maintains the
// environment fallback schedule, and keeps the worker heartbeat fresh.
package schedule

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/oreva/oiat/internal/db"
)

const (
	// FallbackScheduleName is the system-managed schedule synthesized from
	// SCHEDULE_CRON / SCHEDULE_TZ for installations predating stored
	// schedules.
	FallbackScheduleName = "Legacy Env Fallback"

	defaultFallbackCron = "0 18 * * *"
	defaultPollSeconds  = 15

	// HeartbeatStaleMultiplier: the worker counts as down once its heartbeat
	// is older than this many poll intervals.
	HeartbeatStaleMultiplier = 3
)

// Store is the subset of database operations the worker needs.
type Store interface {
	ListRunSchedules(ctx context.Context) ([]db.RunSchedule, error)
	EnabledUserSchedules(ctx context.Context) ([]db.RunSchedule, error)
	GetRunScheduleByName(ctx context.Context, name string) (*db.RunSchedule, error)
	UpsertSystemSchedule(ctx context.Context, input db.RunScheduleInput) (*db.RunSchedule, error)
	SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	SetScheduleFire(ctx context.Context, id uuid.UUID, nextFireAt *time.Time, lastResult, lastError string) error
	AddScheduleEvent(ctx context.Context, scheduleID uuid.UUID, jobID *uuid.UUID, eventType, message string) error
	QueuedOrRunningForSchedule(ctx context.Context, scheduleID uuid.UUID) (bool, error)
	UpsertHeartbeat(ctx context.Context, hostname string, pid, pollSeconds int) error
}

// Jobs is the dispatcher surface the worker drives each cycle.
type Jobs interface {
	Enqueue(ctx context.Context, input db.RunJobInput) (*db.RunJob, error)
	Reconcile(ctx context.Context) error
	Drain(ctx context.Context) error
}

// Stats counts what one evaluation cycle did.
type Stats struct {
	Initialized      int
	Due              int
	Queued           int
	SkippedOverlap   int
	SkippedInvalid   int
	Errors           int
	FallbackEnabled  int
	FallbackDisabled int
}

// Worker runs the schedule evaluation loop.
type Worker struct {
	store      Store
	dispatcher Jobs
	poll       time.Duration
	now        func() time.Time
}

// NewWorker builds a worker polling at OIAT_SCHEDULER_POLL_SECONDS
// (default 15).
func NewWorker(store Store, dispatcher Jobs) *Worker {
	return &Worker{
		store:      store,
		dispatcher: dispatcher,
		poll:       time.Duration(envInt("OIAT_SCHEDULER_POLL_SECONDS", defaultPollSeconds, 1, 3600)) * time.Second,
		now:        time.Now,
	}
}

// Run evaluates immediately, then on every poll tick until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	log.Printf("[schedule] worker started, polling every %s", w.poll)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		if stats, err := w.Cycle(ctx); err != nil {
			log.Printf("[schedule] cycle failed: %v", err)
		} else if stats.Due > 0 || stats.Queued > 0 || stats.Errors > 0 {
			log.Printf("[schedule] cycle: %d due, %d queued, %d overlap, %d invalid, %d errors",
				stats.Due, stats.Queued, stats.SkippedOverlap, stats.SkippedInvalid, stats.Errors)
		}

		select {
		case <-ctx.Done():
			log.Printf("[schedule] worker stopping: %v", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle performs one evaluation pass: reap dead jobs, maintain the fallback
// schedule, fire due schedules, drain the queue, refresh the heartbeat.
func (w *Worker) Cycle(ctx context.Context) (Stats, error) {
	var stats Stats
	now := w.now().UTC()

	if err := w.dispatcher.Reconcile(ctx); err != nil {
		log.Printf("[schedule] reconcile failed: %v", err)
		stats.Errors++
	}

	if err := w.maintainFallback(ctx, &stats); err != nil {
		log.Printf("[schedule] fallback maintenance failed: %v", err)
		stats.Errors++
	}

	schedules, err := w.store.ListRunSchedules(ctx)
	if err != nil {
		return stats, err
	}

	for i := range schedules {
		sched := &schedules[i]
		if !sched.Enabled {
			continue
		}
		if sched.NextFireAt == nil {
			w.initializeFire(ctx, sched, now, &stats)
			continue
		}
		if now.Before(*sched.NextFireAt) {
			continue
		}
		stats.Due++
		w.fire(ctx, sched, now, &stats)
	}

	if stats.Queued > 0 {
		if err := w.dispatcher.Drain(ctx); err != nil {
			log.Printf("[schedule] drain failed: %v", err)
			stats.Errors++
		}
	}

	hostname, _ := os.Hostname()
	if err := w.store.UpsertHeartbeat(ctx, hostname, os.Getpid(), int(w.poll/time.Second)); err != nil {
		log.Printf("[schedule] heartbeat failed: %v", err)
		stats.Errors++
	}
	return stats, nil
}

// initializeFire computes the first fire instant for a schedule that has
// never been evaluated.
func (w *Worker) initializeFire(ctx context.Context, sched *db.RunSchedule, now time.Time, stats *Stats) {
	next, err := nextFire(sched, now)
	if err != nil {
		stats.SkippedInvalid++
		w.markInvalid(ctx, sched, err)
		return
	}
	if err := w.store.SetScheduleFire(ctx, sched.ID, &next, sched.LastResult, ""); err != nil {
		log.Printf("[schedule] failed to initialize %q: %v", sched.Name, err)
		stats.Errors++
		return
	}
	stats.Initialized++
}

// fire advances the schedule's next fire instant and enqueues a run unless
// the schedule is invalid or already has an unfinished job.
func (w *Worker) fire(ctx context.Context, sched *db.RunSchedule, now time.Time, stats *Stats) {
	next, err := nextFire(sched, now)
	if err != nil {
		stats.SkippedInvalid++
		w.markInvalid(ctx, sched, err)
		return
	}

	if sched.Scope == db.ScopeSingleCompany && sched.CompanyKey == "" {
		stats.SkippedInvalid++
		msg := "single-company schedule is missing company key"
		if err := w.store.SetScheduleFire(ctx, sched.ID, &next, db.EventSkippedInvalid, msg); err != nil {
			log.Printf("[schedule] failed to record invalid fire for %q: %v", sched.Name, err)
		}
		_ = w.store.AddScheduleEvent(ctx, sched.ID, nil, db.EventSkippedInvalid, msg)
		return
	}

	busy, err := w.store.QueuedOrRunningForSchedule(ctx, sched.ID)
	if err != nil {
		stats.Errors++
		log.Printf("[schedule] overlap check failed for %q: %v", sched.Name, err)
		return
	}
	if busy {
		stats.SkippedOverlap++
		if err := w.store.SetScheduleFire(ctx, sched.ID, &next, db.EventSkippedOverlap, ""); err != nil {
			log.Printf("[schedule] failed to record overlap for %q: %v", sched.Name, err)
		}
		_ = w.store.AddScheduleEvent(ctx, sched.ID, nil, db.EventSkippedOverlap,
			"skipped: schedule already has a queued or running job")
		return
	}

	job, err := w.dispatcher.Enqueue(ctx, jobInput(sched, now))
	if err != nil {
		stats.Errors++
		log.Printf("[schedule] failed to enqueue for %q: %v", sched.Name, err)
		_ = w.store.AddScheduleEvent(ctx, sched.ID, nil, db.EventError, fmt.Sprintf("failed to enqueue run: %v", err))
		return
	}
	stats.Queued++
	if err := w.store.SetScheduleFire(ctx, sched.ID, &next, db.EventQueued, ""); err != nil {
		log.Printf("[schedule] failed to record fire for %q: %v", sched.Name, err)
	}
	_ = w.store.AddScheduleEvent(ctx, sched.ID, &job.ID, db.EventQueued,
		fmt.Sprintf("run queued for %s", job.TargetDate))
	log.Printf("[schedule] %q fired, queued job %s for %s", sched.Name, job.ID, job.TargetDate)
}

func (w *Worker) markInvalid(ctx context.Context, sched *db.RunSchedule, cause error) {
	if err := w.store.SetScheduleFire(ctx, sched.ID, nil, db.EventSkippedInvalid, cause.Error()); err != nil {
		log.Printf("[schedule] failed to record invalid schedule %q: %v", sched.Name, err)
	}
	_ = w.store.AddScheduleEvent(ctx, sched.ID, nil, db.EventSkippedInvalid, cause.Error())
}

// jobInput derives the run request a firing schedule enqueues. Single-company
// schedules never run parallel.
func jobInput(sched *db.RunSchedule, now time.Time) db.RunJobInput {
	input := db.RunJobInput{
		Scope:          sched.Scope,
		CompanyKey:     sched.CompanyKey,
		TargetDate:     TargetTradingDate(now),
		RequestedBy:    "scheduler",
		CommandDisplay: "schedule:" + sched.Name,
		ScheduleID:     &sched.ID,
	}
	if sched.Scope == db.ScopeAllCompanies {
		input.Parallel = sched.Parallel
		input.StaggerSeconds = sched.StaggerSeconds
		input.ContinueOnFailure = sched.ContinueOnFailure
	}
	return input
}

func nextFire(sched *db.RunSchedule, from time.Time) (time.Time, error) {
	cron, err := ParseCron(sched.CronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return cron.NextInZone(from, sched.TimezoneName)
}

// maintainFallback keeps the env-derived fallback schedule in step: enabled
// while no user schedule is, disabled as soon as one appears.
func (w *Worker) maintainFallback(ctx context.Context, stats *Stats) error {
	fallback, err := w.store.GetRunScheduleByName(ctx, FallbackScheduleName)
	if err != nil {
		return err
	}

	if !envFallbackAllowed() {
		if fallback != nil && fallback.Enabled {
			if err := w.store.SetScheduleEnabled(ctx, fallback.ID, false); err != nil {
				return err
			}
			stats.FallbackDisabled++
			_ = w.store.AddScheduleEvent(ctx, fallback.ID, nil, db.EventFallbackDisabled,
				"environment fallback is disabled by configuration")
		}
		return nil
	}

	userSchedules, err := w.store.EnabledUserSchedules(ctx)
	if err != nil {
		return err
	}

	if len(userSchedules) > 0 {
		if fallback != nil && fallback.Enabled {
			if err := w.store.SetScheduleEnabled(ctx, fallback.ID, false); err != nil {
				return err
			}
			stats.FallbackDisabled++
			_ = w.store.AddScheduleEvent(ctx, fallback.ID, nil, db.EventFallbackDisabled,
				"a user schedule is enabled; fallback suspended")
		}
		return nil
	}

	wasEnabled := fallback != nil && fallback.Enabled
	cronExpr := os.Getenv("SCHEDULE_CRON")
	if cronExpr == "" {
		cronExpr = defaultFallbackCron
	}
	timezoneName := os.Getenv("SCHEDULE_TZ")
	if timezoneName == "" {
		timezoneName = BusinessTimezone().String()
	}

	upserted, err := w.store.UpsertSystemSchedule(ctx, db.RunScheduleInput{
		Name:            FallbackScheduleName,
		Scope:           db.ScopeAllCompanies,
		CronExpr:        cronExpr,
		TimezoneName:    timezoneName,
		Enabled:         true,
		IsSystemManaged: true,
		Parallel:        true,
		StaggerSeconds:  2,
	})
	if err != nil {
		return err
	}
	if !wasEnabled {
		stats.FallbackEnabled++
		_ = w.store.AddScheduleEvent(ctx, upserted.ID, nil, db.EventFallbackEnabled,
			fmt.Sprintf("no user schedules enabled; firing %q in %s", cronExpr, timezoneName))
	}
	return nil
}

func envFallbackAllowed() bool {
	switch os.Getenv("OIAT_SCHEDULER_ENABLE_ENV_FALLBACK") {
	case "0", "false", "no", "off":
		return false
	}
	return true
}
