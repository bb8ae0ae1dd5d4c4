package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oreva/oiat/internal/db"
	"github.com/oreva/oiat/internal/runlock"
)

// fakeStore keeps the job queue and lock row in memory.
type fakeStore struct {
	mu      sync.Mutex
	jobs    map[uuid.UUID]*db.RunJob
	order   []uuid.UUID
	holder  string
	lockJob uuid.UUID
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[uuid.UUID]*db.RunJob)}
}

func (s *fakeStore) CreateRunJob(ctx context.Context, input db.RunJobInput) (*db.RunJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := &db.RunJob{
		ID: uuid.New(), Scope: input.Scope, CompanyKey: input.CompanyKey,
		TargetDate: input.TargetDate, FromDate: input.FromDate, ToDate: input.ToDate,
		SkipDownload: input.SkipDownload, Parallel: input.Parallel,
		StaggerSeconds: input.StaggerSeconds, ContinueOnFailure: input.ContinueOnFailure,
		CommandDisplay: input.CommandDisplay, Status: db.JobStatusQueued,
		QueuedAt: time.Now(),
	}
	s.jobs[job.ID] = job
	s.order = append(s.order, job.ID)
	return job, nil
}

func (s *fakeStore) GetRunJob(ctx context.Context, id uuid.UUID) (*db.RunJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	copied := *job
	return &copied, nil
}

func (s *fakeStore) OldestQueued(ctx context.Context) (*db.RunJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		if s.jobs[id].Status == db.JobStatusQueued {
			copied := *s.jobs[id]
			return &copied, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ClaimJob(ctx context.Context, jobID uuid.UUID, holder string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok || job.Status != db.JobStatusQueued {
		return false, nil
	}
	if s.holder != "" {
		return false, nil
	}
	job.Status = db.JobStatusRunning
	started := time.Now()
	job.StartedAt = &started
	s.holder = holder
	s.lockJob = jobID
	return true, nil
}

func (s *fakeStore) UpdateJobPID(ctx context.Context, jobID uuid.UUID, pid int, logPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[jobID].PID = &pid
	s.jobs[jobID].LogPath = logPath
	return nil
}

func (s *fakeStore) FinishJob(ctx context.Context, jobID uuid.UUID, status string, exitCode int, failureReason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[jobID]
	job.Status = status
	job.ExitCode = &exitCode
	job.FailureReason = failureReason
	if s.lockJob == jobID {
		s.holder = ""
		s.lockJob = uuid.Nil
	}
	return nil
}

func (s *fakeStore) CancelRequested(ctx context.Context, jobID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return false, nil
	}
	return job.CancelRequested, nil
}

func (s *fakeStore) RunningJobs(ctx context.Context) ([]db.RunJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var running []db.RunJob
	for _, id := range s.order {
		if s.jobs[id].Status == db.JobStatusRunning {
			running = append(running, *s.jobs[id])
		}
	}
	return running, nil
}

func (s *fakeStore) LockHolder(ctx context.Context) (*db.RunJob, string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.holder == "" {
		return nil, "", nil
	}
	job, ok := s.jobs[s.lockJob]
	if !ok {
		return nil, s.holder, nil
	}
	copied := *job
	return &copied, s.holder, nil
}

func (s *fakeStore) ReleaseLock(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holder = ""
	s.lockJob = uuid.Nil
	return nil
}

func newTestDispatcher(t *testing.T, store Store) *Dispatcher {
	lock := runlock.New(filepath.Join(t.TempDir(), "global_run.lock"))
	d := New(store, lock, "oiat", t.TempDir())
	d.pidAlive = func(pid int) bool { return true }
	return d
}

func TestDispatchNextStartsOldestJob(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(t, store)

	first, err := d.Enqueue(context.Background(), db.RunJobInput{
		Scope: db.ScopeSingleCompany, CompanyKey: "acme", TargetDate: "2025-12-27",
	})
	require.NoError(t, err)
	_, err = d.Enqueue(context.Background(), db.RunJobInput{
		Scope: db.ScopeSingleCompany, CompanyKey: "beta", TargetDate: "2025-12-27",
	})
	require.NoError(t, err)

	done := make(chan struct{})
	var spawnedJob *db.RunJob
	d.spawn = func(job *db.RunJob, logPath string) (int, func() int, error) {
		spawnedJob = job
		return 4242, func() int { <-done; return 0 }, nil
	}

	job, status, err := d.DispatchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, status)
	assert.Equal(t, first.ID, job.ID)
	assert.Equal(t, first.ID, spawnedJob.ID)

	got, _ := store.GetRunJob(context.Background(), first.ID)
	assert.Equal(t, db.JobStatusRunning, got.Status)
	require.NotNil(t, got.PID)
	assert.Equal(t, 4242, *got.PID)

	// The second job stays queued while the lock is held.
	job, status, err = d.DispatchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, status)
	require.NotNil(t, job)

	close(done)
	require.Eventually(t, func() bool {
		got, _ := store.GetRunJob(context.Background(), first.ID)
		return got.Status == db.JobStatusSucceeded
	}, time.Second, 10*time.Millisecond)
}

func TestDispatchNextEmptyQueue(t *testing.T) {
	d := newTestDispatcher(t, newFakeStore())

	job, status, err := d.DispatchNext(context.Background())
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.Equal(t, StatusEmpty, status)
}

func TestMonitorRecordsFailureExitCode(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(t, store)

	job, err := d.Enqueue(context.Background(), db.RunJobInput{Scope: db.ScopeAllCompanies})
	require.NoError(t, err)

	d.spawn = func(job *db.RunJob, logPath string) (int, func() int, error) {
		return 4242, func() int { return 1 }, nil
	}

	_, status, err := d.DispatchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, status)

	require.Eventually(t, func() bool {
		got, _ := store.GetRunJob(context.Background(), job.ID)
		return got.Status == db.JobStatusFailed
	}, time.Second, 10*time.Millisecond)
	got, _ := store.GetRunJob(context.Background(), job.ID)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)
}

func TestMonitorHonoursCancelFlag(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(t, store)

	job, err := d.Enqueue(context.Background(), db.RunJobInput{Scope: db.ScopeAllCompanies})
	require.NoError(t, err)

	release := make(chan struct{})
	d.spawn = func(job *db.RunJob, logPath string) (int, func() int, error) {
		return 4242, func() int { <-release; return 1 }, nil
	}

	_, _, err = d.DispatchNext(context.Background())
	require.NoError(t, err)

	store.mu.Lock()
	store.jobs[job.ID].CancelRequested = true
	store.mu.Unlock()
	close(release)

	require.Eventually(t, func() bool {
		got, _ := store.GetRunJob(context.Background(), job.ID)
		return got.Status == db.JobStatusCancelled
	}, time.Second, 10*time.Millisecond)
}

func TestSpawnFailureAdvancesWithCap(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(t, store)

	for i := 0; i < maxConsecutiveStartFailures+1; i++ {
		_, err := d.Enqueue(context.Background(), db.RunJobInput{
			Scope: db.ScopeSingleCompany, CompanyKey: fmt.Sprintf("tenant-%d", i),
		})
		require.NoError(t, err)
	}

	d.spawn = func(job *db.RunJob, logPath string) (int, func() int, error) {
		return 0, nil, errors.New("binary missing")
	}

	_, status, err := d.DispatchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusStartFailed, status)

	jobs, _ := store.RunningJobs(context.Background())
	assert.Empty(t, jobs)

	failed := 0
	store.mu.Lock()
	for _, job := range store.jobs {
		if job.Status == db.JobStatusFailed {
			failed++
			assert.Equal(t, 3, *job.ExitCode)
			assert.Contains(t, job.FailureReason, "failed to start")
		}
	}
	store.mu.Unlock()
	assert.Equal(t, maxConsecutiveStartFailures, failed)

	// The sixth job is still queued and dispatchable once spawning recovers.
	d.spawn = func(job *db.RunJob, logPath string) (int, func() int, error) {
		return 4242, func() int { return 0 }, nil
	}
	_, status, err = d.DispatchNext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusStarted, status)
}

func TestReconcileReapsDeadProcessPastThreshold(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(t, store)

	job, err := d.Enqueue(context.Background(), db.RunJobInput{Scope: db.ScopeAllCompanies})
	require.NoError(t, err)

	d.spawn = func(job *db.RunJob, logPath string) (int, func() int, error) {
		return 4242, func() int { select {} }, nil
	}
	_, _, err = d.DispatchNext(context.Background())
	require.NoError(t, err)

	// The process has been gone longer than the stale threshold.
	started := time.Now().Add(-runlock.DefaultStaleThreshold - time.Hour)
	store.mu.Lock()
	store.jobs[job.ID].StartedAt = &started
	store.mu.Unlock()

	d.pidAlive = func(pid int) bool { return false }
	require.NoError(t, d.Reconcile(context.Background()))

	got, _ := store.GetRunJob(context.Background(), job.ID)
	assert.Equal(t, db.JobStatusFailed, got.Status)
	assert.Equal(t, "reaped stale PID", got.FailureReason)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, -1, *got.ExitCode)

	_, holder, _ := store.LockHolder(context.Background())
	assert.Empty(t, holder)
}

func TestReconcileKeepsRecentDeadProcess(t *testing.T) {
	store := newFakeStore()
	d := newTestDispatcher(t, store)

	job, err := d.Enqueue(context.Background(), db.RunJobInput{Scope: db.ScopeAllCompanies})
	require.NoError(t, err)

	d.spawn = func(job *db.RunJob, logPath string) (int, func() int, error) {
		return 4242, func() int { select {} }, nil
	}
	_, _, err = d.DispatchNext(context.Background())
	require.NoError(t, err)

	d.pidAlive = func(pid int) bool { return false }
	require.NoError(t, d.Reconcile(context.Background()))

	got, _ := store.GetRunJob(context.Background(), job.ID)
	assert.Equal(t, db.JobStatusRunning, got.Status)
}

func TestReconcileClearsStaleFilesystemLock(t *testing.T) {
	store := newFakeStore()
	lockPath := filepath.Join(t.TempDir(), "global_run.lock")
	require.NoError(t, os.WriteFile(lockPath, []byte("999999\n"), 0o644))
	old := time.Now().Add(-runlock.DefaultStaleThreshold - time.Hour)
	require.NoError(t, os.Chtimes(lockPath, old, old))

	d := New(store, runlock.New(lockPath), "oiat", t.TempDir())
	d.pidAlive = func(pid int) bool { return false }

	require.NoError(t, d.Reconcile(context.Background()))
	_, err := os.Stat(lockPath)
	assert.True(t, os.IsNotExist(err))
}

func TestJobArgs(t *testing.T) {
	args := jobArgs(db.RunJobInput{
		Scope: db.ScopeSingleCompany, CompanyKey: "acme",
		TargetDate: "2025-12-27", SkipDownload: true,
	})
	assert.Equal(t, []string{"run", "--tenant", "acme", "--date", "2025-12-27", "--skip-download"}, args)

	args = jobArgs(db.RunJobInput{
		Scope: db.ScopeAllCompanies, FromDate: "2025-12-01", ToDate: "2025-12-05",
		Parallel: true, StaggerSeconds: 30, ContinueOnFailure: true,
	})
	assert.Equal(t, []string{
		"run-all", "--from", "2025-12-01", "--to", "2025-12-05",
		"--parallel", "--stagger-seconds", "30", "--continue-on-failure",
	}, args)
}
