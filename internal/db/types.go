package db

import (
	"time"

	"github.com/google/uuid"
)

// Run job statuses
const (
	JobStatusQueued    = "queued"
	JobStatusRunning   = "running"
	JobStatusSucceeded = "succeeded"
	JobStatusFailed    = "failed"
	JobStatusCancelled = "cancelled"
)

// Run job scopes
const (
	ScopeSingleCompany = "single_company"
	ScopeAllCompanies  = "all_companies"
)

// Schedule event types
const (
	EventQueued           = "queued"
	EventSkippedOverlap   = "skipped_overlap"
	EventSkippedInvalid   = "skipped_invalid"
	EventFallbackEnabled  = "fallback_enabled"
	EventFallbackDisabled = "fallback_disabled"
	EventError            = "error"
	EventToggled          = "toggled"
	EventManualRun        = "manual_run"
)

// Artifact reliability statuses, set by the reconciliation step
const (
	ReliabilityHigh    = "high"
	ReliabilityWarning = "warning"
)

// LockOwner is the single row key in run_lock; one run executes at a time
// across the whole installation.
const LockOwner = "global"

// RunJob is one queued or executed invocation of the pipeline.
type RunJob struct {
	ID                uuid.UUID `json:"id"`
	Scope             string    `json:"scope"`
	CompanyKey        string    `json:"company_key"`
	TargetDate        string    `json:"target_date"`
	FromDate          string    `json:"from_date"`
	ToDate            string    `json:"to_date"`
	SkipDownload      bool      `json:"skip_download"`
	Parallel          bool      `json:"parallel"`
	StaggerSeconds    int       `json:"stagger_seconds"`
	ContinueOnFailure bool      `json:"continue_on_failure"`
	CommandDisplay    string    `json:"command_display"`
	Status            string    `json:"status"`
	PID               *int      `json:"pid,omitempty"`
	ExitCode          *int      `json:"exit_code,omitempty"`
	LogPath           string    `json:"log_path"`
	RequestedBy       string    `json:"requested_by"`
	FailureReason     string    `json:"failure_reason,omitempty"`
	CancelRequested   bool      `json:"cancel_requested"`
	ScheduleID        *uuid.UUID `json:"schedule_id,omitempty"`
	QueuedAt          time.Time  `json:"queued_at"`
	DispatchedAt      *time.Time `json:"dispatched_at,omitempty"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// Terminal reports whether the job has reached a final status.
func (j *RunJob) Terminal() bool {
	switch j.Status {
	case JobStatusSucceeded, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// RunArtifact records the outcome of processing one (company, date) pair.
// The newest non-superseded row is the current truth for that pair.
type RunArtifact struct {
	ID                  uuid.UUID  `json:"id"`
	JobID               *uuid.UUID `json:"job_id,omitempty"`
	CompanyKey          string     `json:"company_key"`
	TargetDate          string     `json:"target_date"`
	RowsTotal           int        `json:"rows_total"`
	RowsKept            int        `json:"rows_kept"`
	RowsNonTarget       int        `json:"rows_non_target"`
	ReliabilityStatus   string     `json:"reliability_status"`
	UploadStats         map[string]any `json:"upload_stats,omitempty"`
	ReconcileStatus     string     `json:"reconcile_status"`
	ReconcileDifference float64    `json:"reconcile_difference"`
	SourcePath          string     `json:"source_path"`
	SourceHash          string     `json:"source_hash"`
	Superseded          bool       `json:"superseded"`
	ProcessedAt         time.Time  `json:"processed_at"`
}

// RunSchedule is a cron-driven trigger for run jobs.
type RunSchedule struct {
	ID                uuid.UUID  `json:"id"`
	Name              string     `json:"name"`
	Scope             string     `json:"scope"`
	CompanyKey        string     `json:"company_key"`
	CronExpr          string     `json:"cron_expr"`
	TimezoneName      string     `json:"timezone_name"`
	TargetDateMode    string     `json:"target_date_mode"`
	Enabled           bool       `json:"enabled"`
	IsSystemManaged   bool       `json:"is_system_managed"`
	Parallel          bool       `json:"parallel"`
	StaggerSeconds    int        `json:"stagger_seconds"`
	ContinueOnFailure bool       `json:"continue_on_failure"`
	NextFireAt        *time.Time `json:"next_fire_at,omitempty"`
	LastResult        string     `json:"last_result,omitempty"`
	LastError         string     `json:"last_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// ScheduleEvent is one audit entry for a schedule evaluation.
type ScheduleEvent struct {
	ID         int64      `json:"id"`
	ScheduleID uuid.UUID  `json:"schedule_id"`
	JobID      *uuid.UUID `json:"job_id,omitempty"`
	EventType  string     `json:"event_type"`
	Message    string     `json:"message"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Company is one tenant row; Config holds the full tenant configuration
// document as stored.
type Company struct {
	CompanyKey  string          `json:"company_key"`
	DisplayName string          `json:"display_name"`
	Config      map[string]any  `json:"config"`
	Enabled     bool            `json:"enabled"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// PortalUser is an operator account. PasswordHash is a bcrypt hash and never
// leaves this package in API responses.
type PortalUser struct {
	ID                      uuid.UUID `json:"id"`
	Username                string    `json:"username"`
	PasswordHash            string    `json:"-"`
	IsAdmin                 bool      `json:"is_admin"`
	CanTriggerRuns          bool      `json:"can_trigger_runs"`
	CanManageSchedules      bool      `json:"can_manage_schedules"`
	CanEditCompanies        bool      `json:"can_edit_companies"`
	CanManagePortalSettings bool      `json:"can_manage_portal_settings"`
	CreatedAt               time.Time `json:"created_at"`
}

// Permission names accepted by PortalUser.Can.
const (
	PermTriggerRuns     = "can_trigger_runs"
	PermManageSchedules = "can_manage_schedules"
	PermEditCompanies   = "can_edit_companies"
	PermManageSettings  = "can_manage_portal_settings"
)

// Can reports whether the user holds the named permission. Admins hold all.
func (u *PortalUser) Can(permission string) bool {
	if u.IsAdmin {
		return true
	}
	switch permission {
	case "can_trigger_runs":
		return u.CanTriggerRuns
	case "can_manage_schedules":
		return u.CanManageSchedules
	case "can_edit_companies":
		return u.CanEditCompanies
	case "can_manage_portal_settings":
		return u.CanManagePortalSettings
	}
	return false
}

// WorkerHeartbeat is the single liveness row the schedule worker refreshes.
type WorkerHeartbeat struct {
	ID          int       `json:"id"`
	Hostname    string    `json:"hostname"`
	PID         int       `json:"pid"`
	PollSeconds int       `json:"poll_seconds"`
	SeenAt      time.Time `json:"seen_at"`
}
