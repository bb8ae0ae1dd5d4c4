package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/oreva/oiat/internal/db"
	"github.com/oreva/oiat/internal/schedule"
)

type scheduleRequest struct {
	Name              string `json:"name" validate:"required,max=120"`
	Scope             string `json:"scope" validate:"required,oneof=single_company all_companies"`
	CompanyKey        string `json:"company_key" validate:"required_if=Scope single_company"`
	CronExpr          string `json:"cron_expr" validate:"required"`
	TimezoneName      string `json:"timezone_name"`
	TargetDateMode    string `json:"target_date_mode" validate:"omitempty,oneof=trading_yesterday calendar_yesterday"`
	Enabled           bool   `json:"enabled"`
	Parallel          bool   `json:"parallel"`
	StaggerSeconds    int    `json:"stagger_seconds" validate:"min=0,max=3600"`
	ContinueOnFailure bool   `json:"continue_on_failure"`
}

func (r scheduleRequest) toInput() (db.RunScheduleInput, error) {
	if _, err := schedule.ParseCron(r.CronExpr); err != nil {
		return db.RunScheduleInput{}, &ValidationError{Field: "cron_expr", Message: err.Error()}
	}
	if r.TimezoneName != "" {
		if _, err := time.LoadLocation(r.TimezoneName); err != nil {
			return db.RunScheduleInput{}, &ValidationError{Field: "timezone_name", Message: "unknown timezone"}
		}
	}
	return db.RunScheduleInput{
		Name:              r.Name,
		Scope:             r.Scope,
		CompanyKey:        r.CompanyKey,
		CronExpr:          r.CronExpr,
		TimezoneName:      r.TimezoneName,
		TargetDateMode:    r.TargetDateMode,
		Enabled:           r.Enabled,
		Parallel:          r.Parallel,
		StaggerSeconds:    r.StaggerSeconds,
		ContinueOnFailure: r.ContinueOnFailure,
	}, nil
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListRunSchedules(r.Context())
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"schedules": schedules})
}

func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	sched, err := s.store.GetRunSchedule(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if sched == nil {
		s.errorResponse(w, &NotFoundError{Resource: "schedule", ID: id.String()})
		return
	}
	s.jsonResponse(w, http.StatusOK, sched)
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, &ValidationError{Message: "invalid JSON body"})
		return
	}
	if err := validate.Struct(req); err != nil {
		s.errorResponse(w, &ValidationError{Message: err.Error()})
		return
	}
	input, err := req.toInput()
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	sched, err := s.store.CreateRunSchedule(r.Context(), input)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, sched)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	existing, err := s.store.GetRunSchedule(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if existing == nil {
		s.errorResponse(w, &NotFoundError{Resource: "schedule", ID: id.String()})
		return
	}
	if existing.IsSystemManaged {
		s.errorResponse(w, &ConflictError{Message: "system-managed schedules cannot be edited"})
		return
	}

	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, &ValidationError{Message: "invalid JSON body"})
		return
	}
	if err := validate.Struct(req); err != nil {
		s.errorResponse(w, &ValidationError{Message: err.Error()})
		return
	}
	input, err := req.toInput()
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	sched, err := s.store.UpdateRunSchedule(r.Context(), id, input)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sched)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	existing, err := s.store.GetRunSchedule(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if existing == nil {
		s.errorResponse(w, &NotFoundError{Resource: "schedule", ID: id.String()})
		return
	}
	if existing.IsSystemManaged {
		s.errorResponse(w, &ConflictError{Message: "system-managed schedules cannot be deleted"})
		return
	}
	if err := s.store.DeleteRunSchedule(r.Context(), id); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleToggleSchedule(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	existing, err := s.store.GetRunSchedule(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if existing == nil {
		s.errorResponse(w, &NotFoundError{Resource: "schedule", ID: id.String()})
		return
	}
	enabled := !existing.Enabled
	if err := s.store.SetScheduleEnabled(r.Context(), id, enabled); err != nil {
		s.errorResponse(w, err)
		return
	}
	message := "disabled from portal"
	if enabled {
		message = "enabled from portal"
	}
	if err := s.store.AddScheduleEvent(r.Context(), id, nil, db.EventToggled, message); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"enabled": enabled})
}

// handleRunScheduleNow enqueues one job for the schedule immediately,
// refusing while a previous job for it is still queued or running.
func (s *Server) handleRunScheduleNow(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	sched, err := s.store.GetRunSchedule(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if sched == nil {
		s.errorResponse(w, &NotFoundError{Resource: "schedule", ID: id.String()})
		return
	}
	busy, err := s.store.QueuedOrRunningForSchedule(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if busy {
		s.errorResponse(w, &ConflictError{Message: "a job for this schedule is already queued or running"})
		return
	}

	input := db.RunJobInput{
		Scope:             sched.Scope,
		CompanyKey:        sched.CompanyKey,
		TargetDate:        schedule.TargetTradingDate(time.Now()),
		Parallel:          sched.Parallel,
		StaggerSeconds:    sched.StaggerSeconds,
		ContinueOnFailure: sched.ContinueOnFailure,
		RequestedBy:       sessionUser(r.Context()).Username,
		ScheduleID:        &sched.ID,
	}
	input.CommandDisplay = triggerCommandDisplay(input)

	job, err := s.store.CreateRunJob(r.Context(), input)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if err := s.store.AddScheduleEvent(r.Context(), id, &job.ID, db.EventManualRun, "run-now requested by "+input.RequestedBy); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, job)
}

func (s *Server) handleScheduleEvents(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.errorResponse(w, &ValidationError{Field: "limit", Message: "must be between 1 and 500"})
			return
		}
		limit = n
	}
	events, err := s.store.ListScheduleEvents(r.Context(), id, limit)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"events": events})
}
