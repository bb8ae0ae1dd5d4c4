package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/oreva/oiat/internal/db"
)

var validate = validator.New()

type triggerRunRequest struct {
	Scope             string `json:"scope" validate:"required,oneof=single_company all_companies"`
	CompanyKey        string `json:"company_key" validate:"required_if=Scope single_company"`
	TargetDate        string `json:"target_date" validate:"omitempty,datetime=2006-01-02"`
	FromDate          string `json:"from_date" validate:"omitempty,datetime=2006-01-02"`
	ToDate            string `json:"to_date" validate:"omitempty,datetime=2006-01-02"`
	SkipDownload      bool   `json:"skip_download"`
	Parallel          bool   `json:"parallel"`
	StaggerSeconds    int    `json:"stagger_seconds" validate:"min=0,max=3600"`
	ContinueOnFailure bool   `json:"continue_on_failure"`
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filters := db.JobFilters{
		CompanyKey: r.URL.Query().Get("company_key"),
		Status:     r.URL.Query().Get("status"),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			s.errorResponse(w, &ValidationError{Field: "limit", Message: "must be between 1 and 500"})
			return
		}
		filters.Limit = n
	}
	jobs, err := s.store.ListRunJobs(r.Context(), filters)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"runs": jobs})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	job, err := s.store.GetRunJob(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if job == nil {
		s.errorResponse(w, &NotFoundError{Resource: "run", ID: id.String()})
		return
	}
	s.jsonResponse(w, http.StatusOK, job)
}

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	var req triggerRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, &ValidationError{Message: "invalid JSON body"})
		return
	}
	if err := validate.Struct(req); err != nil {
		s.errorResponse(w, &ValidationError{Message: err.Error()})
		return
	}
	if req.TargetDate != "" && (req.FromDate != "" || req.ToDate != "") {
		s.errorResponse(w, &ValidationError{Message: "target_date and from_date/to_date are mutually exclusive"})
		return
	}
	if req.ToDate != "" && req.FromDate == "" {
		s.errorResponse(w, &ValidationError{Field: "from_date", Message: "required when to_date is set"})
		return
	}
	if req.FromDate != "" && req.ToDate != "" && req.ToDate < req.FromDate {
		s.errorResponse(w, &ValidationError{Field: "to_date", Message: "must not precede from_date"})
		return
	}

	input := db.RunJobInput{
		Scope:             req.Scope,
		CompanyKey:        req.CompanyKey,
		TargetDate:        req.TargetDate,
		FromDate:          req.FromDate,
		ToDate:            req.ToDate,
		SkipDownload:      req.SkipDownload,
		Parallel:          req.Parallel,
		StaggerSeconds:    req.StaggerSeconds,
		ContinueOnFailure: req.ContinueOnFailure,
		RequestedBy:       sessionUser(r.Context()).Username,
	}
	input.CommandDisplay = triggerCommandDisplay(input)

	job, err := s.store.CreateRunJob(r.Context(), input)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, job)
}

func triggerCommandDisplay(input db.RunJobInput) string {
	parts := []string{"oiat"}
	if input.Scope == db.ScopeAllCompanies {
		parts = append(parts, "run-all")
		if input.Parallel {
			parts = append(parts, "--parallel")
		}
		if input.StaggerSeconds > 0 {
			parts = append(parts, fmt.Sprintf("--stagger-seconds %d", input.StaggerSeconds))
		}
		if input.ContinueOnFailure {
			parts = append(parts, "--continue-on-failure")
		}
	} else {
		parts = append(parts, "run", "--tenant", input.CompanyKey)
	}
	switch {
	case input.TargetDate != "":
		parts = append(parts, "--date", input.TargetDate)
	case input.FromDate != "":
		parts = append(parts, "--from", input.FromDate, "--to", input.ToDate)
	}
	if input.SkipDownload {
		parts = append(parts, "--skip-download")
	}
	return strings.Join(parts, " ")
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	job, err := s.store.GetRunJob(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if job == nil {
		s.errorResponse(w, &NotFoundError{Resource: "run", ID: id.String()})
		return
	}
	if job.Terminal() {
		s.errorResponse(w, &ConflictError{Message: "run already finished"})
		return
	}
	updated, err := s.store.RequestCancel(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, updated)
}

func (s *Server) handleRunLog(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	job, err := s.store.GetRunJob(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if job == nil || job.LogPath == "" {
		s.errorResponse(w, &NotFoundError{Resource: "run log", ID: id.String()})
		return
	}

	offset := int64(0)
	if raw := r.URL.Query().Get("offset"); raw != "" {
		offset, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || offset < 0 {
			s.errorResponse(w, &ValidationError{Field: "offset", Message: "must be a non-negative integer"})
			return
		}
	}
	maxBytes := int64(defaultLogChunkBytes)
	if raw := r.URL.Query().Get("max_bytes"); raw != "" {
		maxBytes, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || maxBytes < 1 || maxBytes > maxLogChunkBytes {
			s.errorResponse(w, &ValidationError{Field: "max_bytes", Message: fmt.Sprintf("must be between 1 and %d", maxLogChunkBytes)})
			return
		}
	}

	chunk, err := readLogChunk(job.LogPath, offset, maxBytes)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	chunk.Finished = job.Terminal()
	s.jsonResponse(w, http.StatusOK, chunk)
}

// handleRunLogStream tails the job's log over SSE until the job reaches
// a terminal status and the file is drained.
func (s *Server) handleRunLogStream(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	job, err := s.store.GetRunJob(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if job == nil || job.LogPath == "" {
		s.errorResponse(w, &NotFoundError{Resource: "run log", ID: id.String()})
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, err)
		return
	}

	offset := int64(0)
	finished := false
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		chunk, err := readLogChunk(job.LogPath, offset, defaultLogChunkBytes)
		if err != nil {
			sse.WriteError(err.Error())
			return
		}
		if chunk.Content != "" {
			if err := sse.WriteEvent("log", chunk); err != nil {
				return
			}
			offset = chunk.NextOffset
			continue
		}
		if finished {
			sse.WriteEvent("done", map[string]any{"status": job.Status, "offset": offset})
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		job, err = s.store.GetRunJob(r.Context(), id)
		if err != nil || job == nil {
			sse.WriteError("run disappeared")
			return
		}
		finished = job.Terminal()
	}
}

func (s *Server) handleRunArtifacts(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	artifacts, err := s.store.ListRunArtifacts(r.Context(), db.ArtifactFilters{
		JobID:             id,
		IncludeSuperseded: r.URL.Query().Get("include_superseded") == "true",
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"artifacts": artifacts})
}
