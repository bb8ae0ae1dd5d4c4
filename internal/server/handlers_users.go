package server

import (
	"encoding/json"
	"net/http"

	"github.com/oreva/oiat/internal/db"
)

type createUserRequest struct {
	Username                string `json:"username" validate:"required,min=3,max=64,alphanum"`
	Password                string `json:"password" validate:"required,min=8"`
	IsAdmin                 bool   `json:"is_admin"`
	CanTriggerRuns          bool   `json:"can_trigger_runs"`
	CanManageSchedules      bool   `json:"can_manage_schedules"`
	CanEditCompanies        bool   `json:"can_edit_companies"`
	CanManagePortalSettings bool   `json:"can_manage_portal_settings"`
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListPortalUsers(r.Context())
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"users": users})
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, &ValidationError{Message: "invalid JSON body"})
		return
	}
	if err := validate.Struct(req); err != nil {
		s.errorResponse(w, &ValidationError{Message: err.Error()})
		return
	}
	user, err := s.store.CreatePortalUser(r.Context(), db.PortalUserInput{
		Username:                req.Username,
		Password:                req.Password,
		IsAdmin:                 req.IsAdmin,
		CanTriggerRuns:          req.CanTriggerRuns,
		CanManageSchedules:      req.CanManageSchedules,
		CanEditCompanies:        req.CanEditCompanies,
		CanManagePortalSettings: req.CanManagePortalSettings,
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, user)
}

func (s *Server) handleUpdateUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	var req struct {
		IsAdmin                 bool `json:"is_admin"`
		CanTriggerRuns          bool `json:"can_trigger_runs"`
		CanManageSchedules      bool `json:"can_manage_schedules"`
		CanEditCompanies        bool `json:"can_edit_companies"`
		CanManagePortalSettings bool `json:"can_manage_portal_settings"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, &ValidationError{Message: "invalid JSON body"})
		return
	}
	user, err := s.store.GetPortalUserByID(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if user == nil {
		s.errorResponse(w, &NotFoundError{Resource: "user", ID: id.String()})
		return
	}
	err = s.store.UpdatePortalUserPermissions(r.Context(), id, db.PortalUserInput{
		IsAdmin:                 req.IsAdmin,
		CanTriggerRuns:          req.CanTriggerRuns,
		CanManageSchedules:      req.CanManageSchedules,
		CanEditCompanies:        req.CanEditCompanies,
		CanManagePortalSettings: req.CanManagePortalSettings,
	})
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleSetUserPassword(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	var req struct {
		Password string `json:"password" validate:"required,min=8"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, &ValidationError{Message: "invalid JSON body"})
		return
	}
	if len(req.Password) < 8 {
		s.errorResponse(w, &ValidationError{Field: "password", Message: "must be at least 8 characters"})
		return
	}
	user, err := s.store.GetPortalUserByID(r.Context(), id)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if user == nil {
		s.errorResponse(w, &NotFoundError{Resource: "user", ID: id.String()})
		return
	}
	if err := s.store.SetPortalUserPassword(r.Context(), id, req.Password); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "updated"})
}
