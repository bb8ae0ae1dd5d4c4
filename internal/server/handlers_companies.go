package server

import (
	"encoding/json"
	"net/http"
	"regexp"
)

var companyKeyPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

type companyRequest struct {
	DisplayName string         `json:"display_name" validate:"required,max=120"`
	Config      map[string]any `json:"config"`
	Enabled     bool           `json:"enabled"`
}

func (s *Server) handleListCompanies(w http.ResponseWriter, r *http.Request) {
	companies, err := s.store.ListCompanies(r.Context(), r.URL.Query().Get("enabled") == "true")
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"companies": companies})
}

func (s *Server) handleGetCompany(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	company, err := s.store.GetCompany(r.Context(), key)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if company == nil {
		s.errorResponse(w, &NotFoundError{Resource: "company", ID: key})
		return
	}
	s.jsonResponse(w, http.StatusOK, company)
}

func (s *Server) handleUpsertCompany(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !companyKeyPattern.MatchString(key) {
		s.errorResponse(w, &ValidationError{Field: "key", Message: "must be lowercase letters, digits, underscores or dashes"})
		return
	}
	var req companyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, &ValidationError{Message: "invalid JSON body"})
		return
	}
	if err := validate.Struct(req); err != nil {
		s.errorResponse(w, &ValidationError{Message: err.Error()})
		return
	}
	if req.Config == nil {
		req.Config = map[string]any{}
	}
	company, err := s.store.UpsertCompany(r.Context(), key, req.DisplayName, req.Config, req.Enabled)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, company)
}

func (s *Server) handleToggleCompany(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	company, err := s.store.GetCompany(r.Context(), key)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if company == nil {
		s.errorResponse(w, &NotFoundError{Resource: "company", ID: key})
		return
	}
	enabled := !company.Enabled
	if err := s.store.SetCompanyEnabled(r.Context(), key, enabled); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"company_key": key, "enabled": enabled})
}

func (s *Server) handleDeleteCompany(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	company, err := s.store.GetCompany(r.Context(), key)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if company == nil {
		s.errorResponse(w, &NotFoundError{Resource: "company", ID: key})
		return
	}
	if err := s.store.DeleteCompany(r.Context(), key); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "deleted"})
}
