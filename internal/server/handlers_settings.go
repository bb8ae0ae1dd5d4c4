package server

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"
)

const settingKeyPrefix = "OIAT_DASHBOARD_"

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.store.ListSettings(r.Context())
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"settings": settings})
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	if !strings.HasPrefix(key, settingKeyPrefix) {
		s.errorResponse(w, &ValidationError{Field: "key", Message: "must start with " + settingKeyPrefix})
		return
	}
	var req struct {
		Value string `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, &ValidationError{Message: "invalid JSON body"})
		return
	}
	if err := s.store.SetSetting(r.Context(), key, req.Value); err != nil {
		s.errorResponse(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]string{"key": key, "value": req.Value})
}

// handleHealth reports worker liveness and the global lock holder. The
// worker is stale once its heartbeat is older than three poll intervals.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{"status": "ok", "time": time.Now().UTC()}

	hb, err := s.store.GetHeartbeat(r.Context())
	switch {
	case err != nil:
		payload["worker"] = map[string]any{"status": "unknown", "error": "heartbeat unavailable"}
		payload["status"] = "degraded"
	case hb == nil:
		payload["worker"] = map[string]any{"status": "missing"}
		payload["status"] = "degraded"
	default:
		age := time.Since(hb.SeenAt)
		status := "alive"
		if age > 3*time.Duration(hb.PollSeconds)*time.Second {
			status = "stale"
			payload["status"] = "degraded"
		}
		payload["worker"] = map[string]any{
			"status":      status,
			"hostname":    hb.Hostname,
			"pid":         hb.PID,
			"seen_at":     hb.SeenAt,
			"age_seconds": int(age.Seconds()),
		}
	}

	job, holder, err := s.store.LockHolder(r.Context())
	if err != nil {
		payload["lock"] = map[string]any{"held": false, "error": "lock state unavailable"}
	} else if holder == "" {
		payload["lock"] = map[string]any{"held": false}
	} else {
		lock := map[string]any{"held": true, "holder": holder}
		if job != nil {
			lock["job_id"] = job.ID
			lock["company_key"] = job.CompanyKey
			lock["status"] = job.Status
		}
		payload["lock"] = lock
	}

	s.jsonResponse(w, http.StatusOK, payload)
}
