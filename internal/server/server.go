package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/oreva/oiat/internal/db"
)

// Store is the persistence surface the API needs. *db.DB satisfies it;
// tests substitute a fake.
type Store interface {
	AuthenticatePortalUser(ctx context.Context, username, password string) (*db.PortalUser, error)
	GetPortalUserByID(ctx context.Context, id uuid.UUID) (*db.PortalUser, error)
	ListPortalUsers(ctx context.Context) ([]db.PortalUser, error)
	CreatePortalUser(ctx context.Context, input db.PortalUserInput) (*db.PortalUser, error)
	UpdatePortalUserPermissions(ctx context.Context, id uuid.UUID, input db.PortalUserInput) error
	SetPortalUserPassword(ctx context.Context, id uuid.UUID, password string) error

	CreateRunJob(ctx context.Context, input db.RunJobInput) (*db.RunJob, error)
	GetRunJob(ctx context.Context, id uuid.UUID) (*db.RunJob, error)
	ListRunJobs(ctx context.Context, filters db.JobFilters) ([]db.RunJob, error)
	RequestCancel(ctx context.Context, jobID uuid.UUID) (*db.RunJob, error)
	LockHolder(ctx context.Context) (*db.RunJob, string, error)

	CreateRunSchedule(ctx context.Context, input db.RunScheduleInput) (*db.RunSchedule, error)
	UpdateRunSchedule(ctx context.Context, id uuid.UUID, input db.RunScheduleInput) (*db.RunSchedule, error)
	GetRunSchedule(ctx context.Context, id uuid.UUID) (*db.RunSchedule, error)
	ListRunSchedules(ctx context.Context) ([]db.RunSchedule, error)
	SetScheduleEnabled(ctx context.Context, id uuid.UUID, enabled bool) error
	DeleteRunSchedule(ctx context.Context, id uuid.UUID) error
	QueuedOrRunningForSchedule(ctx context.Context, scheduleID uuid.UUID) (bool, error)
	AddScheduleEvent(ctx context.Context, scheduleID uuid.UUID, jobID *uuid.UUID, eventType, message string) error
	ListScheduleEvents(ctx context.Context, scheduleID uuid.UUID, limit int) ([]db.ScheduleEvent, error)

	UpsertCompany(ctx context.Context, companyKey, displayName string, config map[string]any, enabled bool) (*db.Company, error)
	GetCompany(ctx context.Context, companyKey string) (*db.Company, error)
	ListCompanies(ctx context.Context, enabledOnly bool) ([]db.Company, error)
	SetCompanyEnabled(ctx context.Context, companyKey string, enabled bool) error
	DeleteCompany(ctx context.Context, companyKey string) error

	ListRunArtifacts(ctx context.Context, filters db.ArtifactFilters) ([]db.RunArtifact, error)

	GetSetting(ctx context.Context, key, fallback string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
	ListSettings(ctx context.Context) (map[string]string, error)

	GetHeartbeat(ctx context.Context) (*db.WorkerHeartbeat, error)
}

// Config holds the server's runtime settings.
type Config struct {
	Port          string
	SessionSecret string
	LogDir        string
}

// Server is the operator API.
type Server struct {
	httpServer *http.Server
	store      Store
	sessions   *Sessions
	limiter    *Limiter
	logDir     string
}

// New builds a Server with all routes registered.
func New(cfg Config, store Store) *Server {
	s := &Server{
		store:    store,
		sessions: NewSessions(cfg.SessionSecret),
		limiter:  NewLimiter(loginRateLimit(), time.Minute),
		logDir:   cfg.LogDir,
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/login", s.withLoginRateLimit(s.handleLogin))
	mux.HandleFunc("POST /api/auth/logout", s.withSession(s.handleLogout))
	mux.HandleFunc("GET /api/auth/me", s.withSession(s.handleMe))

	mux.HandleFunc("GET /api/runs", s.withSession(s.handleListRuns))
	mux.HandleFunc("GET /api/runs/{id}", s.withSession(s.handleGetRun))
	mux.HandleFunc("POST /api/runs", s.withPermission(db.PermTriggerRuns, s.handleTriggerRun))
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.withPermission(db.PermTriggerRuns, s.handleCancelRun))
	mux.HandleFunc("GET /api/runs/{id}/log", s.withSession(s.handleRunLog))
	mux.HandleFunc("GET /api/runs/{id}/log/stream", s.withSession(s.handleRunLogStream))
	mux.HandleFunc("GET /api/runs/{id}/artifacts", s.withSession(s.handleRunArtifacts))

	mux.HandleFunc("GET /api/schedules", s.withSession(s.handleListSchedules))
	mux.HandleFunc("GET /api/schedules/{id}", s.withSession(s.handleGetSchedule))
	mux.HandleFunc("POST /api/schedules", s.withPermission(db.PermManageSchedules, s.handleCreateSchedule))
	mux.HandleFunc("PUT /api/schedules/{id}", s.withPermission(db.PermManageSchedules, s.handleUpdateSchedule))
	mux.HandleFunc("DELETE /api/schedules/{id}", s.withPermission(db.PermManageSchedules, s.handleDeleteSchedule))
	mux.HandleFunc("POST /api/schedules/{id}/toggle", s.withPermission(db.PermManageSchedules, s.handleToggleSchedule))
	mux.HandleFunc("POST /api/schedules/{id}/run-now", s.withPermission(db.PermManageSchedules, s.handleRunScheduleNow))
	mux.HandleFunc("GET /api/schedules/{id}/events", s.withSession(s.handleScheduleEvents))

	mux.HandleFunc("GET /api/companies", s.withSession(s.handleListCompanies))
	mux.HandleFunc("GET /api/companies/{key}", s.withSession(s.handleGetCompany))
	mux.HandleFunc("PUT /api/companies/{key}", s.withPermission(db.PermEditCompanies, s.handleUpsertCompany))
	mux.HandleFunc("POST /api/companies/{key}/toggle", s.withPermission(db.PermEditCompanies, s.handleToggleCompany))
	mux.HandleFunc("DELETE /api/companies/{key}", s.withPermission(db.PermEditCompanies, s.handleDeleteCompany))

	mux.HandleFunc("GET /api/settings", s.withPermission(db.PermManageSettings, s.handleListSettings))
	mux.HandleFunc("PUT /api/settings/{key}", s.withPermission(db.PermManageSettings, s.handleSetSetting))

	mux.HandleFunc("GET /api/users", s.withAdmin(s.handleListUsers))
	mux.HandleFunc("POST /api/users", s.withAdmin(s.handleCreateUser))
	mux.HandleFunc("PUT /api/users/{id}/permissions", s.withAdmin(s.handleUpdateUserPermissions))
	mux.HandleFunc("PUT /api/users/{id}/password", s.withAdmin(s.handleSetUserPassword))

	mux.HandleFunc("GET /api/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      s.withLogging(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start serves until SIGINT/SIGTERM, then shuts down gracefully.
func (s *Server) Start() error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[server] listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-stop:
		log.Printf("[server] received %s, shutting down", sig)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Printf("[server] %s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[server] failed to encode response: %v", err)
	}
}

func (s *Server) errorResponse(w http.ResponseWriter, err error) {
	status := HTTPStatus(err)
	if status == http.StatusInternalServerError {
		log.Printf("[server] internal error: %v", err)
		s.jsonResponse(w, status, map[string]string{"error": "internal server error"})
		return
	}
	s.jsonResponse(w, status, map[string]string{"error": err.Error()})
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		return uuid.Nil, &ValidationError{Field: name, Message: "must be a UUID"}
	}
	return id, nil
}
