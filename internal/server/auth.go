package server

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/oreva/oiat/internal/db"
)

const (
	sessionCookieName = "oiat_session"
	csrfHeaderName    = "X-CSRF-Token"
	sessionLifetime   = 12 * time.Hour
)

type contextKey string

const userContextKey contextKey = "portal_user"

// SessionClaims is the JWT payload carried in the session cookie. The
// CSRF token is embedded so mutating requests can be verified against
// the header copy without server-side session state.
type SessionClaims struct {
	UserID uuid.UUID `json:"user_id"`
	CSRF   string    `json:"csrf"`
	jwt.RegisteredClaims
}

// Sessions signs and validates session cookies.
type Sessions struct {
	secret   []byte
	lifetime time.Duration
}

// NewSessions builds a session manager from a signing secret.
func NewSessions(secret string) *Sessions {
	return &Sessions{secret: []byte(secret), lifetime: sessionLifetime}
}

// Issue creates a signed session token and its CSRF counterpart.
func (s *Sessions) Issue(userID uuid.UUID, now time.Time) (token, csrf string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("failed to generate CSRF token: %w", err)
	}
	csrf = hex.EncodeToString(buf)

	claims := SessionClaims{
		UserID: userID,
		CSRF:   csrf,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.lifetime)),
			Issuer:    "oiat",
		},
	}
	token, err = jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, csrf, nil
}

// Validate parses a session token and returns its claims.
func (s *Sessions) Validate(token string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid session token: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid session token")
	}
	return claims, nil
}

func sessionUser(ctx context.Context) *db.PortalUser {
	user, _ := ctx.Value(userContextKey).(*db.PortalUser)
	return user
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, &ValidationError{Message: "invalid JSON body"})
		return
	}
	if req.Username == "" || req.Password == "" {
		s.errorResponse(w, &ValidationError{Message: "username and password are required"})
		return
	}

	user, err := s.store.AuthenticatePortalUser(r.Context(), req.Username, req.Password)
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	if user == nil {
		s.errorResponse(w, &InvalidCredentialsError{})
		return
	}

	token, csrf, err := s.sessions.Issue(user.ID, time.Now())
	if err != nil {
		s.errorResponse(w, err)
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(sessionLifetime),
	})
	s.jsonResponse(w, http.StatusOK, map[string]any{
		"user":       userView(user),
		"csrf_token": csrf,
	})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteStrictMode,
		MaxAge:   -1,
	})
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "logged_out"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, userView(sessionUser(r.Context())))
}

func userView(u *db.PortalUser) map[string]any {
	return map[string]any{
		"id":       u.ID,
		"username": u.Username,
		"is_admin": u.IsAdmin,
		"permissions": map[string]bool{
			db.PermTriggerRuns:     u.Can(db.PermTriggerRuns),
			db.PermManageSchedules: u.Can(db.PermManageSchedules),
			db.PermEditCompanies:   u.Can(db.PermEditCompanies),
			db.PermManageSettings:  u.Can(db.PermManageSettings),
		},
		"created_at": u.CreatedAt,
	}
}

// withSession resolves the session cookie into a portal user and
// enforces the CSRF double-submit check on mutating methods.
func (s *Server) withSession(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(sessionCookieName)
		if err != nil {
			s.errorResponse(w, &InvalidCredentialsError{})
			return
		}
		claims, err := s.sessions.Validate(cookie.Value)
		if err != nil {
			s.errorResponse(w, &InvalidCredentialsError{})
			return
		}

		switch r.Method {
		case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
			header := r.Header.Get(csrfHeaderName)
			if header == "" || subtle.ConstantTimeCompare([]byte(header), []byte(claims.CSRF)) != 1 {
				s.errorResponse(w, &CSRFError{})
				return
			}
		}

		user, err := s.store.GetPortalUserByID(r.Context(), claims.UserID)
		if err != nil {
			s.errorResponse(w, err)
			return
		}
		if user == nil {
			s.errorResponse(w, &InvalidCredentialsError{})
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userContextKey, user)))
	}
}

// withPermission rejects sessions whose user lacks the permission.
// Admins pass every check.
func (s *Server) withPermission(permission string, next http.HandlerFunc) http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request) {
		user := sessionUser(r.Context())
		if !user.Can(permission) {
			s.errorResponse(w, &ForbiddenError{Permission: permission})
			return
		}
		next(w, r)
	})
}

// withAdmin restricts a route to administrator accounts.
func (s *Server) withAdmin(next http.HandlerFunc) http.HandlerFunc {
	return s.withSession(func(w http.ResponseWriter, r *http.Request) {
		if !sessionUser(r.Context()).IsAdmin {
			s.errorResponse(w, &ForbiddenError{Permission: "admin"})
			return
		}
		next(w, r)
	})
}
