package server

import (
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"
)

const defaultLoginRateLimit = 10

func loginRateLimit() int {
	raw := os.Getenv("OIAT_LOGIN_RATE_LIMIT")
	if raw == "" {
		return defaultLoginRateLimit
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return defaultLoginRateLimit
	}
	return n
}

// Limiter is a per-client fixed-window counter used to slow down
// credential guessing on the login endpoint.
type Limiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	clients map[string]*windowCount
}

type windowCount struct {
	count   int
	resetAt time.Time
}

// NewLimiter builds a limiter allowing limit requests per window per client.
func NewLimiter(limit int, window time.Duration) *Limiter {
	return &Limiter{limit: limit, window: window, clients: make(map[string]*windowCount)}
}

// Allow records one request from the client and reports whether it is
// within the window's budget.
func (l *Limiter) Allow(client string, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	wc, ok := l.clients[client]
	if !ok || now.After(wc.resetAt) {
		l.clients[client] = &windowCount{count: 1, resetAt: now.Add(l.window)}
		l.sweep(now)
		return true
	}
	wc.count++
	return wc.count <= l.limit
}

// sweep drops expired windows. Called under the lock.
func (l *Limiter) sweep(now time.Time) {
	if len(l.clients) < 1024 {
		return
	}
	for key, wc := range l.clients {
		if now.After(wc.resetAt) {
			delete(l.clients, key)
		}
	}
}

func (s *Server) withLoginRateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		if !s.limiter.Allow(host, time.Now()) {
			w.Header().Set("Retry-After", "60")
			s.jsonResponse(w, http.StatusTooManyRequests, map[string]string{"error": "too many login attempts"})
			return
		}
		next(w, r)
	}
}
