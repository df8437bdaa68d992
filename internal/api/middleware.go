package api

import (
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// withAuth enforces Basic Auth when the auth file enables it.
func (s *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.auth == nil || !s.auth.Enabled() {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || !s.auth.Check(username, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="`+s.auth.Realm()+`"`)
			writeJSON(w, http.StatusUnauthorized, envelope{Error: "authentication required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// rateLimiter hands out one token bucket per client address. Stale
// entries are dropped when the map grows past a soft cap.
type rateLimiter struct {
	perMinute int
	mu        sync.Mutex
	clients   map[string]*rate.Limiter
}

func newRateLimiter(perMinute int) *rateLimiter {
	return &rateLimiter{perMinute: perMinute, clients: make(map[string]*rate.Limiter)}
}

func (l *rateLimiter) allow(addr string) bool {
	if l.perMinute <= 0 {
		return true
	}
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.clients) > 4096 {
		l.clients = make(map[string]*rate.Limiter)
	}
	lim, ok := l.clients[host]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(float64(l.perMinute)/60.0), l.perMinute)
		l.clients[host] = lim
	}
	return lim.Allow()
}

func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(r.RemoteAddr) {
			writeJSON(w, http.StatusTooManyRequests, envelope{Error: "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func withRequestLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		slog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start),
			"remote", r.RemoteAddr)
	})
}
