// Package api exposes the scheduler over HTTP: the JSON task/result/
// template endpoints, Basic Auth, per-client rate limiting, optional TLS,
// and the embedded single-page UI.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/fnlabs/fn-scheduler/internal/accounts"
	"github.com/fnlabs/fn-scheduler/internal/batch"
	"github.com/fnlabs/fn-scheduler/internal/config"
	"github.com/fnlabs/fn-scheduler/internal/runner"
	"github.com/fnlabs/fn-scheduler/internal/store"
)

// Server wires the HTTP surface over the scheduler's services.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	runner   *runner.Runner
	batch    *batch.Service
	accounts *accounts.Service
	auth     *config.Auth
	limiter  *rateLimiter

	httpServer *http.Server
	// tlsTempDir holds an ephemeral self-signed keypair, removed on exit.
	tlsTempDir string
}

// New builds the server. Auth may come from a watched file; nil disables
// it.
func New(cfg *config.Config, st *store.Store, rn *runner.Runner, bt *batch.Service,
	ac *accounts.Service, auth *config.Auth) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		runner:   rn,
		batch:    bt,
		accounts: ac,
		auth:     auth,
		limiter:  newRateLimiter(cfg.APIRatePerMin),
	}
}

// Handler assembles the routed, middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var h http.Handler = mux
	if s.cfg.BasePath != "" {
		h = http.StripPrefix(s.cfg.BasePath, mux)
	}
	h = s.withRateLimit(h)
	h = s.withAuth(h)
	h = withRequestLog(h)
	return h
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/cron/preview", s.handleCronPreview)

	mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	mux.HandleFunc("POST /api/tasks", s.handleCreateTask)
	mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	mux.HandleFunc("PUT /api/tasks/{id}", s.handleUpdateTask)
	mux.HandleFunc("DELETE /api/tasks/{id}", s.handleDeleteTask)
	mux.HandleFunc("POST /api/tasks/{id}/run", s.handleRunTask)
	mux.HandleFunc("POST /api/tasks/{id}/toggle", s.handleToggleTask)
	mux.HandleFunc("GET /api/tasks/{id}/results", s.handleListResults)
	mux.HandleFunc("DELETE /api/tasks/{id}/results", s.handleClearResults)
	mux.HandleFunc("DELETE /api/tasks/{id}/results/{rid}", s.handleDeleteResult)
	mux.HandleFunc("POST /api/tasks/batch", s.handleBatch)

	mux.HandleFunc("GET /api/accounts", s.handleListAccounts)

	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("POST /api/templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /api/templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("PUT /api/templates/{id}", s.handleUpdateTemplate)
	mux.HandleFunc("DELETE /api/templates/{id}", s.handleDeleteTemplate)
	mux.HandleFunc("GET /api/templates/export", s.handleExportTemplates)
	mux.HandleFunc("POST /api/templates/import", s.handleImportTemplates)

	s.registerStatic(mux)
}

// resolveHost applies the IPv6 toggle: wildcard and loopback addresses
// get their IPv6 equivalents, any other IPv4 literal is rejected because
// it cannot be bound on an IPv6 socket.
func resolveHost(host string, ipv6 bool) (string, error) {
	if !ipv6 {
		return host, nil
	}
	switch host {
	case "", "0.0.0.0":
		return "::", nil
	case "127.0.0.1", "localhost":
		return "::1", nil
	}
	if ip := net.ParseIP(host); ip != nil && ip.To4() != nil {
		return "", fmt.Errorf("host %q is an IPv4 literal, incompatible with the ipv6 toggle", host)
	}
	return host, nil
}

// ListenAndServe binds the configured address (TLS when configured) and
// serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	host, err := resolveHost(s.cfg.Host, s.cfg.IPv6)
	if err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(s.cfg.Port))

	tlsConfig, err := s.tlsConfig()
	if err != nil {
		return err
	}
	if s.tlsTempDir != "" {
		defer os.RemoveAll(s.tlsTempDir)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		TLSConfig:         tlsConfig,
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	scheme := "http"
	if tlsConfig != nil {
		scheme = "https"
	}
	slog.Info("http server listening", "addr", addr, "scheme", scheme, "base_path", s.cfg.BasePath)

	if tlsConfig != nil {
		err = s.httpServer.ServeTLS(ln, "", "")
	} else {
		err = s.httpServer.Serve(ln)
	}
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
