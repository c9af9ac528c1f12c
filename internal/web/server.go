// Package web is the local admin surface: game-event webhooks from the
// scoring backend plus a handful of operator endpoints. It binds to localhost
// and carries no authentication.
package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"fireball/internal/history"
)

// Core is the runtime surface the admin endpoints drive.
type Core interface {
	Refresh(ctx context.Context) error
	GameTick(ctx context.Context, roundID int)
	RepoScan(ctx context.Context) error
	StartExploit(ctx context.Context, exploitID string) error
}

// History exposes the local execution journal. May be nil when journaling is
// disabled.
type History interface {
	RecentExecutions(ctx context.Context, limit int) ([]history.Execution, error)
}

// Server routes admin requests to the runtime.
type Server struct {
	core    Core
	history History
	metrics http.Handler
	logger  *slog.Logger
}

// NewServer wires the admin surface. history and metrics may be nil.
func NewServer(core Core, hist History, metrics http.Handler, logger *slog.Logger) *Server {
	return &Server{core: core, history: hist, metrics: metrics, logger: logger}
}

// Router builds the HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health_check", s.handleHealthCheck)
	r.Post("/refresh", s.handleRefresh)
	r.Post("/tick", s.handleTick)
	r.Post("/scan", s.handleScan)
	r.Get("/exec", s.handleExec)
	r.Get("/executions", s.handleExecutions)
	if s.metrics != nil {
		r.Get("/metrics", s.metrics.ServeHTTP)
	}
	return r
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func ok(w http.ResponseWriter) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	ok(w)
}

// handleRefresh resyncs teams and problems synchronously so the caller learns
// about a broken scoring backend right away.
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if err := s.core.Refresh(r.Context()); err != nil {
		s.logger.Error("refresh failed", "error", err)
		fail(w, http.StatusBadGateway, err.Error())
		return
	}
	ok(w)
}

// handleTick acknowledges immediately; scheduling a whole round can take
// longer than the webhook sender is willing to wait.
func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	roundID, err := strconv.Atoi(r.URL.Query().Get("round_id"))
	if err != nil || roundID < 0 {
		fail(w, http.StatusBadRequest, "round_id must be a non-negative integer")
		return
	}
	go s.core.GameTick(context.WithoutCancel(r.Context()), roundID)
	ok(w)
}

func (s *Server) handleScan(w http.ResponseWriter, r *http.Request) {
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.core.RepoScan(ctx); err != nil {
			s.logger.Error("repo scan failed", "error", err)
		}
	}()
	ok(w)
}

func (s *Server) handleExec(w http.ResponseWriter, r *http.Request) {
	exploitID := r.URL.Query().Get("exploit_id")
	if exploitID == "" {
		fail(w, http.StatusBadRequest, "exploit_id is required")
		return
	}
	ctx := context.WithoutCancel(r.Context())
	go func() {
		if err := s.core.StartExploit(ctx, exploitID); err != nil {
			s.logger.Error("manual exploit run failed", "exploit_id", exploitID, "error", err)
		}
	}()
	ok(w)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		fail(w, http.StatusNotFound, "execution history is disabled")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			fail(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}
	executions, err := s.history.RecentExecutions(r.Context(), limit)
	if err != nil {
		s.logger.Error("failed to read execution history", "error", err)
		fail(w, http.StatusInternalServerError, err.Error())
		return
	}
	if executions == nil {
		executions = []history.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

// Serve runs the admin server until ctx is canceled, then drains in-flight
// requests.
func (s *Server) Serve(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.ListenAndServe()
	}()
	s.logger.Info("admin server listening", "addr", addr)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}
