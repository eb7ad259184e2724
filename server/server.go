// Package server implements the doctrack HTTP API: queue state, uploads,
// auth, and SSE change events for the portal UI.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/docsignal/doctrack/config"
	"github.com/docsignal/doctrack/task"
	"github.com/docsignal/doctrack/tracker"
)

// Server is the doctrack HTTP server.
type Server struct {
	cfg     config.Config
	mux     *http.ServeMux
	httpSrv *http.Server
	logger  *slog.Logger

	tracker *tracker.Tracker
	history *task.History
	hub     *hub

	// JWT secret caching
	secretOnce      sync.Once
	generatedSecret string

	routesOnce sync.Once
	unsub      func()
	startTime  time.Time
	version    string
}

// New creates a new Server around a tracker and journal.
func New(cfg config.Config, tr *tracker.Tracker, hist *task.History, ver string, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		logger:    logger,
		tracker:   tr,
		history:   hist,
		hub:       newHub(logger),
		startTime: time.Now(),
		version:   ver,
	}
}

// Start registers routes, subscribes to tracker changes, and begins
// listening.
func (s *Server) Start() error {
	s.routesOnce.Do(s.registerRoutes)

	// Push a queue snapshot to connected UIs on every tracker mutation.
	s.unsub = s.tracker.Subscribe(func() {
		s.hub.Broadcast(Event{Type: "queue", Payload: s.tracker.Tasks()})
	})

	addr := s.cfg.Server.Addr
	if addr == "" {
		addr = ":9480"
	}
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	s.logger.Info("server listening", slog.String("addr", addr))
	return s.httpSrv.ListenAndServe()
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop(ctx context.Context) error {
	if s.unsub != nil {
		s.unsub()
		s.unsub = nil
	}
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the root handler with routes registered, for tests.
func (s *Server) Handler() http.Handler {
	s.routesOnce.Do(s.registerRoutes)
	return s.mux
}

// registerRoutes sets up all HTTP routes.
func (s *Server) registerRoutes() {
	// Public routes (no auth required)
	s.mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	s.mux.HandleFunc("GET /api/status", s.handleStatus)

	// SSE — auth handled inline because EventSource can't set headers
	s.mux.HandleFunc("GET /events", s.handleEvents)

	// Protected API — wrapped in auth middleware
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/auth/me", s.handleMe)
	apiMux.HandleFunc("GET /api/tasks", s.handleListTasks)
	apiMux.HandleFunc("POST /api/uploads", s.handleUpload)
	apiMux.HandleFunc("POST /api/watches", s.handleWatch)
	apiMux.HandleFunc("POST /api/tasks/{id}/retry", s.handleRetry)
	apiMux.HandleFunc("DELETE /api/tasks/{id}", s.handleRemove)
	apiMux.HandleFunc("GET /api/documents", s.handleDocuments)
	apiMux.HandleFunc("PUT /api/context", s.handleSetContext)
	apiMux.HandleFunc("GET /api/history", s.handleHistory)

	s.mux.Handle("/api/", s.authMiddleware(apiMux))
}

// writeJSON encodes v as JSON and writes it with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeJSONError writes a JSON error response.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
