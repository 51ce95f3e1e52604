// Package server exposes the orchestration engine over HTTP: a JSON
// REST surface for submitting and inspecting jobs, a callback endpoint
// for agent transition reports, and a WebSocket channel that pushes
// progress notifications to connected clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/toolforge/toolforge/internal/engine"
	"github.com/toolforge/toolforge/internal/events"
	"github.com/toolforge/toolforge/internal/logging"
)

// Server represents the HTTP server fronting the orchestration engine.
type Server struct {
	port   int
	engine *engine.Engine
	hub    *Hub
	log    *logging.Logger

	// HTTP server
	server   *http.Server
	listener net.Listener

	// Lifecycle
	mu      sync.Mutex
	started bool
}

// NewServer creates a new Server instance.
func NewServer(port int, eng *engine.Engine, bus *events.Bus) (*Server, error) {
	if eng == nil {
		return nil, errors.New("engine is required")
	}
	if bus == nil {
		return nil, errors.New("event bus is required")
	}

	return &Server{
		port:   port,
		engine: eng,
		hub:    NewHub(bus),
		log:    logging.With("component", "server"),
	}, nil
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Start starts the HTTP server and the WebSocket hub.
// The server runs until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("server already started")
	}

	addr := fmt.Sprintf(":%d", s.port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	s.started = true
	s.mu.Unlock()

	s.hub.Start(ctx)

	s.log.Info("server listening", "addr", listener.Addr().String())

	err = s.server.Serve(listener)
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started || s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown error: %w", err)
	}

	s.hub.Close()
	s.started = false
	return nil
}

// ListenAddr returns the actual address the server is listening on.
// Useful when port 0 is used to get an available port.
// Returns empty string if not started.
func (s *Server) ListenAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// routes builds the router.
func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)

	r.Route("/jobs", func(r chi.Router) {
		r.Post("/", s.handleCreateJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{jobID}", s.handleGetJob)
		r.Post("/{jobID}/cancel", s.handleCancelJob)
		r.Get("/{jobID}/tasks", s.handleListJobTasks)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/{taskID}", s.handleGetTask)
		r.Get("/{taskID}/files", s.handleGetTaskFiles)
	})

	// Transition callbacks from the generation agent.
	r.Post("/internal/tasks/{taskID}/advance", s.handleAdvanceTask)

	r.Get("/ws", s.hub.handleWS)

	return r
}

// logRequests logs one line per request at debug level.
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start).String(),
			"requestId", middleware.GetReqID(r.Context()))
	})
}
