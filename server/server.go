// Package server exposes the orchestrator's admin surface: job submission
// and inspection, queue management, cron scheduling, health and metrics,
// plus a websocket feed of job updates.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/albinvar/anatome.ai/config"
	"github.com/albinvar/anatome.ai/control"
	"github.com/albinvar/anatome.ai/job"
	"github.com/albinvar/anatome.ai/metrics"
)

// ShutdownTimeout bounds how long Stop waits for goroutines and draining
// connections.
const ShutdownTimeout = 10 * time.Second

// Server is the HTTP and websocket front end over the control plane.
type Server struct {
	ctrl   *control.Control
	jobs   *job.Store
	cfg    *config.Config
	logger *zap.SugaredLogger

	clients    map[*client]bool
	register   chan *client
	unregister chan *client
	broadcast  chan []byte
	mu         sync.RWMutex

	httpServer *http.Server

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the server. The returned server also implements job.Emitter
// so the control plane and worker pools can feed the websocket stream.
func New(ctx context.Context, ctrl *control.Control, jobs *job.Store, cfg *config.Config, logger *zap.SugaredLogger) *Server {
	srvCtx, cancel := context.WithCancel(ctx)
	return &Server{
		ctrl:       ctrl,
		jobs:       jobs,
		cfg:        cfg,
		logger:     logger.Named("server"),
		clients:    make(map[*client]bool),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan []byte, 64),
		ctx:        srvCtx,
		cancel:     cancel,
	}
}

// routes builds the request mux.
func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/jobs", s.corsMiddleware(s.handleJobs))
	mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.handleJob))
	mux.HandleFunc("/api/queues", s.corsMiddleware(s.handleQueues))
	mux.HandleFunc("/api/queues/", s.corsMiddleware(s.handleQueue))
	mux.HandleFunc("/api/schedules", s.corsMiddleware(s.handleSchedules))
	mux.HandleFunc("/api/schedules/", s.corsMiddleware(s.handleSchedule))
	mux.HandleFunc("/api/metrics", s.corsMiddleware(s.handleMetricsReport))
	mux.HandleFunc("/healthz", s.corsMiddleware(s.handleHealth))
	mux.HandleFunc("/readyz", s.corsMiddleware(s.handleReady))
	mux.HandleFunc("/ws", s.corsMiddleware(s.handleWebSocket))
	mux.Handle("/metrics", metrics.Handler())
	return mux
}

// Start runs the websocket hub and the HTTP listener. Blocks until the
// listener stops.
func (s *Server) Start() error {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runHub()
	}()

	addr := fmt.Sprintf(":%d", s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infow("HTTP server listening", "addr", addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains connections and shuts the hub down.
func (s *Server) Stop() error {
	s.logger.Infow("Initiating server shutdown")

	if s.httpServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warnw("HTTP shutdown did not drain cleanly", "error", err)
		}
	}

	// close websocket connections before cancelling the hub so the pumps
	// unblock first
	s.mu.Lock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Infow("Server shutdown complete")
	case <-time.After(ShutdownTimeout):
		s.logger.Warnw("Server shutdown timed out", "timeout", ShutdownTimeout)
	}
	return nil
}

// callerFrom builds the caller identity from request headers. The owner
// arrives in X-Owner; presenting the configured admin token in
// X-Admin-Token grants admin operations.
func (s *Server) callerFrom(r *http.Request) control.Caller {
	caller := control.Caller{Owner: r.Header.Get("X-Owner")}
	token := r.Header.Get("X-Admin-Token")
	if token != "" && s.cfg.Server.AdminToken != "" && token == s.cfg.Server.AdminToken {
		caller.IsAdmin = true
	}
	return caller
}

// corsMiddleware adds CORS headers using the configured origin allowlist.
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-Owner, X-Admin-Token")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// originAllowed checks an Origin header against the allowlist. Prefix
// matching allows any port number.
func (s *Server) originAllowed(origin string) bool {
	for _, allowed := range s.cfg.Server.AllowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}
