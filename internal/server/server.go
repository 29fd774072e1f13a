// Package server exposes the orchestration HTTP surface: image upload,
// raster retrieval, job submission and job status, plus a websocket event
// stream. The status-code semantics are load-bearing: 202 means "not ready,
// come back later", anything else non-2xx is terminal for the caller.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"geoclip/internal/config"
	"geoclip/internal/dispatch"
	"geoclip/internal/events"
	"geoclip/internal/materialize"
	"geoclip/internal/storage"
	"geoclip/internal/watch"
	"geoclip/internal/worker"
)

// Server wraps the HTTP server with its collaborators.
type Server struct {
	cfg        *config.Config
	store      *storage.Store
	dispatcher *dispatch.Dispatcher
	mat        *materialize.Materializer
	workerc    *worker.Client
	hub        *events.Hub
	watcher    *watch.OutputWatcher
	log        *slog.Logger
	upgrader   websocket.Upgrader
	server     *http.Server
}

// NewServer wires up the orchestrator.
func NewServer(
	cfg *config.Config,
	store *storage.Store,
	dispatcher *dispatch.Dispatcher,
	mat *materialize.Materializer,
	workerc *worker.Client,
	hub *events.Hub,
	log *slog.Logger,
) (*Server, error) {
	s := &Server{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		mat:        mat,
		workerc:    workerc,
		hub:        hub,
		log:        log,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}

	watcher, err := watch.NewOutputWatcher(cfg.OutputsDir(), hub, log)
	if err != nil {
		log.Warn("failed to set up output watcher", "error", err)
	} else {
		s.watcher = watcher
	}

	return s, nil
}

// Start begins serving until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	if s.hub != nil {
		go s.hub.Run(ctx)
	}
	if s.watcher != nil {
		if err := s.watcher.Start(); err != nil {
			s.log.Warn("output watcher not started", "error", err)
		}
	}

	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.cfg.Server.Addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")

		if s.watcher != nil {
			s.watcher.Stop()
		}

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.cfg.Server.Addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/images", s.handleUpload).Methods("POST")
	r.HandleFunc("/api/images/{id}/raster", s.handleImageRaster).Methods("GET")
	r.HandleFunc("/api/jobs", s.handleCreateJob).Methods("POST")
	r.HandleFunc("/api/jobs", s.handleRecentJobs).Methods("GET")
	r.HandleFunc("/api/jobs/{id}", s.handleJobStatus).Methods("GET")
	r.HandleFunc("/api/jobs/{id}/raster/{which}", s.handleJobRaster).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}

	s.hub.Register(conn)

	go func() {
		defer s.hub.Unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
