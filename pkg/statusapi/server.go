// Package statusapi serves a read-only local HTTP view of a studio client.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/psantana5/manim-studio/pkg/jobstate"
	"github.com/psantana5/manim-studio/pkg/logging"
	"github.com/psantana5/manim-studio/pkg/metrics"
	"github.com/psantana5/manim-studio/pkg/middleware"
	"github.com/psantana5/manim-studio/pkg/models"
)

// Source is what the view reads from
type Source interface {
	Snapshot() jobstate.Snapshot
	Subscribe() (<-chan jobstate.Snapshot, func())
	ConnectionState() models.ConnectionState
}

// HealthResponse is the body of /healthz
type HealthResponse struct {
	Status     string                 `json:"status"`
	Connection models.ConnectionState `json:"connection"`
}

// Server is the local status view
type Server struct {
	source   Source
	metrics  *metrics.Recorder
	verifier middleware.Verifier
	log      *logging.Logger
	router   *mux.Router

	httpServer *http.Server
	listener   net.Listener
}

// Option configures a Server
type Option func(*Server)

// WithMetrics exposes the recorder on /metrics
func WithMetrics(m *metrics.Recorder) Option {
	return func(s *Server) { s.metrics = m }
}

// WithVerifier requires a bearer token on every route but /healthz
func WithVerifier(v middleware.Verifier) Option {
	return func(s *Server) { s.verifier = v }
}

// WithLogger sets the logger
func WithLogger(l *logging.Logger) Option {
	return func(s *Server) { s.log = l }
}

// NewServer builds the router
func NewServer(src Source, opts ...Option) *Server {
	s := &Server{source: src, log: logging.Nop()}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("statusapi")

	r := mux.NewRouter()
	r.Use(middleware.RequestLogger(s.log))
	r.Use(middleware.BearerAuth(s.verifier, "/healthz"))
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/state", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	}
	s.router = r
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	return s.router
}

// Listen binds addr and serves in the background
func (s *Server) Listen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Status view stopped", map[string]interface{}{"error": err.Error()})
		}
	}()
	s.log.Info("Status view listening", map[string]interface{}{"addr": ln.Addr().String()})
	return nil
}

// Addr returns the bound address, or "" before Listen
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown stops the server started by Listen
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:     "ok",
		Connection: s.source.ConnectionState(),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.source.Snapshot())
}

// handleEvents streams snapshots as server-sent events, starting with the
// current one.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	updates, cancel := s.source.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	send := func(snap jobstate.Snapshot) error {
		data, err := json.Marshal(snap)
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, "id: %d\nevent: snapshot\ndata: %s\n\n", snap.Version, data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if err := send(s.source.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				return
			}
			if err := send(snap); err != nil {
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
