// Package health provides the daemon's HTTP health and status endpoints.
//
// Docker and Kubernetes probes use /healthz and /readyz to monitor the
// daemon's liveness. /statusz additionally reports the current session
// snapshot for local inspection.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/hearthctl/hearth/internal/session"
)

// Server is a lightweight HTTP server that exposes /healthz, /readyz
// and /statusz.
type Server struct {
	port     int
	sessions *session.Manager
	ready    atomic.Bool
	server   *http.Server
}

// New creates a new health check server. sessions may be nil, in which
// case /statusz reports an empty snapshot.
func New(port int, sessions *session.Manager) *Server {
	return &Server{port: port, sessions: sessions}
}

// SetReady marks the daemon as ready to accept traffic.
func (s *Server) SetReady(ready bool) {
	s.ready.Store(ready)
}

// ListenAndServe starts the health check HTTP server.
// It blocks until the context is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := http.NewServeMux()

	probe := func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "not_ready"})
			return
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}

	mux.HandleFunc("GET /healthz", probe)
	mux.HandleFunc("GET /readyz", probe)

	mux.HandleFunc("GET /statusz", func(w http.ResponseWriter, r *http.Request) {
		var snap session.Snapshot
		if s.sessions != nil {
			snap = s.sessions.Snapshot()
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(snap)
	})

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	slog.Info("health server listening", "port", s.port)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.server.Shutdown(shutdownCtx)
	}()

	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("health server: %w", err)
	}
	return nil
}
