// Package api serves the admin surface: composite status, aggregated
// statistics, the audit log, Prometheus metrics, health probes, and a
// websocket event stream. Read-only by design; configuration changes go
// through config files, not the API.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/bastion/internal/config"
	"grimm.is/bastion/internal/health"
	"grimm.is/bastion/internal/logging"
	"grimm.is/bastion/internal/manager"
)

// Server is the admin HTTP server.
type Server struct {
	mgr    *manager.Manager
	cfg    config.APIConfig
	logger *logging.Logger
	mux    *http.ServeMux
	http   *http.Server
}

// NewServer builds the admin server over an initialized manager.
func NewServer(mgr *manager.Manager, cfg config.APIConfig) *Server {
	s := &Server{
		mgr:    mgr,
		cfg:    cfg,
		logger: logging.WithComponent("api"),
		mux:    http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/v1/status", s.handleStatus)
	s.mux.HandleFunc("GET /api/v1/stats", s.handleStats)
	s.mux.HandleFunc("GET /api/v1/rules", s.handleRules)
	s.mux.HandleFunc("GET /api/v1/signatures", s.handleSignatures)
	s.mux.HandleFunc("GET /api/v1/intrusions", s.handleIntrusions)
	s.mux.HandleFunc("GET /api/v1/tunnels", s.handleTunnels)
	s.mux.HandleFunc("GET /api/v1/audit", s.handleAudit)
	s.mux.HandleFunc("GET /api/v1/attestation", s.handleAttestation)
	s.mux.HandleFunc("GET /api/v1/ws", s.handleEventsWS)

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /healthz", s.mgr.Checker().Handler())
	s.mux.HandleFunc("GET /readyz", s.mgr.Checker().ReadinessHandler())
	s.mux.HandleFunc("GET /livez", health.LivenessHandler())
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

// ListenAndServe runs the server until the context is canceled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Listen
	if addr == "" {
		addr = "127.0.0.1:8440"
	}
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("admin api listening", "addr", addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
