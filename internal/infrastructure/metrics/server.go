// Package metrics serves the operational HTTP surface: Prometheus metrics
// plus the liveness and readiness probes.
package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"basis_arb/internal/core"
	"basis_arb/pkg/telemetry"
)

// Server exposes /metrics, /healthz and /readyz on one listener.
type Server struct {
	addr   string
	logger core.ILogger
	health core.IHealthMonitor

	ready atomic.Bool
	srv   *http.Server
}

// NewServer creates the server. health may be nil; the probe endpoints then
// report process state only.
func NewServer(addr string, health core.IHealthMonitor, logger core.ILogger) *Server {
	return &Server{
		addr:   addr,
		logger: logger.WithField("component", "metrics_server"),
		health: health,
	}
}

// SetReady flips the readiness gate. Bootstrap raises it once every venue
// and engine has started, and lowers it again during shutdown so probes
// drain traffic before connections close.
func (s *Server) SetReady(ready bool) { s.ready.Store(ready) }

// Start serves in the background until Stop.
func (s *Server) Start() {
	s.srv = &http.Server{
		Addr:              s.addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		s.logger.Info("metrics server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("metrics server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	s.logger.Info("stopping metrics server")
	return s.srv.Shutdown(ctx)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readyz", s.handleReadyz)
	return mux
}

// handleHealthz reports overall liveness: component probe results plus the
// per-task engine gauges operators check first during an incident.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	m := telemetry.GetGlobalMetrics()
	body := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339Nano),
		"engines": map[string]interface{}{
			"state":         m.GetEngineStates(),
			"active_orders": m.GetActiveOrders(),
		},
	}

	code := http.StatusOK
	if s.health != nil {
		body["components"] = s.health.GetStatus()
		if !s.health.IsHealthy() {
			body["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, body)
}

// handleReadyz answers 200 only after bootstrap raised the gate and every
// registered probe passes.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ready.Load() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":  false,
			"reason": "starting",
		})
		return
	}
	if s.health != nil && !s.health.IsHealthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"ready":      false,
			"components": s.health.GetStatus(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"ready": true})
}

func writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}
