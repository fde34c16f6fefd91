// internal/api/api.go
// HTTP surface of the dispatch server: the socket endpoint, health and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/erilali/dispatch/internal/hub"
	"github.com/erilali/dispatch/internal/logger"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	version           = "1.0.0"
	readHeaderTimeout = 5 * time.Second
)

// Registry is the part of the hub the HTTP layer depends on.
type Registry interface {
	ServeWs(w http.ResponseWriter, r *http.Request)
	Stats() hub.Stats
}

// NATSStatus reports the relay connection state; *nats.Conn satisfies it.
type NATSStatus interface {
	Status() nats.Status
}

type Server struct {
	http     *http.Server
	registry Registry
	nats     NATSStatus
	logger   *logger.Logger
}

// New builds the server. natsConn may be nil when running without NATS.
func New(addr, wsPath string, registry Registry, natsConn NATSStatus, gatherer prometheus.Gatherer, log *logger.Logger) *Server {
	s := &Server{
		registry: registry,
		nats:     natsConn,
		logger:   log,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, registry.ServeWs)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

type healthResponse struct {
	Status  string `json:"status"`
	NATS    string `json:"nats"`
	Clients int    `json:"clients"`
	Bound   int    `json:"bound"`
	Version string `json:"version"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "disconnected"
		if s.nats.Status() == nats.CONNECTED {
			natsStatus = "connected"
		}
	}
	stats := s.registry.Stats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(healthResponse{
		Status:  "ok",
		NATS:    natsStatus,
		Clients: stats.Clients,
		Bound:   stats.Bound,
		Version: version,
	}); err != nil {
		s.logger.Errorf("Failed to write health response: %v", err)
	}
}

// Run serves until ctx is cancelled, then shuts down within shutdownTimeout.
// A listener that cannot bind is returned as an error straight away.
func (s *Server) Run(ctx context.Context, shutdownTimeout time.Duration) error {
	ln, err := net.Listen("tcp", s.http.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.http.Addr, err)
	}
	return s.Serve(ctx, ln, shutdownTimeout)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener, shutdownTimeout time.Duration) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Infof("Server started at %s", ln.Addr())
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
