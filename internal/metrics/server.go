package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
)

// Server exposes the process's Prometheus registry over HTTP.
type Server struct {
	server *http.Server
	log    *common.Logger
}

// NewServer builds a metrics server bound to ":port", serving /metrics.
func NewServer(port string, logger *common.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	return &Server{
		server: &http.Server{
			Addr:    ":" + port,
			Handler: mux,
		},
		log: logger,
	}
}

// StartAsync starts the HTTP listener in its own goroutine.
func (s *Server) StartAsync() {
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error().Err(err).Msg("metrics server stopped unexpectedly")
		}
	}()
}

// Stop gracefully shuts down the HTTP listener.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
