// Package api implements a thin read-only REST facade over the
// ingestion pipeline's datastore: filings, sections, entities and
// diffs for browsing, with no write endpoints and no auth layer.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/interfaces"
)

// Server wraps the read-only HTTP API.
type Server struct {
	ds     interfaces.Datastore
	logger *common.Logger
	server *http.Server
}

// NewServer builds the REST facade bound to ds, listening on host:port.
func NewServer(ds interfaces.Datastore, host string, port int, logger *common.Logger) *Server {
	s := &Server{ds: ds, logger: logger}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", host, port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler returns the underlying HTTP handler, for testing.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server, blocking until it stops.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("starting read-only REST API")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
