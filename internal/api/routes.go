package api

import "net/http"

// registerRoutes sets up every REST API route on the mux.
func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/version", s.handleVersion)

	mux.HandleFunc("/api/issuers/", s.handleIssuer)
	mux.HandleFunc("/api/filings/", s.routeFilings)
}
