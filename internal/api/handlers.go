package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/common"
	"github.com/stevenmcsorley/sec-filing-intelligence/internal/errs"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet, http.MethodHead) {
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{
		"version": common.GetVersion(),
		"build":   common.GetBuild(),
		"commit":  common.GetGitCommit(),
	})
}

// handleIssuer serves GET /api/issuers/{cik}.
func (s *Server) handleIssuer(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	cik := PathParam(r, "/api/issuers/", "")
	if cik == "" {
		WriteError(w, http.StatusBadRequest, "issuer cik is required")
		return
	}

	issuer, err := s.ds.Issuers().GetByCIK(r.Context(), cik)
	if err != nil {
		s.writeLookupError(w, err, "issuer")
		return
	}
	WriteJSON(w, http.StatusOK, issuer)
}

// routeFilings dispatches GET /api/filings/{accession}[/sections|/entities|/diff].
func (s *Server) routeFilings(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/api/filings/")
	parts := strings.SplitN(rest, "/", 2)
	accession := parts[0]
	if accession == "" {
		WriteError(w, http.StatusBadRequest, "filing accession is required")
		return
	}

	filing, err := s.ds.Filings().GetByAccession(r.Context(), accession)
	if err != nil {
		s.writeLookupError(w, err, "filing")
		return
	}

	if len(parts) == 1 {
		WriteJSON(w, http.StatusOK, filing)
		return
	}

	switch parts[1] {
	case "sections":
		sections, err := s.ds.Sections().ListByFiling(r.Context(), filing.ID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, sections)
	case "entities":
		entities, err := s.ds.Entities().ListByFiling(r.Context(), filing.ID)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, entities)
	case "diff":
		diff, err := s.ds.Diffs().GetByCurrentFilingID(r.Context(), filing.ID)
		if err != nil {
			s.writeLookupError(w, err, "diff")
			return
		}
		WriteJSON(w, http.StatusOK, diff)
	default:
		WriteError(w, http.StatusNotFound, "unknown filing sub-resource")
	}
}

func (s *Server) writeLookupError(w http.ResponseWriter, err error, kind string) {
	if errors.Is(err, errs.ErrNotFound) {
		WriteError(w, http.StatusNotFound, kind+" not found")
		return
	}
	WriteError(w, http.StatusInternalServerError, err.Error())
}
