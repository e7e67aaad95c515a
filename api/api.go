// Package api exposes the research pipeline over HTTP (chi) and MCP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hazyhaar/recherche/research"
	"github.com/hazyhaar/recherche/search"
	"github.com/hazyhaar/recherche/store"
)

// Server bundles the pipeline components behind the transport handlers.
type Server struct {
	research *research.Orchestrator
	search   *search.Orchestrator
	cache    *store.ResultCache
	logger   *slog.Logger
}

// New creates the API server. cache may be nil when caching is disabled.
func New(r *research.Orchestrator, s *search.Orchestrator, cache *store.ResultCache, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{research: r, search: s, cache: cache, logger: logger}
}

// Routes builds the HTTP router.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Post("/research", s.handleResearch)
		r.Get("/research/state", s.handleResearchState)
		r.Post("/research/reset", s.handleResearchReset)
		r.Post("/search", s.handleSearch)
		r.Get("/engines/health", s.handleEngineHealth)
		r.Get("/cache/stats", s.handleCacheStats)
		r.Delete("/cache/expired", s.handleCacheClean)
	})
	return r
}

type researchRequest struct {
	Query string `json:"query"`
}

func (s *Server) handleResearch(w http.ResponseWriter, r *http.Request) {
	var req researchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("body must be {\"query\": \"...\"}"))
		return
	}

	state, err := s.research.Run(r.Context(), req.Query)
	if err != nil {
		s.writeJSON(w, http.StatusBadGateway, state)
		return
	}
	s.writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleResearchState(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.research.State())
}

func (s *Server) handleResearchReset(w http.ResponseWriter, r *http.Request) {
	s.research.Reset()
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	Query    string `json:"query"`
	Limit    int    `json:"limit"`
	FetchTop int    `json:"fetch_top"`
	Round    int    `json:"round"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		s.writeError(w, http.StatusBadRequest, errors.New("body must include a query"))
		return
	}

	resp, err := s.search.SmartSearchRAG(r.Context(), req.Query, req.Limit, req.FetchTop, req.Round)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err)
		return
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEngineHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.search.Health().Snapshot())
}

func (s *Server) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusNotFound, errors.New("result cache disabled"))
		return
	}
	stats, err := s.cache.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCacheClean(w http.ResponseWriter, r *http.Request) {
	if s.cache == nil {
		s.writeError(w, http.StatusNotFound, errors.New("result cache disabled"))
		return
	}
	n, err := s.cache.CleanExpired(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"removed": n})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encode failed", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
