package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ha1tch/bizzgraph/pkg/bizzdesign"
	"github.com/ha1tch/bizzgraph/pkg/cache"
	"github.com/ha1tch/bizzgraph/pkg/config"
	"github.com/ha1tch/bizzgraph/pkg/metrics"
	"github.com/ha1tch/bizzgraph/pkg/models"
	"github.com/ha1tch/bizzgraph/pkg/pipeline"
	"github.com/ha1tch/bizzgraph/pkg/progress"
	"github.com/ha1tch/bizzgraph/pkg/storage"
	"github.com/ha1tch/bizzgraph/pkg/validation"
	"github.com/rs/zerolog"
)

// queryTimeout bounds read-only API requests
const queryTimeout = 60 * time.Second

// Upstream is the part of the upstream client served directly over HTTP
type Upstream interface {
	Repositories(ctx context.Context) ([]models.Repository, error)
	ObjectDataBlocks(ctx context.Context, repoID, objectID string) ([]models.Document, error)
	DataBlockDefinition(ctx context.Context, repoID, namespace, name string) (*bizzdesign.DataBlockDefinition, error)
	Logs(limit int) []bizzdesign.CallLog
}

// Deps are the components the server routes requests to.
// Cache, Upstream and Metrics may be nil.
type Deps struct {
	Store    storage.GraphReader
	Cache    cache.Cache
	Pipeline *pipeline.Pipeline
	Upstream Upstream
	Bus      *progress.Bus
	Metrics  *metrics.Collector
}

// Server represents the HTTP server
type Server struct {
	config   *config.Config
	store    storage.GraphReader
	cache    cache.Cache
	pipeline *pipeline.Pipeline
	upstream Upstream
	bus      *progress.Bus
	metrics  *metrics.Collector
	logger   zerolog.Logger
	router   *chi.Mux
}

// New creates a new server instance
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		config:   cfg,
		store:    deps.Store,
		cache:    deps.Cache,
		pipeline: deps.Pipeline,
		upstream: deps.Upstream,
		bus:      deps.Bus,
		metrics:  deps.Metrics,
		logger:   logger.With().Str("component", "server").Logger(),
		router:   chi.NewRouter(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.config.CORSOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID", "X-Cache"},
		MaxAge:         300,
	}))
	if s.metrics != nil {
		s.router.Use(s.instrument)
	}

	// Health check
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/version", s.handleVersion)
	if s.metrics != nil && s.config.MetricsEnabled {
		s.router.Handle("/metrics", s.metrics.Handler())
	}

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// Long-running and streaming routes carry no request timeout
		r.Post("/sync", s.handleSync)
		r.Post("/import", s.handleImport)
		r.Get("/import/status", s.handleImportStatus)
		r.Get("/progress", s.handleProgress)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(queryTimeout))

			r.Get("/repositories", s.handleRepositories)

			r.Get("/objects", s.handleListObjects)
			r.Get("/objects/{id}", s.handleGetObject)
			r.Get("/stats", s.handleStats)

			r.Get("/graph", s.handleGraph)
			r.Get("/graph/neighbors/{id}", s.handleNeighbors)

			r.Get("/analyze/centrality", s.handleCentrality)
			r.Get("/analyze/paths", s.handlePaths)

			r.Get("/datablocks", s.handleListDataBlocks)
			r.Get("/datablocks/object/{objectId}", s.handleDataBlocksByObject)
			r.Get("/datablocks/object/{objectId}/live", s.handleLiveDataBlocks)
			r.Get("/datablocks/definitions/{namespace}/{name}", s.handleDataBlockDefinition)
			r.Get("/datablocks/{id}", s.handleGetDataBlock)

			r.Get("/logs/bizzdesign", s.handleCallLogs)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.logger.Info().Str("addr", addr).Msg("Starting server")
	return http.ListenAndServe(addr, s.router)
}

// Handler returns the HTTP handler (useful for testing)
func (s *Server) Handler() http.Handler {
	return s.router
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"version":   config.Version,
	})
}

// handleVersion returns server version
func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{
		"version": config.Version,
	})
}

// instrument records request counts and latency per route pattern
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveHTTP(r.Method, route, status, time.Since(start))
	})
}

// ============================================================================
// Envelope helpers
// ============================================================================

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (s *Server) writeData(w http.ResponseWriter, data interface{}) {
	s.writeJSON(w, http.StatusOK, models.Response{Success: true, Data: data})
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, models.Response{Success: false, Error: message})
}

// fail maps err to a status code and writes the error envelope
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case validation.IsValidationError(err):
		status = http.StatusBadRequest
	case errors.Is(err, storage.ErrNotFound),
		errors.Is(err, bizzdesign.ErrRepositoryNotFound),
		errors.Is(err, pipeline.ErrNoSnapshot):
		status = http.StatusNotFound
	case errors.Is(err, pipeline.ErrRunInProgress):
		status = http.StatusConflict
	case errors.Is(err, bizzdesign.ErrUnauthorized):
		status = http.StatusBadGateway
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error().Err(err).
			Str("path", r.URL.Path).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("Request failed")
	}
	s.writeError(w, status, err.Error())
}

// cached serves a repository-scoped response from the cache, computing and
// storing it on a miss. Only successful envelopes are cached.
func (s *Server) cached(w http.ResponseWriter, r *http.Request, repoID, kind string,
	compute func() (interface{}, *models.Pagination, error)) {
	key := cache.Key(repoID, kind, r.URL.Query())

	if s.cache != nil {
		if body, err := s.cache.Get(r.Context(), key); err == nil {
			s.metrics.CacheHit(true)
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Cache", "HIT")
			w.WriteHeader(http.StatusOK)
			w.Write(body)
			return
		}
		s.metrics.CacheHit(false)
	}

	data, pagination, err := compute()
	if err != nil {
		s.fail(w, r, err)
		return
	}

	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(models.Response{Success: true, Data: data, Pagination: pagination}); err != nil {
		s.fail(w, r, fmt.Errorf("failed to encode response: %w", err))
		return
	}
	if s.cache != nil && repoID != "" {
		if err := s.cache.Set(r.Context(), key, buf.Bytes(), s.config.CacheDuration()); err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Failed to cache response")
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", "MISS")
	w.WriteHeader(http.StatusOK)
	w.Write(buf.Bytes())
}

// ============================================================================
// Request parameters
// ============================================================================

// repositoryID returns the repositoryId query parameter or the configured
// default. An empty result means no repository is selected.
func (s *Server) repositoryID(r *http.Request) (string, error) {
	id := r.URL.Query().Get("repositoryId")
	if id == "" {
		id = s.config.RepositoryID
	}
	if id == "" {
		return "", nil
	}
	if err := validation.RepositoryID(id); err != nil {
		return "", err
	}
	return id, nil
}

// requireRepositoryID is repositoryID for routes that cannot answer without one
func (s *Server) requireRepositoryID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, err := s.repositoryID(r)
	if err != nil {
		s.fail(w, r, err)
		return "", false
	}
	if id == "" {
		s.writeError(w, http.StatusBadRequest, "repositoryId is required")
		return "", false
	}
	return id, true
}

// objectParam reads and validates an object id URL parameter
func (s *Server) objectParam(w http.ResponseWriter, r *http.Request, name string) (string, bool) {
	id := chi.URLParam(r, name)
	if err := validation.ObjectID(id); err != nil {
		s.fail(w, r, err)
		return "", false
	}
	return id, true
}

func queryInt(r *http.Request, name string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(name))
	if err != nil {
		return fallback
	}
	return v
}

func queryBool(r *http.Request, name string) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get(name))
	return err == nil && v
}
