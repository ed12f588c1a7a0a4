// Package server provides the HTTP server that wires the evaluation
// services together.
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/o19s/search-relevance/internal/bus"
	"github.com/o19s/search-relevance/internal/config"
	"github.com/o19s/search-relevance/internal/engine"
	"github.com/o19s/search-relevance/internal/ingest"
	"github.com/o19s/search-relevance/internal/judgments"
	"github.com/o19s/search-relevance/internal/judgments/coec"
	"github.com/o19s/search-relevance/internal/observability"
	"github.com/o19s/search-relevance/internal/pkg/logger"
	"github.com/o19s/search-relevance/internal/pkg/middleware"
	"github.com/o19s/search-relevance/internal/runner"
	"github.com/o19s/search-relevance/internal/sampling"
)

// Server is the main HTTP server that wires the evaluation services
// together.
type Server struct {
	cfg        config.Config
	log        *logger.Logger
	httpServer *http.Server

	// Services
	engine        engine.SearchEngine
	bus           bus.Bus
	judgmentStore *judgments.Store
	queryCache    *coec.QueryCache
	querySets     *sampling.Store
	searchConfigs *runner.SearchConfigStore
	runner        *runner.Runner
	ingest        *ingest.Consumer
	collectors    *observability.Collectors
	history       *observability.RunHistory

	mu      sync.RWMutex
	started bool
}

// New creates a new server with all dependencies.
func New(cfg config.Config, log *logger.Logger) (*Server, error) {
	s := &Server{
		cfg: cfg,
		log: log,
	}
	s.collectors = observability.NewCollectors()

	es, err := engine.NewElasticsearch(cfg.Elasticsearch, log)
	if err != nil {
		return nil, fmt.Errorf("creating search backend: %w", err)
	}
	es.SetObserver(s.collectors)
	s.engine = es

	eventBus, err := bus.NewBus(cfg.Bus, log)
	if err != nil {
		return nil, fmt.Errorf("creating event bus: %w", err)
	}
	s.bus = eventBus

	s.judgmentStore = judgments.NewStore(s.engine, log)
	s.queryCache = coec.NewQueryCache(s.engine, cfg.Coec.QueryCacheSize)
	s.querySets = sampling.NewStore(s.engine, log)
	s.searchConfigs = runner.NewSearchConfigStore(s.engine, log)

	scorer := runner.NewScorer(s.judgmentStore, log)
	s.runner = runner.New(s.engine, s.querySets, scorer, runner.Options{
		Workers:       cfg.Runner.Concurrency,
		RatePerSecond: cfg.Runner.RequestsPerSecond,
		Burst:         cfg.Runner.Burst,
	}, log)

	s.ingest = ingest.NewConsumer(s.engine, s.bus, ingest.Options{Ingested: s.collectors.EventsIngested}, log)

	// Run history is optional; without Redis the service still works.
	if cfg.Redis.URL != "" {
		history, err := observability.NewRunHistory(cfg.Redis.URL)
		if err != nil {
			return nil, fmt.Errorf("connecting run history: %w", err)
		}
		s.history = history
	}

	return s, nil
}

// Start starts event ingestion and the HTTP server. Blocks until the
// server stops.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.started = true
	s.mu.Unlock()

	if err := s.ingest.Start(context.Background()); err != nil {
		return fmt.Errorf("starting event ingestion: %w", err)
	}

	handler := s.setupRoutes()

	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // query set runs respond synchronously
	}

	s.log.Info("starting HTTP server", "addr", addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}

	s.log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("HTTP shutdown error", "error", err)
		}
	}

	if err := s.ingest.Stop(shutdownCtx); err != nil {
		s.log.Error("ingestion shutdown error", "error", err)
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.history != nil {
		s.history.Close()
	}

	s.started = false
	s.log.Info("server stopped")

	return nil
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", s.collectors.Handler())

	mux.HandleFunc("POST /judgments", s.handleCreateJudgments)
	mux.HandleFunc("DELETE /judgments/{id}", s.handleDeleteJudgments)

	mux.HandleFunc("POST /query_sets", s.handleCreateQuerySet)
	mux.HandleFunc("GET /query_sets/{id}", s.handleGetQuerySet)
	mux.HandleFunc("DELETE /query_sets/{id}", s.handleDeleteQuerySet)

	mux.HandleFunc("POST /experiments", s.handleRunExperiment)
	mux.HandleFunc("GET /history/{metric}", s.handleRunHistory)

	mux.HandleFunc("POST /search_configurations", s.handleCreateSearchConfig)
	mux.HandleFunc("GET /search_configurations", s.handleListSearchConfigs)
	mux.HandleFunc("DELETE /search_configurations/{id}", s.handleDeleteSearchConfig)

	var handler http.Handler = mux
	if s.cfg.Security.RateLimit > 0 {
		limiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: float64(s.cfg.Security.RateLimit),
			Burst:             s.cfg.Security.RateLimit * 2,
			CleanupInterval:   time.Minute,
		})
		handler = limiter.Middleware(handler)
	}

	return s.wrapWithLogging(handler)
}

// wrapWithLogging logs each request with its status and duration.
func (s *Server) wrapWithLogging(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		handler.ServeHTTP(wrapped, r)

		s.log.Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (w *responseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Health returns the server health status.
func (s *Server) Health() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started
}
