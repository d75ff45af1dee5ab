// Package server exposes the reconciliation engine over HTTP. Handlers are
// thin: they decode, call the engine or store, and map the error taxonomy to
// status codes. All state changes go through the engine so the API cannot
// bypass invariant checks.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/concilia-dev/concilia/internal/feedback"
	"github.com/concilia-dev/concilia/internal/ingest"
	"github.com/concilia-dev/concilia/internal/metrics"
	"github.com/concilia-dev/concilia/internal/reconciler"
	"github.com/concilia-dev/concilia/internal/reporter"
	"github.com/concilia-dev/concilia/internal/storage"
	"github.com/concilia-dev/concilia/pkg/logger"
)

// Config holds HTTP server settings
type Config struct {
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns production server defaults
func DefaultConfig() *Config {
	return &Config{
		Addr:            ":8080",
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     60 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server wires the engine, importer and exporter behind an HTTP API
type Server struct {
	engine   *reconciler.Engine
	importer *ingest.Importer
	exporter *reporter.Exporter
	analyzer *feedback.Analyzer
	store    storage.Store
	metrics  *metrics.Metrics
	logger   logger.Logger
	config   *Config
	httpSrv  *http.Server
}

// New creates a server. metrics may be nil, which disables the /metrics
// endpoint.
func New(store storage.Store, engine *reconciler.Engine, m *metrics.Metrics, config *Config, log logger.Logger) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if log == nil {
		log = logger.GetGlobalLogger()
	}

	s := &Server{
		engine:   engine,
		importer: ingest.NewImporter(store, m, log),
		exporter: reporter.NewExporter(store, log),
		analyzer: feedback.NewAnalyzer(store, log),
		store:    store,
		metrics:  m,
		logger:   log.WithComponent("server"),
		config:   config,
	}

	s.httpSrv = &http.Server{
		Addr:         config.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s
}

// Routes builds the request mux. Exposed separately so tests can drive the
// handlers without a listening socket.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	mux.HandleFunc("POST /v1/tenants/{tenant}/accounts/{account}/import", s.handleImport)
	mux.HandleFunc("POST /v1/tenants/{tenant}/reconcile", s.handleReconcile)
	mux.HandleFunc("POST /v1/tenants/{tenant}/movements/{movement}/suggestions", s.handleGenerate)
	mux.HandleFunc("GET /v1/tenants/{tenant}/movements/{movement}/evidence", s.handleEvidence)
	mux.HandleFunc("GET /v1/tenants/{tenant}/links/{link}/evidence", s.handleLinkEvidence)
	mux.HandleFunc("GET /v1/tenants/{tenant}/suggestions", s.handleListSuggestions)
	mux.HandleFunc("POST /v1/tenants/{tenant}/suggestions/{suggestion}/apply", s.handleApply)
	mux.HandleFunc("POST /v1/tenants/{tenant}/suggestions/{suggestion}/reject", s.handleReject)
	mux.HandleFunc("GET /v1/tenants/{tenant}/audit/export", s.handleExport)
	mux.HandleFunc("POST /v1/tenants/{tenant}/recalibrate", s.handleRecalibrate)

	return s.logRequests(mux)
}

// Start runs the server until the context is cancelled, then shuts down
// gracefully
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.config.Addr).Info("HTTP server starting")
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("HTTP server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

// logRequests logs one line per request with latency and status
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(recorder, r)

		s.logger.WithFields(logger.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   recorder.status,
			"duration": time.Since(start).String(),
		}).Debug("Request handled")
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
