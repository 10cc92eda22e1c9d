// Package server exposes the HTTP control plane: run admission, inspection,
// live SSE streams, approval decisions, queue edits and operational
// endpoints. Handlers translate between the wire shapes and the engine; all
// orchestration logic lives behind the engine and approval controller.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/weftlabs/weft/internal/approval"
	"github.com/weftlabs/weft/internal/config"
	"github.com/weftlabs/weft/internal/engine"
	"github.com/weftlabs/weft/internal/eventbus"
	"github.com/weftlabs/weft/internal/examples"
	"github.com/weftlabs/weft/internal/logger"
	"github.com/weftlabs/weft/internal/metrics"
)

// Params carries the server's collaborators.
type Params struct {
	Config    *config.Config
	Engine    *engine.Engine
	Approvals *approval.Controller
	Examples  *examples.Registry
	Bus       *eventbus.Bus
	Metrics   *metrics.Metrics
	Registry  *prometheus.Registry
}

// Server serves the control plane over HTTP.
type Server struct {
	cfg       *config.Config
	engine    *engine.Engine
	approvals *approval.Controller
	examples  *examples.Registry
	bus       *eventbus.Bus
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	limiter   *visitorLimiter

	httpServer *http.Server
	startedAt  time.Time
}

// New assembles a server. It does not listen yet.
func New(p Params) *Server {
	return &Server{
		cfg:       p.Config,
		engine:    p.Engine,
		approvals: p.Approvals,
		examples:  p.Examples,
		bus:       p.Bus,
		metrics:   p.Metrics,
		registry:  p.Registry,
		limiter:   newVisitorLimiter(p.Config.Safety.RateLimitWindow, p.Config.Safety.RateLimitMax),
		startedAt: time.Now(),
	}
}

// Handler builds the routing tree. Exposed separately so tests can drive the
// full middleware stack through httptest without a listener.
func (s *Server) Handler() http.Handler {
	requestLogger := httplog.NewLogger("http", httplog.Options{
		LogLevel:         slog.LevelDebug,
		JSON:             s.cfg.Core.LogFormat == "json",
		Concise:          true,
		MessageFieldName: "msg",
	})

	r := chi.NewMux()
	r.Use(chimiddleware.RealIP)
	// RequestLogger chains RequestID itself.
	r.Use(httplog.RequestLogger(requestLogger, []string{"/health", "/metrics"}))
	r.Use(chimiddleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   s.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}))

	r.Get("/health", s.handleHealth)
	if s.registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	}

	r.Route(s.apiBase(), func(r chi.Router) {
		r.Use(rateLimit(s.limiter))
		if s.cfg.Server.APIKey != "" {
			r.Use(apiKeyAuth(s.cfg.Server.APIKey))
		}
		r.Use(requireJSON)
		r.Use(maxBytes(s.cfg.Safety.MaxRequestBytes))

		r.Post("/run", s.handleStartRun)
		r.Get("/runs", s.handleListRuns)
		r.Post("/runs/stop-all", s.handleStopAll)
		r.Route("/runs/{id}", func(r chi.Router) {
			r.Get("/", s.handleRunDetail)
			r.Get("/replay", s.handleReplay)
			r.Get("/events", s.handleRunEvents)
			r.Post("/stop", s.handleStop)
			r.Post("/approvals", s.handleApproval)
			r.Post("/approvals/{token}", s.handleApproval)
		})
		r.Get("/approvals/latest", s.handleLatestApproval)
		r.Post("/approvals/latest", s.handleDecideLatest)
		r.Get("/queue", s.handleQueueList)
		r.Patch("/queue/{id}", s.handleQueueUpdate)
		r.Post("/queue/reorder", s.handleQueueReorder)
		r.Get("/safety", s.handleSafety)
		r.Get("/examples", s.handleExamples)
	})

	return r
}

// Serve listens until ctx is cancelled or the listener fails, then drains
// in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Addr(),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(ctx, "Control plane listening", slog.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	return s.Shutdown(shutdownCtx)
}

// Shutdown stops accepting connections and waits for in-flight requests.
// Open SSE streams end when the engine closes their runs or the context
// deadline passes.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	logger.Info(ctx, "Control plane shutting down")
	s.httpServer.SetKeepAlivesEnabled(false)
	return s.httpServer.Shutdown(ctx)
}

// apiBase joins the configured base path with the API prefix.
func (s *Server) apiBase() string {
	base := strings.Trim(s.cfg.Server.BasePath, "/")
	if base == "" {
		return "/api/dag"
	}
	return "/" + base + "/api/dag"
}

func (s *Server) allowedOrigins() []string {
	if len(s.cfg.Server.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return s.cfg.Server.AllowedOrigins
}

// sseURL is the stream path handed back on admission so callers can attach
// without building URLs themselves.
func (s *Server) sseURL(runID string) string {
	return s.apiBase() + "/runs/" + runID + "/events"
}
