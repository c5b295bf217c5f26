package transport

import (
	"context"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mohammadhprp/ratelimiting/internal/handler"
	"github.com/mohammadhprp/ratelimiting/internal/middleware"
)

// HTTPServer implements the Server interface for HTTP transport
type HTTPServer struct {
	server  *http.Server
	router  *mux.Router
	address string
	logger  *zap.Logger
	cfg     ServerConfig
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg ServerConfig) *HTTPServer {
	router := mux.NewRouter()

	hs := &HTTPServer{
		address: cfg.Address,
		logger:  cfg.Logger,
		router:  router,
		cfg:     cfg,
		server: &http.Server{
			Addr:         cfg.Address,
			Handler:      router,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
	}

	hs.registerRoutes()
	return hs
}

// registerRoutes registers all HTTP routes. Health and metrics stay outside
// admission so probes are never throttled.
func (hs *HTTPServer) registerRoutes() {
	healthCheck := handler.NewHealthCheckHandler(hs.cfg.Health, hs.logger)
	hs.router.HandleFunc("/health", healthCheck.HealthCheck()).Methods(http.MethodGet)

	if hs.cfg.Gatherer != nil {
		hs.router.Handle("/metrics", promhttp.HandlerFor(hs.cfg.Gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	admissionHandler := handler.NewAdmissionHandler(hs.cfg.Pipeline.Registry(), hs.cfg.Counter, hs.logger)
	api := hs.router.PathPrefix("/admission").Subrouter()
	api.Use(middleware.Admission(hs.cfg.Pipeline, hs.logger, middleware.WithRateLimitHeaders()))
	api.HandleFunc("/rules", admissionHandler.Rules()).Methods(http.MethodGet)
	api.HandleFunc("/counters/{rule}", admissionHandler.Counter()).Methods(http.MethodGet)
}

// Handler returns the root HTTP handler
func (hs *HTTPServer) Handler() http.Handler {
	return hs.router
}

// Start starts the HTTP server
func (hs *HTTPServer) Start(ctx context.Context) error {
	hs.logger.Info("Starting HTTP server", zap.String("address", hs.address))

	go func() {
		if err := hs.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			hs.logger.Error("HTTP server error", zap.Error(err))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (hs *HTTPServer) Stop(ctx context.Context) error {
	hs.logger.Info("Stopping HTTP server")
	return hs.server.Shutdown(ctx)
}

// Addr returns the address the HTTP server is listening on
func (hs *HTTPServer) Addr() string {
	return hs.address
}
