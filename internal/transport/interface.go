package transport

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/mohammadhprp/ratelimiting/internal/admission"
	"github.com/mohammadhprp/ratelimiting/internal/counter"
	"github.com/mohammadhprp/ratelimiting/internal/service"
)

// Server defines the interface for different transport implementations (HTTP, gRPC, etc.)
type Server interface {
	// Start starts the transport server
	Start(ctx context.Context) error

	// Stop gracefully stops the transport server
	Stop(ctx context.Context) error

	// Addr returns the address the server is listening on
	Addr() string
}

// ServerConfig contains common configuration for all transport servers
type ServerConfig struct {
	Address  string                 // Address to listen on (e.g., "localhost:8080" or ":50051")
	Logger   *zap.Logger            // Shared logger
	Pipeline *admission.Pipeline    // Admission decisions for inbound calls
	Counter  *counter.Counter       // Read-only counter access for inspection
	Health   *service.HealthService // Store health
	Gatherer prometheus.Gatherer    // Metrics exposed on /metrics; nil disables the route

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// HealthInterval is how often the gRPC health status is refreshed.
	HealthInterval time.Duration
}
