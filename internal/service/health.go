package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mohammadhprp/ratelimiting/internal/storage"
)

// Health status constants
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusUnhealthy = "unhealthy"
)

// HealthService reports whether the counter store is reachable.
type HealthService struct {
	store  storage.Store
	logger *zap.Logger
}

// NewHealthService creates a new health service
func NewHealthService(store storage.Store, logger *zap.Logger) *HealthService {
	return &HealthService{
		store:  store,
		logger: logger,
	}
}

// GetHealthStatus returns the current health status
func (s *HealthService) GetHealthStatus(ctx context.Context) (status string, timestamp string, err error) {
	timestamp = time.Now().Format(time.RFC3339)

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("counter store ping failed", zap.Error(err))
		return HealthStatusUnhealthy, timestamp, err
	}

	return HealthStatusHealthy, timestamp, nil
}

// Ping verifies connectivity with the underlying store
func (s *HealthService) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
