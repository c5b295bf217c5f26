package handler

import (
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/mohammadhprp/ratelimiting/internal/service"
)

type HealthCheckHandler struct {
	health *service.HealthService
	logger *zap.Logger
}

func NewHealthCheckHandler(health *service.HealthService, logger *zap.Logger) *HealthCheckHandler {
	return &HealthCheckHandler{
		health: health,
		logger: logger,
	}
}

// HealthCheck returns a health check handler
func (h *HealthCheckHandler) HealthCheck() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status, timestamp, err := h.health.GetHealthStatus(r.Context())

		body := map[string]string{
			"status": status,
			"time":   timestamp,
		}

		code := http.StatusOK
		if err != nil {
			body["error"] = err.Error()
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, body)
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{
		"error": message,
	})
}
