package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/marcusmccarty/branch-deploy/internal/handlers"
	"github.com/marcusmccarty/branch-deploy/internal/health"
	"github.com/marcusmccarty/branch-deploy/internal/metrics"
	"github.com/marcusmccarty/branch-deploy/internal/middleware"
)

// setupAPIRoutes configures the API server routes.
func setupAPIRoutes(r chi.Router, h *handlers.LockHandlers, logger *zap.Logger) {
	r.Get("/ping", handlePing(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Post("/lock", h.HandleLock)
		r.Get("/lock/global", h.HandleGetGlobalLock)
		r.Get("/lock/{environment}", h.HandleGetLock)
		r.Post("/command", h.HandleCommand)
	})
}

// setupProbeRoutes configures the probe server routes.
func setupProbeRoutes(r chi.Router, manager *health.Manager, m *metrics.Metrics, logger *zap.Logger) {
	r.With(middleware.HealthCheckMetricsMiddleware(m, "startup")).
		Get("/healthz/startup", handleStartup(manager, logger))
	r.With(middleware.HealthCheckMetricsMiddleware(m, "live")).
		Get("/healthz/live", handleLiveness(manager, logger))
	r.With(middleware.HealthCheckMetricsMiddleware(m, "ready")).
		Get("/healthz/ready", handleReadiness(manager, logger))
}

func handlePing(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "pong"}, logger)
	}
}

func handleStartup(manager *health.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := manager.GetStartupStatus(r.Context())

		status := http.StatusOK
		if response.Status != health.StatusOK {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response, logger)
	}
}

func handleLiveness(manager *health.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, manager.GetLivenessStatus(), logger)
	}
}

func handleReadiness(manager *health.Manager, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := manager.GetReadinessStatus(r.Context())

		status := http.StatusOK
		if !response.Ready {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, response, logger)
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Error("Failed to encode response", zap.Error(err))
	}
}
