package server

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quickpay/review-apps/internal/health"
	"github.com/quickpay/review-apps/internal/middleware"
)

// setupAPIRoutes configures the API server routes.
func (s *Server) setupAPIRoutes(r *chi.Mux) {
	r.Get("/ping", handlePing(s.logger))

	r.Post("/webhook", s.webhooks.HandleWebhook)
	r.Route("/jobs", func(r chi.Router) {
		r.Get("/{branch}", s.webhooks.HandleGetJob)
		r.Post("/{branch}/release", s.webhooks.HandleReleaseJob)
	})
}

// setupProbeRoutes configures the probe server routes.
func (s *Server) setupProbeRoutes(r *chi.Mux) {
	startup := http.HandlerFunc(s.handleStartup)
	live := http.HandlerFunc(s.handleLiveness)
	ready := http.HandlerFunc(s.handleReadiness)

	r.Method(http.MethodGet, "/healthz/startup",
		middleware.HealthCheckMetricsMiddleware(s.metrics, "startup")(startup))
	r.Method(http.MethodGet, "/healthz/live",
		middleware.HealthCheckMetricsMiddleware(s.metrics, "live")(live))
	r.Method(http.MethodGet, "/healthz/ready",
		middleware.HealthCheckMetricsMiddleware(s.metrics, "ready")(ready))
}

// handlePing handles the /ping endpoint.
func handlePing(logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := map[string]string{
			"status": "pong",
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.Error("Failed to encode ping response", zap.Error(err))
		}
	}
}

// handleStartup handles the startup probe endpoint.
func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	response := s.healthManager.GetStartupStatus(r.Context())

	status := http.StatusOK
	if response.Status == health.StatusError {
		status = http.StatusServiceUnavailable
	} else if response.Status == health.StatusStarting {
		status = http.StatusServiceUnavailable
	}

	s.respondJSON(w, status, response)
}

// handleLiveness handles the liveness probe endpoint.
func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	response := s.healthManager.GetLivenessStatus()
	s.respondJSON(w, http.StatusOK, response)
}

// handleReadiness handles the readiness probe endpoint.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	response := s.healthManager.GetReadinessStatus(r.Context())

	status := http.StatusOK
	if !response.Ready {
		status = http.StatusServiceUnavailable
	}

	s.respondJSON(w, status, response)
}

// respondJSON sends a JSON response.
func (s *Server) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("Failed to encode response", zap.Error(err))
	}
}
