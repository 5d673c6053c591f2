package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/quickpay/review-apps/internal/event"
	"github.com/quickpay/review-apps/internal/metrics"
	"github.com/quickpay/review-apps/internal/model"
	"github.com/quickpay/review-apps/internal/registry"
)

// validBranchPattern defines the allowed pattern for branch names in URL
// parameters. Allows alphanumeric characters, hyphens, underscores, dots,
// and forward slashes.
var validBranchPattern = regexp.MustCompile(`^[a-zA-Z0-9._/-]+$`)

const (
	maxBranchLength = 256     // Maximum length for branch names
	maxPayloadBytes = 1 << 20 // Maximum webhook payload size (1 MiB)

	signatureHeader = "X-Hub-Signature-256"
	eventTypeHeader = "X-GitHub-Event"
	deliveryHeader  = "X-GitHub-Delivery"
)

// EventQueue accepts normalized events for asynchronous processing.
type EventQueue interface {
	Enqueue(event model.BranchEvent) bool
}

// WebhookHandlers provides HTTP handlers for the webhook gateway and the
// job status API.
type WebhookHandlers struct {
	secret   []byte
	queue    EventQueue
	registry registry.JobRegistry
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewWebhookHandlers creates a new WebhookHandlers instance.
func NewWebhookHandlers(secret string, queue EventQueue, reg registry.JobRegistry, logger *zap.Logger, metrics *metrics.Metrics) *WebhookHandlers {
	return &WebhookHandlers{
		secret:   []byte(secret),
		queue:    queue,
		registry: reg,
		logger:   logger,
		metrics:  metrics,
	}
}

// HandleWebhook handles POST /webhook requests from the source-control
// provider.
// Returns:
//   - 200 OK: Event accepted, ignored, or recognized but unusable; the
//     provider must not retry any of these
//   - 400 Bad Request: Body is not valid JSON
//   - 401 Unauthorized: Signature missing or invalid
//   - 500 Internal Server Error: Internal error
//
// The response never reveals whether an event triggered a build.
func (h *WebhookHandlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get(eventTypeHeader)

	body, err := io.ReadAll(io.LimitReader(r.Body, maxPayloadBytes+1))
	if err != nil {
		h.logger.Error("Failed to read webhook body", zap.Error(err))
		h.recordEvent(eventType, "error")
		h.respondError(w, http.StatusInternalServerError, "Failed to read request body")
		return
	}
	if len(body) > maxPayloadBytes {
		h.recordEvent(eventType, "rejected")
		h.respondError(w, http.StatusBadRequest, "Payload too large")
		return
	}

	// Verify the signature before touching the payload
	if !h.verifySignature(body, r.Header.Get(signatureHeader)) {
		h.logger.Warn("Webhook signature verification failed",
			zap.String("event", eventType),
			zap.String("remote_addr", r.RemoteAddr),
		)
		h.recordEvent(eventType, "unauthorized")
		h.respondError(w, http.StatusUnauthorized, "Invalid signature")
		return
	}

	if !json.Valid(body) {
		h.recordEvent(eventType, "rejected")
		h.respondError(w, http.StatusBadRequest, "Invalid JSON payload")
		return
	}

	deliveryID := r.Header.Get(deliveryHeader)
	if deliveryID == "" {
		deliveryID = uuid.NewString()
	}

	normalized, err := event.Normalize(eventType, body)
	if err != nil {
		switch {
		case errors.Is(err, event.ErrIgnored):
			h.logger.Debug("Ignoring webhook event",
				zap.String("event", eventType),
				zap.String("delivery_id", deliveryID),
			)
			h.recordEvent(eventType, "ignored")
		case errors.Is(err, event.ErrMalformed):
			h.logger.Warn("Malformed webhook payload",
				zap.String("event", eventType),
				zap.String("delivery_id", deliveryID),
				zap.Error(err),
			)
			h.recordEvent(eventType, "malformed")
		default:
			h.logger.Error("Failed to normalize webhook event",
				zap.String("event", eventType),
				zap.String("delivery_id", deliveryID),
				zap.Error(err),
			)
			h.recordEvent(eventType, "error")
		}

		// Recognized-but-unusable payloads still get a 200 so the
		// provider does not retry them
		h.respondJSON(w, http.StatusOK, struct{}{})
		return
	}

	normalized.DeliveryID = deliveryID

	if h.queue.Enqueue(normalized) {
		h.recordEvent(eventType, "accepted")
	} else {
		h.logger.Warn("Webhook event dropped, queue full",
			zap.String("event", eventType),
			zap.String("branch", normalized.SourceBranch),
			zap.String("delivery_id", deliveryID),
		)
		h.recordEvent(eventType, "dropped")
	}

	h.respondJSON(w, http.StatusOK, struct{}{})
}

// HandleGetJob handles GET /jobs/{branch} requests to get job status.
// Returns:
//   - 200 OK: Job exists and status returned
//   - 404 Not Found: No job exists for branch
//   - 400 Bad Request: Invalid branch parameter
//   - 500 Internal Server Error: Storage or internal error
func (h *WebhookHandlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	branch, ok := h.branchParam(w, r)
	if !ok {
		return
	}

	job, err := h.registry.ActiveJobFor(r.Context(), branch)
	if err != nil {
		if errors.Is(err, registry.ErrJobNotFound) {
			h.respondJSON(w, http.StatusNotFound, model.JobResponse{
				Status:  "none",
				Message: "No job exists for this branch",
			})
			return
		}

		h.logger.Error("Failed to get job", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Failed to get job status")
		return
	}

	h.respondJSON(w, http.StatusOK, model.JobResponse{
		Status:  "active",
		Message: "Job exists",
		Job:     job,
	})
}

// HandleReleaseJob handles POST /jobs/{branch}/release requests to remove
// a branch's job record, freeing the branch for a new launch.
// Returns:
//   - 200 OK: Record released, or no record existed
//   - 400 Bad Request: Invalid branch parameter
//   - 500 Internal Server Error: Storage or internal error
func (h *WebhookHandlers) HandleReleaseJob(w http.ResponseWriter, r *http.Request) {
	branch, ok := h.branchParam(w, r)
	if !ok {
		return
	}

	if err := h.registry.Release(r.Context(), branch); err != nil {
		h.logger.Error("Failed to release job", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Failed to release job")
		return
	}

	h.respondJSON(w, http.StatusOK, model.JobResponse{
		Status:  "released",
		Message: "Job record released",
	})
}

// verifySignature checks the HMAC-SHA256 signature of the payload in
// constant time. An empty configured secret rejects everything.
func (h *WebhookHandlers) verifySignature(body []byte, header string) bool {
	if len(h.secret) == 0 {
		return false
	}

	signature, found := strings.CutPrefix(header, "sha256=")
	if !found {
		return false
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)

	return hmac.Equal(provided, mac.Sum(nil))
}

// branchParam extracts and validates the branch URL parameter. Slashes in
// branch names arrive URL-encoded; the router hands back the raw segment,
// so it is unescaped here before validation.
func (h *WebhookHandlers) branchParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	branch, err := url.PathUnescape(chi.URLParam(r, "branch"))
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "Branch name is not valid URL encoding")
		return "", false
	}
	branch = strings.TrimSpace(branch)

	if branch == "" {
		h.respondError(w, http.StatusBadRequest, "Branch name is required")
		return "", false
	}
	if len(branch) > maxBranchLength {
		h.respondError(w, http.StatusBadRequest, "Branch name exceeds maximum length")
		return "", false
	}
	if !validBranchPattern.MatchString(branch) {
		h.respondError(w, http.StatusBadRequest, "Branch name contains invalid characters")
		return "", false
	}

	return branch, true
}

// respondError sends an error response.
func (h *WebhookHandlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, model.JobResponse{
		Status:  "error",
		Message: message,
	})
}

// respondJSON sends a JSON response.
func (h *WebhookHandlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// recordEvent records a webhook event metric.
func (h *WebhookHandlers) recordEvent(eventType, result string) {
	if h.metrics == nil || h.metrics.WebhookEventsTotal == nil {
		return
	}
	if eventType == "" {
		eventType = "unknown"
	}
	h.metrics.WebhookEventsTotal.WithLabelValues(eventType, result).Inc()
}
