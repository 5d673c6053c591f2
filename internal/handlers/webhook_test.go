package handlers

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/quickpay/review-apps/internal/model"
	"github.com/quickpay/review-apps/internal/registry"
)

const testSecret = "webhook-test-secret"

// spyQueue records enqueued events and can simulate a full queue.
type spyQueue struct {
	events []model.BranchEvent
	full   bool
}

func (q *spyQueue) Enqueue(event model.BranchEvent) bool {
	if q.full {
		return false
	}
	q.events = append(q.events, event)
	return true
}

// fakeRegistry is a map-backed registry for handler tests.
type fakeRegistry struct {
	jobs map[string]*model.BuildJob
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{jobs: make(map[string]*model.BuildJob)}
}

func (f *fakeRegistry) TryAcquire(ctx context.Context, branch, repoURL string) (bool, error) {
	if _, ok := f.jobs[branch]; ok {
		return false, nil
	}
	f.jobs[branch] = &model.BuildJob{BranchName: branch, Status: model.StatusPending}
	return true, nil
}

func (f *fakeRegistry) MarkRunning(ctx context.Context, branch, jobID string) error {
	job, ok := f.jobs[branch]
	if !ok {
		return registry.ErrJobNotFound
	}
	job.JobID = jobID
	job.Status = model.StatusRunning
	return nil
}

func (f *fakeRegistry) MarkStatus(ctx context.Context, branch string, status model.JobStatus) error {
	job, ok := f.jobs[branch]
	if !ok {
		return registry.ErrJobNotFound
	}
	job.Status = status
	return nil
}

func (f *fakeRegistry) MarkFailed(ctx context.Context, branch, jobID string) error {
	job, ok := f.jobs[branch]
	if !ok {
		return registry.ErrJobNotFound
	}
	if jobID != "" {
		job.JobID = jobID
	}
	job.Status = model.StatusFailed
	return nil
}

func (f *fakeRegistry) Release(ctx context.Context, branch string) error {
	delete(f.jobs, branch)
	return nil
}

func (f *fakeRegistry) ActiveJobFor(ctx context.Context, branch string) (*model.BuildJob, error) {
	job, ok := f.jobs[branch]
	if !ok {
		return nil, registry.ErrJobNotFound
	}
	return job, nil
}

func newTestHandlers() (*WebhookHandlers, *spyQueue, *fakeRegistry) {
	queue := &spyQueue{}
	reg := newFakeRegistry()
	h := NewWebhookHandlers(testSecret, queue, reg, zap.NewNop(), nil)
	return h, queue, reg
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func webhookRequest(eventType, body, signature string) *http.Request {
	req := httptest.NewRequest(http.MethodPost, "/webhook", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if eventType != "" {
		req.Header.Set("X-GitHub-Event", eventType)
	}
	if signature != "" {
		req.Header.Set("X-Hub-Signature-256", signature)
	}
	req.Header.Set("X-GitHub-Delivery", "delivery-1")
	return req
}

const openedPayload = `{
	"action": "opened",
	"pull_request": {
		"head": {"ref": "feature-x", "repo": {"clone_url": "https://github.com/org/app.git"}},
		"base": {"ref": "main"}
	}
}`

func TestHandleWebhook(t *testing.T) {
	tests := []struct {
		name       string
		eventType  string
		body       string
		signed     bool
		signature  string
		wantStatus int
		wantQueued int
	}{
		{
			name:       "opened pull request accepted",
			eventType:  "pull_request",
			body:       openedPayload,
			signed:     true,
			wantStatus: http.StatusOK,
			wantQueued: 1,
		},
		{
			name:       "push accepted",
			eventType:  "push",
			body:       `{"ref": "refs/heads/main", "repository": {"clone_url": "https://github.com/org/app.git"}}`,
			signed:     true,
			wantStatus: http.StatusOK,
			wantQueued: 1,
		},
		{
			name:       "unrecognized event ignored with 200",
			eventType:  "issues",
			body:       `{"action": "opened"}`,
			signed:     true,
			wantStatus: http.StatusOK,
			wantQueued: 0,
		},
		{
			name:       "ignored action with 200",
			eventType:  "pull_request",
			body:       `{"action": "labeled"}`,
			signed:     true,
			wantStatus: http.StatusOK,
			wantQueued: 0,
		},
		{
			name:       "malformed payload with 200",
			eventType:  "pull_request",
			body:       `{"action": "opened", "pull_request": {}}`,
			signed:     true,
			wantStatus: http.StatusOK,
			wantQueued: 0,
		},
		{
			name:       "missing signature rejected",
			eventType:  "pull_request",
			body:       openedPayload,
			wantStatus: http.StatusUnauthorized,
			wantQueued: 0,
		},
		{
			name:       "wrong signature rejected",
			eventType:  "pull_request",
			body:       openedPayload,
			signature:  sign("wrong-secret", []byte(openedPayload)),
			wantStatus: http.StatusUnauthorized,
			wantQueued: 0,
		},
		{
			name:       "tampered body rejected",
			eventType:  "pull_request",
			body:       openedPayload,
			signature:  sign(testSecret, []byte(`{"action": "something-else"}`)),
			wantStatus: http.StatusUnauthorized,
			wantQueued: 0,
		},
		{
			name:       "invalid JSON rejected",
			eventType:  "pull_request",
			body:       `{not json`,
			signed:     true,
			wantStatus: http.StatusBadRequest,
			wantQueued: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, queue, _ := newTestHandlers()

			signature := tt.signature
			if tt.signed {
				signature = sign(testSecret, []byte(tt.body))
			}

			w := httptest.NewRecorder()
			h.HandleWebhook(w, webhookRequest(tt.eventType, tt.body, signature))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if len(queue.events) != tt.wantQueued {
				t.Errorf("queued %d events, want %d", len(queue.events), tt.wantQueued)
			}
		})
	}
}

func TestHandleWebhookNormalizedEvent(t *testing.T) {
	h, queue, _ := newTestHandlers()

	w := httptest.NewRecorder()
	h.HandleWebhook(w, webhookRequest("pull_request", openedPayload, sign(testSecret, []byte(openedPayload))))

	if len(queue.events) != 1 {
		t.Fatalf("queued %d events, want 1", len(queue.events))
	}

	got := queue.events[0]
	if got.Kind != model.KindPullRequestOpened {
		t.Errorf("Kind = %q, want %q", got.Kind, model.KindPullRequestOpened)
	}
	if got.SourceBranch != "feature-x" {
		t.Errorf("SourceBranch = %q, want %q", got.SourceBranch, "feature-x")
	}
	if got.DeliveryID != "delivery-1" {
		t.Errorf("DeliveryID = %q, want %q", got.DeliveryID, "delivery-1")
	}
}

func TestHandleWebhookMissingDeliveryID(t *testing.T) {
	h, queue, _ := newTestHandlers()

	req := webhookRequest("pull_request", openedPayload, sign(testSecret, []byte(openedPayload)))
	req.Header.Del("X-GitHub-Delivery")

	w := httptest.NewRecorder()
	h.HandleWebhook(w, req)

	if len(queue.events) != 1 {
		t.Fatalf("queued %d events, want 1", len(queue.events))
	}
	if queue.events[0].DeliveryID == "" {
		t.Error("DeliveryID should be generated when the header is missing")
	}
}

func TestHandleWebhookQueueFull(t *testing.T) {
	h, queue, _ := newTestHandlers()
	queue.full = true

	w := httptest.NewRecorder()
	h.HandleWebhook(w, webhookRequest("pull_request", openedPayload, sign(testSecret, []byte(openedPayload))))

	// A full queue is an internal condition, the provider still gets 200
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestHandleWebhookEmptySecret(t *testing.T) {
	queue := &spyQueue{}
	h := NewWebhookHandlers("", queue, newFakeRegistry(), zap.NewNop(), nil)

	w := httptest.NewRecorder()
	h.HandleWebhook(w, webhookRequest("pull_request", openedPayload, sign("", []byte(openedPayload))))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d with empty secret", w.Code, http.StatusUnauthorized)
	}
	if len(queue.events) != 0 {
		t.Errorf("queued %d events, want 0", len(queue.events))
	}
}

func jobsRouter(h *WebhookHandlers) *chi.Mux {
	r := chi.NewRouter()
	r.Get("/jobs/{branch}", h.HandleGetJob)
	r.Post("/jobs/{branch}/release", h.HandleReleaseJob)
	return r
}

func TestHandleGetJob(t *testing.T) {
	h, _, reg := newTestHandlers()
	router := jobsRouter(h)

	if _, err := reg.TryAcquire(context.Background(), "feature-x", ""); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}
	if err := reg.MarkRunning(context.Background(), "feature-x", "job-1"); err != nil {
		t.Fatalf("MarkRunning() error = %v", err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/feature-x", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp model.JobResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "active" {
		t.Errorf("Status = %q, want %q", resp.Status, "active")
	}
	if resp.Job == nil || resp.Job.JobID != "job-1" {
		t.Errorf("Job = %+v, want job-1", resp.Job)
	}
}

func TestHandleGetJobEncodedSlashBranch(t *testing.T) {
	h, _, reg := newTestHandlers()
	router := jobsRouter(h)

	if _, err := reg.TryAcquire(context.Background(), "feature/login", ""); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	// Slashed branch names arrive with the slash URL-encoded
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/feature%2Flogin", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp model.JobResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Job == nil || resp.Job.BranchName != "feature/login" {
		t.Errorf("Job = %+v, want branch feature/login", resp.Job)
	}
}

func TestHandleReleaseJobEncodedSlashBranch(t *testing.T) {
	h, _, reg := newTestHandlers()
	router := jobsRouter(h)

	if _, err := reg.TryAcquire(context.Background(), "feature/login", ""); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/feature%2Flogin/release", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	if _, err := reg.ActiveJobFor(context.Background(), "feature/login"); err == nil {
		t.Error("job record should be gone after release")
	}
}

func TestHandleGetJobNotFound(t *testing.T) {
	h, _, _ := newTestHandlers()
	router := jobsRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/missing", nil))

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestHandleGetJobInvalidBranch(t *testing.T) {
	h, _, _ := newTestHandlers()
	router := jobsRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/jobs/bad%20branch", nil))

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestHandleReleaseJob(t *testing.T) {
	h, _, reg := newTestHandlers()
	router := jobsRouter(h)

	if _, err := reg.TryAcquire(context.Background(), "feature-x", ""); err != nil {
		t.Fatalf("TryAcquire() error = %v", err)
	}

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/feature-x/release", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	if _, err := reg.ActiveJobFor(context.Background(), "feature-x"); err == nil {
		t.Error("job record should be gone after release")
	}
}

func TestHandleReleaseJobIdempotent(t *testing.T) {
	h, _, _ := newTestHandlers()
	router := jobsRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/jobs/never-acquired/release", nil))

	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d for missing record", w.Code, http.StatusOK)
	}
}
