// Package buildservice is the client for the external build execution
// service. The service owns project definitions and build runs; this
// package only creates projects and starts builds, it never polls them.
package buildservice

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/quickpay/review-apps/internal/metrics"
	"github.com/quickpay/review-apps/internal/model"
)

// BuildService creates and starts build jobs on the external execution
// service.
type BuildService interface {
	// CreateJob registers a build project for the spec and returns its
	// identifier. Creating a project that already exists returns the
	// existing identifier.
	CreateJob(ctx context.Context, spec *model.JobSpec) (string, error)

	// StartJob starts a build run for a previously created project.
	StartJob(ctx context.Context, jobID string) error
}

// HTTPClient implements BuildService against the build service's JSON
// API.
type HTTPClient struct {
	baseURL *url.URL
	client  *http.Client
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewHTTPClient creates a new build service client. The metrics argument
// may be nil.
func NewHTTPClient(endpoint string, timeout time.Duration, logger *zap.Logger, m *metrics.Metrics) (*HTTPClient, error) {
	base, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid build service endpoint: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid build service endpoint %q: scheme must be http or https", endpoint)
	}

	return &HTTPClient{
		baseURL: base,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
		metrics: m,
	}, nil
}

// createProjectRequest is the project-registration payload.
type createProjectRequest struct {
	Name           string            `json:"name"`
	AccountID      string            `json:"account_id"`
	Region         string            `json:"region"`
	ServiceRoleARN string            `json:"service_role_arn"`
	ArtifactBucket string            `json:"artifact_bucket"`
	SourceRepoURL  string            `json:"source_repo_url"`
	Environment    map[string]string `json:"environment,omitempty"`
	Secrets        map[string]string `json:"secrets,omitempty"`
	Buildspec      string            `json:"buildspec"`
}

type createProjectResponse struct {
	ID string `json:"id"`
}

// CreateJob registers a build project for the spec.
func (c *HTTPClient) CreateJob(ctx context.Context, spec *model.JobSpec) (string, error) {
	secrets := make(map[string]string, len(spec.Secrets))
	for name, ref := range spec.Secrets {
		secrets[name] = ref.Reference()
	}

	request := createProjectRequest{
		Name:           spec.StackName,
		AccountID:      spec.AccountID,
		Region:         spec.Region,
		ServiceRoleARN: spec.ServiceRoleARN,
		ArtifactBucket: spec.ArtifactBucket,
		SourceRepoURL:  spec.SourceRepoURL,
		Environment:    spec.Environment,
		Secrets:        secrets,
		Buildspec:      spec.Buildspec,
	}

	var response createProjectResponse
	err := c.do(ctx, http.MethodPost, "/projects", request, &response)
	if err == nil && response.ID == "" {
		err = fmt.Errorf("build service returned no project id")
	}
	c.record("create_job", err)
	if err != nil {
		return "", fmt.Errorf("failed to create build project: %w", err)
	}

	c.logger.Info("Build project created",
		zap.String("project", spec.StackName),
		zap.String("job_id", response.ID),
	)

	return response.ID, nil
}

// StartJob starts a build run for the project.
func (c *HTTPClient) StartJob(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("job id cannot be empty")
	}

	path := fmt.Sprintf("/projects/%s/builds", url.PathEscape(jobID))
	err := c.do(ctx, http.MethodPost, path, nil, nil)
	c.record("start_job", err)
	if err != nil {
		return fmt.Errorf("failed to start build: %w", err)
	}

	c.logger.Info("Build started",
		zap.String("job_id", jobID),
	)

	return nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	endpoint := c.baseURL.JoinPath(path)
	req, err := http.NewRequestWithContext(ctx, method, endpoint.String(), reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("build service returned %d: %s", resp.StatusCode, string(detail))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

func (c *HTTPClient) record(call string, err error) {
	if c.metrics == nil {
		return
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	c.metrics.BuildServiceRequestsTotal.WithLabelValues(call, status).Inc()
}
