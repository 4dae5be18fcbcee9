package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client provides typed access to the preview provisioner API for interactive tools.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	functionKey string
	token       string
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithFunctionKey sends key in the X-Functions-Key header.
func WithFunctionKey(key string) Option {
	return func(c *Client) {
		c.functionKey = strings.TrimSpace(key)
	}
}

// WithToken sends token as a bearer credential.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:8080"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL: strings.TrimRight(trimmed, "/"),
		// deployments wait for rollouts for several minutes
		httpClient: &http.Client{Timeout: 10 * time.Minute},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API. Body holds the raw payload so callers
// can decode structured results returned with an error status.
type APIError struct {
	Status  int
	Message string
	Body    []byte
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.functionKey != "" {
		req.Header.Set("X-Functions-Key", c.functionKey)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(resp.Body)
		return APIError{Status: resp.StatusCode, Message: extractError(data), Body: data}
	}

	if v == nil {
		return nil
	}
	decoder := json.NewDecoder(resp.Body)
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// extractError picks the human readable message out of either error body shape the API
// returns: {"error": ...} or {"status": "error", "message": ...}.
func extractError(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Error        string `json:"error"`
		Message      string `json:"message"`
		ErrorDetails string `json:"error_details"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return strings.TrimSpace(string(data))
	}
	switch {
	case payload.Error != "":
		return strings.TrimSpace(payload.Error)
	case payload.ErrorDetails != "":
		return strings.TrimSpace(payload.Message + ": " + payload.ErrorDetails)
	default:
		return strings.TrimSpace(payload.Message)
	}
}

// ProvisionResult mirrors the provisioning response.
type ProvisionResult struct {
	Status            string             `json:"status"`
	BranchName        string             `json:"branch_name"`
	DatabaseCreated   bool               `json:"database_created"`
	CredentialCreated bool               `json:"credential_created"`
	NamespaceCreated  bool               `json:"namespace_created"`
	Message           string             `json:"message"`
	Error             string             `json:"error,omitempty"`
	Timing            map[string]float64 `json:"timing"`
	CorrelationID     string             `json:"correlation_id"`
}

// Provision creates the database, federated credential and namespace for branch.
func (c *Client) Provision(ctx context.Context, branch string) (ProvisionResult, error) {
	var result ProvisionResult
	if err := c.do(ctx, http.MethodPost, "/provision", map[string]string{"branch_name": branch}, &result); err != nil {
		return ProvisionResult{}, err
	}
	return result, nil
}

// HealthCheck reflects a single readiness record.
type HealthCheck struct {
	ResourceType string `json:"resource_type"`
	ResourceName string `json:"resource_name"`
	Status       string `json:"status"`
	Ready        bool   `json:"ready"`
	Message      string `json:"message,omitempty"`
}

// DeploymentResult mirrors the deployment response.
type DeploymentResult struct {
	Success           bool          `json:"success"`
	Message           string        `json:"message"`
	Namespace         string        `json:"namespace"`
	DeploymentURL     string        `json:"deployment_url,omitempty"`
	HealthChecks      []HealthCheck `json:"health_checks"`
	DeployedResources []string      `json:"deployed_resources"`
	ErrorDetails      string        `json:"error_details,omitempty"`
	CorrelationID     string        `json:"correlation_id,omitempty"`
}

// Deploy rolls out the build of branch at commit. A failed deployment returns the decoded
// result alongside the APIError.
func (c *Client) Deploy(ctx context.Context, branch, commit string) (DeploymentResult, error) {
	body := map[string]string{"branch_name": branch, "commit_sha": commit}
	var result DeploymentResult
	err := c.do(ctx, http.MethodPost, "/deploy", body, &result)
	var apiErr APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusInternalServerError {
		_ = json.Unmarshal(apiErr.Body, &result)
	}
	return result, err
}

// StepError is a failure summary attached to a deprovisioning result.
type StepError struct {
	Operation string `json:"operation"`
	Error     string `json:"error"`
	Severity  string `json:"severity"`
}

// DeprovisionResult mirrors the deprovisioning response.
type DeprovisionResult struct {
	Status     string `json:"status"`
	BranchName string `json:"branch_name"`
	Operations struct {
		DatabaseDeleted    bool   `json:"database_deleted"`
		DatabaseName       string `json:"database_name"`
		CredentialsDeleted struct {
			DatabaseCredential bool `json:"database_credential"`
			KeyvaultCredential bool `json:"keyvault_credential"`
		} `json:"credentials_deleted"`
		NamespaceDeleted  bool   `json:"namespace_deleted"`
		NamespaceName     string `json:"namespace_name"`
		CronJobsSuspended int    `json:"cronjobs_suspended"`
	} `json:"operations"`
	Timing        map[string]float64 `json:"timing"`
	Message       string             `json:"message"`
	Errors        []StepError        `json:"errors,omitempty"`
	CorrelationID string             `json:"correlation_id"`
}

// Deprovision tears down every resource of branch.
func (c *Client) Deprovision(ctx context.Context, branch string) (DeprovisionResult, error) {
	var result DeprovisionResult
	if err := c.do(ctx, http.MethodPost, "/deprovision", map[string]string{"branch_name": branch}, &result); err != nil {
		return DeprovisionResult{}, err
	}
	return result, nil
}

// Health reports the service liveness payload.
func (c *Client) Health(ctx context.Context) (map[string]string, error) {
	var payload map[string]string
	if err := c.do(ctx, http.MethodGet, "/health", nil, &payload); err != nil {
		return nil, err
	}
	return payload, nil
}
