package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/octolab/octolab/pkg/health"
)

// Identity headers, mirrored from the server. The fronting proxy
// normally sets these; direct clients (CLI, tests) set them here.
const (
	headerUser  = "X-Octolab-User"
	headerAdmin = "X-Octolab-Admin"
)

// Lab is the client view of a lab row.
type Lab struct {
	ID                string            `json:"id"`
	RecipeID          string            `json:"recipe_id"`
	Status            string            `json:"status"`
	Runtime           string            `json:"runtime"`
	ConnectionURL     string            `json:"connection_url,omitempty"`
	RuntimeMeta       map[string]string `json:"runtime_meta,omitempty"`
	EvidenceState     string            `json:"evidence_state"`
	SealStatus        string            `json:"seal_status,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	ExpiresAt         time.Time         `json:"expires_at"`
	FinishedAt        *time.Time        `json:"finished_at,omitempty"`
	EvidenceExpiresAt *time.Time        `json:"evidence_expires_at,omitempty"`
	Error             string            `json:"error,omitempty"`
}

// ArtifactPresence mirrors the evidence status artifact entries.
type ArtifactPresence struct {
	Present bool `json:"present"`
	Files   int  `json:"files"`
}

// EvidenceStatus is the client view of the evidence status endpoint.
type EvidenceStatus struct {
	State          string                      `json:"state"`
	SealStatus     string                      `json:"seal_status"`
	ManifestSHA256 string                      `json:"manifest_sha256,omitempty"`
	SealedAt       *time.Time                  `json:"sealed_at,omitempty"`
	ExpiresAt      *time.Time                  `json:"expires_at,omitempty"`
	Artifacts      map[string]ArtifactPresence `json:"artifacts"`
}

// WatchdogRequest is the admin watchdog run request.
type WatchdogRequest struct {
	Threshold string `json:"threshold,omitempty"`
	Action    string `json:"action"`
	Limit     int    `json:"limit,omitempty"`
	DryRun    bool   `json:"dry_run,omitempty"`
	LabID     string `json:"lab_id,omitempty"`
}

// WatchdogResult records what one watchdog run did to one lab.
type WatchdogResult struct {
	LabID      string  `json:"lab_id"`
	AgeSeconds float64 `json:"age_seconds"`
	Action     string  `json:"action"`
	OK         bool    `json:"ok"`
	Note       string  `json:"note,omitempty"`
}

// WatchdogReport is the structured outcome of a watchdog run.
type WatchdogReport struct {
	RanAt   time.Time        `json:"ran_at"`
	DryRun  bool             `json:"dry_run"`
	Matched int              `json:"matched"`
	Results []WatchdogResult `json:"results"`
}

// APIError carries the server's error envelope plus the HTTP status.
type APIError struct {
	Status int
	Code   string `json:"error"`
	Detail string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s (HTTP %d): %s", e.Code, e.Status, e.Detail)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Code, e.Status)
}

// Client talks to the orchestrator API on behalf of one user.
type Client struct {
	baseURL string
	user    string
	admin   bool
	http    *http.Client
}

// New builds a client for the given base URL and user identity.
func New(baseURL, user string) *Client {
	return &Client{
		baseURL: baseURL,
		user:    user,
		http:    &http.Client{Timeout: 60 * time.Second},
	}
}

// AsAdmin marks requests with the operator header.
func (c *Client) AsAdmin() *Client {
	c.admin = true
	return c
}

// WithHTTPClient substitutes the underlying HTTP client.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

// CreateLab requests a new lab from a catalog recipe.
func (c *Client) CreateLab(ctx context.Context, recipeID string, ttlMinutes int) (*Lab, error) {
	body := map[string]any{"recipe_id": recipeID}
	if ttlMinutes > 0 {
		body["ttl_minutes"] = ttlMinutes
	}
	var lab Lab
	if err := c.call(ctx, http.MethodPost, "/labs", body, &lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

// DeployFromDockerfile requests a microVM lab built around the given
// Dockerfile. sourceFiles maps relative path to content and may be nil.
func (c *Client) DeployFromDockerfile(ctx context.Context, dockerfile string, sourceFiles map[string]string, ttlMinutes int) (*Lab, error) {
	body := map[string]any{"dockerfile": dockerfile}
	if len(sourceFiles) > 0 {
		body["source_files"] = sourceFiles
	}
	if ttlMinutes > 0 {
		body["ttl_minutes"] = ttlMinutes
	}
	var lab Lab
	if err := c.call(ctx, http.MethodPost, "/labs/deploy-from-dockerfile", body, &lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

// ListLabs returns the caller's labs.
func (c *Client) ListLabs(ctx context.Context) ([]Lab, error) {
	var labs []Lab
	if err := c.call(ctx, http.MethodGet, "/labs", nil, &labs); err != nil {
		return nil, err
	}
	return labs, nil
}

// GetLab fetches one lab.
func (c *Client) GetLab(ctx context.Context, id string) (*Lab, error) {
	var lab Lab
	if err := c.call(ctx, http.MethodGet, "/labs/"+id, nil, &lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

// EndLab requests teardown.
func (c *Client) EndLab(ctx context.Context, id string) (*Lab, error) {
	var lab Lab
	if err := c.call(ctx, http.MethodPost, "/labs/"+id+"/end", nil, &lab); err != nil {
		return nil, err
	}
	return &lab, nil
}

// Connect mints a fresh gateway redirect URL.
func (c *Client) Connect(ctx context.Context, id string) (string, error) {
	var resp struct {
		RedirectURL string `json:"redirect_url"`
	}
	if err := c.call(ctx, http.MethodPost, "/labs/"+id+"/connect", nil, &resp); err != nil {
		return "", err
	}
	return resp.RedirectURL, nil
}

// EvidenceStatus fetches the evidence state of a lab.
func (c *Client) EvidenceStatus(ctx context.Context, id string) (*EvidenceStatus, error) {
	var st EvidenceStatus
	if err := c.call(ctx, http.MethodGet, "/labs/"+id+"/evidence/status", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// DownloadBundle streams an evidence bundle into w. verified selects
// the sealed variant.
func (c *Client) DownloadBundle(ctx context.Context, id string, verified bool, w io.Writer) error {
	path := "/labs/" + id + "/evidence/bundle.zip"
	if verified {
		path = "/labs/" + id + "/evidence/verified-bundle.zip"
	}
	req, err := c.newRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	_, err = io.Copy(w, resp.Body)
	return err
}

// RunWatchdog triggers an admin watchdog pass.
func (c *Client) RunWatchdog(ctx context.Context, req WatchdogRequest) (*WatchdogReport, error) {
	var report WatchdogReport
	if err := c.call(ctx, http.MethodPost, "/admin/watchdog/run", req, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// WaitServerReady polls the readiness endpoint until it answers 200 or
// the context expires.
func (c *Client) WaitServerReady(ctx context.Context, interval time.Duration) error {
	checker := health.NewHTTPChecker(c.baseURL + "/ready")
	for {
		if res := checker.Check(ctx); res.Healthy {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("server never became ready: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
}

// WaitLabSettled polls a lab until it leaves the given transitional
// status set, returning the settled row.
func (c *Client) WaitLabSettled(ctx context.Context, id string, interval time.Duration, transitional ...string) (*Lab, error) {
	moving := make(map[string]bool, len(transitional))
	for _, s := range transitional {
		moving[s] = true
	}
	for {
		lab, err := c.GetLab(ctx, id)
		if err != nil {
			return nil, err
		}
		if !moving[lab.Status] {
			return lab, nil
		}
		select {
		case <-ctx.Done():
			return lab, fmt.Errorf("lab %s still %s: %w", id, lab.Status, ctx.Err())
		case <-time.After(interval):
		}
	}
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return nil, err
	}
	if c.user != "" {
		req.Header.Set(headerUser, c.user)
	}
	if c.admin {
		req.Header.Set(headerAdmin, "true")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

func decodeError(resp *http.Response) error {
	apiErr := &APIError{Status: resp.StatusCode, Code: "unknown"}
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err == nil {
		_ = json.Unmarshal(raw, apiErr)
	}
	return apiErr
}
