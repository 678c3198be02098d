// Package client provides a Go client library for the ironclaw API server.
package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	v1alpha1 "github.com/anchapin/ironclaw/pkg/apis/v1alpha1"
)

// Client communicates with the ironclaw API server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a new ironclaw API client pointing at the given base URL
// (e.g. "http://localhost:7117").
func New(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// ---------------------------------------------------------------------------
// Internal helpers
// ---------------------------------------------------------------------------

// doRequest builds and executes an HTTP request.
// If body is non-nil it is JSON-encoded and sent as the request body.
func (c *Client) doRequest(method, path string, body interface{}) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// doJSON executes a request, checks for a 2xx status, and JSON-decodes
// the response body into target (when target is non-nil).
func (c *Client) doJSON(method, path string, body interface{}, target interface{}) error {
	resp, err := c.doRequest(method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("api error (status %d): %s", resp.StatusCode, string(respBody))
	}

	if target != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, target); err != nil {
			return fmt.Errorf("decode response body: %w", err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Health
// ---------------------------------------------------------------------------

// Healthz checks whether the API server is healthy.
func (c *Client) Healthz() error {
	resp, err := c.doRequest(http.MethodGet, "/healthz", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("healthz failed (status %d): %s", resp.StatusCode, string(body))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Projects
// ---------------------------------------------------------------------------

// CreateProject creates a new project.
func (c *Client) CreateProject(p *v1alpha1.Project) (*v1alpha1.Project, error) {
	var out v1alpha1.Project
	if err := c.doJSON(http.MethodPost, "/api/v1alpha1/projects", p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetProject retrieves a project by name.
func (c *Client) GetProject(name string) (*v1alpha1.Project, error) {
	var out v1alpha1.Project
	if err := c.doJSON(http.MethodGet, fmt.Sprintf("/api/v1alpha1/projects/%s", name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListProjects returns all projects.
func (c *Client) ListProjects() ([]v1alpha1.Project, error) {
	var out []v1alpha1.Project
	if err := c.doJSON(http.MethodGet, "/api/v1alpha1/projects", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateProject updates an existing project.
func (c *Client) UpdateProject(p *v1alpha1.Project) (*v1alpha1.Project, error) {
	var out v1alpha1.Project
	path := fmt.Sprintf("/api/v1alpha1/projects/%s", p.Metadata.Name)
	if err := c.doJSON(http.MethodPut, path, p, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteProject removes a project by name.
func (c *Client) DeleteProject(name string) error {
	return c.doJSON(http.MethodDelete, fmt.Sprintf("/api/v1alpha1/projects/%s", name), nil, nil)
}

// ---------------------------------------------------------------------------
// ToolBackends
// ---------------------------------------------------------------------------

// CreateBackend creates a new tool backend in the given project.
func (c *Client) CreateBackend(backend *v1alpha1.ToolBackend) (*v1alpha1.ToolBackend, error) {
	var out v1alpha1.ToolBackend
	path := fmt.Sprintf("/api/v1alpha1/backends?project=%s", backend.Metadata.Project)
	if err := c.doJSON(http.MethodPost, path, backend, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetBackend retrieves a tool backend by name within a project.
func (c *Client) GetBackend(name, project string) (*v1alpha1.ToolBackend, error) {
	var out v1alpha1.ToolBackend
	path := fmt.Sprintf("/api/v1alpha1/backends/%s?project=%s", name, project)
	if err := c.doJSON(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListBackends returns all tool backends in a project. An empty project
// lists backends across every project.
func (c *Client) ListBackends(project string) ([]v1alpha1.ToolBackend, error) {
	var out []v1alpha1.ToolBackend
	path := "/api/v1alpha1/backends"
	if project != "" {
		path = fmt.Sprintf("%s?project=%s", path, project)
	}
	if err := c.doJSON(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateBackend updates an existing tool backend.
func (c *Client) UpdateBackend(backend *v1alpha1.ToolBackend) (*v1alpha1.ToolBackend, error) {
	var out v1alpha1.ToolBackend
	path := fmt.Sprintf("/api/v1alpha1/backends/%s?project=%s", backend.Metadata.Name, backend.Metadata.Project)
	if err := c.doJSON(http.MethodPut, path, backend, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteBackend removes a tool backend by name within a project.
func (c *Client) DeleteBackend(name, project string) error {
	path := fmt.Sprintf("/api/v1alpha1/backends/%s?project=%s", name, project)
	return c.doJSON(http.MethodDelete, path, nil, nil)
}

// ---------------------------------------------------------------------------
// AgentRuns
// ---------------------------------------------------------------------------

// CreateRun creates a new agent run in the given project.
func (c *Client) CreateRun(run *v1alpha1.AgentRun) (*v1alpha1.AgentRun, error) {
	var out v1alpha1.AgentRun
	path := fmt.Sprintf("/api/v1alpha1/runs?project=%s", run.Metadata.Project)
	if err := c.doJSON(http.MethodPost, path, run, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetRun retrieves an agent run by name within a project.
func (c *Client) GetRun(name, project string) (*v1alpha1.AgentRun, error) {
	var out v1alpha1.AgentRun
	path := fmt.Sprintf("/api/v1alpha1/runs/%s?project=%s", name, project)
	if err := c.doJSON(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRuns returns all agent runs in a project. An empty project lists
// runs across every project.
func (c *Client) ListRuns(project string) ([]v1alpha1.AgentRun, error) {
	var out []v1alpha1.AgentRun
	path := "/api/v1alpha1/runs"
	if project != "" {
		path = fmt.Sprintf("%s?project=%s", path, project)
	}
	if err := c.doJSON(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateRun updates an existing agent run. The server rejects updates to
// runs that have reached a terminal phase.
func (c *Client) UpdateRun(run *v1alpha1.AgentRun) (*v1alpha1.AgentRun, error) {
	var out v1alpha1.AgentRun
	path := fmt.Sprintf("/api/v1alpha1/runs/%s?project=%s", run.Metadata.Name, run.Metadata.Project)
	if err := c.doJSON(http.MethodPut, path, run, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeleteRun removes an agent run by name within a project.
func (c *Client) DeleteRun(name, project string) error {
	path := fmt.Sprintf("/api/v1alpha1/runs/%s?project=%s", name, project)
	return c.doJSON(http.MethodDelete, path, nil, nil)
}

// GetTranscript retrieves the conversation transcript of an agent run.
func (c *Client) GetTranscript(name, project string) ([]v1alpha1.Message, error) {
	var out []v1alpha1.Message
	path := fmt.Sprintf("/api/v1alpha1/runs/%s/transcript?project=%s", name, project)
	if err := c.doJSON(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Apply (generic create-or-update)
// ---------------------------------------------------------------------------

// Apply sends a resource to the server's apply endpoint, which performs a
// create-or-update operation. The returned interface{} contains the
// server's response decoded as a raw JSON map.
func (c *Client) Apply(resource interface{}) (interface{}, error) {
	var out interface{}
	if err := c.doJSON(http.MethodPost, "/api/v1alpha1/apply", resource, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Logs
// ---------------------------------------------------------------------------

// GetLogs retrieves log entries for an agent run.
func (c *Client) GetLogs(runName, project string) ([]v1alpha1.LogEntry, error) {
	var out []v1alpha1.LogEntry
	path := fmt.Sprintf("/api/v1alpha1/runs/%s/logs?project=%s", runName, project)
	if err := c.doJSON(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}
