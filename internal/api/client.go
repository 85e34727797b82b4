package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aristath/droidrunner/internal/scheduler"
)

// StatusError is a non-2xx response from the server.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.Code, e.Message)
}

// Client talks to a running droidrunner server.
type Client struct {
	base string
	http *http.Client
}

// NewClient creates a client for the server at baseURL. A nil httpClient uses
// a client with a 30s timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{base: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var eb errorBody
		if err := json.NewDecoder(resp.Body).Decode(&eb); err != nil || eb.Error == "" {
			eb.Error = http.StatusText(resp.StatusCode)
		}
		return &StatusError{Code: resp.StatusCode, Message: eb.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// CreateTask submits a task.
func (c *Client) CreateTask(ctx context.Context, req scheduler.CreateTaskRequest) (*scheduler.Task, error) {
	var t scheduler.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks", req, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask cancels a pending or running task.
func (c *Client) CancelTask(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/tasks/"+url.PathEscape(id), nil, nil)
}

// RetryTask resubmits a failed task.
func (c *Client) RetryTask(ctx context.Context, id string) (*scheduler.Task, error) {
	var t scheduler.Task
	if err := c.do(ctx, http.MethodPost, "/api/tasks/"+url.PathEscape(id)+"/retry", nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Task fetches one task from pending or history.
func (c *Client) Task(ctx context.Context, id string) (*scheduler.Task, error) {
	var t scheduler.Task
	if err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id), nil, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// PendingTasks lists non-terminal tasks.
func (c *Client) PendingTasks(ctx context.Context) ([]*scheduler.Task, error) {
	var tasks []*scheduler.Task
	err := c.do(ctx, http.MethodGet, "/api/tasks", nil, &tasks)
	return tasks, err
}

// HistoryTasks lists finished tasks.
func (c *Client) HistoryTasks(ctx context.Context) ([]*scheduler.Task, error) {
	var tasks []*scheduler.Task
	err := c.do(ctx, http.MethodGet, "/api/history", nil, &tasks)
	return tasks, err
}

// Output fetches the recorded output of a task.
func (c *Client) Output(ctx context.Context, id string) ([]string, error) {
	var out TaskOutput
	err := c.do(ctx, http.MethodGet, "/api/tasks/"+url.PathEscape(id)+"/output", nil, &out)
	return out.Lines, err
}

// AgentStates lists the run state of each droid.
func (c *Client) AgentStates(ctx context.Context) ([]*scheduler.AgentRunState, error) {
	var states []*scheduler.AgentRunState
	err := c.do(ctx, http.MethodGet, "/api/agents", nil, &states)
	return states, err
}

// Status returns the scheduler summary.
func (c *Client) Status(ctx context.Context) (SchedulerStatus, error) {
	var st SchedulerStatus
	err := c.do(ctx, http.MethodGet, "/api/scheduler", nil, &st)
	return st, err
}

// Pause stops admissions.
func (c *Client) Pause(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/scheduler/pause", nil, nil)
}

// Resume restarts admissions.
func (c *Client) Resume(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/scheduler/resume", nil, nil)
}

// Projects lists registered projects.
func (c *Client) Projects(ctx context.Context) ([]scheduler.Project, error) {
	var projects []scheduler.Project
	err := c.do(ctx, http.MethodGet, "/api/projects", nil, &projects)
	return projects, err
}

// AddProject registers a project directory.
func (c *Client) AddProject(ctx context.Context, p scheduler.Project) (scheduler.Project, error) {
	var out scheduler.Project
	err := c.do(ctx, http.MethodPost, "/api/projects", p, &out)
	return out, err
}

// Droids lists registered droids.
func (c *Client) Droids(ctx context.Context) ([]scheduler.AgentDefinition, error) {
	var droids []scheduler.AgentDefinition
	err := c.do(ctx, http.MethodGet, "/api/droids", nil, &droids)
	return droids, err
}

// ImportDroids registers a droid markdown file, or every *.md file in a
// directory. The path is read by the server.
func (c *Client) ImportDroids(ctx context.Context, path string, scope scheduler.AgentScope) ([]scheduler.AgentDefinition, error) {
	var out []scheduler.AgentDefinition
	err := c.do(ctx, http.MethodPost, "/api/droids/import", ImportDroidRequest{Path: path, Scope: scope}, &out)
	return out, err
}
