package taskboardsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is a minimal Taskboard HTTP API client for agent tooling.
type Client struct {
	BaseURL    string
	AgentID    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, agentID string) *Client {
	return &Client{
		BaseURL: baseURL,
		AgentID: agentID,
		Timeout: 10 * time.Second,
	}
}

// Task represents the API task model.
type Task struct {
	ID             int64          `json:"id"`
	EpicID         int64          `json:"epic_id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Status         string         `json:"status"`
	Locked         bool           `json:"locked"`
	LockHolder     *string        `json:"lock_holder,omitempty"`
	LockExpiresAt  *string        `json:"lock_expires_at,omitempty"`
	AssumptionTags []string       `json:"assumption_tags,omitempty"`
	Complexity     *int           `json:"complexity,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

type Project struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type Epic struct {
	ID          int64  `json:"id"`
	ProjectID   int64  `json:"project_id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Status      string `json:"status"`
	CreatedAt   string `json:"created_at"`
	UpdatedAt   string `json:"updated_at"`
}

type TaskLog struct {
	ID        int64  `json:"id"`
	TaskID    int64  `json:"task_id"`
	Seq       int64  `json:"seq"`
	Author    string `json:"author"`
	Body      string `json:"body"`
	CreatedAt string `json:"created_at"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts"`
	Type    string `json:"type"`
	TaskID  *int64 `json:"task_id,omitempty"`
	Payload string `json:"payload_json"`
}

// StatusChange reports a status update, including whether the lock was
// released as a side-effect.
type StatusChange struct {
	Task         Task   `json:"task"`
	From         string `json:"from"`
	To           string `json:"to"`
	LockReleased bool   `json:"lock_released"`
	Changed      bool   `json:"changed"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) CreateProject(ctx context.Context, name, description string) (Project, error) {
	var resp struct {
		Project Project `json:"project"`
	}
	err := c.do(ctx, http.MethodPost, "v0/projects", map[string]any{"name": name, "description": description}, &resp)
	return resp.Project, err
}

func (c *Client) CreateEpic(ctx context.Context, projectID int64, name, description string) (Epic, error) {
	var resp struct {
		Epic Epic `json:"epic"`
	}
	endpoint := fmt.Sprintf("v0/projects/%d/epics", projectID)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"name": name, "description": description}, &resp)
	return resp.Epic, err
}

func (c *Client) CreateTask(ctx context.Context, epicID int64, name, description string) (Task, error) {
	var resp Task
	endpoint := fmt.Sprintf("v0/epics/%d/tasks", epicID)
	err := c.do(ctx, http.MethodPost, endpoint, map[string]any{"name": name, "description": description}, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("v0/tasks/%d", id), nil, &resp)
	return resp, err
}

// AvailableTasks lists claimable pending tasks.
func (c *Client) AvailableTasks(ctx context.Context, limit int) ([]Task, error) {
	var resp struct {
		Tasks []Task `json:"tasks"`
	}
	endpoint := "v0/tasks?available=true"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Tasks, err
}

// Claim acquires the task lock for this client's agent. timeoutSeconds
// zero means the server default.
func (c *Client) Claim(ctx context.Context, taskID int64, timeoutSeconds int) (Task, error) {
	var resp Task
	body := map[string]any{"agent_id": c.AgentID, "timeout_seconds": timeoutSeconds}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%d/lock", taskID), body, &resp)
	return resp, err
}

// Release gives the task back.
func (c *Client) Release(ctx context.Context, taskID int64) (Task, error) {
	var resp struct {
		Task Task `json:"task"`
	}
	body := map[string]any{"agent_id": c.AgentID}
	err := c.do(ctx, http.MethodDelete, fmt.Sprintf("v0/tasks/%d/lock", taskID), body, &resp)
	return resp.Task, err
}

// UpdateStatus moves the task through the state machine.
func (c *Client) UpdateStatus(ctx context.Context, taskID int64, status string) (StatusChange, error) {
	var resp StatusChange
	body := map[string]any{"status": status, "agent_id": c.AgentID}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%d/status", taskID), body, &resp)
	return resp, err
}

// AppendLog records an audit note against the task.
func (c *Client) AppendLog(ctx context.Context, taskID int64, body string) (TaskLog, error) {
	var resp struct {
		Log TaskLog `json:"log"`
	}
	payload := map[string]any{"author": c.AgentID, "body": body}
	err := c.do(ctx, http.MethodPost, fmt.Sprintf("v0/tasks/%d/logs", taskID), payload, &resp)
	return resp.Log, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, afterID int64, limit int) ([]Event, error) {
	var resp struct {
		Events []Event `json:"events"`
	}
	endpoint := fmt.Sprintf("v0/events?after_id=%d", afterID)
	if limit > 0 {
		endpoint = fmt.Sprintf("%s&limit=%d", endpoint, limit)
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
