package cvatsyncsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal cvatsync management API client.
type Client struct {
	BaseURL     string
	BasePath    string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		BasePath:    "/v0",
		BearerToken: token,
		Timeout:     10 * time.Second,
	}
}

// Task represents the API task model (partial).
type Task struct {
	ID               string `json:"id"`
	RemoteJobID      int64  `json:"remote_job_id"`
	RemoteTaskID     int64  `json:"remote_task_id"`
	ProjectName      string `json:"project_name"`
	TaskName         string `json:"task_name"`
	Assignee         string `json:"assignee"`
	Status           string `json:"status"`
	StatusLabel      string `json:"status_label"`
	ManualOverride   bool   `json:"manual_override"`
	TotalAnnotations int    `json:"total_annotations"`
	RemoteURL        string `json:"remote_url"`
	LastSyncedAt     string `json:"last_synced_at"`
}

// TaskPage is one page of the task listing.
type TaskPage struct {
	Items    []Task `json:"items"`
	Total    int    `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
	Summary  struct {
		TotalTasks       int   `json:"total_tasks"`
		TotalAnnotations int64 `json:"total_annotations"`
		InProgress       int   `json:"in_progress"`
		Completed        int   `json:"completed"`
	} `json:"summary"`
}

// TaskQuery narrows ListTasks; zero values are omitted.
type TaskQuery struct {
	Search   string
	Project  string
	Assignee string
	Status   string
	Sort     string
	Order    string
	Page     int
	PageSize int
}

func (q TaskQuery) values() url.Values {
	v := url.Values{}
	add := func(k, val string) {
		if val != "" {
			v.Set(k, val)
		}
	}
	add("search", q.Search)
	add("project", q.Project)
	add("assignee", q.Assignee)
	add("status", q.Status)
	add("sort", q.Sort)
	add("order", q.Order)
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(q.PageSize))
	}
	return v
}

// SyncStats tallies one sync run.
type SyncStats struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// SyncRequest scopes a remote-triggered sync.
type SyncRequest struct {
	ProjectID int64  `json:"project_id,omitempty"`
	TaskID    int64  `json:"task_id,omitempty"`
	JobID     int64  `json:"job_id,omitempty"`
	Assignee  string `json:"assignee,omitempty"`
	Status    string `json:"status,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

// Delivery is one inbound webhook audit row.
type Delivery struct {
	ID             string `json:"id"`
	EventType      string `json:"event_type"`
	Status         string `json:"status"`
	RecordID       string `json:"record_id"`
	ErrorMessage   string `json:"error_message"`
	ResponseStatus int    `json:"response_status"`
	ReceivedAt     string `json:"received_at"`
}

// PaginatedDeliveries wraps list responses with cursors.
type PaginatedDeliveries struct {
	Items      []Delivery `json:"items"`
	NextCursor string     `json:"next_cursor"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListTasks returns one page of mirrored records.
func (c *Client) ListTasks(ctx context.Context, q TaskQuery) (TaskPage, error) {
	endpoint := "tasks"
	if v := q.values(); len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp TaskPage
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTask fetches a record by its local id.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// GetTaskByJob fetches a record by remote job id.
func (c *Client) GetTaskByJob(ctx context.Context, jobID int64) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, fmt.Sprintf("jobs/%d", jobID), nil, &resp)
	return resp, err
}

// UpdateField edits one field. Setting status pins it until ClearOverride.
func (c *Client) UpdateField(ctx context.Context, id, field, value string) (Task, error) {
	body := map[string]string{"field": field, "value": value}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/fields", body, &resp)
	return resp, err
}

// ClearOverride returns status control to sync.
func (c *Client) ClearOverride(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(id)+"/override/clear", nil, &resp)
	return resp, err
}

// Sync runs a sync pass on the server and waits for its tally.
func (c *Client) Sync(ctx context.Context, req SyncRequest) (SyncStats, error) {
	var resp SyncStats
	err := c.do(ctx, http.MethodPost, "sync", req, &resp)
	return resp, err
}

// Deliveries returns a page of the webhook audit log.
func (c *Client) Deliveries(ctx context.Context, limit int, cursor string) (PaginatedDeliveries, error) {
	v := url.Values{}
	if limit > 0 {
		v.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		v.Set("cursor", cursor)
	}
	endpoint := "webhooks/deliveries"
	if len(v) > 0 {
		endpoint += "?" + v.Encode()
	}
	var resp PaginatedDeliveries
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
