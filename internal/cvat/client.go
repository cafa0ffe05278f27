// Package cvat talks to the annotation service REST API.
package cvat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"cvatsync/internal/annotations"
	"cvatsync/internal/metrics"
)

const defaultPageSize = 100

// FetchError wraps a failed remote call.
type FetchError struct {
	Op     string
	Status int
	Body   string
	Err    error
}

func (e *FetchError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Body != "":
		return fmt.Sprintf("%s: status=%d body=%s", e.Op, e.Status, e.Body)
	default:
		return fmt.Sprintf("%s: status=%d", e.Op, e.Status)
	}
}

func (e *FetchError) Unwrap() error { return e.Err }

// NotFound reports whether the remote answered 404.
func (e *FetchError) NotFound() bool { return e.Status == http.StatusNotFound }

// Client is a minimal annotation service client.
type Client struct {
	BaseURL    string
	Sessions   Sessions
	HTTPClient *http.Client
	PageSize   int
}

// New creates a client whose requests are bounded by timeout.
func New(baseURL string, sessions Sessions, timeout time.Duration) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Sessions:   sessions,
		HTTPClient: &http.Client{Timeout: timeout},
		PageSize:   defaultPageSize,
	}
}

// NewWithLogin builds the session manager and client sharing one http.Client.
func NewWithLogin(baseURL, username, password string, timeout time.Duration) *Client {
	hc := &http.Client{Timeout: timeout}
	sessions := NewSessionManager(baseURL, username, password, hc)
	c := New(baseURL, sessions, timeout)
	c.HTTPClient = hc
	return c
}

// Login forces a session to exist, surfacing credential problems early.
func (c *Client) Login(ctx context.Context) error {
	_, err := c.Sessions.GetValidSession(ctx)
	return err
}

// ListJobs returns every job matching the filters, following pagination.
func (c *Client) ListJobs(ctx context.Context, f JobFilters) ([]Job, error) {
	if f.JobID > 0 {
		job, err := c.GetJob(ctx, f.JobID)
		if err != nil {
			return nil, err
		}
		return []Job{job}, nil
	}
	q := url.Values{}
	if f.ProjectID > 0 {
		q.Set("project_id", strconv.FormatInt(f.ProjectID, 10))
	}
	if f.TaskID > 0 {
		q.Set("task_id", strconv.FormatInt(f.TaskID, 10))
	}
	if f.Assignee != "" {
		q.Set("assignee", f.Assignee)
	}
	if f.Status != "" {
		q.Set("status", f.Status)
	}
	size := c.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	q.Set("page_size", strconv.Itoa(size))

	var jobs []Job
	for pageNo := 1; ; pageNo++ {
		q.Set("page", strconv.Itoa(pageNo))
		var p page
		if err := c.get(ctx, "list_jobs", "jobs?"+q.Encode(), &p); err != nil {
			return nil, err
		}
		if len(p.Results) == 0 {
			break
		}
		for _, raw := range p.Results {
			job, err := decodeJob(raw)
			if err != nil {
				return nil, &FetchError{Op: "list_jobs", Err: err}
			}
			jobs = append(jobs, job)
		}
		if p.Next == nil || *p.Next == "" {
			break
		}
	}
	return jobs, nil
}

// GetJob fetches one job.
func (c *Client) GetJob(ctx context.Context, jobID int64) (Job, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "get_job", fmt.Sprintf("jobs/%d", jobID), &raw); err != nil {
		return Job{}, err
	}
	job, err := decodeJob(raw)
	if err != nil {
		return Job{}, &FetchError{Op: "get_job", Err: err}
	}
	return job, nil
}

// GetTask fetches the full task document.
func (c *Client) GetTask(ctx context.Context, taskID int64) (Task, error) {
	var raw json.RawMessage
	if err := c.get(ctx, "get_task", fmt.Sprintf("tasks/%d", taskID), &raw); err != nil {
		return Task{}, err
	}
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, &FetchError{Op: "get_task", Err: err}
	}
	t.Raw = raw
	return t, nil
}

// GetTaskName returns the task name or UnknownName; it never fails.
func (c *Client) GetTaskName(ctx context.Context, taskID int64) string {
	var out struct {
		Name string `json:"name"`
	}
	if err := c.get(ctx, "get_task_name", fmt.Sprintf("tasks/%d", taskID), &out); err != nil || out.Name == "" {
		return UnknownName
	}
	return out.Name
}

// GetProjectName returns the project name or UnknownName; it never fails.
func (c *Client) GetProjectName(ctx context.Context, projectID int64) string {
	var out struct {
		Name string `json:"name"`
	}
	if err := c.get(ctx, "get_project", fmt.Sprintf("projects/%d", projectID), &out); err != nil || out.Name == "" {
		return UnknownName
	}
	return out.Name
}

// GetJobAnnotations fetches the annotation document of a job.
func (c *Client) GetJobAnnotations(ctx context.Context, jobID int64) (annotations.Payload, error) {
	var p annotations.Payload
	err := c.get(ctx, "get_annotations", fmt.Sprintf("jobs/%d/annotations", jobID), &p)
	return p, err
}

func decodeJob(raw json.RawMessage) (Job, error) {
	var j Job
	if err := json.Unmarshal(raw, &j); err != nil {
		return Job{}, err
	}
	j.Raw = raw
	return j, nil
}

// get performs an authenticated GET, refreshing the session once on 401.
func (c *Client) get(ctx context.Context, op, endpoint string, out any) error {
	used, err := c.getOnce(ctx, op, endpoint, out)
	if !errors.Is(err, errUnauthorized) {
		return err
	}
	c.Sessions.Invalidate(used)
	_, err = c.getOnce(ctx, op, endpoint, out)
	if errors.Is(err, errUnauthorized) {
		return fmt.Errorf("%s: %w", op, ErrAuthentication)
	}
	return err
}

var errUnauthorized = errors.New("unauthorized")

// getOnce returns the session it sent so a 401 invalidates exactly that one.
func (c *Client) getOnce(ctx context.Context, op, endpoint string, out any) (*Session, error) {
	session, err := c.Sessions.GetValidSession(ctx)
	if err != nil {
		return nil, err
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/"+strings.TrimLeft(endpoint, "/"), nil)
	if err != nil {
		return session, err
	}
	req.Header.Set("Accept", "application/json")
	session.Apply(req)
	started := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		metrics.ObserveRemote(op, 0, started)
		return session, &FetchError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	metrics.ObserveRemote(op, resp.StatusCode, started)
	if resp.StatusCode == http.StatusUnauthorized {
		return session, errUnauthorized
	}
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return session, &FetchError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out == nil {
		return session, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return session, &FetchError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("decode: %w", err)}
	}
	return session, nil
}
