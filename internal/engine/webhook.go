package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cvatsync/internal/cvat"
	"cvatsync/internal/domain"
	"cvatsync/internal/repo"
)

// Webhook event names.
const (
	EventCreateJob  = "create:job"
	EventUpdateJob  = "update:job"
	EventDeleteJob  = "delete:job"
	EventCreateTask = "create:task"
	EventUpdateTask = "update:task"
	EventDeleteTask = "delete:task"
)

// WebhookEnvelope is a parsed delivery body.
type WebhookEnvelope struct {
	Event string     `json:"event"`
	Job   *cvat.Job  `json:"job"`
	Task  *cvat.Task `json:"task"`

	Raw json.RawMessage `json:"-"`

	// taskID tells a task id of 0 apart from a missing one.
	taskID *int64
}

// ParseWebhook decodes a delivery body. The body must be a JSON object.
func ParseWebhook(body []byte) (WebhookEnvelope, error) {
	var env WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return WebhookEnvelope{}, invalid("Invalid JSON: %v", err)
	}
	var ids struct {
		Task *struct {
			ID *int64 `json:"id"`
		} `json:"task"`
	}
	if err := json.Unmarshal(body, &ids); err == nil && ids.Task != nil {
		env.taskID = ids.Task.ID
	}
	env.Raw = append(json.RawMessage(nil), body...)
	return env, nil
}

// TaskID returns the payload task id. Zero is a valid id; only an absent
// id reports false.
func (env WebhookEnvelope) TaskID() (int64, bool) {
	if env.Task == nil {
		return 0, false
	}
	if env.taskID != nil {
		return *env.taskID, true
	}
	return env.Task.ID, env.Task.ID > 0
}

// WebhookResult is the success body of a processed delivery.
type WebhookResult struct {
	Message      string `json:"message"`
	RecordID     string `json:"record_id,omitempty"`
	Created      *bool  `json:"created,omitempty"`
	Deleted      *bool  `json:"deleted,omitempty"`
	DeletedCount *int   `json:"deleted_count,omitempty"`

	// RemoteJobID is the job touched, for the audit row.
	RemoteJobID *int64 `json:"-"`
	// LinkRecord is false when RecordID names a row that no longer exists.
	LinkRecord bool `json:"-"`
}

// HandleWebhook dispatches one accepted delivery on its event name.
func (e Engine) HandleWebhook(ctx context.Context, env WebhookEnvelope) (WebhookResult, error) {
	switch env.Event {
	case EventCreateJob, EventUpdateJob, EventCreateTask, EventUpdateTask:
		if e.Remote == nil {
			return WebhookResult{}, ErrRemoteNotConfigured
		}
	}
	switch env.Event {
	case EventCreateJob, EventUpdateJob:
		return e.webhookJob(ctx, env)
	case EventDeleteJob:
		return e.webhookDeleteJob(ctx, env)
	case EventCreateTask, EventUpdateTask:
		return e.webhookTask(ctx, env)
	case EventDeleteTask:
		return e.webhookDeleteTask(ctx, env)
	default:
		event := env.Event
		if event == "" {
			event = "unknown"
		}
		return WebhookResult{}, invalid("Unsupported event type: %s", event)
	}
}

func (e Engine) webhookJob(ctx context.Context, env WebhookEnvelope) (WebhookResult, error) {
	job := env.Job
	if job == nil {
		return WebhookResult{}, invalid("Job data not found in payload")
	}
	if job.ID <= 0 {
		return WebhookResult{}, invalid("Job ID not found in payload")
	}
	jobID := job.ID
	res := WebhookResult{RemoteJobID: &jobID}
	if job.TaskID <= 0 {
		return res, invalid("Task ID not found for job %d", job.ID)
	}
	task, err := e.Remote.GetTask(ctx, job.TaskID)
	if err != nil {
		return res, fmt.Errorf("fetch task %d: %w", job.TaskID, err)
	}
	if task.Name == "" {
		return res, &DataIntegrityError{JobID: job.ID, Field: "task_name", Reason: fmt.Sprintf("task %d has no name", job.TaskID)}
	}
	projectID := task.ProjectID
	if projectID == nil {
		projectID = job.ProjectID
	}
	var projectName string
	if projectID != nil {
		if projectName, err = e.projectName(ctx, job.ID, *projectID, false); err != nil {
			return res, err
		}
	}
	rec, created, err := e.Reconcile(ctx, Incoming{
		RemoteJobID:     job.ID,
		RemoteTaskID:    job.TaskID,
		RemoteProjectID: projectID,
		ProjectName:     projectName,
		TaskName:        task.Name,
		Assignee:        job.Assignee.Name(),
		RemoteStatus:    job.Status,
		Stage:           job.Stage,
		State:           job.State,
		RawPayload:      env.Raw,
		Source:          "webhook",
	})
	if err != nil {
		return res, err
	}
	res.Message = fmt.Sprintf("Event %s processed successfully", env.Event)
	res.RecordID = rec.ID
	res.LinkRecord = true
	res.Created = &created
	return res, nil
}

// webhookTask reconciles the first job of the task only. Task fields come
// from the remote service, falling back to the payload when the fetch fails.
func (e Engine) webhookTask(ctx context.Context, env WebhookEnvelope) (WebhookResult, error) {
	payloadTask := env.Task
	if payloadTask == nil {
		return WebhookResult{}, invalid("Task data not found in payload")
	}
	taskID, ok := env.TaskID()
	if !ok {
		return WebhookResult{}, invalid("Task ID not found in payload")
	}
	payloadTask.ID = taskID
	info, err := e.Remote.GetTask(ctx, payloadTask.ID)
	if err != nil {
		e.logger().Warn("task fetch failed, using payload fields", "task", payloadTask.ID, "err", err)
		info = *payloadTask
	}
	name := info.Name
	if name == "" {
		name = fmt.Sprintf("Task #%d", payloadTask.ID)
	}

	jobs := payloadTask.Jobs
	if len(jobs) == 0 {
		jobs = info.Jobs
	}
	if len(jobs) == 0 {
		return WebhookResult{Message: fmt.Sprintf("Task %d has no jobs yet, skipped", payloadTask.ID)}, nil
	}
	first := jobs[0]
	if first.ID <= 0 {
		return WebhookResult{}, invalid("Job ID not found in task %d", payloadTask.ID)
	}
	jobID := first.ID
	res := WebhookResult{RemoteJobID: &jobID}

	var projectName string
	if info.ProjectID != nil {
		if projectName, err = e.projectName(ctx, first.ID, *info.ProjectID, false); err != nil {
			return res, err
		}
	}
	rec, created, err := e.Reconcile(ctx, Incoming{
		RemoteJobID:     first.ID,
		RemoteTaskID:    payloadTask.ID,
		RemoteProjectID: info.ProjectID,
		ProjectName:     projectName,
		TaskName:        name,
		Assignee:        info.Assignee.Name(),
		RemoteStatus:    info.Status,
		Stage:           info.Stage,
		State:           info.State,
		RawPayload:      env.Raw,
		Source:          "webhook",
	})
	if err != nil {
		return res, err
	}
	res.Message = fmt.Sprintf("Event %s processed successfully", env.Event)
	res.RecordID = rec.ID
	res.LinkRecord = true
	res.Created = &created
	return res, nil
}

func (e Engine) webhookDeleteJob(ctx context.Context, env WebhookEnvelope) (WebhookResult, error) {
	if env.Job == nil {
		return WebhookResult{}, invalid("Job data not found in payload")
	}
	if env.Job.ID <= 0 {
		return WebhookResult{}, invalid("Job ID not found in payload")
	}
	jobID := env.Job.ID
	res := WebhookResult{Message: "Delete event processed successfully", RemoteJobID: &jobID}
	deleted := false
	rec, err := e.Repo.DeleteTaskByJobID(ctx, jobID)
	switch {
	case errors.Is(err, repo.ErrNotFound):
	case err != nil:
		return res, err
	default:
		deleted = true
		res.RecordID = rec.ID
		e.publish(domain.Change{Type: domain.ChangeRecordDeleted, RecordID: rec.ID, RemoteJobID: jobID, Source: "webhook"})
	}
	res.Deleted = &deleted
	return res, nil
}

func (e Engine) webhookDeleteTask(ctx context.Context, env WebhookEnvelope) (WebhookResult, error) {
	if env.Task == nil {
		return WebhookResult{}, invalid("Task data not found in payload")
	}
	taskID, ok := env.TaskID()
	if !ok {
		return WebhookResult{}, invalid("Task ID not found in payload")
	}
	n, err := e.Repo.DeleteTasksByTaskID(ctx, taskID)
	if err != nil {
		return WebhookResult{}, err
	}
	deleted := n > 0
	if deleted {
		e.publish(domain.Change{Type: domain.ChangeRecordDeleted, Source: "webhook"})
	}
	return WebhookResult{Message: "Task delete event processed successfully", Deleted: &deleted, DeletedCount: &n}, nil
}
