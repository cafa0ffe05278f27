package server

import (
	"encoding/json"

	"cvatsync/internal/domain"
	"cvatsync/internal/repo"
)

type UpdateFieldRequest struct {
	Field string `json:"field" enum:"task_name,assignee,status,started_on,completed_on" doc:"Editable field"`
	Value string `json:"value" doc:"New value; empty clears optional fields"`
}

type SyncRequest struct {
	ProjectID int64  `json:"project_id,omitempty"`
	TaskID    int64  `json:"task_id,omitempty"`
	JobID     int64  `json:"job_id,omitempty"`
	Assignee  string `json:"assignee,omitempty"`
	Status    string `json:"status,omitempty"`
	Force     bool   `json:"force,omitempty"`
}

type TaskResponse struct {
	ID                      string        `json:"id"`
	RemoteJobID             int64         `json:"remote_job_id"`
	RemoteTaskID            int64         `json:"remote_task_id"`
	RemoteProjectID         *int64        `json:"remote_project_id,omitempty"`
	ProjectName             string        `json:"project_name"`
	TaskName                string        `json:"task_name"`
	Assignee                string        `json:"assignee,omitempty"`
	RemoteStatus            string        `json:"remote_status"`
	WorkflowStage           string        `json:"workflow_stage"`
	RemoteState             string        `json:"remote_state"`
	Status                  domain.Status `json:"status" enum:"pending,in_progress,reviewing,done,reviewed"`
	StatusLabel             string        `json:"status_label"`
	ManualOverride          bool          `json:"manual_override"`
	ManualAnnotations       int           `json:"manual_annotations"`
	InterpolatedAnnotations int           `json:"interpolated_annotations"`
	TotalAnnotations        int           `json:"total_annotations"`
	CompletionPercentage    int           `json:"completion_percentage"`
	RemoteURL               string        `json:"remote_url,omitempty"`
	StartedOn               string        `json:"started_on,omitempty" format:"date"`
	CompletedOn             string        `json:"completed_on,omitempty" format:"date"`
	LastSyncedAt            string        `json:"last_synced_at" format:"date-time"`
	CreatedAt               string        `json:"created_at" format:"date-time"`
	UpdatedAt               string        `json:"updated_at" format:"date-time"`
	RawPayload              any           `json:"raw_payload,omitempty"`
}

type WebhookDeliveryResponse struct {
	ID             string `json:"id"`
	EventType      string `json:"event_type"`
	Status         string `json:"status" enum:"pending,processing,success,error"`
	RecordID       string `json:"record_id,omitempty"`
	RemoteJobID    *int64 `json:"remote_job_id,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	SourceIP       string `json:"source_ip,omitempty"`
	ResponseStatus int    `json:"response_status,omitempty"`
	ReceivedAt     string `json:"received_at" format:"date-time"`
	ProcessedAt    string `json:"processed_at,omitempty" format:"date-time"`
	Payload        any    `json:"payload,omitempty"`
}

type paginatedTasks struct {
	Items    []TaskResponse   `json:"items"`
	Total    int              `json:"total"`
	Page     int              `json:"page"`
	PageSize int              `json:"page_size"`
	Summary  repo.TaskSummary `json:"summary"`
	Facets   repo.Facets      `json:"facets"`
}

type statusGroup struct {
	Status domain.Status  `json:"status" enum:"pending,in_progress,reviewing,done,reviewed"`
	Label  string         `json:"label"`
	Items  []TaskResponse `json:"items"`
}

type paginatedDeliveries struct {
	Items      []WebhookDeliveryResponse `json:"items"`
	NextCursor string                    `json:"next_cursor,omitempty"`
}

func taskResponse(t domain.AnnotationTask, withPayload bool) TaskResponse {
	res := TaskResponse{
		ID:                      t.ID,
		RemoteJobID:             t.RemoteJobID,
		RemoteTaskID:            t.RemoteTaskID,
		RemoteProjectID:         t.RemoteProjectID,
		ProjectName:             t.ProjectName,
		TaskName:                t.TaskName,
		Assignee:                t.Assignee,
		RemoteStatus:            t.RemoteStatus,
		WorkflowStage:           t.WorkflowStage,
		RemoteState:             t.RemoteState,
		Status:                  t.Status,
		StatusLabel:             t.Status.Label(),
		ManualOverride:          t.ManualOverride,
		ManualAnnotations:       t.ManualAnnotations,
		InterpolatedAnnotations: t.InterpolatedAnnotations,
		TotalAnnotations:        t.TotalAnnotations,
		CompletionPercentage:    t.CompletionPercentage(),
		RemoteURL:               t.RemoteURL,
		StartedOn:               t.StartedOn,
		CompletedOn:             t.CompletedOn,
		LastSyncedAt:            t.LastSyncedAt,
		CreatedAt:               t.CreatedAt,
		UpdatedAt:               t.UpdatedAt,
	}
	if withPayload {
		res.RawPayload = decodeJSON(t.RawPayload)
	}
	return res
}

func deliveryResponse(e domain.WebhookEvent, withPayload bool) WebhookDeliveryResponse {
	res := WebhookDeliveryResponse{
		ID:             e.ID,
		EventType:      e.EventType,
		Status:         e.Status,
		RecordID:       e.RecordID,
		RemoteJobID:    e.RemoteJobID,
		ErrorMessage:   e.ErrorMessage,
		SourceIP:       e.SourceIP,
		ResponseStatus: e.ResponseStatus,
		ReceivedAt:     e.ReceivedAt,
		ProcessedAt:    e.ProcessedAt,
	}
	if withPayload {
		res.Payload = decodeJSON(e.Payload)
	}
	return res
}

func mapTasks(items []domain.AnnotationTask) []TaskResponse {
	out := make([]TaskResponse, 0, len(items))
	for _, t := range items {
		out = append(out, taskResponse(t, false))
	}
	return out
}

// decodeJSON returns stored JSON as a value; unparseable text is returned as is.
func decodeJSON(raw string) any {
	if raw == "" {
		return nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return raw
	}
	return v
}
