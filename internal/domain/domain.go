package domain

// AnnotationTask mirrors one remote job.
type AnnotationTask struct {
	ID                      string `json:"id"`
	RemoteJobID             int64  `json:"remote_job_id"`
	RemoteTaskID            int64  `json:"remote_task_id"`
	RemoteProjectID         *int64 `json:"remote_project_id,omitempty"`
	ProjectName             string `json:"project_name"`
	TaskName                string `json:"task_name"`
	Assignee                string `json:"assignee,omitempty"`
	RemoteStatus            string `json:"remote_status"`
	WorkflowStage           string `json:"workflow_stage"`
	RemoteState             string `json:"remote_state"`
	Status                  Status `json:"status" enum:"pending,in_progress,reviewing,done,reviewed"`
	ManualOverride          bool   `json:"manual_override"`
	ManualAnnotations       int    `json:"manual_annotations"`
	InterpolatedAnnotations int    `json:"interpolated_annotations"`
	TotalAnnotations        int    `json:"total_annotations"`
	RemoteURL               string `json:"remote_url"`
	RawPayload              string `json:"raw_payload,omitempty"`
	StartedOn               string `json:"started_on,omitempty" format:"date"`
	CompletedOn             string `json:"completed_on,omitempty" format:"date"`
	LastSyncedAt            string `json:"last_synced_at" format:"date-time"`
	CreatedAt               string `json:"created_at" format:"date-time"`
	UpdatedAt               string `json:"updated_at" format:"date-time"`
}

// CompletionPercentage is a coarse progress estimate from the raw remote status.
func (t AnnotationTask) CompletionPercentage() int {
	switch normalize(t.RemoteStatus) {
	case "completed":
		return 100
	case "validation":
		return 90
	case "annotation":
		return 50
	default:
		return 0
	}
}

// WebhookEvent statuses.
const (
	WebhookPending    = "pending"
	WebhookProcessing = "processing"
	WebhookSuccess    = "success"
	WebhookError      = "error"
)

// WebhookEvent is one inbound delivery, kept as an audit row.
type WebhookEvent struct {
	ID             string `json:"id"`
	EventType      string `json:"event_type"`
	Payload        string `json:"payload"`
	Status         string `json:"status" enum:"pending,processing,success,error"`
	RecordID       string `json:"record_id,omitempty"`
	RemoteJobID    *int64 `json:"remote_job_id,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`
	SourceIP       string `json:"source_ip,omitempty"`
	ResponseStatus int    `json:"response_status,omitempty"`
	ReceivedAt     string `json:"received_at" format:"date-time"`
	ProcessedAt    string `json:"processed_at,omitempty" format:"date-time"`
}

// SyncStats tallies one sync run.
type SyncStats struct {
	Total   int `json:"total"`
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// AnnotationTotals is the overall annotation report.
type AnnotationTotals struct {
	Records      int     `json:"records"`
	Manual       int64   `json:"manual"`
	Interpolated int64   `json:"interpolated"`
	Total        int64   `json:"total"`
	Average      float64 `json:"average"`
}

// GroupTotal is one bucket of a grouped annotation report.
type GroupTotal struct {
	Key     string `json:"key"`
	Records int    `json:"records"`
	Total   int64  `json:"total"`
}

// Ranking is one row of a dashboard leaderboard.
type Ranking struct {
	Assignee     string  `json:"assignee"`
	Completed    int     `json:"completed"`
	Records      int     `json:"records"`
	Annotations  int64   `json:"annotations"`
	Productivity float64 `json:"productivity"`
}

// Dashboard aggregates headline metrics over a date window.
type Dashboard struct {
	Start             string       `json:"start,omitempty" format:"date"`
	End               string       `json:"end,omitempty" format:"date"`
	TotalTasks        int          `json:"total_tasks"`
	CompletedTasks    int          `json:"completed_tasks"`
	CompletionRate    float64      `json:"completion_rate"`
	TotalAnnotations  int64        `json:"total_annotations"`
	AvgCompletionDays float64      `json:"avg_completion_days"`
	ByStatus          []GroupTotal `json:"by_status"`
	TopByCompleted    []Ranking    `json:"top_by_completed"`
	TopByAnnotations  []Ranking    `json:"top_by_annotations"`
	TopByProductivity []Ranking    `json:"top_by_productivity"`
}

// Change kinds published to live dashboards.
const (
	ChangeRecordCreated = "record.created"
	ChangeRecordUpdated = "record.updated"
	ChangeRecordDeleted = "record.deleted"
	ChangeSyncCompleted = "sync.completed"
)

// Change is a record or sync event pushed to live subscribers.
type Change struct {
	Type        string     `json:"type"`
	RecordID    string     `json:"record_id,omitempty"`
	RemoteJobID int64      `json:"remote_job_id,omitempty"`
	Status      Status     `json:"status,omitempty"`
	Source      string     `json:"source,omitempty"`
	Stats       *SyncStats `json:"stats,omitempty"`
	At          string     `json:"at" format:"date-time"`
}
