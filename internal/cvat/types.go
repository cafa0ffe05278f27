package cvat

import (
	"bytes"
	"encoding/json"
	"strconv"
)

// UnknownName is returned by the name lookups when the remote call fails.
const UnknownName = "Unknown"

// JobFilters narrows a job listing. Zero values are ignored.
type JobFilters struct {
	ProjectID int64
	TaskID    int64
	JobID     int64
	Assignee  string
	Status    string
}

// Job is one entry of the job listing.
type Job struct {
	ID        int64    `json:"id"`
	TaskID    int64    `json:"task_id"`
	ProjectID *int64   `json:"project_id"`
	Assignee  Assignee `json:"assignee"`
	Stage     string   `json:"stage"`
	State     string   `json:"state"`
	Status    string   `json:"status"`

	Raw json.RawMessage `json:"-"`
}

// Task is a remote task with the fields the mirror reads.
type Task struct {
	ID        int64    `json:"id"`
	Name      string   `json:"name"`
	ProjectID *int64   `json:"project_id"`
	Assignee  Assignee `json:"assignee"`
	Status    string   `json:"status"`
	Stage     string   `json:"stage"`
	State     string   `json:"state"`
	Jobs      JobRefs  `json:"jobs"`

	Raw json.RawMessage `json:"-"`
}

// JobRef is a job as embedded in a task document.
type JobRef struct {
	ID       int64    `json:"id"`
	Assignee Assignee `json:"assignee"`
	Stage    string   `json:"stage"`
	State    string   `json:"state"`
	Status   string   `json:"status"`
}

// JobRefs decodes the task "jobs" field, which is a list in webhook payloads
// but a summary object in the REST API. Anything but a list decodes empty.
type JobRefs []JobRef

func (j *JobRefs) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '[' {
		*j = nil
		return nil
	}
	var refs []JobRef
	if err := json.Unmarshal(data, &refs); err != nil {
		return err
	}
	*j = refs
	return nil
}

// Assignee accepts a user object, a bare username, a numeric id or null.
type Assignee struct {
	ID       int64  `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
}

func (a *Assignee) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*a = Assignee{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	switch data[0] {
	case '{':
		var obj struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		a.ID, a.Username = obj.ID, obj.Username
	case '"':
		return json.Unmarshal(data, &a.Username)
	default:
		id, err := strconv.ParseInt(string(data), 10, 64)
		if err != nil {
			return err
		}
		a.ID = id
	}
	return nil
}

// Name is the username, the bare user id when only that was sent, or empty
// when unassigned.
func (a Assignee) Name() string {
	if a.Username != "" {
		return a.Username
	}
	if a.ID > 0 {
		return strconv.FormatInt(a.ID, 10)
	}
	return ""
}

type page struct {
	Count   int               `json:"count"`
	Next    *string           `json:"next"`
	Results []json.RawMessage `json:"results"`
}
