package domain

import (
	"fmt"
	"strings"
)

// Status is the local workflow status of an annotation task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusReviewing  Status = "reviewing"
	StatusDone       Status = "done"
	StatusReviewed   Status = "reviewed"
)

// Statuses lists every status in workflow order.
var Statuses = []Status{StatusPending, StatusInProgress, StatusReviewing, StatusDone, StatusReviewed}

var statusLabels = map[Status]string{
	StatusPending:    "Pending",
	StatusInProgress: "In progress",
	StatusReviewing:  "Reviewing",
	StatusDone:       "Done",
	StatusReviewed:   "Reviewed",
}

// Label returns the display name.
func (s Status) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// Completed reports whether the status counts as finished work.
func (s Status) Completed() bool {
	return s == StatusDone || s == StatusReviewed
}

// ParseStatus validates a status value.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.TrimSpace(v))
	if _, ok := statusLabels[s]; !ok {
		return "", fmt.Errorf("invalid status %q", v)
	}
	return s, nil
}

type statusRule struct {
	name  string
	stage string // empty matches any stage
	state string
	to    Status
}

// Evaluated top to bottom; the first match wins. "rejected" is listed even
// though the fallback yields the same status so it stays visible in traces.
var statusRules = []statusRule{
	{name: "accepted", stage: "acceptance", state: "completed", to: StatusDone},
	{name: "new", state: "new", to: StatusPending},
	{name: "in-progress", state: "in progress", to: StatusInProgress},
	{name: "completed", state: "completed", to: StatusReviewing},
	{name: "rejected", state: "rejected", to: StatusPending},
}

// MapStatus derives the workflow status from the remote stage and state.
func MapStatus(stage, state string) Status {
	s, _ := MapStatusRule(stage, state)
	return s
}

// MapStatusRule is MapStatus plus the name of the rule that fired ("default" when none did).
func MapStatusRule(stage, state string) (Status, string) {
	stage, state = normalize(stage), normalize(state)
	for _, r := range statusRules {
		if r.stage != "" && r.stage != stage {
			continue
		}
		if r.state == state {
			return r.to, r.name
		}
	}
	return StatusPending, "default"
}

func normalize(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}
