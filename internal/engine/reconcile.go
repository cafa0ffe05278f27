package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"cvatsync/internal/annotations"
	"cvatsync/internal/domain"
	"cvatsync/internal/repo"
)

// Incoming is the freshly fetched state of one remote job.
type Incoming struct {
	RemoteJobID     int64
	RemoteTaskID    int64
	RemoteProjectID *int64
	ProjectName     string
	TaskName        string
	Assignee        string
	RemoteStatus    string
	Stage           string
	State           string
	// Counts is nil when no annotation document was fetched.
	Counts     *annotations.Counts
	RawPayload json.RawMessage
	// Source names the path that produced the data, for change events.
	Source string
}

// RecordID is the local id of the record mirroring jobID.
func RecordID(jobID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(fmt.Sprintf("cvat-job|%d", jobID))).String()
}

// RemoteURL builds the browser link of a job under publicURL.
func RemoteURL(publicURL string, taskID, jobID int64) string {
	if publicURL == "" || taskID == 0 || jobID == 0 {
		return ""
	}
	return fmt.Sprintf("%s/tasks/%d/jobs/%d", publicURL, taskID, jobID)
}

// Reconcile merges in into the record keyed by its remote job id and reports
// whether the record was created. Mirror fields always overwrite; status is
// only recomputed while manual_override is off.
func (e Engine) Reconcile(ctx context.Context, in Incoming) (domain.AnnotationTask, bool, error) {
	if in.RemoteJobID <= 0 {
		return domain.AnnotationTask{}, false, invalid("remote job id is required")
	}
	mapped, rule := domain.MapStatusRule(in.Stage, in.State)
	u := repo.TaskUpsert{
		ID:              RecordID(in.RemoteJobID),
		RemoteJobID:     in.RemoteJobID,
		RemoteTaskID:    in.RemoteTaskID,
		RemoteProjectID: in.RemoteProjectID,
		ProjectName:     in.ProjectName,
		TaskName:        in.TaskName,
		Assignee:        in.Assignee,
		RemoteStatus:    in.RemoteStatus,
		WorkflowStage:   in.Stage,
		RemoteState:     in.State,
		Status:          mapped,
		RemoteURL:       RemoteURL(e.PublicURL, in.RemoteTaskID, in.RemoteJobID),
		RawPayload:      string(in.RawPayload),
		Now:             e.stamp(),
	}
	if in.Counts != nil {
		u.HasCounts = true
		u.Manual = in.Counts.Manual
		u.Interpolated = in.Counts.Interpolated
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AnnotationTask{}, false, err
	}
	defer tx.Rollback()

	created := false
	if _, err := e.Repo.GetTaskByJobIDTx(ctx, tx, in.RemoteJobID); errors.Is(err, repo.ErrNotFound) {
		created = true
	} else if err != nil {
		return domain.AnnotationTask{}, false, err
	}
	if err := e.Repo.UpsertTaskTx(ctx, tx, u); err != nil {
		return domain.AnnotationTask{}, false, fmt.Errorf("upsert job %d: %w", in.RemoteJobID, err)
	}
	rec, err := e.Repo.GetTaskByJobIDTx(ctx, tx, in.RemoteJobID)
	if err != nil {
		return domain.AnnotationTask{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AnnotationTask{}, false, err
	}

	kind := domain.ChangeRecordUpdated
	if created {
		kind = domain.ChangeRecordCreated
	}
	e.logger().Debug("reconciled job", "job", rec.RemoteJobID, "status", rec.Status,
		"override", rec.ManualOverride, "mapped", mapped, "rule", rule, "created", created)
	e.publish(domain.Change{Type: kind, RecordID: rec.ID, RemoteJobID: rec.RemoteJobID, Status: rec.Status, Source: in.Source})
	return rec, created, nil
}
