package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"cvatsync/internal/db"
	"cvatsync/internal/domain"
)

type Repo struct {
	DB      *sql.DB
	Dialect db.Dialect
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) q(query string) string {
	return r.Dialect.Rebind(query)
}

func (r Repo) on(tx *sql.Tx) queryer {
	if tx != nil {
		return tx
	}
	return r.DB
}

const taskColumns = `id,remote_job_id,remote_task_id,remote_project_id,project_name,task_name,assignee,remote_status,workflow_stage,remote_state,status,manual_override,manual_annotations,interpolated_annotations,total_annotations,remote_url,raw_payload,started_on,completed_on,last_synced_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.AnnotationTask, error) {
	var t domain.AnnotationTask
	var projectID sql.NullInt64
	var assignee, startedOn, completedOn sql.NullString
	var status string
	var override int
	err := row.Scan(&t.ID, &t.RemoteJobID, &t.RemoteTaskID, &projectID, &t.ProjectName, &t.TaskName, &assignee,
		&t.RemoteStatus, &t.WorkflowStage, &t.RemoteState, &status, &override,
		&t.ManualAnnotations, &t.InterpolatedAnnotations, &t.TotalAnnotations,
		&t.RemoteURL, &t.RawPayload, &startedOn, &completedOn, &t.LastSyncedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.Status = domain.Status(status)
	t.ManualOverride = override != 0
	if projectID.Valid {
		id := projectID.Int64
		t.RemoteProjectID = &id
	}
	t.Assignee = assignee.String
	t.StartedOn = startedOn.String
	t.CompletedOn = completedOn.String
	return t, nil
}

// TaskUpsert carries the mirrored fields for one remote job.
type TaskUpsert struct {
	ID              string
	RemoteJobID     int64
	RemoteTaskID    int64
	RemoteProjectID *int64
	ProjectName     string
	TaskName        string
	Assignee        string
	RemoteStatus    string
	WorkflowStage   string
	RemoteState     string
	Status          domain.Status
	// HasCounts is false when the source carried no annotation document;
	// existing counts are then left alone.
	HasCounts    bool
	Manual       int
	Interpolated int
	RemoteURL    string
	RawPayload   string
	Now          string
}

// UpsertTaskTx inserts or updates the row keyed by remote_job_id. The status
// column only moves while manual_override is off; the guard lives in the
// statement so a concurrent manual edit is never overwritten.
func (r Repo) UpsertTaskTx(ctx context.Context, tx *sql.Tx, u TaskUpsert) error {
	sets := []string{
		"remote_task_id=excluded.remote_task_id",
		"remote_project_id=excluded.remote_project_id",
		"project_name=excluded.project_name",
		"task_name=excluded.task_name",
		"assignee=excluded.assignee",
		"remote_status=excluded.remote_status",
		"workflow_stage=excluded.workflow_stage",
		"remote_state=excluded.remote_state",
		"status=CASE WHEN annotation_tasks.manual_override<>0 THEN annotation_tasks.status ELSE excluded.status END",
		"remote_url=excluded.remote_url",
		"raw_payload=excluded.raw_payload",
		"last_synced_at=excluded.last_synced_at",
		"updated_at=excluded.updated_at",
	}
	if u.HasCounts {
		sets = append(sets,
			"manual_annotations=excluded.manual_annotations",
			"interpolated_annotations=excluded.interpolated_annotations",
			"total_annotations=excluded.total_annotations",
		)
	}
	var projectID any
	if u.RemoteProjectID != nil {
		projectID = *u.RemoteProjectID
	}
	payload := u.RawPayload
	if payload == "" {
		payload = "{}"
	}
	query := `INSERT INTO annotation_tasks(id,remote_job_id,remote_task_id,remote_project_id,project_name,task_name,assignee,remote_status,workflow_stage,remote_state,status,manual_override,manual_annotations,interpolated_annotations,total_annotations,remote_url,raw_payload,last_synced_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,0,?,?,?,?,?,?,?,?)
ON CONFLICT(remote_job_id) DO UPDATE SET ` + strings.Join(sets, ", ")
	_, err := tx.ExecContext(ctx, r.q(query),
		u.ID, u.RemoteJobID, u.RemoteTaskID, projectID, u.ProjectName, u.TaskName, nullable(u.Assignee),
		u.RemoteStatus, u.WorkflowStage, u.RemoteState, string(u.Status),
		u.Manual, u.Interpolated, u.Manual+u.Interpolated,
		u.RemoteURL, payload, u.Now, u.Now, u.Now)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.AnnotationTask, error) {
	return scanTask(r.DB.QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM annotation_tasks WHERE id=?`), id))
}

func (r Repo) GetTaskByJobID(ctx context.Context, jobID int64) (domain.AnnotationTask, error) {
	return r.GetTaskByJobIDTx(ctx, nil, jobID)
}

func (r Repo) GetTaskByJobIDTx(ctx context.Context, tx *sql.Tx, jobID int64) (domain.AnnotationTask, error) {
	return scanTask(r.on(tx).QueryRowContext(ctx, r.q(`SELECT `+taskColumns+` FROM annotation_tasks WHERE remote_job_id=?`), jobID))
}

// TaskExists is the cheap pre-check used to skip already mirrored jobs.
func (r Repo) TaskExists(ctx context.Context, jobID int64) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(1) FROM annotation_tasks WHERE remote_job_id=?`), jobID).Scan(&n)
	return n > 0, err
}

// DeleteTaskByJobID removes one record. It returns ErrNotFound when absent.
func (r Repo) DeleteTaskByJobID(ctx context.Context, jobID int64) (domain.AnnotationTask, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AnnotationTask{}, err
	}
	defer tx.Rollback()
	t, err := r.GetTaskByJobIDTx(ctx, tx, jobID)
	if err != nil {
		return t, err
	}
	if _, err := tx.ExecContext(ctx, r.q(`DELETE FROM annotation_tasks WHERE id=?`), t.ID); err != nil {
		return t, err
	}
	return t, tx.Commit()
}

// DeleteTasksByTaskID removes every record of a remote task and returns how many went.
func (r Repo) DeleteTasksByTaskID(ctx context.Context, taskID int64) (int, error) {
	res, err := r.DB.ExecContext(ctx, r.q(`DELETE FROM annotation_tasks WHERE remote_task_id=?`), taskID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// ColumnValue is one column assignment of a manual edit.
type ColumnValue struct {
	Column string
	Value  any
}

var editableColumns = map[string]bool{
	"task_name":       true,
	"assignee":        true,
	"status":          true,
	"manual_override": true,
	"started_on":      true,
	"completed_on":    true,
}

// UpdateTaskColumns applies a manual edit and returns the updated record.
func (r Repo) UpdateTaskColumns(ctx context.Context, id string, set []ColumnValue, now string) (domain.AnnotationTask, error) {
	if len(set) == 0 {
		return r.GetTask(ctx, id)
	}
	fields := make([]string, 0, len(set)+1)
	args := make([]any, 0, len(set)+2)
	for _, cv := range set {
		if !editableColumns[cv.Column] {
			return domain.AnnotationTask{}, fmt.Errorf("column %s is not editable", cv.Column)
		}
		fields = append(fields, cv.Column+"=?")
		args = append(args, cv.Value)
	}
	fields = append(fields, "updated_at=?")
	args = append(args, now, id)
	res, err := r.DB.ExecContext(ctx, r.q(`UPDATE annotation_tasks SET `+strings.Join(fields, ",")+` WHERE id=?`), args...)
	if err != nil {
		return domain.AnnotationTask{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.AnnotationTask{}, ErrNotFound
	}
	return r.GetTask(ctx, id)
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
