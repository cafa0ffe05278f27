package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cvatsync/internal/annotations"
	"cvatsync/internal/config"
	"cvatsync/internal/cvat"
	"cvatsync/internal/db"
	"cvatsync/internal/domain"
	"cvatsync/internal/events"
	"cvatsync/internal/repo"
)

// Remote is the subset of the annotation service client the engine drives.
type Remote interface {
	ListJobs(ctx context.Context, f cvat.JobFilters) ([]cvat.Job, error)
	GetTask(ctx context.Context, taskID int64) (cvat.Task, error)
	GetTaskName(ctx context.Context, taskID int64) string
	GetProjectName(ctx context.Context, projectID int64) string
	GetJobAnnotations(ctx context.Context, jobID int64) (annotations.Payload, error)
}

// Notifier receives record changes after they commit.
type Notifier interface {
	Publish(c domain.Change)
}

type Engine struct {
	DB       *sql.DB
	Dialect  db.Dialect
	Repo     repo.Repo
	Events   events.Writer
	Remote   Remote
	Config   *config.Config
	Notifier Notifier
	Logger   *slog.Logger
	Now      func() time.Time
	// RetryPause is the wait before the single project name retry in sync runs.
	RetryPause time.Duration
	// PublicURL prefixes remote_url; empty leaves remote_url blank.
	PublicURL string
}

func New(conn *sql.DB, dialect db.Dialect, cfg *config.Config, remote Remote) Engine {
	e := Engine{
		DB:      conn,
		Dialect: dialect,
		Repo:    repo.Repo{DB: conn, Dialect: dialect},
		Events:  events.Writer{DB: conn, Dialect: dialect},
		Remote:  remote,
		Config:  cfg,
		Logger:  slog.Default(),
		Now:     time.Now,
	}
	if cfg != nil {
		e.RetryPause = cfg.RetryPause()
		e.PublicURL = cfg.Remote.PublicURL
	}
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) publish(c domain.Change) {
	if e.Notifier == nil {
		return
	}
	if c.At == "" {
		c.At = e.stamp()
	}
	e.Notifier.Publish(c)
}

// ErrValidation classifies malformed input: missing ids, unknown events or
// fields, bad values.
var ErrValidation = errors.New("validation failed")

// ErrRemoteNotConfigured is returned by operations that need the annotation
// service when no credentials were configured.
var ErrRemoteNotConfigured = errors.New("annotation service is not configured")

type validationError struct {
	msg string
}

func (v *validationError) Error() string { return v.msg }

func (v *validationError) Is(target error) bool { return target == ErrValidation }

func invalid(format string, args ...any) error {
	return &validationError{msg: fmt.Sprintf(format, args...)}
}

// DataIntegrityError reports a required field that could not be resolved
// from the remote service.
type DataIntegrityError struct {
	JobID  int64
	Field  string
	Reason string
}

func (d *DataIntegrityError) Error() string {
	if d.JobID > 0 {
		return fmt.Sprintf("job %d: %s unresolved: %s", d.JobID, d.Field, d.Reason)
	}
	return fmt.Sprintf("%s unresolved: %s", d.Field, d.Reason)
}

// projectName resolves a required project name. With retry set, an Unknown
// result is retried once after RetryPause.
func (e Engine) projectName(ctx context.Context, jobID, projectID int64, retry bool) (string, error) {
	name := e.Remote.GetProjectName(ctx, projectID)
	if name != cvat.UnknownName {
		return name, nil
	}
	if retry {
		e.logger().Debug("project name unresolved, retrying", "job", jobID, "project", projectID)
		if e.RetryPause > 0 {
			t := time.NewTimer(e.RetryPause)
			select {
			case <-ctx.Done():
				t.Stop()
				return "", ctx.Err()
			case <-t.C:
			}
		}
		if name = e.Remote.GetProjectName(ctx, projectID); name != cvat.UnknownName {
			return name, nil
		}
	}
	return "", &DataIntegrityError{JobID: jobID, Field: "project_name", Reason: fmt.Sprintf("project %d name lookup failed", projectID)}
}
