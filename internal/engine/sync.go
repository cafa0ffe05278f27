package engine

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"cvatsync/internal/annotations"
	"cvatsync/internal/cvat"
	"cvatsync/internal/domain"
	"cvatsync/internal/metrics"
)

// Per-job sync outcomes.
const (
	OutcomeCreated = "created"
	OutcomeUpdated = "updated"
	OutcomeSkipped = "skipped"
	OutcomeError   = "error"
)

// SyncOptions scope one sync run.
type SyncOptions struct {
	Filters cvat.JobFilters
	// Force reconciles jobs that already have a local record.
	Force    bool
	Progress func(JobProgress)
}

// JobProgress reports one finished job of a run.
type JobProgress struct {
	Index    int
	Total    int
	JobID    int64
	TaskName string
	Outcome  string
	Err      error
}

// Sync mirrors every remote job matching opts.Filters. Job failures are
// counted and the run moves on; only a failed listing aborts it.
func (e Engine) Sync(ctx context.Context, opts SyncOptions) (domain.SyncStats, error) {
	started := time.Now()
	var stats domain.SyncStats
	jobs, err := e.Remote.ListJobs(ctx, opts.Filters)
	if err != nil {
		return stats, fmt.Errorf("list jobs: %w", err)
	}
	stats.Total = len(jobs)
	e.logger().Info("sync started", "jobs", stats.Total, "force", opts.Force)

	for i, job := range jobs {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		taskName, outcome, err := e.syncJob(ctx, job, opts.Force)
		switch outcome {
		case OutcomeCreated:
			stats.Created++
		case OutcomeUpdated:
			stats.Updated++
		case OutcomeSkipped:
			stats.Skipped++
		default:
			stats.Errors++
		}
		metrics.SyncJobsTotal.WithLabelValues(outcome).Inc()
		if err != nil {
			e.logger().Warn("sync job failed", "job", job.ID, "task", job.TaskID, "err", err)
		} else {
			e.logger().Info("sync job", "job", job.ID, "task", job.TaskID, "outcome", outcome)
		}
		if opts.Progress != nil {
			opts.Progress(JobProgress{Index: i + 1, Total: stats.Total, JobID: job.ID, TaskName: taskName, Outcome: outcome, Err: err})
		}
	}

	metrics.SyncRunDuration.Observe(time.Since(started).Seconds())
	e.logger().Info("sync finished", "total", stats.Total, "created", stats.Created,
		"updated", stats.Updated, "skipped", stats.Skipped, "errors", stats.Errors)
	summary := stats
	e.publish(domain.Change{Type: domain.ChangeSyncCompleted, Source: "sync", Stats: &summary})
	return stats, nil
}

func (e Engine) syncJob(ctx context.Context, job cvat.Job, force bool) (string, string, error) {
	if !force {
		exists, err := e.Repo.TaskExists(ctx, job.ID)
		if err != nil {
			return "", OutcomeError, err
		}
		if exists {
			return "", OutcomeSkipped, nil
		}
	}

	var (
		task     cvat.Task
		taskName string
		payload  annotations.Payload
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		task, err = e.Remote.GetTask(gctx, job.TaskID)
		if err != nil {
			return fmt.Errorf("fetch task %d: %w", job.TaskID, err)
		}
		return nil
	})
	g.Go(func() error {
		taskName = e.Remote.GetTaskName(gctx, job.TaskID)
		if taskName == cvat.UnknownName || taskName == "" {
			return &DataIntegrityError{JobID: job.ID, Field: "task_name", Reason: fmt.Sprintf("task %d name lookup failed", job.TaskID)}
		}
		return nil
	})
	g.Go(func() error {
		var err error
		payload, err = e.Remote.GetJobAnnotations(gctx, job.ID)
		if err != nil {
			return fmt.Errorf("fetch annotations of job %d: %w", job.ID, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return "", OutcomeError, err
	}

	projectID := job.ProjectID
	if projectID == nil {
		projectID = task.ProjectID
	}
	var projectName string
	if projectID != nil {
		var err error
		if projectName, err = e.projectName(ctx, job.ID, *projectID, true); err != nil {
			return taskName, OutcomeError, err
		}
	}

	counts := annotations.Count(payload)
	_, created, err := e.Reconcile(ctx, Incoming{
		RemoteJobID:     job.ID,
		RemoteTaskID:    job.TaskID,
		RemoteProjectID: projectID,
		ProjectName:     projectName,
		TaskName:        taskName,
		Assignee:        job.Assignee.Name(),
		RemoteStatus:    job.Status,
		Stage:           job.Stage,
		State:           job.State,
		Counts:          &counts,
		RawPayload:      job.Raw,
		Source:          "sync",
	})
	if err != nil {
		return taskName, OutcomeError, err
	}
	if created {
		return taskName, OutcomeCreated, nil
	}
	return taskName, OutcomeUpdated, nil
}
