package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cvatsync/internal/domain"
	"cvatsync/internal/engine"
	"cvatsync/internal/repo"
)

type taskListQuery struct {
	Search   string `query:"search" doc:"Case-insensitive match on task or project name"`
	Project  string `query:"project"`
	Assignee string `query:"assignee"`
	Status   string `query:"status" enum:"pending,in_progress,reviewing,done,reviewed"`
	TaskID   int64  `query:"task_id"`
	Sort     string `query:"sort" enum:"remote_task_id,remote_job_id,task_name,project_name,total_annotations,last_synced_at"`
	Order    string `query:"order" enum:"asc,desc"`
	Page     int    `query:"page" default:"1" minimum:"1"`
	PageSize int    `query:"page_size" default:"50" minimum:"1" maximum:"200"`
}

func (q taskListQuery) filters() repo.TaskFilters {
	return repo.TaskFilters{
		Search:       q.Search,
		ProjectName:  q.Project,
		Assignee:     q.Assignee,
		Status:       q.Status,
		RemoteTaskID: q.TaskID,
		Sort:         q.Sort,
		Order:        q.Order,
		Page:         q.Page,
		PageSize:     q.PageSize,
	}
}

type taskBody struct {
	Body TaskResponse `json:"body"`
}

func registerTasks(api huma.API, e engine.Engine, logger *slog.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List mirrored tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *taskListQuery) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		f := input.filters()
		page, err := e.Repo.ListTasks(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		summary, err := e.Repo.SummarizeTasks(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		facets, err := e.Repo.TaskFacets(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: paginatedTasks{
			Items:    mapTasks(page.Items),
			Total:    page.Total,
			Page:     page.Page,
			PageSize: page.PageSize,
			Summary:  summary,
			Facets:   facets,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks-grouped",
		Method:      http.MethodGet,
		Path:        "/tasks/grouped",
		Summary:     "Tasks bucketed by status",
	}, func(ctx context.Context, input *taskListQuery) (*struct {
		Body []statusGroup `json:"body"`
	}, error) {
		groups, err := e.Repo.ListTasksByStatus(ctx, input.filters())
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]statusGroup, 0, len(domain.Statuses))
		for _, s := range domain.Statuses {
			out = append(out, statusGroup{Status: s, Label: s.Label(), Items: mapTasks(groups[s])})
		}
		return &struct {
			Body []statusGroup `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task by local id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskBody, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-by-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{job_id}",
		Summary:     "Get a task by remote job id",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		JobID int64 `path:"job_id"`
	}) (*taskBody, error) {
		t, err := e.Repo.GetTaskByJobID(ctx, input.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskBody{Body: taskResponse(t, true)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-field",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/fields",
		Summary:     "Edit one field by hand",
		Description: "Setting status freezes it against sync and webhook updates until the override is cleared.",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body UpdateFieldRequest `json:"body"`
	}) (*taskBody, error) {
		t, err := e.UpdateField(ctx, input.ID, input.Body.Field, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		logger.Info("task edited", "record", t.ID, "field", input.Body.Field, "operator", operatorFromContext(ctx))
		return &taskBody{Body: taskResponse(t, false)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-task-override",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/override/clear",
		Summary:     "Return status control to sync",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*taskBody, error) {
		t, err := e.ClearOverride(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		logger.Info("override cleared", "record", t.ID, "operator", operatorFromContext(ctx))
		return &taskBody{Body: taskResponse(t, false)}, nil
	})
}
