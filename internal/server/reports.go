package server

import (
	"context"
	"net/http"

	"github.com/danielgtaylor/huma/v2"

	"cvatsync/internal/cvat"
	"cvatsync/internal/domain"
	"cvatsync/internal/engine"
	"cvatsync/internal/repo"
)

type dateQuery struct {
	Quick string `query:"quick_filter" enum:"7d,30d,this_month,last_month"`
	Start string `query:"start_date" format:"date"`
	End   string `query:"end_date" format:"date"`
}

func (q dateQuery) filter() engine.DateFilter {
	return engine.DateFilter{Quick: q.Quick, Start: q.Start, End: q.End}
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "annotation-report",
		Method:      http.MethodGet,
		Path:        "/reports/annotations",
		Summary:     "Annotation totals by status, project and assignee",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *dateQuery) (*struct {
		Body engine.AnnotationReport `json:"body"`
	}, error) {
		r, err := e.Report(ctx, input.filter())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.AnnotationReport `json:"body"`
		}{Body: r}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Dashboard metrics and rankings",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *dateQuery) (*struct {
		Body domain.Dashboard `json:"body"`
	}, error) {
		d, err := e.Dashboard(ctx, input.filter())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Dashboard `json:"body"`
		}{Body: d}, nil
	})
}

func registerSync(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-sync",
		Method:      http.MethodPost,
		Path:        "/sync",
		Summary:     "Run a sync pass against the annotation service",
		Errors:      []int{http.StatusBadGateway, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Body SyncRequest `json:"body" required:"false"`
	}) (*struct {
		Body domain.SyncStats `json:"body"`
	}, error) {
		if e.Remote == nil {
			return nil, handleError(engine.ErrRemoteNotConfigured)
		}
		stats, err := e.Sync(ctx, engine.SyncOptions{
			Filters: cvat.JobFilters{
				ProjectID: input.Body.ProjectID,
				TaskID:    input.Body.TaskID,
				JobID:     input.Body.JobID,
				Assignee:  input.Body.Assignee,
				Status:    input.Body.Status,
			},
			Force: input.Body.Force,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.SyncStats `json:"body"`
		}{Body: stats}, nil
	})
}

func registerDeliveries(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-webhook-deliveries",
		Method:      http.MethodGet,
		Path:        "/webhooks/deliveries",
		Summary:     "Inbound webhook audit log, newest first",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		EventType string `query:"event_type"`
		Status    string `query:"status" enum:"pending,processing,success,error"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedDeliveries `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		ts, id, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListWebhookEvents(ctx, repo.WebhookEventFilters{
			EventType:        input.EventType,
			Status:           input.Status,
			Limit:            limit + 1,
			CursorReceivedAt: ts,
			CursorID:         id,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedDeliveries{Items: []WebhookDeliveryResponse{}}
		if len(items) > limit {
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.ReceivedAt, last.ID)
			items = items[:limit]
		}
		for _, ev := range items {
			resp.Items = append(resp.Items, deliveryResponse(ev, false))
		}
		return &struct {
			Body paginatedDeliveries `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-webhook-delivery",
		Method:      http.MethodGet,
		Path:        "/webhooks/deliveries/{id}",
		Summary:     "One webhook delivery with its payload",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body WebhookDeliveryResponse `json:"body"`
	}, error) {
		ev, err := e.Repo.GetWebhookEvent(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WebhookDeliveryResponse `json:"body"`
		}{Body: deliveryResponse(ev, true)}, nil
	})
}
