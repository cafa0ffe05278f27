package engine

import (
	"context"
	"sort"
	"strings"
	"time"

	"cvatsync/internal/domain"
	"cvatsync/internal/repo"
)

// fieldUpdate turns a raw value into the column assignments of one manual edit.
type fieldUpdate func(value string) ([]repo.ColumnValue, error)

// fieldUpdates is the closed set of manually editable fields.
var fieldUpdates = map[string]fieldUpdate{
	"task_name":    setTaskName,
	"assignee":     setAssignee,
	"status":       setStatus,
	"started_on":   dateField("started_on"),
	"completed_on": dateField("completed_on"),
}

// EditableFields lists the field names UpdateField accepts.
func EditableFields() []string {
	names := make([]string, 0, len(fieldUpdates))
	for name := range fieldUpdates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func setTaskName(value string) ([]repo.ColumnValue, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, invalid("task_name cannot be empty")
	}
	return []repo.ColumnValue{{Column: "task_name", Value: value}}, nil
}

func setAssignee(value string) ([]repo.ColumnValue, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return []repo.ColumnValue{{Column: "assignee", Value: nil}}, nil
	}
	return []repo.ColumnValue{{Column: "assignee", Value: value}}, nil
}

// setStatus freezes the status against automatic updates.
func setStatus(value string) ([]repo.ColumnValue, error) {
	s, err := domain.ParseStatus(value)
	if err != nil {
		return nil, invalid("invalid status %q", value)
	}
	return []repo.ColumnValue{
		{Column: "status", Value: string(s)},
		{Column: "manual_override", Value: 1},
	}, nil
}

func dateField(column string) fieldUpdate {
	return func(value string) ([]repo.ColumnValue, error) {
		value = strings.TrimSpace(value)
		if value == "" {
			return []repo.ColumnValue{{Column: column, Value: nil}}, nil
		}
		if _, err := time.Parse(time.DateOnly, value); err != nil {
			return nil, invalid("%s must be a YYYY-MM-DD date", column)
		}
		return []repo.ColumnValue{{Column: column, Value: value}}, nil
	}
}

// UpdateField applies one manual edit by field name.
func (e Engine) UpdateField(ctx context.Context, id, field, value string) (domain.AnnotationTask, error) {
	op, ok := fieldUpdates[field]
	if !ok {
		return domain.AnnotationTask{}, invalid("field %q is not editable", field)
	}
	set, err := op(value)
	if err != nil {
		return domain.AnnotationTask{}, err
	}
	rec, err := e.Repo.UpdateTaskColumns(ctx, id, set, e.stamp())
	if err != nil {
		return rec, err
	}
	e.logger().Info("manual edit", "record", rec.ID, "job", rec.RemoteJobID, "field", field)
	e.publish(domain.Change{Type: domain.ChangeRecordUpdated, RecordID: rec.ID, RemoteJobID: rec.RemoteJobID, Status: rec.Status, Source: "manual"})
	return rec, nil
}

// ClearOverride hands status back to the mapper and recomputes it from the
// stored stage and state.
func (e Engine) ClearOverride(ctx context.Context, id string) (domain.AnnotationTask, error) {
	cur, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return cur, err
	}
	rec, err := e.Repo.UpdateTaskColumns(ctx, id, []repo.ColumnValue{
		{Column: "status", Value: string(domain.MapStatus(cur.WorkflowStage, cur.RemoteState))},
		{Column: "manual_override", Value: 0},
	}, e.stamp())
	if err != nil {
		return rec, err
	}
	e.publish(domain.Change{Type: domain.ChangeRecordUpdated, RecordID: rec.ID, RemoteJobID: rec.RemoteJobID, Status: rec.Status, Source: "manual"})
	return rec, nil
}
