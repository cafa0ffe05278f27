package repo

import (
	"context"
	"strings"

	"cvatsync/internal/domain"
)

// DefaultPageSize is the list view page length.
const DefaultPageSize = 50

// TaskFilters narrows the list view.
type TaskFilters struct {
	Search       string
	ProjectName  string
	Assignee     string
	Status       string
	RemoteTaskID int64
	Sort         string
	Order        string
	Page         int
	PageSize     int
}

// sortColumns is the list view sort whitelist.
var sortColumns = map[string]string{
	"remote_task_id":    "remote_task_id",
	"remote_job_id":     "remote_job_id",
	"task_name":         "task_name",
	"project_name":      "project_name",
	"total_annotations": "total_annotations",
	"last_synced_at":    "last_synced_at",
}

// SortColumns lists accepted sort keys.
func SortColumns() []string {
	return []string{"remote_task_id", "remote_job_id", "task_name", "project_name", "total_annotations", "last_synced_at"}
}

func (f TaskFilters) where() (string, []any) {
	var clauses []string
	var args []any
	if s := strings.ToLower(strings.TrimSpace(f.Search)); s != "" {
		like := "%" + s + "%"
		clauses = append(clauses, "(LOWER(task_name) LIKE ? OR LOWER(project_name) LIKE ?)")
		args = append(args, like, like)
	}
	if f.ProjectName != "" {
		clauses = append(clauses, "project_name=?")
		args = append(args, f.ProjectName)
	}
	if f.Assignee != "" {
		clauses = append(clauses, "assignee=?")
		args = append(args, f.Assignee)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RemoteTaskID > 0 {
		clauses = append(clauses, "remote_task_id=?")
		args = append(args, f.RemoteTaskID)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (f TaskFilters) orderBy() string {
	col, ok := sortColumns[f.Sort]
	if !ok {
		return " ORDER BY remote_job_id DESC"
	}
	dir := "ASC"
	if strings.EqualFold(f.Order, "desc") {
		dir = "DESC"
	}
	return " ORDER BY " + col + " " + dir + ", remote_job_id DESC"
}

// TaskPage is one page of the list view.
type TaskPage struct {
	Items    []domain.AnnotationTask
	Total    int
	Page     int
	PageSize int
}

// ListTasks runs the list view query.
func (r Repo) ListTasks(ctx context.Context, f TaskFilters) (TaskPage, error) {
	size := f.PageSize
	if size <= 0 {
		size = DefaultPageSize
	}
	pageNo := f.Page
	if pageNo <= 0 {
		pageNo = 1
	}
	where, args := f.where()
	out := TaskPage{Page: pageNo, PageSize: size}
	if err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(1) FROM annotation_tasks`+where), args...).Scan(&out.Total); err != nil {
		return out, err
	}
	query := `SELECT ` + taskColumns + ` FROM annotation_tasks` + where + f.orderBy() + ` LIMIT ? OFFSET ?`
	rows, err := r.DB.QueryContext(ctx, r.q(query), append(args, size, (pageNo-1)*size)...)
	if err != nil {
		return out, err
	}
	defer rows.Close()
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return out, err
		}
		out.Items = append(out.Items, t)
	}
	return out, rows.Err()
}

// ListTasksByStatus buckets matching records by status, in workflow order.
func (r Repo) ListTasksByStatus(ctx context.Context, f TaskFilters) (map[domain.Status][]domain.AnnotationTask, error) {
	where, args := f.where()
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT `+taskColumns+` FROM annotation_tasks`+where+f.orderBy()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	groups := make(map[domain.Status][]domain.AnnotationTask, len(domain.Statuses))
	for _, s := range domain.Statuses {
		groups[s] = nil
	}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		groups[t.Status] = append(groups[t.Status], t)
	}
	return groups, rows.Err()
}

// TaskSummary are the counters shown above the list view.
type TaskSummary struct {
	TotalTasks       int   `json:"total_tasks"`
	TotalAnnotations int64 `json:"total_annotations"`
	InProgress       int   `json:"in_progress"`
	Completed        int   `json:"completed"`
}

func (r Repo) SummarizeTasks(ctx context.Context, f TaskFilters) (TaskSummary, error) {
	where, args := f.where()
	var s TaskSummary
	query := `SELECT COUNT(1),
COALESCE(SUM(total_annotations),0),
COALESCE(SUM(CASE WHEN status='in_progress' THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN status IN ('done','reviewed') THEN 1 ELSE 0 END),0)
FROM annotation_tasks` + where
	err := r.DB.QueryRowContext(ctx, r.q(query), args...).Scan(&s.TotalTasks, &s.TotalAnnotations, &s.InProgress, &s.Completed)
	return s, err
}

// Facets are the distinct values offered by the list view filters.
type Facets struct {
	Projects  []string `json:"projects"`
	Assignees []string `json:"assignees"`
}

func (r Repo) TaskFacets(ctx context.Context) (Facets, error) {
	var f Facets
	var err error
	if f.Projects, err = r.distinct(ctx, "project_name"); err != nil {
		return f, err
	}
	if f.Assignees, err = r.distinct(ctx, "assignee"); err != nil {
		return f, err
	}
	return f, nil
}

func (r Repo) distinct(ctx context.Context, column string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT DISTINCT `+column+` FROM annotation_tasks WHERE `+column+` IS NOT NULL AND `+column+`<>'' ORDER BY `+column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []string{}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}
