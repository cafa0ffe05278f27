package repo

import (
	"context"
	"strings"
	"time"

	"cvatsync/internal/domain"
)

// DateRange bounds last_synced_at; From is inclusive, To exclusive. Empty means open.
type DateRange struct {
	From string
	To   string
}

func (d DateRange) where(extra ...string) (string, []any) {
	clauses := append([]string{}, extra...)
	var args []any
	if d.From != "" {
		clauses = append(clauses, "last_synced_at>=?")
		args = append(args, d.From)
	}
	if d.To != "" {
		clauses = append(clauses, "last_synced_at<?")
		args = append(args, d.To)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(clauses, " AND "), args
}

func (r Repo) AnnotationTotals(ctx context.Context, d DateRange) (domain.AnnotationTotals, error) {
	where, args := d.where()
	var t domain.AnnotationTotals
	err := r.DB.QueryRowContext(ctx, r.q(`SELECT COUNT(1),
COALESCE(SUM(manual_annotations),0),
COALESCE(SUM(interpolated_annotations),0),
COALESCE(SUM(total_annotations),0)
FROM annotation_tasks`+where), args...).Scan(&t.Records, &t.Manual, &t.Interpolated, &t.Total)
	if err != nil {
		return t, err
	}
	if t.Records > 0 {
		t.Average = float64(t.Total) / float64(t.Records)
	}
	return t, nil
}

// TotalsByStatus returns one bucket per status, including empty ones.
func (r Repo) TotalsByStatus(ctx context.Context, d DateRange) ([]domain.GroupTotal, error) {
	where, args := d.where()
	found, err := r.groupTotals(ctx, `SELECT status, COUNT(1), COALESCE(SUM(total_annotations),0) FROM annotation_tasks`+where+` GROUP BY status`, args)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]domain.GroupTotal, len(found))
	for _, g := range found {
		byKey[g.Key] = g
	}
	res := make([]domain.GroupTotal, 0, len(domain.Statuses))
	for _, s := range domain.Statuses {
		g, ok := byKey[string(s)]
		if !ok {
			g = domain.GroupTotal{Key: string(s)}
		}
		res = append(res, g)
	}
	return res, nil
}

// TotalsByProject returns projects ordered by annotation total; limit <= 0 means all.
func (r Repo) TotalsByProject(ctx context.Context, d DateRange, limit int) ([]domain.GroupTotal, error) {
	where, args := d.where()
	query := `SELECT project_name, COUNT(1), COALESCE(SUM(total_annotations),0) AS total FROM annotation_tasks` + where +
		` GROUP BY project_name ORDER BY total DESC, project_name`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	return r.groupTotals(ctx, query, args)
}

// TotalsByAssignee returns assignees ordered by annotation total; unassigned rows report as "".
func (r Repo) TotalsByAssignee(ctx context.Context, d DateRange) ([]domain.GroupTotal, error) {
	where, args := d.where()
	return r.groupTotals(ctx, `SELECT COALESCE(assignee,''), COUNT(1), COALESCE(SUM(total_annotations),0) AS total FROM annotation_tasks`+where+
		` GROUP BY COALESCE(assignee,'') ORDER BY total DESC, COALESCE(assignee,'')`, args)
}

func (r Repo) groupTotals(ctx context.Context, query string, args []any) ([]domain.GroupTotal, error) {
	rows, err := r.DB.QueryContext(ctx, r.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.GroupTotal{}
	for rows.Next() {
		var g domain.GroupTotal
		if err := rows.Scan(&g.Key, &g.Records, &g.Total); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

// AssigneeStats returns per-assignee record, completion and annotation counts
// for assigned records only.
func (r Repo) AssigneeStats(ctx context.Context, d DateRange) ([]domain.Ranking, error) {
	where, args := d.where("assignee IS NOT NULL", "assignee<>''")
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT assignee, COUNT(1),
COALESCE(SUM(CASE WHEN status IN ('done','reviewed') THEN 1 ELSE 0 END),0),
COALESCE(SUM(total_annotations),0)
FROM annotation_tasks`+where+` GROUP BY assignee`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := []domain.Ranking{}
	for rows.Next() {
		var rk domain.Ranking
		if err := rows.Scan(&rk.Assignee, &rk.Records, &rk.Completed, &rk.Annotations); err != nil {
			return nil, err
		}
		if rk.Records > 0 {
			rk.Productivity = float64(rk.Annotations) / float64(rk.Records)
		}
		res = append(res, rk)
	}
	return res, rows.Err()
}

// AvgCompletionDays averages completed_on - started_on over records that carry both dates.
func (r Repo) AvgCompletionDays(ctx context.Context, d DateRange) (float64, error) {
	where, args := d.where("started_on IS NOT NULL", "completed_on IS NOT NULL")
	rows, err := r.DB.QueryContext(ctx, r.q(`SELECT started_on, completed_on FROM annotation_tasks`+where), args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var total float64
	var n int
	for rows.Next() {
		var start, end string
		if err := rows.Scan(&start, &end); err != nil {
			return 0, err
		}
		s, err1 := time.Parse(time.DateOnly, start)
		e, err2 := time.Parse(time.DateOnly, end)
		if err1 != nil || err2 != nil || e.Before(s) {
			continue
		}
		total += e.Sub(s).Hours() / 24
		n++
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}
	return total / float64(n), nil
}
