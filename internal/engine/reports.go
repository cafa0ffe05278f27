package engine

import (
	"context"
	"math"
	"sort"
	"time"

	"cvatsync/internal/domain"
	"cvatsync/internal/repo"
)

const (
	topProjects = 10
	topRankings = 10
)

// DateFilter selects records by last sync time. Quick takes precedence over
// Start/End; Start and End are inclusive dates.
type DateFilter struct {
	Quick string
	Start string
	End   string
}

// QuickFilters lists accepted DateFilter.Quick values.
var QuickFilters = []string{"7d", "30d", "this_month", "last_month"}

// resolve turns f into a half-open timestamp range plus the inclusive dates it covers.
func (f DateFilter) resolve(now time.Time) (repo.DateRange, string, string, error) {
	now = now.UTC()
	day := 24 * time.Hour
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var from, to time.Time
	switch f.Quick {
	case "":
		if f.Start == "" && f.End == "" {
			return repo.DateRange{}, "", "", nil
		}
		if f.Start != "" {
			t, err := time.Parse(time.DateOnly, f.Start)
			if err != nil {
				return repo.DateRange{}, "", "", invalid("start must be a YYYY-MM-DD date")
			}
			from = t
		}
		if f.End != "" {
			t, err := time.Parse(time.DateOnly, f.End)
			if err != nil {
				return repo.DateRange{}, "", "", invalid("end must be a YYYY-MM-DD date")
			}
			to = t.Add(day)
		}
		if !from.IsZero() && !to.IsZero() && !from.Before(to) {
			return repo.DateRange{}, "", "", invalid("start must not be after end")
		}
	case "7d":
		from, to = now.Add(-7*day), now.Add(time.Second)
	case "30d":
		from, to = now.Add(-30*day), now.Add(time.Second)
	case "this_month":
		from, to = monthStart, now.Add(time.Second)
	case "last_month":
		from, to = monthStart.AddDate(0, -1, 0), monthStart
	default:
		return repo.DateRange{}, "", "", invalid("unknown quick filter %q", f.Quick)
	}
	var d repo.DateRange
	var start, end string
	if !from.IsZero() {
		d.From = from.Format(time.RFC3339)
		start = from.Format(time.DateOnly)
	}
	if !to.IsZero() {
		d.To = to.Format(time.RFC3339)
		end = to.Add(-time.Second).Format(time.DateOnly)
	}
	return d, start, end, nil
}

// AnnotationReport groups annotation sums.
type AnnotationReport struct {
	Totals     domain.AnnotationTotals `json:"totals"`
	ByStatus   []domain.GroupTotal     `json:"by_status"`
	ByProject  []domain.GroupTotal     `json:"by_project"`
	ByAssignee []domain.GroupTotal     `json:"by_assignee"`
}

// Report computes the annotation report. It is read-only.
func (e Engine) Report(ctx context.Context, f DateFilter) (AnnotationReport, error) {
	d, _, _, err := f.resolve(e.now())
	if err != nil {
		return AnnotationReport{}, err
	}
	var r AnnotationReport
	if r.Totals, err = e.Repo.AnnotationTotals(ctx, d); err != nil {
		return r, err
	}
	if r.ByStatus, err = e.Repo.TotalsByStatus(ctx, d); err != nil {
		return r, err
	}
	if r.ByProject, err = e.Repo.TotalsByProject(ctx, d, topProjects); err != nil {
		return r, err
	}
	if r.ByAssignee, err = e.Repo.TotalsByAssignee(ctx, d); err != nil {
		return r, err
	}
	return r, nil
}

// Dashboard computes headline metrics and leaderboards.
func (e Engine) Dashboard(ctx context.Context, f DateFilter) (domain.Dashboard, error) {
	d, start, end, err := f.resolve(e.now())
	if err != nil {
		return domain.Dashboard{}, err
	}
	out := domain.Dashboard{Start: start, End: end}
	totals, err := e.Repo.AnnotationTotals(ctx, d)
	if err != nil {
		return out, err
	}
	out.TotalTasks = totals.Records
	out.TotalAnnotations = totals.Total

	if out.ByStatus, err = e.Repo.TotalsByStatus(ctx, d); err != nil {
		return out, err
	}
	for _, g := range out.ByStatus {
		if domain.Status(g.Key).Completed() {
			out.CompletedTasks += g.Records
		}
	}
	if out.TotalTasks > 0 {
		out.CompletionRate = math.Round(float64(out.CompletedTasks)/float64(out.TotalTasks)*1000) / 10
	}
	if out.AvgCompletionDays, err = e.Repo.AvgCompletionDays(ctx, d); err != nil {
		return out, err
	}

	stats, err := e.Repo.AssigneeStats(ctx, d)
	if err != nil {
		return out, err
	}
	var completed []domain.Ranking
	for _, rk := range stats {
		if rk.Completed > 0 {
			completed = append(completed, rk)
		}
	}
	out.TopByCompleted = top(completed, func(a, b domain.Ranking) bool { return a.Completed > b.Completed })
	out.TopByAnnotations = top(stats, func(a, b domain.Ranking) bool { return a.Annotations > b.Annotations })
	out.TopByProductivity = top(stats, func(a, b domain.Ranking) bool { return a.Productivity > b.Productivity })
	for i := range out.TopByProductivity {
		out.TopByProductivity[i].Productivity = math.Round(out.TopByProductivity[i].Productivity*100) / 100
	}
	return out, nil
}

// top sorts a copy of rows by better, ties by assignee, and keeps the first topRankings.
func top(rows []domain.Ranking, better func(a, b domain.Ranking) bool) []domain.Ranking {
	res := append([]domain.Ranking{}, rows...)
	sort.SliceStable(res, func(i, j int) bool {
		if better(res[i], res[j]) {
			return true
		}
		if better(res[j], res[i]) {
			return false
		}
		return res[i].Assignee < res[j].Assignee
	})
	if len(res) > topRankings {
		res = res[:topRankings]
	}
	return res
}
