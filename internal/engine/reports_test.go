package engine_test

import (
	"errors"
	"testing"

	"cvatsync/internal/annotations"
	"cvatsync/internal/engine"
)

func seedReport(t *testing.T, env testEnv) {
	t.Helper()
	rows := []struct {
		job      int64
		project  string
		assignee string
		state    string
		manual   int
		interp   int
	}{
		{1, "roads", "ana", "completed", 10, 5},
		{2, "roads", "ana", "new", 4, 0},
		{3, "rivers", "bo", "in progress", 20, 20},
		{4, "rivers", "", "new", 1, 0},
	}
	for _, r := range rows {
		counts := annotations.Counts{Manual: r.manual, Interpolated: r.interp, Total: r.manual + r.interp}
		stage := "annotation"
		if r.state == "completed" {
			stage = "acceptance"
		}
		_, _, err := env.Engine.Reconcile(env.Ctx, engine.Incoming{
			RemoteJobID: r.job, RemoteTaskID: r.job, ProjectName: r.project, TaskName: "t",
			Assignee: r.assignee, Stage: stage, State: r.state, Counts: &counts,
		})
		if err != nil {
			t.Fatalf("seed job %d: %v", r.job, err)
		}
	}
}

func TestReport(t *testing.T) {
	env := newTestEnv(t)
	seedReport(t, env)
	r, err := env.Engine.Report(env.Ctx, engine.DateFilter{})
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	if r.Totals.Records != 4 || r.Totals.Manual != 35 || r.Totals.Interpolated != 25 || r.Totals.Total != 60 || r.Totals.Average != 15 {
		t.Fatalf("unexpected totals %+v", r.Totals)
	}
	if len(r.ByStatus) != 5 {
		t.Fatalf("expected every status bucket, got %+v", r.ByStatus)
	}
	if r.ByProject[0].Key != "rivers" || r.ByProject[0].Total != 41 {
		t.Fatalf("unexpected project order %+v", r.ByProject)
	}
	var unassigned bool
	for _, g := range r.ByAssignee {
		if g.Key == "" && g.Total == 1 {
			unassigned = true
		}
	}
	if !unassigned {
		t.Fatalf("unassigned bucket missing: %+v", r.ByAssignee)
	}
}

func TestDashboard(t *testing.T) {
	env := newTestEnv(t)
	seedReport(t, env)
	rec, err := env.Engine.Repo.GetTaskByJobID(env.Ctx, 1)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := env.Engine.UpdateField(env.Ctx, rec.ID, "started_on", "2024-03-01"); err != nil {
		t.Fatalf("started_on: %v", err)
	}
	if _, err := env.Engine.UpdateField(env.Ctx, rec.ID, "completed_on", "2024-03-05"); err != nil {
		t.Fatalf("completed_on: %v", err)
	}

	d, err := env.Engine.Dashboard(env.Ctx, engine.DateFilter{Quick: "this_month"})
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	if d.Start != "2024-03-01" || d.End != "2024-03-15" {
		t.Fatalf("unexpected window %s..%s", d.Start, d.End)
	}
	if d.TotalTasks != 4 || d.CompletedTasks != 1 || d.CompletionRate != 25 || d.TotalAnnotations != 60 {
		t.Fatalf("unexpected headline %+v", d)
	}
	if d.AvgCompletionDays != 4 {
		t.Fatalf("expected 4 days, got %v", d.AvgCompletionDays)
	}
	if len(d.TopByCompleted) != 1 || d.TopByCompleted[0].Assignee != "ana" {
		t.Fatalf("unexpected completed ranking %+v", d.TopByCompleted)
	}
	if d.TopByAnnotations[0].Assignee != "bo" || d.TopByProductivity[0].Productivity != 40 {
		t.Fatalf("unexpected rankings %+v %+v", d.TopByAnnotations, d.TopByProductivity)
	}

	last, err := env.Engine.Dashboard(env.Ctx, engine.DateFilter{Quick: "last_month"})
	if err != nil {
		t.Fatalf("last month: %v", err)
	}
	if last.TotalTasks != 0 || last.Start != "2024-02-01" || last.End != "2024-02-29" {
		t.Fatalf("unexpected last month %+v", last)
	}

	if _, err := env.Engine.Dashboard(env.Ctx, engine.DateFilter{Quick: "yesterday"}); !errors.Is(err, engine.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	ranged, err := env.Engine.Dashboard(env.Ctx, engine.DateFilter{Start: "2024-03-15", End: "2024-03-15"})
	if err != nil || ranged.TotalTasks != 4 {
		t.Fatalf("explicit range: %v %+v", err, ranged)
	}
}
