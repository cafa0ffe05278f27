package engine_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"cvatsync/internal/annotations"
	"cvatsync/internal/config"
	"cvatsync/internal/cvat"
	"cvatsync/internal/db"
	"cvatsync/internal/domain"
	"cvatsync/internal/engine"
	"cvatsync/internal/migrate"
)

// fakeRemote serves canned jobs, tasks, projects and annotations.
type fakeRemote struct {
	mu           sync.Mutex
	jobs         []cvat.Job
	tasks        map[int64]cvat.Task
	projects     map[int64]string
	annotations  map[int64]annotations.Payload
	failAnnots   map[int64]bool
	projectCalls map[int64]int
	// projectFailures makes the first n lookups of a project return Unknown.
	projectFailures map[int64]int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		tasks:           map[int64]cvat.Task{},
		projects:        map[int64]string{},
		annotations:     map[int64]annotations.Payload{},
		failAnnots:      map[int64]bool{},
		projectCalls:    map[int64]int{},
		projectFailures: map[int64]int{},
	}
}

func (f *fakeRemote) ListJobs(ctx context.Context, filters cvat.JobFilters) ([]cvat.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var res []cvat.Job
	for _, j := range f.jobs {
		if filters.TaskID > 0 && j.TaskID != filters.TaskID {
			continue
		}
		res = append(res, j)
	}
	return res, nil
}

func (f *fakeRemote) GetTask(ctx context.Context, taskID int64) (cvat.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok {
		return cvat.Task{}, &cvat.FetchError{Op: "get_task", Status: 404}
	}
	return t, nil
}

func (f *fakeRemote) GetTaskName(ctx context.Context, taskID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tasks[taskID]
	if !ok || t.Name == "" {
		return cvat.UnknownName
	}
	return t.Name
}

func (f *fakeRemote) GetProjectName(ctx context.Context, projectID int64) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.projectCalls[projectID]++
	if f.projectFailures[projectID] > 0 {
		f.projectFailures[projectID]--
		return cvat.UnknownName
	}
	name, ok := f.projects[projectID]
	if !ok {
		return cvat.UnknownName
	}
	return name
}

func (f *fakeRemote) GetJobAnnotations(ctx context.Context, jobID int64) (annotations.Payload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAnnots[jobID] {
		return annotations.Payload{}, &cvat.FetchError{Op: "get_annotations", Status: 500}
	}
	return f.annotations[jobID], nil
}

func (f *fakeRemote) addJob(id, taskID int64, projectID *int64, stage, state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, cvat.Job{
		ID:        id,
		TaskID:    taskID,
		ProjectID: projectID,
		Assignee:  cvat.Assignee{Username: "ana"},
		Stage:     stage,
		State:     state,
		Status:    stage,
		Raw:       []byte(fmt.Sprintf(`{"id":%d}`, id)),
	})
	if _, ok := f.tasks[taskID]; !ok {
		f.tasks[taskID] = cvat.Task{ID: taskID, Name: fmt.Sprintf("task-%d", taskID), ProjectID: projectID}
	}
}

type recorder struct {
	mu      sync.Mutex
	changes []domain.Change
}

func (r *recorder) Publish(c domain.Change) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

type testEnv struct {
	Engine engine.Engine
	Remote *fakeRemote
	Feed   *recorder
	Ctx    context.Context
}

var fixedNow = time.Date(2024, 3, 15, 12, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, dialect, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn, dialect); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	cfg.Remote.PublicURL = "https://cvat.example.com"
	remote := newFakeRemote()
	eng := engine.New(conn, dialect, cfg, remote)
	eng.Now = func() time.Time { return fixedNow }
	eng.RetryPause = 0
	feed := &recorder{}
	eng.Notifier = feed
	return testEnv{Engine: eng, Remote: remote, Feed: feed, Ctx: context.Background()}
}

func int64p(v int64) *int64 { return &v }

func TestReconcileCreatesThenUpdates(t *testing.T) {
	env := newTestEnv(t)
	counts := annotations.Counts{Manual: 3, Interpolated: 1, Total: 4}
	in := engine.Incoming{
		RemoteJobID:     11,
		RemoteTaskID:    5,
		RemoteProjectID: int64p(2),
		ProjectName:     "roads",
		TaskName:        "clip-1",
		Assignee:        "ana",
		RemoteStatus:    "annotation",
		Stage:           "annotation",
		State:           "in progress",
		Counts:          &counts,
	}
	rec, created, err := env.Engine.Reconcile(env.Ctx, in)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !created || rec.Status != domain.StatusInProgress || rec.TotalAnnotations != 4 {
		t.Fatalf("unexpected first reconcile: created=%v %+v", created, rec)
	}
	if rec.ID != engine.RecordID(11) {
		t.Fatalf("record id not derived from job id: %s", rec.ID)
	}
	if rec.RemoteURL != "https://cvat.example.com/tasks/5/jobs/11" {
		t.Fatalf("unexpected remote url %q", rec.RemoteURL)
	}

	in.TaskName = "clip-1b"
	in.Counts = nil
	rec, created, err = env.Engine.Reconcile(env.Ctx, in)
	if err != nil {
		t.Fatalf("second reconcile: %v", err)
	}
	if created || rec.TaskName != "clip-1b" {
		t.Fatalf("expected update, got created=%v name=%s", created, rec.TaskName)
	}
	if rec.TotalAnnotations != 4 || rec.ManualAnnotations != 3 {
		t.Fatalf("counts must survive a reconcile without annotation data: %+v", rec)
	}
	if len(env.Feed.changes) != 2 || env.Feed.changes[0].Type != domain.ChangeRecordCreated || env.Feed.changes[1].Type != domain.ChangeRecordUpdated {
		t.Fatalf("unexpected changes %+v", env.Feed.changes)
	}
}

func TestReconcileIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	in := engine.Incoming{RemoteJobID: 3, RemoteTaskID: 1, TaskName: "t", Stage: "validation", State: "completed"}
	first, _, err := env.Engine.Reconcile(env.Ctx, in)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	second, _, err := env.Engine.Reconcile(env.Ctx, in)
	if err != nil {
		t.Fatalf("reconcile again: %v", err)
	}
	if first.Status != domain.StatusReviewing || second.Status != first.Status {
		t.Fatalf("status drifted: %s then %s", first.Status, second.Status)
	}
}

func TestReconcileRespectsManualOverride(t *testing.T) {
	env := newTestEnv(t)
	in := engine.Incoming{RemoteJobID: 8, RemoteTaskID: 2, TaskName: "before", Assignee: "ana", Stage: "annotation", State: "new"}
	rec, _, err := env.Engine.Reconcile(env.Ctx, in)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	rec, err = env.Engine.UpdateField(env.Ctx, rec.ID, "status", "reviewed")
	if err != nil {
		t.Fatalf("set status: %v", err)
	}
	if !rec.ManualOverride || rec.Status != domain.StatusReviewed {
		t.Fatalf("manual status not applied: %+v", rec)
	}

	in.TaskName = "after"
	in.Assignee = "bo"
	in.State = "in progress"
	rec, _, err = env.Engine.Reconcile(env.Ctx, in)
	if err != nil {
		t.Fatalf("reconcile after override: %v", err)
	}
	if rec.Status != domain.StatusReviewed {
		t.Fatalf("override ignored, status=%s", rec.Status)
	}
	if rec.TaskName != "after" || rec.Assignee != "bo" || rec.RemoteState != "in progress" {
		t.Fatalf("mirror fields must still update: %+v", rec)
	}

	rec, err = env.Engine.ClearOverride(env.Ctx, rec.ID)
	if err != nil {
		t.Fatalf("clear override: %v", err)
	}
	if rec.ManualOverride || rec.Status != domain.StatusInProgress {
		t.Fatalf("clear override should recompute status: %+v", rec)
	}
}

func TestUpdateFieldRejectsUnknownFields(t *testing.T) {
	env := newTestEnv(t)
	rec, _, err := env.Engine.Reconcile(env.Ctx, engine.Incoming{RemoteJobID: 1, RemoteTaskID: 1, TaskName: "t"})
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	cases := []struct {
		field, value string
	}{
		{"total_annotations", "10"},
		{"manual_override", "1"},
		{"status", "finished"},
		{"started_on", "15/03/2024"},
		{"task_name", "  "},
	}
	for _, tc := range cases {
		if _, err := env.Engine.UpdateField(env.Ctx, rec.ID, tc.field, tc.value); !errors.Is(err, engine.ErrValidation) {
			t.Fatalf("%s=%q: expected validation error, got %v", tc.field, tc.value, err)
		}
	}
	rec, err = env.Engine.UpdateField(env.Ctx, rec.ID, "started_on", "2024-03-01")
	if err != nil || rec.StartedOn != "2024-03-01" {
		t.Fatalf("set started_on: %v %+v", err, rec)
	}
	rec, err = env.Engine.UpdateField(env.Ctx, rec.ID, "assignee", "")
	if err != nil || rec.Assignee != "" {
		t.Fatalf("clear assignee: %v %+v", err, rec)
	}
	if rec.ManualOverride {
		t.Fatalf("non-status edits must not set the override")
	}
}

func TestSyncContinuesPastFailedJob(t *testing.T) {
	env := newTestEnv(t)
	for i := int64(1); i <= 5; i++ {
		env.Remote.addJob(i, 100+i, nil, "annotation", "new")
	}
	env.Remote.failAnnots[3] = true

	var progress []engine.JobProgress
	stats, err := env.Engine.Sync(env.Ctx, engine.SyncOptions{Progress: func(p engine.JobProgress) {
		progress = append(progress, p)
	}})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.Total != 5 || stats.Created != 4 || stats.Errors != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	if len(progress) != 5 || progress[2].JobID != 3 || progress[2].Outcome != engine.OutcomeError || progress[2].Err == nil {
		t.Fatalf("unexpected progress %+v", progress)
	}
	for _, id := range []int64{1, 2, 4, 5} {
		if _, err := env.Engine.Repo.GetTaskByJobID(env.Ctx, id); err != nil {
			t.Fatalf("job %d not mirrored: %v", id, err)
		}
	}
	if _, err := env.Engine.Repo.GetTaskByJobID(env.Ctx, 3); err == nil {
		t.Fatalf("failed job must not be written")
	}
}

func TestSyncSkipsExistingUnlessForced(t *testing.T) {
	env := newTestEnv(t)
	env.Remote.addJob(1, 10, nil, "annotation", "new")
	env.Remote.addJob(2, 10, nil, "annotation", "in progress")
	if _, err := env.Engine.Sync(env.Ctx, engine.SyncOptions{}); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	stats, err := env.Engine.Sync(env.Ctx, engine.SyncOptions{})
	if err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if stats.Skipped != 2 || stats.Created != 0 || stats.Updated != 0 {
		t.Fatalf("expected skips, got %+v", stats)
	}
	stats, err = env.Engine.Sync(env.Ctx, engine.SyncOptions{Force: true})
	if err != nil {
		t.Fatalf("forced sync: %v", err)
	}
	if stats.Updated != 2 || stats.Skipped != 0 {
		t.Fatalf("expected updates, got %+v", stats)
	}
	last := env.Feed.changes[len(env.Feed.changes)-1]
	if last.Type != domain.ChangeSyncCompleted || last.Stats == nil || last.Stats.Updated != 2 {
		t.Fatalf("expected sync summary change, got %+v", last)
	}
}

func TestSyncCountsAnnotations(t *testing.T) {
	env := newTestEnv(t)
	env.Remote.addJob(7, 70, nil, "acceptance", "completed")
	env.Remote.annotations[7] = annotations.Payload{
		Shapes: []json.RawMessage{[]byte(`{}`), []byte(`{}`)},
		Tracks: []annotations.Track{{Shapes: []annotations.TrackShape{{Keyframe: true}, {Keyframe: false}, {Outside: true}}}},
	}
	if _, err := env.Engine.Sync(env.Ctx, engine.SyncOptions{}); err != nil {
		t.Fatalf("sync: %v", err)
	}
	rec, err := env.Engine.Repo.GetTaskByJobID(env.Ctx, 7)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.ManualAnnotations != 3 || rec.InterpolatedAnnotations != 1 || rec.TotalAnnotations != 4 {
		t.Fatalf("unexpected counts %+v", rec)
	}
	if rec.Status != domain.StatusDone || rec.TaskName != "task-70" || rec.Assignee != "ana" {
		t.Fatalf("unexpected record %+v", rec)
	}
}

func TestSyncRejectsUnknownTaskName(t *testing.T) {
	env := newTestEnv(t)
	env.Remote.addJob(1, 10, nil, "annotation", "new")
	env.Remote.tasks[10] = cvat.Task{ID: 10}
	stats, err := env.Engine.Sync(env.Ctx, engine.SyncOptions{})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.Errors != 1 || stats.Created != 0 {
		t.Fatalf("expected one error, got %+v", stats)
	}
}

func TestSyncRetriesProjectNameOnce(t *testing.T) {
	env := newTestEnv(t)
	env.Remote.addJob(1, 10, int64p(4), "annotation", "new")
	env.Remote.addJob(2, 20, int64p(5), "annotation", "new")
	env.Remote.projects[4] = "roads"
	env.Remote.projects[5] = "rivers"
	env.Remote.projectFailures[4] = 1
	env.Remote.projectFailures[5] = 2

	var errs []error
	stats, err := env.Engine.Sync(env.Ctx, engine.SyncOptions{Progress: func(p engine.JobProgress) {
		if p.Err != nil {
			errs = append(errs, p.Err)
		}
	}})
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if stats.Created != 1 || stats.Errors != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
	rec, err := env.Engine.Repo.GetTaskByJobID(env.Ctx, 1)
	if err != nil || rec.ProjectName != "roads" {
		t.Fatalf("retried project name not stored: %v %+v", err, rec)
	}
	if env.Remote.projectCalls[5] != 2 {
		t.Fatalf("expected exactly one retry, got %d calls", env.Remote.projectCalls[5])
	}
	var dataErr *engine.DataIntegrityError
	if len(errs) != 1 || !errors.As(errs[0], &dataErr) || dataErr.Field != "project_name" {
		t.Fatalf("expected project_name integrity error, got %v", errs)
	}
}
