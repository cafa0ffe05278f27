package cvat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"cvatsync/internal/metrics"
)

type fakeRemote struct {
	mu           sync.Mutex
	logins       int
	rejectLogin  bool
	expireAfter  int // number of authorized calls before forcing a 401 once
	alwaysExpire bool
	calls        int
	expired      bool
	revoked      string // session cookie value answered with 401
	queries      []string
}

func (f *fakeRemote) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		if f.rejectLogin {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.logins++
		http.SetCookie(w, &http.Cookie{Name: "sessionid", Value: fmt.Sprintf("s%d", f.logins), Path: "/"})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"key":"tok"}`))
	})
	authed := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			f.mu.Lock()
			f.calls++
			c, err := r.Cookie("sessionid")
			unauthorized := err != nil || c.Value == "" || c.Value == f.revoked
			if f.alwaysExpire || (f.expireAfter > 0 && f.calls > f.expireAfter && !f.expired) {
				f.expired = true
				unauthorized = true
			}
			f.mu.Unlock()
			if unauthorized {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			next(w, r)
		}
	}
	mux.HandleFunc("/api/jobs", authed(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.queries = append(f.queries, r.URL.RawQuery)
		f.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("page") {
		case "1":
			_, _ = w.Write([]byte(`{"count":3,"next":"http://x/api/jobs?page=2","results":[
				{"id":1,"task_id":10,"stage":"annotation","state":"new","assignee":{"id":4,"username":"ana"}},
				{"id":2,"task_id":10,"stage":"validation","state":"completed","assignee":null}]}`))
		case "2":
			_, _ = w.Write([]byte(`{"count":3,"next":null,"results":[{"id":3,"task_id":11,"state":"in progress"}]}`))
		default:
			_, _ = w.Write([]byte(`{"count":0,"next":null,"results":[]}`))
		}
	}))
	mux.HandleFunc("/api/jobs/7", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":7,"task_id":70,"state":"new"}`))
	}))
	mux.HandleFunc("/api/jobs/1/annotations", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"shapes":[{},{}],"tracks":[{"shapes":[{"keyframe":true},{"keyframe":false},{"outside":true}]}]}`))
	}))
	mux.HandleFunc("/api/jobs/2/annotations", authed(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	mux.HandleFunc("/api/tasks/10", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":10,"name":"Street scenes","project_id":5,"jobs":{"count":2,"completed":0}}`))
	}))
	mux.HandleFunc("/api/projects/5", authed(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":5,"name":"Vehicles"}`))
	}))
	return mux
}

func newTestClient(t *testing.T, f *fakeRemote) (*Client, *SessionManager) {
	t.Helper()
	srv := httptest.NewServer(f.handler())
	t.Cleanup(srv.Close)
	c := NewWithLogin(srv.URL+"/api", "bot", "secret", 5*time.Second)
	return c, c.Sessions.(*SessionManager)
}

func TestListJobsFollowsPagination(t *testing.T) {
	f := &fakeRemote{}
	c, _ := newTestClient(t, f)
	jobs, err := c.ListJobs(context.Background(), JobFilters{ProjectID: 5, Assignee: "ana"})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	if jobs[0].Assignee.Name() != "ana" || jobs[1].Assignee.Name() != "" {
		t.Fatalf("assignee decode: %+v %+v", jobs[0].Assignee, jobs[1].Assignee)
	}
	var raw map[string]any
	if err := json.Unmarshal(jobs[2].Raw, &raw); err != nil || raw["state"] != "in progress" {
		t.Fatalf("raw payload not kept: %s", jobs[2].Raw)
	}
	if !strings.Contains(f.queries[0], "project_id=5") || !strings.Contains(f.queries[0], "assignee=ana") {
		t.Fatalf("filters not sent: %s", f.queries[0])
	}
	if f.logins != 1 {
		t.Fatalf("expected a single login, got %d", f.logins)
	}
}

func TestListJobsByID(t *testing.T) {
	c, _ := newTestClient(t, &fakeRemote{})
	jobs, err := c.ListJobs(context.Background(), JobFilters{JobID: 7})
	if err != nil {
		t.Fatalf("list jobs: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != 7 || jobs[0].TaskID != 70 {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestNameLookupsAreFailSoft(t *testing.T) {
	c, _ := newTestClient(t, &fakeRemote{})
	ctx := context.Background()
	if got := c.GetTaskName(ctx, 10); got != "Street scenes" {
		t.Fatalf("task name: %q", got)
	}
	if got := c.GetProjectName(ctx, 5); got != "Vehicles" {
		t.Fatalf("project name: %q", got)
	}
	if got := c.GetTaskName(ctx, 404); got != UnknownName {
		t.Fatalf("missing task should yield sentinel, got %q", got)
	}
	if got := c.GetProjectName(ctx, 404); got != UnknownName {
		t.Fatalf("missing project should yield sentinel, got %q", got)
	}
}

func TestGetTaskToleratesJobSummary(t *testing.T) {
	c, _ := newTestClient(t, &fakeRemote{})
	task, err := c.GetTask(context.Background(), 10)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.ProjectID == nil || *task.ProjectID != 5 || len(task.Jobs) != 0 {
		t.Fatalf("unexpected task %+v", task)
	}
}

func TestAnnotationFailurePropagates(t *testing.T) {
	c, _ := newTestClient(t, &fakeRemote{})
	if _, err := c.GetJobAnnotations(context.Background(), 2); err == nil {
		t.Fatalf("expected fetch error")
	} else {
		var fe *FetchError
		if !errors.As(err, &fe) || fe.Status != http.StatusInternalServerError {
			t.Fatalf("expected FetchError 500, got %v", err)
		}
	}
	p, err := c.GetJobAnnotations(context.Background(), 1)
	if err != nil {
		t.Fatalf("annotations: %v", err)
	}
	if len(p.Shapes) != 2 || len(p.Tracks) != 1 {
		t.Fatalf("unexpected payload %+v", p)
	}
}

func TestSessionRefreshedOnceOn401(t *testing.T) {
	f := &fakeRemote{expireAfter: 1}
	c, sm := newTestClient(t, f)
	ctx := context.Background()
	if got := c.GetProjectName(ctx, 5); got != "Vehicles" {
		t.Fatalf("first call: %q", got)
	}
	if got := c.GetProjectName(ctx, 5); got != "Vehicles" {
		t.Fatalf("call after expiry should re-login and succeed, got %q", got)
	}
	if sm.Logins() != 2 {
		t.Fatalf("expected 2 logins, got %d", sm.Logins())
	}
}

func TestSecondAuthFailureSurfaces(t *testing.T) {
	f := &fakeRemote{alwaysExpire: true}
	c, sm := newTestClient(t, f)
	_, err := c.GetTask(context.Background(), 10)
	if !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
	if sm.Logins() != 2 {
		t.Fatalf("expected exactly one refresh, got %d logins", sm.Logins())
	}
}

func TestLoginRejected(t *testing.T) {
	c, _ := newTestClient(t, &fakeRemote{rejectLogin: true})
	if err := c.Login(context.Background()); !errors.Is(err, ErrAuthentication) {
		t.Fatalf("expected authentication error, got %v", err)
	}
}

func TestAssigneeForms(t *testing.T) {
	cases := map[string]Assignee{
		`null`:                     {},
		`"bob"`:                    {Username: "bob"},
		`12`:                       {ID: 12},
		`{"id":3,"username":"al"}`: {ID: 3, Username: "al"},
	}
	for in, want := range cases {
		var a Assignee
		if err := json.Unmarshal([]byte(in), &a); err != nil {
			t.Fatalf("decode %s: %v", in, err)
		}
		if a != want {
			t.Fatalf("decode %s: got %+v want %+v", in, a, want)
		}
	}
	names := map[Assignee]string{{}: "", {ID: 12}: "12", {ID: 3, Username: "al"}: "al"}
	for a, want := range names {
		if got := a.Name(); got != want {
			t.Fatalf("name of %+v: got %q want %q", a, got, want)
		}
	}
}

func TestConcurrentUnauthorizedCallsShareOneRefresh(t *testing.T) {
	f := &fakeRemote{}
	c, sm := newTestClient(t, f)
	ctx := context.Background()
	if _, err := c.GetTask(ctx, 10); err != nil {
		t.Fatalf("warm up: %v", err)
	}
	f.mu.Lock()
	f.revoked = "s1"
	f.mu.Unlock()

	var wg sync.WaitGroup
	errs := make(chan error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.GetTask(ctx, 10)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
	}
	if sm.Logins() != 2 {
		t.Fatalf("expected one refresh on top of the first login, got %d logins", sm.Logins())
	}
}

func TestInvalidateKeepsReplacedSession(t *testing.T) {
	c, sm := newTestClient(t, &fakeRemote{})
	ctx := context.Background()
	first, err := sm.GetValidSession(ctx)
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	sm.Invalidate(first)
	second, err := sm.GetValidSession(ctx)
	if err != nil || second == first {
		t.Fatalf("expected a fresh session: %v", err)
	}
	sm.Invalidate(first)
	if got, _ := sm.GetValidSession(ctx); got != second {
		t.Fatal("stale invalidate dropped the replacement session")
	}
	if _, err := c.GetTask(ctx, 10); err != nil || sm.Logins() != 2 {
		t.Fatalf("unexpected state: %v logins=%d", err, sm.Logins())
	}
}

func TestLoginMetricCountsSuccessfulLogins(t *testing.T) {
	before := testutil.ToFloat64(metrics.RemoteLoginsTotal)
	c, _ := newTestClient(t, &fakeRemote{expireAfter: 1})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := c.GetTask(ctx, 10); err != nil {
			t.Fatalf("get task: %v", err)
		}
	}
	if got := testutil.ToFloat64(metrics.RemoteLoginsTotal) - before; got != 2 {
		t.Fatalf("expected 2 counted logins, got %v", got)
	}

	before = testutil.ToFloat64(metrics.RemoteLoginsTotal)
	rejected, _ := newTestClient(t, &fakeRemote{rejectLogin: true})
	if _, err := rejected.GetTask(ctx, 10); err == nil {
		t.Fatal("expected login failure")
	}
	if got := testutil.ToFloat64(metrics.RemoteLoginsTotal) - before; got != 0 {
		t.Fatalf("rejected login was counted: %v", got)
	}
}
