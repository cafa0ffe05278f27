package cvatsyncsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsTokenAndQuery(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.URL.Path != "/v0/tasks" || r.URL.Query().Get("status") != "done" || r.URL.Query().Get("page_size") != "5" {
			t.Errorf("unexpected request %s", r.URL.String())
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"items": []map[string]any{{"id": "r1", "remote_job_id": 7, "status": "done"}},
			"total": 1, "page": 1, "page_size": 5,
			"summary": map[string]any{"total_tasks": 1, "completed": 1},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	page, err := c.ListTasks(context.Background(), TaskQuery{Status: "done", PageSize: 5})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 1 || page.Items[0].RemoteJobID != 7 || page.Summary.Completed != 1 {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestClientDecodesErrorEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v0/tasks/r1/fields" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"code":"bad_request","message":"field \"x\" is not editable"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").UpdateField(context.Background(), "r1", "x", "1")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "bad_request" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
}
