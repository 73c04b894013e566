package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/oriys/sandboxd/internal/runnererr"
)

func TestPollReturnsRunIDOnMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("group") != "default" {
			t.Fatalf("unexpected group: %s", r.URL.RawQuery)
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Fatalf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		json.NewEncoder(w).Encode(map[string]string{"runId": "run-123"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	runID, ok, err := c.Poll(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if !ok || runID != "run-123" {
		t.Fatalf("got (%q, %v)", runID, ok)
	}
}

func TestPollReturnsNotOkOn204(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, ok, err := c.Poll(context.Background(), "default")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected ok=false on 204")
	}
}

func TestClaimReturnsExecutionContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["runId"] != "run-123" {
			t.Fatalf("unexpected body: %+v", body)
		}
		json.NewEncoder(w).Encode(ExecutionContext{RunID: "run-123", WorkingDir: "/work"})
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	ctx, err := c.Claim(context.Background(), "run-123")
	if err != nil {
		t.Fatal(err)
	}
	if ctx.RunID != "run-123" || ctx.WorkingDir != "/work" {
		t.Fatalf("unexpected context: %+v", ctx)
	}
}

func TestClaimConflictTranslatesToErrConflict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	_, err := c.Claim(context.Background(), "run-123")
	if !errors.Is(err, runnererr.ErrConflict) {
		t.Fatalf("expected ErrConflict, got %v", err)
	}
}

func TestCompleteSendsExitCodeAndError(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	if err := c.Complete(context.Background(), "run-123", 1, "boom"); err != nil {
		t.Fatal(err)
	}
	if gotBody["runId"] != "run-123" || gotBody["error"] != "boom" {
		t.Fatalf("unexpected body: %+v", gotBody)
	}
}

func TestCompleteOmitsErrorWhenEmpty(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok")
	if err := c.Complete(context.Background(), "run-123", 0, ""); err != nil {
		t.Fatal(err)
	}
	if _, present := gotBody["error"]; present {
		t.Fatalf("expected no error key, got %+v", gotBody)
	}
}
