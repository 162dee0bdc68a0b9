package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/batonworks/baton/internal/command"
	"github.com/batonworks/baton/internal/config"
	"github.com/batonworks/baton/internal/task"
)

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "baton.db")
	cfg.Sweeper.Enabled = false

	g, err := NewWithOptions(cfg, Options{})
	if err != nil {
		t.Fatalf("NewWithOptions error: %v", err)
	}
	t.Cleanup(func() { _ = g.repo.Close() })
	return g
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v (body %s)", err, rec.Body.String())
	}
	return v
}

func createTestTask(t *testing.T, h http.Handler, taskID string) {
	t.Helper()
	rec := doJSON(t, h, http.MethodPost, "/v1/tasks", map[string]string{
		"taskId": taskID,
		"name":   "gateway test",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create task status %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	h := newTestGateway(t).routes()
	rec := doJSON(t, h, http.MethodGet, "/healthz", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
}

func TestCreateAndGetTask(t *testing.T) {
	h := newTestGateway(t).routes()
	createTestTask(t, h, "T1")

	rec := doJSON(t, h, http.MethodGet, "/v1/tasks/T1", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[task.Task](t, rec)
	if got.TaskID != "T1" || got.Status != task.StatusNotStarted {
		t.Fatalf("unexpected task %+v", got)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	h := newTestGateway(t).routes()

	rec := doJSON(t, h, http.MethodPost, "/v1/tasks", map[string]string{"name": "no id"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestDuplicateTaskConflicts(t *testing.T) {
	h := newTestGateway(t).routes()
	createTestTask(t, h, "T1")

	rec := doJSON(t, h, http.MethodPost, "/v1/tasks", map[string]string{"taskId": "T1", "name": "again"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetTaskNotFound(t *testing.T) {
	h := newTestGateway(t).routes()
	rec := doJSON(t, h, http.MethodGet, "/v1/tasks/missing", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestCommandEndpoint(t *testing.T) {
	h := newTestGateway(t).routes()
	createTestTask(t, h, "T1")

	rec := doJSON(t, h, http.MethodPost, "/v1/tasks/T1/command", map[string]string{
		"command": `status(INP,"kicking off")`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[command.Result](t, rec)
	if res.Task == nil || res.Task.Status != task.StatusInProgress {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestCommandEndpointBadVerb(t *testing.T) {
	h := newTestGateway(t).routes()
	createTestTask(t, h, "T1")

	rec := doJSON(t, h, http.MethodPost, "/v1/tasks/T1/command", map[string]string{
		"command": "explode(now)",
	})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestContextAndDiffEndpoints(t *testing.T) {
	h := newTestGateway(t).routes()
	createTestTask(t, h, "T1")

	rec := doJSON(t, h, http.MethodGet, "/v1/tasks/T1/context?slice=STATUS", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("context status %d: %s", rec.Code, rec.Body.String())
	}
	first := decode[command.Result](t, rec)
	if first.Diff == nil || first.Diff.Digest == "" {
		t.Fatalf("expected digest in context response, got %+v", first)
	}

	// Replaying the digest yields the unchanged outcome.
	url := fmt.Sprintf("/v1/tasks/T1/context/diff?slice=STATUS&digest=%s", first.Diff.Digest)
	rec = doJSON(t, h, http.MethodGet, url, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("diff status %d: %s", rec.Code, rec.Body.String())
	}
	second := decode[command.Result](t, rec)
	if second.Kind != command.ResultUnchanged {
		t.Fatalf("expected unchanged, got %s", second.Kind)
	}

	// Mutate, then the same digest reports the delta.
	doJSON(t, h, http.MethodPost, "/v1/tasks/T1/command", map[string]string{"command": "status(INP)"})
	rec = doJSON(t, h, http.MethodGet, url, nil)
	third := decode[command.Result](t, rec)
	if third.Kind != command.ResultOK || third.Diff.Unchanged {
		t.Fatalf("expected changed diff, got %+v", third)
	}
}

func TestContextMissingTask(t *testing.T) {
	h := newTestGateway(t).routes()

	rec := doJSON(t, h, http.MethodGet, "/v1/tasks/missing/context?slice=STATUS", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("missing task context is an outcome, not an error; got %d", rec.Code)
	}
	res := decode[command.Result](t, rec)
	if res.Kind != command.ResultNotFound {
		t.Fatalf("expected not-found outcome, got %s", res.Kind)
	}
}

func TestResolveDelegationEndpoint(t *testing.T) {
	h := newTestGateway(t).routes()
	createTestTask(t, h, "T1")

	rec := doJSON(t, h, http.MethodPost, "/v1/tasks/T1/command", map[string]string{
		"command": `delegate(SD,"build it")`,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("delegate status %d: %s", rec.Code, rec.Body.String())
	}
	res := decode[command.Result](t, rec)
	if res.Delegation == nil {
		t.Fatalf("expected delegation in %+v", res)
	}

	rec = doJSON(t, h, http.MethodPost, "/v1/delegations/"+res.Delegation.ID+"/resolve", map[string]any{
		"success": false,
		"reason":  "needs tests",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("resolve status %d: %s", rec.Code, rec.Body.String())
	}
	// Second resolution finds no pending record left to flip.
	rec = doJSON(t, h, http.MethodPost, "/v1/delegations/"+res.Delegation.ID+"/resolve", map[string]any{
		"success": true,
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("second resolve should 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestResumeEndpoint(t *testing.T) {
	h := newTestGateway(t).routes()
	createTestTask(t, h, "T1")

	doJSON(t, h, http.MethodPost, "/v1/tasks/T1/command", map[string]string{"command": "status(blocked)"})

	rec := doJSON(t, h, http.MethodPost, "/v1/tasks/T1/resume", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("resume status %d: %s", rec.Code, rec.Body.String())
	}
	got := decode[task.Task](t, rec)
	if got.Status != task.StatusInProgress {
		t.Fatalf("expected in-progress after resume, got %s", got.Status)
	}
}

func TestShorthandOverridesFailClosed(t *testing.T) {
	dir := t.TempDir()
	overrides := filepath.Join(dir, "shorthand.yaml")
	if err := os.WriteFile(overrides, []byte("statuses:\n  INP: in-progress\n"), 0o644); err != nil {
		t.Fatalf("write overrides: %v", err)
	}

	cfg := config.DefaultConfig()
	cfg.Storage.DBPath = filepath.Join(dir, "baton.db")
	cfg.Sweeper.Enabled = false
	cfg.Shorthand.OverridesPath = overrides

	if _, err := NewWithOptions(cfg, Options{}); err == nil {
		t.Fatal("expected shadowing override to fail gateway construction")
	}
}
