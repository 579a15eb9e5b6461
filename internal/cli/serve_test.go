package cli

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/lemon07r/gauntlet/internal/result"
)

var serveTestLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// saveTestRun seals and saves a run into dir, returning its session ID.
func saveTestRun(t *testing.T, dir, taskName string, status result.Status) string {
	t.Helper()

	r := result.New(taskName, "do the thing", "shell", "openai", 5)
	r.Complete(status)
	if err := r.Save(dir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	return r.ID
}

func TestServeList(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id1 := saveTestRun(t, dir, "echo-hi", result.StatusSuccess)
	id2 := saveTestRun(t, dir, "py-fib", result.StatusTimeout)

	srv := newResultServer(dir, false, serveTestLogger)
	req := httptest.NewRequest(http.MethodGet, "/api/list", nil)
	rec := httptest.NewRecorder()
	srv.handleList(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	if got := rec.Header().Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q, want application/json", got)
	}

	var body struct {
		Files []string `json:"files"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if len(body.Files) != 2 {
		t.Fatalf("files = %v, want 2 entries", body.Files)
	}
	seen := map[string]bool{}
	for _, f := range body.Files {
		seen[f] = true
	}
	if !seen[id1] || !seen[id2] {
		t.Errorf("files = %v, want both %s and %s", body.Files, id1, id2)
	}
}

func TestServeData(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	id := saveTestRun(t, dir, "echo-hi", result.StatusSuccess)

	srv := newResultServer(dir, false, serveTestLogger)
	req := httptest.NewRequest(http.MethodGet, "/api/data?file="+id, nil)
	rec := httptest.NewRecorder()
	srv.handleData(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	var got result.RunResult
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if got.ID != id {
		t.Errorf("ID = %q, want %q", got.ID, id)
	}
	if got.TaskName != "echo-hi" {
		t.Errorf("TaskName = %q, want echo-hi", got.TaskName)
	}
	if got.Status != result.StatusSuccess {
		t.Errorf("Status = %q, want %q", got.Status, result.StatusSuccess)
	}
}

func TestServeDataRejectsTraversal(t *testing.T) {
	t.Parallel()

	srv := newResultServer(t.TempDir(), false, serveTestLogger)

	for _, name := range []string{"", "../etc", "a/b", `a\b`} {
		req := httptest.NewRequest(http.MethodGet, "/api/data?file="+name, nil)
		rec := httptest.NewRecorder()
		srv.handleData(rec, req)

		if rec.Code != http.StatusBadRequest {
			t.Errorf("file=%q: status = %d, want %d", name, rec.Code, http.StatusBadRequest)
		}
	}
}

func TestServeDataNotFound(t *testing.T) {
	t.Parallel()

	srv := newResultServer(t.TempDir(), false, serveTestLogger)
	req := httptest.NewRequest(http.MethodGet, "/api/data?file=missing-session", nil)
	rec := httptest.NewRecorder()
	srv.handleData(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServeIndex(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	saveTestRun(t, dir, "echo-hi", result.StatusSuccess)

	srv := newResultServer(dir, false, serveTestLogger)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	rec := httptest.NewRecorder()
	srv.handleIndex(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "echo-hi") {
		t.Errorf("index does not mention the task: %s", body)
	}
	if !strings.Contains(body, "/api/data?file=") {
		t.Errorf("index has no session links")
	}
}

func TestServeIndexUnknownPath(t *testing.T) {
	t.Parallel()

	srv := newResultServer(t.TempDir(), false, serveTestLogger)
	req := httptest.NewRequest(http.MethodGet, "/nope", nil)
	rec := httptest.NewRecorder()
	srv.handleIndex(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestServeCacheInvalidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	saveTestRun(t, dir, "echo-hi", result.StatusSuccess)

	// Watch mode: the cache holds until invalidated.
	srv := newResultServer(dir, true, serveTestLogger)
	runs, err := srv.snapshot()
	if err != nil {
		t.Fatalf("snapshot() error = %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("snapshot() = %d runs, want 1", len(runs))
	}

	saveTestRun(t, dir, "py-fib", result.StatusSuccess)

	runs, err = srv.snapshot()
	if err != nil {
		t.Fatalf("snapshot() error = %v", err)
	}
	if len(runs) != 1 {
		t.Errorf("snapshot() = %d runs before invalidation, want cached 1", len(runs))
	}

	srv.invalidate()
	runs, err = srv.snapshot()
	if err != nil {
		t.Fatalf("snapshot() error = %v", err)
	}
	if len(runs) != 2 {
		t.Errorf("snapshot() = %d runs after invalidation, want 2", len(runs))
	}
}
