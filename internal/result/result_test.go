package result

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lemon07r/gauntlet/internal/protocol"
)

func TestNew(t *testing.T) {
	t.Parallel()

	r := New("echo-hi", "Say hi", "shell", "openai", 10)

	if r.TaskName != "echo-hi" {
		t.Errorf("TaskName = %q, want echo-hi", r.TaskName)
	}
	if r.Controller != "openai" {
		t.Errorf("Controller = %q, want openai", r.Controller)
	}
	if r.Status != StatusFailed {
		t.Errorf("Status = %q, want failed (default)", r.Status)
	}
	if r.MaxIterations != 10 {
		t.Errorf("MaxIterations = %d, want 10", r.MaxIterations)
	}
	if len(r.Trace) != 0 || r.IterationsUsed != 0 {
		t.Errorf("Trace = %d entries, IterationsUsed = %d, want 0/0", len(r.Trace), r.IterationsUsed)
	}
	if r.SchemaVersion != protocol.SchemaVersion {
		t.Errorf("SchemaVersion = %q, want %q", r.SchemaVersion, protocol.SchemaVersion)
	}

	// ID should contain controller, task, and timestamp
	if !strings.Contains(r.ID, "openai") || !strings.Contains(r.ID, "echo-hi") {
		t.Errorf("ID = %q, should contain controller and task", r.ID)
	}
}

func TestAddEntry(t *testing.T) {
	t.Parallel()

	r := New("test", "x", "shell", "replay", 5)

	r.AddEntry(protocol.NewAction("shell_execute", map[string]any{"command": "echo hi"}),
		protocol.Feedback{Done: true, Message: "ok"}, 100*time.Millisecond)

	if len(r.Trace) != 1 {
		t.Fatalf("Trace = %d entries, want 1", len(r.Trace))
	}
	if r.Trace[0].Index != 1 {
		t.Errorf("Index = %d, want 1", r.Trace[0].Index)
	}
	if r.IterationsUsed != 1 {
		t.Errorf("IterationsUsed = %d, want 1", r.IterationsUsed)
	}

	r.AddEntry(protocol.Finish("done"), protocol.Feedback{Done: true, Message: "complete"}, time.Second)

	if r.Trace[1].Index != 2 {
		t.Errorf("Index = %d, want 2", r.Trace[1].Index)
	}
	// The iteration counter tracks the trace length exactly.
	if r.IterationsUsed != len(r.Trace) {
		t.Errorf("IterationsUsed = %d, trace length = %d", r.IterationsUsed, len(r.Trace))
	}
}

func TestComplete(t *testing.T) {
	t.Parallel()

	r := New("test", "x", "shell", "replay", 5)
	time.Sleep(10 * time.Millisecond)
	r.Complete(StatusSuccess)

	if r.Status != StatusSuccess {
		t.Errorf("Status = %q, want success", r.Status)
	}
	if r.CompletedAt.IsZero() {
		t.Error("CompletedAt should be set")
	}
	if r.Duration <= 0 {
		t.Error("Duration should be positive")
	}
}

func TestLastEntry(t *testing.T) {
	t.Parallel()

	r := New("test", "x", "shell", "replay", 5)

	if r.LastEntry() != nil {
		t.Error("LastEntry should be nil when trace is empty")
	}

	r.AddEntry(protocol.NewAction("file_list", nil), protocol.Failure("nothing there"), time.Second)
	r.AddEntry(protocol.Finish(""), protocol.Feedback{Done: true}, time.Second)

	last := r.LastEntry()
	if last == nil {
		t.Fatal("LastEntry should not be nil")
	}
	if last.Index != 2 {
		t.Errorf("LastEntry.Index = %d, want 2", last.Index)
	}
}

func TestSucceededAndPassed(t *testing.T) {
	t.Parallel()

	r := New("test", "x", "shell", "replay", 5)
	if r.Succeeded() {
		t.Error("new run should not be succeeded")
	}
	if r.Passed() {
		t.Error("run without verdict should not be passed")
	}

	r.Status = StatusSuccess
	if !r.Succeeded() {
		t.Error("run with StatusSuccess should be succeeded")
	}
	if r.Passed() {
		t.Error("succeeded run without verdict should still not be passed")
	}

	r.Verdict = &Verdict{State: VerdictEvaluated, Passed: true}
	if !r.Passed() {
		t.Error("run with passing verdict should be passed")
	}

	r.Verdict = &Verdict{State: VerdictErrored, Passed: true}
	if r.Passed() {
		t.Error("errored verdict should not count as passed")
	}
}

func TestSave(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()

	r := New("echo-hi", "Say hi", "shell", "openai", 10)
	r.Model = "gpt-4o"
	r.Sandbox = SandboxMeta{Image: "test:latest", Container: "gauntlet-abc", Port: 18080}
	r.AddMessage(protocol.RoleSystem, "You are an agent.")
	r.AddEntry(protocol.NewAction("shell_execute", map[string]any{"command": "echo hi"}),
		protocol.Feedback{Done: true, Message: "exit 0", Data: map[string]any{"output": "hi\n"}},
		200*time.Millisecond)
	r.AddEntry(protocol.Finish("said hi"), protocol.Feedback{Done: true, Message: "complete"}, time.Second)
	r.FinalResult = "said hi"
	r.Complete(StatusSuccess)

	if err := r.Save(baseDir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	sessionDir := r.SessionDir(baseDir)

	// Check result.json exists and round-trips
	data, err := os.ReadFile(filepath.Join(sessionDir, "result.json"))
	if err != nil {
		t.Fatalf("reading result.json: %v", err)
	}

	var loaded RunResult
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("parsing result.json: %v", err)
	}
	if loaded.TaskName != "echo-hi" {
		t.Errorf("loaded TaskName = %q, want echo-hi", loaded.TaskName)
	}
	if len(loaded.Trace) != 2 || loaded.IterationsUsed != 2 {
		t.Errorf("loaded Trace = %d, IterationsUsed = %d, want 2/2", len(loaded.Trace), loaded.IterationsUsed)
	}
	if loaded.Trace[0].Action.Kind != "shell_execute" {
		t.Errorf("loaded action kind = %q, want shell_execute", loaded.Trace[0].Action.Kind)
	}

	// The wire format flattens action params next to action_type.
	if !strings.Contains(string(data), `"action_type": "task_complete"`) {
		t.Error("result.json should contain flattened action_type fields")
	}

	// Check report.md exists
	if _, err := os.Stat(filepath.Join(sessionDir, "report.md")); err != nil {
		t.Errorf("report.md should exist: %v", err)
	}

	// Check iteration logs
	for _, name := range []string{"iteration-1.log", "iteration-2.log"} {
		if _, err := os.Stat(filepath.Join(sessionDir, "logs", name)); err != nil {
			t.Errorf("%s should exist: %v", name, err)
		}
	}
}

func TestLoadDir(t *testing.T) {
	t.Parallel()

	baseDir := t.TempDir()

	older := New("task-a", "x", "shell", "replay", 5)
	older.StartedAt = time.Now().Add(-time.Hour)
	older.Complete(StatusTimeout)
	if err := older.Save(baseDir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	newer := New("task-b", "x", "shell", "replay", 5)
	newer.Complete(StatusSuccess)
	if err := newer.Save(baseDir); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// A stray directory without result.json is skipped.
	if err := os.MkdirAll(filepath.Join(baseDir, "not-a-session"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	results, err := LoadDir(baseDir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("results = %d, want 2", len(results))
	}
	if results[0].TaskName != "task-b" || results[1].TaskName != "task-a" {
		t.Errorf("order = %s, %s, want newest first", results[0].TaskName, results[1].TaskName)
	}
}

func TestLoadDirMissing(t *testing.T) {
	t.Parallel()

	results, err := LoadDir(filepath.Join(t.TempDir(), "nope"))
	if err != nil {
		t.Fatalf("LoadDir() on missing dir error = %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results = %d, want 0", len(results))
	}
}

func TestGenerateMarkdown(t *testing.T) {
	t.Parallel()

	r := New("echo-hi", "Say hi", "shell", "openai", 10)
	r.AddEntry(protocol.NewAction("shell_execute", map[string]any{"command": "echo hi"}),
		protocol.Feedback{Done: false, Message: "command failed", Data: map[string]any{"exit_code": 1}},
		time.Second)
	r.Verdict = &Verdict{State: VerdictEvaluated, Passed: false, Feedback: "no greeting found"}
	r.Complete(StatusFailed)

	md := r.GenerateMarkdown()

	if !strings.Contains(md, "# Gauntlet Report") {
		t.Error("markdown should contain report header")
	}
	if !strings.Contains(md, "echo-hi") {
		t.Error("markdown should contain task name")
	}
	if !strings.Contains(md, "Iteration 1") {
		t.Error("markdown should contain iteration info")
	}
	if !strings.Contains(md, "command failed") {
		t.Error("markdown should contain feedback message")
	}
	if !strings.Contains(md, "no greeting found") {
		t.Error("markdown should contain verdict feedback")
	}
}

func TestFormatTerminal(t *testing.T) {
	t.Parallel()

	r := New("echo-hi", "Say hi", "shell", "openai", 10)
	r.AddEntry(protocol.NewAction("shell_execute", map[string]any{"command": "echo hi"}),
		protocol.Failure("command not found"), time.Second)

	output := FormatTerminal(r, r.LastEntry())

	if !strings.Contains(output, "Iteration 1/10") {
		t.Error("output should contain iteration counter")
	}
	if !strings.Contains(output, "shell_execute") {
		t.Error("output should contain the action kind")
	}
	if !strings.Contains(output, "command not found") {
		t.Error("output should contain the feedback message")
	}
}

func TestFormatFinalResult(t *testing.T) {
	t.Parallel()

	r := New("echo-hi", "Say hi", "shell", "openai", 10)
	r.AddEntry(protocol.Finish("hi"), protocol.Feedback{Done: true}, time.Second)
	r.Verdict = &Verdict{State: VerdictEvaluated, Passed: true}
	r.Complete(StatusSuccess)

	output := FormatFinalResult(r)

	if !strings.Contains(output, "FINAL RESULT") {
		t.Error("output should contain final result header")
	}
	if !strings.Contains(output, "SUCCESS") {
		t.Error("output should contain SUCCESS")
	}
	if !strings.Contains(output, "verdict: PASS") {
		t.Error("output should contain the verdict")
	}
	if !strings.Contains(output, "Iterations:  1/10") {
		t.Error("output should contain the iteration count")
	}
}

func TestExcerpt(t *testing.T) {
	t.Parallel()

	if got := excerpt("line one\nline two", 100); got != "line one line two" {
		t.Errorf("excerpt() = %q, want flattened line", got)
	}
	if got := excerpt("abcdef", 4); got != "abcd..." {
		t.Errorf("excerpt() = %q, want abcd...", got)
	}
}
