// Package result provides run records, session management, and output
// formatting.
package result

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/lemon07r/gauntlet/internal/protocol"
)

// Status represents the final status of a task run.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
	StatusTimeout Status = "timeout"
	StatusError   Status = "error"
)

// StatusEmoji maps status values to their emoji representations.
var StatusEmoji = map[Status]string{
	StatusSuccess: "✅",
	StatusFailed:  "❌",
	StatusTimeout: "⏱️",
	StatusError:   "⚠️",
}

// VerdictState describes how the evaluator stage ended.
type VerdictState string

const (
	VerdictEvaluated VerdictState = "evaluated"
	VerdictErrored   VerdictState = "evaluator_error"
	VerdictSkipped   VerdictState = "skipped"
)

// Verdict is the evaluator's judgment of a completed run. A run can finish
// with status success and still fail its verdict.
type Verdict struct {
	State    VerdictState   `json:"state"`
	Passed   bool           `json:"passed"`
	Feedback string         `json:"feedback,omitempty"`
	Details  map[string]any `json:"details,omitempty"`
}

// SandboxMeta records which sandbox served the run.
type SandboxMeta struct {
	Image     string `json:"image"`
	Container string `json:"container,omitempty"`
	Port      int    `json:"port,omitempty"`
}

// Usage accumulates controller token accounting across a run.
type Usage struct {
	Requests         int `json:"requests"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// RunResult is the complete record of one task run.
type RunResult struct {
	ID             string                `json:"id"`
	SchemaVersion  string                `json:"schema_version"`
	TaskName       string                `json:"task_name"`
	Instruction    string                `json:"instruction"`
	Kind           string                `json:"kind"`
	Controller     string                `json:"controller"`
	Model          string                `json:"model,omitempty"`
	Status         Status                `json:"status"`
	IterationsUsed int                   `json:"iterations_used"`
	MaxIterations  int                   `json:"max_iterations"`
	FinalResult    string                `json:"final_result,omitempty"`
	Error          string                `json:"error,omitempty"`
	Trace          []protocol.TraceEntry `json:"execution_trace"`
	Transcript     []protocol.Message    `json:"transcript"`
	Sandbox        SandboxMeta           `json:"sandbox"`
	Usage          Usage                 `json:"usage"`
	StartedAt      time.Time             `json:"started_at"`
	CompletedAt    time.Time             `json:"completed_at"`
	Duration       time.Duration         `json:"duration_ns"`
	Verdict        *Verdict              `json:"verdict,omitempty"`
}

// New creates a run record for the given task. The status starts out as
// failed; the loop seals the terminal status via Complete.
func New(taskName, instruction, kind, controller string, maxIterations int) *RunResult {
	now := time.Now()
	// Add random suffix to prevent ID collisions
	randBytes := make([]byte, 4)
	_, _ = rand.Read(randBytes)
	randSuffix := hex.EncodeToString(randBytes)
	id := fmt.Sprintf("%s-%s-%s-%s", controller, taskName, now.Format("2006-01-02T150405"), randSuffix)

	return &RunResult{
		ID:            id,
		SchemaVersion: protocol.SchemaVersion,
		TaskName:      taskName,
		Instruction:   instruction,
		Kind:          kind,
		Controller:    controller,
		Status:        StatusFailed,
		MaxIterations: maxIterations,
		Trace:         make([]protocol.TraceEntry, 0),
		Transcript:    make([]protocol.Message, 0),
		StartedAt:     now,
	}
}

// AddEntry appends one (action, feedback) pair to the execution trace.
// The iteration counter always equals the trace length.
func (r *RunResult) AddEntry(action protocol.Action, fb protocol.Feedback, elapsed time.Duration) {
	r.Trace = append(r.Trace, protocol.TraceEntry{
		Index:    len(r.Trace) + 1,
		Action:   action,
		Feedback: fb,
		Elapsed:  elapsed,
	})
	r.IterationsUsed = len(r.Trace)
}

// AddMessage appends one turn to the controller transcript.
func (r *RunResult) AddMessage(role, content string) {
	r.Transcript = append(r.Transcript, protocol.Message{Role: role, Content: content})
}

// Complete seals the run with its terminal status.
func (r *RunResult) Complete(status Status) {
	r.Status = status
	r.CompletedAt = time.Now()
	r.Duration = r.CompletedAt.Sub(r.StartedAt)
}

// LastEntry returns the most recent trace entry, or nil if none.
func (r *RunResult) LastEntry() *protocol.TraceEntry {
	if len(r.Trace) == 0 {
		return nil
	}
	return &r.Trace[len(r.Trace)-1]
}

// Succeeded reports whether the run reached the success status. Whether the
// task itself passed is the verdict's call.
func (r *RunResult) Succeeded() bool {
	return r.Status == StatusSuccess
}

// Passed reports whether the run carries a passing verdict.
func (r *RunResult) Passed() bool {
	return r.Verdict != nil && r.Verdict.State == VerdictEvaluated && r.Verdict.Passed
}

// SessionDir returns the directory path for storing run data.
func (r *RunResult) SessionDir(baseDir string) string {
	return filepath.Join(baseDir, r.ID)
}

// Save writes the run record to disk: result.json, report.md, and one log
// per iteration.
func (r *RunResult) Save(baseDir string) error {
	dir := r.SessionDir(baseDir)

	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	resultJSON, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "result.json"), resultJSON, 0644); err != nil {
		return fmt.Errorf("writing result.json: %w", err)
	}

	report := r.GenerateMarkdown()
	if err := os.WriteFile(filepath.Join(dir, "report.md"), []byte(report), 0644); err != nil {
		return fmt.Errorf("writing report.md: %w", err)
	}

	for _, entry := range r.Trace {
		logFile := filepath.Join(dir, "logs", fmt.Sprintf("iteration-%d.log", entry.Index))
		if err := os.WriteFile(logFile, []byte(formatEntryLog(entry)), 0644); err != nil {
			return fmt.Errorf("writing iteration log: %w", err)
		}
	}

	return nil
}

// Load reads a result.json from path.
func Load(path string) (*RunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r RunResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &r, nil
}

// LoadDir reads every session under baseDir, newest first. Directories
// without a readable result.json are skipped.
func LoadDir(baseDir string) ([]*RunResult, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var results []*RunResult
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		r, err := Load(filepath.Join(baseDir, entry.Name(), "result.json"))
		if err != nil {
			continue
		}
		results = append(results, r)
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].StartedAt.After(results[j].StartedAt)
	})

	return results, nil
}

// formatEntryLog renders one trace entry as a plain-text log.
func formatEntryLog(entry protocol.TraceEntry) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "iteration: %d\n", entry.Index)
	fmt.Fprintf(&sb, "action: %s\n", actionLine(entry.Action))
	fmt.Fprintf(&sb, "elapsed: %s\n", entry.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(&sb, "done: %v\n", entry.Feedback.Done)
	fmt.Fprintf(&sb, "message: %s\n", entry.Feedback.Message)

	if len(entry.Feedback.Data) > 0 {
		data, err := json.MarshalIndent(entry.Feedback.Data, "", "  ")
		if err == nil {
			sb.WriteString("data:\n")
			sb.Write(data)
			sb.WriteString("\n")
		}
	}

	return sb.String()
}

// actionLine renders an action as a single line: the kind plus its params.
func actionLine(a protocol.Action) string {
	if len(a.Params) == 0 {
		return a.Kind
	}
	params, err := json.Marshal(a.Params)
	if err != nil {
		return a.Kind
	}
	return fmt.Sprintf("%s %s", a.Kind, params)
}

// GenerateMarkdown generates a human-readable markdown report.
func (r *RunResult) GenerateMarkdown() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# Gauntlet Report: %s\n\n", r.TaskName)
	fmt.Fprintf(&sb, "**Status:** %s %s\n\n", StatusEmoji[r.Status], strings.ToUpper(string(r.Status)))
	if r.Model != "" {
		fmt.Fprintf(&sb, "**Controller:** %s (%s)\n\n", r.Controller, r.Model)
	} else {
		fmt.Fprintf(&sb, "**Controller:** %s\n\n", r.Controller)
	}
	fmt.Fprintf(&sb, "**Started:** %s\n\n", r.StartedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "**Completed:** %s\n\n", r.CompletedAt.Format(time.RFC3339))
	fmt.Fprintf(&sb, "**Total Time:** %s\n\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&sb, "**Iterations:** %d/%d\n\n", r.IterationsUsed, r.MaxIterations)
	if r.Error != "" {
		fmt.Fprintf(&sb, "**Error:** %s\n\n", r.Error)
	}

	if r.Verdict != nil {
		sb.WriteString("---\n\n")
		sb.WriteString("## Verdict\n\n")
		verdict := "❌ FAIL"
		if r.Verdict.Passed {
			verdict = "✅ PASS"
		}
		if r.Verdict.State != VerdictEvaluated {
			verdict = fmt.Sprintf("⚠️ %s", r.Verdict.State)
		}
		fmt.Fprintf(&sb, "**Result:** %s\n\n", verdict)
		if r.Verdict.Feedback != "" {
			fmt.Fprintf(&sb, "**Feedback:** %s\n\n", r.Verdict.Feedback)
		}
	}

	sb.WriteString("---\n\n")
	sb.WriteString("## Execution Trace\n\n")

	for _, entry := range r.Trace {
		fmt.Fprintf(&sb, "### Iteration %d - %s\n\n", entry.Index, entry.Action.Kind)
		fmt.Fprintf(&sb, "- **Action:** `%s`\n", actionLine(entry.Action))
		fmt.Fprintf(&sb, "- **Elapsed:** %s\n", entry.Elapsed.Round(time.Millisecond))
		fmt.Fprintf(&sb, "- **Done:** %v\n\n", entry.Feedback.Done)

		if entry.Feedback.Message != "" {
			fmt.Fprintf(&sb, "**Feedback:** %s\n\n", entry.Feedback.Message)
		}

		if len(entry.Feedback.Data) > 0 {
			data, err := json.MarshalIndent(entry.Feedback.Data, "", "  ")
			if err == nil {
				sb.WriteString("<details>\n<summary>Data</summary>\n\n```json\n")
				sb.Write(data)
				sb.WriteString("\n```\n</details>\n\n")
			}
		}
	}

	sb.WriteString("---\n\n")
	sb.WriteString("## Sandbox\n\n")
	fmt.Fprintf(&sb, "- **Image:** %s\n", r.Sandbox.Image)
	if r.Sandbox.Container != "" {
		fmt.Fprintf(&sb, "- **Container:** %s\n", r.Sandbox.Container)
	}
	if r.Usage.Requests > 0 {
		sb.WriteString("\n## Usage\n\n")
		fmt.Fprintf(&sb, "- **Requests:** %d\n", r.Usage.Requests)
		fmt.Fprintf(&sb, "- **Prompt Tokens:** ~%d\n", r.Usage.PromptTokens)
		fmt.Fprintf(&sb, "- **Completion Tokens:** ~%d\n", r.Usage.CompletionTokens)
	}

	return sb.String()
}

// FormatHeader returns the run banner printed once at the start.
func FormatHeader(r *RunResult) string {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&sb, " GAUNTLET                          %s (%s)\n", r.TaskName, r.Controller)
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")

	return sb.String()
}

// FormatTerminal returns a formatted string for one iteration of terminal
// output.
func FormatTerminal(r *RunResult, entry *protocol.TraceEntry) string {
	if r == nil || entry == nil {
		return ""
	}

	var sb strings.Builder

	sb.WriteString("\n")
	fmt.Fprintf(&sb, " Iteration %d/%d                                  ⏱  %s\n",
		entry.Index, r.MaxIterations,
		entry.Elapsed.Round(time.Millisecond))
	sb.WriteString(" ─────────────────────────────────────────────────────────\n")

	fmt.Fprintf(&sb, " → %s\n", excerpt(actionLine(entry.Action), 100))

	if entry.Feedback.Done {
		fmt.Fprintf(&sb, " ✓ %s\n", excerpt(entry.Feedback.Message, 100))
	} else {
		fmt.Fprintf(&sb, " ✗ %s\n", excerpt(entry.Feedback.Message, 100))
	}

	return sb.String()
}

// FormatFinalResult returns a formatted summary for the end of a run.
func FormatFinalResult(r *RunResult) string {
	var sb strings.Builder

	sb.WriteString("\n")
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	sb.WriteString(" FINAL RESULT\n")
	sb.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	sb.WriteString("\n")

	if r.Succeeded() {
		sb.WriteString(" ✓ SUCCESS\n")
	} else {
		fmt.Fprintf(&sb, " ✗ %s\n", strings.ToUpper(string(r.Status)))
	}

	if r.Verdict != nil {
		switch {
		case r.Verdict.State != VerdictEvaluated:
			fmt.Fprintf(&sb, " ⚠ verdict: %s\n", r.Verdict.State)
		case r.Verdict.Passed:
			sb.WriteString(" ✓ verdict: PASS\n")
		default:
			sb.WriteString(" ✗ verdict: FAIL\n")
		}
	}

	sb.WriteString("\n")
	fmt.Fprintf(&sb, " Task:        %s\n", r.TaskName)
	fmt.Fprintf(&sb, " Iterations:  %d/%d\n", r.IterationsUsed, r.MaxIterations)
	fmt.Fprintf(&sb, " Duration:    %s\n", r.Duration.Round(time.Millisecond))
	fmt.Fprintf(&sb, " Session:     %s\n", r.ID)
	if r.FinalResult != "" {
		fmt.Fprintf(&sb, " Result:      %s\n", excerpt(r.FinalResult, 80))
	}
	sb.WriteString("\n")

	return sb.String()
}

// excerpt flattens s to one line and truncates it to at most n runes.
func excerpt(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
