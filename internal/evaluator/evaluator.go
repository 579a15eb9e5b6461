// Package evaluator runs a task's verdict function against a sealed run
// result. The evaluator is a subprocess declared in the task bundle: it
// receives the run result JSON on stdin and prints a verdict JSON (or a
// bare boolean) on stdout. Evaluator faults produce a distinct verdict
// state so harness trouble is never mistaken for task difficulty.
package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	errsummary "github.com/lemon07r/gauntlet/internal/errors"
	"github.com/lemon07r/gauntlet/internal/result"
	"github.com/lemon07r/gauntlet/internal/task"
)

const defaultTimeout = 120 * time.Second

// Invoker runs evaluator commands in materialized task directories.
type Invoker struct {
	loader *task.Loader
	logger *slog.Logger
}

// NewInvoker creates an invoker backed by the given task loader.
func NewInvoker(loader *task.Loader, logger *slog.Logger) *Invoker {
	return &Invoker{loader: loader, logger: logger}
}

// Evaluate runs t's evaluator against the sealed run result and returns
// its verdict. The run result is strictly read-only for the evaluator.
// sandboxURL is exposed as SANDBOX_URL when the task declares
// needs_sandbox, for post-hoc inspection of the still-live container.
func (iv *Invoker) Evaluate(ctx context.Context, t *task.Task, r *result.RunResult, sandboxURL string) result.Verdict {
	if len(t.Evaluator.Command) == 0 {
		return result.Verdict{State: result.VerdictSkipped, Feedback: "task declares no evaluator"}
	}

	scratch, err := os.MkdirTemp("", "gauntlet-eval-")
	if err != nil {
		return faultVerdict(fmt.Sprintf("creating evaluator scratch dir: %v", err), nil)
	}
	defer func() { _ = os.RemoveAll(scratch) }()

	dir, err := iv.loader.Materialize(t, scratch)
	if err != nil {
		return faultVerdict(fmt.Sprintf("materializing task files: %v", err), nil)
	}

	payload, err := json.Marshal(r)
	if err != nil {
		return faultVerdict(fmt.Sprintf("encoding run result: %v", err), nil)
	}

	timeout := defaultTimeout
	if t.Evaluator.Timeout > 0 {
		timeout = time.Duration(t.Evaluator.Timeout) * time.Second
	}
	evalCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(evalCtx, t.Evaluator.Command[0], t.Evaluator.Command[1:]...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.Env = os.Environ()
	if t.Evaluator.NeedsSandbox && sandboxURL != "" {
		cmd.Env = append(cmd.Env, "SANDBOX_URL="+sandboxURL)
	}
	setupProcessGroup(cmd)

	iv.logger.Debug("running evaluator", "task", t.Name, "command", strings.Join(t.Evaluator.Command, " "))
	runErr := cmd.Run()

	if errors.Is(evalCtx.Err(), context.DeadlineExceeded) {
		return faultVerdict(fmt.Sprintf("evaluator timed out after %s", timeout),
			faultDetails(t, runErr, stderr.String()))
	}

	// The verdict on stdout is authoritative. Exit status only matters
	// when stdout is unusable; evaluators are free to exit non-zero on a
	// failing task.
	v, parseErr := parseVerdict(stdout.Bytes())
	if parseErr == nil {
		iv.logger.Debug("evaluator verdict", "task", t.Name, "passed", v.Passed)
		return v
	}

	msg := fmt.Sprintf("evaluator verdict unreadable: %v", parseErr)
	if runErr != nil {
		msg = fmt.Sprintf("evaluator failed: %v", runErr)
	}
	iv.logger.Warn("evaluator fault", "task", t.Name, "error", msg)
	return faultVerdict(msg, faultDetails(t, runErr, stderr.String()))
}

// parseVerdict decodes an evaluator's stdout. Accepts a verdict object or
// a bare boolean. Evaluators that print noise before the verdict are
// tolerated by falling back to the last non-empty line.
func parseVerdict(stdout []byte) (result.Verdict, error) {
	trimmed := strings.TrimSpace(string(stdout))
	if trimmed == "" {
		return result.Verdict{}, errors.New("evaluator produced no output")
	}
	v, err := decodeVerdict(trimmed)
	if err == nil {
		return v, nil
	}
	lines := strings.Split(trimmed, "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last != trimmed {
		if v, lastErr := decodeVerdict(last); lastErr == nil {
			return v, nil
		}
	}
	return result.Verdict{}, err
}

func decodeVerdict(s string) (result.Verdict, error) {
	if s == "null" {
		return result.Verdict{}, errors.New("verdict is null")
	}
	var passed bool
	if err := json.Unmarshal([]byte(s), &passed); err == nil {
		return result.Verdict{State: result.VerdictEvaluated, Passed: passed}, nil
	}
	var v struct {
		Passed   *bool          `json:"passed"`
		Feedback string         `json:"feedback"`
		Details  map[string]any `json:"details"`
	}
	if err := json.Unmarshal([]byte(s), &v); err != nil {
		return result.Verdict{}, fmt.Errorf("not a verdict: %w", err)
	}
	if v.Passed == nil {
		return result.Verdict{}, errors.New(`verdict JSON has no "passed" field`)
	}
	return result.Verdict{
		State:    result.VerdictEvaluated,
		Passed:   *v.Passed,
		Feedback: v.Feedback,
		Details:  v.Details,
	}, nil
}

func faultVerdict(msg string, details map[string]any) result.Verdict {
	return result.Verdict{State: result.VerdictErrored, Feedback: msg, Details: details}
}

// faultDetails collects the exit code and a summarized stderr for an
// errored verdict.
func faultDetails(t *task.Task, runErr error, stderr string) map[string]any {
	details := make(map[string]any)

	var ee *exec.ExitError
	if errors.As(runErr, &ee) {
		details["exit_code"] = ee.ExitCode()
	}

	summarizer := errsummary.NewSummarizer(summarizerSource(t.Evaluator.Command))
	if summary := summarizer.Summarize(stderr); len(summary) > 0 {
		details["stderr_summary"] = summary
	}

	if len(details) == 0 {
		return nil
	}
	return details
}

// summarizerSource picks an error summarizer from the evaluator command
// name.
func summarizerSource(command []string) string {
	if len(command) == 0 {
		return "shell"
	}
	base := filepath.Base(command[0])
	switch {
	case strings.Contains(base, "pytest"):
		return "pytest"
	case strings.Contains(base, "python"):
		return "python"
	case strings.Contains(base, "node"):
		return "node"
	default:
		return "shell"
	}
}
