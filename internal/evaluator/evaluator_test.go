package evaluator

import (
	"context"
	"embed"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemon07r/gauntlet/internal/result"
	"github.com/lemon07r/gauntlet/internal/task"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// writeEvalTask lays out an external task directory whose evaluator is a
// shell script, and returns a loader rooted there plus the task.
func writeEvalTask(t *testing.T, script string) (*task.Loader, *task.Task) {
	t.Helper()
	root := t.TempDir()
	dir := filepath.Join(root, "sample")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "eval.sh"), []byte(script), 0o755))

	tk := &task.Task{
		Name:          "sample",
		Instruction:   "do the thing",
		Kind:          task.Shell,
		MaxIterations: 5,
		Evaluator:     task.EvaluatorSpec{Command: []string{"sh", "eval.sh"}},
	}
	return task.NewLoader(embed.FS{}, root), tk
}

func sealedRun() *result.RunResult {
	r := result.New("sample", "do the thing", "shell", "scripted", 5)
	r.Complete(result.StatusSuccess)
	return r
}

func TestEvaluatePassingVerdict(t *testing.T) {
	t.Parallel()
	requireSh(t)

	loader, tk := writeEvalTask(t, `#!/bin/sh
cat > /dev/null
echo '{"passed": true, "feedback": "looks good", "details": {"checked": 1}}'
`)
	v := NewInvoker(loader, testLogger).Evaluate(context.Background(), tk, sealedRun(), "")

	assert.Equal(t, result.VerdictEvaluated, v.State)
	assert.True(t, v.Passed)
	assert.Equal(t, "looks good", v.Feedback)
	assert.Equal(t, float64(1), v.Details["checked"])
}

func TestEvaluateFailingVerdict(t *testing.T) {
	t.Parallel()
	requireSh(t)

	loader, tk := writeEvalTask(t, `#!/bin/sh
cat > /dev/null
echo '{"passed": false, "feedback": "no output found"}'
`)
	v := NewInvoker(loader, testLogger).Evaluate(context.Background(), tk, sealedRun(), "")

	assert.Equal(t, result.VerdictEvaluated, v.State)
	assert.False(t, v.Passed)
	assert.Equal(t, "no output found", v.Feedback)
}

func TestEvaluateReceivesRunResultOnStdin(t *testing.T) {
	t.Parallel()
	requireSh(t)

	loader, tk := writeEvalTask(t, `#!/bin/sh
name=$(sed -n 's/.*"task_name":"\([^"]*\)".*/\1/p' | head -1)
echo "{\"passed\": true, \"feedback\": \"saw $name\"}"
`)
	v := NewInvoker(loader, testLogger).Evaluate(context.Background(), tk, sealedRun(), "")

	require.Equal(t, result.VerdictEvaluated, v.State)
	assert.Equal(t, "saw sample", v.Feedback)
}

func TestEvaluateNonZeroExitWithVerdict(t *testing.T) {
	t.Parallel()
	requireSh(t)

	// Evaluators may exit non-zero on a failing task; stdout still rules.
	loader, tk := writeEvalTask(t, `#!/bin/sh
cat > /dev/null
echo '{"passed": false, "feedback": "nope"}'
exit 1
`)
	v := NewInvoker(loader, testLogger).Evaluate(context.Background(), tk, sealedRun(), "")

	assert.Equal(t, result.VerdictEvaluated, v.State)
	assert.False(t, v.Passed)
}

func TestEvaluateFaultIsErroredVerdict(t *testing.T) {
	t.Parallel()
	requireSh(t)

	loader, tk := writeEvalTask(t, `#!/bin/sh
cat > /dev/null
echo "Traceback (most recent call last):" 1>&2
echo "ValueError: bad trace" 1>&2
exit 2
`)
	v := NewInvoker(loader, testLogger).Evaluate(context.Background(), tk, sealedRun(), "")

	assert.Equal(t, result.VerdictErrored, v.State)
	assert.False(t, v.Passed)
	assert.Contains(t, v.Feedback, "evaluator failed")
	require.NotNil(t, v.Details)
	assert.Equal(t, 2, v.Details["exit_code"])
	assert.NotEmpty(t, v.Details["stderr_summary"])
}

func TestEvaluateSpawnError(t *testing.T) {
	t.Parallel()

	loader, tk := writeEvalTask(t, "")
	tk.Evaluator.Command = []string{filepath.Join(t.TempDir(), "missing-evaluator")}

	v := NewInvoker(loader, testLogger).Evaluate(context.Background(), tk, sealedRun(), "")

	assert.Equal(t, result.VerdictErrored, v.State)
	assert.Contains(t, v.Feedback, "evaluator failed")
}

func TestEvaluateTimeout(t *testing.T) {
	t.Parallel()
	requireSh(t)

	loader, tk := writeEvalTask(t, `#!/bin/sh
sleep 30
`)
	tk.Evaluator.Timeout = 1

	v := NewInvoker(loader, testLogger).Evaluate(context.Background(), tk, sealedRun(), "")

	assert.Equal(t, result.VerdictErrored, v.State)
	assert.Contains(t, v.Feedback, "timed out")
}

func TestEvaluateSkippedWithoutEvaluator(t *testing.T) {
	t.Parallel()

	loader, tk := writeEvalTask(t, "")
	tk.Evaluator = task.EvaluatorSpec{}

	v := NewInvoker(loader, testLogger).Evaluate(context.Background(), tk, sealedRun(), "")

	assert.Equal(t, result.VerdictSkipped, v.State)
	assert.False(t, v.Passed)
}

func TestEvaluateSandboxURLEnv(t *testing.T) {
	t.Parallel()
	requireSh(t)

	loader, tk := writeEvalTask(t, `#!/bin/sh
cat > /dev/null
echo "{\"passed\": true, \"feedback\": \"url=$SANDBOX_URL\"}"
`)
	tk.Evaluator.NeedsSandbox = true

	v := NewInvoker(loader, testLogger).Evaluate(context.Background(), tk, sealedRun(), "http://127.0.0.1:18080")

	require.Equal(t, result.VerdictEvaluated, v.State)
	assert.Equal(t, "url=http://127.0.0.1:18080", v.Feedback)
}

func TestParseVerdict(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		stdout  string
		want    result.Verdict
		wantErr bool
	}{
		{
			name:   "object",
			stdout: `{"passed": true, "feedback": "ok"}`,
			want:   result.Verdict{State: result.VerdictEvaluated, Passed: true, Feedback: "ok"},
		},
		{
			name:   "bare true",
			stdout: "true",
			want:   result.Verdict{State: result.VerdictEvaluated, Passed: true},
		},
		{
			name:   "bare false",
			stdout: "false\n",
			want:   result.Verdict{State: result.VerdictEvaluated, Passed: false},
		},
		{
			name:   "noise before verdict",
			stdout: "collecting checks...\n{\"passed\": true}",
			want:   result.Verdict{State: result.VerdictEvaluated, Passed: true},
		},
		{name: "empty", stdout: "   \n", wantErr: true},
		{name: "null", stdout: "null", wantErr: true},
		{name: "garbage", stdout: "Segmentation fault", wantErr: true},
		{name: "object without passed", stdout: `{"feedback": "hm"}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseVerdict([]byte(tt.stdout))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSummarizerSource(t *testing.T) {
	t.Parallel()

	tests := []struct {
		command []string
		want    string
	}{
		{[]string{"python3", "test.py"}, "python"},
		{[]string{"/usr/bin/python3.12", "test.py"}, "python"},
		{[]string{"pytest", "-q"}, "pytest"},
		{[]string{"node", "check.js"}, "node"},
		{[]string{"sh", "eval.sh"}, "shell"},
		{nil, "shell"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, summarizerSource(tt.command), "command %v", tt.command)
	}
}
