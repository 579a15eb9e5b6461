package controller

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemon07r/gauntlet/internal/protocol"
)

func TestSystemPrompt(t *testing.T) {
	t.Parallel()

	kinds := protocol.KindsForGroups(protocol.GroupShell)
	prompt := SystemPrompt("Create a file named hello.txt", kinds)

	assert.Contains(t, prompt, "Create a file named hello.txt")
	assert.Contains(t, prompt, "shell_execute")
	assert.Contains(t, prompt, "task_complete")
	assert.Contains(t, prompt, "action_type")
	// Browser actions are not part of a shell task's vocabulary.
	assert.NotContains(t, prompt, "browser_click")
}

func TestProgressNote(t *testing.T) {
	t.Parallel()

	note := ProgressNote(3, 10)
	assert.Equal(t, "[Progress update: iteration 3/10. Remaining iterations: 7.]", note)

	warning := ProgressNote(9, 10)
	assert.Contains(t, warning, "iteration 9/10")
	assert.Contains(t, warning, "task_complete as soon as possible")
}

func TestRenderFeedback(t *testing.T) {
	t.Parallel()

	out := RenderFeedback(protocol.Feedback{
		Done:    true,
		Message: "exit 0",
		Data:    map[string]any{"output": "hi\n", "exit_code": 0},
	})

	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, true, view["done"])
	assert.Equal(t, "exit 0", view["message"])
	data := view["data"].(map[string]any)
	assert.Equal(t, "hi\n", data["output"])
}

func TestRenderFeedbackMasksImages(t *testing.T) {
	t.Parallel()

	out := RenderFeedback(protocol.Feedback{
		Done:    true,
		Message: "screenshot taken",
		Data: map[string]any{
			"screenshot_base64": strings.Repeat("iVBORw0KGgo", 1000),
			"width":             1280,
		},
	})

	assert.Contains(t, out, "[image captured]")
	assert.NotContains(t, out, "iVBORw0KGgo")
	assert.Contains(t, out, "1280")
}
