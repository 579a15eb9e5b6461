package controller

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lemon07r/gauntlet/internal/protocol"
)

// imageKeys are feedback data fields that carry base64 image payloads.
// They stay in the trace for evaluators and the visualizer but are never
// inlined into prompts.
var imageKeys = map[string]bool{
	"image_base64":      true,
	"screenshot_base64": true,
}

// SystemPrompt builds the instruction+schema message that seeds every
// transcript. kinds is the action vocabulary available to this task.
func SystemPrompt(instruction string, kinds []string) string {
	var b strings.Builder

	b.WriteString("You are an autonomous agent operating a sandboxed environment. ")
	b.WriteString("You work in iterations: each turn you issue exactly one action and receive structured feedback before the next turn.\n\n")
	b.WriteString("Task:\n")
	b.WriteString(strings.TrimSpace(instruction))
	b.WriteString("\n\n")
	b.WriteString(protocol.Describe(kinds))
	b.WriteString("\nWhen the task is done, issue task_complete. ")
	b.WriteString("Reply with the JSON action only, no commentary.")

	return b.String()
}

// ProgressNote renders the iteration budget reminder appended to each
// feedback message.
func ProgressNote(iteration, max int) string {
	remaining := max - iteration
	note := fmt.Sprintf("[Progress update: iteration %d/%d. Remaining iterations: %d.]", iteration, max, remaining)
	if remaining <= 2 {
		note += " You are almost out of iterations; finish with task_complete as soon as possible."
	}
	return note
}

// RenderFeedback serializes feedback for the transcript. Image payloads
// are replaced with a placeholder so prompts stay text-only.
func RenderFeedback(fb protocol.Feedback) string {
	view := map[string]any{
		"done":    fb.Done,
		"message": fb.Message,
	}
	if len(fb.Data) > 0 {
		data := make(map[string]any, len(fb.Data))
		for k, v := range fb.Data {
			if imageKeys[k] {
				data[k] = "[image captured]"
				continue
			}
			data[k] = v
		}
		view["data"] = data
	}

	out, err := json.Marshal(view)
	if err != nil {
		return fmt.Sprintf(`{"done": %v, "message": %q}`, fb.Done, fb.Message)
	}
	return string(out)
}
