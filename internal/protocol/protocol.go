// Package protocol defines the action/feedback vocabulary shared between
// controllers and sandboxes.
package protocol

import (
	"encoding/json"
	"time"
)

// Transcript roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Action is a single typed request issued by a controller. Params are
// kind-specific and validated against the catalog before dispatch.
type Action struct {
	Kind   string
	Params map[string]any
}

// NewAction builds an action for the given kind.
func NewAction(kind string, params map[string]any) Action {
	return Action{Kind: kind, Params: params}
}

// Finish builds the terminal task_complete action. An empty result omits
// the result parameter.
func Finish(result string) Action {
	if result == "" {
		return Action{Kind: KindFinish}
	}
	return Action{Kind: KindFinish, Params: map[string]any{"result": result}}
}

// IsFinish reports whether the action is the terminal completion signal.
func (a Action) IsFinish() bool {
	return a.Kind == KindFinish
}

// String returns a string parameter, or "" if absent or not a string.
func (a Action) String(name string) string {
	s, _ := a.Params[name].(string)
	return s
}

// MarshalJSON flattens params alongside action_type, the wire format
// sandboxes expect: {"action_type": "shell_execute", "command": "ls"}.
func (a Action) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(a.Params)+1)
	for k, v := range a.Params {
		if k != "action_type" {
			m[k] = v
		}
	}
	m["action_type"] = a.Kind
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (a *Action) UnmarshalJSON(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	kind, _ := m["action_type"].(string)
	delete(m, "action_type")
	a.Kind = kind
	a.Params = nil
	if len(m) > 0 {
		a.Params = m
	}
	return nil
}

// Normalize flattens a nested "parameters" object into the top-level
// params. Models frequently wrap arguments this way. Top-level keys win
// over nested ones.
func Normalize(a Action) Action {
	nested, ok := a.Params["parameters"].(map[string]any)
	if !ok {
		return a
	}
	params := make(map[string]any, len(a.Params)+len(nested))
	for k, v := range nested {
		params[k] = v
	}
	for k, v := range a.Params {
		if k != "parameters" {
			params[k] = v
		}
	}
	return Action{Kind: a.Kind, Params: params}
}

// Feedback is the sandbox's structured response to an action. Done means
// the sub-action's effect is complete; it never terminates the loop by
// itself.
type Feedback struct {
	Done    bool           `json:"done"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Failure builds feedback reporting a failed action.
func Failure(message string) Feedback {
	return Feedback{Done: false, Message: message}
}

// Message is one turn of the controller transcript.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TraceEntry is one (action, feedback) pair of the execution trace.
type TraceEntry struct {
	Index    int           `json:"index"`
	Action   Action        `json:"action"`
	Feedback Feedback      `json:"feedback"`
	Elapsed  time.Duration `json:"elapsed_ns"`
}
