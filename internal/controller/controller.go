// Package controller provides the decision-makers that drive the execution
// loop: LLM-backed, human-interactive, and trace replay.
package controller

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lemon07r/gauntlet/internal/config"
	"github.com/lemon07r/gauntlet/internal/protocol"
)

// Controller produces the next action for a run given the transcript so
// far. Implementations must not mutate the transcript and must be safe to
// re-invoke on the same transcript after a transient fault.
type Controller interface {
	Name() string
	Decide(ctx context.Context, transcript []protocol.Message) (protocol.Action, error)
}

// Usage is the token accounting a controller accumulates over a run.
// Counts are estimates when the backend reports none.
type Usage struct {
	Requests         int
	PromptTokens     int
	CompletionTokens int
}

// UsageReporter is implemented by controllers that track token usage.
type UsageReporter interface {
	Usage() Usage
}

// DecodeError reports controller output that could not be mapped to a
// single action. The execution loop treats it as an invalid action and
// gives the controller a corrective turn, never as a crash.
type DecodeError struct {
	Output string
	Err    error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("cannot decode action from controller output: %v", e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// New builds the named controller from its config profile. kinds is the
// action vocabulary the task exposes; LLM controllers offer it to the
// model as native tools.
func New(name string, cfg *config.Config, kinds []string, logger *slog.Logger) (Controller, error) {
	profile := cfg.Controller(name)
	if profile == nil {
		return nil, fmt.Errorf("unknown controller %q (available: %s)",
			name, strings.Join(cfg.ListControllers(), ", "))
	}

	switch profile.Kind {
	case "llm":
		return NewLLM(name, *profile, kinds, logger)
	case "human":
		return NewHuman(os.Stdin, os.Stdout), nil
	case "replay":
		return nil, fmt.Errorf("controller %q has kind replay; use --replay with a session directory instead", name)
	default:
		return nil, fmt.Errorf("controller %q has unknown kind %q", name, profile.Kind)
	}
}
