package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/lemon07r/gauntlet/internal/protocol"
	"github.com/lemon07r/gauntlet/internal/result"
)

// Replay re-issues the actions of a recorded run in order. Useful for
// re-driving a sandbox with known-good decisions when debugging task
// environments.
type Replay struct {
	actions []protocol.Action
	next    int
}

// NewReplay creates a replay controller over a fixed action sequence.
func NewReplay(actions []protocol.Action) *Replay {
	return &Replay{actions: actions}
}

// NewReplayFromSession loads the action sequence from a session directory
// or a result.json path.
func NewReplayFromSession(path string) (*Replay, error) {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, "result.json")
	}

	r, err := result.Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading replay source: %w", err)
	}
	if len(r.Trace) == 0 {
		return nil, fmt.Errorf("replay source %s has an empty trace", path)
	}

	actions := make([]protocol.Action, 0, len(r.Trace))
	for _, entry := range r.Trace {
		actions = append(actions, entry.Action)
	}

	return NewReplay(actions), nil
}

// Name identifies the controller kind.
func (r *Replay) Name() string { return "replay" }

// Decide returns the next recorded action. An exhausted replay finishes
// the run rather than stalling it.
func (r *Replay) Decide(ctx context.Context, transcript []protocol.Message) (protocol.Action, error) {
	if err := ctx.Err(); err != nil {
		return protocol.Action{}, err
	}

	if r.next >= len(r.actions) {
		return protocol.Finish(""), nil
	}

	action := r.actions[r.next]
	r.next++
	return action, nil
}
