// Package loop implements the per-task execution loop: the controller
// decides one action per iteration, the sandbox executes it, and the
// (action, feedback) pair is appended to the trace until the controller
// declares completion or the iteration budget runs out.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/lemon07r/gauntlet/internal/controller"
	"github.com/lemon07r/gauntlet/internal/protocol"
	"github.com/lemon07r/gauntlet/internal/result"
	"github.com/lemon07r/gauntlet/internal/task"
)

// Sandbox executes well-formed actions against the task environment.
// *sandbox.Client satisfies it.
type Sandbox interface {
	Dispatch(ctx context.Context, action protocol.Action) (protocol.Feedback, error)
}

// Loop drives one task run to termination. A loop owns its sandbox and
// run record exclusively; construct a fresh one per run.
type Loop struct {
	task    *task.Task
	ctrl    controller.Controller
	sandbox Sandbox
	max     int
	logger  *slog.Logger

	// OnEntry, when set, observes every trace entry as it is recorded.
	// The run and batch commands use it for live terminal output.
	OnEntry func(r *result.RunResult, entry *protocol.TraceEntry)
}

// New creates a loop bound to one task, controller and sandbox. The
// caller resolves maxIterations (task value or config default) before
// constructing the loop.
func New(t *task.Task, ctrl controller.Controller, sb Sandbox, maxIterations int, logger *slog.Logger) *Loop {
	return &Loop{
		task:    t,
		ctrl:    ctrl,
		sandbox: sb,
		max:     maxIterations,
		logger:  logger,
	}
}

// Run executes the loop until a terminal status is reached. Faults that
// end the run are recorded on the result rather than returned; every run
// yields exactly one sealed result.
func (l *Loop) Run(ctx context.Context) *result.RunResult {
	r := result.New(l.task.Name, l.task.Instruction, string(l.task.Kind), l.ctrl.Name(), l.max)

	kinds := protocol.KindsForGroups(l.task.Groups()...)
	r.AddMessage(protocol.RoleSystem, controller.SystemPrompt(l.task.Instruction, kinds))

	status := l.run(ctx, r)

	if reporter, ok := l.ctrl.(controller.UsageReporter); ok {
		u := reporter.Usage()
		r.Usage = result.Usage{
			Requests:         u.Requests,
			PromptTokens:     u.PromptTokens,
			CompletionTokens: u.CompletionTokens,
		}
	}

	r.Complete(status)
	return r
}

func (l *Loop) run(ctx context.Context, r *result.RunResult) result.Status {
	for r.IterationsUsed < l.max {
		// Cancellation is honored between iterations only, never
		// mid-dispatch.
		if err := ctx.Err(); err != nil {
			reason := fmt.Sprintf("run cancelled before iteration %d: %v", r.IterationsUsed+1, err)
			l.logger.Warn("run cancelled", "task", l.task.Name, "iteration", r.IterationsUsed+1)
			r.Error = reason
			r.AddMessage(protocol.RoleSystem, reason)
			return result.StatusError
		}

		iteration := r.IterationsUsed + 1
		l.logger.Debug("requesting decision", "task", l.task.Name, "iteration", iteration, "max", l.max)

		started := time.Now()
		action, err := l.ctrl.Decide(ctx, r.Transcript)
		if err != nil {
			var decodeErr *controller.DecodeError
			if errors.As(err, &decodeErr) {
				// Controller contract violation: the turn is consumed
				// with synthetic feedback so the controller can recover
				// on the next iteration.
				l.logger.Warn("undecodable controller output", "task", l.task.Name, "iteration", iteration, "error", decodeErr.Err)
				l.recordInvalid(r, protocol.Action{}, decodeErr.Output,
					fmt.Sprintf("invalid action: %v", decodeErr.Err), time.Since(started))
				continue
			}
			reason := fmt.Sprintf("controller %s: %v", l.ctrl.Name(), err)
			l.logger.Error("controller fault", "task", l.task.Name, "error", err)
			r.Error = reason
			r.AddMessage(protocol.RoleSystem, reason)
			return result.StatusError
		}

		if err := protocol.Validate(action); err != nil {
			l.logger.Warn("invalid action", "task", l.task.Name, "iteration", iteration, "error", err)
			l.recordInvalid(r, action, "", fmt.Sprintf("invalid action: %v", err), time.Since(started))
			continue
		}

		if action.IsFinish() {
			fb := finishFeedback(action)
			r.AddEntry(action, fb, time.Since(started))
			r.AddMessage(protocol.RoleAssistant, actionJSON(action))
			r.FinalResult = action.String("result")
			l.notify(r)
			l.logger.Info("task completed", "task", l.task.Name, "iterations", r.IterationsUsed)
			return result.StatusSuccess
		}

		fb, err := l.sandbox.Dispatch(ctx, action)
		elapsed := time.Since(started)
		if err != nil {
			// Only transport retry exhaustion reaches here; action-level
			// failures come back as feedback.
			reason := fmt.Sprintf("sandbox: %v", err)
			l.logger.Error("sandbox unreachable", "task", l.task.Name, "error", err)
			r.AddEntry(action, protocol.Failure(reason), elapsed)
			r.AddMessage(protocol.RoleAssistant, actionJSON(action))
			l.notify(r)
			r.Error = reason
			return result.StatusError
		}

		r.AddEntry(action, fb, elapsed)
		r.AddMessage(protocol.RoleAssistant, actionJSON(action))
		r.AddMessage(protocol.RoleUser, l.feedbackPrompt(r, fb))
		l.notify(r)
	}

	l.logger.Info("iteration budget exhausted", "task", l.task.Name, "iterations", r.IterationsUsed)
	return result.StatusTimeout
}

// recordInvalid consumes one iteration for an action that never reached
// the sandbox. rawOutput carries the undecodable controller reply when
// there is no action to show.
func (l *Loop) recordInvalid(r *result.RunResult, action protocol.Action, rawOutput, reason string, elapsed time.Duration) {
	fb := protocol.Failure(reason)
	r.AddEntry(action, fb, elapsed)
	if rawOutput != "" {
		r.AddMessage(protocol.RoleAssistant, rawOutput)
	} else {
		r.AddMessage(protocol.RoleAssistant, actionJSON(action))
	}
	r.AddMessage(protocol.RoleUser, l.feedbackPrompt(r, fb))
	l.notify(r)
}

// feedbackPrompt renders feedback plus the progress note that seeds the
// next controller turn.
func (l *Loop) feedbackPrompt(r *result.RunResult, fb protocol.Feedback) string {
	return controller.RenderFeedback(fb) + "\n\n" + controller.ProgressNote(r.IterationsUsed, l.max)
}

func (l *Loop) notify(r *result.RunResult) {
	if l.OnEntry != nil {
		l.OnEntry(r, r.LastEntry())
	}
}

// finishFeedback synthesizes the terminal feedback for a finish action so
// the finish turn appends a trace pair like any other.
func finishFeedback(action protocol.Action) protocol.Feedback {
	fb := protocol.Feedback{Done: true, Message: "Task completed."}
	if res := action.String("result"); res != "" {
		fb.Message = "Task completed. Result: " + res
		fb.Data = map[string]any{"result": res}
	}
	return fb
}

func actionJSON(action protocol.Action) string {
	b, err := json.Marshal(action)
	if err != nil {
		return fmt.Sprintf("{%q: %q}", "action_type", action.Kind)
	}
	return string(b)
}
