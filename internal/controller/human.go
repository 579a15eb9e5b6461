package controller

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/lemon07r/gauntlet/internal/protocol"
)

// Human reads actions interactively. Input forms:
//
//	{"action_type": "file_read", "path": "/etc/hostname"}   raw JSON action
//	finish [result text]                                    complete the task
//	any other line                                          shell_execute
//
// End of input finishes the task; the verdict still judges the run.
type Human struct {
	scanner *bufio.Scanner
	out     io.Writer
	seeded  bool
}

// NewHuman creates an interactive controller reading from in.
func NewHuman(in io.Reader, out io.Writer) *Human {
	return &Human{
		scanner: bufio.NewScanner(in),
		out:     out,
	}
}

// Name identifies the controller kind.
func (h *Human) Name() string { return "human" }

// Decide prompts for the next action. The first call prints the task
// briefing; later calls print the latest feedback.
func (h *Human) Decide(ctx context.Context, transcript []protocol.Message) (protocol.Action, error) {
	if !h.seeded {
		h.seeded = true
		if len(transcript) > 0 {
			fmt.Fprintln(h.out)
			fmt.Fprintln(h.out, transcript[0].Content)
		}
	} else if last := lastUserMessage(transcript); last != "" {
		fmt.Fprintln(h.out)
		fmt.Fprintln(h.out, last)
	}

	for {
		if err := ctx.Err(); err != nil {
			return protocol.Action{}, err
		}

		fmt.Fprint(h.out, "\naction> ")
		if !h.scanner.Scan() {
			if err := h.scanner.Err(); err != nil {
				return protocol.Action{}, err
			}
			fmt.Fprintln(h.out, "end of input, finishing task")
			return protocol.Finish(""), nil
		}

		line := strings.TrimSpace(h.scanner.Text())
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "{"):
			action, err := extractAction(line)
			if err != nil {
				fmt.Fprintf(h.out, "invalid action: %v\n", err)
				continue
			}
			return action, nil

		case line == "finish":
			return protocol.Finish(""), nil

		case strings.HasPrefix(line, "finish "):
			return protocol.Finish(strings.TrimSpace(strings.TrimPrefix(line, "finish "))), nil

		default:
			return protocol.NewAction(protocol.KindShellExecute, map[string]any{"command": line}), nil
		}
	}
}

// lastUserMessage returns the content of the most recent user turn.
func lastUserMessage(transcript []protocol.Message) string {
	for i := len(transcript) - 1; i >= 0; i-- {
		if transcript[i].Role == protocol.RoleUser {
			return transcript[i].Content
		}
	}
	return ""
}
