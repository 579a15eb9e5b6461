package controller

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemon07r/gauntlet/internal/protocol"
)

func TestHumanShellShorthand(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	h := NewHuman(strings.NewReader("ls -la\n"), &out)

	transcript := []protocol.Message{{Role: protocol.RoleSystem, Content: "briefing"}}
	action, err := h.Decide(context.Background(), transcript)
	require.NoError(t, err)
	assert.Equal(t, protocol.KindShellExecute, action.Kind)
	assert.Equal(t, "ls -la", action.Params["command"])

	// The first turn shows the briefing.
	assert.Contains(t, out.String(), "briefing")
}

func TestHumanFinish(t *testing.T) {
	t.Parallel()

	h := NewHuman(strings.NewReader("finish all done\n"), io.Discard)

	action, err := h.Decide(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, action.IsFinish())
	assert.Equal(t, "all done", action.String("result"))

	h = NewHuman(strings.NewReader("finish\n"), io.Discard)
	action, err = h.Decide(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, action.IsFinish())
	assert.Nil(t, action.Params)
}

func TestHumanRawJSON(t *testing.T) {
	t.Parallel()

	h := NewHuman(strings.NewReader(`{"action_type": "file_read", "path": "/etc/hostname"}`+"\n"), io.Discard)

	action, err := h.Decide(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "file_read", action.Kind)
	assert.Equal(t, "/etc/hostname", action.Params["path"])
}

func TestHumanRepromptsOnBadJSON(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	input := "{not json\nfinish\n"
	h := NewHuman(strings.NewReader(input), &out)

	action, err := h.Decide(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, action.IsFinish())
	assert.Contains(t, out.String(), "invalid action")
}

func TestHumanEOFFinishes(t *testing.T) {
	t.Parallel()

	h := NewHuman(strings.NewReader(""), io.Discard)

	action, err := h.Decide(context.Background(), nil)
	require.NoError(t, err)
	assert.True(t, action.IsFinish())
}

func TestHumanShowsLatestFeedback(t *testing.T) {
	t.Parallel()

	var out strings.Builder
	h := NewHuman(strings.NewReader("pwd\nfinish\n"), &out)

	transcript := []protocol.Message{{Role: protocol.RoleSystem, Content: "briefing"}}
	_, err := h.Decide(context.Background(), transcript)
	require.NoError(t, err)

	transcript = append(transcript,
		protocol.Message{Role: protocol.RoleAssistant, Content: `{"action_type":"shell_execute","command":"pwd"}`},
		protocol.Message{Role: protocol.RoleUser, Content: `{"done":true,"message":"/app"}`},
	)
	_, err = h.Decide(context.Background(), transcript)
	require.NoError(t, err)
	assert.Contains(t, out.String(), `/app`)
}
