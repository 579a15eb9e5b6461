package sandbox

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lemon07r/gauntlet/internal/config"
	"github.com/lemon07r/gauntlet/internal/protocol"
)

func testConfig() config.SandboxConfig {
	return config.SandboxConfig{
		RequestTimeout:      5,
		MaxTransportRetries: 3,
		RetryBackoff:        0,
		ReadyTimeout:        5,
		PollInterval:        1,
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func writeFeedback(w http.ResponseWriter, status int, fb protocol.Feedback) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(fb)
}

func TestHealth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/sandbox", r.URL.Path)
		assert.Equal(t, http.MethodGet, r.Method)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testConfig(), testLogger())
	require.NoError(t, c.Health(context.Background()))
}

func TestHealthUnhealthy(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testConfig(), testLogger())
	assert.Error(t, c.Health(context.Background()))
}

func TestWaitReady(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testConfig(), testLogger())
	require.NoError(t, c.WaitReady(context.Background()))
}

func TestWaitReadyTimeout(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := testConfig()
	cfg.ReadyTimeout = 0
	c := NewClient(srv.URL, cfg, testLogger())
	assert.Error(t, c.WaitReady(context.Background()))
}

func TestDispatchShellCreatesSession(t *testing.T) {
	t.Parallel()

	var createCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/shell/create_session":
			createCalls++
			writeFeedback(w, http.StatusOK, protocol.Feedback{
				Done: true, Message: "session created",
				Data: map[string]any{"session_id": "s1"},
			})
		case "/v1/shell/shell_execute":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "shell_execute", body["action_type"])
			assert.Equal(t, "s1", body["session_id"])
			assert.Equal(t, "echo hi", body["command"])
			writeFeedback(w, http.StatusOK, protocol.Feedback{
				Done: true, Message: "exit 0",
				Data: map[string]any{"output": "hi\n", "exit_code": float64(0)},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testConfig(), testLogger())

	action := protocol.NewAction(protocol.KindShellExecute, map[string]any{"command": "echo hi"})
	fb, err := c.Dispatch(context.Background(), action)
	require.NoError(t, err)
	assert.True(t, fb.Done)
	assert.Equal(t, "hi\n", fb.Data["output"])

	// A second dispatch reuses the session.
	_, err = c.Dispatch(context.Background(), action)
	require.NoError(t, err)
	assert.Equal(t, 1, createCalls)
}

func TestDispatchSessionRecreatedOn404(t *testing.T) {
	t.Parallel()

	var createCalls, execCalls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/shell/create_session":
			createCalls++
			writeFeedback(w, http.StatusOK, protocol.Feedback{
				Done: true,
				Data: map[string]any{"session_id": "s" + string(rune('0'+createCalls))},
			})
		case "/v1/shell/shell_execute":
			execCalls++
			if execCalls == 1 {
				// Simulate an expired session.
				writeFeedback(w, http.StatusNotFound, protocol.Failure("session not found"))
				return
			}
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "s2", body["session_id"])
			writeFeedback(w, http.StatusOK, protocol.Feedback{Done: true, Message: "exit 0"})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testConfig(), testLogger())

	fb, err := c.Dispatch(context.Background(),
		protocol.NewAction(protocol.KindShellExecute, map[string]any{"command": "pwd"}))
	require.NoError(t, err)
	assert.True(t, fb.Done)
	assert.Equal(t, 2, createCalls)
	assert.Equal(t, 2, execCalls)
}

func TestDispatchActionFailureIsFeedback(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeFeedback(w, http.StatusInternalServerError,
			protocol.Failure("file not found: /nope"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testConfig(), testLogger())

	// A sandbox-side failure comes back as feedback, never as an error.
	fb, err := c.Dispatch(context.Background(),
		protocol.NewAction("file_read", map[string]any{"path": "/nope"}))
	require.NoError(t, err)
	assert.False(t, fb.Done)
	assert.Contains(t, fb.Message, "file not found")
}

func TestDispatchNonJSONErrorBody(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, testConfig(), testLogger())

	fb, err := c.Dispatch(context.Background(),
		protocol.NewAction("file_list", map[string]any{"path": "/"}))
	require.NoError(t, err)
	assert.False(t, fb.Done)
	assert.Contains(t, fb.Message, "HTTP 502")
}

func TestDispatchTransportRetryExhaustion(t *testing.T) {
	t.Parallel()

	// A server that is immediately closed leaves nothing listening.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(url, testConfig(), testLogger())

	_, err := c.Dispatch(context.Background(),
		protocol.NewAction("file_list", map[string]any{"path": "/"}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sandbox unreachable after 3 attempts")
}

func TestDispatchRejectsControlActions(t *testing.T) {
	t.Parallel()

	c := NewClient("http://127.0.0.1:1", testConfig(), testLogger())

	_, err := c.Dispatch(context.Background(), protocol.Finish("done"))
	assert.Error(t, err)

	_, err = c.Dispatch(context.Background(), protocol.NewAction("made_up_kind", nil))
	assert.Error(t, err)
}

func TestTruncateData(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("x", maxCommandOutput+100)
	data := map[string]any{"output": long, "exit_code": 0}
	truncateData(protocol.KindShellExecute, data)

	out := data["output"].(string)
	assert.True(t, strings.HasSuffix(out, truncationMark))
	assert.Len(t, out, maxCommandOutput+len(truncationMark))

	// Unknown kinds and short payloads pass through untouched.
	short := map[string]any{"output": "hi"}
	truncateData(protocol.KindShellExecute, short)
	assert.Equal(t, "hi", short["output"])

	other := map[string]any{"output": long}
	truncateData("browser_screenshot", other)
	assert.Equal(t, long, other["output"])
}

func TestTruncateFileContent(t *testing.T) {
	t.Parallel()

	long := strings.Repeat("y", maxFileContent*2)
	data := map[string]any{"content": long}
	truncateData("file_read", data)

	content := data["content"].(string)
	assert.True(t, strings.HasSuffix(content, truncationMark))
	assert.Len(t, content, maxFileContent+len(truncationMark))
}
