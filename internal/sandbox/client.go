// Package sandbox provides the HTTP client for dispatching actions to a
// sandbox container.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/lemon07r/gauntlet/internal/config"
	"github.com/lemon07r/gauntlet/internal/protocol"
)

// Truncation limits for oversized feedback payloads, in characters.
const (
	maxFileContent   = 5000
	maxDOMText       = 8000
	maxDOMHTML       = 12000
	maxCommandOutput = 10000
)

const truncationMark = "\n...[truncated]"

// Client talks to one sandbox container. Clients are never shared between
// runs; each run provisions its own sandbox.
type Client struct {
	baseURL      string
	healthPath   string
	httpc        *http.Client
	logger       *slog.Logger
	maxRetries   int
	backoff      time.Duration
	readyTimeout time.Duration
	pollInterval time.Duration

	sessionID string
}

// NewClient creates a client for the sandbox at baseURL.
func NewClient(baseURL string, cfg config.SandboxConfig, logger *slog.Logger) *Client {
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = "/v1/sandbox"
	}
	return &Client{
		baseURL:      baseURL,
		healthPath:   healthPath,
		httpc:        &http.Client{Timeout: time.Duration(cfg.RequestTimeout) * time.Second},
		logger:       logger,
		maxRetries:   cfg.MaxTransportRetries,
		backoff:      time.Duration(cfg.RetryBackoff) * time.Second,
		readyTimeout: time.Duration(cfg.ReadyTimeout) * time.Second,
		pollInterval: time.Duration(cfg.PollInterval) * time.Second,
	}
}

// BaseURL returns the sandbox endpoint, for handing to evaluators.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks the sandbox health endpoint once.
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+c.healthPath, nil)
	if err != nil {
		return err
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sandbox health returned HTTP %d", resp.StatusCode)
	}
	return nil
}

// WaitReady polls the health endpoint until the sandbox responds or the
// ready timeout elapses.
func (c *Client) WaitReady(ctx context.Context) error {
	deadline := time.Now().Add(c.readyTimeout)
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	for {
		if err := c.Health(ctx); err == nil {
			c.logger.Debug("sandbox ready", "url", c.baseURL)
			return nil
		} else {
			c.logger.Debug("sandbox not ready yet", "url", c.baseURL, "error", err)
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("sandbox at %s not ready after %s", c.baseURL, c.readyTimeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Dispatch sends one action to the sandbox and returns its feedback.
// Transport failures are retried with exponential backoff; when the retry
// budget is exhausted the error is fatal to the run. Action-level failures
// come back as ordinary feedback with done=false.
func (c *Client) Dispatch(ctx context.Context, action protocol.Action) (protocol.Feedback, error) {
	group, ok := protocol.Group(action.Kind)
	if !ok || group == protocol.GroupControl {
		return protocol.Feedback{}, fmt.Errorf("action %s is not dispatchable", action.Kind)
	}

	if action.Kind == protocol.KindShellExecute {
		if err := c.ensureSession(ctx); err != nil {
			return protocol.Feedback{}, err
		}
		action = withSession(action, c.sessionID)
	}

	fb, status, err := c.postAction(ctx, group, action)
	if err != nil {
		return protocol.Feedback{}, err
	}

	// Shell sessions expire when the sandbox restarts its shell worker.
	// Recreate once and replay the command.
	if status == http.StatusNotFound && action.Kind == protocol.KindShellExecute {
		c.logger.Debug("shell session expired, recreating", "session", c.sessionID)
		c.sessionID = ""
		if err := c.ensureSession(ctx); err != nil {
			return protocol.Feedback{}, err
		}
		action = withSession(action, c.sessionID)
		fb, _, err = c.postAction(ctx, group, action)
		if err != nil {
			return protocol.Feedback{}, err
		}
	}

	truncateData(action.Kind, fb.Data)

	return fb, nil
}

// postAction posts an action to its group endpoint with transport retries.
func (c *Client) postAction(ctx context.Context, group string, action protocol.Action) (protocol.Feedback, int, error) {
	path := fmt.Sprintf("/v1/%s/%s", group, action.Kind)

	payload, err := json.Marshal(action)
	if err != nil {
		return protocol.Feedback{}, 0, fmt.Errorf("encoding action: %w", err)
	}

	var lastErr error
	backoff := c.backoff

	for attempt := 1; attempt <= c.maxRetries; attempt++ {
		fb, status, err := c.post(ctx, path, payload)
		if err == nil {
			return fb, status, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return protocol.Feedback{}, 0, ctx.Err()
		}

		c.logger.Warn("sandbox request failed",
			"action", action.Kind,
			"attempt", attempt,
			"max", c.maxRetries,
			"error", err)

		if attempt < c.maxRetries {
			select {
			case <-ctx.Done():
				return protocol.Feedback{}, 0, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > 30*time.Second {
				backoff = 30 * time.Second
			}
		}
	}

	return protocol.Feedback{}, 0, fmt.Errorf("sandbox unreachable after %d attempts: %w", c.maxRetries, lastErr)
}

// post performs a single HTTP round trip and decodes the feedback envelope.
func (c *Client) post(ctx context.Context, path string, payload []byte) (protocol.Feedback, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return protocol.Feedback{}, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return protocol.Feedback{}, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return protocol.Feedback{}, 0, fmt.Errorf("reading sandbox response: %w", err)
	}

	var fb protocol.Feedback
	if err := json.Unmarshal(body, &fb); err != nil {
		// Non-JSON error bodies still count as a served request, not a
		// transport failure.
		fb = protocol.Failure(fmt.Sprintf("sandbox returned HTTP %d: %s", resp.StatusCode, excerptBody(body)))
	}

	return fb, resp.StatusCode, nil
}

// ensureSession creates the shell session on first use.
func (c *Client) ensureSession(ctx context.Context) error {
	if c.sessionID != "" {
		return nil
	}

	fb, status, err := c.postAction(ctx, protocol.GroupShell, protocol.NewAction("create_session", nil))
	if err != nil {
		return fmt.Errorf("creating shell session: %w", err)
	}
	if status != http.StatusOK || !fb.Done {
		return fmt.Errorf("creating shell session: %s", fb.Message)
	}

	id, _ := fb.Data["session_id"].(string)
	if id == "" {
		return fmt.Errorf("sandbox returned no session id")
	}
	c.sessionID = id
	c.logger.Debug("shell session created", "session", id)

	return nil
}

// withSession returns a copy of action carrying the shell session id.
func withSession(action protocol.Action, sessionID string) protocol.Action {
	params := make(map[string]any, len(action.Params)+1)
	for k, v := range action.Params {
		params[k] = v
	}
	params["session_id"] = sessionID
	return protocol.Action{Kind: action.Kind, Params: params}
}

// truncateData caps oversized string payloads in place.
func truncateData(kind string, data map[string]any) {
	if len(data) == 0 {
		return
	}

	limits := map[string]int{}
	switch kind {
	case protocol.KindShellExecute, protocol.KindCodeExecute:
		limits["output"] = maxCommandOutput
		limits["stdout"] = maxCommandOutput
		limits["stderr"] = maxCommandOutput
	case "file_read", "str_replace_editor":
		limits["content"] = maxFileContent
	case "dom_get_text":
		limits["text"] = maxDOMText
	case "dom_get_html":
		limits["html"] = maxDOMHTML
	default:
		return
	}

	for field, limit := range limits {
		s, ok := data[field].(string)
		if !ok {
			continue
		}
		runes := []rune(s)
		if len(runes) > limit {
			data[field] = string(runes[:limit]) + truncationMark
		}
	}
}

// excerptBody trims an error body for inclusion in a feedback message.
func excerptBody(body []byte) string {
	const max = 200
	s := string(body)
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
