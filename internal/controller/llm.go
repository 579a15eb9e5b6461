package controller

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tiktoken-go/tokenizer"
	"golang.org/x/time/rate"

	"github.com/lemon07r/gauntlet/internal/config"
	"github.com/lemon07r/gauntlet/internal/protocol"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

// Transport fault handling towards the model API. Parse retries are
// config; transport retries are not worth a knob.
const (
	llmTransportRetries = 3
	llmInitialBackoff   = 2 * time.Second
)

// chatRequest is the OpenAI-compatible completion request body.
type chatRequest struct {
	Model       string             `json:"model"`
	Messages    []protocol.Message `json:"messages"`
	Tools       []chatTool         `json:"tools,omitempty"`
	Temperature float64            `json:"temperature,omitempty"`
}

// chatTool is one function definition offered to the model.
type chatTool struct {
	Type     string           `json:"type"`
	Function chatToolFunction `json:"function"`
}

type chatToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters,omitempty"`
}

// chatToolCall is one function invocation in a completion reply.
type chatToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// chatResponse is the subset of the completion response the harness reads.
type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []chatToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// chatReply is the decoded assistant turn: free text, native tool calls,
// or both.
type chatReply struct {
	Content   string
	ToolCalls []chatToolCall
}

// LLM drives runs through an OpenAI-compatible chat completion API.
type LLM struct {
	name         string
	baseURL      string
	apiKey       string
	model        string
	temperature  float64
	parseRetries int
	tools        []chatTool

	httpc   *http.Client
	logger  *slog.Logger
	limiter *rate.Limiter
	enc     tokenizer.Codec

	usage Usage
}

// NewLLM creates an LLM controller from a config profile. kinds selects
// which catalog actions are offered as native tools; models that ignore
// the tool definitions are still decoded through the free-text path.
func NewLLM(name string, cfg config.ControllerConfig, kinds []string, logger *slog.Logger) (*LLM, error) {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultOpenAIBase
	}

	apiKey := ""
	if cfg.APIKeyEnv != "" {
		apiKey = os.Getenv(cfg.APIKeyEnv)
	}
	if apiKey == "" {
		if cfg.BaseURL == "" {
			return nil, fmt.Errorf("controller %s: %s is not set", name, cfg.APIKeyEnv)
		}
		// Local OpenAI-compatible servers (vLLM, llama.cpp) accept any key.
		apiKey = "EMPTY"
	}

	if cfg.Model == "" {
		return nil, fmt.Errorf("controller %s: no model configured", name)
	}

	timeout := time.Duration(cfg.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	parseRetries := cfg.MaxParseRetries
	if parseRetries <= 0 {
		parseRetries = 2
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1)
	}

	// Token estimates only; requests work fine without an encoder.
	enc, err := tokenizer.Get(tokenizer.O200kBase)
	if err != nil {
		logger.Debug("tokenizer unavailable, falling back to rough estimates", "error", err)
		enc = nil
	}

	return &LLM{
		name:         name,
		baseURL:      baseURL,
		apiKey:       apiKey,
		model:        cfg.Model,
		temperature:  cfg.Temperature,
		parseRetries: parseRetries,
		tools:        toolDefs(kinds),
		httpc:        &http.Client{Timeout: timeout},
		logger:       logger,
		limiter:      limiter,
		enc:          enc,
	}, nil
}

// toolDefs derives OpenAI function definitions from the action catalog.
func toolDefs(kinds []string) []chatTool {
	tools := make([]chatTool, 0, len(kinds))
	for _, kind := range kinds {
		spec, ok := protocol.Catalog[kind]
		if !ok {
			continue
		}

		props := make(map[string]any, len(spec.Params))
		var required []string
		for name, p := range spec.Params {
			prop := map[string]any{"type": p.Type}
			if p.Desc != "" {
				prop["description"] = p.Desc
			}
			if len(p.Enum) > 0 {
				prop["enum"] = p.Enum
			}
			props[name] = prop
			if p.Required {
				required = append(required, name)
			}
		}
		sort.Strings(required)

		params := map[string]any{"type": "object", "properties": props}
		if len(required) > 0 {
			params["required"] = required
		}

		tools = append(tools, chatTool{
			Type: "function",
			Function: chatToolFunction{
				Name:        kind,
				Description: spec.Desc,
				Parameters:  params,
			},
		})
	}
	return tools
}

// Name returns the controller profile name.
func (l *LLM) Name() string { return l.name }

// Usage returns the accumulated token accounting.
func (l *LLM) Usage() Usage { return l.usage }

// Decide requests the next action from the model. Malformed replies get up
// to parseRetries corrective turns before Decide gives up with a
// DecodeError.
func (l *LLM) Decide(ctx context.Context, transcript []protocol.Message) (protocol.Action, error) {
	// Work on a copy; corrective turns never leak into the caller's
	// transcript.
	msgs := make([]protocol.Message, len(transcript), len(transcript)+2*l.parseRetries)
	copy(msgs, transcript)

	var lastOutput string
	var lastErr error

	for attempt := 0; attempt <= l.parseRetries; attempt++ {
		reply, err := l.complete(ctx, msgs)
		if err != nil {
			return protocol.Action{}, err
		}

		action, raw, err := l.decodeReply(reply)
		if err == nil {
			return action, nil
		}

		lastOutput = raw
		lastErr = err
		l.logger.Debug("unparsable controller reply",
			"attempt", attempt+1,
			"max", l.parseRetries+1,
			"error", err)

		msgs = append(msgs,
			protocol.Message{Role: protocol.RoleAssistant, Content: raw},
			protocol.Message{Role: protocol.RoleUser, Content: correctiveMessage(err)},
		)
	}

	return protocol.Action{}, &DecodeError{Output: lastOutput, Err: lastErr}
}

// decodeReply maps one assistant turn to an action: the first native tool
// call when present, the first JSON object in the text otherwise. It also
// returns the raw output for corrective turns and error reporting.
func (l *LLM) decodeReply(reply chatReply) (protocol.Action, string, error) {
	if len(reply.ToolCalls) > 0 {
		if extra := len(reply.ToolCalls) - 1; extra > 0 {
			names := make([]string, 0, extra)
			for _, tc := range reply.ToolCalls[1:] {
				names = append(names, tc.Function.Name)
			}
			l.logger.Warn("ignoring extra tool calls", "ignored", strings.Join(names, ","))
		}

		tc := reply.ToolCalls[0]
		raw := tc.Function.Name + " " + tc.Function.Arguments
		action, err := toolCallAction(tc)
		return action, raw, err
	}

	action, err := extractAction(reply.Content)
	return action, reply.Content, err
}

// toolCallAction flattens a function call into an action: the tool name
// becomes the kind and the decoded arguments its parameters.
func toolCallAction(tc chatToolCall) (protocol.Action, error) {
	if tc.Function.Name == "" {
		return protocol.Action{}, fmt.Errorf("tool call has no function name")
	}

	params := map[string]any{}
	if args := strings.TrimSpace(tc.Function.Arguments); args != "" && args != "null" {
		if err := json.Unmarshal([]byte(args), &params); err != nil {
			if err2 := json.Unmarshal([]byte(repairControlChars(args)), &params); err2 != nil {
				return protocol.Action{}, fmt.Errorf("parsing %s arguments: %w", tc.Function.Name, err)
			}
		}
	}

	return protocol.Normalize(protocol.NewAction(tc.Function.Name, params)), nil
}

// correctiveMessage tells the model what was wrong with its reply.
func correctiveMessage(err error) string {
	return fmt.Sprintf(
		"Your previous reply could not be used: %v. Reply with exactly one JSON object of the form "+
			`{"action_type": "<kind>", ...} and nothing else.`, err)
}

// complete performs one chat completion round trip with transport retries.
func (l *LLM) complete(ctx context.Context, msgs []protocol.Message) (chatReply, error) {
	if l.limiter != nil {
		if err := l.limiter.Wait(ctx); err != nil {
			return chatReply{}, err
		}
	}

	payload, err := json.Marshal(chatRequest{
		Model:       l.model,
		Messages:    msgs,
		Tools:       l.tools,
		Temperature: l.temperature,
	})
	if err != nil {
		return chatReply{}, fmt.Errorf("encoding completion request: %w", err)
	}

	var lastErr error
	backoff := llmInitialBackoff

	for attempt := 1; attempt <= llmTransportRetries; attempt++ {
		reply, usage, retryable, err := l.once(ctx, payload)
		if err == nil {
			l.usage.Requests++
			if usage.PromptTokens > 0 || usage.CompletionTokens > 0 {
				l.usage.PromptTokens += usage.PromptTokens
				l.usage.CompletionTokens += usage.CompletionTokens
			} else {
				// Local servers often omit usage; estimate instead.
				for _, m := range msgs {
					l.usage.PromptTokens += l.estimateTokens(m.Content)
				}
				l.usage.CompletionTokens += l.estimateTokens(reply.Content)
				for _, tc := range reply.ToolCalls {
					l.usage.CompletionTokens += l.estimateTokens(tc.Function.Arguments)
				}
			}
			return reply, nil
		}
		lastErr = err

		if !retryable || ctx.Err() != nil {
			return chatReply{}, err
		}

		l.logger.Warn("model request failed",
			"controller", l.name,
			"attempt", attempt,
			"max", llmTransportRetries,
			"error", err)

		if attempt < llmTransportRetries {
			select {
			case <-ctx.Done():
				return chatReply{}, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	return chatReply{}, fmt.Errorf("model unreachable after %d attempts: %w", llmTransportRetries, lastErr)
}

// tokenUsage is the backend-reported accounting for one request.
type tokenUsage struct {
	PromptTokens     int
	CompletionTokens int
}

// once performs a single HTTP round trip. The bool reports whether a
// failure is worth retrying.
func (l *LLM) once(ctx context.Context, payload []byte) (chatReply, tokenUsage, bool, error) {
	var none tokenUsage

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return chatReply{}, none, false, err
	}
	req.Header.Set("Authorization", "Bearer "+l.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.New().String())

	resp, err := l.httpc.Do(req)
	if err != nil {
		return chatReply{}, none, true, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return chatReply{}, none, true, fmt.Errorf("reading completion response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
		return chatReply{}, none, retryable, fmt.Errorf("completion returned HTTP %d: %s", resp.StatusCode, errorExcerpt(body))
	}

	var cr chatResponse
	if err := json.Unmarshal(body, &cr); err != nil {
		return chatReply{}, none, true, fmt.Errorf("decoding completion response: %w", err)
	}
	if cr.Error != nil {
		return chatReply{}, none, false, fmt.Errorf("completion error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 {
		return chatReply{}, none, false, fmt.Errorf("completion returned no choices")
	}

	usage := tokenUsage{
		PromptTokens:     cr.Usage.PromptTokens,
		CompletionTokens: cr.Usage.CompletionTokens,
	}

	msg := cr.Choices[0].Message
	return chatReply{Content: msg.Content, ToolCalls: msg.ToolCalls}, usage, false, nil
}

// estimateTokens counts tokens with the encoder, or approximates at four
// characters per token.
func (l *LLM) estimateTokens(text string) int {
	if l.enc != nil {
		if n, err := l.enc.Count(text); err == nil {
			return n
		}
	}
	return len(text) / 4
}

// errorExcerpt trims an API error body for the log line.
func errorExcerpt(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 300 {
		s = s[:300] + "..."
	}
	return s
}

// extractAction maps model output to a single action. It tolerates code
// fences, tool-call tags and surrounding prose, parses the first complete
// JSON object, and normalizes nested parameters.
func extractAction(content string) (protocol.Action, error) {
	raw, err := firstJSONObject(content)
	if err != nil {
		return protocol.Action{}, err
	}

	var action protocol.Action
	if err := json.Unmarshal([]byte(raw), &action); err != nil {
		// Models pasting code into string values often leave literal
		// newlines and tabs behind.
		if err2 := json.Unmarshal([]byte(repairControlChars(raw)), &action); err2 != nil {
			return protocol.Action{}, fmt.Errorf("parsing action JSON: %w", err)
		}
	}

	action = protocol.Normalize(action)
	if action.Kind == "" {
		return protocol.Action{}, fmt.Errorf("action JSON has no action_type")
	}

	return action, nil
}

// repairControlChars escapes literal control characters inside JSON string
// values so replies carrying raw newlines or tabs still parse.
func repairControlChars(s string) string {
	var b strings.Builder
	b.Grow(len(s) + 16)

	inString := false
	escaped := false

	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case escaped:
			b.WriteByte(c)
			escaped = false
		case c == '\\':
			b.WriteByte(c)
			escaped = true
		case c == '"':
			b.WriteByte(c)
			inString = !inString
		case inString && c < 0x20:
			switch c {
			case '\n':
				b.WriteString(`\n`)
			case '\r':
				b.WriteString(`\r`)
			case '\t':
				b.WriteString(`\t`)
			case '\b':
				b.WriteString(`\b`)
			case '\f':
				b.WriteString(`\f`)
			default:
				fmt.Fprintf(&b, `\u%04x`, c)
			}
		default:
			b.WriteByte(c)
		}
	}

	return b.String()
}

// firstJSONObject returns the first balanced top-level JSON object in s.
func firstJSONObject(s string) (string, error) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", fmt.Errorf("no JSON object found")
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(s); i++ {
		c := s[i]

		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], nil
			}
		}
	}

	return "", fmt.Errorf("unterminated JSON object")
}
