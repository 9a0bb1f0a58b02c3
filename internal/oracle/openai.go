package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// ChatConfig configures the networked decision-maker client.
type ChatConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultChatConfig returns sensible defaults for an OpenAI-compatible
// endpoint.
func DefaultChatConfig(apiKey string) ChatConfig {
	return ChatConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Model:   "gpt-4o",
		Timeout: 2 * time.Minute,
	}
}

// ChatClient implements Client against a chat-completions API with tool
// calling.
type ChatClient struct {
	cfg        ChatConfig
	httpClient *http.Client
	log        *zap.Logger
}

// NewChatClient creates a networked client.
func NewChatClient(cfg ChatConfig, log *zap.Logger) *ChatClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ChatClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
	}
}

// Wire types for the chat-completions protocol.

type wireFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

type wireTool struct {
	Type     string       `json:"type"`
	Function wireFunction `json:"function"`
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    *string        `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireRequest struct {
	Model      string        `json:"model"`
	Messages   []wireMessage `json:"messages"`
	Tools      []wireTool    `json:"tools,omitempty"`
	ToolChoice string        `json:"tool_choice,omitempty"`
}

type wireResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat sends one request and interprets the reply as a tagged Turn.
func (c *ChatClient) Chat(ctx context.Context, system string, msgs []Message, catalog []ToolDef) (Turn, error) {
	if c.cfg.APIKey == "" {
		return Turn{}, fmt.Errorf("decision-maker API key not configured")
	}
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	req := wireRequest{Model: c.cfg.Model, Messages: c.encode(system, msgs)}
	if len(catalog) > 0 {
		req.Tools = encodeCatalog(catalog)
		req.ToolChoice = "auto"
	}

	body, err := json.Marshal(req)
	if err != nil {
		return Turn{}, fmt.Errorf("marshal request: %w", err)
	}

	// Retry on rate limiting with exponential backoff.
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Turn{}, ctx.Err()
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			}
		}

		turn, retryable, err := c.doRequest(ctx, body)
		if err == nil {
			return turn, nil
		}
		lastErr = err
		if !retryable {
			return Turn{}, err
		}
		c.log.Warn("decision-maker request retrying", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return Turn{}, lastErr
}

func (c *ChatClient) doRequest(ctx context.Context, body []byte) (Turn, bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Turn{}, false, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Turn{}, true, fmt.Errorf("decision-maker request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Turn{}, true, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return Turn{}, true, fmt.Errorf("decision-maker status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}
	if resp.StatusCode != http.StatusOK {
		return Turn{}, false, fmt.Errorf("decision-maker status %d: %s", resp.StatusCode, truncate(string(data), 200))
	}

	var wire wireResponse
	if err := json.Unmarshal(data, &wire); err != nil {
		return Turn{}, false, fmt.Errorf("decode response: %w", err)
	}
	if wire.Error != nil {
		return Turn{}, false, fmt.Errorf("decision-maker error: %s", wire.Error.Message)
	}
	if len(wire.Choices) == 0 {
		return Turn{}, false, fmt.Errorf("decision-maker returned no choices")
	}

	return c.decode(wire.Choices[0].Message), false, nil
}

func (c *ChatClient) encode(system string, msgs []Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs)+1)
	if system != "" {
		s := system
		out = append(out, wireMessage{Role: "system", Content: &s})
	}
	for _, m := range msgs {
		wm := wireMessage{Role: m.Role, ToolCallID: m.ToolCallID}
		if len(m.ToolCalls) > 0 {
			wm.Content = nil
			for _, tc := range m.ToolCalls {
				args, _ := json.Marshal(tc.Args)
				wc := wireToolCall{ID: tc.ID, Type: "function"}
				wc.Function.Name = tc.Name
				wc.Function.Arguments = string(args)
				wm.ToolCalls = append(wm.ToolCalls, wc)
			}
		} else {
			content := m.Content
			wm.Content = &content
		}
		out = append(out, wm)
	}
	return out
}

// decode converts a wire message into a Turn. Malformed tool-call
// arguments become empty maps and are logged; they are never fatal.
func (c *ChatClient) decode(m wireMessage) Turn {
	if len(m.ToolCalls) == 0 {
		text := ""
		if m.Content != nil {
			text = *m.Content
		}
		return Turn{Text: text}
	}
	calls := make([]ToolCall, 0, len(m.ToolCalls))
	for _, wc := range m.ToolCalls {
		args := map[string]any{}
		raw := wc.Function.Arguments
		if raw != "" {
			if err := json.Unmarshal([]byte(raw), &args); err != nil {
				c.log.Warn("malformed tool-call arguments, treating as empty",
					zap.String("tool", wc.Function.Name),
					zap.String("arguments", truncate(raw, 200)))
				args = map[string]any{}
			}
		}
		calls = append(calls, ToolCall{ID: wc.ID, Name: wc.Function.Name, Args: args})
	}
	return Turn{Calls: calls}
}

func encodeCatalog(catalog []ToolDef) []wireTool {
	out := make([]wireTool, 0, len(catalog))
	for _, def := range catalog {
		params := map[string]any{
			"type":       "object",
			"properties": def.Schema.Properties,
			"required":   def.Schema.Required,
		}
		raw, _ := json.Marshal(params)
		out = append(out, wireTool{
			Type: "function",
			Function: wireFunction{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  raw,
			},
		})
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
