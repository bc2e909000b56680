package agents

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rendis/leadflow/pkg/schema"
)

// ModelRequest is one single-turn completion.
type ModelRequest struct {
	System    string
	Prompt    string
	MaxTokens int
}

// ModelClient sends a prompt to a language model and returns its text reply.
type ModelClient interface {
	Complete(ctx context.Context, req ModelRequest) (string, error)
}

// ModelFunc adapts a function to ModelClient.
type ModelFunc func(ctx context.Context, req ModelRequest) (string, error)

func (f ModelFunc) Complete(ctx context.Context, req ModelRequest) (string, error) {
	return f(ctx, req)
}

const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens = 1024
	DefaultBaseURL   = "https://api.anthropic.com"

	anthropicVersion    = "2023-06-01"
	maxModelResponseLen = 1 << 20
)

// AnthropicConfig configures AnthropicClient.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int
	BaseURL   string
	// HTTPClient overrides the transport; nil uses a client with a 90s timeout.
	HTTPClient *http.Client
}

// AnthropicClient speaks the Anthropic Messages API.
type AnthropicClient struct {
	cfg    AnthropicConfig
	client *http.Client
}

// NewAnthropicClient validates cfg and fills defaults.
func NewAnthropicClient(cfg AnthropicConfig) (*AnthropicClient, error) {
	if cfg.APIKey == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "anthropic api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 90 * time.Second}
	}
	return &AnthropicClient{cfg: cfg, client: client}, nil
}

type messagesRequest struct {
	Model     string            `json:"model"`
	MaxTokens int               `json:"max_tokens"`
	System    string            `json:"system,omitempty"`
	Messages  []messagesMessage `json:"messages"`
}

type messagesMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Error *struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete sends req and returns the text of the first content block.
// A non-text first block yields "".
func (c *AnthropicClient) Complete(ctx context.Context, req ModelRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxTokens
	}
	body, err := json.Marshal(messagesRequest{
		Model:     c.cfg.Model,
		MaxTokens: maxTokens,
		System:    req.System,
		Messages:  []messagesMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal messages request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build messages request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.cfg.APIKey)
	httpReq.Header.Set("anthropic-version", anthropicVersion)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", schema.NewError(schema.ErrCodeTimeout, "model request cancelled").WithCause(err)
		}
		return "", schema.NewError(schema.ErrCodeExecution, "model request failed").WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxModelResponseLen))
	if err != nil {
		return "", schema.NewError(schema.ErrCodeExecution, "read model response").WithCause(err)
	}

	var parsed messagesResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", schema.NewErrorf(schema.ErrCodeExecution, "decode model response (status %d)", resp.StatusCode).WithCause(err)
	}
	if resp.StatusCode >= 300 {
		msg := http.StatusText(resp.StatusCode)
		if parsed.Error != nil {
			msg = parsed.Error.Type + ": " + parsed.Error.Message
		}
		return "", schema.NewErrorf(schema.ErrCodeExecution, "model API returned %d: %s", resp.StatusCode, msg).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}
	if len(parsed.Content) == 0 || parsed.Content[0].Type != "text" {
		return "", nil
	}
	return parsed.Content[0].Text, nil
}

var _ ModelClient = (*AnthropicClient)(nil)
