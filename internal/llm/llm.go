// Package llm provides the synchronous model-completion client used by
// pipeline stages. Providers share one request/response shape; selection
// is by configuration or the ARTEMIS_LLM_PROVIDER variable.
package llm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"artemis/internal/config"

	"go.uber.org/zap"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"` // system, user, assistant
	Content string `json:"content"`
}

// Request is a completion request.
type Request struct {
	Messages    []Message `json:"messages"`
	Model       string    `json:"model,omitempty"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

// TokenUsage reports token consumption for one call.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completion result.
type Response struct {
	Content      string     `json:"content"`
	Model        string     `json:"model"`
	Usage        TokenUsage `json:"usage"`
	FinishReason string     `json:"finish_reason,omitempty"`
}

// Client is the synchronous completion contract consumed by stages.
type Client interface {
	Complete(ctx context.Context, req Request) (*Response, error)
	Provider() string
}

// maxResponseSize bounds provider response bodies.
const maxResponseSize = 10 * 1024 * 1024

// NewClient builds a provider client from configuration.
func NewClient(cfg config.LLMConfig, logger *zap.Logger) (Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 120 * time.Second
	}

	switch strings.ToLower(cfg.Provider) {
	case "openai":
		return newOpenAIClient(cfg.APIKey, cfg.Model, cfg.BaseURL, timeout, logger), nil
	case "anthropic":
		return newAnthropicClient(cfg.APIKey, cfg.Model, cfg.BaseURL, timeout, logger), nil
	case "gemini":
		return newGeminiClient(cfg.APIKey, cfg.Model, logger)
	case "mock", "":
		return NewMockClient(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}
