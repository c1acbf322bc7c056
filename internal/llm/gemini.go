package llm

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"google.golang.org/genai"
)

type geminiClient struct {
	client *genai.Client
	model  string
	logger *zap.Logger
}

func newGeminiClient(apiKey, model string, logger *zap.Logger) (*geminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiClient{client: client, model: model, logger: logger}, nil
}

func (c *geminiClient) Provider() string { return "gemini" }

func (c *geminiClient) Complete(ctx context.Context, req Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	cfg := &genai.GenerateContentConfig{}
	if req.Temperature != nil {
		cfg.Temperature = genai.Ptr(float32(*req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}

	var contents []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case "system":
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case "assistant":
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	result, err := c.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, NewTransientError(fmt.Errorf("gemini generate: %w", err))
	}

	text := result.Text()
	if text == "" {
		return nil, &ParseError{Detail: "gemini response has no text"}
	}

	usage := TokenUsage{}
	if result.UsageMetadata != nil {
		usage.PromptTokens = int(result.UsageMetadata.PromptTokenCount)
		usage.CompletionTokens = int(result.UsageMetadata.CandidatesTokenCount)
		usage.TotalTokens = int(result.UsageMetadata.TotalTokenCount)
	}

	c.logger.Debug("gemini completion",
		zap.String("model", model),
		zap.Int("total_tokens", usage.TotalTokens))

	return &Response{Content: text, Model: model, Usage: usage}, nil
}
