package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiEngine generates embeddings with the Gemini API.
type GeminiEngine struct {
	client *genai.Client
	model  string
}

// NewGeminiEngine builds a Gemini-backed engine.
func NewGeminiEngine(apiKey, model string) (*GeminiEngine, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini API key is required")
	}
	if model == "" {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &GeminiEngine{client: client, model: model}, nil
}

// Embed requests a single embedding.
func (e *GeminiEngine) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{genai.NewContentFromText(text, genai.RoleUser)}
	result, err := e.client.Models.EmbedContent(ctx, e.model, contents, &genai.EmbedContentConfig{
		TaskType: "SEMANTIC_SIMILARITY",
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("gemini returned no embeddings")
	}
	return result.Embeddings[0].Values, nil
}

func (e *GeminiEngine) Dimensions() int { return 768 }

func (e *GeminiEngine) Name() string { return "gemini:" + e.model }
