// Package embedding abstracts the text-embedding backend behind the
// knowledge store. The store degrades to keyword search when no engine
// is configured, so every implementation here is optional.
package embedding

import (
	"context"
	"fmt"
	"math"
	"strings"
)

// Engine turns text into a dense vector.
type Engine interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
	Name() string
}

// Config selects and configures an engine.
type Config struct {
	Provider string // none, ollama, gemini, hash
	Endpoint string
	Model    string
	APIKey   string
}

// NewEngine builds the configured engine. Provider "none" (or empty)
// returns nil, which the store treats as keyword-only mode.
func NewEngine(cfg Config) (Engine, error) {
	switch strings.ToLower(cfg.Provider) {
	case "", "none":
		return nil, nil
	case "ollama":
		return NewOllamaEngine(cfg.Endpoint, cfg.Model), nil
	case "gemini":
		return NewGeminiEngine(cfg.APIKey, cfg.Model)
	case "hash":
		return NewHashEngine(64), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

// Cosine computes cosine similarity between two vectors, 0 on mismatch.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
