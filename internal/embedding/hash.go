package embedding

import (
	"context"
	"hash/fnv"
	"strings"
)

// HashEngine is a deterministic offline engine for tests. Token hashes
// are bucketed into a fixed-width vector; similar texts share buckets.
type HashEngine struct {
	dims int
}

// NewHashEngine returns an engine producing dims-wide vectors.
func NewHashEngine(dims int) *HashEngine {
	if dims <= 0 {
		dims = 64
	}
	return &HashEngine{dims: dims}
}

// Embed produces a bag-of-tokens hash vector.
func (e *HashEngine) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, e.dims)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		h := fnv.New32a()
		h.Write([]byte(token))
		vec[int(h.Sum32())%e.dims]++
	}
	return vec, nil
}

func (e *HashEngine) Dimensions() int { return e.dims }

func (e *HashEngine) Name() string { return "hash" }
