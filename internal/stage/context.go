package stage

import (
	"sync"
)

// Well-known context keys shared across stages. Stages otherwise only
// write keys they own.
const (
	KeyPlan               = "workflow_plan"
	KeyRecommendations    = "recommendations"
	KeyDeveloperResults   = "developer_results"
	KeyWinningDeveloper   = "winning_developer"
	KeyPreviousReviewFeed = "previous_review_feedback"
	KeyRetryHistory       = "retry_history"
)

// Context is the mapping threaded through all stages of one pipeline
// run. Writes are additive; stage results live in their own sub-map
// keyed by stage name. Safe for concurrent use by parallel developer
// workers.
type Context struct {
	mu      sync.RWMutex
	values  map[string]any
	results map[Name]Result
}

// NewContext creates a context seeded with the given values. A nil
// seed is fine.
func NewContext(seed map[string]any) *Context {
	c := &Context{
		values:  make(map[string]any),
		results: make(map[Name]Result),
	}
	for k, v := range seed {
		c.values[k] = v
	}
	return c
}

// Set stores a value under key.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = value
}

// Get returns the value under key.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// GetString returns the string under key, or "".
func (c *Context) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

// Delete removes a key. Only the strategy uses this, to clear retry
// carry-over between attempts.
func (c *Context) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Merge applies all entries of doc. Additive: existing keys not named
// in doc are untouched.
func (c *Context) Merge(doc map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range doc {
		c.values[k] = v
	}
}

// SetResult records a stage's result document.
func (c *Context) SetResult(name Name, r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[name] = r
}

// Result returns the recorded result for a stage.
func (c *Context) Result(name Name) (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[name]
	return r, ok
}

// Results returns a copy of the per-stage result map.
func (c *Context) Results() map[Name]Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[Name]Result, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// Snapshot returns a shallow copy of the value map plus stage results
// under "results". Callers must not mutate nested documents.
func (c *Context) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values)+1)
	for k, v := range c.values {
		out[k] = v
	}
	if len(c.results) > 0 {
		results := make(map[string]any, len(c.results))
		for k, v := range c.results {
			results[string(k)] = map[string]any(v)
		}
		out["results"] = results
	}
	return out
}
