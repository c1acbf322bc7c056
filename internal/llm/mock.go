package llm

import (
	"context"
	"sync"
)

// MockClient is the in-process provider used by tests and the "mock"
// configuration. Responses are scripted in order; the last one repeats.
type MockClient struct {
	mu        sync.Mutex
	responses []Response
	errs      []error
	calls     []Request
	next      int

	// CompleteFn, when set, overrides scripted behavior entirely.
	CompleteFn func(ctx context.Context, req Request) (*Response, error)
}

// NewMockClient returns a mock with a single generic response.
func NewMockClient() *MockClient {
	return &MockClient{
		responses: []Response{{
			Content: "mock response",
			Model:   "mock-model",
			Usage:   TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
		}},
	}
}

// Script replaces the response sequence.
func (m *MockClient) Script(responses ...Response) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = responses
	m.next = 0
	return m
}

// ScriptErrors queues errors returned before any scripted responses.
func (m *MockClient) ScriptErrors(errs ...error) *MockClient {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = errs
	return m
}

func (m *MockClient) Provider() string { return "mock" }

// Complete returns the next scripted response.
func (m *MockClient) Complete(ctx context.Context, req Request) (*Response, error) {
	if m.CompleteFn != nil {
		return m.CompleteFn(ctx, req)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)

	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return nil, err
	}
	if len(m.responses) == 0 {
		return &Response{Content: "mock response", Model: "mock-model"}, nil
	}

	idx := m.next
	if idx >= len(m.responses) {
		idx = len(m.responses) - 1
	}
	m.next++
	resp := m.responses[idx]
	return &resp, nil
}

// Calls returns a copy of every request seen.
func (m *MockClient) Calls() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount reports how many completions were requested.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
