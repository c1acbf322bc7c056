package messenger

import (
	"context"
	"sync"
	"time"
)

// MockMessenger is the in-memory test backend. Sends are recorded
// synchronously; reads drain a scripted inbox.
type MockMessenger struct {
	mu     sync.Mutex
	agent  string
	sent   []Message
	inbox  []Message
	state  map[string]map[string]any
	agents map[string]AgentInfo
	closed bool
}

// NewMockMessenger builds an empty mock for the given agent.
func NewMockMessenger(agent string) *MockMessenger {
	return &MockMessenger{
		agent:  agent,
		state:  make(map[string]map[string]any),
		agents: make(map[string]AgentInfo),
	}
}

// Type reports the backend name.
func (m *MockMessenger) Type() string { return "mock" }

// Close marks the mock closed.
func (m *MockMessenger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Send records the message and returns its id.
func (m *MockMessenger) Send(_ context.Context, to string, mtype MessageType, data map[string]any, cardID string, priority Priority, metadata map[string]any) (string, error) {
	now := time.Now().UTC()
	msg := Message{
		ProtocolVersion: ProtocolVersion,
		MessageID:       newMessageID(now, m.agent, data),
		Timestamp:       now,
		FromAgent:       m.agent,
		ToAgent:         to,
		MessageType:     mtype,
		CardID:          cardID,
		Priority:        priority,
		Data:            data,
		Metadata:        metadata,
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, msg)
	return msg.MessageID, nil
}

// Sent returns a copy of everything sent through the mock.
func (m *MockMessenger) Sent() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Message, len(m.sent))
	copy(out, m.sent)
	return out
}

// Enqueue scripts a message into the inbox for later Read calls.
func (m *MockMessenger) Enqueue(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = append(m.inbox, msg)
}

// Read filters the scripted inbox, removing matches when consume is
// set.
func (m *MockMessenger) Read(_ context.Context, filter Filter, consume bool) ([]Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Message
	var remaining []Message
	for _, msg := range m.inbox {
		if filter.matches(msg) {
			out = append(out, msg)
			if !consume {
				remaining = append(remaining, msg)
			}
			continue
		}
		remaining = append(remaining, msg)
	}
	m.inbox = remaining
	return out, nil
}

// UpdateSharedState merges into the in-memory card document.
func (m *MockMessenger) UpdateSharedState(_ context.Context, cardID string, updates map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	doc, ok := m.state[cardID]
	if !ok {
		doc = make(map[string]any)
		m.state[cardID] = doc
	}
	for k, v := range updates {
		doc[k] = v
	}
	return nil
}

// SharedState reads one card document, or all when cardID is empty.
func (m *MockMessenger) SharedState(_ context.Context, cardID string) (map[string]any, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cardID != "" {
		doc := make(map[string]any, len(m.state[cardID]))
		for k, v := range m.state[cardID] {
			doc[k] = v
		}
		return doc, nil
	}
	all := make(map[string]any, len(m.state))
	for card, doc := range m.state {
		copied := make(map[string]any, len(doc))
		for k, v := range doc {
			copied[k] = v
		}
		all[card] = copied
	}
	return all, nil
}

// RegisterAgent records the registration.
func (m *MockMessenger) RegisterAgent(_ context.Context, capabilities []string, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	m.agents[m.agent] = AgentInfo{
		Agent:         m.agent,
		Capabilities:  capabilities,
		Status:        status,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	return nil
}

// Heartbeat refreshes the registration timestamp.
func (m *MockMessenger) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	info, ok := m.agents[m.agent]
	if !ok {
		m.mu.Unlock()
		return m.RegisterAgent(ctx, nil, "active")
	}
	info.LastHeartbeat = time.Now().UTC()
	m.agents[m.agent] = info
	m.mu.Unlock()
	return nil
}

// Cleanup clears the scripted inbox.
func (m *MockMessenger) Cleanup(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbox = nil
	return nil
}
