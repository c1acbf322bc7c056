// Package messenger is the agent message bus. Three backends sit behind
// one interface: a file inbox per agent, a NATS JetStream broker, and an
// in-memory mock for tests.
package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"os"
	"sync/atomic"
	"time"
)

// ProtocolVersion is stamped on every message.
const ProtocolVersion = "1.0"

// Broadcast as a recipient fans the message out to every agent.
const Broadcast = "all"

// MessageType classifies a message.
type MessageType string

const (
	TypeDataUpdate   MessageType = "data_update"
	TypeRequest      MessageType = "request"
	TypeResponse     MessageType = "response"
	TypeNotification MessageType = "notification"
	TypeError        MessageType = "error"
)

// Priority orders delivery urgency.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Message is the wire format shared by all backends.
type Message struct {
	ProtocolVersion string         `json:"protocol_version"`
	MessageID       string         `json:"message_id"`
	Timestamp       time.Time      `json:"timestamp"`
	FromAgent       string         `json:"from_agent"`
	ToAgent         string         `json:"to_agent"`
	MessageType     MessageType    `json:"message_type"`
	CardID          string         `json:"card_id"`
	Priority        Priority       `json:"priority"`
	Data            map[string]any `json:"data"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// Filter narrows a Read. Zero fields match everything.
type Filter struct {
	Type     MessageType
	From     string
	Priority Priority
}

func (f Filter) matches(m Message) bool {
	if f.Type != "" && m.MessageType != f.Type {
		return false
	}
	if f.From != "" && m.FromAgent != f.From {
		return false
	}
	if f.Priority != "" && m.Priority != f.Priority {
		return false
	}
	return true
}

// AgentInfo is a registry entry for a participating agent.
type AgentInfo struct {
	Agent         string    `json:"agent"`
	Capabilities  []string  `json:"capabilities"`
	Status        string    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Messenger is the backend-independent bus contract. Send is
// at-least-once; duplicate delivery is possible and consumers dedupe on
// MessageID if they care.
type Messenger interface {
	Send(ctx context.Context, to string, mtype MessageType, data map[string]any, cardID string, priority Priority, metadata map[string]any) (string, error)
	Read(ctx context.Context, f Filter, consume bool) ([]Message, error)
	UpdateSharedState(ctx context.Context, cardID string, updates map[string]any) error
	SharedState(ctx context.Context, cardID string) (map[string]any, error)
	RegisterAgent(ctx context.Context, capabilities []string, status string) error
	Heartbeat(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Type() string
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	// Type is file, nats, or mock. Empty falls back to
	// ARTEMIS_MESSENGER_TYPE, then to file.
	Type string
	// Agent is the local agent name, used as inbox identity and
	// message sender.
	Agent string
	// MessageDir is the file backend root.
	MessageDir string
	// BrokerURL is the NATS server URL.
	BrokerURL string
}

// New builds a messenger for the configured backend.
func New(ctx context.Context, cfg Config, opts ...Option) (Messenger, error) {
	if cfg.Agent == "" {
		return nil, fmt.Errorf("messenger: agent name required")
	}
	btype := cfg.Type
	if btype == "" {
		btype = os.Getenv("ARTEMIS_MESSENGER_TYPE")
	}
	if btype == "" {
		btype = "file"
	}
	switch btype {
	case "file":
		return NewFileMessenger(cfg, opts...)
	case "nats", "broker":
		return NewNATSMessenger(ctx, cfg, opts...)
	case "mock":
		return NewMockMessenger(cfg.Agent), nil
	default:
		return nil, fmt.Errorf("messenger: unknown backend %q", btype)
	}
}

// messageSeq is the per-process monotonic component of message ids.
var messageSeq atomic.Uint64

// newMessageID combines timestamp, sender, a monotonic counter and a
// payload digest. Collision-resistant, not cryptographic.
func newMessageID(now time.Time, from string, data map[string]any) string {
	seq := messageSeq.Add(1)
	payload, _ := json.Marshal(data)
	h := fnv.New32a()
	h.Write(payload)
	return fmt.Sprintf("%d-%s-%d-%08x", now.UnixNano(), from, seq, h.Sum32())
}
