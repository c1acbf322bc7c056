package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"
)

const (
	natsStreamName      = "ARTEMIS"
	natsStateBucket     = "artemis_state"
	natsAgentsBucket    = "artemis_agents"
	natsAgentSubject    = "artemis.agent."
	natsBroadcastSubj   = "artemis.broadcast"
	natsStateSubject    = "artemis.state."
	natsPriorityHeader  = "Artemis-Priority"
	natsFetchBatch      = 16
	natsFetchWait       = 2 * time.Second
	natsAgentStaleAfter = 10 * time.Minute
)

// NATSMessenger is the broker backend. Messages flow through a
// JetStream stream with per-agent durable consumers; shared state and
// the agent registry live in KV buckets.
type NATSMessenger struct {
	agent    string
	nc       *nats.Conn
	js       jetstream.JetStream
	stream   jetstream.Stream
	consumer jetstream.Consumer
	state    jetstream.KeyValue
	agents   jetstream.KeyValue
	logger   *zap.Logger
	nowFn    func() time.Time
}

// NewNATSMessenger connects to the broker and provisions the stream,
// the durable consumer, and the KV buckets.
func NewNATSMessenger(ctx context.Context, cfg Config, opts ...Option) (*NATSMessenger, error) {
	o := buildOptions(opts)
	url := cfg.BrokerURL
	if url == "" {
		url = nats.DefaultURL
	}

	nc, err := nats.Connect(url, nats.Name("artemis-"+cfg.Agent))
	if err != nil {
		return nil, fmt.Errorf("messenger: connect %s: %w", url, err)
	}
	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("messenger: jetstream: %w", err)
	}

	m := &NATSMessenger{
		agent:  sanitizeSubjectToken(cfg.Agent),
		nc:     nc,
		js:     js,
		logger: o.logger,
		nowFn:  o.nowFn,
	}
	if err := m.provision(ctx); err != nil {
		nc.Close()
		return nil, err
	}
	return m, nil
}

func (m *NATSMessenger) provision(ctx context.Context) error {
	stream, err := m.js.Stream(ctx, natsStreamName)
	if err != nil {
		stream, err = m.js.CreateStream(ctx, jetstream.StreamConfig{
			Name:     natsStreamName,
			Subjects: []string{natsAgentSubject + ">", natsBroadcastSubj, natsStateSubject + ">"},
			MaxAge:   24 * time.Hour,
		})
		if err != nil {
			return fmt.Errorf("messenger: create stream: %w", err)
		}
	}
	m.stream = stream

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        "artemis-" + m.agent,
		FilterSubjects: []string{natsAgentSubject + m.agent, natsBroadcastSubj},
		AckPolicy:      jetstream.AckExplicitPolicy,
		AckWait:        60 * time.Second,
		MaxDeliver:     -1,
	})
	if err != nil {
		return fmt.Errorf("messenger: create consumer: %w", err)
	}
	m.consumer = consumer

	m.state, err = m.getOrCreateBucket(ctx, natsStateBucket, "pipeline shared state by card")
	if err != nil {
		return err
	}
	m.agents, err = m.getOrCreateBucket(ctx, natsAgentsBucket, "agent registry")
	return err
}

func (m *NATSMessenger) getOrCreateBucket(ctx context.Context, name, description string) (jetstream.KeyValue, error) {
	kv, err := m.js.KeyValue(ctx, name)
	if err == nil {
		return kv, nil
	}
	kv, err = m.js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: description,
		History:     5,
	})
	if err != nil {
		return nil, fmt.Errorf("messenger: create bucket %s: %w", name, err)
	}
	return kv, nil
}

// Type reports the backend name.
func (m *NATSMessenger) Type() string { return "nats" }

// Close drains the connection.
func (m *NATSMessenger) Close() error {
	if err := m.nc.Drain(); err != nil {
		m.nc.Close()
		return err
	}
	return nil
}

// Send publishes to the recipient subject, or the broadcast subject for
// "all". Priority travels in a header for broker-side inspection.
func (m *NATSMessenger) Send(ctx context.Context, to string, mtype MessageType, data map[string]any, cardID string, priority Priority, metadata map[string]any) (string, error) {
	now := m.nowFn().UTC()
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
	body, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("messenger: marshal message: %w", err)
	}

	subject := natsAgentSubject + sanitizeSubjectToken(to)
	if to == Broadcast {
		subject = natsBroadcastSubj
	}
	wire := &nats.Msg{Subject: subject, Data: body, Header: nats.Header{}}
	wire.Header.Set(natsPriorityHeader, priorityHeaderValue(priority))

	if _, err := m.js.PublishMsg(ctx, wire); err != nil {
		return "", fmt.Errorf("messenger: publish %s: %w", subject, err)
	}
	return msg.MessageID, nil
}

// Read fetches a batch from the durable consumer. Matching messages are
// acked only when consume is set; everything else is nacked for
// redelivery. Unparseable messages are terminated so they stop cycling.
func (m *NATSMessenger) Read(ctx context.Context, filter Filter, consume bool) ([]Message, error) {
	batch, err := m.consumer.Fetch(natsFetchBatch, jetstream.FetchMaxWait(natsFetchWait))
	if err != nil {
		return nil, fmt.Errorf("messenger: fetch: %w", err)
	}

	var out []Message
	for wire := range batch.Messages() {
		var msg Message
		if err := json.Unmarshal(wire.Data(), &msg); err != nil {
			m.logger.Warn("terminating malformed message", zap.Error(err))
			if err := wire.Term(); err != nil {
				m.logger.Warn("term failed", zap.Error(err))
			}
			continue
		}
		matched := filter.matches(msg)
		if matched {
			out = append(out, msg)
		}
		if matched && consume {
			if err := wire.Ack(); err != nil {
				m.logger.Warn("ack failed", zap.Error(err))
			}
			continue
		}
		if err := wire.Nak(); err != nil {
			m.logger.Warn("nak failed", zap.Error(err))
		}
	}
	if batch.Error() != nil && !errors.Is(batch.Error(), context.DeadlineExceeded) {
		m.logger.Warn("fetch batch error", zap.Error(batch.Error()))
	}
	return out, nil
}

// UpdateSharedState merges into the card's KV document and publishes a
// change notification.
func (m *NATSMessenger) UpdateSharedState(ctx context.Context, cardID string, updates map[string]any) error {
	doc := map[string]any{}
	if entry, err := m.state.Get(ctx, cardID); err == nil {
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			m.logger.Warn("resetting corrupt shared state", zap.String("card_id", cardID), zap.Error(err))
			doc = map[string]any{}
		}
	}
	for k, v := range updates {
		doc[k] = v
	}
	doc["updated_at"] = m.nowFn().UTC().Format(time.RFC3339Nano)

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("messenger: marshal state: %w", err)
	}
	if _, err := m.state.Put(ctx, cardID, body); err != nil {
		return fmt.Errorf("messenger: put state %s: %w", cardID, err)
	}

	// Change notification is best effort.
	if _, err := m.js.Publish(ctx, natsStateSubject+sanitizeSubjectToken(cardID), body); err != nil {
		m.logger.Debug("state notification failed", zap.String("card_id", cardID), zap.Error(err))
	}
	return nil
}

// SharedState reads one card document, or all documents when cardID is
// empty.
func (m *NATSMessenger) SharedState(ctx context.Context, cardID string) (map[string]any, error) {
	if cardID != "" {
		entry, err := m.state.Get(ctx, cardID)
		if err != nil {
			if errors.Is(err, jetstream.ErrKeyNotFound) {
				return map[string]any{}, nil
			}
			return nil, fmt.Errorf("messenger: get state %s: %w", cardID, err)
		}
		doc := map[string]any{}
		if err := json.Unmarshal(entry.Value(), &doc); err != nil {
			return nil, fmt.Errorf("messenger: parse state %s: %w", cardID, err)
		}
		return doc, nil
	}

	keys, err := m.state.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("messenger: list state keys: %w", err)
	}
	all := map[string]any{}
	for _, key := range keys {
		doc, err := m.SharedState(ctx, key)
		if err != nil {
			return nil, err
		}
		all[key] = doc
	}
	return all, nil
}

// RegisterAgent writes the registry entry for the local agent.
func (m *NATSMessenger) RegisterAgent(ctx context.Context, capabilities []string, status string) error {
	now := m.nowFn().UTC()
	info := AgentInfo{
		Agent:         m.agent,
		Capabilities:  capabilities,
		Status:        status,
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	body, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("messenger: marshal registration: %w", err)
	}
	if _, err := m.agents.Put(ctx, m.agent, body); err != nil {
		return fmt.Errorf("messenger: register agent: %w", err)
	}
	return nil
}

// Heartbeat refreshes the registry timestamp.
func (m *NATSMessenger) Heartbeat(ctx context.Context) error {
	entry, err := m.agents.Get(ctx, m.agent)
	if err != nil {
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			return m.RegisterAgent(ctx, nil, "active")
		}
		return fmt.Errorf("messenger: heartbeat read: %w", err)
	}
	var info AgentInfo
	if err := json.Unmarshal(entry.Value(), &info); err != nil {
		return m.RegisterAgent(ctx, nil, "active")
	}
	info.LastHeartbeat = m.nowFn().UTC()
	body, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("messenger: marshal registration: %w", err)
	}
	if _, err := m.agents.Put(ctx, m.agent, body); err != nil {
		return fmt.Errorf("messenger: heartbeat write: %w", err)
	}
	return nil
}

// Cleanup drops registry entries with stale heartbeats. Consumed
// messages age out of the stream on their own.
func (m *NATSMessenger) Cleanup(ctx context.Context) error {
	keys, err := m.agents.Keys(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoKeysFound) {
			return nil
		}
		return fmt.Errorf("messenger: cleanup list: %w", err)
	}
	cutoff := m.nowFn().UTC().Add(-natsAgentStaleAfter)
	for _, key := range keys {
		entry, err := m.agents.Get(ctx, key)
		if err != nil {
			continue
		}
		var info AgentInfo
		if err := json.Unmarshal(entry.Value(), &info); err != nil {
			continue
		}
		if info.LastHeartbeat.Before(cutoff) {
			if err := m.agents.Delete(ctx, key); err != nil {
				m.logger.Warn("cleanup delete failed", zap.String("agent", key), zap.Error(err))
			}
		}
	}
	return nil
}

// priorityHeaderValue maps priorities onto broker numeric levels.
func priorityHeaderValue(p Priority) string {
	switch p {
	case PriorityHigh:
		return "9"
	case PriorityLow:
		return "1"
	default:
		return "5"
	}
}

// sanitizeSubjectToken keeps names usable as NATS subject tokens.
func sanitizeSubjectToken(s string) string {
	r := strings.NewReplacer(".", "-", " ", "-", "*", "-", ">", "-")
	return r.Replace(s)
}
