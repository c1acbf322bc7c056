// Package observer fans pipeline lifecycle events out to attached
// observers. Dispatch is synchronous in the emitter's goroutine, so
// observers must return quickly and must not mutate events.
package observer

import (
	"sync"
	"time"
)

// EventType enumerates the pipeline lifecycle events.
type EventType string

const (
	PipelineStarted     EventType = "pipeline_started"
	PipelineCompleted   EventType = "pipeline_completed"
	PipelineFailed      EventType = "pipeline_failed"
	StageStarted        EventType = "stage_started"
	StageCompleted      EventType = "stage_completed"
	StageFailed         EventType = "stage_failed"
	DeveloperStarted    EventType = "developer_started"
	DeveloperCompleted  EventType = "developer_completed"
	DeveloperFailed     EventType = "developer_failed"
	CodeReviewStarted   EventType = "code_review_started"
	CodeReviewCompleted EventType = "code_review_completed"
	CodeReviewFailed    EventType = "code_review_failed"
)

// Event is one pipeline occurrence. Stage and Developer are set when
// the event concerns one.
type Event struct {
	Type      EventType      `json:"type"`
	CardID    string         `json:"card_id"`
	Stage     string         `json:"stage,omitempty"`
	Developer string         `json:"developer,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// Observer receives events. Implementations must not block and must
// treat the event as read-only.
type Observer interface {
	Notify(Event)
}

// Hub attaches observers and dispatches events to them in attach
// order.
type Hub struct {
	mu        sync.RWMutex
	observers []Observer
	nowFn     func() time.Time
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithClock replaces the timestamp source. Tests use it for
// deterministic event times.
func WithClock(fn func() time.Time) HubOption {
	return func(h *Hub) {
		if fn != nil {
			h.nowFn = fn
		}
	}
}

// NewHub creates an empty hub.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{nowFn: time.Now}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Attach adds an observer. Safe to call while events flow.
func (h *Hub) Attach(o Observer) {
	if o == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.observers = append(h.observers, o)
}

// Detach removes a previously attached observer.
func (h *Hub) Detach(o Observer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, existing := range h.observers {
		if existing == o {
			h.observers = append(h.observers[:i], h.observers[i+1:]...)
			return
		}
	}
}

// Emit dispatches the event to every observer, synchronously, in
// attach order. A zero timestamp is filled in.
func (h *Hub) Emit(e Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = h.nowFn()
	}

	h.mu.RLock()
	observers := make([]Observer, len(h.observers))
	copy(observers, h.observers)
	h.mu.RUnlock()

	for _, o := range observers {
		o.Notify(e)
	}
}
