package observer

import (
	"sync"
	"time"
)

// PipelineView is the tracked status of one pipeline as seen through
// its event stream.
type PipelineView struct {
	CardID          string    `json:"card_id"`
	Status          string    `json:"status"`
	CurrentStage    string    `json:"current_stage,omitempty"`
	StagesCompleted []string  `json:"stages_completed"`
	StagesFailed    []string  `json:"stages_failed,omitempty"`
	EventsSeen      int       `json:"events_seen"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// StateObserver folds the event stream into a per-card view, queryable
// at any time.
type StateObserver struct {
	mu        sync.RWMutex
	pipelines map[string]*PipelineView
}

// NewStateObserver creates an empty tracking observer.
func NewStateObserver() *StateObserver {
	return &StateObserver{pipelines: make(map[string]*PipelineView)}
}

func (o *StateObserver) Notify(e Event) {
	o.mu.Lock()
	defer o.mu.Unlock()

	view, ok := o.pipelines[e.CardID]
	if !ok {
		view = &PipelineView{CardID: e.CardID, Status: "running"}
		o.pipelines[e.CardID] = view
	}
	view.EventsSeen++
	view.UpdatedAt = e.Timestamp

	switch e.Type {
	case PipelineStarted:
		view.Status = "running"
	case PipelineCompleted:
		view.Status = "completed"
		view.CurrentStage = ""
	case PipelineFailed:
		view.Status = "failed"
		view.CurrentStage = ""
	case StageStarted:
		view.CurrentStage = e.Stage
	case StageCompleted:
		view.StagesCompleted = append(view.StagesCompleted, e.Stage)
		view.CurrentStage = ""
	case StageFailed:
		view.StagesFailed = append(view.StagesFailed, e.Stage)
		view.CurrentStage = ""
	}
}

// State returns a copy of every tracked pipeline keyed by card id.
func (o *StateObserver) State() map[string]PipelineView {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]PipelineView, len(o.pipelines))
	for id, view := range o.pipelines {
		copied := *view
		copied.StagesCompleted = append([]string(nil), view.StagesCompleted...)
		copied.StagesFailed = append([]string(nil), view.StagesFailed...)
		out[id] = copied
	}
	return out
}

// View returns the tracked state for one card.
func (o *StateObserver) View(cardID string) (PipelineView, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	view, ok := o.pipelines[cardID]
	if !ok {
		return PipelineView{}, false
	}
	copied := *view
	copied.StagesCompleted = append([]string(nil), view.StagesCompleted...)
	copied.StagesFailed = append([]string(nil), view.StagesFailed...)
	return copied, true
}
