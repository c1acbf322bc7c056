// Package persist snapshots pipeline state so an interrupted run can
// resume. Two interchangeable backends exist: an embedded sqlite file
// and plain JSON files. Both satisfy Store and survive a round trip
// unchanged.
package persist

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
)

// ErrNotFound is returned when no state exists for a card.
var ErrNotFound = errors.New("pipeline state not found")

// EnvBackendType selects the backend when Config.Type is empty.
const EnvBackendType = "ARTEMIS_PERSISTENCE_TYPE"

// Status is a pipeline snapshot status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusPaused    Status = "paused"
)

// resumableStatuses are the persisted statuses a pipeline can restart
// from.
var resumableStatuses = []Status{StatusRunning, StatusFailed, StatusPaused}

// Resumable reports whether a pipeline in this status can be resumed.
func (s Status) Resumable() bool {
	for _, r := range resumableStatuses {
		if s == r {
			return true
		}
	}
	return false
}

// CheckpointStatus tracks one stage invocation.
type CheckpointStatus string

const (
	CheckpointStarted   CheckpointStatus = "started"
	CheckpointCompleted CheckpointStatus = "completed"
	CheckpointFailed    CheckpointStatus = "failed"
)

// PipelineState is the durable snapshot of one pipeline run.
type PipelineState struct {
	CardID           string                    `json:"card_id"`
	Status           Status                    `json:"status"`
	CurrentStage     string                    `json:"current_stage,omitempty"`
	StagesCompleted  []string                  `json:"stages_completed"`
	StageResults     map[string]map[string]any `json:"stage_results"`
	DeveloperResults []map[string]any          `json:"developer_results"`
	Metrics          map[string]any            `json:"metrics"`
	CreatedAt        time.Time                 `json:"created_at"`
	UpdatedAt        time.Time                 `json:"updated_at"`
	CompletedAt      *time.Time                `json:"completed_at,omitempty"`
	Error            string                    `json:"error,omitempty"`
}

// Checkpoint records one stage invocation. Reruns of a stage produce
// new checkpoints keyed by (card, stage, started_at).
type Checkpoint struct {
	CardID      string           `json:"card_id"`
	StageName   string           `json:"stage_name"`
	Status      CheckpointStatus `json:"status"`
	StartedAt   time.Time        `json:"started_at"`
	CompletedAt *time.Time       `json:"completed_at,omitempty"`
	Result      map[string]any   `json:"result,omitempty"`
	Error       string           `json:"error,omitempty"`
}

// Store is the snapshot contract both backends implement.
type Store interface {
	SavePipelineState(ctx context.Context, state *PipelineState) error
	LoadPipelineState(ctx context.Context, cardID string) (*PipelineState, error)
	SaveStageCheckpoint(ctx context.Context, cp *Checkpoint) error
	LoadStageCheckpoints(ctx context.Context, cardID string) ([]Checkpoint, error)
	GetResumablePipelines(ctx context.Context) ([]string, error)
	CleanupOldStates(ctx context.Context, days int) (int, error)
	Close() error
}

// Config selects and locates a backend.
type Config struct {
	// Type is sqlite or json. Empty consults ARTEMIS_PERSISTENCE_TYPE
	// and defaults to sqlite.
	Type string
	// Path is the database file (sqlite) or state directory (json).
	Path string
}

// Option configures backend construction.
type Option func(*options)

type options struct {
	logger *zap.Logger
	nowFn  func() time.Time
}

// WithLogger sets the backend logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock replaces the time source. Tests use it to age states for
// cleanup.
func WithClock(fn func() time.Time) Option {
	return func(o *options) {
		if fn != nil {
			o.nowFn = fn
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{logger: zap.NewNop(), nowFn: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// New builds the configured backend.
func New(cfg Config, opts ...Option) (Store, error) {
	backend := cfg.Type
	if backend == "" {
		backend = os.Getenv(EnvBackendType)
	}
	if backend == "" {
		backend = "sqlite"
	}

	switch backend {
	case "sqlite", "sql":
		return NewSQLiteStore(cfg.Path, opts...)
	case "json", "file":
		return NewJSONStore(cfg.Path, opts...)
	default:
		return nil, fmt.Errorf("unknown persistence backend: %s", backend)
	}
}

// normalize enforces the snapshot invariants before a save: terminal
// states carry no current stage, completed states carry a completion
// time, and nil collections become empty ones so a round trip is
// lossless.
func normalize(state *PipelineState, now time.Time) {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = now
	}
	state.UpdatedAt = now

	switch state.Status {
	case StatusCompleted:
		state.CurrentStage = ""
		if state.CompletedAt == nil {
			t := now
			state.CompletedAt = &t
		}
	case StatusFailed:
		state.CurrentStage = ""
	}

	if state.StagesCompleted == nil {
		state.StagesCompleted = []string{}
	}
	if state.StageResults == nil {
		state.StageResults = map[string]map[string]any{}
	}
	if state.DeveloperResults == nil {
		state.DeveloperResults = []map[string]any{}
	}
	if state.Metrics == nil {
		state.Metrics = map[string]any{}
	}
}
