// Package state tracks the pipeline and per-stage lifecycles with a
// bounded, rollback-capable event history.
package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// PipelineState is the coarse pipeline lifecycle.
type PipelineState string

const (
	StateIdle           PipelineState = "IDLE"
	StatePlanning       PipelineState = "PLANNING"
	StateStageRunning   PipelineState = "STAGE_RUNNING"
	StateStageCompleted PipelineState = "STAGE_COMPLETED"
	StateStageFailed    PipelineState = "STAGE_FAILED"
	StateRecovering     PipelineState = "RECOVERING"
	StateCompleted      PipelineState = "COMPLETED"
	StateFailed         PipelineState = "FAILED"
	StatePaused         PipelineState = "PAUSED"
)

// StageState is one stage's lifecycle.
type StageState string

const (
	StagePending   StageState = "PENDING"
	StageRunning   StageState = "RUNNING"
	StageCompleted StageState = "COMPLETED"
	StageFailed    StageState = "FAILED"
	StageSkipped   StageState = "SKIPPED"
	StageRetrying  StageState = "RETRYING"
)

// IssueType is the closed set of recoverable conditions.
type IssueType string

const (
	IssueTimeout        IssueType = "TIMEOUT"
	IssueOOM            IssueType = "OOM"
	IssueLLMError       IssueType = "LLM_ERROR"
	IssueMergeConflict  IssueType = "MERGE_CONFLICT"
	IssueStageStuck     IssueType = "STAGE_STUCK"
	IssueBudgetExceeded IssueType = "BUDGET_EXCEEDED"
)

// historyCap bounds the event stack; the oldest entries fall off.
const historyCap = 100

// Event is one pushed transition with the stage-state snapshot taken
// at that moment, so rollback can restore it.
type Event struct {
	State     PipelineState  `json:"state"`
	Payload   map[string]any `json:"payload,omitempty"`
	Stages    map[string]StageState
	Timestamp time.Time `json:"timestamp"`
}

// IssueResolver turns a registered issue into a recovery attempt. The
// orchestrator wires this to the learning engine.
type IssueResolver interface {
	Resolve(ctx context.Context, issue IssueType, details map[string]any) error
}

// ResolverFunc adapts a function to IssueResolver.
type ResolverFunc func(ctx context.Context, issue IssueType, details map[string]any) error

func (f ResolverFunc) Resolve(ctx context.Context, issue IssueType, details map[string]any) error {
	return f(ctx, issue, details)
}

// Machine is the pipeline state machine.
type Machine struct {
	mu       sync.Mutex
	current  PipelineState
	stages   map[string]StageState
	history  []Event
	resolver IssueResolver
	issues   map[IssueType]map[string]any
	logger   *zap.Logger
	nowFn    func() time.Time
}

// Option tunes machine construction.
type Option func(*Machine)

// WithLogger attaches a logger. Nil keeps the no-op default.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithResolver wires the recovery path for registered issues.
func WithResolver(r IssueResolver) Option {
	return func(m *Machine) { m.resolver = r }
}

// WithClock overrides the time source, for tests.
func WithClock(nowFn func() time.Time) Option {
	return func(m *Machine) {
		if nowFn != nil {
			m.nowFn = nowFn
		}
	}
}

// NewMachine starts in IDLE with an empty history.
func NewMachine(opts ...Option) *Machine {
	m := &Machine{
		current: StateIdle,
		stages:  make(map[string]StageState),
		issues:  make(map[IssueType]map[string]any),
		logger:  zap.NewNop(),
		nowFn:   time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Current returns the pipeline state.
func (m *Machine) Current() PipelineState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Push transitions to state and records the event with a snapshot of
// the stage states.
func (m *Machine) Push(state PipelineState, payload map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.current = state
	m.history = append(m.history, Event{
		State:     state,
		Payload:   payload,
		Stages:    m.snapshotLocked(),
		Timestamp: m.nowFn().UTC(),
	})
	if len(m.history) > historyCap {
		m.history = m.history[len(m.history)-historyCap:]
	}
	m.logger.Debug("state transition", zap.String("state", string(state)))
}

// History returns a copy of the recorded events, oldest first.
func (m *Machine) History() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.history))
	copy(out, m.history)
	return out
}

// RollbackTo unwinds the history to the most recent entry matching
// state, restoring the stage states snapshotted at that point. The
// entries above the match are discarded.
func (m *Machine) RollbackTo(state PipelineState) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].State != state {
			continue
		}
		m.history = m.history[:i+1]
		m.current = state
		m.stages = make(map[string]StageState, len(m.history[i].Stages))
		for name, st := range m.history[i].Stages {
			m.stages[name] = st
		}
		m.logger.Info("rolled back", zap.String("state", string(state)))
		return nil
	}
	return fmt.Errorf("state: no history entry for %s", state)
}

// SetStageState records one stage's lifecycle position.
func (m *Machine) SetStageState(name string, st StageState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[name] = st
}

// StageStates returns a copy of the stage lifecycle map.
func (m *Machine) StageStates() map[string]StageState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Machine) snapshotLocked() map[string]StageState {
	snap := make(map[string]StageState, len(m.stages))
	for name, st := range m.stages {
		snap[name] = st
	}
	return snap
}

// RegisterIssue hands the issue to the resolver. Success clears it;
// failure (or a missing resolver) drives the pipeline to FAILED.
func (m *Machine) RegisterIssue(ctx context.Context, issue IssueType, details map[string]any) error {
	m.mu.Lock()
	m.issues[issue] = details
	resolver := m.resolver
	m.mu.Unlock()

	m.Push(StateRecovering, map[string]any{"issue": string(issue)})

	if resolver == nil {
		m.Push(StateFailed, map[string]any{"issue": string(issue), "error": "no resolver registered"})
		return fmt.Errorf("state: issue %s with no resolver", issue)
	}

	if err := resolver.Resolve(ctx, issue, details); err != nil {
		m.logger.Error("issue resolution failed", zap.String("issue", string(issue)), zap.Error(err))
		m.Push(StateFailed, map[string]any{"issue": string(issue), "error": err.Error()})
		return fmt.Errorf("state: resolve %s: %w", issue, err)
	}

	m.mu.Lock()
	delete(m.issues, issue)
	m.mu.Unlock()
	m.logger.Info("issue resolved", zap.String("issue", string(issue)))
	return nil
}

// OpenIssues lists issues that have been registered but not resolved.
func (m *Machine) OpenIssues() []IssueType {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]IssueType, 0, len(m.issues))
	for issue := range m.issues {
		out = append(out, issue)
	}
	return out
}
