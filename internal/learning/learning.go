// Package learning turns unexpected pipeline states into executable
// recovery workflows. Solutions are cached in memory and persisted to
// the knowledge store as learned_solution artifacts so later runs can
// reuse what worked.
package learning

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"artemis/internal/knowledge"
	"artemis/internal/llm"
	"artemis/internal/messenger"
	"artemis/internal/state"
)

// Severity grades how bad an unexpected state is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Strategy selects how a solution is produced.
type Strategy string

const (
	StrategySimilarCase Strategy = "similar_case"
	StrategyLLM         Strategy = "llm_consultation"
	StrategyHuman       Strategy = "human_in_loop"
)

// Action is the closed set of recovery step kinds.
type Action string

const (
	ActionRetryStage         Action = "retry_stage"
	ActionRollbackToState    Action = "rollback_to_state"
	ActionSkipStage          Action = "skip_stage"
	ActionResetState         Action = "reset_state"
	ActionCleanupResources   Action = "cleanup_resources"
	ActionRestartProcess     Action = "restart_process"
	ActionManualIntervention Action = "manual_intervention"
)

var validActions = map[Action]bool{
	ActionRetryStage:         true,
	ActionRollbackToState:    true,
	ActionSkipStage:          true,
	ActionResetState:         true,
	ActionCleanupResources:   true,
	ActionRestartProcess:     true,
	ActionManualIntervention: true,
}

// UnexpectedState records a state the pipeline did not plan for.
type UnexpectedState struct {
	ID             string         `json:"id"`
	CardID         string         `json:"card_id"`
	CurrentState   string         `json:"current_state"`
	ExpectedStates []string       `json:"expected_states"`
	Severity       Severity       `json:"severity"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	Context        map[string]any `json:"context,omitempty"`
	DetectedAt     time.Time      `json:"detected_at"`
}

// Step is one recovery action inside a workflow.
type Step struct {
	Step        int            `json:"step"`
	Action      Action         `json:"action"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Workflow is the structured recovery plan, matching the JSON contract
// required from the LLM.
type Workflow struct {
	ProblemAnalysis     string   `json:"problem_analysis"`
	RootCause           string   `json:"root_cause"`
	SolutionDescription string   `json:"solution_description"`
	Steps               []Step   `json:"workflow_steps"`
	Confidence          float64  `json:"confidence"`
	Risks               []string `json:"risks,omitempty"`
	Alternatives        []string `json:"alternatives,omitempty"`
}

// Solution is a workflow plus its application record. SuccessRate is
// always TimesSuccessful / TimesApplied.
type Solution struct {
	ID              string    `json:"id"`
	CardID          string    `json:"card_id"`
	StateName       string    `json:"state_name"`
	Strategy        Strategy  `json:"learning_strategy"`
	Workflow        Workflow  `json:"workflow"`
	TimesApplied    int       `json:"times_applied"`
	TimesSuccessful int       `json:"times_successful"`
	SuccessRate     float64   `json:"success_rate"`
	ModelUsed       string    `json:"llm_model_used,omitempty"`
	SourceArtifact  string    `json:"source_artifact,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// KnowledgeBase is the slice of the knowledge store the engine needs.
type KnowledgeBase interface {
	QuerySimilar(ctx context.Context, query string, types []knowledge.ArtifactType, topK int, filters map[string]any) ([]knowledge.Match, error)
	Store(ctx context.Context, atype knowledge.ArtifactType, cardID, title, content string, metadata map[string]any) (string, error)
}

// ActionFunc executes one recovery step.
type ActionFunc func(ctx context.Context, us *UnexpectedState, step Step) error

// Engine detects unexpected states, produces recovery workflows, and
// applies them through the state machine.
type Engine struct {
	mu    sync.Mutex
	cache map[string]*Solution

	actions map[Action]ActionFunc
	policy  []Strategy

	kb      KnowledgeBase
	client  llm.Client
	bus     messenger.Messenger
	machine *state.Machine

	workDir   string
	pollEvery time.Duration

	logger *zap.Logger
	nowFn  func() time.Time
	idFn   func() string
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithClock replaces the time source.
func WithClock(fn func() time.Time) Option {
	return func(e *Engine) {
		if fn != nil {
			e.nowFn = fn
		}
	}
}

// WithMessenger enables the human-in-the-loop strategy and outbound
// recovery notifications.
func WithMessenger(m messenger.Messenger) Option {
	return func(e *Engine) { e.bus = m }
}

// WithStateMachine wires the machine that recovery actions drive.
func WithStateMachine(m *state.Machine) Option {
	return func(e *Engine) { e.machine = m }
}

// WithPolicy sets the strategy order Resolve tries.
func WithPolicy(strategies ...Strategy) Option {
	return func(e *Engine) {
		if len(strategies) > 0 {
			e.policy = strategies
		}
	}
}

// WithWorkDir sets the root under which cleanup_resources may delete.
// Without it the cleanup action refuses every path.
func WithWorkDir(dir string) Option {
	return func(e *Engine) { e.workDir = dir }
}

// WithAction overrides one entry in the dispatch table.
func WithAction(action Action, fn ActionFunc) Option {
	return func(e *Engine) {
		if fn != nil {
			e.actions[action] = fn
		}
	}
}

// WithPollInterval sets how often the human-in-the-loop wait re-reads
// the bus.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.pollEvery = d
		}
	}
}

// New creates an Engine. The knowledge base and LLM client may be nil;
// strategies that need them report ErrNoSolution.
func New(kb KnowledgeBase, client llm.Client, opts ...Option) *Engine {
	e := &Engine{
		cache:     make(map[string]*Solution),
		policy:    []Strategy{StrategySimilarCase, StrategyLLM},
		kb:        kb,
		client:    client,
		pollEvery: 500 * time.Millisecond,
		logger:    zap.NewNop(),
		nowFn:     time.Now,
		idFn:      uuid.NewString,
	}
	e.actions = map[Action]ActionFunc{
		ActionRetryStage:         e.actRetryStage,
		ActionRollbackToState:    e.actRollback,
		ActionSkipStage:          e.actSkipStage,
		ActionResetState:         e.actResetState,
		ActionCleanupResources:   e.actCleanup,
		ActionRestartProcess:     e.actRestartProcess,
		ActionManualIntervention: e.actManual,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// DetectUnexpected returns nil when the current state is one the caller
// expected, otherwise a classified UnexpectedState record.
func (e *Engine) DetectUnexpected(cardID, current string, expected []string, context map[string]any) *UnexpectedState {
	for _, want := range expected {
		if current == want {
			return nil
		}
	}

	ctxCopy := make(map[string]any, len(context))
	for k, v := range context {
		ctxCopy[k] = v
	}
	errMsg, _ := ctxCopy["error"].(string)

	us := &UnexpectedState{
		ID:             e.idFn(),
		CardID:         cardID,
		CurrentState:   current,
		ExpectedStates: append([]string(nil), expected...),
		Severity:       classifySeverity(current, errMsg),
		ErrorMessage:   errMsg,
		Context:        ctxCopy,
		DetectedAt:     e.nowFn(),
	}
	e.logger.Warn("unexpected state detected",
		zap.String("card_id", cardID),
		zap.String("state", current),
		zap.String("severity", string(us.Severity)))
	return us
}

// classifySeverity grades a state by its name and whether an error
// message accompanies it.
func classifySeverity(stateName, errMsg string) Severity {
	name := strings.ToLower(stateName)
	switch {
	case containsAny(name, "crash", "corrupt", "oom", "panic"):
		return SeverityCritical
	case containsAny(name, "fail", "error", "exceeded"):
		if errMsg != "" {
			return SeverityCritical
		}
		return SeverityHigh
	case containsAny(name, "stuck", "hang", "timeout", "deadlock"):
		return SeverityHigh
	case containsAny(name, "conflict", "degraded") || errMsg != "":
		return SeverityMedium
	default:
		return SeverityLow
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Cached returns the in-memory solution for a state name, if any.
func (e *Engine) Cached(stateName string) (*Solution, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.cache[stateName]
	return s, ok
}

// BindMachine attaches the state machine after construction. The
// machine's resolver and the engine reference each other, so one side
// has to be wired late.
func (e *Engine) BindMachine(m *state.Machine) { e.machine = m }
