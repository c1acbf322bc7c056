// Package supervisor wraps stage execution with retries, per-stage
// circuit breakers, timeout watching, and health accounting. It owns
// the Stage Health and Recovery Strategy tables for a pipeline run.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"artemis/internal/cost"
	"artemis/internal/kanban"
	"artemis/internal/messenger"
	"artemis/internal/sandbox"
	"artemis/internal/stage"
	"artemis/internal/state"
)

// SkipReasonBreaker is the reason reported when an open breaker skips
// a stage that has no fallback.
const SkipReasonBreaker = "circuit_breaker_open"

// FallbackFunc substitutes for a stage while its breaker is open.
type FallbackFunc func(ctx context.Context, card *kanban.Card, pctx *stage.Context) (stage.Result, error)

// RecoveryStrategy controls retry and breaker behavior for one stage.
// It is immutable once the stage is registered.
type RecoveryStrategy struct {
	MaxRetries        int
	RetryDelay        time.Duration
	BackoffMultiplier float64
	Timeout           time.Duration
	BreakerThreshold  int
	BreakerCooldown   time.Duration
	Fallback          FallbackFunc
}

// DefaultStrategy returns the strategy applied to stages registered
// without an explicit one.
func DefaultStrategy() RecoveryStrategy {
	return RecoveryStrategy{
		MaxRetries:        3,
		RetryDelay:        2 * time.Second,
		BackoffMultiplier: 2.0,
		Timeout:           5 * time.Minute,
		BreakerThreshold:  5,
		BreakerCooldown:   time.Minute,
	}
}

func (s RecoveryStrategy) normalized() RecoveryStrategy {
	if s.MaxRetries < 0 {
		s.MaxRetries = 0
	}
	if s.RetryDelay < 0 {
		s.RetryDelay = 0
	}
	if s.BackoffMultiplier <= 0 {
		s.BackoffMultiplier = 1.0
	}
	return s
}

// delayFor computes the wait after the given attempt, with no jitter.
func (s RecoveryStrategy) delayFor(attempt int) time.Duration {
	return time.Duration(float64(s.RetryDelay) * math.Pow(s.BackoffMultiplier, float64(attempt-1)))
}

// StageHealth is the per-stage execution record.
type StageHealth struct {
	Executions       int           `json:"executions"`
	Failures         int           `json:"failures"`
	LastFailure      time.Time     `json:"last_failure"`
	TotalDuration    time.Duration `json:"total_duration"`
	CircuitOpen      bool          `json:"circuit_open"`
	CircuitOpenUntil time.Time     `json:"circuit_open_until"`
}

// Statistics is the supervisor's aggregate view for the final report.
type Statistics struct {
	TotalExecutions  int                    `json:"total_executions"`
	TotalFailures    int                    `json:"total_failures"`
	TotalRetries     int                    `json:"total_retries"`
	TimeoutsDetected int                    `json:"timeouts_detected"`
	BreakersOpened   int                    `json:"breakers_opened"`
	StageHealth      map[string]StageHealth `json:"stage_health"`
}

// PipelineStageError reports a stage that failed through all its
// attempts. The underlying error is preserved for errors.As checks.
type PipelineStageError struct {
	StageName stage.Name
	Attempts  int
	Err       error
}

func (e *PipelineStageError) Error() string {
	return fmt.Sprintf("stage %s failed after %d attempt(s): %v", e.StageName, e.Attempts, e.Err)
}

func (e *PipelineStageError) Unwrap() error { return e.Err }

// Supervisor executes stages under their recovery strategies.
type Supervisor struct {
	mu              sync.Mutex
	strategies      map[stage.Name]RecoveryStrategy
	health          map[stage.Name]*StageHealth
	stats           Statistics
	defaultStrategy RecoveryStrategy

	pids *pidTracker

	logger  *zap.Logger
	nowFn   func() time.Time
	sleepFn func(ctx context.Context, d time.Duration) error

	bus     messenger.Messenger
	machine *state.Machine
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock replaces the time source.
func WithClock(fn func() time.Time) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// WithSleep replaces the retry sleep. Tests use it to avoid real
// waiting.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Supervisor) {
		if fn != nil {
			s.sleepFn = fn
		}
	}
}

// WithMessenger makes the supervisor announce timeouts and exhausted
// retries to other agents.
func WithMessenger(m messenger.Messenger) Option {
	return func(s *Supervisor) { s.bus = m }
}

// WithStateMachine mirrors stage transitions into the machine.
func WithStateMachine(m *state.Machine) Option {
	return func(s *Supervisor) { s.machine = m }
}

// WithStrategies applies a loaded strategy set: the default replaces
// DefaultStrategy and per-stage entries pre-register those stages.
func WithStrategies(set StrategySet) Option {
	return func(s *Supervisor) {
		s.defaultStrategy = set.Default.normalized()
		for name, strategy := range set.Stages {
			s.strategies[name] = strategy.normalized()
			s.health[name] = &StageHealth{}
		}
	}
}

// New creates a Supervisor.
func New(opts ...Option) *Supervisor {
	s := &Supervisor{
		strategies:      make(map[stage.Name]RecoveryStrategy),
		health:          make(map[stage.Name]*StageHealth),
		pids:            newPIDTracker(),
		logger:          zap.NewNop(),
		nowFn:           time.Now,
		sleepFn:         sleepContext,
		defaultStrategy: DefaultStrategy(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register binds a recovery strategy to a stage. A nil strategy uses
// the default. Strategies are immutable: registering the same stage
// twice is an error.
func (s *Supervisor) Register(name stage.Name, strategy *RecoveryStrategy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.strategies[name]; exists {
		return fmt.Errorf("stage %s already registered", name)
	}
	applied := s.defaultStrategy
	if strategy != nil {
		applied = strategy.normalized()
	}
	s.strategies[name] = applied
	s.health[name] = &StageHealth{}
	return nil
}

// Health returns a copy of the stage's health record.
func (s *Supervisor) Health(name stage.Name) (StageHealth, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.health[name]
	if !ok {
		return StageHealth{}, false
	}
	return *h, true
}

// Statistics returns a snapshot of the aggregate counters and every
// stage's health.
func (s *Supervisor) Statistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.stats
	snapshot.StageHealth = make(map[string]StageHealth, len(s.health))
	for name, h := range s.health {
		snapshot.StageHealth[string(name)] = *h
	}
	return snapshot
}

// Execute runs the stage under supervision: breaker check, per-attempt
// timeout, backoff retries, and health accounting. Budget and security
// refusals terminate immediately.
func (s *Supervisor) Execute(ctx context.Context, st stage.Stage, card *kanban.Card, pctx *stage.Context) (stage.Result, error) {
	name := st.Name()
	strategy := s.ensureRegistered(name)

	if result, handled, err := s.checkBreaker(ctx, name, strategy, card, pctx); handled {
		return result, err
	}

	s.transition(name, state.StageRunning, state.StateStageRunning, card)

	var lastErr error
	for attempt := 1; ; attempt++ {
		result, err := s.attempt(ctx, st, strategy, card, pctx)
		if err == nil {
			s.transition(name, state.StageCompleted, state.StateStageCompleted, card)
			return result, nil
		}
		lastErr = err

		breakerOpened := s.recordFailure(name, strategy)

		switch {
		case isTerminal(err):
			s.logger.Warn("stage terminated without retry",
				zap.String("stage", string(name)),
				zap.Error(err))
			s.transition(name, state.StageFailed, state.StateStageFailed, card)
			return nil, &PipelineStageError{StageName: name, Attempts: attempt, Err: err}
		case breakerOpened:
			s.logger.Warn("circuit breaker opened",
				zap.String("stage", string(name)),
				zap.Int("attempt", attempt))
			s.transition(name, state.StageFailed, state.StateStageFailed, card)
			return nil, &PipelineStageError{StageName: name, Attempts: attempt, Err: err}
		case ctx.Err() != nil:
			s.transition(name, state.StageFailed, state.StateStageFailed, card)
			return nil, &PipelineStageError{StageName: name, Attempts: attempt, Err: err}
		case attempt > strategy.MaxRetries:
			s.transition(name, state.StageFailed, state.StateStageFailed, card)
			s.notifyExhausted(ctx, name, card, attempt, err)
			return nil, &PipelineStageError{StageName: name, Attempts: attempt, Err: err}
		}

		s.mu.Lock()
		s.stats.TotalRetries++
		s.mu.Unlock()
		s.setStageState(name, state.StageRetrying)

		delay := strategy.delayFor(attempt)
		s.logger.Info("retrying stage",
			zap.String("stage", string(name)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := s.sleepFn(ctx, delay); err != nil {
			s.transition(name, state.StageFailed, state.StateStageFailed, card)
			return nil, &PipelineStageError{StageName: name, Attempts: attempt, Err: lastErr}
		}
	}
}

// attempt runs one invocation with its own deadline and a detached
// timeout watcher. The watcher observes wall time only; cancellation
// reaches the stage cooperatively through the context.
func (s *Supervisor) attempt(ctx context.Context, st stage.Stage, strategy RecoveryStrategy, card *kanban.Card, pctx *stage.Context) (stage.Result, error) {
	attemptCtx := ctx
	cancel := func() {}
	if strategy.Timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, strategy.Timeout)
	}
	defer cancel()

	watchDone := make(chan struct{})
	if strategy.Timeout > 0 {
		go s.watchTimeout(st.Name(), card, strategy.Timeout, watchDone)
	}

	start := s.nowFn()
	result, err := st.Execute(attemptCtx, card, pctx)
	duration := s.nowFn().Sub(start)
	close(watchDone)

	s.mu.Lock()
	s.stats.TotalExecutions++
	h := s.health[st.Name()]
	h.Executions++
	h.TotalDuration += duration
	s.mu.Unlock()

	return result, err
}

// watchTimeout marks a detected timeout and tells the other agents. It
// never kills the stage itself.
func (s *Supervisor) watchTimeout(name stage.Name, card *kanban.Card, timeout time.Duration, done <-chan struct{}) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		s.mu.Lock()
		s.stats.TimeoutsDetected++
		s.mu.Unlock()

		s.logger.Warn("stage exceeded its timeout",
			zap.String("stage", string(name)),
			zap.Duration("timeout", timeout))
		if s.bus != nil {
			data := map[string]any{
				"stage":           string(name),
				"timeout_seconds": timeout.Seconds(),
			}
			sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := s.bus.Send(sendCtx, messenger.Broadcast, messenger.TypeNotification,
				data, cardID(card), messenger.PriorityHigh, nil); err != nil {
				s.logger.Warn("timeout notification failed", zap.Error(err))
			}
		}
	}
}

// ensureRegistered registers the stage with the default strategy when
// the caller never did.
func (s *Supervisor) ensureRegistered(name stage.Name) RecoveryStrategy {
	s.mu.Lock()
	defer s.mu.Unlock()

	strategy, ok := s.strategies[name]
	if !ok {
		strategy = s.defaultStrategy
		s.strategies[name] = strategy
		s.health[name] = &StageHealth{}
	}
	return strategy
}

// checkBreaker applies the open-breaker rules. A breaker past its
// cooldown resets the stage's health entirely before the next attempt.
func (s *Supervisor) checkBreaker(ctx context.Context, name stage.Name, strategy RecoveryStrategy, card *kanban.Card, pctx *stage.Context) (stage.Result, bool, error) {
	s.mu.Lock()
	h := s.health[name]
	if !h.CircuitOpen {
		s.mu.Unlock()
		return nil, false, nil
	}
	if !s.nowFn().Before(h.CircuitOpenUntil) {
		*h = StageHealth{}
		s.mu.Unlock()
		s.logger.Info("circuit breaker reset", zap.String("stage", string(name)))
		return nil, false, nil
	}
	s.mu.Unlock()

	if strategy.Fallback != nil {
		s.logger.Info("circuit open, invoking fallback", zap.String("stage", string(name)))
		result, err := strategy.Fallback(ctx, card, pctx)
		return result, true, err
	}
	return stage.Result{"status": stage.StatusSkipped, "reason": SkipReasonBreaker}, true, nil
}

// recordFailure books one failure and reports whether it opened the
// breaker.
func (s *Supervisor) recordFailure(name stage.Name, strategy RecoveryStrategy) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.stats.TotalFailures++
	h := s.health[name]
	h.Failures++
	h.LastFailure = s.nowFn()

	if strategy.BreakerThreshold > 0 && h.Failures >= strategy.BreakerThreshold && !h.CircuitOpen {
		h.CircuitOpen = true
		h.CircuitOpenUntil = s.nowFn().Add(strategy.BreakerCooldown)
		s.stats.BreakersOpened++
		return true
	}
	return false
}

func (s *Supervisor) notifyExhausted(ctx context.Context, name stage.Name, card *kanban.Card, attempts int, lastErr error) {
	if s.bus == nil {
		return
	}
	data := map[string]any{
		"stage":    string(name),
		"attempts": attempts,
		"error":    lastErr.Error(),
	}
	sendCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := s.bus.Send(sendCtx, messenger.Broadcast, messenger.TypeError,
		data, cardID(card), messenger.PriorityHigh, nil); err != nil {
		s.logger.Warn("retry exhaustion notification failed", zap.Error(err))
	}
}

// transition mirrors a stage state change into the state machine.
func (s *Supervisor) transition(name stage.Name, st state.StageState, pipeline state.PipelineState, card *kanban.Card) {
	if s.machine == nil {
		return
	}
	s.machine.SetStageState(string(name), st)
	s.machine.Push(pipeline, map[string]any{
		"stage":   string(name),
		"card_id": cardID(card),
	})
}

func (s *Supervisor) setStageState(name stage.Name, st state.StageState) {
	if s.machine != nil {
		s.machine.SetStageState(string(name), st)
	}
}

// isTerminal reports errors that must never be retried.
func isTerminal(err error) bool {
	var budget *cost.BudgetExceededError
	if errors.As(err, &budget) {
		return true
	}
	var security *sandbox.SecurityError
	return errors.As(err, &security)
}

func cardID(card *kanban.Card) string {
	if card == nil {
		return ""
	}
	return card.ID
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
