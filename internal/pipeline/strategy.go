// Package pipeline drives one card through its planned stages: the
// strategy iterates the filtered stage list with supervised execution,
// parallel developer workers, and the code-review retry loop; the
// orchestrator wires the collaborators and owns the run lifecycle.
package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"artemis/internal/kanban"
	"artemis/internal/observer"
	"artemis/internal/planner"
	"artemis/internal/stage"
	"artemis/internal/supervisor"
)

// Outcome statuses. Report-level statuses are derived from these by
// the orchestrator.
const (
	OutcomeSuccess = "success"
	OutcomeFailed  = "failed"
)

// maxConfiguredDevelopers is the hard ceiling on the worker pool,
// whatever the configuration asks for.
const maxConfiguredDevelopers = 5

// RetryRecord is one failed code-review attempt.
type RetryRecord struct {
	Attempt        int    `json:"attempt"`
	CriticalIssues int    `json:"critical_issues"`
	HighIssues     int    `json:"high_issues"`
	Feedback       string `json:"feedback"`
}

// Outcome is the strategy's aggregate result for one run.
type Outcome struct {
	Status           string                    `json:"status"`
	Results          map[string]map[string]any `json:"results"`
	FailedStage      string                    `json:"failed_stage,omitempty"`
	Error            string                    `json:"error,omitempty"`
	DeveloperResults []map[string]any          `json:"developer_results,omitempty"`
	RetryHistory     []RetryRecord             `json:"retry_history,omitempty"`
	StagesRun        []string                  `json:"stages_run"`
}

// Recorder receives stage lifecycle callbacks; the orchestrator uses
// it to persist checkpoints. Reruns of a stage produce distinct
// StartedAt values.
type Recorder interface {
	StageStarted(ctx context.Context, name stage.Name, startedAt time.Time)
	StageFinished(ctx context.Context, name stage.Name, startedAt time.Time, result stage.Result, execErr error)
}

// UnexpectedFunc is called when a stage result carries a status
// outside the known vocabulary. The orchestrator routes these to the
// learning engine.
type UnexpectedFunc func(ctx context.Context, name stage.Name, result stage.Result)

// Strategy iterates the filtered stage list.
type Strategy struct {
	sup              *supervisor.Supervisor
	hub              *observer.Hub
	recorder         Recorder
	unexpected       UnexpectedFunc
	maxParallel      int
	maxReviewRetries int
	logger           *zap.Logger
	nowFn            func() time.Time
}

// StrategyOption configures a Strategy.
type StrategyOption func(*Strategy)

// WithHub attaches the observer hub events flow through.
func WithHub(h *observer.Hub) StrategyOption {
	return func(s *Strategy) { s.hub = h }
}

// WithRecorder attaches the checkpoint recorder.
func WithRecorder(r Recorder) StrategyOption {
	return func(s *Strategy) { s.recorder = r }
}

// WithUnexpectedHandler routes out-of-vocabulary stage statuses.
func WithUnexpectedHandler(fn UnexpectedFunc) StrategyOption {
	return func(s *Strategy) { s.unexpected = fn }
}

// WithMaxParallelDevelopers caps the worker pool. Clamped to [1, 5].
func WithMaxParallelDevelopers(n int) StrategyOption {
	return func(s *Strategy) {
		if n < 1 {
			n = 1
		}
		if n > maxConfiguredDevelopers {
			n = maxConfiguredDevelopers
		}
		s.maxParallel = n
	}
}

// WithMaxReviewRetries sets how many times a failing code review may
// send the run back to development.
func WithMaxReviewRetries(n int) StrategyOption {
	return func(s *Strategy) {
		if n >= 0 {
			s.maxReviewRetries = n
		}
	}
}

// WithStrategyLogger sets the logger.
func WithStrategyLogger(l *zap.Logger) StrategyOption {
	return func(s *Strategy) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithStrategyClock replaces the time source.
func WithStrategyClock(fn func() time.Time) StrategyOption {
	return func(s *Strategy) {
		if fn != nil {
			s.nowFn = fn
		}
	}
}

// NewStrategy creates a Strategy over the given supervisor.
func NewStrategy(sup *supervisor.Supervisor, opts ...StrategyOption) *Strategy {
	s := &Strategy{
		sup:              sup,
		maxParallel:      3,
		maxReviewRetries: 2,
		logger:           zap.NewNop(),
		nowFn:            time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Execute runs the ordered stage list for one card. Stages run
// sequentially; development fans out to the plan's worker count. Any
// stage error halts the run with the failing stage named.
func (s *Strategy) Execute(ctx context.Context, card *kanban.Card, plan *planner.Plan, stages []stage.Stage, pctx *stage.Context) *Outcome {
	outcome := &Outcome{
		Status:  OutcomeSuccess,
		Results: make(map[string]map[string]any),
	}

	indexOf := func(name stage.Name) int {
		for i, st := range stages {
			if st.Name() == name {
				return i
			}
		}
		return -1
	}

	reviewAttempt := 0
	for i := 0; i < len(stages); i++ {
		st := stages[i]
		name := st.Name()

		var (
			result stage.Result
			err    error
		)
		if name == stage.Development {
			result, err = s.runDevelopers(ctx, card, plan, st, pctx, outcome)
		} else {
			result, err = s.runOne(ctx, card, st, pctx)
		}
		if err != nil {
			outcome.Status = OutcomeFailed
			outcome.FailedStage = string(name)
			outcome.Error = err.Error()
			s.emit(observer.StageFailed, card, string(name), map[string]any{"error": err.Error()})
			if name == stage.CodeReview {
				s.emit(observer.CodeReviewFailed, card, string(name), map[string]any{"error": err.Error()})
			}
			return outcome
		}

		outcome.Results[string(name)] = result
		outcome.StagesRun = append(outcome.StagesRun, string(name))
		pctx.SetResult(name, result)
		s.checkVocabulary(ctx, name, result)

		if name == stage.CodeReview && result.Status() == stage.StatusFail {
			devIdx := indexOf(stage.Development)
			if reviewAttempt < s.maxReviewRetries && devIdx >= 0 {
				reviewAttempt++
				record := RetryRecord{
					Attempt:        reviewAttempt,
					CriticalIssues: result.Int("total_critical_issues"),
					HighIssues:     result.Int("total_high_issues"),
					Feedback:       reviewFeedback(result),
				}
				outcome.RetryHistory = append(outcome.RetryHistory, record)
				pctx.Set(stage.KeyPreviousReviewFeed, record.Feedback)
				pctx.Set(stage.KeyRetryHistory, outcome.RetryHistory)

				s.logger.Info("code review failed, re-entering development",
					zap.Int("attempt", reviewAttempt),
					zap.Int("critical_issues", record.CriticalIssues))
				s.emit(observer.CodeReviewFailed, card, string(name), map[string]any{
					"attempt":         reviewAttempt,
					"critical_issues": record.CriticalIssues,
				})
				i = devIdx - 1
				continue
			}

			outcome.Status = OutcomeFailed
			outcome.FailedStage = string(stage.CodeReview)
			outcome.Error = fmt.Sprintf("code review failed after %d retry attempt(s)", reviewAttempt)
			s.emit(observer.CodeReviewFailed, card, string(name), map[string]any{
				"critical_issues": result.Int("total_critical_issues"),
				"exhausted":       true,
			})
			return outcome
		}

		if name == stage.CodeReview {
			s.emit(observer.CodeReviewCompleted, card, string(name), map[string]any{
				"total_high_issues": result.Int("total_high_issues"),
			})
		}
	}

	return outcome
}

// runOne executes a single stage with events and checkpoints around
// the supervised call.
func (s *Strategy) runOne(ctx context.Context, card *kanban.Card, st stage.Stage, pctx *stage.Context) (stage.Result, error) {
	name := st.Name()
	started := s.nowFn()

	s.emit(observer.StageStarted, card, string(name), nil)
	if name == stage.CodeReview {
		s.emit(observer.CodeReviewStarted, card, string(name), nil)
	}
	if s.recorder != nil {
		s.recorder.StageStarted(ctx, name, started)
	}

	result, err := s.sup.Execute(ctx, st, card, pctx)

	if s.recorder != nil {
		s.recorder.StageFinished(ctx, name, started, result, err)
	}
	if err != nil {
		return nil, err
	}
	s.emit(observer.StageCompleted, card, string(name), map[string]any{"status": result.Status()})
	return result, nil
}

// runDevelopers fans the development stage out to the plan's worker
// count on a bounded pool. Individual worker failures become results,
// never aggregate errors; every worker finishes before the caller
// moves on.
func (s *Strategy) runDevelopers(ctx context.Context, card *kanban.Card, plan *planner.Plan, dev stage.Stage, pctx *stage.Context, outcome *Outcome) (stage.Result, error) {
	workers := 1
	if plan != nil && plan.ParallelDevelopers > workers {
		workers = plan.ParallelDevelopers
	}
	if workers > s.maxParallel {
		workers = s.maxParallel
	}

	started := s.nowFn()
	s.emit(observer.StageStarted, card, string(stage.Development), map[string]any{"workers": workers})
	if s.recorder != nil {
		s.recorder.StageStarted(ctx, stage.Development, started)
	}

	results := make([]stage.Result, workers)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.maxParallel)
	for w := 0; w < workers; w++ {
		w := w
		developer := fmt.Sprintf("developer-%d", w+1)
		g.Go(func() error {
			s.emit(observer.DeveloperStarted, card, string(stage.Development), map[string]any{"developer": developer})

			workerCtx := stage.WithDeveloper(gctx, developer)
			result, err := s.sup.Execute(workerCtx, dev, card, pctx)
			if err != nil {
				s.logger.Warn("developer worker failed",
					zap.String("developer", developer),
					zap.Error(err))
				s.emit(observer.DeveloperFailed, card, string(stage.Development), map[string]any{
					"developer": developer,
					"error":     err.Error(),
				})
				results[w] = stage.Result{
					"status":    stage.StatusFailed,
					"developer": developer,
					"error":     err.Error(),
				}
				return nil
			}
			if result == nil {
				result = stage.Result{}
			}
			if _, ok := result["developer"]; !ok {
				result["developer"] = developer
			}
			results[w] = result
			s.emit(observer.DeveloperCompleted, card, string(stage.Development), map[string]any{"developer": developer})
			return nil
		})
	}
	// Workers never return errors; Wait only orders completion.
	_ = g.Wait()

	pctx.Set(stage.KeyDeveloperResults, results)
	outcome.DeveloperResults = nil
	succeeded := 0
	for _, r := range results {
		outcome.DeveloperResults = append(outcome.DeveloperResults, map[string]any(r))
		if r.Status() == stage.StatusSuccess {
			succeeded++
		}
	}

	merged := stage.Result{
		"status":    stage.StatusSuccess,
		"workers":   workers,
		"succeeded": succeeded,
	}
	if s.recorder != nil {
		s.recorder.StageFinished(ctx, stage.Development, started, merged, nil)
	}
	s.emit(observer.StageCompleted, card, string(stage.Development), map[string]any{"succeeded": succeeded})
	return merged, nil
}

// checkVocabulary routes stage statuses outside the known set to the
// unexpected-state handler.
func (s *Strategy) checkVocabulary(ctx context.Context, name stage.Name, result stage.Result) {
	if s.unexpected == nil {
		return
	}
	switch result.Status() {
	case stage.StatusSuccess, stage.StatusFailed, stage.StatusSkipped, stage.StatusPass, stage.StatusFail:
		return
	}
	s.unexpected(ctx, name, result)
}

func (s *Strategy) emit(t observer.EventType, card *kanban.Card, stageName string, data map[string]any) {
	if s.hub == nil {
		return
	}
	e := observer.Event{Type: t, Stage: stageName, Data: data}
	if card != nil {
		e.CardID = card.ID
	}
	if developer, ok := data["developer"].(string); ok {
		e.Developer = developer
	}
	s.hub.Emit(e)
}

// reviewFeedback flattens a failing review into the text the next
// development attempt consumes.
func reviewFeedback(result stage.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "critical issues: %d, high issues: %d",
		result.Int("total_critical_issues"), result.Int("total_high_issues"))
	if issues, ok := result["issues"].([]string); ok && len(issues) > 0 {
		b.WriteString("; findings: ")
		b.WriteString(strings.Join(issues, "; "))
	}
	return b.String()
}
