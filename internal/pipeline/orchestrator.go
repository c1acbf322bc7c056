package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"artemis/internal/kanban"
	"artemis/internal/knowledge"
	"artemis/internal/learning"
	"artemis/internal/messenger"
	"artemis/internal/observer"
	"artemis/internal/persist"
	"artemis/internal/planner"
	"artemis/internal/router"
	"artemis/internal/stage"
	"artemis/internal/state"
	"artemis/internal/supervisor"
)

// Report statuses.
const (
	StatusCompleted        = "COMPLETED_SUCCESSFULLY"
	StatusFailedCodeReview = "FAILED_CODE_REVIEW"
)

// Mode selects how much of the pipeline a run covers.
type Mode string

const (
	ModeFull     Mode = "full"
	ModeContinue Mode = "continue"
	ModeSingle   Mode = "single"
)

// StageSummary is one planned stage in the final report.
type StageSummary struct {
	Name    string `json:"name"`
	Skipped bool   `json:"skipped"`
}

// Report is the orchestrator's terminal output for one run.
type Report struct {
	RunID                string                `json:"run_id"`
	CardID               string                `json:"card_id"`
	WorkflowPlan         *planner.Plan         `json:"workflow_plan"`
	Stages               []StageSummary        `json:"stages"`
	Status               string                `json:"status"`
	ExecutionResult      *Outcome              `json:"execution_result"`
	SupervisorStatistics supervisor.Statistics `json:"supervisor_statistics"`
	StartedAt            time.Time             `json:"started_at"`
	FinishedAt           time.Time             `json:"finished_at"`
}

// Success reports whether the run reached a successful terminal
// status.
func (r *Report) Success() bool {
	return r.Status == StatusCompleted || strings.HasPrefix(r.Status, "STOPPED_AT_")
}

// KnowledgeStore is the slice of the knowledge store the orchestrator
// consumes directly.
type KnowledgeStore interface {
	Recommendations(ctx context.Context, taskDescription string, context map[string]any) (*knowledge.Recommendation, error)
}

// Board is the kanban contract the orchestrator needs.
type Board interface {
	FindCard(id string) (*kanban.Card, error)
}

// Deps wires the orchestrator's collaborators. Board, Registry,
// Planner, Supervisor, and Strategy are required; everything else
// degrades gracefully when nil.
type Deps struct {
	Board      Board
	Planner    *planner.Planner
	Router     *router.Router
	Registry   *stage.Registry
	Supervisor *supervisor.Supervisor
	Strategy   *Strategy
	Hub        *observer.Hub
	Machine    *state.Machine
	Learner    *learning.Engine
	Knowledge  KnowledgeStore
	Bus        messenger.Messenger
	Store      persist.Store
	Logger     *zap.Logger

	// ReportDir receives the final report JSON. Empty disables the
	// file copy; the report is still returned.
	ReportDir string

	// DisableCodeReview drops the review stage (and with it the
	// review retry loop) from every plan.
	DisableCodeReview bool
}

// Orchestrator runs one card end to end.
type Orchestrator struct {
	deps   Deps
	logger *zap.Logger
	nowFn  func() time.Time

	// currentCard attributes checkpoints to the running card; one
	// orchestrator drives one card at a time.
	currentCard atomic.Value
}

// New validates the wiring and builds an orchestrator.
func New(deps Deps) (*Orchestrator, error) {
	switch {
	case deps.Board == nil:
		return nil, fmt.Errorf("orchestrator: board required")
	case deps.Planner == nil:
		return nil, fmt.Errorf("orchestrator: planner required")
	case deps.Registry == nil:
		return nil, fmt.Errorf("orchestrator: stage registry required")
	case deps.Strategy == nil:
		return nil, fmt.Errorf("orchestrator: strategy required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{deps: deps, logger: logger, nowFn: time.Now}

	if deps.Strategy.recorder == nil && deps.Store != nil {
		deps.Strategy.recorder = o
	}
	if deps.Strategy.unexpected == nil && deps.Learner != nil {
		deps.Strategy.unexpected = o.handleUnexpected
	}
	return o, nil
}

// Run drives the card through the pipeline in the given mode.
// ModeSingle requires stageName.
func (o *Orchestrator) Run(ctx context.Context, cardID string, mode Mode, stageName string) (*Report, error) {
	card, err := o.deps.Board.FindCard(cardID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: load card %s: %w", cardID, err)
	}
	o.currentCard.Store(cardID)

	report := &Report{
		RunID:     uuid.NewString(),
		CardID:    cardID,
		StartedAt: o.nowFn(),
	}

	o.push(state.StatePlanning, map[string]any{"card_id": cardID})
	plan := o.deps.Planner.Plan(card)
	report.WorkflowPlan = plan

	pctx := stage.NewContext(map[string]any{stage.KeyPlan: plan})
	o.attachRecommendations(ctx, card, pctx)

	runnable, summaries, err := o.selectStages(ctx, card, plan, mode, stageName)
	if err != nil {
		return nil, err
	}
	report.Stages = summaries

	var resumed *persist.PipelineState
	if mode == ModeContinue {
		resumed, runnable = o.resumeFrom(ctx, cardID, runnable, pctx)
	}

	o.announce(ctx, observer.PipelineStarted, card, map[string]any{
		"run_id": report.RunID,
		"mode":   string(mode),
		"stages": stageNames(runnable),
	})
	o.saveState(ctx, cardID, persist.StatusRunning, runnable, nil, resumed)

	outcome := o.deps.Strategy.Execute(ctx, card, plan, o.deps.Registry.Ordered(runnable), pctx)
	report.ExecutionResult = outcome
	report.FinishedAt = o.nowFn()
	if o.deps.Supervisor != nil {
		report.SupervisorStatistics = o.deps.Supervisor.Statistics()
	}
	report.Status = deriveStatus(outcome, mode, stageName)

	if outcome.Status == OutcomeSuccess {
		o.push(state.StateCompleted, map[string]any{"card_id": cardID})
		o.saveState(ctx, cardID, persist.StatusCompleted, nil, outcome, resumed)
		o.announce(ctx, observer.PipelineCompleted, card, map[string]any{"status": report.Status})
	} else {
		o.push(state.StateFailed, map[string]any{
			"card_id": cardID,
			"stage":   outcome.FailedStage,
			"error":   outcome.Error,
		})
		o.saveState(ctx, cardID, persist.StatusFailed, nil, outcome, resumed)
		o.announce(ctx, observer.PipelineFailed, card, map[string]any{
			"status": report.Status,
			"stage":  outcome.FailedStage,
			"error":  outcome.Error,
		})
	}

	o.writeReport(report)
	return report, nil
}

// selectStages produces the runnable ordered list for the mode, after
// plan skips and optional router filtering.
func (o *Orchestrator) selectStages(ctx context.Context, card *kanban.Card, plan *planner.Plan, mode Mode, stageName string) ([]stage.Name, []StageSummary, error) {
	if mode == ModeSingle {
		name := stage.Name(stageName)
		if o.deps.Registry.Get(name) == nil {
			return nil, nil, fmt.Errorf("orchestrator: unknown stage %q", stageName)
		}
		return []stage.Name{name}, []StageSummary{{Name: stageName}}, nil
	}

	runnable := plan.Runnable()
	if o.deps.DisableCodeReview {
		filtered := runnable[:0]
		for _, n := range runnable {
			if n != stage.CodeReview {
				filtered = append(filtered, n)
			}
		}
		runnable = filtered
	}
	if o.deps.Router != nil {
		decision, err := o.deps.Router.Route(ctx, card, plan)
		if err != nil {
			o.logger.Warn("router failed, keeping planner stages", zap.Error(err))
		} else if decision != nil {
			runnable = decision.StagesToRun
			o.logger.Info("router filtered stages",
				zap.String("source", decision.Source),
				zap.Strings("stages", stageNames(runnable)))
		}
	}

	keep := make(map[stage.Name]bool, len(runnable))
	for _, n := range runnable {
		keep[n] = true
	}
	summaries := make([]StageSummary, 0, len(plan.Stages))
	for _, n := range plan.Stages {
		summaries = append(summaries, StageSummary{Name: string(n), Skipped: !keep[n]})
	}
	return runnable, summaries, nil
}

// resumeFrom consults the persisted snapshot and drops stages that
// already completed, seeding their results back into the context.
func (o *Orchestrator) resumeFrom(ctx context.Context, cardID string, runnable []stage.Name, pctx *stage.Context) (*persist.PipelineState, []stage.Name) {
	if o.deps.Store == nil {
		return nil, runnable
	}
	saved, err := o.deps.Store.LoadPipelineState(ctx, cardID)
	if err != nil {
		o.logger.Info("no resumable state, running from the top",
			zap.String("card_id", cardID), zap.Error(err))
		return nil, runnable
	}
	if saved.Status == persist.StatusCompleted {
		// Already complete: nothing left to run.
		o.logger.Info("pipeline already completed", zap.String("card_id", cardID))
		return saved, nil
	}
	if !saved.Status.Resumable() {
		o.logger.Info("persisted pipeline not resumable",
			zap.String("card_id", cardID), zap.String("status", string(saved.Status)))
		return nil, runnable
	}

	done := make(map[stage.Name]bool, len(saved.StagesCompleted))
	for _, name := range saved.StagesCompleted {
		done[stage.Name(name)] = true
		if result, ok := saved.StageResults[name]; ok {
			pctx.SetResult(stage.Name(name), stage.Result(result))
		}
	}
	if len(saved.DeveloperResults) > 0 {
		results := make([]stage.Result, len(saved.DeveloperResults))
		for i, r := range saved.DeveloperResults {
			results[i] = stage.Result(r)
		}
		pctx.Set(stage.KeyDeveloperResults, results)
	}

	remaining := make([]stage.Name, 0, len(runnable))
	for _, n := range runnable {
		if !done[n] {
			remaining = append(remaining, n)
		}
	}
	o.logger.Info("resuming pipeline",
		zap.String("card_id", cardID),
		zap.Strings("completed", saved.StagesCompleted),
		zap.Strings("remaining", stageNames(remaining)))
	return saved, remaining
}

// attachRecommendations seeds the context with what past runs learned
// about similar tasks.
func (o *Orchestrator) attachRecommendations(ctx context.Context, card *kanban.Card, pctx *stage.Context) {
	if o.deps.Knowledge == nil {
		return
	}
	recs, err := o.deps.Knowledge.Recommendations(ctx, card.Title+" "+card.Description, nil)
	if err != nil {
		o.logger.Warn("recommendation lookup failed", zap.Error(err))
		return
	}
	pctx.Set(stage.KeyRecommendations, recs)
}

// handleUnexpected routes an out-of-vocabulary stage status through
// the learning engine.
func (o *Orchestrator) handleUnexpected(ctx context.Context, name stage.Name, result stage.Result) {
	learner := o.deps.Learner
	cardID, _ := o.currentCard.Load().(string)
	us := learner.DetectUnexpected(cardID, result.Status(),
		[]string{stage.StatusSuccess, stage.StatusFailed, stage.StatusPass, stage.StatusFail},
		map[string]any{"stage": string(name)})
	if us == nil {
		return
	}
	o.push(state.StateRecovering, map[string]any{"stage": string(name), "state": result.Status()})

	sol, err := learner.SolveAny(ctx, us)
	if err != nil || sol == nil {
		o.logger.Warn("no recovery solution for unexpected stage status",
			zap.String("stage", string(name)),
			zap.String("status", result.Status()),
			zap.Error(err))
		return
	}
	if err := learner.Apply(ctx, sol, us); err != nil {
		o.logger.Warn("recovery workflow failed", zap.Error(err))
	}
}

// StageStarted implements Recorder: a checkpoint opens for every
// stage invocation.
func (o *Orchestrator) StageStarted(ctx context.Context, name stage.Name, startedAt time.Time) {
	o.checkpoint(ctx, &persist.Checkpoint{
		StageName: string(name),
		Status:    persist.CheckpointStarted,
		StartedAt: startedAt,
	})
}

// StageFinished implements Recorder: the checkpoint closes with the
// result or the error.
func (o *Orchestrator) StageFinished(ctx context.Context, name stage.Name, startedAt time.Time, result stage.Result, execErr error) {
	now := o.nowFn()
	cp := &persist.Checkpoint{
		StageName:   string(name),
		Status:      persist.CheckpointCompleted,
		StartedAt:   startedAt,
		CompletedAt: &now,
		Result:      result,
	}
	if execErr != nil {
		cp.Status = persist.CheckpointFailed
		cp.Error = execErr.Error()
	}
	o.checkpoint(ctx, cp)
}

func (o *Orchestrator) checkpoint(ctx context.Context, cp *persist.Checkpoint) {
	if o.deps.Store == nil {
		return
	}
	cp.CardID, _ = o.currentCard.Load().(string)
	if err := o.deps.Store.SaveStageCheckpoint(ctx, cp); err != nil {
		o.logger.Warn("checkpoint save failed",
			zap.String("stage", cp.StageName), zap.Error(err))
	}
}

// saveState persists the pipeline snapshot at a run boundary.
func (o *Orchestrator) saveState(ctx context.Context, cardID string, status persist.Status, upcoming []stage.Name, outcome *Outcome, resumed *persist.PipelineState) {
	if o.deps.Store == nil {
		return
	}
	ps := &persist.PipelineState{
		CardID:       cardID,
		Status:       status,
		StageResults: make(map[string]map[string]any),
		Metrics:      map[string]any{},
	}
	if resumed != nil {
		ps.CreatedAt = resumed.CreatedAt
		ps.StagesCompleted = append(ps.StagesCompleted, resumed.StagesCompleted...)
		for k, v := range resumed.StageResults {
			ps.StageResults[k] = v
		}
	}
	if status == persist.StatusRunning && len(upcoming) > 0 {
		ps.CurrentStage = string(upcoming[0])
	}
	if outcome != nil {
		for _, name := range outcome.StagesRun {
			ps.StagesCompleted = appendUnique(ps.StagesCompleted, name)
			ps.StageResults[name] = outcome.Results[name]
		}
		ps.DeveloperResults = outcome.DeveloperResults
		ps.Metrics["retry_attempts"] = len(outcome.RetryHistory)
		if outcome.FailedStage != "" {
			ps.Error = outcome.Error
		}
	}
	if status == persist.StatusCompleted {
		now := o.nowFn()
		ps.CompletedAt = &now
	}
	if err := o.deps.Store.SavePipelineState(ctx, ps); err != nil {
		o.logger.Warn("pipeline state save failed", zap.Error(err))
	}
}

// announce emits the event on the hub and broadcasts it to the other
// agents.
func (o *Orchestrator) announce(ctx context.Context, t observer.EventType, card *kanban.Card, data map[string]any) {
	if o.deps.Hub != nil {
		o.deps.Hub.Emit(observer.Event{Type: t, CardID: card.ID, Data: data})
	}
	if o.deps.Bus == nil {
		return
	}
	payload := map[string]any{"event": string(t)}
	for k, v := range data {
		payload[k] = v
	}
	if _, err := o.deps.Bus.Send(ctx, messenger.Broadcast, messenger.TypeNotification,
		payload, card.ID, messenger.PriorityMedium, nil); err != nil {
		o.logger.Warn("pipeline announcement failed", zap.Error(err))
	}
}

func (o *Orchestrator) push(st state.PipelineState, payload map[string]any) {
	if o.deps.Machine != nil {
		o.deps.Machine.Push(st, payload)
	}
}

// writeReport drops the report JSON into the report directory.
func (o *Orchestrator) writeReport(report *Report) {
	if o.deps.ReportDir == "" {
		return
	}
	if err := os.MkdirAll(o.deps.ReportDir, 0o755); err != nil {
		o.logger.Warn("report dir create failed", zap.Error(err))
		return
	}
	path := filepath.Join(o.deps.ReportDir, report.CardID+"_report.json")
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		o.logger.Warn("report marshal failed", zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		o.logger.Warn("report write failed", zap.Error(err))
		return
	}
	o.logger.Info("report written", zap.String("path", path))
}

// deriveStatus maps the strategy outcome onto the report status
// vocabulary.
func deriveStatus(outcome *Outcome, mode Mode, stageName string) string {
	if outcome.Status == OutcomeSuccess {
		if mode == ModeSingle {
			return "STOPPED_AT_" + strings.ToUpper(stageName)
		}
		return StatusCompleted
	}
	if outcome.FailedStage == string(stage.CodeReview) {
		return StatusFailedCodeReview
	}
	return "FAILED_" + strings.ToUpper(outcome.FailedStage)
}

func stageNames(names []stage.Name) []string {
	out := make([]string, len(names))
	for i, n := range names {
		out[i] = string(n)
	}
	return out
}

func appendUnique(list []string, item string) []string {
	for _, existing := range list {
		if existing == item {
			return list
		}
	}
	return append(list, item)
}
