package learning

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"artemis/internal/knowledge"
	"artemis/internal/messenger"
	"artemis/internal/state"
)

// Apply executes the workflow steps in order, updates the solution's
// application record, caches it, and persists a learned_solution
// artifact. A failing step stops the workflow and fails the
// application; the artifact is written either way so the failure
// counts against the solution's rate.
func (e *Engine) Apply(ctx context.Context, sol *Solution, us *UnexpectedState) error {
	var stepErr error
	for _, step := range sol.Workflow.Steps {
		if err := ctx.Err(); err != nil {
			stepErr = err
			break
		}
		fn := e.actions[step.Action]
		if fn == nil {
			stepErr = fmt.Errorf("no handler for action %q", step.Action)
			break
		}
		e.logger.Info("executing recovery step",
			zap.Int("step", step.Step),
			zap.String("action", string(step.Action)),
			zap.String("description", step.Description))
		if err := fn(ctx, us, step); err != nil {
			stepErr = fmt.Errorf("step %d (%s): %w", step.Step, step.Action, err)
			break
		}
	}

	e.mu.Lock()
	sol.TimesApplied++
	if stepErr == nil {
		sol.TimesSuccessful++
	}
	sol.SuccessRate = float64(sol.TimesSuccessful) / float64(sol.TimesApplied)
	e.cache[us.CurrentState] = sol
	e.mu.Unlock()

	e.persist(ctx, sol, us)

	if stepErr != nil {
		return fmt.Errorf("learning: recovery workflow for %s failed: %w", us.CurrentState, stepErr)
	}
	e.logger.Info("recovery workflow applied",
		zap.String("state", us.CurrentState),
		zap.Float64("success_rate", sol.SuccessRate))
	return nil
}

// persist writes the solution as a learned_solution artifact. Artifacts
// are append-only, so every application produces a new record carrying
// the updated counters.
func (e *Engine) persist(ctx context.Context, sol *Solution, us *UnexpectedState) {
	if e.kb == nil {
		return
	}
	content := fmt.Sprintf("Recovery for %s: %s", us.CurrentState, sol.Workflow.SolutionDescription)
	if sol.Workflow.ProblemAnalysis != "" {
		content += "\n\nAnalysis: " + sol.Workflow.ProblemAnalysis
	}
	metadata := map[string]any{
		"workflow_steps":       sol.Workflow.Steps,
		"solution_description": sol.Workflow.SolutionDescription,
		"success_rate":         sol.SuccessRate,
		"times_applied":        sol.TimesApplied,
		"times_successful":     sol.TimesSuccessful,
		"learning_strategy":    string(sol.Strategy),
		"severity":             string(us.Severity),
	}
	if sol.ModelUsed != "" {
		metadata["llm_model_used"] = sol.ModelUsed
	}
	if sol.SourceArtifact != "" {
		metadata["source_artifact"] = sol.SourceArtifact
	}

	title := "Learned solution for " + us.CurrentState
	if _, err := e.kb.Store(ctx, knowledge.TypeLearnedSolution, us.CardID, title, content, metadata); err != nil {
		e.logger.Warn("persisting learned solution failed", zap.Error(err))
	}
}

// SolveAny tries the configured policy in order and returns the first
// solution any strategy yields.
func (e *Engine) SolveAny(ctx context.Context, us *UnexpectedState) (*Solution, error) {
	var errs []error
	for _, strategy := range e.policy {
		sol, err := e.Solve(ctx, us, strategy)
		if err != nil {
			if !errors.Is(err, ErrNoSolution) {
				e.logger.Warn("strategy failed",
					zap.String("strategy", string(strategy)),
					zap.Error(err))
				errs = append(errs, err)
			}
			continue
		}
		return sol, nil
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("learning: no strategy solved %s: %w", us.CurrentState, errors.Join(errs...))
	}
	return nil, fmt.Errorf("learning: no strategy solved %s: %w", us.CurrentState, ErrNoSolution)
}

// Resolve satisfies state.IssueResolver: detect, solve with the first
// strategy in the policy that yields a workflow, then apply it.
func (e *Engine) Resolve(ctx context.Context, issue state.IssueType, details map[string]any) error {
	cardID, _ := details["card_id"].(string)
	us := e.DetectUnexpected(cardID, string(issue), nil, details)

	sol, err := e.SolveAny(ctx, us)
	if err != nil {
		return fmt.Errorf("learning: no strategy resolved %s: %w", issue, err)
	}
	return e.Apply(ctx, sol, us)
}

func (e *Engine) actRetryStage(ctx context.Context, us *UnexpectedState, step Step) error {
	name := stageParam(us, step)
	if name == "" {
		return errors.New("retry_stage needs a stage parameter")
	}
	if e.machine == nil {
		return errors.New("no state machine wired")
	}
	e.machine.SetStageState(name, state.StageRetrying)
	return nil
}

func (e *Engine) actRollback(ctx context.Context, us *UnexpectedState, step Step) error {
	target, _ := step.Parameters["state"].(string)
	if target == "" {
		return errors.New("rollback_to_state needs a state parameter")
	}
	if e.machine == nil {
		return errors.New("no state machine wired")
	}
	return e.machine.RollbackTo(state.PipelineState(target))
}

func (e *Engine) actSkipStage(ctx context.Context, us *UnexpectedState, step Step) error {
	name := stageParam(us, step)
	if name == "" {
		return errors.New("skip_stage needs a stage parameter")
	}
	if e.machine == nil {
		return errors.New("no state machine wired")
	}
	e.machine.SetStageState(name, state.StageSkipped)
	return nil
}

func (e *Engine) actResetState(ctx context.Context, us *UnexpectedState, step Step) error {
	name := stageParam(us, step)
	if name == "" {
		return errors.New("reset_state needs a stage parameter")
	}
	if e.machine == nil {
		return errors.New("no state machine wired")
	}
	e.machine.SetStageState(name, state.StagePending)
	return nil
}

// actCleanup deletes the listed paths, but only inside the configured
// work dir. Workflows come from an LLM; unbounded deletion is not on
// the table.
func (e *Engine) actCleanup(ctx context.Context, us *UnexpectedState, step Step) error {
	if e.workDir == "" {
		return errors.New("cleanup_resources with no work dir configured")
	}
	raw, _ := step.Parameters["paths"].([]any)
	root, err := filepath.Abs(e.workDir)
	if err != nil {
		return err
	}
	for _, item := range raw {
		p, _ := item.(string)
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(filepath.Join(root, p))
		if err != nil {
			return err
		}
		if abs != root && !strings.HasPrefix(abs, root+string(filepath.Separator)) {
			return fmt.Errorf("path %q escapes the work dir", p)
		}
		if err := os.RemoveAll(abs); err != nil {
			return fmt.Errorf("remove %s: %w", abs, err)
		}
		e.logger.Info("removed resource", zap.String("path", abs))
	}
	return nil
}

// actRestartProcess delegates to whichever agent owns the process; the
// engine has no process table of its own.
func (e *Engine) actRestartProcess(ctx context.Context, us *UnexpectedState, step Step) error {
	if e.bus == nil {
		return errors.New("restart_process with no messenger wired")
	}
	data := map[string]any{
		"action": string(ActionRestartProcess),
		"target": step.Parameters["target"],
	}
	_, err := e.bus.Send(ctx, messenger.Broadcast, messenger.TypeRequest,
		data, us.CardID, messenger.PriorityHigh, nil)
	return err
}

// actManual notifies operators and succeeds; the human side of the work
// happens out of band.
func (e *Engine) actManual(ctx context.Context, us *UnexpectedState, step Step) error {
	e.logger.Warn("manual intervention required",
		zap.String("card_id", us.CardID),
		zap.String("description", step.Description))
	if e.bus == nil {
		return nil
	}
	data := map[string]any{
		"action":      string(ActionManualIntervention),
		"description": step.Description,
		"state":       us.CurrentState,
	}
	if _, err := e.bus.Send(ctx, messenger.Broadcast, messenger.TypeNotification,
		data, us.CardID, messenger.PriorityHigh, nil); err != nil {
		e.logger.Warn("manual intervention notification failed", zap.Error(err))
	}
	return nil
}

// stageParam resolves the stage a step targets: the step's parameter
// first, then the detection context.
func stageParam(us *UnexpectedState, step Step) string {
	if name, _ := step.Parameters["stage"].(string); name != "" {
		return name
	}
	name, _ := us.Context["stage"].(string)
	return name
}
