package learning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"artemis/internal/knowledge"
	"artemis/internal/llm"
	"artemis/internal/messenger"
)

// ErrNoSolution reports that a strategy produced nothing. Resolve moves
// on to the next strategy in the policy.
var ErrNoSolution = errors.New("learning: no solution")

const fallbackConfidence = 0.3

// Solve produces a solution for the unexpected state using one
// strategy.
func (e *Engine) Solve(ctx context.Context, us *UnexpectedState, strategy Strategy) (*Solution, error) {
	switch strategy {
	case StrategySimilarCase:
		return e.solveSimilar(ctx, us)
	case StrategyLLM:
		return e.solveLLM(ctx, us)
	case StrategyHuman:
		return e.solveHuman(ctx, us)
	default:
		return nil, fmt.Errorf("learning: unknown strategy %q", strategy)
	}
}

// solveSimilar reuses a prior solution: the in-memory cache first, then
// the highest-success-rate learned_solution artifact in the store.
func (e *Engine) solveSimilar(ctx context.Context, us *UnexpectedState) (*Solution, error) {
	e.mu.Lock()
	cached := e.cache[us.CurrentState]
	e.mu.Unlock()
	if cached != nil && cached.TimesSuccessful > 0 {
		e.logger.Info("reusing cached solution",
			zap.String("state", us.CurrentState),
			zap.Float64("success_rate", cached.SuccessRate))
		return cached, nil
	}

	if e.kb == nil {
		return nil, ErrNoSolution
	}

	query := strings.TrimSpace(us.CurrentState + " " + us.ErrorMessage)
	matches, err := e.kb.QuerySimilar(ctx, query,
		[]knowledge.ArtifactType{knowledge.TypeLearnedSolution}, 5, nil)
	if err != nil {
		return nil, fmt.Errorf("learning: query similar cases: %w", err)
	}
	if len(matches) == 0 {
		return nil, ErrNoSolution
	}

	best := matches[0]
	bestRate := metadataFloat(best.Metadata, "success_rate")
	for _, m := range matches[1:] {
		if rate := metadataFloat(m.Metadata, "success_rate"); rate > bestRate {
			best, bestRate = m, rate
		}
	}

	workflow, err := workflowFromMetadata(best.Metadata)
	if err != nil {
		e.logger.Warn("stored solution has no usable workflow",
			zap.String("artifact_id", best.ArtifactID), zap.Error(err))
		return nil, ErrNoSolution
	}

	sol := &Solution{
		ID:              e.idFn(),
		CardID:          us.CardID,
		StateName:       us.CurrentState,
		Strategy:        StrategySimilarCase,
		Workflow:        workflow,
		TimesApplied:    int(metadataFloat(best.Metadata, "times_applied")),
		TimesSuccessful: int(metadataFloat(best.Metadata, "times_successful")),
		SuccessRate:     bestRate,
		SourceArtifact:  best.ArtifactID,
		CreatedAt:       e.nowFn(),
	}
	e.logger.Info("adapted similar case",
		zap.String("state", us.CurrentState),
		zap.String("source", best.ArtifactID),
		zap.Float64("success_rate", bestRate))
	return sol, nil
}

// solveLLM consults the model with the failure context plus a summary
// of what worked historically. Responses that are not the required JSON
// degrade to numbered-step extraction.
func (e *Engine) solveLLM(ctx context.Context, us *UnexpectedState) (*Solution, error) {
	if e.client == nil {
		return nil, ErrNoSolution
	}

	history := e.summarizeHistory(ctx, us)
	prompt := buildRecoveryPrompt(us, history)

	resp, err := e.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{
			{Role: "system", Content: recoverySystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("learning: llm consultation: %w", err)
	}

	workflow := parseWorkflow(resp.Content)
	if len(workflow.Steps) == 0 {
		return nil, ErrNoSolution
	}

	sol := &Solution{
		ID:        e.idFn(),
		CardID:    us.CardID,
		StateName: us.CurrentState,
		Strategy:  StrategyLLM,
		Workflow:  workflow,
		ModelUsed: resp.Model,
		CreatedAt: e.nowFn(),
	}
	e.logger.Info("llm proposed recovery workflow",
		zap.String("state", us.CurrentState),
		zap.Int("steps", len(workflow.Steps)),
		zap.Float64("confidence", workflow.Confidence))
	return sol, nil
}

// solveHuman publishes a request on the bus and blocks until some agent
// acknowledges it with a response for the same card, or the context
// expires.
func (e *Engine) solveHuman(ctx context.Context, us *UnexpectedState) (*Solution, error) {
	if e.bus == nil {
		return nil, ErrNoSolution
	}

	data := map[string]any{
		"card_id":       us.CardID,
		"current_state": us.CurrentState,
		"severity":      string(us.Severity),
		"error":         us.ErrorMessage,
	}
	if _, err := e.bus.Send(ctx, messenger.Broadcast, messenger.TypeRequest,
		data, us.CardID, messenger.PriorityHigh,
		map[string]any{"requires_ack": true}); err != nil {
		return nil, fmt.Errorf("learning: publish intervention request: %w", err)
	}
	e.logger.Info("waiting for human acknowledgement",
		zap.String("card_id", us.CardID),
		zap.String("state", us.CurrentState))

	ticker := time.NewTicker(e.pollEvery)
	defer ticker.Stop()
	for {
		msgs, err := e.bus.Read(ctx, messenger.Filter{Type: messenger.TypeResponse}, true)
		if err != nil {
			return nil, fmt.Errorf("learning: read acknowledgement: %w", err)
		}
		for _, m := range msgs {
			if m.CardID != us.CardID {
				e.logger.Debug("discarding response for another card",
					zap.String("card_id", m.CardID))
				continue
			}
			return e.solutionFromAck(us, m), nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (e *Engine) solutionFromAck(us *UnexpectedState, m messenger.Message) *Solution {
	desc, _ := m.Data["instructions"].(string)
	if desc == "" {
		desc = "operator acknowledged, follow out-of-band instructions"
	}
	return &Solution{
		ID:        e.idFn(),
		CardID:    us.CardID,
		StateName: us.CurrentState,
		Strategy:  StrategyHuman,
		Workflow: Workflow{
			SolutionDescription: desc,
			Confidence:          1.0,
			Steps: []Step{{
				Step:        1,
				Action:      ActionManualIntervention,
				Description: desc,
			}},
		},
		CreatedAt: e.nowFn(),
	}
}

// summarizeHistory folds prior cases for this state into a short note
// for the prompt: overall success rate, the most common workflow that
// worked, and how many applications failed.
func (e *Engine) summarizeHistory(ctx context.Context, us *UnexpectedState) string {
	if e.kb == nil {
		return ""
	}
	matches, err := e.kb.QuerySimilar(ctx, us.CurrentState,
		[]knowledge.ArtifactType{knowledge.TypeLearnedSolution}, 10, nil)
	if err != nil || len(matches) == 0 {
		return ""
	}

	var rateSum float64
	var failures int
	counts := make(map[string]int)
	for _, m := range matches {
		rateSum += metadataFloat(m.Metadata, "success_rate")
		failures += int(metadataFloat(m.Metadata, "times_applied")) -
			int(metadataFloat(m.Metadata, "times_successful"))
		if metadataFloat(m.Metadata, "times_successful") > 0 {
			if desc, _ := m.Metadata["solution_description"].(string); desc != "" {
				counts[desc]++
			}
		}
	}

	commonDesc := ""
	commonCount := 0
	descs := make([]string, 0, len(counts))
	for d := range counts {
		descs = append(descs, d)
	}
	sort.Strings(descs)
	for _, d := range descs {
		if counts[d] > commonCount {
			commonDesc, commonCount = d, counts[d]
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d prior case(s) for this state, average success rate %.2f, %d failed application(s).",
		len(matches), rateSum/float64(len(matches)), failures)
	if commonDesc != "" {
		fmt.Fprintf(&b, " Most common successful approach: %s", commonDesc)
	}
	return b.String()
}

const recoverySystemPrompt = `You are the recovery planner for an autonomous software delivery pipeline. You respond with a single JSON object and nothing else.`

func buildRecoveryPrompt(us *UnexpectedState, history string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "The pipeline for card %s reached an unexpected state.\n\n", us.CardID)
	fmt.Fprintf(&b, "Current state: %s\n", us.CurrentState)
	if len(us.ExpectedStates) > 0 {
		fmt.Fprintf(&b, "Expected states: %s\n", strings.Join(us.ExpectedStates, ", "))
	}
	if stageName, _ := us.Context["stage"].(string); stageName != "" {
		fmt.Fprintf(&b, "Stage: %s\n", stageName)
	}
	if us.ErrorMessage != "" {
		fmt.Fprintf(&b, "Error: %s\n", us.ErrorMessage)
	}
	fmt.Fprintf(&b, "Severity: %s\n", us.Severity)
	if raw, err := json.Marshal(us.Context); err == nil && len(us.Context) > 0 {
		fmt.Fprintf(&b, "Context: %s\n", raw)
	}
	if history != "" {
		fmt.Fprintf(&b, "\nHistory: %s\n", history)
	}
	b.WriteString(`
Produce a recovery workflow as JSON:
{"problem_analysis": "...", "root_cause": "...", "solution_description": "...", "workflow_steps": [{"step": 1, "action": "...", "description": "...", "parameters": {}}], "confidence": 0.0, "risks": [], "alternatives": []}

Valid actions: retry_stage, rollback_to_state, skip_stage, reset_state, cleanup_resources, restart_process, manual_intervention.
retry_stage, skip_stage and reset_state take a "stage" parameter; rollback_to_state takes a "state" parameter.`)
	return b.String()
}

// parseWorkflow decodes the model response. Invalid JSON falls back to
// numbered-step extraction; unknown actions become manual_intervention.
func parseWorkflow(content string) Workflow {
	raw := llm.ExtractJSON(content)
	if raw != "" {
		var wf Workflow
		if err := json.Unmarshal([]byte(raw), &wf); err == nil && len(wf.Steps) > 0 {
			for i := range wf.Steps {
				if !validActions[wf.Steps[i].Action] {
					wf.Steps[i].Action = ActionManualIntervention
				}
				if wf.Steps[i].Step == 0 {
					wf.Steps[i].Step = i + 1
				}
			}
			sort.SliceStable(wf.Steps, func(i, j int) bool {
				return wf.Steps[i].Step < wf.Steps[j].Step
			})
			return wf
		}
	}
	return extractNumberedSteps(content)
}

var numberedLine = regexp.MustCompile(`(?m)^\s*\d+[.):]\s+(.+)$`)

// extractNumberedSteps is the degraded path for free-text responses:
// every numbered line becomes a manual_intervention step.
func extractNumberedSteps(content string) Workflow {
	wf := Workflow{
		SolutionDescription: "extracted from unstructured response",
		Confidence:          fallbackConfidence,
	}
	for i, m := range numberedLine.FindAllStringSubmatch(content, -1) {
		wf.Steps = append(wf.Steps, Step{
			Step:        i + 1,
			Action:      ActionManualIntervention,
			Description: strings.TrimSpace(m[1]),
		})
	}
	if len(wf.Steps) == 0 {
		desc := strings.TrimSpace(content)
		if len(desc) > 500 {
			desc = desc[:500]
		}
		if desc == "" {
			return wf
		}
		wf.Steps = []Step{{
			Step:        1,
			Action:      ActionManualIntervention,
			Description: desc,
		}}
	}
	return wf
}

func metadataFloat(m map[string]any, key string) float64 {
	switch v := m[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case json.Number:
		f, _ := v.Float64()
		return f
	default:
		return 0
	}
}

// workflowFromMetadata rebuilds a workflow from a stored artifact's
// metadata, which round-trips through JSON as generic maps.
func workflowFromMetadata(m map[string]any) (Workflow, error) {
	rawSteps, ok := m["workflow_steps"]
	if !ok {
		return Workflow{}, errors.New("metadata has no workflow_steps")
	}
	encoded, err := json.Marshal(rawSteps)
	if err != nil {
		return Workflow{}, err
	}
	var steps []Step
	if err := json.Unmarshal(encoded, &steps); err != nil {
		return Workflow{}, err
	}
	if len(steps) == 0 {
		return Workflow{}, errors.New("metadata workflow_steps is empty")
	}
	for i := range steps {
		if !validActions[steps[i].Action] {
			steps[i].Action = ActionManualIntervention
		}
	}
	desc, _ := m["solution_description"].(string)
	return Workflow{SolutionDescription: desc, Steps: steps}, nil
}
