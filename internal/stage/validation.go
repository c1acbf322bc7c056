package stage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"artemis/internal/kanban"
	"artemis/internal/knowledge"
	"artemis/internal/sandbox"
)

// ValidationStage re-runs the winning solution under the full
// security scan and records the outcome as a validation artifact. A
// security refusal propagates untouched so the supervisor can
// terminate without retrying.
type ValidationStage struct {
	c Collaborators
}

// NewValidation creates the validation unit.
func NewValidation(c Collaborators) *ValidationStage {
	return &ValidationStage{c: c}
}

func (s *ValidationStage) Name() Name { return Validation }

func (s *ValidationStage) Execute(ctx context.Context, card *kanban.Card, pctx *Context) (Result, error) {
	sol := winningSolution(pctx)
	if sol == nil {
		return nil, fmt.Errorf("validation for card %s: no developer solution in context", card.ID)
	}
	code, _ := sol["code"].(string)
	language, _ := sol["language"].(string)
	developer, _ := sol["developer"].(string)

	var checks []string
	verdict := StatusSuccess

	if s.c.Sandbox != nil {
		run, err := s.c.Sandbox.Execute(ctx, sandbox.Request{
			Code:     code,
			Language: language,
			Scan:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("validation of %s on card %s: %w", developer, card.ID, err)
		}
		if run.Success {
			checks = append(checks, "sandbox execution passed")
		} else {
			verdict = StatusFailed
			checks = append(checks, fmt.Sprintf("sandbox execution failed: exit=%d killed=%v %s",
				run.ExitCode, run.Killed, run.KillReason))
		}
	} else {
		checks = append(checks, "sandbox unavailable, static checks only")
	}

	if code == "" {
		verdict = StatusFailed
		checks = append(checks, "empty solution")
	}

	if s.c.Artifacts != nil {
		if _, err := s.c.Artifacts.Store(ctx, knowledge.TypeValidationResult, card.ID,
			"Validation: "+card.Title, fmt.Sprintf("verdict=%s checks=%v", verdict, checks),
			map[string]any{"developer": developer, "verdict": verdict}); err != nil {
			s.c.logger().Warn("validation artifact store failed", zap.Error(err))
		}
	}

	if verdict != StatusSuccess {
		return nil, fmt.Errorf("validation failed for card %s: %v", card.ID, checks)
	}
	return Result{
		"status":    verdict,
		"developer": developer,
		"checks":    checks,
	}, nil
}

// winningSolution resolves the arbitration winner's result, falling
// back to the first successful developer when no winner was chosen
// (single-developer plans skip arbitration).
func winningSolution(pctx *Context) Result {
	solutions := developerResults(pctx)
	if len(solutions) == 0 {
		return nil
	}
	if winner := pctx.GetString(KeyWinningDeveloper); winner != "" {
		for _, sol := range solutions {
			if developer, _ := sol["developer"].(string); developer == winner {
				return sol
			}
		}
	}
	for _, sol := range solutions {
		if sol.Status() == StatusSuccess {
			return sol
		}
	}
	return nil
}
