package stage

import (
	"context"
	"fmt"

	"artemis/internal/kanban"
)

// ArbitrationStage picks the winning solution among parallel
// developers. The choice is deterministic: highest passing review
// score first, then any successful smoke run, then the first worker.
// Confidence reflects how clear the margin was.
type ArbitrationStage struct {
	c Collaborators
}

// NewArbitration creates the arbitration unit.
func NewArbitration(c Collaborators) *ArbitrationStage {
	return &ArbitrationStage{c: c}
}

func (s *ArbitrationStage) Name() Name { return Arbitration }

func (s *ArbitrationStage) Execute(_ context.Context, card *kanban.Card, pctx *Context) (Result, error) {
	solutions := developerResults(pctx)
	if len(solutions) == 0 {
		return nil, fmt.Errorf("arbitration for card %s: no developer results in context", card.ID)
	}

	scores := reviewScores(pctx)
	winner := ""
	winnerScore := -1.0
	runnerUp := -1.0
	for _, sol := range solutions {
		developer, _ := sol["developer"].(string)
		if developer == "" || sol.Status() != StatusSuccess {
			continue
		}
		score := scores[developer]
		if sandboxOK(sol) {
			score += 0.5
		}
		switch {
		case score > winnerScore:
			runnerUp = winnerScore
			winner, winnerScore = developer, score
		case score > runnerUp:
			runnerUp = score
		}
	}
	if winner == "" {
		return nil, fmt.Errorf("arbitration for card %s: no successful developer result", card.ID)
	}

	confidence := "low"
	switch margin := winnerScore - runnerUp; {
	case runnerUp < 0 || margin >= 2.0:
		confidence = "high"
	case margin >= 0.5:
		confidence = "medium"
	}

	pctx.Set(KeyWinningDeveloper, winner)
	return Result{
		"status":     StatusSuccess,
		"winner":     winner,
		"confidence": confidence,
		"score":      winnerScore,
	}, nil
}

// reviewScores maps developer → overall review score from the latest
// code review result.
func reviewScores(pctx *Context) map[string]float64 {
	out := make(map[string]float64)
	review, ok := pctx.Result(CodeReview)
	if !ok {
		return out
	}
	raw, _ := review["reviews"].([]map[string]any)
	for _, r := range raw {
		developer, _ := r["developer"].(string)
		if status, _ := r["review_status"].(string); status != StatusPass {
			continue
		}
		if score, ok := r["overall_score"].(float64); ok {
			out[developer] = score
		}
	}
	return out
}

func sandboxOK(sol Result) bool {
	run, _ := sol["sandbox"].(map[string]any)
	ok, _ := run["success"].(bool)
	return ok
}
