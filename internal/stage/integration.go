package stage

import (
	"context"
	"fmt"

	"artemis/internal/kanban"
)

// IntegrationStage lands the validated work: the card moves to the
// testing column and the winning developer is recorded in its
// history.
type IntegrationStage struct {
	c Collaborators
}

// NewIntegration creates the integration unit.
func NewIntegration(c Collaborators) *IntegrationStage {
	return &IntegrationStage{c: c}
}

func (s *IntegrationStage) Name() Name { return Integration }

func (s *IntegrationStage) Execute(_ context.Context, card *kanban.Card, pctx *Context) (Result, error) {
	sol := winningSolution(pctx)
	if sol == nil {
		return nil, fmt.Errorf("integration for card %s: nothing to integrate", card.ID)
	}
	developer, _ := sol["developer"].(string)

	if s.c.Board != nil {
		comment := fmt.Sprintf("integrated solution from %s", developer)
		if err := s.c.Board.MoveCard(card.ID, kanban.ColumnTesting, Actor, comment); err != nil {
			return nil, fmt.Errorf("integration move for card %s: %w", card.ID, err)
		}
		card.Column = kanban.ColumnTesting
	}

	return Result{
		"status":    StatusSuccess,
		"developer": developer,
		"column":    string(kanban.ColumnTesting),
	}, nil
}
