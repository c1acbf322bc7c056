package stage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"artemis/internal/kanban"
	"artemis/internal/knowledge"
)

// ArchitectureStage records the design decision for the card as an
// ADR artifact and threads the decision into the context for the
// developer workers.
type ArchitectureStage struct {
	c Collaborators
}

// NewArchitecture creates the architecture unit.
func NewArchitecture(c Collaborators) *ArchitectureStage {
	return &ArchitectureStage{c: c}
}

func (s *ArchitectureStage) Name() Name { return Architecture }

type adrDoc struct {
	Decision     string   `json:"decision"`
	Rationale    string   `json:"rationale"`
	Alternatives []string `json:"alternatives"`
	Consequences []string `json:"consequences"`
}

func (s *ArchitectureStage) Execute(ctx context.Context, card *kanban.Card, pctx *Context) (Result, error) {
	ctx = billing(ctx, Architecture, card)

	prompt := cardBrief(card)
	if analysis, ok := pctx.Result(ProjectAnalysis); ok {
		if summary, _ := analysis["summary"].(string); summary != "" {
			prompt += "\nAnalysis: " + summary + "\n"
		}
	}

	resp, err := askLLM(ctx, s.c.LLM,
		"You write architecture decision records. Respond with JSON: "+
			`{"decision":"...","rationale":"...","alternatives":[],"consequences":[]}`,
		prompt)
	if err != nil {
		return nil, fmt.Errorf("architecture for card %s: %w", card.ID, err)
	}

	var adr adrDoc
	if !decodeInto(resp.Content, &adr) {
		adr.Decision = strings.TrimSpace(resp.Content)
	}
	if adr.Decision == "" {
		adr.Decision = "no decision produced"
	}

	var artifactID string
	if s.c.Artifacts != nil {
		id, err := s.c.Artifacts.Store(ctx, knowledge.TypeArchitectureDecision, card.ID,
			"ADR: "+card.Title, adr.Decision, map[string]any{
				"rationale":    adr.Rationale,
				"alternatives": adr.Alternatives,
				"consequences": adr.Consequences,
			})
		if err != nil {
			s.c.logger().Warn("ADR artifact store failed", zap.Error(err))
		} else {
			artifactID = id
		}
	}

	return Result{
		"status":    StatusSuccess,
		"decision":  adr.Decision,
		"rationale": adr.Rationale,
		"adr_id":    artifactID,
	}, nil
}
