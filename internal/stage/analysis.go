package stage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"artemis/internal/kanban"
	"artemis/internal/knowledge"
)

// ProjectAnalysisStage researches the card before any design work:
// what the change touches, which requirements hide in the description,
// and what past runs recommend.
type ProjectAnalysisStage struct {
	c Collaborators
}

// NewProjectAnalysis creates the analysis unit.
func NewProjectAnalysis(c Collaborators) *ProjectAnalysisStage {
	return &ProjectAnalysisStage{c: c}
}

func (s *ProjectAnalysisStage) Name() Name { return ProjectAnalysis }

type analysisDoc struct {
	Summary      string   `json:"summary"`
	Requirements []string `json:"requirements"`
	Risks        []string `json:"risks"`
	Affected     []string `json:"affected_areas"`
}

func (s *ProjectAnalysisStage) Execute(ctx context.Context, card *kanban.Card, pctx *Context) (Result, error) {
	ctx = billing(ctx, ProjectAnalysis, card)

	prompt := cardBrief(card)
	if recs, ok := pctx.Get(KeyRecommendations); ok {
		prompt += fmt.Sprintf("\nHistorical recommendations: %v\n", recs)
	}

	resp, err := askLLM(ctx, s.c.LLM,
		"You analyze software work items. Respond with JSON: "+
			`{"summary":"...","requirements":[],"risks":[],"affected_areas":[]}`,
		prompt)
	if err != nil {
		return nil, fmt.Errorf("project analysis for card %s: %w", card.ID, err)
	}

	var doc analysisDoc
	if !decodeInto(resp.Content, &doc) {
		doc.Summary = strings.TrimSpace(resp.Content)
	}
	if doc.Summary == "" {
		doc.Summary = "no analysis produced"
	}

	if s.c.Artifacts != nil {
		if _, err := s.c.Artifacts.Store(ctx, knowledge.TypeResearchReport, card.ID,
			"Project analysis: "+card.Title, doc.Summary, map[string]any{
				"requirements": doc.Requirements,
				"risks":        doc.Risks,
			}); err != nil {
			s.c.logger().Warn("analysis artifact store failed", zap.Error(err))
		}
	}

	return Result{
		"status":         StatusSuccess,
		"summary":        doc.Summary,
		"requirements":   doc.Requirements,
		"risks":          doc.Risks,
		"affected_areas": doc.Affected,
	}, nil
}
