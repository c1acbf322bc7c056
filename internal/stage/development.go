package stage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"artemis/internal/kanban"
	"artemis/internal/knowledge"
	"artemis/internal/sandbox"
)

// DevelopmentStage is the body of one developer worker. The strategy
// runs the configured number of these concurrently; each invocation
// carries its worker identity in the context (WithDeveloper).
type DevelopmentStage struct {
	c Collaborators
}

// NewDevelopment creates the developer unit.
func NewDevelopment(c Collaborators) *DevelopmentStage {
	return &DevelopmentStage{c: c}
}

func (s *DevelopmentStage) Name() Name { return Development }

type solutionDoc struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Summary  string `json:"summary"`
}

func (s *DevelopmentStage) Execute(ctx context.Context, card *kanban.Card, pctx *Context) (Result, error) {
	developer := DeveloperFrom(ctx)
	ctx = billing(ctx, Development, card)

	prompt := cardBrief(card)
	if arch, ok := pctx.Result(Architecture); ok {
		if decision, _ := arch["decision"].(string); decision != "" {
			prompt += "\nArchitecture decision: " + decision + "\n"
		}
	}
	if feedback := pctx.GetString(KeyPreviousReviewFeed); feedback != "" {
		prompt += "\nPrevious review feedback to address:\n" + feedback + "\n"
	}

	resp, err := askLLM(ctx, s.c.LLM,
		"You implement software work items. Respond with JSON: "+
			`{"language":"python","code":"...","summary":"..."}`,
		prompt)
	if err != nil {
		return nil, fmt.Errorf("developer %s on card %s: %w", developer, card.ID, err)
	}

	var sol solutionDoc
	if !decodeInto(resp.Content, &sol) {
		sol.Code = extractCodeBlock(resp.Content)
		sol.Summary = "solution extracted from prose response"
	}
	if sol.Language == "" {
		sol.Language = "python"
	}
	if strings.TrimSpace(sol.Code) == "" {
		return nil, fmt.Errorf("developer %s on card %s: empty solution", developer, card.ID)
	}

	result := Result{
		"status":    StatusSuccess,
		"developer": developer,
		"language":  sol.Language,
		"code":      sol.Code,
		"summary":   sol.Summary,
	}

	// Smoke run: generated code never executes in-process.
	if s.c.Sandbox != nil {
		run, err := s.c.Sandbox.Execute(ctx, sandbox.Request{
			Code:     sol.Code,
			Language: sol.Language,
			Scan:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("developer %s smoke run: %w", developer, err)
		}
		result["sandbox"] = map[string]any{
			"success":     run.Success,
			"exit_code":   run.ExitCode,
			"killed":      run.Killed,
			"kill_reason": run.KillReason,
		}
	}

	if s.c.Artifacts != nil {
		if _, err := s.c.Artifacts.Store(ctx, knowledge.TypeDeveloperSolution, card.ID,
			fmt.Sprintf("Solution by %s: %s", developer, card.Title), sol.Code,
			map[string]any{"developer": developer, "language": sol.Language, "summary": sol.Summary},
		); err != nil {
			s.c.logger().Warn("solution artifact store failed",
				zap.String("developer", developer), zap.Error(err))
		}
	}

	return result, nil
}

// extractCodeBlock pulls the first fenced block out of a prose
// response, or returns the whole text when no fence exists.
func extractCodeBlock(content string) string {
	start := strings.Index(content, "```")
	if start < 0 {
		return strings.TrimSpace(content)
	}
	rest := content[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
