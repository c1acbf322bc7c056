package stage

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"artemis/internal/kanban"
	"artemis/internal/sandbox"
)

// TestingStage generates a test script for the winning solution and
// runs it in the sandbox. On a green run the card lands in done with
// its test status updated.
type TestingStage struct {
	c Collaborators
}

// NewTesting creates the testing unit.
func NewTesting(c Collaborators) *TestingStage {
	return &TestingStage{c: c}
}

func (s *TestingStage) Name() Name { return Testing }

type testDoc struct {
	Language string `json:"language"`
	Code     string `json:"code"`
	Cases    int    `json:"cases"`
}

func (s *TestingStage) Execute(ctx context.Context, card *kanban.Card, pctx *Context) (Result, error) {
	ctx = billing(ctx, Testing, card)

	sol := winningSolution(pctx)
	if sol == nil {
		return nil, fmt.Errorf("testing for card %s: no solution to test", card.ID)
	}
	code, _ := sol["code"].(string)
	language, _ := sol["language"].(string)

	resp, err := askLLM(ctx, s.c.LLM,
		"You write executable test scripts for a given solution. The script must "+
			"exit non-zero on failure. Respond with JSON: "+
			`{"language":"python","code":"...","cases":3}`,
		fmt.Sprintf("Card: %s\n\nSolution (%s):\n%s", card.Title, language, code))
	if err != nil {
		return nil, fmt.Errorf("testing for card %s: %w", card.ID, err)
	}

	var tests testDoc
	if !decodeInto(resp.Content, &tests) {
		tests.Code = extractCodeBlock(resp.Content)
		tests.Language = language
	}
	if tests.Language == "" {
		tests.Language = language
	}

	testStatus := "passed"
	result := Result{"status": StatusSuccess, "cases": tests.Cases}

	if s.c.Sandbox != nil && strings.TrimSpace(tests.Code) != "" {
		run, err := s.c.Sandbox.Execute(ctx, sandbox.Request{
			Code:     tests.Code,
			Language: tests.Language,
			Scan:     true,
		})
		if err != nil {
			return nil, fmt.Errorf("test run for card %s: %w", card.ID, err)
		}
		result["exit_code"] = run.ExitCode
		if !run.Success {
			testStatus = "failed"
			result["status"] = StatusFailed
			result["stderr"] = run.Stderr
		}
	}
	result["test_status"] = testStatus

	if s.c.Board != nil {
		card.TestStatus = testStatus
		if err := s.c.Board.UpdateCard(card); err != nil {
			s.c.logger().Warn("test status update failed", zap.Error(err))
		}
		if testStatus == "passed" {
			if err := s.c.Board.MoveCard(card.ID, kanban.ColumnDone, Actor, "all tests passed"); err != nil {
				s.c.logger().Warn("done move failed", zap.Error(err))
			} else {
				card.Column = kanban.ColumnDone
			}
		}
	}

	if testStatus != "passed" {
		return nil, fmt.Errorf("tests failed for card %s", card.ID)
	}
	return result, nil
}
