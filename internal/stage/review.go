package stage

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"artemis/internal/kanban"
	"artemis/internal/knowledge"
)

// CodeReviewStage reviews every developer solution collected by the
// strategy. The verdict is PASS unless any review finds critical
// issues; a FAIL sends the pipeline back to development with the
// structured feedback in the context.
type CodeReviewStage struct {
	c Collaborators
}

// NewCodeReview creates the review unit.
func NewCodeReview(c Collaborators) *CodeReviewStage {
	return &CodeReviewStage{c: c}
}

func (s *CodeReviewStage) Name() Name { return CodeReview }

type reviewDoc struct {
	ReviewStatus   string   `json:"review_status"`
	OverallScore   float64  `json:"overall_score"`
	CriticalIssues int      `json:"critical_issues"`
	HighIssues     int      `json:"high_issues"`
	Issues         []string `json:"issues"`
}

func (s *CodeReviewStage) Execute(ctx context.Context, card *kanban.Card, pctx *Context) (Result, error) {
	ctx = billing(ctx, CodeReview, card)

	solutions := developerResults(pctx)
	if len(solutions) == 0 {
		return nil, fmt.Errorf("code review for card %s: no developer results in context", card.ID)
	}

	var (
		reviews       []map[string]any
		totalCritical int
		totalHigh     int
		allIssues     []string
	)
	for _, sol := range solutions {
		developer, _ := sol["developer"].(string)
		code, _ := sol["code"].(string)

		if sol.Status() != StatusSuccess {
			// Failed workers get an automatic failing review; there
			// is nothing to read.
			reviews = append(reviews, map[string]any{
				"developer":     developer,
				"review_status": StatusFail,
				"overall_score": 0.0,
				"report_file":   "",
			})
			totalCritical++
			allIssues = append(allIssues, fmt.Sprintf("%s produced no reviewable solution", developer))
			continue
		}

		resp, err := askLLM(ctx, s.c.LLM,
			"You review code for correctness, security, and style. Respond with JSON: "+
				`{"review_status":"PASS","overall_score":8.5,"critical_issues":0,"high_issues":0,"issues":[]}`,
			fmt.Sprintf("Card: %s\nDeveloper: %s\n\n%s", card.Title, developer, code))
		if err != nil {
			return nil, fmt.Errorf("code review of %s on card %s: %w", developer, card.ID, err)
		}

		var doc reviewDoc
		if !decodeInto(resp.Content, &doc) {
			doc = reviewDoc{ReviewStatus: StatusFail, Issues: []string{"unparseable review response"}, CriticalIssues: 1}
		}
		if doc.ReviewStatus != StatusPass && doc.ReviewStatus != StatusFail {
			doc.ReviewStatus = StatusFail
		}
		totalCritical += doc.CriticalIssues
		totalHigh += doc.HighIssues
		allIssues = append(allIssues, doc.Issues...)

		var reportFile string
		if s.c.Artifacts != nil {
			id, err := s.c.Artifacts.Store(ctx, knowledge.TypeCodeReview, card.ID,
				fmt.Sprintf("Review of %s: %s", developer, card.Title),
				fmt.Sprintf("status=%s score=%.1f critical=%d high=%d issues=%v",
					doc.ReviewStatus, doc.OverallScore, doc.CriticalIssues, doc.HighIssues, doc.Issues),
				map[string]any{
					"developer":       developer,
					"review_status":   doc.ReviewStatus,
					"overall_score":   doc.OverallScore,
					"critical_issues": doc.CriticalIssues,
					"high_issues":     doc.HighIssues,
				})
			if err != nil {
				s.c.logger().Warn("review artifact store failed", zap.Error(err))
			} else {
				reportFile = id
			}
		}

		reviews = append(reviews, map[string]any{
			"developer":     developer,
			"review_status": doc.ReviewStatus,
			"overall_score": doc.OverallScore,
			"report_file":   reportFile,
		})
	}

	status := StatusPass
	if totalCritical > 0 {
		status = StatusFail
	}
	return Result{
		"status":                status,
		"total_critical_issues": totalCritical,
		"total_high_issues":     totalHigh,
		"reviews":               reviews,
		"issues":                allIssues,
	}, nil
}
