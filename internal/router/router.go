// Package router decides which of the planned stages actually run for
// a card. The AI path asks the LLM for a stage selection; when the
// model is unavailable or returns garbage the router falls back to
// pre-compiled keyword families. Core stages always survive filtering.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"artemis/internal/kanban"
	"artemis/internal/llm"
	"artemis/internal/planner"
	"artemis/internal/stage"
)

// Decision sources.
const (
	SourceAI      = "ai"
	SourceKeyword = "keyword"
)

// Decision is the router's output. StagesToRun preserves planner
// order.
type Decision struct {
	StagesToRun []stage.Name `json:"stages_to_run"`
	Reasoning   []string     `json:"reasoning"`
	Source      string       `json:"source"`
}

// keyword families, compiled once. Each family argues for keeping the
// optional stages it maps to.
var familyPatterns = []struct {
	name    string
	pattern *regexp.Regexp
	stages  []stage.Name
}{
	{"frontend", regexp.MustCompile(`(?i)\b(ui|ux|frontend|front-end|css|html|react|vue|component|layout|styling)\b`),
		[]stage.Name{stage.ProjectAnalysis}},
	{"backend", regexp.MustCompile(`(?i)\b(backend|back-end|server|endpoint|handler|worker|queue|daemon)\b`),
		[]stage.Name{stage.Architecture}},
	{"api", regexp.MustCompile(`(?i)\b(api|rest|grpc|graphql|webhook|openapi|swagger)\b`),
		[]stage.Name{stage.Architecture}},
	{"db", regexp.MustCompile(`(?i)\b(database|db|sql|schema|migration|postgres|sqlite|query)\b`),
		[]stage.Name{stage.ProjectAnalysis, stage.Architecture}},
	{"accessibility", regexp.MustCompile(`(?i)\b(accessibility|a11y|aria|wcag|screen reader|contrast)\b`),
		[]stage.Name{stage.ProjectAnalysis}},
	{"dependencies", regexp.MustCompile(`(?i)\b(dependency|dependencies|upgrade|bump|package|library|vendor)\b`),
		[]stage.Name{stage.Dependencies}},
	{"notebook", regexp.MustCompile(`(?i)\b(notebook|jupyter|ipynb|colab)\b`),
		[]stage.Name{stage.ProjectAnalysis}},
}

// Router filters planned stages for a card.
type Router struct {
	client llm.Client
	logger *zap.Logger
}

// Option configures a Router.
type Option func(*Router)

// WithLLM enables the AI path. A nil client leaves the router on the
// keyword fallback.
func WithLLM(c llm.Client) Option {
	return func(r *Router) { r.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// New creates a Router.
func New(opts ...Option) *Router {
	r := &Router{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route decides which planned stages run for the card. The decision
// filters membership only: ordering always follows the plan, and core
// stages plus a planned arbitration are never dropped.
func (r *Router) Route(ctx context.Context, card *kanban.Card, plan *planner.Plan) (*Decision, error) {
	if r.client != nil {
		decision, err := r.routeAI(ctx, card, plan)
		if err == nil {
			return decision, nil
		}
		r.logger.Warn("ai routing unavailable, falling back to keywords",
			zap.String("card_id", card.ID),
			zap.Error(err))
	}
	return r.routeKeywords(card, plan), nil
}

// aiSelection is the JSON shape the model must return.
type aiSelection struct {
	StagesToRun []string `json:"stages_to_run"`
	Reasoning   []string `json:"reasoning"`
}

func (r *Router) routeAI(ctx context.Context, card *kanban.Card, plan *planner.Plan) (*Decision, error) {
	candidates := make([]string, 0, len(plan.Stages))
	for _, s := range plan.Stages {
		candidates = append(candidates, string(s))
	}

	prompt := fmt.Sprintf(`You route work items through a delivery pipeline.

Card title: %s
Card description: %s

Candidate stages, in execution order: %s

Select the stages this card needs. Respond with JSON only:
{"stages_to_run": ["stage_name", ...], "reasoning": ["why", ...]}`,
		card.Title, card.Description, strings.Join(candidates, ", "))

	resp, err := r.client.Complete(ctx, llm.Request{
		Messages: []llm.Message{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return nil, err
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return nil, fmt.Errorf("no JSON object in routing response")
	}
	var sel aiSelection
	if err := json.Unmarshal([]byte(raw), &sel); err != nil {
		return nil, fmt.Errorf("parse routing response: %w", err)
	}

	wanted := make(map[stage.Name]bool, len(sel.StagesToRun))
	for _, s := range sel.StagesToRun {
		wanted[stage.Name(s)] = true
	}

	return &Decision{
		StagesToRun: filterStages(plan, wanted),
		Reasoning:   sel.Reasoning,
		Source:      SourceAI,
	}, nil
}

func (r *Router) routeKeywords(card *kanban.Card, plan *planner.Plan) *Decision {
	text := card.Title + " " + card.Description

	wanted := make(map[stage.Name]bool)
	var matched []string
	for _, family := range familyPatterns {
		if family.pattern.MatchString(text) {
			matched = append(matched, family.name)
			for _, s := range family.stages {
				wanted[s] = true
			}
		}
	}
	sort.Strings(matched)

	reasoning := make([]string, 0, len(matched)+1)
	for _, name := range matched {
		reasoning = append(reasoning, fmt.Sprintf("keyword family %s matched", name))
	}
	if len(matched) == 0 {
		reasoning = append(reasoning, "no keyword families matched, core stages only")
	}

	return &Decision{
		StagesToRun: filterStages(plan, wanted),
		Reasoning:   reasoning,
		Source:      SourceKeyword,
	}
}

// filterStages keeps the plan's order and drops only optional stages
// nothing argued for. Arbitration stays whenever the plan scheduled
// it.
func filterStages(plan *planner.Plan, wanted map[stage.Name]bool) []stage.Name {
	out := make([]stage.Name, 0, len(plan.Stages))
	for _, s := range plan.Stages {
		if stage.CoreStages[s] || s == stage.Arbitration || wanted[s] {
			out = append(out, s)
		}
	}
	return out
}
