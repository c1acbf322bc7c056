// Package planner derives a workflow plan from a card. Scoring is
// deterministic: the same card always yields the same plan.
package planner

import (
	"fmt"
	"strings"

	"go.uber.org/zap"

	"artemis/internal/kanban"
	"artemis/internal/stage"
)

// Complexity buckets a card by its score.
type Complexity string

const (
	ComplexitySimple  Complexity = "simple"
	ComplexityMedium  Complexity = "medium"
	ComplexityComplex Complexity = "complex"
)

// TaskType classifies the kind of work a card asks for.
type TaskType string

const (
	TaskFeature       TaskType = "feature"
	TaskBugfix        TaskType = "bugfix"
	TaskRefactor      TaskType = "refactor"
	TaskDocumentation TaskType = "documentation"
	TaskOther         TaskType = "other"
)

// Execution selects how developer work runs.
type Execution string

const (
	ExecutionSequential Execution = "sequential"
	ExecutionParallel   Execution = "parallel"
)

// Score thresholds for the complexity buckets.
const (
	complexThreshold = 6
	mediumThreshold  = 3
)

// Keyword caps: complex keywords add at most 3, simple keywords
// subtract at most 2.
const (
	complexKeywordCap = 3
	simpleKeywordCap  = 2
)

// maxDevelopers bounds the parallel developer count.
const maxDevelopers = 3

var complexKeywords = []string{
	"integrate", "architecture", "refactor", "migrate",
	"performance", "scalability", "distributed", "api",
}

var simpleKeywords = []string{
	"fix", "update", "small", "minor", "simple", "quick",
}

// Task-type keyword classes, checked in precedence order:
// bugfix > refactor > documentation > feature.
var taskTypeClasses = []struct {
	taskType TaskType
	keywords []string
}{
	{TaskBugfix, []string{"fix", "bug", "error", "crash", "broken", "defect", "regression"}},
	{TaskRefactor, []string{"refactor", "restructure", "cleanup", "clean up", "reorganize", "rework"}},
	{TaskDocumentation, []string{"documentation", "document", "docs", "readme", "changelog"}},
	{TaskFeature, []string{"add", "implement", "create", "build", "feature", "support", "new"}},
}

// Plan is the planner's output for one card.
type Plan struct {
	Complexity         Complexity   `json:"complexity"`
	TaskType           TaskType     `json:"task_type"`
	Stages             []stage.Name `json:"stages"`
	SkipStages         []stage.Name `json:"skip_stages"`
	ParallelDevelopers int          `json:"parallel_developers"`
	ExecutionStrategy  Execution    `json:"execution_strategy"`
	Reasoning          []string     `json:"reasoning"`
}

// Skips reports whether the plan marks name as skipped.
func (p *Plan) Skips(name stage.Name) bool {
	for _, s := range p.SkipStages {
		if s == name {
			return true
		}
	}
	return false
}

// Runnable returns the ordered stage list minus the skipped stages.
func (p *Plan) Runnable() []stage.Name {
	out := make([]stage.Name, 0, len(p.Stages))
	for _, s := range p.Stages {
		if !p.Skips(s) {
			out = append(out, s)
		}
	}
	return out
}

// Planner scores cards into workflow plans.
type Planner struct {
	logger      *zap.Logger
	maxParallel int
}

// Option configures a Planner.
type Option func(*Planner)

// WithLogger sets the logger. Nil is replaced with a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMaxParallel caps the parallel developer count below the built-in
// maximum of 3. Values outside [1, 3] are clamped.
func WithMaxParallel(n int) Option {
	return func(p *Planner) {
		p.maxParallel = n
	}
}

// New creates a Planner.
func New(opts ...Option) *Planner {
	p := &Planner{
		logger:      zap.NewNop(),
		maxParallel: maxDevelopers,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.maxParallel < 1 {
		p.maxParallel = 1
	}
	if p.maxParallel > maxDevelopers {
		p.maxParallel = maxDevelopers
	}
	return p
}

// Plan derives the workflow plan for a card.
func (p *Planner) Plan(card *kanban.Card) *Plan {
	text := strings.ToLower(card.Title + " " + card.Description)

	score, scoreReasons := p.score(card, text)
	complexity := bucket(score)
	taskType := classify(text)

	devs := developersFor(complexity)
	if devs > p.maxParallel {
		devs = p.maxParallel
	}
	mode := ExecutionSequential
	if devs > 1 {
		mode = ExecutionParallel
	}

	stages := assembleStages(taskType, devs)
	skips := skipStages(complexity, taskType)

	reasoning := make([]string, 0, len(scoreReasons)+3)
	reasoning = append(reasoning, scoreReasons...)
	reasoning = append(reasoning,
		fmt.Sprintf("complexity %s (score %d)", complexity, score),
		fmt.Sprintf("task type %s", taskType),
		fmt.Sprintf("%d developer(s), %s execution", devs, mode),
	)
	for _, s := range skips {
		reasoning = append(reasoning, fmt.Sprintf("skipping %s for %s %s work", s, complexity, taskType))
	}

	plan := &Plan{
		Complexity:         complexity,
		TaskType:           taskType,
		Stages:             stages,
		SkipStages:         skips,
		ParallelDevelopers: devs,
		ExecutionStrategy:  mode,
		Reasoning:          reasoning,
	}

	p.logger.Debug("planned workflow",
		zap.String("card_id", card.ID),
		zap.String("complexity", string(complexity)),
		zap.String("task_type", string(taskType)),
		zap.Int("parallel_developers", devs),
		zap.Int("score", score))

	return plan
}

// score computes the complexity score plus human-readable reasons.
func (p *Planner) score(card *kanban.Card, text string) (int, []string) {
	var reasons []string
	score := 0

	switch card.Priority {
	case kanban.PriorityHigh:
		score += 2
		reasons = append(reasons, "priority high +2")
	case kanban.PriorityMedium:
		score++
		reasons = append(reasons, "priority medium +1")
	}

	switch card.StoryPoints {
	case 13:
		score += 3
		reasons = append(reasons, "13 story points +3")
	case 8:
		score += 2
		reasons = append(reasons, "8 story points +2")
	case 5:
		score++
		reasons = append(reasons, "5 story points +1")
	}

	if n := countMatches(text, complexKeywords, complexKeywordCap); n > 0 {
		score += n
		reasons = append(reasons, fmt.Sprintf("complex keywords +%d", n))
	}
	if n := countMatches(text, simpleKeywords, simpleKeywordCap); n > 0 {
		score -= n
		reasons = append(reasons, fmt.Sprintf("simple keywords -%d", n))
	}

	return score, reasons
}

// countMatches counts distinct keywords contained in text, capped at
// limit.
func countMatches(text string, keywords []string, limit int) int {
	n := 0
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			n++
			if n == limit {
				break
			}
		}
	}
	return n
}

func bucket(score int) Complexity {
	switch {
	case score >= complexThreshold:
		return ComplexityComplex
	case score >= mediumThreshold:
		return ComplexityMedium
	default:
		return ComplexitySimple
	}
}

func classify(text string) TaskType {
	for _, class := range taskTypeClasses {
		for _, kw := range class.keywords {
			if strings.Contains(text, kw) {
				return class.taskType
			}
		}
	}
	return TaskOther
}

func developersFor(c Complexity) int {
	switch c {
	case ComplexityComplex:
		return 3
	case ComplexityMedium:
		return 2
	default:
		return 1
	}
}

// assembleStages builds the ordered stage list. Arbitration slots in
// before integration only for parallel plans; testing is dropped for
// documentation work.
func assembleStages(taskType TaskType, devs int) []stage.Name {
	stages := []stage.Name{
		stage.ProjectAnalysis,
		stage.Architecture,
		stage.Dependencies,
		stage.Development,
		stage.CodeReview,
		stage.Validation,
	}
	if devs > 1 {
		stages = append(stages, stage.Arbitration)
	}
	stages = append(stages, stage.Integration)
	if taskType != TaskDocumentation {
		stages = append(stages, stage.Testing)
	}
	return stages
}

// skipStages lists the stages a plan marks skipped rather than run.
// Simple work skips analysis and architecture; simple bugfixes also
// skip the dependency pass.
func skipStages(c Complexity, t TaskType) []stage.Name {
	if c != ComplexitySimple {
		return nil
	}
	skips := []stage.Name{stage.ProjectAnalysis, stage.Architecture}
	if t == TaskBugfix {
		skips = append(skips, stage.Dependencies)
	}
	return skips
}
