package stage

import (
	"context"
	"regexp"
	"strings"

	"artemis/internal/kanban"
)

// DependenciesStage checks the card for dependency work: version
// bumps, new libraries, or blocked-on relationships. It is
// deterministic; no LLM call.
type DependenciesStage struct {
	c Collaborators
}

// NewDependencies creates the dependency-check unit.
func NewDependencies(c Collaborators) *DependenciesStage {
	return &DependenciesStage{c: c}
}

func (s *DependenciesStage) Name() Name { return Dependencies }

var dependencyMention = regexp.MustCompile(`(?i)\b(upgrade|bump|depends? on|dependency|dependencies|requires|library|package|vendor)\b`)

// versionPin matches explicit version references like v1.2.3 or 2.0.
var versionPin = regexp.MustCompile(`\bv?\d+\.\d+(\.\d+)?\b`)

func (s *DependenciesStage) Execute(_ context.Context, card *kanban.Card, _ *Context) (Result, error) {
	text := card.Title + " " + card.Description
	var findings []string
	for _, m := range dependencyMention.FindAllString(text, -1) {
		findings = append(findings, strings.ToLower(m))
	}
	pins := versionPin.FindAllString(text, -1)

	var conflicts []string
	if card.Blocked {
		conflicts = append(conflicts, "card blocked: "+card.BlockedReason)
	}

	return Result{
		"status":       StatusSuccess,
		"dependencies": dedupe(findings),
		"version_pins": pins,
		"conflicts":    conflicts,
	}, nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
