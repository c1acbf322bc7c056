package stage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"artemis/internal/cost"
	"artemis/internal/kanban"
	"artemis/internal/knowledge"
	"artemis/internal/llm"
	"artemis/internal/sandbox"
)

// ArtifactStore is the slice of the knowledge store stages persist to.
type ArtifactStore interface {
	Store(ctx context.Context, atype knowledge.ArtifactType, cardID, title, content string, metadata map[string]any) (string, error)
}

// Runner executes stage-generated code in isolation.
type Runner interface {
	Execute(ctx context.Context, req sandbox.Request) (*sandbox.Result, error)
}

// Board is the slice of the kanban board stages touch.
type Board interface {
	MoveCard(id string, column kanban.Column, actor, comment string) error
	UpdateCard(card *kanban.Card) error
}

// Actor is the history attribution for board changes made by stages.
const Actor = "artemis"

// Collaborators carries the shared services injected into stage units.
// Any field may be nil; stages that require a missing collaborator
// return an error from Execute.
type Collaborators struct {
	LLM       llm.Client
	Artifacts ArtifactStore
	Sandbox   Runner
	Board     Board
	Logger    *zap.Logger
}

func (c Collaborators) logger() *zap.Logger {
	if c.Logger == nil {
		return zap.NewNop()
	}
	return c.Logger
}

// BuildDefault registers all nine stage units against one registry.
func BuildDefault(c Collaborators) *Registry {
	r := NewRegistry()
	r.MustRegister(NewProjectAnalysis(c))
	r.MustRegister(NewArchitecture(c))
	r.MustRegister(NewDependencies(c))
	r.MustRegister(NewDevelopment(c))
	r.MustRegister(NewCodeReview(c))
	r.MustRegister(NewArbitration(c))
	r.MustRegister(NewValidation(c))
	r.MustRegister(NewIntegration(c))
	r.MustRegister(NewTesting(c))
	return r
}

type developerKey struct{}

// WithDeveloper tags the context with the worker identity for one
// development invocation.
func WithDeveloper(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, developerKey{}, name)
}

// DeveloperFrom returns the worker identity, defaulting to the first
// developer.
func DeveloperFrom(ctx context.Context) string {
	if name, ok := ctx.Value(developerKey{}).(string); ok && name != "" {
		return name
	}
	return "developer-1"
}

// billing attributes downstream LLM calls to this stage and card.
func billing(ctx context.Context, name Name, card *kanban.Card) context.Context {
	ctx = cost.WithStage(ctx, string(name))
	if card != nil {
		ctx = cost.WithCard(ctx, card.ID)
	}
	return ctx
}

var errNoLLM = errors.New("stage: no llm client wired")

func askLLM(ctx context.Context, client llm.Client, system, user string) (*llm.Response, error) {
	if client == nil {
		return nil, errNoLLM
	}
	return client.Complete(ctx, llm.Request{Messages: []llm.Message{
		{Role: "system", Content: system},
		{Role: "user", Content: user},
	}})
}

// decodeInto extracts the first JSON object from an LLM response and
// unmarshals it. It reports false for prose-only responses.
func decodeInto(content string, out any) bool {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return false
	}
	return json.Unmarshal([]byte(raw), out) == nil
}

// cardBrief renders the card for prompts.
func cardBrief(card *kanban.Card) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Card %s: %s\n", card.ID, card.Title)
	if card.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", card.Description)
	}
	fmt.Fprintf(&b, "Priority: %s, story points: %d\n", card.Priority, card.StoryPoints)
	if len(card.Labels) > 0 {
		fmt.Fprintf(&b, "Labels: %s\n", strings.Join(card.Labels, ", "))
	}
	if len(card.AcceptanceCriteria) > 0 {
		b.WriteString("Acceptance criteria:\n")
		for _, ac := range card.AcceptanceCriteria {
			fmt.Fprintf(&b, "- %s\n", ac.Text)
		}
	}
	return b.String()
}

// developerResults reads the aggregated worker outputs the strategy
// stored in the context.
func developerResults(pctx *Context) []Result {
	raw, _ := pctx.Get(KeyDeveloperResults)
	switch v := raw.(type) {
	case []Result:
		return v
	case []map[string]any:
		out := make([]Result, len(v))
		for i, m := range v {
			out[i] = Result(m)
		}
		return out
	default:
		return nil
	}
}
