package cost

import "context"

type stageKey struct{}
type cardKey struct{}

// WithStage tags ctx with the stage making LLM calls, for billing
// attribution.
func WithStage(ctx context.Context, stage string) context.Context {
	return context.WithValue(ctx, stageKey{}, stage)
}

// StageFrom returns the billing stage, or "unattributed".
func StageFrom(ctx context.Context) string {
	if v, ok := ctx.Value(stageKey{}).(string); ok && v != "" {
		return v
	}
	return "unattributed"
}

// WithCard tags ctx with the card being worked.
func WithCard(ctx context.Context, cardID string) context.Context {
	return context.WithValue(ctx, cardKey{}, cardID)
}

// CardFrom returns the billing card id, or "".
func CardFrom(ctx context.Context) string {
	if v, ok := ctx.Value(cardKey{}).(string); ok {
		return v
	}
	return ""
}
