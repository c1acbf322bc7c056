package llm

import (
	"context"

	"artemis/internal/cost"
)

// billingClient bills every completion through the cost tracker. The
// tracker checks budgets before recording, so a refused call surfaces
// as BudgetExceededError and never touches the ledger.
type billingClient struct {
	inner   Client
	tracker *cost.Tracker
}

// WithCostTracking wraps client so every call is billed. Stage and card
// attribution come from the context (cost.WithStage / cost.WithCard).
func WithCostTracking(client Client, tracker *cost.Tracker) Client {
	if tracker == nil {
		return client
	}
	return &billingClient{inner: client, tracker: tracker}
}

func (b *billingClient) Provider() string { return b.inner.Provider() }

func (b *billingClient) Complete(ctx context.Context, req Request) (*Response, error) {
	resp, err := b.inner.Complete(ctx, req)
	if err != nil {
		return nil, err
	}

	_, trackErr := b.tracker.Track(
		resp.Model,
		b.inner.Provider(),
		resp.Usage.PromptTokens,
		resp.Usage.CompletionTokens,
		cost.StageFrom(ctx),
		cost.CardFrom(ctx),
		"completion",
	)
	if trackErr != nil {
		return nil, trackErr
	}
	return resp, nil
}
