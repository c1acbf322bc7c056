package knowledge

import (
	"testing"
	"time"

	"artemis/internal/embedding"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := NewStore(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStoreAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	meta := map[string]any{"outcome": "success", "files_changed": float64(3)}
	id, err := store.Store(ctx, TypeDeveloperSolution, "card-001", "Add retry logic", "implemented exponential backoff in the http client", meta)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	got, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, TypeDeveloperSolution, got.Type)
	assert.Equal(t, "card-001", got.CardID)
	assert.Equal(t, "Add retry logic", got.Title)
	assert.Equal(t, meta, got.Metadata)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestStoreRejectsUnknownType(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Store(t.Context(), ArtifactType("not_a_type"), "card-001", "t", "c", nil)
	require.Error(t, err)
}

func TestStoreDeduplicatesSameContent(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	first, err := store.Store(ctx, TypeCodeReview, "card-002", "Review", "looks good, one nit on naming", nil)
	require.NoError(t, err)
	second, err := store.Store(ctx, TypeCodeReview, "card-002", "Review again", "looks good, one nit on naming", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)

	// Same content under a different card is a distinct artifact.
	third, err := store.Store(ctx, TypeCodeReview, "card-003", "Review", "looks good, one nit on naming", nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestQuerySimilarExactContentScoresFull(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	content := "fixed null pointer in login handler"
	id, err := store.Store(ctx, TypeIssueResolution, "card-004", "Login fix", content, nil)
	require.NoError(t, err)
	_, err = store.Store(ctx, TypeIssueResolution, "card-005", "Other", "unrelated database migration notes", nil)
	require.NoError(t, err)

	matches, err := store.QuerySimilar(ctx, content, nil, 5, nil)
	require.NoError(t, err)
	require.NotEmpty(t, matches)
	assert.Equal(t, id, matches[0].ArtifactID)
	assert.Equal(t, 1.0, matches[0].Similarity)
}

func TestQuerySimilarKeywordFraction(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Store(ctx, TypeDeveloperSolution, "card-006", "Cache", "added redis cache for session lookups", nil)
	require.NoError(t, err)

	// Two of four keywords appear in the content.
	matches, err := store.QuerySimilar(ctx, "redis cache eviction policy", nil, 5, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.InDelta(t, 0.5, matches[0].Similarity, 0.001)
}

func TestQuerySimilarFiltersByType(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Store(ctx, TypeDeveloperSolution, "card-007", "Solution", "parser rewrite for config files", nil)
	require.NoError(t, err)
	_, err = store.Store(ctx, TypeCodeReview, "card-007", "Review", "parser rewrite needs more tests", nil)
	require.NoError(t, err)

	matches, err := store.QuerySimilar(ctx, "parser rewrite", []ArtifactType{TypeCodeReview}, 5, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, TypeCodeReview, matches[0].Type)
}

func TestQuerySimilarFiltersByMetadata(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Store(ctx, TypeDeveloperSolution, "card-008", "A", "rate limiter with token bucket", map[string]any{"outcome": "success"})
	require.NoError(t, err)
	_, err = store.Store(ctx, TypeDeveloperSolution, "card-009", "B", "rate limiter with sliding window", map[string]any{"outcome": "failure"})
	require.NoError(t, err)

	matches, err := store.QuerySimilar(ctx, "rate limiter", nil, 5, map[string]any{"outcome": "success"})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, "card-008", matches[0].CardID)
}

func TestQuerySimilarVectorRanking(t *testing.T) {
	engine := embedding.NewHashEngine(64)
	store := newTestStore(t, WithEmbedder(engine))
	ctx := t.Context()

	target, err := store.Store(ctx, TypeDeveloperSolution, "card-010", "Auth", "implement oauth token refresh flow", nil)
	require.NoError(t, err)
	_, err = store.Store(ctx, TypeDeveloperSolution, "card-011", "CSS", "tweak button colors on landing page", nil)
	require.NoError(t, err)

	matches, err := store.QuerySimilar(ctx, "implement oauth token refresh flow", nil, 2, nil)
	require.NoError(t, err)
	require.Len(t, matches, 2)
	assert.Equal(t, target, matches[0].ArtifactID)
	assert.Greater(t, matches[0].Similarity, matches[1].Similarity)
	assert.InDelta(t, 1.0, matches[0].Similarity, 0.001)
}

func TestRecommendationsDegradedModeStaysLow(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	_, err := store.Store(ctx, TypeDeveloperSolution, "card-012", "Export job", "csv export worker with batching", map[string]any{"outcome": "success"})
	require.NoError(t, err)
	_, err = store.Store(ctx, TypeIssueResolution, "card-013", "Export bug", "csv export crashed on empty input", map[string]any{"outcome": "failure"})
	require.NoError(t, err)

	rec, err := store.Recommendations(ctx, "build csv export for reports", nil)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceLow, rec.Confidence)
	assert.Equal(t, 2, rec.SimilarTasksCount)
	assert.NotEmpty(t, rec.Recommendations)
	assert.NotEmpty(t, rec.Avoid)
}

func TestRecommendationsVectorConfidence(t *testing.T) {
	engine := embedding.NewHashEngine(64)
	store := newTestStore(t, WithEmbedder(engine))
	ctx := t.Context()

	task := "add pagination to the search endpoint"
	for i, card := range []string{"card-014", "card-015", "card-016"} {
		_, err := store.Store(ctx, TypeDeveloperSolution, card,
			"Pagination", task+" variant", map[string]any{"outcome": "success", "attempt": float64(i)})
		require.NoError(t, err)
	}

	rec, err := store.Recommendations(ctx, task, nil)
	require.NoError(t, err)
	assert.Equal(t, ConfidenceHigh, rec.Confidence)
	assert.Len(t, rec.BasedOnHistory, 3)
}

func TestExtractPatternsWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := t.Context()

	now := time.Now().UTC()
	store.nowFn = func() time.Time { return now.AddDate(0, 0, -40) }
	_, err := store.Store(ctx, TypeIssueResolution, "card-017", "Old", "timeout in payment gateway", nil)
	require.NoError(t, err)

	store.nowFn = func() time.Time { return now }
	_, err = store.Store(ctx, TypeIssueResolution, "card-018", "Recent", "another timeout in payment gateway", nil)
	require.NoError(t, err)

	doc, err := store.ExtractPatterns(ctx, "timeout", 30)
	require.NoError(t, err)
	assert.Equal(t, 1, doc["total_matches"])

	doc, err = store.ExtractPatterns(ctx, "timeout", 60)
	require.NoError(t, err)
	assert.Equal(t, 2, doc["total_matches"])
}

func TestStatsCountsByType(t *testing.T) {
	engine := embedding.NewHashEngine(32)
	store := newTestStore(t, WithEmbedder(engine))
	ctx := t.Context()

	_, err := store.Store(ctx, TypeDeveloperSolution, "card-019", "A", "first artifact body", nil)
	require.NoError(t, err)
	_, err = store.Store(ctx, TypeDeveloperSolution, "card-020", "B", "second artifact body", nil)
	require.NoError(t, err)
	_, err = store.Store(ctx, TypeCodeReview, "card-019", "C", "third artifact body", nil)
	require.NoError(t, err)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 2, stats.ByType[TypeDeveloperSolution])
	assert.Equal(t, 1, stats.ByType[TypeCodeReview])
	assert.Equal(t, 3, stats.WithEmbeddings)
}
