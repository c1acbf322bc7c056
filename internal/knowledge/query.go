package knowledge

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"artemis/internal/embedding"

	"go.uber.org/zap"
)

// QuerySimilar ranks stored artifacts against the query text. With an
// embedding engine similarity is cosine distance; without one it is the
// fraction of query keywords contained in the content, 1.0 for full
// containment.
func (s *Store) QuerySimilar(ctx context.Context, query string, types []ArtifactType, topK int, filters map[string]any) ([]Match, error) {
	if topK <= 0 {
		topK = 5
	}

	candidates, err := s.loadCandidates(ctx, types)
	if err != nil {
		return nil, err
	}
	candidates = filterByMetadata(candidates, filters)

	var matches []Match
	if s.engine != nil {
		matches, err = s.rankByVector(ctx, query, candidates)
		if err != nil {
			s.logger.Warn("vector ranking failed, using keyword fallback", zap.Error(err))
			matches = rankByKeywords(query, candidates)
		}
	} else {
		matches = rankByKeywords(query, candidates)
	}

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > topK {
		matches = matches[:topK]
	}
	return matches, nil
}

// loadCandidates pulls artifacts of the requested types.
func (s *Store) loadCandidates(ctx context.Context, types []ArtifactType) ([]Artifact, error) {
	q := `SELECT id, type, card_id, title, content, metadata, created_at FROM artifacts`
	var args []any
	if len(types) > 0 {
		placeholders := make([]string, len(types))
		for i, t := range types {
			placeholders[i] = "?"
			args = append(args, string(t))
		}
		q += ` WHERE type IN (` + strings.Join(placeholders, ",") + `)`
	}
	q += ` ORDER BY created_at DESC LIMIT 500`

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, &QueryError{Op: "load candidates", Err: err}
	}
	defer rows.Close()

	var out []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, &QueryError{Op: "scan candidate", Err: err}
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Op: "load candidates", Err: err}
	}
	return out, nil
}

func filterByMetadata(artifacts []Artifact, filters map[string]any) []Artifact {
	if len(filters) == 0 {
		return artifacts
	}
	var out []Artifact
	for _, a := range artifacts {
		keep := true
		for k, want := range filters {
			got, ok := a.Metadata[k]
			if !ok || fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
				keep = false
				break
			}
		}
		if keep {
			out = append(out, a)
		}
	}
	return out
}

func (s *Store) rankByVector(ctx context.Context, query string, candidates []Artifact) ([]Match, error) {
	queryVec, err := s.engine.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	vectors, err := s.loadEmbeddings(ctx, candidates)
	if err != nil {
		return nil, err
	}

	matches := make([]Match, 0, len(candidates))
	for _, a := range candidates {
		vec, ok := vectors[a.ID]
		var sim float64
		if ok {
			sim = embedding.Cosine(queryVec, vec)
		} else {
			// Artifacts stored before the engine was configured fall
			// back to keyword scoring.
			sim = keywordSimilarity(query, a.Content)
		}
		matches = append(matches, toMatch(a, sim))
	}
	return matches, nil
}

func (s *Store) loadEmbeddings(ctx context.Context, candidates []Artifact) (map[string][]float32, error) {
	vectors := make(map[string][]float32, len(candidates))
	for _, a := range candidates {
		var blob []byte
		err := s.db.QueryRowContext(ctx,
			`SELECT embedding FROM artifact_embeddings WHERE artifact_id = ?`, a.ID).Scan(&blob)
		if err != nil {
			continue
		}
		vec, err := decodeVector(blob)
		if err != nil {
			return nil, &QueryError{Op: "decode embedding", Err: err}
		}
		vectors[a.ID] = vec
	}
	return vectors, nil
}

func rankByKeywords(query string, candidates []Artifact) []Match {
	matches := make([]Match, 0, len(candidates))
	for _, a := range candidates {
		sim := keywordSimilarity(query, a.Content)
		if sim > 0 {
			matches = append(matches, toMatch(a, sim))
		}
	}
	return matches
}

// keywordSimilarity is the degraded-mode score: full containment of the
// query yields 1.0, otherwise the fraction of matched keywords.
func keywordSimilarity(query, content string) float64 {
	q := strings.ToLower(strings.TrimSpace(query))
	c := strings.ToLower(content)
	if q == "" {
		return 0
	}
	if strings.Contains(c, q) {
		return 1.0
	}
	keywords := strings.Fields(q)
	if len(keywords) == 0 {
		return 0
	}
	matched := 0
	for _, kw := range keywords {
		if strings.Contains(c, kw) {
			matched++
		}
	}
	return float64(matched) / float64(len(keywords))
}

func toMatch(a Artifact, sim float64) Match {
	return Match{
		ArtifactID: a.ID,
		Type:       a.Type,
		CardID:     a.CardID,
		Title:      a.Title,
		Content:    a.Content,
		Metadata:   a.Metadata,
		Similarity: sim,
	}
}

// Recommendations mines prior artifacts for advice on a new task.
func (s *Store) Recommendations(ctx context.Context, taskDescription string, _ map[string]any) (*Recommendation, error) {
	historyTypes := []ArtifactType{
		TypeDeveloperSolution,
		TypeIssueResolution,
		TypeCodeReview,
		TypeLearnedSolution,
	}
	matches, err := s.QuerySimilar(ctx, taskDescription, historyTypes, 10, nil)
	if err != nil {
		return nil, err
	}

	rec := &Recommendation{
		SimilarTasksCount: len(matches),
		Confidence:        ConfidenceLow,
	}

	strong := 0
	for _, m := range matches {
		rec.BasedOnHistory = append(rec.BasedOnHistory, HistoryItem{
			ArtifactID: m.ArtifactID,
			Type:       m.Type,
			Title:      m.Title,
			CardID:     m.CardID,
			Similarity: m.Similarity,
		})
		if m.Similarity >= 0.7 {
			strong++
		}

		outcome, _ := m.Metadata["outcome"].(string)
		switch outcome {
		case "success":
			rec.Recommendations = append(rec.Recommendations,
				fmt.Sprintf("Reuse the approach from %q (similarity %.2f)", m.Title, m.Similarity))
		case "failure":
			rec.Avoid = append(rec.Avoid,
				fmt.Sprintf("Avoid the approach from %q, it previously failed", m.Title))
		}
	}

	// Degraded keyword mode never grades above LOW.
	if s.engine != nil {
		switch {
		case strong >= 3:
			rec.Confidence = ConfidenceHigh
		case len(matches) > 0 && matches[0].Similarity >= 0.4:
			rec.Confidence = ConfidenceMedium
		}
	}

	if len(rec.Recommendations) == 0 && len(matches) > 0 {
		rec.Recommendations = append(rec.Recommendations,
			fmt.Sprintf("Review %d similar prior tasks before starting", len(matches)))
	}
	return rec, nil
}

// ExtractPatterns aggregates artifacts matching a text pattern over the
// trailing window.
func (s *Store) ExtractPatterns(ctx context.Context, pattern string, windowDays int) (map[string]any, error) {
	if windowDays <= 0 {
		windowDays = 30
	}
	cutoff := s.nowFn().UTC().AddDate(0, 0, -windowDays)

	rows, err := s.db.QueryContext(ctx,
		`SELECT type, card_id, created_at FROM artifacts
		 WHERE LOWER(content) LIKE ? AND created_at >= ?
		 ORDER BY created_at ASC`,
		"%"+strings.ToLower(pattern)+"%", cutoff)
	if err != nil {
		return nil, &QueryError{Op: "extract patterns", Err: err}
	}
	defer rows.Close()

	byType := make(map[string]int)
	cards := make(map[string]int)
	var first, last time.Time
	total := 0
	for rows.Next() {
		var atype, cardID string
		var created time.Time
		if err := rows.Scan(&atype, &cardID, &created); err != nil {
			return nil, &QueryError{Op: "extract patterns", Err: err}
		}
		total++
		byType[atype]++
		cards[cardID]++
		if first.IsZero() {
			first = created
		}
		last = created
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Op: "extract patterns", Err: err}
	}

	doc := map[string]any{
		"pattern":       pattern,
		"window_days":   windowDays,
		"total_matches": total,
		"by_type":       byType,
		"cards":         cards,
	}
	if !first.IsZero() {
		doc["first_seen"] = first
		doc["last_seen"] = last
	}
	return doc, nil
}

// Stats summarizes the store.
func (s *Store) Stats(ctx context.Context) (*StatsReport, error) {
	report := &StatsReport{ByType: make(map[ArtifactType]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT type, COUNT(*) FROM artifacts GROUP BY type`)
	if err != nil {
		return nil, &QueryError{Op: "stats", Err: err}
	}
	defer rows.Close()
	for rows.Next() {
		var atype string
		var count int
		if err := rows.Scan(&atype, &count); err != nil {
			return nil, &QueryError{Op: "stats", Err: err}
		}
		report.ByType[ArtifactType(atype)] = count
		report.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{Op: "stats", Err: err}
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM artifact_embeddings`).Scan(&report.WithEmbeddings); err != nil {
		return nil, &QueryError{Op: "stats", Err: err}
	}

	if report.Total > 0 {
		err = s.db.QueryRowContext(ctx,
			`SELECT MIN(created_at), MAX(created_at) FROM artifacts`).Scan(&report.OldestCreated, &report.NewestCreated)
		if err != nil {
			return nil, &QueryError{Op: "stats", Err: err}
		}
	}
	return report, nil
}
