// Package knowledge is the content-addressed artifact store behind
// learning and recommendations. Artifacts are append-only text records
// queried by similarity; with no embedding engine the store degrades to
// keyword containment.
package knowledge

import (
	"fmt"
	"time"
)

// ArtifactType is the closed set of stored record kinds.
type ArtifactType string

const (
	TypeResearchReport          ArtifactType = "research_report"
	TypeArchitectureDecision    ArtifactType = "architecture_decision"
	TypeDeveloperSolution       ArtifactType = "developer_solution"
	TypeValidationResult        ArtifactType = "validation_result"
	TypeCodeReview              ArtifactType = "code_review"
	TypeCodeReviewRetryFeedback ArtifactType = "code_review_retry_feedback"
	TypeIssueResolution         ArtifactType = "issue_resolution"
	TypeLearnedSolution         ArtifactType = "learned_solution"
)

// knownTypes validates incoming artifact types.
var knownTypes = map[ArtifactType]bool{
	TypeResearchReport:          true,
	TypeArchitectureDecision:    true,
	TypeDeveloperSolution:       true,
	TypeValidationResult:        true,
	TypeCodeReview:              true,
	TypeCodeReviewRetryFeedback: true,
	TypeIssueResolution:         true,
	TypeLearnedSolution:         true,
}

// Artifact is one stored record.
type Artifact struct {
	ID        string         `json:"id"`
	Type      ArtifactType   `json:"type"`
	CardID    string         `json:"card_id"`
	Title     string         `json:"title"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Match is a similarity query hit. Similarity is in [0, 1]; 1.0 means
// identical under the active backend.
type Match struct {
	ArtifactID string         `json:"artifact_id"`
	Type       ArtifactType   `json:"type"`
	CardID     string         `json:"card_id"`
	Title      string         `json:"title"`
	Content    string         `json:"content"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	Similarity float64        `json:"similarity"`
}

// Confidence grades recommendation reliability.
type Confidence string

const (
	ConfidenceHigh   Confidence = "HIGH"
	ConfidenceMedium Confidence = "MEDIUM"
	ConfidenceLow    Confidence = "LOW"
)

// HistoryItem summarizes one prior task backing a recommendation.
type HistoryItem struct {
	ArtifactID string       `json:"artifact_id"`
	Type       ArtifactType `json:"type"`
	Title      string       `json:"title"`
	CardID     string       `json:"card_id"`
	Similarity float64      `json:"similarity"`
}

// Recommendation is the advice bundle for a new task.
type Recommendation struct {
	BasedOnHistory    []HistoryItem `json:"based_on_history"`
	Recommendations   []string      `json:"recommendations"`
	Avoid             []string      `json:"avoid"`
	Confidence        Confidence    `json:"confidence"`
	SimilarTasksCount int           `json:"similar_tasks_count"`
}

// StatsReport summarizes store contents.
type StatsReport struct {
	Total          int                  `json:"total"`
	ByType         map[ArtifactType]int `json:"by_type"`
	WithEmbeddings int                  `json:"with_embeddings"`
	OldestCreated  time.Time            `json:"oldest_created,omitempty"`
	NewestCreated  time.Time            `json:"newest_created,omitempty"`
}

// StorageError wraps a failed store mutation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("knowledge storage %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// QueryError wraps a failed read.
type QueryError struct {
	Op  string
	Err error
}

func (e *QueryError) Error() string { return fmt.Sprintf("knowledge query %s: %v", e.Op, e.Err) }
func (e *QueryError) Unwrap() error { return e.Err }
