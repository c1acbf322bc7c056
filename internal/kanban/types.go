// Package kanban provides the JSON-backed card store that feeds the
// delivery pipeline. The board owns card state; the pipeline only
// consumes the find-card / move-card / update-card contract.
package kanban

import (
	"time"
)

// Priority orders cards within a column.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Column identifies where a card currently sits on the board.
type Column string

const (
	ColumnBacklog    Column = "backlog"
	ColumnReady      Column = "ready"
	ColumnInProgress Column = "in_progress"
	ColumnCodeReview Column = "code_review"
	ColumnTesting    Column = "testing"
	ColumnDone       Column = "done"
	ColumnBlocked    Column = "blocked"
)

// CriterionStatus tracks verification of a single acceptance criterion.
type CriterionStatus string

const (
	CriterionPending  CriterionStatus = "pending"
	CriterionVerified CriterionStatus = "verified"
)

// AcceptanceCriterion is one verifiable requirement on a card.
type AcceptanceCriterion struct {
	Text       string          `json:"text"`
	Status     CriterionStatus `json:"status"`
	VerifiedBy string          `json:"verified_by,omitempty"`
}

// ChecklistItem is one definition-of-done entry.
type ChecklistItem struct {
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// HistoryEntry records a single board action. History is append-only.
type HistoryEntry struct {
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	Column    Column    `json:"column"`
	Actor     string    `json:"actor"`
	Comment   string    `json:"comment,omitempty"`
}

// Card is the unit of work driven through the pipeline. A card lives in
// exactly one column at a time; moves append to History.
type Card struct {
	ID                 string                `json:"id"`
	Title              string                `json:"title"`
	Description        string                `json:"description"`
	Priority           Priority              `json:"priority"`
	StoryPoints        int                   `json:"story_points"`
	Size               string                `json:"size,omitempty"`
	Labels             []string              `json:"labels,omitempty"`
	AcceptanceCriteria []AcceptanceCriterion `json:"acceptance_criteria,omitempty"`
	Column             Column                `json:"column"`
	Blocked            bool                  `json:"blocked"`
	BlockedReason      string                `json:"blocked_reason,omitempty"`
	TestStatus         string                `json:"test_status,omitempty"`
	DefinitionOfDone   []ChecklistItem       `json:"definition_of_done,omitempty"`
	History            []HistoryEntry        `json:"history,omitempty"`
	CreatedAt          time.Time             `json:"created_at"`
	UpdatedAt          time.Time             `json:"updated_at"`
}

// ValidStoryPoints is the Fibonacci scale the board accepts.
var ValidStoryPoints = []int{1, 2, 3, 5, 8, 13}

// ValidPoints reports whether p is on the accepted scale.
func ValidPoints(p int) bool {
	for _, v := range ValidStoryPoints {
		if p == v {
			return true
		}
	}
	return false
}
