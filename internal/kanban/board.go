package kanban

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Board is a JSON-file backed card store. All mutations go through the
// board so history stays append-only and saves stay atomic.
type Board struct {
	mu    sync.RWMutex
	path  string
	cards map[string]*Card
}

// boardFile is the on-disk layout.
type boardFile struct {
	Version string  `json:"version"`
	Cards   []*Card `json:"cards"`
}

// ErrCardNotFound is returned when a card id is not on the board.
var ErrCardNotFound = fmt.Errorf("card not found")

// LoadBoard opens the board at path, creating an empty board file if none
// exists.
func LoadBoard(path string) (*Board, error) {
	b := &Board{
		path:  path,
		cards: make(map[string]*Card),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0755); mkErr != nil {
			return nil, fmt.Errorf("create board directory: %w", mkErr)
		}
		if saveErr := b.save(); saveErr != nil {
			return nil, saveErr
		}
		return b, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read board file %s: %w", path, err)
	}

	var file boardFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse board file %s: %w", path, err)
	}
	for _, c := range file.Cards {
		b.cards[c.ID] = c
	}
	return b, nil
}

// FindCard returns a copy of the card with the given id.
func (b *Board) FindCard(id string) (*Card, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	card, ok := b.cards[id]
	if !ok {
		return nil, fmt.Errorf("find card %s: %w", id, ErrCardNotFound)
	}
	copied := *card
	return &copied, nil
}

// AddCard places a new card on the board. The card id must be unused.
func (b *Board) AddCard(card *Card) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if card.ID == "" {
		return fmt.Errorf("add card: id required")
	}
	if _, exists := b.cards[card.ID]; exists {
		return fmt.Errorf("add card: id %s already on board", card.ID)
	}
	if card.StoryPoints != 0 && !ValidPoints(card.StoryPoints) {
		return fmt.Errorf("add card %s: story points %d not on scale", card.ID, card.StoryPoints)
	}

	now := time.Now()
	if card.CreatedAt.IsZero() {
		card.CreatedAt = now
	}
	card.UpdatedAt = now
	if card.Column == "" {
		card.Column = ColumnBacklog
	}
	card.History = append(card.History, HistoryEntry{
		Timestamp: now,
		Action:    "created",
		Column:    card.Column,
		Actor:     "board",
	})

	copied := *card
	b.cards[card.ID] = &copied
	return b.save()
}

// MoveCard moves a card to the given column and appends a history entry.
func (b *Board) MoveCard(id string, column Column, actor, comment string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	card, ok := b.cards[id]
	if !ok {
		return fmt.Errorf("move card %s: %w", id, ErrCardNotFound)
	}

	now := time.Now()
	card.Column = column
	card.UpdatedAt = now
	card.History = append(card.History, HistoryEntry{
		Timestamp: now,
		Action:    "moved",
		Column:    column,
		Actor:     actor,
		Comment:   comment,
	})
	return b.save()
}

// UpdateCard replaces mutable card fields, preserving the existing
// history prefix. History shrinkage is rejected.
func (b *Board) UpdateCard(card *Card) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	existing, ok := b.cards[card.ID]
	if !ok {
		return fmt.Errorf("update card %s: %w", card.ID, ErrCardNotFound)
	}
	if len(card.History) < len(existing.History) {
		return fmt.Errorf("update card %s: history must not shrink", card.ID)
	}

	card.CreatedAt = existing.CreatedAt
	card.UpdatedAt = time.Now()
	copied := *card
	b.cards[card.ID] = &copied
	return b.save()
}

// Cards returns copies of all cards ordered by id.
func (b *Board) Cards() []*Card {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]*Card, 0, len(b.cards))
	for _, c := range b.cards {
		copied := *c
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// save writes the board atomically. Caller must hold the lock.
func (b *Board) save() error {
	file := boardFile{Version: "1.0"}
	for _, c := range b.cards {
		file.Cards = append(file.Cards, c)
	}
	sort.Slice(file.Cards, func(i, j int) bool { return file.Cards[i].ID < file.Cards[j].ID })

	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal board: %w", err)
	}

	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("write board file: %w", err)
	}
	if err := os.Rename(tmp, b.path); err != nil {
		return fmt.Errorf("replace board file: %w", err)
	}
	return nil
}
