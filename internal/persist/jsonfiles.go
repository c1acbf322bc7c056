package persist

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// defaultStateDir is used when no directory is configured.
const defaultStateDir = ".artemis/state"

const (
	stateSuffix       = "_state.json"
	checkpointsSuffix = "_checkpoints.json"
)

// JSONStore persists snapshots as one state file and one checkpoint
// file per card. Writes go through a temp file and rename, so a crash
// never leaves a torn snapshot.
type JSONStore struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewJSONStore creates the state directory if needed.
func NewJSONStore(dir string, opts ...Option) (*JSONStore, error) {
	if dir == "" {
		dir = defaultStateDir
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	o := buildOptions(opts)
	return &JSONStore{dir: dir, logger: o.logger, nowFn: o.nowFn}, nil
}

// Close is a no-op for the file backend.
func (s *JSONStore) Close() error { return nil }

func (s *JSONStore) statePath(cardID string) string {
	return filepath.Join(s.dir, safeCardID(cardID)+stateSuffix)
}

func (s *JSONStore) checkpointsPath(cardID string) string {
	return filepath.Join(s.dir, safeCardID(cardID)+checkpointsSuffix)
}

// SavePipelineState writes the snapshot for the state's card.
func (s *JSONStore) SavePipelineState(ctx context.Context, state *PipelineState) error {
	if state == nil || state.CardID == "" {
		return fmt.Errorf("pipeline state requires a card id")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	normalize(state, s.nowFn())
	if err := s.writeJSON(s.statePath(state.CardID), state); err != nil {
		return fmt.Errorf("save pipeline state: %w", err)
	}

	s.logger.Debug("saved pipeline state",
		zap.String("card_id", state.CardID),
		zap.String("status", string(state.Status)))
	return nil
}

// LoadPipelineState reads the snapshot for cardID, or ErrNotFound.
func (s *JSONStore) LoadPipelineState(ctx context.Context, cardID string) (*PipelineState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(s.statePath(cardID))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("card %s: %w", cardID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load pipeline state: %w", err)
	}

	var state PipelineState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("decode pipeline state: %w", err)
	}
	return &state, nil
}

// SaveStageCheckpoint appends or updates the checkpoint list for the
// card. Entries share identity by (stage_name, started_at).
func (s *JSONStore) SaveStageCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.CardID == "" || cp.StageName == "" {
		return fmt.Errorf("checkpoint requires card id and stage name")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	checkpoints, err := s.readCheckpoints(cp.CardID)
	if err != nil {
		return err
	}

	replaced := false
	for i := range checkpoints {
		if checkpoints[i].StageName == cp.StageName && checkpoints[i].StartedAt.Equal(cp.StartedAt) {
			checkpoints[i] = *cp
			replaced = true
			break
		}
	}
	if !replaced {
		checkpoints = append(checkpoints, *cp)
	}
	sort.SliceStable(checkpoints, func(i, j int) bool {
		return checkpoints[i].StartedAt.Before(checkpoints[j].StartedAt)
	})

	if err := s.writeJSON(s.checkpointsPath(cp.CardID), checkpoints); err != nil {
		return fmt.Errorf("save stage checkpoint: %w", err)
	}
	return nil
}

// LoadStageCheckpoints returns the card's checkpoints ordered by start
// time. A card with no checkpoints yields an empty list.
func (s *JSONStore) LoadStageCheckpoints(ctx context.Context, cardID string) ([]Checkpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.readCheckpoints(cardID)
}

func (s *JSONStore) readCheckpoints(cardID string) ([]Checkpoint, error) {
	data, err := os.ReadFile(s.checkpointsPath(cardID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load stage checkpoints: %w", err)
	}

	var checkpoints []Checkpoint
	if err := json.Unmarshal(data, &checkpoints); err != nil {
		return nil, fmt.Errorf("decode stage checkpoints: %w", err)
	}
	return checkpoints, nil
}

// GetResumablePipelines lists cards whose persisted status allows a
// resume, most recently updated first.
func (s *JSONStore) GetResumablePipelines(ctx context.Context) ([]string, error) {
	states, err := s.loadAllStates(ctx)
	if err != nil {
		return nil, err
	}

	var resumable []*PipelineState
	for _, state := range states {
		if state.Status.Resumable() {
			resumable = append(resumable, state)
		}
	}
	sort.Slice(resumable, func(i, j int) bool {
		return resumable[i].UpdatedAt.After(resumable[j].UpdatedAt)
	})

	cards := make([]string, len(resumable))
	for i, state := range resumable {
		cards[i] = state.CardID
	}
	return cards, nil
}

// CleanupOldStates removes state and checkpoint files for cards not
// updated within the given number of days.
func (s *JSONStore) CleanupOldStates(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("cleanup window must be non-negative")
	}

	states, err := s.loadAllStates(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.nowFn().AddDate(0, 0, -days)
	removed := 0
	for _, state := range states {
		if !state.UpdatedAt.Before(cutoff) {
			continue
		}
		if err := os.Remove(s.statePath(state.CardID)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove state file: %w", err)
		}
		if err := os.Remove(s.checkpointsPath(state.CardID)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("remove checkpoint file: %w", err)
		}
		removed++
	}

	if removed > 0 {
		s.logger.Info("cleaned up old pipeline states",
			zap.Int("removed", removed),
			zap.Int("days", days))
	}
	return removed, nil
}

func (s *JSONStore) loadAllStates(ctx context.Context) ([]*PipelineState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read state directory: %w", err)
	}

	var states []*PipelineState
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), stateSuffix) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read state file: %w", err)
		}
		var state PipelineState
		if err := json.Unmarshal(data, &state); err != nil {
			s.logger.Warn("skipping unreadable state file",
				zap.String("file", entry.Name()),
				zap.Error(err))
			continue
		}
		states = append(states, &state)
	}
	return states, nil
}

// writeJSON writes through a temp file and rename.
func (s *JSONStore) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// safeCardID keeps card ids usable as file name prefixes.
func safeCardID(id string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|':
			return '-'
		}
		return r
	}, id)
}
