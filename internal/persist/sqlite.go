package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	_ "modernc.org/sqlite"
)

// defaultDBPath is used when no path is configured.
const defaultDBPath = ".artemis/pipeline.db"

// SQLiteStore persists snapshots in an embedded sqlite file. Reads run
// concurrently; writes serialize under the mutex.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.Mutex
	logger *zap.Logger
	nowFn  func() time.Time
}

// NewSQLiteStore opens or creates the snapshot database at path.
func NewSQLiteStore(path string, opts ...Option) (*SQLiteStore, error) {
	if path == "" {
		path = defaultDBPath
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create state directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("open snapshot database: %w", err)
	}

	o := buildOptions(opts)
	s := &SQLiteStore{db: db, logger: o.logger, nowFn: o.nowFn}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS pipeline_states (
		card_id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		current_stage TEXT,
		stages_completed TEXT NOT NULL DEFAULT '[]',
		stage_results TEXT NOT NULL DEFAULT '{}',
		developer_results TEXT NOT NULL DEFAULT '[]',
		metrics TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		completed_at DATETIME,
		error TEXT
	);

	CREATE TABLE IF NOT EXISTS stage_checkpoints (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		card_id TEXT NOT NULL,
		stage_name TEXT NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		completed_at DATETIME,
		result TEXT,
		error TEXT,
		UNIQUE(card_id, stage_name, started_at)
	);
	CREATE INDEX IF NOT EXISTS idx_checkpoints_card ON stage_checkpoints(card_id);
	CREATE INDEX IF NOT EXISTS idx_states_status ON pipeline_states(status);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init snapshot schema: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// SavePipelineState upserts the snapshot for the state's card.
func (s *SQLiteStore) SavePipelineState(ctx context.Context, state *PipelineState) error {
	if state == nil || state.CardID == "" {
		return fmt.Errorf("pipeline state requires a card id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	normalize(state, s.nowFn())

	stagesJSON, err := json.Marshal(state.StagesCompleted)
	if err != nil {
		return fmt.Errorf("encode stages_completed: %w", err)
	}
	resultsJSON, err := json.Marshal(state.StageResults)
	if err != nil {
		return fmt.Errorf("encode stage_results: %w", err)
	}
	devJSON, err := json.Marshal(state.DeveloperResults)
	if err != nil {
		return fmt.Errorf("encode developer_results: %w", err)
	}
	metricsJSON, err := json.Marshal(state.Metrics)
	if err != nil {
		return fmt.Errorf("encode metrics: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pipeline_states
			(card_id, status, current_stage, stages_completed, stage_results,
			 developer_results, metrics, created_at, updated_at, completed_at, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_id) DO UPDATE SET
			status = excluded.status,
			current_stage = excluded.current_stage,
			stages_completed = excluded.stages_completed,
			stage_results = excluded.stage_results,
			developer_results = excluded.developer_results,
			metrics = excluded.metrics,
			updated_at = excluded.updated_at,
			completed_at = excluded.completed_at,
			error = excluded.error`,
		state.CardID, string(state.Status), nullString(state.CurrentStage),
		string(stagesJSON), string(resultsJSON), string(devJSON), string(metricsJSON),
		state.CreatedAt, state.UpdatedAt, nullTime(state.CompletedAt), nullString(state.Error))
	if err != nil {
		return fmt.Errorf("save pipeline state: %w", err)
	}

	s.logger.Debug("saved pipeline state",
		zap.String("card_id", state.CardID),
		zap.String("status", string(state.Status)))
	return nil
}

// LoadPipelineState returns the snapshot for cardID, or ErrNotFound.
func (s *SQLiteStore) LoadPipelineState(ctx context.Context, cardID string) (*PipelineState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT card_id, status, current_stage, stages_completed, stage_results,
		       developer_results, metrics, created_at, updated_at, completed_at, error
		FROM pipeline_states WHERE card_id = ?`, cardID)

	var (
		state        PipelineState
		status       string
		currentStage sql.NullString
		stagesJSON   string
		resultsJSON  string
		devJSON      string
		metricsJSON  string
		completedAt  sql.NullTime
		errText      sql.NullString
	)
	err := row.Scan(&state.CardID, &status, &currentStage, &stagesJSON, &resultsJSON,
		&devJSON, &metricsJSON, &state.CreatedAt, &state.UpdatedAt, &completedAt, &errText)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("card %s: %w", cardID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load pipeline state: %w", err)
	}

	state.Status = Status(status)
	state.CurrentStage = currentStage.String
	state.Error = errText.String
	if completedAt.Valid {
		t := completedAt.Time
		state.CompletedAt = &t
	}
	if err := json.Unmarshal([]byte(stagesJSON), &state.StagesCompleted); err != nil {
		return nil, fmt.Errorf("decode stages_completed: %w", err)
	}
	if err := json.Unmarshal([]byte(resultsJSON), &state.StageResults); err != nil {
		return nil, fmt.Errorf("decode stage_results: %w", err)
	}
	if err := json.Unmarshal([]byte(devJSON), &state.DeveloperResults); err != nil {
		return nil, fmt.Errorf("decode developer_results: %w", err)
	}
	if err := json.Unmarshal([]byte(metricsJSON), &state.Metrics); err != nil {
		return nil, fmt.Errorf("decode metrics: %w", err)
	}
	return &state, nil
}

// SaveStageCheckpoint records one stage invocation. The same
// (card, stage, started_at) key updates in place, so a started
// checkpoint can later flip to completed or failed.
func (s *SQLiteStore) SaveStageCheckpoint(ctx context.Context, cp *Checkpoint) error {
	if cp == nil || cp.CardID == "" || cp.StageName == "" {
		return fmt.Errorf("checkpoint requires card id and stage name")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resultJSON, err := json.Marshal(cp.Result)
	if err != nil {
		return fmt.Errorf("encode checkpoint result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO stage_checkpoints
			(card_id, stage_name, status, started_at, completed_at, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(card_id, stage_name, started_at) DO UPDATE SET
			status = excluded.status,
			completed_at = excluded.completed_at,
			result = excluded.result,
			error = excluded.error`,
		cp.CardID, cp.StageName, string(cp.Status), cp.StartedAt,
		nullTime(cp.CompletedAt), string(resultJSON), nullString(cp.Error))
	if err != nil {
		return fmt.Errorf("save stage checkpoint: %w", err)
	}
	return nil
}

// LoadStageCheckpoints returns the card's checkpoints ordered by start
// time.
func (s *SQLiteStore) LoadStageCheckpoints(ctx context.Context, cardID string) ([]Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT card_id, stage_name, status, started_at, completed_at, result, error
		FROM stage_checkpoints WHERE card_id = ?
		ORDER BY started_at ASC, id ASC`, cardID)
	if err != nil {
		return nil, fmt.Errorf("load stage checkpoints: %w", err)
	}
	defer rows.Close()

	var checkpoints []Checkpoint
	for rows.Next() {
		var (
			cp          Checkpoint
			status      string
			completedAt sql.NullTime
			resultJSON  sql.NullString
			errText     sql.NullString
		)
		if err := rows.Scan(&cp.CardID, &cp.StageName, &status, &cp.StartedAt,
			&completedAt, &resultJSON, &errText); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cp.Status = CheckpointStatus(status)
		cp.Error = errText.String
		if completedAt.Valid {
			t := completedAt.Time
			cp.CompletedAt = &t
		}
		if resultJSON.Valid && resultJSON.String != "" && resultJSON.String != "null" {
			if err := json.Unmarshal([]byte(resultJSON.String), &cp.Result); err != nil {
				return nil, fmt.Errorf("decode checkpoint result: %w", err)
			}
		}
		checkpoints = append(checkpoints, cp)
	}
	return checkpoints, rows.Err()
}

// GetResumablePipelines lists cards whose persisted status allows a
// resume, most recently updated first.
func (s *SQLiteStore) GetResumablePipelines(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT card_id FROM pipeline_states
		WHERE status IN (?, ?, ?)
		ORDER BY updated_at DESC`,
		string(StatusRunning), string(StatusFailed), string(StatusPaused))
	if err != nil {
		return nil, fmt.Errorf("list resumable pipelines: %w", err)
	}
	defer rows.Close()

	var cards []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan card id: %w", err)
		}
		cards = append(cards, id)
	}
	return cards, rows.Err()
}

// CleanupOldStates removes states (and their checkpoints) not updated
// within the given number of days. Returns the number of states
// removed.
func (s *SQLiteStore) CleanupOldStates(ctx context.Context, days int) (int, error) {
	if days < 0 {
		return 0, fmt.Errorf("cleanup window must be non-negative")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.nowFn().AddDate(0, 0, -days)

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM stage_checkpoints WHERE card_id IN
			(SELECT card_id FROM pipeline_states WHERE updated_at < ?)`, cutoff); err != nil {
		return 0, fmt.Errorf("cleanup checkpoints: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM pipeline_states WHERE updated_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("cleanup states: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}

	if n > 0 {
		s.logger.Info("cleaned up old pipeline states",
			zap.Int64("removed", n),
			zap.Int("days", days))
	}
	return int(n), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
