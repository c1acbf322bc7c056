package knowledge

import (
	"bytes"
	"context"
	"crypto/md5"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"artemis/internal/embedding"

	"go.uber.org/zap"
)

// Store is the sqlite-backed artifact store. Reads run concurrently;
// writes are serialized under the mutex.
type Store struct {
	db     *sql.DB
	mu     sync.Mutex
	engine embedding.Engine
	logger *zap.Logger
	nowFn  func() time.Time
}

// Option configures a Store.
type Option func(*Store)

// WithEmbedder enables vector similarity through the given engine.
func WithEmbedder(engine embedding.Engine) Option {
	return func(s *Store) { s.engine = engine }
}

// WithLogger sets the store logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// NewStore opens or creates the artifact database at path.
func NewStore(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("database path required")}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, &StorageError{Op: "open", Err: fmt.Errorf("create directory: %w", err)}
	}

	db, err := sql.Open(sqliteDriver, path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, &StorageError{Op: "open", Err: err}
	}

	s := &Store{
		db:     db,
		logger: zap.NewNop(),
		nowFn:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS artifacts (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		card_id TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		metadata TEXT,
		content_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_artifacts_type ON artifacts(type);
	CREATE INDEX IF NOT EXISTS idx_artifacts_card ON artifacts(card_id);
	CREATE INDEX IF NOT EXISTS idx_artifacts_hash ON artifacts(type, card_id, content_hash);

	CREATE TABLE IF NOT EXISTS artifact_embeddings (
		artifact_id TEXT PRIMARY KEY,
		embedding BLOB NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return &StorageError{Op: "init schema", Err: err}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store appends an artifact and returns its id. Storing byte-identical
// content for the same (type, card) returns the existing id; updates
// always create new artifacts.
func (s *Store) Store(ctx context.Context, atype ArtifactType, cardID, title, content string, metadata map[string]any) (string, error) {
	if !knownTypes[atype] {
		return "", &StorageError{Op: "store", Err: fmt.Errorf("unknown artifact type %q", atype)}
	}
	if content == "" {
		return "", &StorageError{Op: "store", Err: fmt.Errorf("content required")}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	hash := contentHash(content)
	var existing string
	err := s.db.QueryRowContext(ctx,
		`SELECT id FROM artifacts WHERE type = ? AND card_id = ? AND content_hash = ? LIMIT 1`,
		string(atype), cardID, hash).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if err != sql.ErrNoRows {
		return "", &StorageError{Op: "store", Err: err}
	}

	metaJSON := ""
	if metadata != nil {
		raw, err := json.Marshal(metadata)
		if err != nil {
			return "", &StorageError{Op: "store", Err: fmt.Errorf("marshal metadata: %w", err)}
		}
		metaJSON = string(raw)
	}

	now := s.nowFn().UTC()
	id, err := s.newArtifactID(ctx, atype, cardID, now)
	if err != nil {
		return "", err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO artifacts (id, type, card_id, title, content, metadata, content_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, string(atype), cardID, title, content, metaJSON, hash, now)
	if err != nil {
		return "", &StorageError{Op: "store", Err: err}
	}

	if s.engine != nil {
		if embErr := s.storeEmbedding(ctx, id, title+"\n"+content); embErr != nil {
			// Keyword fallback still serves the artifact.
			s.logger.Warn("embedding failed, artifact stored without vector",
				zap.String("artifact_id", id), zap.Error(embErr))
		}
	}

	s.logger.Debug("stored artifact",
		zap.String("id", id),
		zap.String("type", string(atype)),
		zap.String("card_id", cardID))
	return id, nil
}

// newArtifactID derives the content-addressed id, re-hashing on the
// rare collision.
func (s *Store) newArtifactID(ctx context.Context, atype ArtifactType, cardID string, ts time.Time) (string, error) {
	for attempt := 0; attempt < 10; attempt++ {
		seed := fmt.Sprintf("%s|%s|%d|%d", atype, cardID, ts.UnixNano(), attempt)
		digest := md5.Sum([]byte(seed))
		id := fmt.Sprintf("%s-%s-%x", atype, cardID, digest[:4])

		var one int
		err := s.db.QueryRowContext(ctx, `SELECT 1 FROM artifacts WHERE id = ?`, id).Scan(&one)
		if err == sql.ErrNoRows {
			return id, nil
		}
		if err != nil {
			return "", &StorageError{Op: "store", Err: err}
		}
	}
	return "", &StorageError{Op: "store", Err: fmt.Errorf("could not derive unique artifact id")}
}

func (s *Store) storeEmbedding(ctx context.Context, artifactID, text string) error {
	vec, err := s.engine.Embed(ctx, text)
	if err != nil {
		return err
	}
	blob, err := encodeVector(vec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO artifact_embeddings (artifact_id, embedding) VALUES (?, ?)`,
		artifactID, blob)
	return err
}

// Get returns one artifact by id.
func (s *Store) Get(ctx context.Context, id string) (*Artifact, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, type, card_id, title, content, metadata, created_at FROM artifacts WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, &QueryError{Op: "get", Err: fmt.Errorf("artifact %s not found", id)}
	}
	if err != nil {
		return nil, &QueryError{Op: "get", Err: err}
	}
	return a, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (*Artifact, error) {
	var a Artifact
	var atype, metaJSON string
	if err := row.Scan(&a.ID, &atype, &a.CardID, &a.Title, &a.Content, &metaJSON, &a.CreatedAt); err != nil {
		return nil, err
	}
	a.Type = ArtifactType(atype)
	if metaJSON != "" {
		if err := json.Unmarshal([]byte(metaJSON), &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for %s: %w", a.ID, err)
		}
	}
	return &a, nil
}

func contentHash(content string) string {
	digest := md5.Sum([]byte(content))
	return fmt.Sprintf("%x", digest)
}

func encodeVector(vec []float32) ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, vec); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("embedding blob length %d not a float32 multiple", len(blob))
	}
	vec := make([]float32, len(blob)/4)
	if err := binary.Read(bytes.NewReader(blob), binary.LittleEndian, &vec); err != nil {
		return nil, err
	}
	return vec, nil
}
