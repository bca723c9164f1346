package store

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gofrs/flock"
	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)

	"github.com/folder-mcp/folder-mcp/internal/errors"
)

// StoreDirName is the hidden per-folder directory holding index state.
// Scanners and watchers must skip it.
const StoreDirName = ".folder-mcp"

const (
	dbFileName   = "embeddings.db"
	lockFileName = "store.lock"
)

// Store is a single folder's embedding store. One Store owns the database
// exclusively; a second process opening the same folder fails on the
// writer lock.
type Store struct {
	mu     sync.RWMutex
	db     *sql.DB
	dir    string
	lock   *flock.Flock
	logger *slog.Logger

	modelName string
	dimension int

	chunkVecs *vectorIndex
	docVecs   *vectorIndex

	closed bool
}

// Dir returns the store directory for a folder root.
func Dir(folderPath string) string {
	return filepath.Join(folderPath, StoreDirName)
}

// Open opens (creating if needed) the store for a folder. It acquires an
// exclusive writer lock, initializes the schema, verifies the recorded
// embedding configuration against opts, and rebuilds the in-memory vector
// graphs from the persisted blobs. A model or schema disagreement returns
// KindSchemaMismatch and leaves the database untouched; callers decide
// whether to Destroy and reindex.
func Open(folderPath string, opts Options, logger *slog.Logger) (*Store, error) {
	if opts.Dimension <= 0 {
		return nil, errors.Newf(errors.KindProtocolViolation, "invalid embedding dimension %d", opts.Dimension)
	}
	if logger == nil {
		logger = slog.Default()
	}

	dir := Dir(folderPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir %s: %w", dir, err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire store lock: %w", err)
	}
	if !locked {
		return nil, errors.Newf(errors.KindTransient, "store at %s is locked by another process", dir)
	}

	dbPath := filepath.Join(dir, dbFileName)
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single connection prevents writer lock contention inside the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			_ = lock.Unlock()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{
		db:        db,
		dir:       dir,
		lock:      lock,
		logger:    logger,
		modelName: opts.ModelName,
		dimension: opts.Dimension,
		chunkVecs: newVectorIndex(opts.Dimension),
		docVecs:   newVectorIndex(opts.Dimension),
	}

	if err := s.initialize(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}
	if err := s.loadVectors(); err != nil {
		_ = db.Close()
		_ = lock.Unlock()
		return nil, err
	}

	logger.Debug("store_opened",
		slog.String("dir", dir),
		slog.String("model", opts.ModelName),
		slog.Int("dimension", opts.Dimension),
		slog.Int("chunk_vectors", s.chunkVecs.count()),
		slog.Int("document_vectors", s.docVecs.count()))
	return s, nil
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS embedding_config (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	model_name TEXT NOT NULL,
	model_dimension INTEGER NOT NULL,
	doc_pooling TEXT NOT NULL,
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS documents (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	file_path TEXT NOT NULL UNIQUE,
	fingerprint TEXT NOT NULL,
	file_size INTEGER NOT NULL,
	mime_type TEXT NOT NULL,
	last_modified TEXT NOT NULL,
	last_indexed TEXT NOT NULL,
	chunk_count INTEGER NOT NULL DEFAULT 0,
	document_keywords TEXT,
	keywords_extracted INTEGER NOT NULL DEFAULT 0,
	needs_reindex INTEGER NOT NULL DEFAULT 1
);
CREATE INDEX IF NOT EXISTS idx_documents_fingerprint ON documents(fingerprint);
CREATE INDEX IF NOT EXISTS idx_documents_needs_reindex ON documents(needs_reindex);

CREATE TABLE IF NOT EXISTS chunks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	document_id INTEGER NOT NULL,
	chunk_index INTEGER NOT NULL,
	content TEXT NOT NULL,
	start_offset INTEGER NOT NULL,
	end_offset INTEGER NOT NULL,
	token_count INTEGER NOT NULL,
	key_phrases TEXT NOT NULL,
	readability_score REAL NOT NULL,
	UNIQUE(document_id, chunk_index)
);
CREATE INDEX IF NOT EXISTS idx_chunks_document ON chunks(document_id);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
	chunk_id UNINDEXED,
	content,
	tokenize='unicode61'
);

CREATE TABLE IF NOT EXISTS chunk_embeddings (
	chunk_id INTEGER PRIMARY KEY,
	vec BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS document_embeddings (
	document_id INTEGER PRIMARY KEY,
	vec BLOB NOT NULL
);

CREATE TABLE IF NOT EXISTS file_states (
	file_path TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// initialize creates the schema and reconciles the recorded schema version
// and embedding configuration with what this process expects.
func (s *Store) initialize() error {
	if _, err := s.db.Exec(schemaSQL); err != nil {
		return errors.Wrap(errors.KindStoreCorrupt, "create schema", err)
	}

	var version int
	err := s.db.QueryRow(`SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return errors.Wrap(errors.KindStoreCorrupt, "record schema version", err)
		}
	case err != nil:
		return errors.Wrap(errors.KindStoreCorrupt, "read schema version", err)
	case version != schemaVersion:
		return errors.Newf(errors.KindSchemaMismatch, "store schema version %d, expected %d", version, schemaVersion).
			WithDetail("found", strconv.Itoa(version)).
			WithDetail("expected", strconv.Itoa(schemaVersion))
	}

	var model string
	var dim int
	err = s.db.QueryRow(`SELECT model_name, model_dimension FROM embedding_config WHERE id = 1`).Scan(&model, &dim)
	switch {
	case stderrors.Is(err, sql.ErrNoRows):
		_, err = s.db.Exec(
			`INSERT INTO embedding_config (id, model_name, model_dimension, doc_pooling, created_at)
			 VALUES (1, ?, ?, ?, ?)`,
			s.modelName, s.dimension, DocPoolingMeanChunks, nowUTC())
		if err != nil {
			return errors.Wrap(errors.KindStoreCorrupt, "record embedding config", err)
		}
	case err != nil:
		return errors.Wrap(errors.KindStoreCorrupt, "read embedding config", err)
	case model != s.modelName || dim != s.dimension:
		return errors.Newf(errors.KindSchemaMismatch,
			"store built with model %s (dim %d), configured model is %s (dim %d)",
			model, dim, s.modelName, s.dimension).
			WithDetail("store_model", model).
			WithDetail("configured_model", s.modelName)
	}
	return nil
}

// Close releases the database and writer lock. Safe to call twice.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	err := s.db.Close()
	if unlockErr := s.lock.Unlock(); unlockErr != nil && err == nil {
		err = unlockErr
	}
	s.chunkVecs = nil
	s.docVecs = nil
	return err
}

// Destroy removes a folder's store directory entirely. The store must not
// be open. Used to rebuild after a schema or model mismatch.
func Destroy(folderPath string) error {
	dir := Dir(folderPath)
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove store dir %s: %w", dir, err)
	}
	return nil
}

// GetStats returns row counts for health reporting.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed()
	}

	stats := &Stats{}
	rows := []struct {
		query string
		dest  *int
	}{
		{`SELECT COUNT(*) FROM documents`, &stats.Documents},
		{`SELECT COUNT(*) FROM chunks`, &stats.Chunks},
		{`SELECT COUNT(*) FROM chunk_embeddings`, &stats.ChunkEmbeddings},
		{`SELECT COUNT(*) FROM document_embeddings`, &stats.DocumentEmbeddings},
	}
	for _, r := range rows {
		if err := s.db.QueryRowContext(ctx, r.query).Scan(r.dest); err != nil {
			return nil, fmt.Errorf("count rows: %w", err)
		}
	}
	return stats, nil
}

// SetFileState records per-file indexing state (pending, success, error)
// so interrupted work is visible after a restart.
func (s *Store) SetFileState(ctx context.Context, filePath, state string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO file_states (file_path, state, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(file_path) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`,
		filePath, state, nowUTC())
	if err != nil {
		return fmt.Errorf("set file state: %w", err)
	}
	return nil
}

// FileStates returns the recorded state per file path.
func (s *Store) FileStates(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed()
	}

	rows, err := s.db.QueryContext(ctx, `SELECT file_path, state FROM file_states`)
	if err != nil {
		return nil, fmt.Errorf("query file states: %w", err)
	}
	defer rows.Close()

	states := make(map[string]string)
	for rows.Next() {
		var path, state string
		if err := rows.Scan(&path, &state); err != nil {
			return nil, fmt.Errorf("scan file state: %w", err)
		}
		states[path] = state
	}
	return states, rows.Err()
}

// DeleteFileState drops the recorded state for a file.
func (s *Store) DeleteFileState(ctx context.Context, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM file_states WHERE file_path = ?`, filePath); err != nil {
		return fmt.Errorf("delete file state: %w", err)
	}
	return nil
}

func errStoreClosed() error {
	return errors.New(errors.KindInternal, "store is closed")
}
