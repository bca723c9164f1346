package store

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/semantic"
)

// UpsertDocument inserts or updates a document row keyed by file path and
// returns its id. Chunk count and keywords are reset by ReplaceChunks and
// SetDocumentKeywords respectively, not here. The row starts with
// needs_reindex set; only MarkDocumentIndexed clears it, after chunks and
// embeddings have landed, so a crash mid-index never leaves the document
// claiming its stored fingerprint is fully indexed.
func (s *Store) UpsertDocument(ctx context.Context, doc *Document) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errStoreClosed()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (file_path, fingerprint, file_size, mime_type, last_modified, last_indexed, needs_reindex)
		 VALUES (?, ?, ?, ?, ?, ?, 1)
		 ON CONFLICT(file_path) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			file_size = excluded.file_size,
			mime_type = excluded.mime_type,
			last_modified = excluded.last_modified,
			last_indexed = excluded.last_indexed,
			needs_reindex = 1`,
		doc.FilePath, doc.Fingerprint, doc.FileSize, doc.MimeType,
		formatTime(doc.LastModified), nowUTC())
	if err != nil {
		return 0, fmt.Errorf("upsert document %s: %w", doc.FilePath, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE file_path = ?`, doc.FilePath).Scan(&id); err != nil {
		return 0, fmt.Errorf("read document id: %w", err)
	}
	return id, nil
}

// DeleteDocument removes a document and everything hanging off it: chunks,
// chunk embeddings and the document embedding, all in one transaction.
// Deleting a path that was never indexed is a no-op.
func (s *Store) DeleteDocument(ctx context.Context, filePath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}

	var docID int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM documents WHERE file_path = ?`, filePath).Scan(&docID)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("lookup document %s: %w", filePath, err)
	}

	chunkIDs, err := s.chunkIDsLocked(ctx, docID)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		`DELETE FROM chunk_embeddings WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`,
		`DELETE FROM chunks WHERE document_id = ?`,
		`DELETE FROM document_embeddings WHERE document_id = ?`,
		`DELETE FROM documents WHERE id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, docID); err != nil {
			return fmt.Errorf("delete document %s: %w", filePath, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete: %w", err)
	}

	s.chunkVecs.remove(chunkIDs...)
	s.docVecs.remove(docID)
	return nil
}

// MarkDocumentIndexed clears a document's needs_reindex flag. Callers
// invoke it only after every chunk, embedding and keyword write for the
// document has committed.
func (s *Store) MarkDocumentIndexed(ctx context.Context, docID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}

	res, err := s.db.ExecContext(ctx, `UPDATE documents SET needs_reindex = 0 WHERE id = ?`, docID)
	if err != nil {
		return fmt.Errorf("mark document indexed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "document %d not found", docID)
	}
	return nil
}

// CountDocumentsNeedingReindex returns how many documents were interrupted
// between the metadata write and the embedding writes. The syncer requeues
// the folder when this is non-zero.
func (s *Store) CountDocumentsNeedingReindex(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return 0, errStoreClosed()
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE needs_reindex = 1`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count documents needing reindex: %w", err)
	}
	return n, nil
}

// GetDocumentFingerprints returns file path to content fingerprint for
// every indexed document. The change detector diffs this against the
// current filesystem state. Documents still flagged needs_reindex report
// an empty fingerprint so the detector treats them as modified.
func (s *Store) GetDocumentFingerprints(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT file_path, CASE WHEN needs_reindex = 1 THEN '' ELSE fingerprint END FROM documents`)
	if err != nil {
		return nil, fmt.Errorf("query fingerprints: %w", err)
	}
	defer rows.Close()

	fps := make(map[string]string)
	for rows.Next() {
		var path, fp string
		if err := rows.Scan(&path, &fp); err != nil {
			return nil, fmt.Errorf("scan fingerprint: %w", err)
		}
		fps[path] = fp
	}
	return fps, rows.Err()
}

// GetAllDocumentPaths returns the set of indexed file paths.
func (s *Store) GetAllDocumentPaths(ctx context.Context) (map[string]struct{}, error) {
	fps, err := s.GetDocumentFingerprints(ctx)
	if err != nil {
		return nil, err
	}
	paths := make(map[string]struct{}, len(fps))
	for path := range fps {
		paths[path] = struct{}{}
	}
	return paths, nil
}

// GetDocument looks a document up by path.
func (s *Store) GetDocument(ctx context.Context, filePath string) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed()
	}
	return s.queryDocumentLocked(ctx, `WHERE file_path = ?`, filePath)
}

// GetDocumentByID looks a document up by row id.
func (s *Store) GetDocumentByID(ctx context.Context, id int64) (*Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed()
	}
	return s.queryDocumentLocked(ctx, `WHERE id = ?`, id)
}

const documentColumns = `id, file_path, fingerprint, file_size, mime_type,
	last_modified, last_indexed, chunk_count, document_keywords, keywords_extracted, needs_reindex`

func (s *Store) queryDocumentLocked(ctx context.Context, where string, arg any) (*Document, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents `+where, arg)
	doc, err := scanDocument(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.Newf(errors.KindNotFound, "document %v not found", arg)
	}
	if err != nil {
		return nil, fmt.Errorf("scan document: %w", err)
	}
	return doc, nil
}

// ListDocuments returns a page of documents ordered by path and the total
// count.
func (s *Store) ListDocuments(ctx context.Context, offset, limit int) ([]*Document, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, errStoreClosed()
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents`).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents ORDER BY file_path LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, doc)
	}
	return docs, total, rows.Err()
}

// SetDocumentKeywords stores pooled document-level keywords.
func (s *Store) SetDocumentKeywords(ctx context.Context, docID int64, keywords []semantic.KeyPhrase) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}

	data, err := json.Marshal(keywords)
	if err != nil {
		return fmt.Errorf("marshal keywords: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE documents SET document_keywords = ?, keywords_extracted = 1 WHERE id = ?`, string(data), docID)
	if err != nil {
		return fmt.Errorf("set keywords: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.Newf(errors.KindNotFound, "document %d not found", docID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*Document, error) {
	var doc Document
	var lastModified, lastIndexed string
	var keywords sql.NullString
	var extracted, needsReindex int
	err := row.Scan(&doc.ID, &doc.FilePath, &doc.Fingerprint, &doc.FileSize, &doc.MimeType,
		&lastModified, &lastIndexed, &doc.ChunkCount, &keywords, &extracted, &needsReindex)
	if err != nil {
		return nil, err
	}
	doc.LastModified = parseTime(lastModified)
	doc.LastIndexed = parseTime(lastIndexed)
	doc.KeywordsExtracted = extracted != 0
	doc.NeedsReindex = needsReindex != 0
	if keywords.Valid && keywords.String != "" {
		if err := json.Unmarshal([]byte(keywords.String), &doc.Keywords); err != nil {
			return nil, fmt.Errorf("decode keywords: %w", err)
		}
	}
	return &doc, nil
}

func nowUTC() string {
	return formatTime(time.Now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
