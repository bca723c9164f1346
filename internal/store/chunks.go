package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/semantic"
)

// ReplaceChunks atomically swaps a document's chunks: old chunks and their
// embeddings are deleted and the new set inserted in one transaction, so a
// crash never leaves a mix of old and new chunks. Returns the new chunk ids
// in input order.
//
// Every chunk must carry key phrases and a readability score in [0,100];
// a chunk without them is rejected before anything is written.
func (s *Store) ReplaceChunks(ctx context.Context, docID int64, chunks []NewChunk) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errStoreClosed()
	}

	for i, c := range chunks {
		if len(c.KeyPhrases) == 0 {
			return nil, errors.Newf(errors.KindInvariantViolation,
				"chunk %d of document %d has no key phrases", i, docID)
		}
		if c.Readability < 0 || c.Readability > 100 {
			return nil, errors.Newf(errors.KindInvariantViolation,
				"chunk %d of document %d has readability %f outside [0,100]", i, docID, c.Readability)
		}
	}

	oldIDs, err := s.chunkIDsLocked(ctx, docID)
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin replace chunks: %w", err)
	}
	defer tx.Rollback()

	// FTS5 has no REPLACE; delete then insert, all inside the transaction.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunks_fts WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, docID); err != nil {
		return nil, fmt.Errorf("delete old chunk fts rows: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM chunk_embeddings WHERE chunk_id IN (SELECT id FROM chunks WHERE document_id = ?)`, docID); err != nil {
		return nil, fmt.Errorf("delete old chunk embeddings: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE document_id = ?`, docID); err != nil {
		return nil, fmt.Errorf("delete old chunks: %w", err)
	}

	ids := make([]int64, len(chunks))
	for i, c := range chunks {
		phrases, err := json.Marshal(c.KeyPhrases)
		if err != nil {
			return nil, fmt.Errorf("marshal key phrases: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO chunks (document_id, chunk_index, content, start_offset, end_offset, token_count, key_phrases, readability_score)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			docID, i, c.Content, c.StartOffset, c.EndOffset, c.TokenCount, string(phrases), c.Readability)
		if err != nil {
			return nil, fmt.Errorf("insert chunk %d: %w", i, err)
		}
		ids[i], err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("chunk id: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO chunks_fts (chunk_id, content) VALUES (?, ?)`, ids[i], c.Content); err != nil {
			return nil, fmt.Errorf("insert chunk fts row %d: %w", i, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET chunk_count = ?, last_indexed = ? WHERE id = ?`,
		len(chunks), nowUTC(), docID); err != nil {
		return nil, fmt.Errorf("update chunk count: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit replace chunks: %w", err)
	}

	s.chunkVecs.remove(oldIDs...)
	return ids, nil
}

// GetChunks returns a document's chunks ordered by chunk index.
func (s *Store) GetChunks(ctx context.Context, docID int64) ([]*ChunkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed()
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, chunk_index, content, start_offset, end_offset, token_count, key_phrases, readability_score
		 FROM chunks WHERE document_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, fmt.Errorf("query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*ChunkRecord
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetChunksByID hydrates chunks by id, in any order. Missing ids are
// silently absent from the result, the caller decides whether that matters.
func (s *Store) GetChunksByID(ctx context.Context, ids []int64) (map[int64]*ChunkRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed()
	}
	if len(ids) == 0 {
		return map[int64]*ChunkRecord{}, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, chunk_index, content, start_offset, end_offset, token_count, key_phrases, readability_score
		 FROM chunks WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("query chunks by id: %w", err)
	}
	defer rows.Close()

	chunks := make(map[int64]*ChunkRecord, len(ids))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks[c.ID] = c
	}
	return chunks, rows.Err()
}

// GetDocumentText reconstructs a document's text from its chunks in index
// order. Gaps removed by chunking collapse to a blank line.
func (s *Store) GetDocumentText(ctx context.Context, docID int64) (string, error) {
	chunks, err := s.GetChunks(ctx, docID)
	if err != nil {
		return "", err
	}
	if len(chunks) == 0 {
		return "", nil
	}
	parts := make([]string, len(chunks))
	for i, c := range chunks {
		parts[i] = c.Content
	}
	return strings.Join(parts, "\n\n"), nil
}

// SearchChunksByTerms finds chunks containing the given terms literally
// and ranks them by how many distinct terms they contain. Used when a
// search carries only exact terms and no semantic concepts.
//
// The FTS index narrows candidates by token; because FTS matches whole
// tokens rather than substrings, each candidate is re-checked for literal
// containment before it counts as a hit.
func (s *Store) SearchChunksByTerms(ctx context.Context, terms []string, limit int) ([]*TermHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed()
	}
	if len(terms) == 0 {
		return nil, nil
	}

	lowered := make([]string, len(terms))
	queries := make([]string, len(terms))
	for i, t := range terms {
		lowered[i] = strings.ToLower(t)
		queries[i] = ftsPhraseQuery(t)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, lower(c.content), d.file_path
		 FROM chunks_fts f
		 JOIN chunks c ON c.id = f.chunk_id
		 JOIN documents d ON d.id = c.document_id
		 WHERE chunks_fts MATCH ?`, strings.Join(queries, " OR "))
	if err != nil {
		if isFTSQueryError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("term search: %w", err)
	}
	defer rows.Close()

	var hits []*TermHit
	for rows.Next() {
		var hit TermHit
		var content string
		if err := rows.Scan(&hit.ChunkID, &hit.DocumentID, &hit.ChunkIndex, &content, &hit.FilePath); err != nil {
			return nil, fmt.Errorf("scan term hit: %w", err)
		}
		for _, t := range lowered {
			if strings.Contains(content, t) {
				hit.MatchedTerms++
			}
		}
		if hit.MatchedTerms == 0 {
			continue
		}
		hits = append(hits, &hit)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].MatchedTerms != hits[j].MatchedTerms {
			return hits[i].MatchedTerms > hits[j].MatchedTerms
		}
		if hits[i].FilePath != hits[j].FilePath {
			return hits[i].FilePath < hits[j].FilePath
		}
		return hits[i].ChunkIndex < hits[j].ChunkIndex
	})
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ftsPhraseQuery wraps a term as an FTS5 phrase so its words must appear
// adjacent and in order, with no query-syntax interpretation. Embedded
// quotes are doubled per FTS5 string rules.
func ftsPhraseQuery(term string) string {
	return `"` + strings.ReplaceAll(term, `"`, `""`) + `"`
}

// isFTSQueryError detects a malformed MATCH expression, which is treated
// as matching nothing rather than failing the search.
func isFTSQueryError(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "fts5:") || strings.Contains(msg, "syntax error")
}

func (s *Store) chunkIDsLocked(ctx context.Context, docID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM chunks WHERE document_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("query chunk ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan chunk id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func unmarshalPhrases(data string, out *[]semantic.KeyPhrase) error {
	if err := json.Unmarshal([]byte(data), out); err != nil {
		return fmt.Errorf("decode key phrases: %w", err)
	}
	return nil
}

func scanChunk(row rowScanner) (*ChunkRecord, error) {
	var c ChunkRecord
	var phrases string
	err := row.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content,
		&c.StartOffset, &c.EndOffset, &c.TokenCount, &phrases, &c.Readability)
	if err != nil {
		return nil, fmt.Errorf("scan chunk: %w", err)
	}
	if err := json.Unmarshal([]byte(phrases), &c.KeyPhrases); err != nil {
		return nil, fmt.Errorf("decode key phrases: %w", err)
	}
	return &c, nil
}
