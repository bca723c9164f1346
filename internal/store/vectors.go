package store

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/coder/hnsw"

	"github.com/folder-mcp/folder-mcp/internal/errors"
)

// vectorIndex wraps an HNSW graph keyed by SQLite row id. Deletion is
// lazy: removing the last graph node corrupts coder/hnsw, so dead keys
// stay in the graph and are filtered out of search results. Row ids are
// AUTOINCREMENT so a dead key is never reissued.
type vectorIndex struct {
	graph *hnsw.Graph[uint64]
	live  map[uint64]struct{}
	dim   int
}

func newVectorIndex(dim int) *vectorIndex {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 20
	g.Ml = 0.25
	return &vectorIndex{graph: g, live: make(map[uint64]struct{}), dim: dim}
}

func (v *vectorIndex) add(id int64, vec []float32) {
	key := uint64(id)
	normalized := make([]float32, len(vec))
	copy(normalized, vec)
	normalizeVectorInPlace(normalized)
	v.graph.Add(hnsw.MakeNode(key, normalized))
	v.live[key] = struct{}{}
}

func (v *vectorIndex) remove(ids ...int64) {
	for _, id := range ids {
		delete(v.live, uint64(id))
	}
}

func (v *vectorIndex) count() int {
	return len(v.live)
}

type neighbor struct {
	id       int64
	distance float32
}

// search returns up to k live neighbors by cosine distance. It widens the
// graph query to cover lazily deleted nodes still occupying result slots.
func (v *vectorIndex) search(query []float32, k int) []neighbor {
	if len(v.live) == 0 || k <= 0 {
		return nil
	}

	normalized := make([]float32, len(query))
	copy(normalized, query)
	normalizeVectorInPlace(normalized)

	orphans := v.graph.Len() - len(v.live)
	nodes := v.graph.Search(normalized, k+orphans)

	results := make([]neighbor, 0, k)
	for _, node := range nodes {
		if _, ok := v.live[node.Key]; !ok {
			continue
		}
		results = append(results, neighbor{
			id:       int64(node.Key),
			distance: v.graph.Distance(normalized, node.Value),
		})
		if len(results) == k {
			break
		}
	}
	return results
}

// normalizeVectorInPlace scales a vector to unit length.
func normalizeVectorInPlace(v []float32) {
	var sumSquares float64
	for _, val := range v {
		sumSquares += float64(val) * float64(val)
	}
	if sumSquares == 0 {
		return
	}
	inv := float32(1.0 / math.Sqrt(sumSquares))
	for i := range v {
		v[i] *= inv
	}
}

// encodeVector packs float32 values as little-endian bytes.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

// decodeVector is the inverse of encodeVector.
func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, errors.Newf(errors.KindStoreCorrupt, "vector blob length %d not a multiple of 4", len(buf))
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}

func (s *Store) validateDimension(vec []float32) error {
	if len(vec) != s.dimension {
		return errors.Newf(errors.KindInvariantViolation,
			"vector dimension %d, store expects %d", len(vec), s.dimension)
	}
	return nil
}

// InsertChunkEmbedding stores a chunk vector and registers it in the
// chunk graph. The chunk row must already exist.
func (s *Store) InsertChunkEmbedding(ctx context.Context, chunkID int64, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}
	if err := s.validateDimension(vec); err != nil {
		return err
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE id = ?`, chunkID).Scan(&exists); err != nil {
		return fmt.Errorf("check chunk %d: %w", chunkID, err)
	}
	if exists == 0 {
		return errors.Newf(errors.KindInvariantViolation, "embedding for nonexistent chunk %d", chunkID)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO chunk_embeddings (chunk_id, vec) VALUES (?, ?)
		 ON CONFLICT(chunk_id) DO UPDATE SET vec = excluded.vec`,
		chunkID, encodeVector(vec)); err != nil {
		return fmt.Errorf("insert chunk embedding: %w", err)
	}

	s.chunkVecs.remove(chunkID)
	s.chunkVecs.add(chunkID, vec)
	return nil
}

// InsertDocumentEmbedding stores a document-level vector.
func (s *Store) InsertDocumentEmbedding(ctx context.Context, docID int64, vec []float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errStoreClosed()
	}
	if err := s.validateDimension(vec); err != nil {
		return err
	}

	var exists int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE id = ?`, docID).Scan(&exists); err != nil {
		return fmt.Errorf("check document %d: %w", docID, err)
	}
	if exists == 0 {
		return errors.Newf(errors.KindInvariantViolation, "embedding for nonexistent document %d", docID)
	}

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO document_embeddings (document_id, vec) VALUES (?, ?)
		 ON CONFLICT(document_id) DO UPDATE SET vec = excluded.vec`,
		docID, encodeVector(vec)); err != nil {
		return fmt.Errorf("insert document embedding: %w", err)
	}

	s.docVecs.remove(docID)
	s.docVecs.add(docID, vec)
	return nil
}

// loadVectors rebuilds both graphs from the persisted blobs. Called once
// at open, before the store is visible to anyone.
func (s *Store) loadVectors() error {
	load := func(query string, idx *vectorIndex) error {
		rows, err := s.db.Query(query)
		if err != nil {
			return fmt.Errorf("load vectors: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id int64
			var blob []byte
			if err := rows.Scan(&id, &blob); err != nil {
				return fmt.Errorf("scan vector: %w", err)
			}
			vec, err := decodeVector(blob)
			if err != nil {
				return err
			}
			if len(vec) != s.dimension {
				return errors.Newf(errors.KindSchemaMismatch,
					"stored vector for id %d has dimension %d, store expects %d", id, len(vec), s.dimension)
			}
			idx.add(id, vec)
		}
		return rows.Err()
	}

	if err := load(`SELECT chunk_id, vec FROM chunk_embeddings`, s.chunkVecs); err != nil {
		return err
	}
	return load(`SELECT document_id, vec FROM document_embeddings`, s.docVecs)
}

// SearchChunks returns the k nearest chunks to the query vector with their
// document paths and enrichment, ordered by ascending distance. Content is
// not loaded; hydrate via GetChunksByID.
func (s *Store) SearchChunks(ctx context.Context, query []float32, k int) ([]*ChunkHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed()
	}
	if err := s.validateDimension(query); err != nil {
		return nil, err
	}

	neighbors := s.chunkVecs.search(query, k)
	if len(neighbors) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(neighbors))
	distances := make(map[int64]float32, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.id
		distances[n.id] = n.distance
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.document_id, c.chunk_index, c.start_offset, c.end_offset, c.key_phrases, c.readability_score, d.file_path
		 FROM chunks c JOIN documents d ON d.id = c.document_id
		 WHERE c.id IN (`+placeholders(len(ids))+`)`, int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("hydrate chunk hits: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*ChunkHit, len(ids))
	for rows.Next() {
		var hit ChunkHit
		var phrases string
		if err := rows.Scan(&hit.ChunkID, &hit.DocumentID, &hit.ChunkIndex,
			&hit.StartOffset, &hit.EndOffset, &phrases, &hit.Readability, &hit.FilePath); err != nil {
			return nil, fmt.Errorf("scan chunk hit: %w", err)
		}
		if err := unmarshalPhrases(phrases, &hit.KeyPhrases); err != nil {
			return nil, err
		}
		hit.Distance = distances[hit.ChunkID]
		byID[hit.ChunkID] = &hit
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Preserve graph order; a vector whose chunk row vanished mid-search
	// is dropped here and repaired by the next orphan purge.
	hits := make([]*ChunkHit, 0, len(ids))
	for _, id := range ids {
		if hit, ok := byID[id]; ok {
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

// FindDocuments returns the k nearest documents by document-level
// embedding, ordered by ascending distance.
func (s *Store) FindDocuments(ctx context.Context, query []float32, k int) ([]*DocumentHit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, errStoreClosed()
	}
	if err := s.validateDimension(query); err != nil {
		return nil, err
	}

	neighbors := s.docVecs.search(query, k)
	if len(neighbors) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(neighbors))
	distances := make(map[int64]float32, len(neighbors))
	for i, n := range neighbors {
		ids[i] = n.id
		distances[n.id] = n.distance
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, file_path, document_keywords FROM documents WHERE id IN (`+placeholders(len(ids))+`)`,
		int64Args(ids)...)
	if err != nil {
		return nil, fmt.Errorf("hydrate document hits: %w", err)
	}
	defer rows.Close()

	byID := make(map[int64]*DocumentHit, len(ids))
	for rows.Next() {
		var hit DocumentHit
		var keywords *string
		if err := rows.Scan(&hit.DocumentID, &hit.FilePath, &keywords); err != nil {
			return nil, fmt.Errorf("scan document hit: %w", err)
		}
		if keywords != nil && *keywords != "" {
			if err := unmarshalPhrases(*keywords, &hit.Keywords); err != nil {
				return nil, err
			}
		}
		hit.Distance = distances[hit.DocumentID]
		byID[hit.DocumentID] = &hit
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	hits := make([]*DocumentHit, 0, len(ids))
	for _, id := range ids {
		if hit, ok := byID[id]; ok {
			hits = append(hits, hit)
		}
	}
	return hits, nil
}

// PurgeOrphanChunkEmbeddings deletes chunk embeddings whose chunk row no
// longer exists and returns how many were removed.
func (s *Store) PurgeOrphanChunkEmbeddings(ctx context.Context) (int, error) {
	return s.purgeOrphans(ctx,
		`SELECT chunk_id FROM chunk_embeddings WHERE chunk_id NOT IN (SELECT id FROM chunks)`,
		`DELETE FROM chunk_embeddings WHERE chunk_id NOT IN (SELECT id FROM chunks)`,
		s.chunkVecs)
}

// PurgeOrphanDocumentEmbeddings deletes document embeddings whose document
// row no longer exists and returns how many were removed.
func (s *Store) PurgeOrphanDocumentEmbeddings(ctx context.Context) (int, error) {
	return s.purgeOrphans(ctx,
		`SELECT document_id FROM document_embeddings WHERE document_id NOT IN (SELECT id FROM documents)`,
		`DELETE FROM document_embeddings WHERE document_id NOT IN (SELECT id FROM documents)`,
		s.docVecs)
}

func (s *Store) purgeOrphans(ctx context.Context, selectSQL, deleteSQL string, idx *vectorIndex) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errStoreClosed()
	}

	rows, err := s.db.QueryContext(ctx, selectSQL)
	if err != nil {
		return 0, fmt.Errorf("find orphan embeddings: %w", err)
	}
	var orphans []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan orphan id: %w", err)
		}
		orphans = append(orphans, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	if len(orphans) == 0 {
		return 0, nil
	}
	if _, err := s.db.ExecContext(ctx, deleteSQL); err != nil {
		return 0, fmt.Errorf("delete orphan embeddings: %w", err)
	}
	idx.remove(orphans...)
	return len(orphans), nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func int64Args(ids []int64) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
