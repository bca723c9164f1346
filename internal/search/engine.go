// Package search runs hybrid queries over a folder's embedding store:
// semantic concepts are embedded and mean-pooled into one query vector,
// exact terms boost chunks that literally contain them, and results page
// through opaque continuation tokens.
package search

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/model"
	"github.com/folder-mcp/folder-mcp/internal/semantic"
	"github.com/folder-mcp/folder-mcp/internal/store"
)

const (
	// DefaultLimit and MaxLimit bound page sizes.
	DefaultLimit = 10
	MaxLimit     = 100

	// exactTermBoost multiplies the semantic score of chunks containing
	// at least one exact term; the result is clipped to 1.0.
	exactTermBoost = 1.5

	// candidateFactor oversamples the vector search so boosting and
	// pagination have enough material to reorder.
	candidateFactor = 4
)

// ContentRequest is a chunk-level search.
type ContentRequest struct {
	SemanticConcepts  []string
	ExactTerms        []string
	Limit             int
	ContinuationToken string
}

// ContentResult is one scored chunk with its content loaded.
type ContentResult struct {
	ChunkID     int64                `json:"chunkId"`
	DocumentID  int64                `json:"documentId"`
	FilePath    string               `json:"filePath"`
	ChunkIndex  int                  `json:"chunkIndex"`
	Content     string               `json:"content"`
	Score       float64              `json:"score"`
	KeyPhrases  []semantic.KeyPhrase `json:"keyPhrases"`
	Readability float64              `json:"readabilityScore"`
}

// ContentResponse is one page of results. ContinuationToken is empty when
// the result set is exhausted.
type ContentResponse struct {
	Results           []ContentResult `json:"results"`
	ContinuationToken string          `json:"continuationToken,omitempty"`
}

// DocumentsRequest is a document-level search.
type DocumentsRequest struct {
	Query             string
	Limit             int
	ContinuationToken string
}

// DocumentResult is one scored document.
type DocumentResult struct {
	DocumentID int64                `json:"documentId"`
	FilePath   string               `json:"filePath"`
	Score      float64              `json:"score"`
	Keywords   []semantic.KeyPhrase `json:"keywords,omitempty"`
}

// DocumentsResponse is one page of document results.
type DocumentsResponse struct {
	Results           []DocumentResult `json:"documents"`
	ContinuationToken string           `json:"continuationToken,omitempty"`
}

// Engine answers searches against per-folder stores. It is stateless
// besides the query embedder, so one engine serves every folder.
type Engine struct {
	embedder model.Embedder
	logger   *slog.Logger
}

// NewEngine returns a search engine using embedder for query vectors.
func NewEngine(embedder model.Embedder, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{embedder: embedder, logger: logger}
}

// SearchContent runs a hybrid chunk search. At least one semantic concept
// or exact term is required.
func (e *Engine) SearchContent(ctx context.Context, st *store.Store, folder string, req ContentRequest) (*ContentResponse, error) {
	concepts := cleanStrings(req.SemanticConcepts)
	terms := cleanStrings(req.ExactTerms)
	if len(concepts) == 0 && len(terms) == 0 {
		return nil, errors.New(errors.KindProtocolViolation,
			"search needs at least one semantic concept or exact term")
	}
	limit := clampLimit(req.Limit)

	fingerprint := queryFingerprint("content", folder, concepts, terms, limit)
	offset, err := decodeToken(req.ContinuationToken, fingerprint)
	if err != nil {
		return nil, err
	}

	var scored []ContentResult
	if len(concepts) == 0 {
		scored, err = e.termOnlySearch(ctx, st, terms, offset+limit*candidateFactor)
	} else {
		scored, err = e.semanticSearch(ctx, st, concepts, terms, offset+limit*candidateFactor)
	}
	if err != nil {
		return nil, err
	}

	if offset >= len(scored) {
		return &ContentResponse{Results: []ContentResult{}}, nil
	}
	page := scored[offset:min(offset+limit, len(scored))]

	resp := &ContentResponse{Results: page}
	if offset+len(page) < len(scored) {
		resp.ContinuationToken = encodeToken(fingerprint, offset+len(page))
	}
	e.logger.Debug("search_content",
		slog.String("folder", folder),
		slog.Int("concepts", len(concepts)),
		slog.Int("exact_terms", len(terms)),
		slog.Int("returned", len(page)))
	return resp, nil
}

// semanticSearch embeds the concepts, mean-pools them into one query
// vector and ranks candidates by similarity with the exact-term boost.
func (e *Engine) semanticSearch(ctx context.Context, st *store.Store, concepts, terms []string, k int) ([]ContentResult, error) {
	vectors, err := e.embedder.EmbedQuery(ctx, concepts)
	if err != nil {
		return nil, err
	}
	query := meanPool(vectors)

	hits, err := st.SearchChunks(ctx, query, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ChunkID
	}
	contents, err := st.GetChunksByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	loweredTerms := lowerAll(terms)
	results := make([]ContentResult, 0, len(hits))
	for _, hit := range hits {
		chunk, ok := contents[hit.ChunkID]
		if !ok {
			continue
		}
		score := clamp01(1 - float64(hit.Distance))
		if containsAnyTerm(chunk.Content, loweredTerms) || phrasesContainAnyTerm(hit.KeyPhrases, loweredTerms) {
			score = clamp01(score * exactTermBoost)
		}
		results = append(results, ContentResult{
			ChunkID:     hit.ChunkID,
			DocumentID:  hit.DocumentID,
			FilePath:    hit.FilePath,
			ChunkIndex:  hit.ChunkIndex,
			Content:     chunk.Content,
			Score:       score,
			KeyPhrases:  hit.KeyPhrases,
			Readability: hit.Readability,
		})
	}
	sortResults(results)
	return results, nil
}

// termOnlySearch ranks by the fraction of requested terms each chunk
// contains; no vectors are involved.
func (e *Engine) termOnlySearch(ctx context.Context, st *store.Store, terms []string, k int) ([]ContentResult, error) {
	hits, err := st.SearchChunksByTerms(ctx, terms, k)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]int64, len(hits))
	for i, hit := range hits {
		ids[i] = hit.ChunkID
	}
	contents, err := st.GetChunksByID(ctx, ids)
	if err != nil {
		return nil, err
	}

	results := make([]ContentResult, 0, len(hits))
	for _, hit := range hits {
		chunk, ok := contents[hit.ChunkID]
		if !ok {
			continue
		}
		results = append(results, ContentResult{
			ChunkID:     hit.ChunkID,
			DocumentID:  hit.DocumentID,
			FilePath:    hit.FilePath,
			ChunkIndex:  hit.ChunkIndex,
			Content:     chunk.Content,
			Score:       clamp01(float64(hit.MatchedTerms) / float64(len(terms))),
			KeyPhrases:  chunk.KeyPhrases,
			Readability: chunk.Readability,
		})
	}
	sortResults(results)
	return results, nil
}

// FindDocuments ranks whole documents against a free-text query, paging
// through the same opaque continuation tokens as SearchContent.
func (e *Engine) FindDocuments(ctx context.Context, st *store.Store, folder string, req DocumentsRequest) (*DocumentsResponse, error) {
	query := strings.TrimSpace(req.Query)
	if query == "" {
		return nil, errors.New(errors.KindProtocolViolation, "document search query is empty")
	}
	limit := clampLimit(req.Limit)

	fingerprint := queryFingerprint("documents", folder, []string{query}, nil, limit)
	offset, err := decodeToken(req.ContinuationToken, fingerprint)
	if err != nil {
		return nil, err
	}

	vectors, err := e.embedder.EmbedQuery(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	hits, err := st.FindDocuments(ctx, vectors[0], offset+limit+1)
	if err != nil {
		return nil, err
	}

	results := make([]DocumentResult, len(hits))
	for i, hit := range hits {
		results[i] = DocumentResult{
			DocumentID: hit.DocumentID,
			FilePath:   hit.FilePath,
			Score:      clamp01(1 - float64(hit.Distance)),
			Keywords:   hit.Keywords,
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].FilePath < results[j].FilePath
	})

	if offset >= len(results) {
		return &DocumentsResponse{Results: []DocumentResult{}}, nil
	}
	page := results[offset:min(offset+limit, len(results))]

	resp := &DocumentsResponse{Results: page}
	if offset+len(page) < len(results) {
		resp.ContinuationToken = encodeToken(fingerprint, offset+len(page))
	}
	return resp, nil
}

// sortResults orders by score descending with a stable path/index tie
// break, so pagination never reshuffles equal-scored chunks.
func sortResults(results []ContentResult) {
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].FilePath != results[j].FilePath {
			return results[i].FilePath < results[j].FilePath
		}
		return results[i].ChunkIndex < results[j].ChunkIndex
	})
}

func meanPool(vectors [][]float32) []float32 {
	if len(vectors) == 1 {
		return vectors[0]
	}
	mean := make([]float32, len(vectors[0]))
	for _, v := range vectors {
		for i, f := range v {
			mean[i] += f
		}
	}
	inv := 1 / float32(len(vectors))
	for i := range mean {
		mean[i] *= inv
	}
	return mean
}

func containsAnyTerm(content string, loweredTerms []string) bool {
	if len(loweredTerms) == 0 {
		return false
	}
	lowered := strings.ToLower(content)
	for _, term := range loweredTerms {
		if strings.Contains(lowered, term) {
			return true
		}
	}
	return false
}

// phrasesContainAnyTerm matches terms against extracted key phrases, which
// need not be verbatim substrings of the chunk content when a backend
// extractor produced them.
func phrasesContainAnyTerm(phrases []semantic.KeyPhrase, loweredTerms []string) bool {
	if len(loweredTerms) == 0 {
		return false
	}
	for _, phrase := range phrases {
		lowered := strings.ToLower(phrase.Text)
		for _, term := range loweredTerms {
			if strings.Contains(lowered, term) {
				return true
			}
		}
	}
	return false
}

func cleanStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if trimmed := strings.TrimSpace(s); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func lowerAll(in []string) []string {
	out := make([]string, len(in))
	for i, s := range in {
		out[i] = strings.ToLower(s)
	}
	return out
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
