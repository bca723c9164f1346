package search

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/folder-mcp/folder-mcp/internal/errors"
	"github.com/folder-mcp/folder-mcp/internal/semantic"
	"github.com/folder-mcp/folder-mcp/internal/store"
)

const testDim = 4

// conceptEmbedder maps known keywords onto basis vectors so tests can
// place chunks at exact positions in the vector space.
type conceptEmbedder struct{}

func conceptVector(text string) []float32 {
	v := make([]float32, testDim)
	switch {
	case strings.Contains(text, "alpha"):
		v[0] = 1
	case strings.Contains(text, "beta"):
		v[1] = 1
	case strings.Contains(text, "gamma"):
		v[2] = 1
	default:
		v[3] = 1
	}
	return v
}

func (conceptEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = conceptVector(t)
	}
	return out, nil
}

func (e conceptEmbedder) EmbedQuery(ctx context.Context, texts []string) ([][]float32, error) {
	return e.Embed(ctx, texts)
}

func (conceptEmbedder) Dimension() int { return testDim }

func seedChunk(t *testing.T, st *store.Store, path, content string) int64 {
	t.Helper()
	ctx := context.Background()
	docID, err := st.UpsertDocument(ctx, &store.Document{
		FilePath:     path,
		Fingerprint:  "fp-" + path,
		FileSize:     int64(len(content)),
		MimeType:     "text/plain",
		LastModified: time.Now(),
	})
	require.NoError(t, err)

	ids, err := st.ReplaceChunks(ctx, docID, []store.NewChunk{{
		Content:     content,
		EndOffset:   len(content),
		TokenCount:  len(strings.Fields(content)),
		KeyPhrases:  []semantic.KeyPhrase{{Text: "seed", Score: 1}},
		Readability: 60,
	}})
	require.NoError(t, err)
	require.NoError(t, st.InsertChunkEmbedding(ctx, ids[0], conceptVector(content)))
	require.NoError(t, st.InsertDocumentEmbedding(ctx, docID, conceptVector(content)))
	require.NoError(t, st.SetDocumentKeywords(ctx, docID, []semantic.KeyPhrase{{Text: "seed", Score: 1}}))
	return ids[0]
}

// seedChunkFull is seedChunk with explicit key phrases and an explicit
// chunk vector, for tests that need partial similarity.
func seedChunkFull(t *testing.T, st *store.Store, path, content string, phrases []semantic.KeyPhrase, vec []float32) int64 {
	t.Helper()
	ctx := context.Background()
	docID, err := st.UpsertDocument(ctx, &store.Document{
		FilePath:     path,
		Fingerprint:  "fp-" + path,
		FileSize:     int64(len(content)),
		MimeType:     "text/plain",
		LastModified: time.Now(),
	})
	require.NoError(t, err)

	ids, err := st.ReplaceChunks(ctx, docID, []store.NewChunk{{
		Content:     content,
		EndOffset:   len(content),
		TokenCount:  len(strings.Fields(content)),
		KeyPhrases:  phrases,
		Readability: 60,
	}})
	require.NoError(t, err)
	require.NoError(t, st.InsertChunkEmbedding(ctx, ids[0], vec))
	require.NoError(t, st.InsertDocumentEmbedding(ctx, docID, vec))
	require.NoError(t, st.SetDocumentKeywords(ctx, docID, phrases))
	return ids[0]
}

func newEngineFixture(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	st, err := store.Open(t.TempDir(), store.Options{ModelName: "test", Dimension: testDim}, slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewEngine(conceptEmbedder{}, slog.Default()), st
}

func TestSearchContentRanksBySimilarity(t *testing.T) {
	e, st := newEngineFixture(t)
	alphaID := seedChunk(t, st, "alpha.txt", "all about alpha topics")
	seedChunk(t, st, "beta.txt", "all about beta topics")
	seedChunk(t, st, "gamma.txt", "all about gamma topics")

	resp, err := e.SearchContent(context.Background(), st, "/f", ContentRequest{
		SemanticConcepts: []string{"alpha"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)

	assert.Equal(t, alphaID, resp.Results[0].ChunkID)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-4)
	assert.Contains(t, resp.Results[0].Content, "alpha")
	for i := 1; i < len(resp.Results); i++ {
		assert.LessOrEqual(t, resp.Results[i].Score, resp.Results[i-1].Score)
	}
}

func TestSearchContentExactTermBoost(t *testing.T) {
	e, st := newEngineFixture(t)
	// Both chunks sit at the same partial distance from the "alpha"
	// query; only one contains the term.
	seedPhrases := []semantic.KeyPhrase{{Text: "seed", Score: 1}}
	partial := []float32{0.6, 0.8, 0, 0}
	plainID := seedChunkFull(t, st, "plain.txt", "ordinary text without the word", seedPhrases, partial)
	invoiceID := seedChunkFull(t, st, "invoice.txt", "ordinary text mentioning INVOICE-42", seedPhrases, partial)

	resp, err := e.SearchContent(context.Background(), st, "/f", ContentRequest{
		SemanticConcepts: []string{"alpha"},
		ExactTerms:       []string{"invoice-42"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, invoiceID, resp.Results[0].ChunkID, "term match outranks equal-similarity chunk")
	assert.Equal(t, plainID, resp.Results[1].ChunkID)
	assert.LessOrEqual(t, resp.Results[0].Score, 1.0, "boost clips at 1.0")
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestSearchContentBoostMatchesKeyPhrases(t *testing.T) {
	e, st := newEngineFixture(t)
	// The extracted phrase is not a verbatim substring of the content;
	// backend extractors may produce such phrases. The term still earns
	// the boost through the key phrase.
	partial := []float32{0.6, 0.8, 0, 0}
	seedPhrases := []semantic.KeyPhrase{{Text: "seed", Score: 1}}
	plainID := seedChunkFull(t, st, "plain.txt", "ordinary text without the phrase", seedPhrases, partial)
	reportID := seedChunkFull(t, st, "report.txt", "ordinary text without the phrase",
		[]semantic.KeyPhrase{{Text: "Quarterly Revenue", Score: 1}}, partial)

	resp, err := e.SearchContent(context.Background(), st, "/f", ContentRequest{
		SemanticConcepts: []string{"alpha"},
		ExactTerms:       []string{"quarterly revenue"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, reportID, resp.Results[0].ChunkID, "key phrase match earns the boost")
	assert.Equal(t, plainID, resp.Results[1].ChunkID)
	assert.Greater(t, resp.Results[0].Score, resp.Results[1].Score)
}

func TestSearchContentTermOnly(t *testing.T) {
	e, st := newEngineFixture(t)
	bothID := seedChunk(t, st, "both.txt", "contains foo and bar together")
	oneID := seedChunk(t, st, "one.txt", "contains foo alone")
	seedChunk(t, st, "none.txt", "nothing relevant")

	resp, err := e.SearchContent(context.Background(), st, "/f", ContentRequest{
		ExactTerms: []string{"foo", "bar"},
	})
	require.NoError(t, err)
	require.Len(t, resp.Results, 2)

	assert.Equal(t, bothID, resp.Results[0].ChunkID)
	assert.Equal(t, 1.0, resp.Results[0].Score)
	assert.Equal(t, oneID, resp.Results[1].ChunkID)
	assert.Equal(t, 0.5, resp.Results[1].Score)
}

func TestSearchContentRequiresInput(t *testing.T) {
	e, st := newEngineFixture(t)
	_, err := e.SearchContent(context.Background(), st, "/f", ContentRequest{
		SemanticConcepts: []string{"  "},
	})
	assert.True(t, errors.IsKind(err, errors.KindProtocolViolation))
}

func TestSearchContentPagination(t *testing.T) {
	e, st := newEngineFixture(t)
	for i := 0; i < 5; i++ {
		seedChunk(t, st, fmt.Sprintf("doc%d.txt", i), fmt.Sprintf("alpha content number %d", i))
	}

	req := ContentRequest{SemanticConcepts: []string{"alpha"}, Limit: 2}
	first, err := e.SearchContent(context.Background(), st, "/f", req)
	require.NoError(t, err)
	require.Len(t, first.Results, 2)
	require.NotEmpty(t, first.ContinuationToken)

	req.ContinuationToken = first.ContinuationToken
	second, err := e.SearchContent(context.Background(), st, "/f", req)
	require.NoError(t, err)
	require.Len(t, second.Results, 2)

	seen := map[int64]bool{}
	for _, r := range append(first.Results, second.Results...) {
		assert.False(t, seen[r.ChunkID], "pages must not repeat chunks")
		seen[r.ChunkID] = true
	}
}

func TestContinuationTokenBoundToQuery(t *testing.T) {
	e, st := newEngineFixture(t)
	for i := 0; i < 4; i++ {
		seedChunk(t, st, fmt.Sprintf("doc%d.txt", i), fmt.Sprintf("alpha content %d", i))
	}

	first, err := e.SearchContent(context.Background(), st, "/f", ContentRequest{
		SemanticConcepts: []string{"alpha"}, Limit: 2,
	})
	require.NoError(t, err)
	require.NotEmpty(t, first.ContinuationToken)

	_, err = e.SearchContent(context.Background(), st, "/f", ContentRequest{
		SemanticConcepts:  []string{"beta"},
		Limit:             2,
		ContinuationToken: first.ContinuationToken,
	})
	assert.True(t, errors.IsKind(err, errors.KindProtocolViolation))

	_, err = e.SearchContent(context.Background(), st, "/f", ContentRequest{
		SemanticConcepts:  []string{"alpha"},
		Limit:             2,
		ContinuationToken: "not base64!!",
	})
	assert.True(t, errors.IsKind(err, errors.KindProtocolViolation))
}

func TestFindDocuments(t *testing.T) {
	e, st := newEngineFixture(t)
	seedChunk(t, st, "alpha.txt", "alpha material")
	seedChunk(t, st, "beta.txt", "beta material")

	resp, err := e.FindDocuments(context.Background(), st, "/f", DocumentsRequest{Query: "beta"})
	require.NoError(t, err)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "beta.txt", resp.Results[0].FilePath)
	assert.InDelta(t, 1.0, resp.Results[0].Score, 1e-4)
	assert.NotEmpty(t, resp.Results[0].Keywords)
	assert.Empty(t, resp.ContinuationToken)

	_, err = e.FindDocuments(context.Background(), st, "/f", DocumentsRequest{Query: "   "})
	assert.True(t, errors.IsKind(err, errors.KindProtocolViolation))
}

func TestFindDocumentsPagination(t *testing.T) {
	e, st := newEngineFixture(t)
	for i := 0; i < 5; i++ {
		seedChunk(t, st, fmt.Sprintf("doc%d.txt", i), fmt.Sprintf("alpha material %d", i))
	}

	req := DocumentsRequest{Query: "alpha", Limit: 2}
	first, err := e.FindDocuments(context.Background(), st, "/f", req)
	require.NoError(t, err)
	require.Len(t, first.Results, 2)
	require.NotEmpty(t, first.ContinuationToken)

	req.ContinuationToken = first.ContinuationToken
	second, err := e.FindDocuments(context.Background(), st, "/f", req)
	require.NoError(t, err)
	require.Len(t, second.Results, 2)

	seen := map[int64]bool{}
	for _, r := range append(first.Results, second.Results...) {
		assert.False(t, seen[r.DocumentID], "pages must not repeat documents")
		seen[r.DocumentID] = true
	}

	// A token minted for a different query is rejected.
	_, err = e.FindDocuments(context.Background(), st, "/f", DocumentsRequest{
		Query: "beta", Limit: 2, ContinuationToken: first.ContinuationToken,
	})
	assert.True(t, errors.IsKind(err, errors.KindProtocolViolation))

	// Content and document tokens are not interchangeable either.
	_, err = e.SearchContent(context.Background(), st, "/f", ContentRequest{
		SemanticConcepts: []string{"alpha"}, Limit: 2,
		ContinuationToken: first.ContinuationToken,
	})
	assert.True(t, errors.IsKind(err, errors.KindProtocolViolation))
}
