package extract

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTextExtractor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0o644))

	content, err := (&TextExtractor{}).Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "hello world", content.Text)
	assert.Equal(t, "text/plain", content.MimeType)
}

func TestMarkdownExtractorHints(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "b.md")
	require.NoError(t, os.WriteFile(path, []byte("# Title\ncontent\n## Sub\nmore"), 0o644))

	content, err := (&MarkdownExtractor{}).Extract(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "text/markdown", content.MimeType)
	assert.Equal(t, "2", content.Hints["headings"])
}

func assertChunkInvariants(t *testing.T, text string, chunks []Chunk) {
	t.Helper()
	prevEnd := 0
	for i, c := range chunks {
		assert.LessOrEqual(t, 0, c.StartOffset, "chunk %d", i)
		assert.LessOrEqual(t, c.StartOffset, c.EndOffset, "chunk %d", i)
		assert.LessOrEqual(t, c.EndOffset, len(text), "chunk %d", i)
		assert.Equal(t, text[c.StartOffset:c.EndOffset], c.Content, "chunk %d content matches offsets", i)
		assert.GreaterOrEqual(t, c.StartOffset, prevEnd, "chunks are ordered")
		prevEnd = c.EndOffset
	}
}

func TestParagraphChunkerOffsets(t *testing.T) {
	text := "first paragraph here\n\nsecond paragraph follows\n\nthird one"
	chunks := (&ParagraphChunker{}).Chunk(text)
	require.NotEmpty(t, chunks)
	assertChunkInvariants(t, text, chunks)
}

func TestParagraphChunkerSplitsLargeInput(t *testing.T) {
	para := strings.Repeat("word ", 100) // ~500 bytes
	text := strings.Join([]string{para, para, para, para, para}, "\n\n")

	chunks := (&ParagraphChunker{}).Chunk(text)
	assert.Greater(t, len(chunks), 1, "oversized input should split")
	assertChunkInvariants(t, text, chunks)
	for _, c := range chunks {
		assert.Positive(t, c.TokenCount)
	}
}

func TestParagraphChunkerEmptyText(t *testing.T) {
	assert.Empty(t, (&ParagraphChunker{}).Chunk(""))
	assert.Empty(t, (&ParagraphChunker{}).Chunk("\n\n\n"))
}

func TestMarkdownChunkerSplitsOnHeadings(t *testing.T) {
	text := "# Title\ncontent\n\n# Second\nmore content"
	chunks := (&MarkdownChunker{}).Chunk(text)
	require.Len(t, chunks, 2)
	assert.Contains(t, chunks[0].Content, "Title")
	assert.Contains(t, chunks[1].Content, "Second")
	assertChunkInvariants(t, text, chunks)
}

func TestMarkdownChunkerNoHeadings(t *testing.T) {
	text := "just a plain paragraph"
	chunks := (&MarkdownChunker{}).Chunk(text)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0].Content)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	assert.True(t, r.Supports("notes.txt"))
	assert.True(t, r.Supports("README.MD"))
	assert.False(t, r.Supports("binary.exe"))

	_, _, err := r.For("binary.exe")
	assert.Error(t, err)

	e, c, err := r.For("doc.md")
	require.NoError(t, err)
	assert.IsType(t, &MarkdownExtractor{}, e)
	assert.IsType(t, &MarkdownChunker{}, c)

	assert.Equal(t, []string{".md", ".mdx", ".txt"}, r.Extensions())
}

func TestMimeType(t *testing.T) {
	assert.Equal(t, "text/plain", MimeType("a.txt"))
	assert.Equal(t, "application/pdf", MimeType("report.PDF"))
	assert.Equal(t, "application/octet-stream", MimeType("blob.bin"))
}
