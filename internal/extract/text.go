package extract

import (
	"context"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"
)

// maxChunkBytes bounds the size of a single chunk.
const maxChunkBytes = 1200

// TextExtractor reads a file verbatim as UTF-8 plain text.
type TextExtractor struct{}

var _ Extractor = (*TextExtractor)(nil)

// Extract implements Extractor.
func (e *TextExtractor) Extract(ctx context.Context, path string) (*Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	text := string(data)
	if !utf8.ValidString(text) {
		text = strings.ToValidUTF8(text, "�")
	}
	return &Content{Text: text, MimeType: MimeType(path)}, nil
}

// ParagraphChunker splits text on blank lines and packs consecutive
// paragraphs into chunks of at most maxChunkBytes. A paragraph larger than
// the limit becomes its own oversized chunk rather than being split
// mid-sentence.
type ParagraphChunker struct{}

var _ Chunker = (*ParagraphChunker)(nil)

// Chunk implements Chunker. Offsets are byte offsets into text and chunks
// are emitted in document order.
func (c *ParagraphChunker) Chunk(text string) []Chunk {
	spans := paragraphSpans(text)
	if len(spans) == 0 {
		return nil
	}

	var chunks []Chunk
	start := spans[0].start
	end := spans[0].end
	for _, s := range spans[1:] {
		if s.end-start > maxChunkBytes {
			chunks = append(chunks, makeChunk(text, start, end))
			start = s.start
		}
		end = s.end
	}
	chunks = append(chunks, makeChunk(text, start, end))
	return chunks
}

type span struct {
	start, end int
}

// paragraphSpans returns byte spans of non-blank paragraphs.
func paragraphSpans(text string) []span {
	var spans []span
	offset := 0
	for _, block := range strings.Split(text, "\n\n") {
		trimmed := strings.TrimSpace(block)
		if trimmed != "" {
			lead := strings.Index(block, trimmed)
			spans = append(spans, span{
				start: offset + lead,
				end:   offset + lead + len(trimmed),
			})
		}
		offset += len(block) + 2
	}
	return spans
}

func makeChunk(text string, start, end int) Chunk {
	content := text[start:end]
	return Chunk{
		Content:     content,
		StartOffset: start,
		EndOffset:   end,
		TokenCount:  len(strings.Fields(content)),
	}
}
