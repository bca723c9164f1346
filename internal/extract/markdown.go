package extract

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// MarkdownExtractor reads markdown files and records a heading count hint.
type MarkdownExtractor struct{}

var _ Extractor = (*MarkdownExtractor)(nil)

// Extract implements Extractor.
func (e *MarkdownExtractor) Extract(ctx context.Context, path string) (*Content, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	text := string(data)
	headings := 0
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, "#") {
			headings++
		}
	}

	return &Content{
		Text:     text,
		MimeType: MimeType(path),
		Hints:    map[string]string{"headings": strconv.Itoa(headings)},
	}, nil
}

// MarkdownChunker splits on headings first, then packs sections like the
// paragraph chunker. A section larger than maxChunkBytes is delegated to
// paragraph packing within the section.
type MarkdownChunker struct {
	fallback ParagraphChunker
}

var _ Chunker = (*MarkdownChunker)(nil)

// Chunk implements Chunker.
func (c *MarkdownChunker) Chunk(text string) []Chunk {
	sections := headingSpans(text)
	if len(sections) == 0 {
		return c.fallback.Chunk(text)
	}

	var chunks []Chunk
	for _, s := range sections {
		section := text[s.start:s.end]
		if len(section) <= maxChunkBytes {
			trimmed := strings.TrimSpace(section)
			if trimmed == "" {
				continue
			}
			lead := strings.Index(section, trimmed)
			chunks = append(chunks, makeChunk(text, s.start+lead, s.start+lead+len(trimmed)))
			continue
		}
		for _, sub := range c.fallback.Chunk(section) {
			sub.StartOffset += s.start
			sub.EndOffset += s.start
			chunks = append(chunks, sub)
		}
	}
	return chunks
}

// headingSpans splits the document at lines starting with '#'.
// The preamble before the first heading is its own span.
func headingSpans(text string) []span {
	lines := strings.SplitAfter(text, "\n")
	var boundaries []int
	offset := 0
	for _, line := range lines {
		if strings.HasPrefix(line, "#") {
			boundaries = append(boundaries, offset)
		}
		offset += len(line)
	}
	if len(boundaries) == 0 {
		return nil
	}

	var spans []span
	prev := 0
	for _, b := range boundaries {
		if b > prev && strings.TrimSpace(text[prev:b]) != "" {
			spans = append(spans, span{start: prev, end: b})
		}
		prev = b
	}
	spans = append(spans, span{start: prev, end: len(text)})
	return spans
}
