// Package extract defines the content extraction and chunking contract.
//
// Format-specific parsing is a collaborator concern: an Extractor yields
// plain text plus optional structure hints, and a Chunker yields ordered
// chunks with byte offsets. The built-in implementations cover plain text
// and markdown; other formats plug in behind the same interfaces.
package extract

import "context"

// Content is the result of extracting one file.
type Content struct {
	// Text is the extracted plain text.
	Text string

	// MimeType is the detected MIME type of the source file.
	MimeType string

	// Hints carries optional format-structure hints (e.g. heading map).
	Hints map[string]string
}

// Chunk is a contiguous span of extracted text.
// Offsets are byte offsets into Content.Text, with StartOffset <= EndOffset
// and chunks emitted in order from offset 0.
type Chunk struct {
	Content     string
	StartOffset int
	EndOffset   int
	TokenCount  int
}

// Extractor extracts plain text from a file on disk.
type Extractor interface {
	// Extract reads and converts the file at path.
	Extract(ctx context.Context, path string) (*Content, error)
}

// Chunker splits extracted text into ordered chunks with byte offsets.
type Chunker interface {
	Chunk(text string) []Chunk
}
