package extract

import (
	"path/filepath"
	"sort"
	"strings"

	"github.com/folder-mcp/folder-mcp/internal/errors"
)

// format pairs an extractor with its chunker.
type format struct {
	extractor Extractor
	chunker   Chunker
}

// Registry maps file extensions to extraction formats.
type Registry struct {
	formats map[string]format
}

// NewRegistry returns a registry with the built-in text and markdown formats.
func NewRegistry() *Registry {
	text := format{extractor: &TextExtractor{}, chunker: &ParagraphChunker{}}
	markdown := format{extractor: &MarkdownExtractor{}, chunker: &MarkdownChunker{}}
	return &Registry{
		formats: map[string]format{
			".txt": text,
			".md":  markdown,
			".mdx": markdown,
		},
	}
}

// Register adds or replaces a format for an extension (e.g. ".pdf").
func (r *Registry) Register(ext string, e Extractor, c Chunker) {
	r.formats[strings.ToLower(ext)] = format{extractor: e, chunker: c}
}

// Supports reports whether the path's extension has a registered format.
func (r *Registry) Supports(path string) bool {
	_, ok := r.formats[strings.ToLower(filepath.Ext(path))]
	return ok
}

// For returns the extractor and chunker for a path.
func (r *Registry) For(path string) (Extractor, Chunker, error) {
	f, ok := r.formats[strings.ToLower(filepath.Ext(path))]
	if !ok {
		return nil, nil, errors.Newf(errors.KindNotFound, "no extractor for %s", filepath.Ext(path))
	}
	return f.extractor, f.chunker, nil
}

// Extensions returns the sorted list of supported extensions.
func (r *Registry) Extensions() []string {
	exts := make([]string, 0, len(r.formats))
	for ext := range r.formats {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}
