// Package store persists one folder's index: document metadata, chunks with
// semantic enrichment, and embedding vectors. SQLite (WAL mode, single
// writer) is the source of truth; vectors are mirrored into in-memory HNSW
// graphs for approximate nearest-neighbor search and rebuilt on open.
package store

import (
	"time"

	"github.com/folder-mcp/folder-mcp/internal/semantic"
)

// schemaVersion is bumped on any incompatible schema change. A database
// written with a different version is reported as a schema mismatch and
// must be rebuilt from source files.
const schemaVersion = 2

// DocPoolingMeanChunks records how document-level vectors were derived.
const DocPoolingMeanChunks = "mean-chunks"

// Options configure a folder store.
type Options struct {
	// ModelName identifies the embedding model the store was built with.
	ModelName string
	// Dimension is the embedding vector width. Every vector written to the
	// store must match it exactly.
	Dimension int
}

// Document is one indexed file.
type Document struct {
	ID                int64
	FilePath          string // relative to the folder root, slash-separated
	Fingerprint       string // md5 of file content
	FileSize          int64
	MimeType          string
	LastModified      time.Time
	LastIndexed       time.Time
	ChunkCount        int
	Keywords          []semantic.KeyPhrase
	KeywordsExtracted bool
	NeedsReindex      bool
}

// NewChunk is a chunk about to be written. KeyPhrases and Readability are
// mandatory; the store rejects writes without them.
type NewChunk struct {
	Content     string
	StartOffset int
	EndOffset   int
	TokenCount  int
	KeyPhrases  []semantic.KeyPhrase
	Readability float64
}

// ChunkRecord is a stored chunk.
type ChunkRecord struct {
	ID          int64
	DocumentID  int64
	ChunkIndex  int
	Content     string
	StartOffset int
	EndOffset   int
	TokenCount  int
	KeyPhrases  []semantic.KeyPhrase
	Readability float64
}

// ChunkHit is a vector search result over chunks. Distance is the cosine
// distance reported by the graph; content is not loaded here, callers
// hydrate it via GetChunks when needed.
type ChunkHit struct {
	ChunkID     int64
	DocumentID  int64
	FilePath    string
	ChunkIndex  int
	StartOffset int
	EndOffset   int
	KeyPhrases  []semantic.KeyPhrase
	Readability float64
	Distance    float32
}

// TermHit is a term-scan search result with the number of distinct query
// terms the chunk matched.
type TermHit struct {
	ChunkID      int64
	DocumentID   int64
	FilePath     string
	ChunkIndex   int
	MatchedTerms int
}

// DocumentHit is a vector search result over document-level embeddings.
type DocumentHit struct {
	DocumentID int64
	FilePath   string
	Keywords   []semantic.KeyPhrase
	Distance   float32
}

// Stats are row counts used by health reporting and integrity checks.
type Stats struct {
	Documents          int
	Chunks             int
	ChunkEmbeddings    int
	DocumentEmbeddings int
}
