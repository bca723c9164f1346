package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/folder-mcp/folder-mcp/internal/cache"
)

const (
	// defaultVectorCacheSize bounds the in-memory vector cache. At 384
	// dimensions * 4 bytes * 1000 entries this is roughly 1.5MB.
	defaultVectorCacheSize = 1000

	// queryCacheTTL bounds how long query vectors survive on disk. The
	// model never changes mid-key (the model name is part of the key),
	// so the TTL only caps disk growth.
	queryCacheTTL = 7 * 24 * time.Hour
)

// CachedEmbedder wraps an Embedder with an in-memory LRU over all
// embeddings plus a disk tier for query vectors, which repeat across
// daemon restarts. Indexing vectors are not written to disk since the
// folder store already persists them.
type CachedEmbedder struct {
	inner     Embedder
	modelName string
	memory    *lru.Cache[string, []float32]
	disk      *cache.Cache
}

// NewCachedEmbedder wraps inner with caching. diskDir may be empty to
// disable the disk tier; a disk tier that fails to open is also skipped
// rather than failing the embedder.
func NewCachedEmbedder(inner Embedder, modelName, diskDir string) *CachedEmbedder {
	memory, _ := lru.New[string, []float32](defaultVectorCacheSize)
	c := &CachedEmbedder{
		inner:     inner,
		modelName: modelName,
		memory:    memory,
	}
	if diskDir != "" {
		if disk, err := cache.New(diskDir); err == nil {
			c.disk = disk
		}
	}
	return c
}

func (c *CachedEmbedder) key(text string) string {
	sum := sha256.Sum256([]byte(c.modelName + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed embeds indexing batches, reusing memory-cached vectors and only
// sending the misses to the backend.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, c.inner.Embed, false)
}

// EmbedQuery embeds search input at immediate priority, with the disk
// tier consulted and populated.
func (c *CachedEmbedder) EmbedQuery(ctx context.Context, texts []string) ([][]float32, error) {
	return c.embed(ctx, texts, c.inner.EmbedQuery, true)
}

// Dimension reports the backend's vector width.
func (c *CachedEmbedder) Dimension() int { return c.inner.Dimension() }

// Inner exposes the wrapped embedder for callers that need backend
// specifics, such as model warm-up.
func (c *CachedEmbedder) Inner() Embedder { return c.inner }

func (c *CachedEmbedder) embed(ctx context.Context, texts []string, backend func(context.Context, []string) ([][]float32, error), useDisk bool) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string
	for i, text := range texts {
		if vec := c.lookup(text, useDisk); vec != nil {
			results[i] = vec
			continue
		}
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, text)
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	vecs, err := backend(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missTexts) {
		return nil, errors.New("embedding backend returned wrong vector count")
	}
	for i, vec := range vecs {
		results[missIdx[i]] = vec
		c.store(missTexts[i], vec, useDisk)
	}
	return results, nil
}

func (c *CachedEmbedder) lookup(text string, useDisk bool) []float32 {
	key := c.key(text)
	if vec, ok := c.memory.Get(key); ok {
		return vec
	}
	if useDisk && c.disk != nil {
		var vec []float32
		if err := c.disk.Read(key, &vec); err == nil && len(vec) == c.Dimension() {
			c.memory.Add(key, vec)
			return vec
		}
	}
	return nil
}

func (c *CachedEmbedder) store(text string, vec []float32, useDisk bool) {
	key := c.key(text)
	c.memory.Add(key, vec)
	if useDisk && c.disk != nil {
		_ = c.disk.Write(key, vec, queryCacheTTL)
	}
}
