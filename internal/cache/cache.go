// Package cache implements the global JSON cache under ~/.folder-mcp.
//
// Entries are stored one file per key as {data, metadata}. Corrupted or
// expired entries are deleted on read and reported as a miss so callers
// regenerate them. A small LRU keeps hot entries in memory.
package cache

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// ErrMiss is returned when a key is absent, expired, or corrupted.
var ErrMiss = errors.New("cache miss")

// EntryVersion is bumped when the on-disk entry layout changes.
const EntryVersion = 1

// memoryCacheSize bounds the in-memory hot entry cache.
const memoryCacheSize = 256

// Metadata describes a cache entry.
type Metadata struct {
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Version   int       `json:"version"`
	Checksum  string    `json:"checksum,omitempty"`
}

type entry struct {
	Data     json.RawMessage `json:"data"`
	Metadata Metadata        `json:"metadata"`
}

// Cache is a TTL'd JSON cache rooted at a directory.
type Cache struct {
	dir    string
	memory *lru.Cache[string, []byte]
}

// New creates a cache rooted at dir, creating it if needed.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	memory, err := lru.New[string, []byte](memoryCacheSize)
	if err != nil {
		return nil, fmt.Errorf("create memory cache: %w", err)
	}
	return &Cache{dir: dir, memory: memory}, nil
}

// Write stores value under key with the given TTL.
func (c *Cache) Write(key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal cache value: %w", err)
	}

	now := time.Now().UTC()
	e := entry{
		Data: data,
		Metadata: Metadata{
			CreatedAt: now,
			ExpiresAt: now.Add(ttl),
			Version:   EntryVersion,
			Checksum:  checksum(data),
		},
	}

	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal cache entry: %w", err)
	}

	path := c.path(key)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write cache entry: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename cache entry: %w", err)
	}

	c.memory.Add(key, raw)
	return nil
}

// Read loads the value for key into out.
// Returns ErrMiss for absent, expired, version-mismatched, or corrupted
// entries; bad entries are removed so the caller can regenerate.
func (c *Cache) Read(key string, out any) error {
	raw, ok := c.memory.Get(key)
	if !ok {
		var err error
		raw, err = os.ReadFile(c.path(key))
		if err != nil {
			return ErrMiss
		}
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.drop(key)
		return ErrMiss
	}
	if e.Metadata.Version != EntryVersion {
		c.drop(key)
		return ErrMiss
	}
	if e.Metadata.Checksum != "" && e.Metadata.Checksum != checksum(e.Data) {
		c.drop(key)
		return ErrMiss
	}
	if time.Now().After(e.Metadata.ExpiresAt) {
		c.drop(key)
		return ErrMiss
	}

	if err := json.Unmarshal(e.Data, out); err != nil {
		c.drop(key)
		return ErrMiss
	}
	c.memory.Add(key, raw)
	return nil
}

// Delete removes an entry.
func (c *Cache) Delete(key string) {
	c.drop(key)
}

func (c *Cache) drop(key string) {
	c.memory.Remove(key)
	_ = os.Remove(c.path(key))
}

// path maps a key to a filename. Keys are hashed so arbitrary strings
// (folder paths, query fingerprints) are filesystem-safe.
func (c *Cache) path(key string) string {
	sum := md5.Sum([]byte(key))
	return filepath.Join(c.dir, hex.EncodeToString(sum[:])+".json")
}

func checksum(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
