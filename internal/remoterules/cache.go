package remoterules

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// CacheRecord is the on-disk ruleset cache.
type CacheRecord struct {
	ETag      string         `json:"_etag"`
	FetchedAt int64          `json:"_fetched_at"`
	TTL       int64          `json:"_ttl"`
	Ruleset   map[string]any `json:"ruleset"`
}

// FileCache stores a single CacheRecord as JSON.
type FileCache struct {
	path string
}

// NewFileCache keeps only the base name of file so the cache stays in dir.
func NewFileCache(dir, file string) *FileCache {
	name := filepath.Base(file)
	if file == "" || name == "." || name == ".." || name == string(filepath.Separator) {
		name = defaultCacheFile
	}
	return &FileCache{path: filepath.Join(dir, name)}
}

func (c *FileCache) Path() string {
	return c.path
}

// Read returns nil when the cache is missing or malformed.
func (c *FileCache) Read() *CacheRecord {
	raw, err := os.ReadFile(c.path)
	if err != nil || len(raw) == 0 {
		return nil
	}
	var rec CacheRecord
	if err := decodeJSON(raw, &rec); err != nil {
		return nil
	}
	if rec.Ruleset == nil {
		return nil
	}
	return &rec
}

// Write replaces the cache atomically through a temp file and rename.
func (c *FileCache) Write(rec CacheRecord) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o750); err != nil {
		return fmt.Errorf("remoterules: create cache dir: %w", err)
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("remoterules: encode cache: %w", err)
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o640); err != nil {
		return fmt.Errorf("remoterules: write cache: %w", err)
	}
	if err := os.Rename(tmp, c.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("remoterules: replace cache: %w", err)
	}
	return nil
}

// IsFresh reports whether a record fetched at fetchedAt with ttl seconds is
// still valid at now.
func IsFresh(now, fetchedAt, ttl int64) bool {
	return ttl > 0 && now-fetchedAt < ttl
}
