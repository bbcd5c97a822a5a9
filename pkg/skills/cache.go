// Package skills loads markdown prompt snippets from environment skill directories.
package skills

import (
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// cacheEntry holds file content together with the stat values it was read at.
type cacheEntry struct {
	content string
	modTime time.Time
	size    int64
}

// Cache is a thread-safe content cache keyed by file path and invalidated by
// modification time and size. Entries for deleted files are cleaned up by
// PruneDir — no background goroutine.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
	}
}

// Get returns cached content if the file's current stat still matches the
// stat it was cached at. A stale entry stays in place until Set overwrites it.
func (c *Cache) Get(path string, info fs.FileInfo) (string, bool) {
	c.mu.RLock()
	entry, ok := c.entries[path]
	c.mu.RUnlock()

	if !ok {
		return "", false
	}

	if !entry.modTime.Equal(info.ModTime()) || entry.size != info.Size() {
		return "", false
	}

	return entry.content, true
}

// Set stores content with the file's current stat values.
func (c *Cache) Set(path string, content string, info fs.FileInfo) {
	c.mu.Lock()
	c.entries[path] = &cacheEntry{
		content: content,
		modTime: info.ModTime(),
		size:    info.Size(),
	}
	c.mu.Unlock()
}

// PruneDir drops entries under dir whose paths are not in keep.
// Called after a directory scan so deleted files do not pin memory.
func (c *Cache) PruneDir(dir string, keep map[string]bool) {
	prefix := filepath.Clean(dir) + string(filepath.Separator)

	c.mu.Lock()
	for path := range c.entries {
		if strings.HasPrefix(path, prefix) && !keep[path] {
			delete(c.entries, path)
		}
	}
	c.mu.Unlock()
}
