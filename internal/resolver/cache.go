package resolver

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"vx/pkg/descriptor"
)

const versionCacheFile = "versions.json"

var nowFunc = time.Now

type cacheEntry struct {
	Tool      string                     `json:"tool"`
	Versions  []descriptor.VersionRecord `json:"versions"`
	FetchedAt time.Time                  `json:"fetched_at"`
}

type cacheFile struct {
	Entries map[string]cacheEntry `json:"entries"`
}

// Cache holds fetched version lists keyed by tool and capability fingerprint.
// When dir is set the entries are also persisted so other processes reuse them.
type Cache struct {
	mu      sync.Mutex
	dir     string
	loaded  bool
	entries map[string]cacheEntry
}

// NewCache returns a cache persisted under dir, or memory-only when dir is empty.
func NewCache(dir string) *Cache {
	return &Cache{dir: dir, entries: make(map[string]cacheEntry)}
}

func cacheKey(tool string, caps descriptor.Capabilities) string {
	return tool + "@" + caps.Fingerprint()
}

// Get returns the entry for key when it is younger than ttl.
func (c *Cache) Get(key string, ttl time.Duration) ([]descriptor.VersionRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if ttl > 0 && nowFunc().Sub(entry.FetchedAt) > ttl {
		return nil, false
	}
	return append([]descriptor.VersionRecord(nil), entry.Versions...), true
}

// Put stores versions under key.
func (c *Cache) Put(key, tool string, versions []descriptor.VersionRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()

	c.entries[key] = cacheEntry{
		Tool:      tool,
		Versions:  append([]descriptor.VersionRecord(nil), versions...),
		FetchedAt: nowFunc(),
	}
	return c.saveLocked()
}

// Invalidate drops every entry for tool, or all entries when tool is empty.
func (c *Cache) Invalidate(tool string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadLocked()

	for key, entry := range c.entries {
		if tool == "" || entry.Tool == tool {
			delete(c.entries, key)
		}
	}
	return c.saveLocked()
}

func (c *Cache) path() string {
	return filepath.Join(c.dir, versionCacheFile)
}

func (c *Cache) loadLocked() {
	if c.loaded || strings.TrimSpace(c.dir) == "" {
		c.loaded = true
		return
	}
	c.loaded = true

	data, err := os.ReadFile(c.path())
	if err != nil {
		return
	}
	var file cacheFile
	if err := json.Unmarshal(data, &file); err != nil {
		return
	}
	for key, entry := range file.Entries {
		if _, ok := c.entries[key]; !ok {
			c.entries[key] = entry
		}
	}
}

func (c *Cache) saveLocked() error {
	if strings.TrimSpace(c.dir) == "" {
		return nil
	}
	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("create version cache dir: %w", err)
	}
	data, err := json.MarshalIndent(cacheFile{Entries: c.entries}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode version cache: %w", err)
	}
	tmp, err := os.CreateTemp(c.dir, "versions-*.tmp")
	if err != nil {
		return fmt.Errorf("write version cache: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write version cache: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write version cache: %w", err)
	}
	if err := os.Rename(tmpPath, c.path()); err != nil {
		return fmt.Errorf("replace version cache: %w", err)
	}
	return nil
}
