package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/joeblew999/plat-cropwater/internal/explorer"
)

// ResolveCache stores resolve responses by canonical query key.
type ResolveCache interface {
	Get(ctx context.Context, key string) ([]explorer.LayerRecord, bool)
	Set(ctx context.Context, key string, records []explorer.LayerRecord)
	Entries(ctx context.Context) ([]CacheEntry, error)
	Flush(ctx context.Context) error
}

type memoryEntry struct {
	records []explorer.LayerRecord
	expires time.Time
}

// MemoryCache is an in-process ResolveCache.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]memoryEntry
}

// NewMemoryCache creates an empty in-process cache. Entries expire after
// ttl; zero keeps them until flushed.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{ttl: ttl, now: time.Now, entries: make(map[string]memoryEntry)}
}

func (c *MemoryCache) live(e memoryEntry) bool {
	return e.expires.IsZero() || c.now().Before(e.expires)
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]explorer.LayerRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || !c.live(e) {
		return nil, false
	}
	return e.records, true
}

func (c *MemoryCache) Set(_ context.Context, key string, records []explorer.LayerRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := memoryEntry{records: records}
	if c.ttl > 0 {
		e.expires = c.now().Add(c.ttl)
	}
	c.entries[key] = e
}

func (c *MemoryCache) Entries(_ context.Context) ([]CacheEntry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	result := make([]CacheEntry, 0, len(c.entries))
	for k, e := range c.entries {
		if !c.live(e) {
			delete(c.entries, k)
			continue
		}
		result = append(result, CacheEntry{Key: k, Records: len(e.records)})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Key < result[j].Key })
	return result, nil
}

func (c *MemoryCache) Flush(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}
