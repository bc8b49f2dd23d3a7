package cache

import (
	"strings"
	"sync"
	"time"

	"offline-sync-service/internal/store"
)

type entry struct {
	records  []*store.Record
	storedAt time.Time
}

// Cache is the short-TTL advisory read layer in front of the local store.
// It is never authoritative: every successful write and every sync cycle
// invalidates the affected keys.
type Cache struct {
	mu  sync.RWMutex
	ttl time.Duration
	m   map[string]entry
}

func New(ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{
		ttl: ttl,
		m:   make(map[string]entry),
	}
}

func Key(table, id string) string {
	if id == "" {
		return table + ":all"
	}
	return table + ":" + id
}

func (c *Cache) Get(key string) ([]*store.Record, bool) {
	c.mu.RLock()
	e, ok := c.m[key]
	c.mu.RUnlock()
	if !ok || time.Since(e.storedAt) >= c.ttl {
		return nil, false
	}
	return e.records, true
}

func (c *Cache) Set(key string, records []*store.Record) {
	c.mu.Lock()
	c.m[key] = entry{records: records, storedAt: time.Now()}
	c.mu.Unlock()
}

// Invalidate drops the key itself plus the table's "all" aggregation.
func (c *Cache) Invalidate(table, id string) {
	c.mu.Lock()
	delete(c.m, Key(table, id))
	delete(c.m, Key(table, ""))
	c.mu.Unlock()
}

// InvalidateTable drops every cached key belonging to the table.
func (c *Cache) InvalidateTable(table string) {
	prefix := table + ":"
	c.mu.Lock()
	for k := range c.m {
		if strings.HasPrefix(k, prefix) {
			delete(c.m, k)
		}
	}
	c.mu.Unlock()
}

func (c *Cache) Clear() {
	c.mu.Lock()
	c.m = make(map[string]entry)
	c.mu.Unlock()
}
