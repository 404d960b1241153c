// Package resultcache provides the in-memory result cache of the access
// layer: a bounded LRU from query identity to a cached result set, with a
// per-table inverted index so that change-feed invalidation touches only
// affected entries.
//
// The cache is owned by the task serializer's execution context and is
// deliberately not safe for concurrent use.
package resultcache

import (
	"strings"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/vaultsq/vaultsq/pkg/metrics"
	"github.com/vaultsq/vaultsq/pkg/sqlkey"
	"github.com/vaultsq/vaultsq/pkg/wire"
)

// DefaultCapacity bounds the cache when no capacity is configured.
const DefaultCapacity = 256

// CachedResult is one cached result set, invalidated as a unit. It is
// handed out by reference on every hit; the result and its rows are
// immutable once inserted.
type CachedResult struct {
	Key          sqlkey.Key
	Columns      []string
	Rows         [][]wire.Value
	SourceTables []string
}

// Cache maps query identities to cached results with LRU eviction.
type Cache struct {
	lru *simplelru.LRU
	// byTable indexes cached keys by each source table, so Invalidate is
	// proportional to the entries actually depending on the table.
	byTable map[string]map[sqlkey.Key]struct{}
}

// New creates a Cache bounded to capacity entries.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	c := &Cache{byTable: make(map[string]map[sqlkey.Key]struct{})}

	// The callback fires for capacity evictions and explicit removals alike;
	// it only maintains the index. Eviction is always coherence-safe.
	lru, err := simplelru.NewLRU(capacity, func(key, value interface{}) {
		c.unindex(value.(*CachedResult))
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating result cache")
	}
	c.lru = lru
	return c, nil
}

// Lookup returns the cached result for key, marking it recently used.
func (c *Cache) Lookup(key sqlkey.Key) (*CachedResult, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	return v.(*CachedResult), true
}

// Insert caches res, evicting the least recently used entry when full.
// res.SourceTables must be a superset of every table read to produce it.
func (c *Cache) Insert(res *CachedResult) {
	if prev, ok := c.lru.Peek(res.Key); ok {
		c.unindex(prev.(*CachedResult))
	}
	if evicted := c.lru.Add(res.Key, res); evicted {
		metrics.CacheEvictionsTotal.Inc()
	}
	for _, t := range res.SourceTables {
		t = strings.ToLower(t)
		keys, ok := c.byTable[t]
		if !ok {
			keys = make(map[sqlkey.Key]struct{})
			c.byTable[t] = keys
		}
		keys[res.Key] = struct{}{}
	}
}

// Invalidate removes every cached result whose source tables include table,
// returning the number of entries removed.
func (c *Cache) Invalidate(table string) int {
	table = strings.ToLower(table)
	// Snapshot first: Remove fires the evict callback, which mutates the
	// index being iterated.
	keys := make([]sqlkey.Key, 0, len(c.byTable[table]))
	for key := range c.byTable[table] {
		keys = append(keys, key)
	}
	if len(keys) == 0 {
		return 0
	}

	var removed int
	for _, key := range keys {
		if c.lru.Remove(key) {
			removed++
		}
	}
	delete(c.byTable, table)

	metrics.CacheInvalidatedTotal.Add(float64(removed))
	log.WithFields(log.Fields{"table": table, "removed": removed}).
		Debug("invalidated cached results")
	return removed
}

// Len returns the number of cached results.
func (c *Cache) Len() int { return c.lru.Len() }

// Purge drops every cached result.
func (c *Cache) Purge() {
	c.lru.Purge()
	c.byTable = make(map[string]map[sqlkey.Key]struct{})
}

func (c *Cache) unindex(res *CachedResult) {
	for _, t := range res.SourceTables {
		t = strings.ToLower(t)
		if keys, ok := c.byTable[t]; ok {
			delete(keys, res.Key)
			if len(keys) == 0 {
				delete(c.byTable, t)
			}
		}
	}
}
