// Package rowcache implements Cache: a bounded LRU of decoded row snapshots,
// keyed by (table, slot), per spec.md §4.7. Index node pages are not cached.
//
// Grounded on the teacher's bounded caches (pkg/mddb/fmcache's entries-based
// eviction policy) but backed by the pack's actual production LRU
// dependency, github.com/hashicorp/golang-lru/v2, rather than the teacher's
// bespoke gob/mmap maps.
package rowcache

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/fillmemory/flintdb/pkg/flintdb/ferr"
)

// Key identifies a cached entry: a table instance plus a BlockStorage slot.
type Key struct {
	TableID uint32
	Slot    int64
}

// Cache is a thread-safe bounded LRU of decoded Row snapshots, used by a
// Table for its primary rows.
type Cache struct {
	rows *lru.Cache[Key, any]
}

// New builds a Cache holding at most capacity entries. capacity <= 0 is
// rejected with a Constraint error: a cache with no bound would defeat the
// entries-based capacity spec.md §4.7 requires.
func New(capacity int) (*Cache, error) {
	if capacity <= 0 {
		return nil, ferr.New(ferr.KindConstraint, "rowcache.New", "", nil)
	}
	c, err := lru.New[Key, any](capacity)
	if err != nil {
		return nil, ferr.New(ferr.KindInternal, "rowcache.New", "", err)
	}
	return &Cache{rows: c}, nil
}

// Get returns the cached value for key, if present.
func (c *Cache) Get(key Key) (any, bool) {
	return c.rows.Get(key)
}

// Put inserts or replaces the cached value for key. Table.apply/delete call
// Invalidate (not Put) for the affected key before releasing the writer
// latch, so a concurrent reader never observes a part-written entry; Put is
// reserved for populating the cache after a successful decode on read miss.
func (c *Cache) Put(key Key, value any) {
	c.rows.Add(key, value)
}

// Invalidate removes key, if present, so the next reader re-decodes from
// storage.
func (c *Cache) Invalidate(key Key) {
	c.rows.Remove(key)
}

// InvalidateTable removes every entry belonging to tableID. Table does not
// call it: compaction invalidates each remapped slot on its own.
func (c *Cache) InvalidateTable(tableID uint32) {
	for _, k := range c.rows.Keys() {
		if k.TableID == tableID {
			c.rows.Remove(k)
		}
	}
}

// Len reports the number of entries currently cached.
func (c *Cache) Len() int { return c.rows.Len() }

// Purge evicts every entry.
func (c *Cache) Purge() { c.rows.Purge() }
