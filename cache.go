package kvtable

import (
	lru "github.com/hashicorp/golang-lru/v2"
)

const defaultCacheSize = 1024

type cacheKey struct {
	table int
	id    ID
}

// recordCache keeps decoded records. An entry is only served when its version
// matches the hash of the bytes just read, so it can never return stale data.
type recordCache struct {
	lru     *lru.Cache[cacheKey, *Record]
	metrics *metrics
}

func newRecordCache(size int, m *metrics) *recordCache {
	if size < 0 {
		return nil
	}
	if size == 0 {
		size = defaultCacheSize
	}
	return &recordCache{
		lru:     must(lru.New[cacheKey, *Record](size)),
		metrics: m,
	}
}

func (c *recordCache) get(tbl *Table, id ID, version uint64) *Record {
	if c == nil {
		return nil
	}
	rec, ok := c.lru.Get(cacheKey{tbl.pos, id})
	if !ok || rec.Version != version {
		c.metrics.cacheRequests.WithLabelValues("miss").Inc()
		return nil
	}
	c.metrics.cacheRequests.WithLabelValues("hit").Inc()
	return rec.Clone()
}

func (c *recordCache) put(tbl *Table, rec *Record) {
	if c == nil {
		return
	}
	c.lru.Add(cacheKey{tbl.pos, rec.ID}, rec.Clone())
}

func (c *recordCache) remove(tbl *Table, id ID) {
	if c == nil {
		return
	}
	c.lru.Remove(cacheKey{tbl.pos, id})
}
