package kvtable

import (
	"context"
	"iter"
)

// GetByIndex returns the first record (in ID order) whose field equals value,
// or nil if there is none. Index entries pointing at missing or changed
// records are skipped.
func (db *DB) GetByIndex(ctx context.Context, tbl *Table, field string, value any) (*Record, error) {
	if err := db.checkTable(tbl); err != nil {
		return nil, err
	}
	db.metrics.ops.WithLabelValues(tbl.name, "lookup").Inc()
	var found *Record
	err := db.scanIndex(ctx, tbl, field, value, 1, func(rec *Record) (bool, error) {
		found = rec
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// GetAllByIndex yields every record whose field equals value, in ID order.
// Like List, it reads in pages and every iteration starts a fresh scan.
func (db *DB) GetAllByIndex(ctx context.Context, tbl *Table, field string, value any) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		if err := db.checkTable(tbl); err != nil {
			yield(nil, err)
			return
		}
		db.metrics.ops.WithLabelValues(tbl.name, "lookup").Inc()
		var stopped bool
		err := db.scanIndex(ctx, tbl, field, value, db.pageSize, func(rec *Record) (bool, error) {
			if !yield(rec, nil) {
				stopped = true
				return false, nil
			}
			return true, nil
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// LookupIDs returns the IDs of all records whose field equals value.
func (db *DB) LookupIDs(ctx context.Context, tbl *Table, field string, value any) ([]ID, error) {
	if err := db.checkTable(tbl); err != nil {
		return nil, err
	}
	var ids []ID
	err := db.scanIndex(ctx, tbl, field, value, db.pageSize, func(rec *Record) (bool, error) {
		ids = append(ids, rec.ID)
		return true, nil
	})
	return ids, err
}

// scanIndex walks the index entries of (field, value), fetching up to
// pageSize live records per read transaction, and passes each to f.
// Dangling entries found along the way are counted and optionally reaped
// once the scan ends.
func (db *DB) scanIndex(ctx context.Context, tbl *Table, field string, value any, pageSize int, f func(rec *Record) (bool, error)) error {
	if field == "" {
		return nil
	}
	canon, err := canonicalValue(value)
	if err != nil {
		return tableErrf(tbl, field, nil, err, "cannot look up")
	}
	if canon == nil {
		return nil
	}

	var dangling [][]byte
	defer func() {
		if len(dangling) > 0 {
			db.handleDangling(ctx, tbl, field, dangling)
		}
	}()

	rang := rawPrefix(appendIndexValuePrefix(nil, field, canon))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var recs []*Record
		var last []byte
		var exhausted bool
		err := db.view(ctx, func(tx *Tx) error {
			if !tx.isIndexed(tbl, field) {
				exhausted = true
				return nil
			}
			data := tx.dataBucket(tbl)
			c := rang.newCursor(tx.indexBucket(tbl).Cursor(), db.logger)
			for len(recs) < pageSize {
				if !c.Next() {
					exhausted = true
					return nil
				}
				last = cloneBytes(c.Key())
				ek, err := parseIndexEntryKey(c.Key())
				if err != nil {
					return tableErrf(tbl, field, c.Key(), err, "")
				}
				var rec *Record
				if raw := data.Get([]byte(ek.ID)); raw != nil {
					rec, err = db.decodeRecord(tbl, ek.ID, raw)
					if err != nil {
						return err
					}
				}
				if !entryMatches(ek, rec) {
					dangling = append(dangling, last)
					continue
				}
				recs = append(recs, rec)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, rec := range recs {
			cont, err := f(rec)
			if err != nil || !cont {
				return err
			}
		}
		if exhausted {
			return nil
		}
		rang = rang.after(last)
	}
}

// handleDangling accounts for index entries that no longer match a record
// and, with Options.ReapDangling, deletes them. Each entry is checked again
// in the write transaction, because the record may have been restored since.
func (db *DB) handleDangling(ctx context.Context, tbl *Table, field string, keys [][]byte) {
	db.metrics.dangling.WithLabelValues(tbl.name, field).Add(float64(len(keys)))
	if !db.reapDangling {
		return
	}
	var removed int
	err := db.update(ctx, func(tx *Tx) error {
		removed = tx.reapEntries(tbl, keys)
		return nil
	})
	if err != nil {
		db.logger.Warn("db: failed to reap dangling index entries", "table", tbl.name, "field", field, "err", err)
		return
	}
	if removed > 0 {
		db.logger.Debug("db: reaped dangling index entries", "table", tbl.name, "field", field, "count", removed)
	}
}

// reapEntries deletes those of the given index keys that do not match their
// record, returning the number deleted.
func (tx *Tx) reapEntries(tbl *Table, keys [][]byte) int {
	idx := tx.indexBucket(tbl)
	data := tx.dataBucket(tbl)
	var removed int
	for _, key := range keys {
		ek, err := parseIndexEntryKey(key)
		if err == nil {
			var rec *Record
			if raw := data.Get([]byte(ek.ID)); raw != nil {
				rec, err = tx.db.decodeRecord(tbl, ek.ID, raw)
				if err != nil {
					// Undecodable records are reported by reads, not fixed here.
					continue
				}
			}
			if entryMatches(ek, rec) {
				continue
			}
		}
		if idx.Get(key) == nil {
			continue
		}
		tx.deleteIndexEntry(tbl, idx, key)
		removed++
	}
	return removed
}
