package kvtable

import (
	"context"
	"time"
)

const backfillProgressInterval = 100000

// backfill writes the index entries of field for every record of tbl, in
// batches of Options.BackfillBatchSize records per write transaction.
// Entries are only added, never removed, so a repeated or concurrent run
// converges to the same state. Records written while the backfill runs are
// indexed by their own write, since the definition is already registered.
func (db *DB) backfill(ctx context.Context, tbl *Table, field string) (int, error) {
	fields := []string{field}
	start := time.Now()
	var total int
	var after []byte
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var n int
		var last []byte
		err := db.update(ctx, func(tx *Tx) error {
			rang := rawRange{}
			if after != nil {
				rang = rang.after(after)
			}
			c := rang.newCursor(tx.dataBucket(tbl).Cursor(), db.logger)
			var pending [][]byte
			var pendingIDs []ID
			for n < db.backfillBatch && c.Next() {
				n++
				last = cloneBytes(c.Key())
				rec, err := db.decodeRecord(tbl, ID(c.Key()), c.Value())
				if err != nil {
					return err
				}
				keys, err := indexKeysFor(tbl, fields, rec)
				if err != nil {
					return err
				}
				for _, k := range keys {
					pending = append(pending, k)
					pendingIDs = append(pendingIDs, rec.ID)
				}
			}

			idx := tx.indexBucket(tbl)
			var added int
			for i, k := range pending {
				if idx.Get(k) == nil {
					added++
				}
				tx.putIndexEntry(tbl, idx, k, pendingIDs[i])
			}
			tx.count(db.metrics.indexWrites, tbl.name, field, added)
			tx.count(db.metrics.backfillRecords, tbl.name, field, n)
			return nil
		})
		if err != nil {
			return total, err
		}

		prev := total
		total += n
		if total/backfillProgressInterval != prev/backfillProgressInterval {
			db.logger.Info("db: backfilling index", "table", tbl.name, "field", field, "records", total, "elapsed", time.Since(start))
		}
		if n < db.backfillBatch {
			return total, nil
		}
		after = last
	}
}

// Reindex drops every entry of an index and rebuilds it from the records.
// The definition is marked unbuilt for the duration, so an interrupted
// rebuild is finished on the next Open.
func (db *DB) Reindex(ctx context.Context, tbl *Table, field string) error {
	if err := db.checkTable(tbl); err != nil {
		return err
	}
	err := db.update(ctx, func(tx *Tx) error {
		b := tx.defsBucket(tbl)
		raw := b.Get([]byte(field))
		if raw == nil {
			return tableErrf(tbl, field, nil, ErrNotFound, "index not declared")
		}
		def, err := decodeIndexDefinition(raw)
		if err != nil {
			return tableErrf(tbl, field, nil, err, "")
		}
		def.Built = false
		mustStore("put index definition", b.Put([]byte(field), encodeIndexDefinition(def)))
		tx.markWritten()
		return nil
	})
	if err != nil {
		return err
	}

	prefix := appendIndexFieldPrefix(nil, field)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var n int
		err := db.update(ctx, func(tx *Tx) error {
			idx := tx.indexBucket(tbl)
			rang := rawPrefix(prefix)
			var keys [][]byte
			c := rang.newCursor(idx.Cursor(), db.logger)
			for len(keys) < db.backfillBatch && c.Next() {
				keys = append(keys, cloneBytes(c.Key()))
			}
			for _, k := range keys {
				tx.deleteIndexEntry(tbl, idx, k)
			}
			n = len(keys)
			return nil
		})
		if err != nil {
			return err
		}
		if n < db.backfillBatch {
			break
		}
	}

	db.logger.Info("db: rebuilding index", "table", tbl.name, "field", field)
	return db.buildIndex(ctx, tbl, field)
}

// Reap removes index entries of field (of every field, if field is empty)
// whose record is missing or no longer holds the indexed value. Returns the
// number of entries removed. Correctly maintained indexes have nothing to
// reap; this repairs damage from external edits or older bugs.
func (db *DB) Reap(ctx context.Context, tbl *Table, field string) (int, error) {
	if err := db.checkTable(tbl); err != nil {
		return 0, err
	}
	var rang rawRange
	if field != "" {
		rang = rawPrefix(appendIndexFieldPrefix(nil, field))
	}
	var total int
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		var n, removed int
		var last []byte
		err := db.update(ctx, func(tx *Tx) error {
			var keys [][]byte
			c := rang.newCursor(tx.indexBucket(tbl).Cursor(), db.logger)
			for len(keys) < db.backfillBatch && c.Next() {
				keys = append(keys, cloneBytes(c.Key()))
			}
			n = len(keys)
			if n > 0 {
				last = keys[n-1]
			}
			removed = tx.reapEntries(tbl, keys)
			return nil
		})
		if err != nil {
			return total, err
		}
		total += removed
		if n < db.backfillBatch {
			break
		}
		rang = rang.after(last)
	}
	if total > 0 {
		db.logger.Info("db: reaped index entries", "table", tbl.name, "field", field, "count", total)
	}
	return total, nil
}
