package kvtable

import (
	"context"
	"iter"
)

// List yields the records of tbl in primary key order, which is creation
// order for generated IDs. A limit <= 0 means no limit.
//
// Records are read in pages of Options.ScanPageSize, each in a separate read
// transaction, so the caller may write to the database while iterating.
// Every call of the returned sequence starts a fresh scan.
func (db *DB) List(ctx context.Context, tbl *Table, limit int) iter.Seq2[*Record, error] {
	return db.list(ctx, tbl, rawRange{}, limit)
}

// ListNewest is like List, but yields the most recently created records
// first.
func (db *DB) ListNewest(ctx context.Context, tbl *Table, limit int) iter.Seq2[*Record, error] {
	return db.list(ctx, tbl, rawRange{}.reversed(), limit)
}

func (db *DB) list(ctx context.Context, tbl *Table, rang rawRange, limit int) iter.Seq2[*Record, error] {
	return func(yield func(*Record, error) bool) {
		if err := db.checkTable(tbl); err != nil {
			yield(nil, err)
			return
		}
		db.metrics.ops.WithLabelValues(tbl.name, "list").Inc()

		var n int
		var stopped bool
		err := db.scanPages(ctx, tbl, dataSub, rang, func(k, v []byte) (bool, error) {
			rec, err := db.decodeRecord(tbl, ID(k), v)
			if err != nil {
				return false, err
			}
			if !yield(rec, nil) {
				stopped = true
				return false, nil
			}
			n++
			return limit <= 0 || n < limit, nil
		})
		if err != nil && !stopped {
			yield(nil, err)
		}
	}
}

// ListIDs returns the primary keys of tbl in order, up to limit (<= 0 means
// all of them).
func (db *DB) ListIDs(ctx context.Context, tbl *Table, limit int) ([]ID, error) {
	return db.listIDs(ctx, tbl, rawRange{}, limit)
}

// ListNewestIDs returns the primary keys of tbl in reverse order.
func (db *DB) ListNewestIDs(ctx context.Context, tbl *Table, limit int) ([]ID, error) {
	return db.listIDs(ctx, tbl, rawRange{}.reversed(), limit)
}

func (db *DB) listIDs(ctx context.Context, tbl *Table, rang rawRange, limit int) ([]ID, error) {
	if err := db.checkTable(tbl); err != nil {
		return nil, err
	}
	var ids []ID
	err := db.scanPages(ctx, tbl, dataSub, rang, func(k, v []byte) (bool, error) {
		ids = append(ids, ID(k))
		return limit <= 0 || len(ids) < limit, nil
	})
	return ids, err
}

// Count returns the number of records in tbl.
func (db *DB) Count(ctx context.Context, tbl *Table) (int, error) {
	if err := db.checkTable(tbl); err != nil {
		return 0, err
	}
	var n int
	err := db.view(ctx, func(tx *Tx) error {
		n = tx.dataBucket(tbl).Stats().KeyN
		return nil
	})
	return n, err
}

// Collect drains a sequence into a slice, stopping at the first error.
func Collect[T any](seq iter.Seq2[T, error]) ([]T, error) {
	var result []T
	for v, err := range seq {
		if err != nil {
			return result, err
		}
		result = append(result, v)
	}
	return result, nil
}
