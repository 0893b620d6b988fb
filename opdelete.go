package kvtable

import (
	"context"
	"log/slog"
)

// Delete removes a record and all its index entries in one transaction.
// It returns false if there was no such record, which is not an error.
// An empty id fails with ErrNotFound.
func (db *DB) Delete(ctx context.Context, tbl *Table, id ID) (bool, error) {
	if err := db.checkTable(tbl); err != nil {
		return false, err
	}
	if id == "" {
		return false, tableErrf(tbl, "", nil, ErrNotFound, "empty id")
	}
	var deleted bool
	err := db.update(ctx, func(tx *Tx) error {
		var err error
		deleted, err = tx.delete(tbl, id)
		return err
	})
	if err != nil {
		return false, err
	}
	return deleted, nil
}

func (tx *Tx) delete(tbl *Table, id ID) (bool, error) {
	b := tx.dataBucket(tbl)
	raw := b.Get([]byte(id))
	if raw == nil {
		if tx.db.verbose {
			tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "db: DELETE.NOOP", slog.String("table", tbl.name), slog.String("id", string(id)))
		}
		return false, nil
	}
	old, err := tx.db.decodeRecord(tbl, id, raw)
	if err != nil {
		return false, err
	}

	tx.markWritten()
	if err := tx.onDelete(tbl, old); err != nil {
		return false, err
	}
	mustStore("delete record", b.Delete([]byte(id)))
	if tx.db.verbose {
		tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "db: DELETE", slog.String("table", tbl.name), slog.String("id", string(id)))
	}

	tx.count(tx.db.metrics.ops, tbl.name, "delete", 1)
	tx.notifyChange(tbl, OpDelete, id, nil, old)
	tx.afterCommit(func() {
		tx.db.cache.remove(tbl, id)
	})
	return true, nil
}
