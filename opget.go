package kvtable

import (
	"context"
)

// Get returns the record with the given id, or nil if there is none.
func (db *DB) Get(ctx context.Context, tbl *Table, id ID) (*Record, error) {
	if err := db.checkTable(tbl); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, nil
	}
	var rec *Record
	err := db.view(ctx, func(tx *Tx) error {
		var err error
		rec, err = tx.get(tbl, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	db.metrics.ops.WithLabelValues(tbl.name, "get").Inc()
	return rec, nil
}

// Exists reports whether a record with the given id is stored.
func (db *DB) Exists(ctx context.Context, tbl *Table, id ID) (bool, error) {
	if err := db.checkTable(tbl); err != nil {
		return false, err
	}
	var found bool
	err := db.view(ctx, func(tx *Tx) error {
		found = id != "" && tx.dataBucket(tbl).Get([]byte(id)) != nil
		return nil
	})
	return found, err
}

// get reads and decodes a record within tx. The result is owned by the
// caller.
func (tx *Tx) get(tbl *Table, id ID) (*Record, error) {
	raw := tx.dataBucket(tbl).Get([]byte(id))
	if raw == nil {
		return nil, nil
	}
	return tx.db.decodeRecord(tbl, id, raw)
}

// decodeRecord decodes stored bytes, consulting the record cache first.
func (db *DB) decodeRecord(tbl *Table, id ID, raw []byte) (*Record, error) {
	if rec := db.cache.get(tbl, id, valueVersion(raw)); rec != nil {
		return rec, nil
	}
	rec, err := decodeRecordValue(id, raw)
	if err != nil {
		return nil, tableErrf(tbl, "", []byte(id), err, "")
	}
	db.cache.put(tbl, rec)
	return rec, nil
}
