package kvtable

import (
	"bytes"
	"context"
	"log/slog"
)

// Create stores a new record with a freshly generated ID and creation time,
// indexing it in the same transaction. The reserved keys id and date_created
// are ignored if present in fields.
func (db *DB) Create(ctx context.Context, tbl *Table, fields Fields) (*Record, error) {
	if err := db.checkTable(tbl); err != nil {
		return nil, err
	}
	fields, err := normalizeFields(fields)
	if err != nil {
		return nil, tableErrf(tbl, "", nil, err, "cannot create")
	}

	var rec *Record
	err = db.retry(ctx, tbl, func() error {
		return db.update(ctx, func(tx *Tx) error {
			id := db.keys.NewID()
			if id == "" {
				return tableErrf(tbl, "", nil, nil, "key generator returned an empty ID")
			}
			if tx.dataBucket(tbl).Get([]byte(id)) != nil {
				// ID clash: try again with another one.
				return errRetry
			}
			r := &Record{
				ID:          id,
				DateCreated: db.now().UTC().Round(0),
				Fields:      fields,
			}
			var err error
			rec, err = tx.putRecord(tbl, nil, r)
			if err != nil {
				return err
			}
			tx.count(db.metrics.ops, tbl.name, "create", 1)
			tx.notifyChange(tbl, OpCreate, id, rec, nil)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Update merges fields into an existing record; a nil value removes the
// field. ID and creation time never change. Returns ErrNotFound if there is
// no record with the given id.
func (db *DB) Update(ctx context.Context, tbl *Table, id ID, fields Fields) (*Record, error) {
	return db.Modify(ctx, tbl, id, func(rec *Record) error {
		mergeFields(rec.Fields, fields)
		return nil
	})
}

// Modify performs an optimistic read-modify-write. fn receives a private copy
// of the current record and edits its Fields; the result is stored only if
// the record has not changed since it was read, otherwise fn runs again on
// the newer state. Returns ErrNotFound for a missing record and ErrConflict
// when Options.MaxRetries attempts all lost the race.
func (db *DB) Modify(ctx context.Context, tbl *Table, id ID, fn func(rec *Record) error) (*Record, error) {
	if err := db.checkTable(tbl); err != nil {
		return nil, err
	}
	if id == "" {
		return nil, tableErrf(tbl, "", nil, ErrNotFound, "empty id")
	}

	var result *Record
	err := db.retry(ctx, tbl, func() error {
		var cur *Record
		err := db.view(ctx, func(tx *Tx) error {
			var err error
			cur, err = tx.get(tbl, id)
			return err
		})
		if err != nil {
			return err
		}
		if cur == nil {
			return tableErrf(tbl, "", []byte(id), ErrNotFound, "")
		}

		next := cur.Clone()
		if next.Fields == nil {
			next.Fields = make(Fields)
		}
		if err := fn(next); err != nil {
			return err
		}
		fields, err := normalizeFields(next.Fields)
		if err != nil {
			return tableErrf(tbl, "", []byte(id), err, "cannot update")
		}

		return db.update(ctx, func(tx *Tx) error {
			raw := tx.dataBucket(tbl).Get([]byte(id))
			if raw == nil {
				return tableErrf(tbl, "", []byte(id), ErrNotFound, "")
			}
			if valueVersion(raw) != cur.Version {
				return errRetry
			}
			var err error
			result, err = tx.replaceRecord(tbl, cur, fields)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// replaceRecord stores new fields for an existing record and updates its
// index entries. Returns old unchanged if the fields are identical.
func (tx *Tx) replaceRecord(tbl *Table, old *Record, fields Fields) (*Record, error) {
	oldData, err := encodeFields(nil, old.Fields)
	if err != nil {
		return nil, tableErrf(tbl, "", []byte(old.ID), err, "")
	}
	newData, err := encodeFields(nil, fields)
	if err != nil {
		return nil, tableErrf(tbl, "", []byte(old.ID), err, "")
	}
	if bytes.Equal(oldData, newData) {
		if tx.db.verbose {
			tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "db: PUT.NOOP",
				slog.String("table", tbl.name),
				slog.String("id", string(old.ID)),
				slog.Uint64("m", old.ModCount))
		}
		return old, nil
	}

	rec, err := tx.putRecord(tbl, old, &Record{
		ID:          old.ID,
		DateCreated: old.DateCreated,
		ModCount:    old.ModCount + 1,
		Fields:      fields,
	})
	if err != nil {
		return nil, err
	}
	tx.count(tx.db.metrics.ops, tbl.name, "update", 1)
	tx.notifyChange(tbl, OpUpdate, rec.ID, rec, old)
	return rec, nil
}

// putRecord writes r and brings its index entries from the state of old
// (nil for new records) to the state of r. Returns the record as stored.
func (tx *Tx) putRecord(tbl *Table, old, r *Record) (*Record, error) {
	raw, err := encodeRecordValue(nil, r)
	if err != nil {
		return nil, tableErrf(tbl, "", []byte(r.ID), err, "")
	}
	stored, err := decodeRecordValue(r.ID, raw)
	if err != nil {
		return nil, tableErrf(tbl, "", []byte(r.ID), err, "")
	}

	tx.markWritten()
	mustStore("put record", tx.dataBucket(tbl).Put([]byte(r.ID), raw))
	if tx.db.verbose {
		tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, "db: PUT",
			slog.String("table", tbl.name),
			slog.String("id", string(r.ID)),
			slog.Uint64("m", stored.ModCount),
			slog.String("fields", loggableFields(tbl, stored.Fields)))
	}

	if err := tx.onWrite(tbl, old, stored); err != nil {
		return nil, err
	}

	cached := stored.Clone()
	tx.afterCommit(func() {
		tx.db.cache.put(tbl, cached)
	})
	return stored, nil
}
