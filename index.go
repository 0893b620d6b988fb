package kvtable

import (
	"log/slog"
)

// indexKeysFor computes the index entry keys that rec contributes under the
// given indexed fields. Absent and empty values contribute nothing.
func indexKeysFor(tbl *Table, fields []string, rec *Record) (indexKeySet, error) {
	if rec == nil || len(fields) == 0 {
		return nil, nil
	}
	var keys [][]byte
	for _, field := range fields {
		v, ok := rec.Value(field)
		if !ok {
			continue
		}
		canon, err := canonicalValue(v)
		if err != nil {
			return nil, tableErrf(tbl, field, []byte(rec.ID), err, "")
		}
		if canon == nil {
			continue
		}
		keys = append(keys, makeIndexEntryKey(field, canon, rec.ID))
	}
	return makeIndexKeySet(keys), nil
}

func indexKeyField(key []byte) string {
	field, _, _ := readFrame(key)
	return string(field)
}

// onWrite brings the index entries of a record from the state implied by old
// (nil for a new record) to the state implied by new. Stale entries are
// deleted; every current entry is (re)written.
func (tx *Tx) onWrite(tbl *Table, old, new *Record) error {
	fields := tx.indexedFields(tbl)
	if len(fields) == 0 {
		return nil
	}
	oldKeys, err := indexKeysFor(tbl, fields, old)
	if err != nil {
		return err
	}
	newKeys, err := indexKeysFor(tbl, fields, new)
	if err != nil {
		return err
	}

	b := tx.indexBucket(tbl)
	diffIndexKeys(oldKeys, newKeys, func(k []byte) {
		tx.deleteIndexEntry(tbl, b, k)
	}, func(k []byte) {
		tx.count(tx.db.metrics.indexWrites, tbl.name, indexKeyField(k), 1)
	})
	for _, k := range newKeys {
		tx.putIndexEntry(tbl, b, k, new.ID)
	}
	return nil
}

// onDelete removes every index entry of a record that is being deleted.
func (tx *Tx) onDelete(tbl *Table, rec *Record) error {
	fields := tx.indexedFields(tbl)
	keys, err := indexKeysFor(tbl, fields, rec)
	if err != nil {
		return err
	}
	b := tx.indexBucket(tbl)
	for _, k := range keys {
		tx.deleteIndexEntry(tbl, b, k)
	}
	return nil
}

func (tx *Tx) putIndexEntry(tbl *Table, b storageBucket, key []byte, id ID) {
	tx.markWritten()
	mustStore("put index entry", b.Put(key, []byte(id)))
	if tx.db.verbose {
		tx.logIndexOp("db: INDEX.PUT", tbl, key)
	}
}

func (tx *Tx) deleteIndexEntry(tbl *Table, b storageBucket, key []byte) {
	tx.markWritten()
	mustStore("delete index entry", b.Delete(key))
	tx.count(tx.db.metrics.indexDeletes, tbl.name, indexKeyField(key), 1)
	if tx.db.verbose {
		tx.logIndexOp("db: INDEX.DEL", tbl, key)
	}
}

func (tx *Tx) logIndexOp(msg string, tbl *Table, key []byte) {
	ek, err := parseIndexEntryKey(key)
	if err != nil {
		tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, msg, slog.String("table", tbl.name), hexAttr("key", key))
		return
	}
	tx.db.logger.LogAttrs(tx.ctx, slog.LevelDebug, msg,
		slog.String("table", tbl.name),
		slog.String("field", ek.Field),
		slog.Any("value", loggableIndexValue(tbl, ek.Value)),
		slog.String("id", string(ek.ID)))
}

// entryMatches reports whether an index entry still describes rec.
func entryMatches(ek indexEntryKey, rec *Record) bool {
	if rec == nil {
		return false
	}
	v, ok := rec.Value(ek.Field)
	if !ok {
		return false
	}
	canon, err := canonicalValue(v)
	return err == nil && canon != nil && string(canon) == string(ek.Value)
}
