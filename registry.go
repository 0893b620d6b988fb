package kvtable

import (
	"context"
	"fmt"
	"iter"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// IndexDefinition is the persisted registration of a secondary index.
type IndexDefinition struct {
	Field string `msgpack:"field"`

	// Built is false while the initial backfill is incomplete.
	Built bool `msgpack:"built"`

	DeclaredAt time.Time `msgpack:"declared_at"`
}

func decodeIndexDefinition(raw []byte) (IndexDefinition, error) {
	var def IndexDefinition
	if err := msgpack.Unmarshal(raw, &def); err != nil {
		return def, dataErrf(raw, 0, err, "invalid index definition")
	}
	def.DeclaredAt = def.DeclaredAt.UTC()
	return def, nil
}

func encodeIndexDefinition(def IndexDefinition) []byte {
	return must(msgpack.Marshal(&def))
}

func validateFieldName(field string) error {
	if field == "" {
		return fmt.Errorf("empty field name")
	}
	return nil
}

// DeclareIndex registers a secondary index on field and indexes every
// existing record before returning. Declaring an index that is already built
// does nothing; declaring one whose build was interrupted finishes the build.
func (db *DB) DeclareIndex(ctx context.Context, tbl *Table, field string) error {
	if err := db.checkTable(tbl); err != nil {
		return err
	}
	if err := validateFieldName(field); err != nil {
		return tableErrf(tbl, field, nil, err, "cannot declare index")
	}

	var built bool
	err := db.update(ctx, func(tx *Tx) error {
		b := tx.defsBucket(tbl)
		if raw := b.Get([]byte(field)); raw != nil {
			def, err := decodeIndexDefinition(raw)
			if err != nil {
				return tableErrf(tbl, field, nil, err, "")
			}
			built = def.Built
			return nil
		}
		def := IndexDefinition{
			Field:      field,
			DeclaredAt: db.now().UTC().Round(0),
		}
		mustStore("put index definition", b.Put([]byte(field), encodeIndexDefinition(def)))
		tx.markWritten()
		return nil
	})
	if err != nil {
		return err
	}
	if built {
		return nil
	}
	db.logger.Info("db: declaring index", "table", tbl.name, "field", field)
	return db.buildIndex(ctx, tbl, field)
}

// buildIndex backfills field and flips the definition to Built.
func (db *DB) buildIndex(ctx context.Context, tbl *Table, field string) error {
	start := time.Now()
	n, err := db.backfill(ctx, tbl, field)
	if err != nil {
		return err
	}
	err = db.update(ctx, func(tx *Tx) error {
		return tx.markBuilt(tbl, field)
	})
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	db.metrics.backfillDuration.WithLabelValues(tbl.name, field).Observe(elapsed.Seconds())
	db.logger.Info("db: index built", "table", tbl.name, "field", field, "records", n, "elapsed", elapsed)
	return nil
}

func (tx *Tx) markBuilt(tbl *Table, field string) error {
	b := tx.defsBucket(tbl)
	raw := b.Get([]byte(field))
	if raw == nil {
		return tableErrf(tbl, field, nil, nil, "index definition disappeared during build")
	}
	def, err := decodeIndexDefinition(raw)
	if err != nil {
		return tableErrf(tbl, field, nil, err, "")
	}
	if def.Built {
		return nil
	}
	def.Built = true
	mustStore("put index definition", b.Put([]byte(field), encodeIndexDefinition(def)))
	tx.markWritten()
	return nil
}

// indexedFields returns the fields indexed on tbl as seen by tx, in name
// order. Definitions still being built are included: their entries must be
// maintained from the moment they are declared.
func (tx *Tx) indexedFields(tbl *Table) []string {
	var fields []string
	c := tx.defsBucket(tbl).Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		fields = append(fields, string(k))
	}
	return fields
}

func (tx *Tx) isIndexed(tbl *Table, field string) bool {
	return tx.defsBucket(tbl).Get([]byte(field)) != nil
}

// IndexedFields yields the names of the fields indexed on tbl. The sequence
// reads the registry lazily and can be iterated multiple times.
func (db *DB) IndexedFields(ctx context.Context, tbl *Table) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if err := db.checkTable(tbl); err != nil {
			yield("", err)
			return
		}
		var stopped bool
		err := db.scanPages(ctx, tbl, idefsSub, rawRange{}, func(k, v []byte) (bool, error) {
			if !yield(string(k), nil) {
				stopped = true
				return false, nil
			}
			return true, nil
		})
		if err != nil && !stopped {
			yield("", err)
		}
	}
}

// IndexDefinitions returns every index registered on tbl.
func (db *DB) IndexDefinitions(ctx context.Context, tbl *Table) ([]IndexDefinition, error) {
	if err := db.checkTable(tbl); err != nil {
		return nil, err
	}
	var defs []IndexDefinition
	err := db.view(ctx, func(tx *Tx) error {
		c := tx.defsBucket(tbl).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			def, err := decodeIndexDefinition(v)
			if err != nil {
				return tableErrf(tbl, string(k), nil, err, "")
			}
			defs = append(defs, def)
		}
		return nil
	})
	return defs, err
}
