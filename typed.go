package kvtable

import (
	"context"
	"fmt"
	"iter"
	"reflect"

	"github.com/vmihailenco/msgpack/v5"
)

// The typed API maps records onto structs of tables declared with
// DefineTable. Struct fields are matched to record fields by their msgpack
// tags; fields tagged "id" and "date_created" receive the record's ID and
// creation time.

func tableOf[Row any](db *DB) (*Table, error) {
	rt := reflect.TypeFor[Row]()
	tbl := db.schema.TableByRowType(rt)
	if tbl == nil {
		return nil, fmt.Errorf("%w: no table defined for row type %v", ErrUnknownTable, rt)
	}
	return tbl, nil
}

func rowToFields(tbl *Table, row any) (Fields, ID, error) {
	raw, err := msgpack.Marshal(row)
	if err != nil {
		return nil, "", tableErrf(tbl, "", nil, err, "cannot encode %T", row)
	}
	fields, err := decodeFields(raw)
	if err != nil {
		return nil, "", tableErrf(tbl, "", nil, err, "cannot encode %T", row)
	}
	var id ID
	if s, ok := fields[FieldID].(string); ok {
		id = ID(s)
	}
	return fields, id, nil
}

func recordToRow[Row any](tbl *Table, rec *Record, row *Row) error {
	m := make(map[string]any, len(rec.Fields)+2)
	for k, v := range rec.Fields {
		m[k] = v
	}
	m[FieldID] = string(rec.ID)
	m[FieldDateCreated] = rec.DateCreated
	raw, err := msgpack.Marshal(m)
	if err != nil {
		return tableErrf(tbl, "", []byte(rec.ID), err, "cannot encode record")
	}
	if err := msgpack.Unmarshal(raw, row); err != nil {
		return tableErrf(tbl, "", []byte(rec.ID), err, "cannot decode record into %T", row)
	}
	return nil
}

func recordToNewRow[Row any](tbl *Table, rec *Record) (*Row, error) {
	if rec == nil {
		return nil, nil
	}
	row := new(Row)
	if err := recordToRow(tbl, rec, row); err != nil {
		return nil, err
	}
	return row, nil
}

// Insert creates a record from row and fills in its ID and creation time.
func Insert[Row any](ctx context.Context, db *DB, row *Row) error {
	tbl, err := tableOf[Row](db)
	if err != nil {
		return err
	}
	fields, _, err := rowToFields(tbl, row)
	if err != nil {
		return err
	}
	rec, err := db.Create(ctx, tbl, fields)
	if err != nil {
		return err
	}
	return recordToRow(tbl, rec, row)
}

// Load returns the row with the given ID, or nil.
func Load[Row any](ctx context.Context, db *DB, id ID) (*Row, error) {
	tbl, err := tableOf[Row](db)
	if err != nil {
		return nil, err
	}
	rec, err := db.Get(ctx, tbl, id)
	if err != nil {
		return nil, err
	}
	return recordToNewRow[Row](tbl, rec)
}

// Save replaces all fields of an existing record with those of row. The row
// must carry the ID of the record; ErrNotFound is returned otherwise.
func Save[Row any](ctx context.Context, db *DB, row *Row) error {
	tbl, err := tableOf[Row](db)
	if err != nil {
		return err
	}
	fields, id, err := rowToFields(tbl, row)
	if err != nil {
		return err
	}
	rec, err := db.Modify(ctx, tbl, id, func(rec *Record) error {
		rec.Fields = fields.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	return recordToRow(tbl, rec, row)
}

// Remove deletes the row with the given ID.
func Remove[Row any](ctx context.Context, db *DB, id ID) (bool, error) {
	tbl, err := tableOf[Row](db)
	if err != nil {
		return false, err
	}
	return db.Delete(ctx, tbl, id)
}

// LookupRow returns the first row whose indexed field equals value, or nil.
func LookupRow[Row any](ctx context.Context, db *DB, field string, value any) (*Row, error) {
	tbl, err := tableOf[Row](db)
	if err != nil {
		return nil, err
	}
	rec, err := db.GetByIndex(ctx, tbl, field, value)
	if err != nil {
		return nil, err
	}
	return recordToNewRow[Row](tbl, rec)
}

// LookupRows yields every row whose indexed field equals value.
func LookupRows[Row any](ctx context.Context, db *DB, field string, value any) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		tbl, err := tableOf[Row](db)
		if err != nil {
			yield(nil, err)
			return
		}
		rowsOf[Row](tbl, db.GetAllByIndex(ctx, tbl, field, value))(yield)
	}
}

// ListRows yields the rows of the table in ID order.
func ListRows[Row any](ctx context.Context, db *DB, limit int) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		tbl, err := tableOf[Row](db)
		if err != nil {
			yield(nil, err)
			return
		}
		rowsOf[Row](tbl, db.List(ctx, tbl, limit))(yield)
	}
}

func rowsOf[Row any](tbl *Table, recs iter.Seq2[*Record, error]) iter.Seq2[*Row, error] {
	return func(yield func(*Row, error) bool) {
		for rec, err := range recs {
			if err != nil {
				yield(nil, err)
				return
			}
			row, err := recordToNewRow[Row](tbl, rec)
			if !yield(row, err) || err != nil {
				return
			}
		}
	}
}
