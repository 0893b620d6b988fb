package kvtable

import (
	"fmt"
	"reflect"
	"strings"
)

// Schema lists the tables of a database. Tables are added before the schema
// is passed to Open; a schema must not be modified afterwards.
type Schema struct {
	tables            []*Table
	tablesByLowerName map[string]*Table
	tablesByRowType   map[reflect.Type]*Table
}

type SchemaOpts struct {
}

func NewSchema(opt SchemaOpts) *Schema {
	return &Schema{
		tablesByLowerName: make(map[string]*Table),
		tablesByRowType:   make(map[reflect.Type]*Table),
	}
}

func (scm *Schema) Tables() []*Table {
	return append([]*Table(nil), scm.tables...)
}

// TableNamed finds a table by its case-insensitive name, returns nil if none.
func (scm *Schema) TableNamed(name string) *Table {
	return scm.tablesByLowerName[strings.ToLower(name)]
}

// TableByRowType returns the table bound to the given row type via
// DefineTable, or nil.
func (scm *Schema) TableByRowType(rt reflect.Type) *Table {
	if rt.Kind() == reflect.Ptr {
		rt = rt.Elem()
	}
	return scm.tablesByRowType[rt]
}

// Table is a named partition of records.
type Table struct {
	schema          *Schema
	name            string
	pos             int
	rowType         reflect.Type
	suppressContent bool
}

type TableOption func(tbl *Table)

// SuppressContentWhenLogging keeps field values of the table's records out of
// verbose logs.
func SuppressContentWhenLogging(tbl *Table) {
	tbl.suppressContent = true
}

// AddTable declares an untyped table. It panics if the name is invalid or
// already taken.
func AddTable(scm *Schema, name string, opts ...TableOption) *Table {
	if err := validateTableName(name); err != nil {
		panic(err)
	}
	if scm.tablesByLowerName[strings.ToLower(name)] != nil {
		panic(fmt.Errorf("duplicate table %q", name))
	}
	tbl := &Table{
		schema: scm,
		name:   name,
		pos:    len(scm.tables),
	}
	for _, o := range opts {
		o(tbl)
	}
	scm.tables = append(scm.tables, tbl)
	scm.tablesByLowerName[strings.ToLower(name)] = tbl
	return tbl
}

// DefineTable declares a table whose records map onto Row, a struct with
// msgpack field tags. See Insert and Load.
func DefineTable[Row any](scm *Schema, name string, opts ...TableOption) *Table {
	rt := reflect.TypeFor[Row]()
	if rt.Kind() != reflect.Struct {
		panic(fmt.Errorf("table %s: row type must be a struct, got %v", name, rt))
	}
	if scm.tablesByRowType[rt] != nil {
		panic(fmt.Errorf("table %s: row type %v already used by table %s", name, rt, scm.tablesByRowType[rt].name))
	}
	tbl := AddTable(scm, name, opts...)
	tbl.rowType = rt
	scm.tablesByRowType[rt] = tbl
	return tbl
}

func validateTableName(name string) error {
	if name == "" {
		return fmt.Errorf("empty table name")
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("table name %q contains NUL", name)
	}
	return nil
}

func (tbl *Table) Name() string {
	return tbl.name
}

func (tbl *Table) String() string {
	return tbl.name
}

// RowType returns the Go type bound by DefineTable, or nil for untyped tables.
func (tbl *Table) RowType() reflect.Type {
	return tbl.rowType
}
