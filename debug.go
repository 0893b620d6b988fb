package kvtable

import (
	"context"
	"fmt"
	"strings"
)

type DumpFlags uint64

const (
	DumpTableHeaders = DumpFlags(1 << iota)
	DumpRows
	DumpStats
	DumpIndices
	DumpIndexRows

	DumpAll = DumpFlags(0xFFFFFFFFFFFFFFFF)
)

var (
	dumpSep1 = strings.Repeat("=", 80)
	dumpSep2 = strings.Repeat("-", 60)
)

func (f DumpFlags) Contains(v DumpFlags) bool {
	return (f & v) == v
}

// Dump renders the contents of every table in a human-readable form, for
// tests and debugging. The whole dump is taken from a single snapshot.
func (db *DB) Dump(ctx context.Context, f DumpFlags) (string, error) {
	var buf strings.Builder
	err := db.view(ctx, func(tx *Tx) error {
		for _, tbl := range db.schema.tables {
			tx.dumpTable(&buf, f, tbl)
		}
		return nil
	})
	return buf.String(), err
}

func (tx *Tx) dumpTable(w *strings.Builder, f DumpFlags, tbl *Table) {
	prefix := tbl.Name()
	s := tx.tableStats(tbl)

	if f.Contains(DumpTableHeaders) {
		fmt.Fprintln(w, dumpSep1)
		fmt.Fprintf(w, "%s (%d rows)\n", prefix, s.Rows)
	}
	if f.Contains(DumpStats) {
		fmt.Fprintf(w, "%s.stats: index_rows = %d, data_size = %d, data_alloc = %d, index_size = %d, index_alloc = %d, total_alloc = %d\n", prefix, s.IndexRows, s.DataSize, s.DataAlloc, s.IndexSize, s.IndexAlloc, s.TotalAlloc())
	}

	if f.Contains(DumpRows) {
		if f.Contains(DumpStats) {
			fmt.Fprintln(w, dumpSep2)
		}
		c := tx.dataBucket(tbl).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			tx.dumpRow(w, prefix, tbl, k, v)
		}
	}

	if f.Contains(DumpIndices) {
		c := tx.defsBucket(tbl).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			tx.dumpIndex(w, prefix, f, tbl, string(k), v)
		}
	}
}

func (tx *Tx) dumpIndex(w *strings.Builder, prefix string, f DumpFlags, tbl *Table, field string, defRaw []byte) {
	fmt.Fprintln(w, dumpSep2)
	prefix = prefix + ".i." + field

	def, err := decodeIndexDefinition(defRaw)
	if err != nil {
		fmt.Fprintf(w, "%s ** ERROR: %v\n", prefix, err)
		return
	}
	fmt.Fprintf(w, "%s%s\n", prefix, map[bool]string{false: " PENDING", true: ""}[def.Built])

	if f.Contains(DumpIndexRows) {
		rang := rawPrefix(appendIndexFieldPrefix(nil, field))
		c := rang.newCursor(tx.indexBucket(tbl).Cursor(), tx.db.logger)
		for c.Next() {
			ek, err := parseIndexEntryKey(c.Key())
			if err != nil {
				fmt.Fprintf(w, "%s: ** ERROR: %v\n", prefix, err)
				continue
			}
			fmt.Fprintf(w, "%s: %v => %s\n", prefix, loggableIndexValue(tbl, ek.Value), ek.ID)
		}
	}
}

func (tx *Tx) dumpRow(w *strings.Builder, prefix string, tbl *Table, k, v []byte) {
	rec, err := decodeRecordValue(ID(k), v)
	if err != nil {
		fmt.Fprintf(w, "%s/%s ** ERROR: %v\n", prefix, k, err)
		return
	}
	fmt.Fprintf(w, "%s/%s = (m%d) %s\n", prefix, k, rec.ModCount, loggableFields(tbl, rec.Fields))
}

func loggableIndexValue(tbl *Table, canon []byte) any {
	if tbl.suppressContent {
		return "<suppressed>"
	}
	return decodeCanonical(canon)
}
