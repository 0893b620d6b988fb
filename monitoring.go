package kvtable

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// TableStats describes the size of a table and its index entries.
type TableStats struct {
	Rows      int
	IndexRows int
	Indexes   int

	DataSize   int64
	DataAlloc  int64
	IndexSize  int64
	IndexAlloc int64
}

// TotalSize is the number of bytes in use by records and index entries.
func (ts *TableStats) TotalSize() int64 {
	return ts.DataSize + ts.IndexSize
}

// TotalAlloc is the number of bytes allocated for records and index entries.
func (ts *TableStats) TotalAlloc() int64 {
	return ts.DataAlloc + ts.IndexAlloc
}

func (tx *Tx) tableStats(tbl *Table) TableStats {
	ds := tx.dataBucket(tbl).Stats()
	is := tx.indexBucket(tbl).Stats()
	return TableStats{
		Rows:       ds.KeyN,
		IndexRows:  is.KeyN,
		Indexes:    len(tx.indexedFields(tbl)),
		DataSize:   ds.LeafInuse,
		DataAlloc:  ds.TotalAlloc(),
		IndexSize:  is.LeafInuse,
		IndexAlloc: is.TotalAlloc(),
	}
}

// TableStats reports row counts and storage use of a table.
func (db *DB) TableStats(ctx context.Context, tbl *Table) (TableStats, error) {
	if err := db.checkTable(tbl); err != nil {
		return TableStats{}, err
	}
	var ts TableStats
	err := db.view(ctx, func(tx *Tx) error {
		ts = tx.tableStats(tbl)
		return nil
	})
	return ts, err
}

// Size returns the size of the store in bytes, when the backend knows it.
func (db *DB) Size(ctx context.Context) (int64, error) {
	var n int64
	err := db.view(ctx, func(tx *Tx) error {
		n = tx.stx.Size()
		return nil
	})
	return n, err
}

func loggableFields(tbl *Table, fields Fields) string {
	if tbl.suppressContent {
		return "<suppressed>"
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return fmt.Sprintf("%v", map[string]any(fields))
	}
	return string(raw)
}

// statsCollector exports TableStats of every table as Prometheus gauges.
type statsCollector struct {
	db        *DB
	rows      *prometheus.Desc
	indexRows *prometheus.Desc
	dataSize  *prometheus.Desc
	indexSize *prometheus.Desc
	storeSize *prometheus.Desc
}

// Collector returns a prometheus.Collector reporting table sizes. Open
// registers it with Options.Registerer.
func (db *DB) Collector() prometheus.Collector {
	return &statsCollector{
		db: db,
		rows: prometheus.NewDesc(
			metricsNamespace+"_table_rows",
			"Number of records in the table",
			[]string{"table"}, nil,
		),
		indexRows: prometheus.NewDesc(
			metricsNamespace+"_table_index_entries",
			"Number of index entries in the table",
			[]string{"table"}, nil,
		),
		dataSize: prometheus.NewDesc(
			metricsNamespace+"_table_data_bytes",
			"Bytes used by records",
			[]string{"table"}, nil,
		),
		indexSize: prometheus.NewDesc(
			metricsNamespace+"_table_index_bytes",
			"Bytes used by index entries",
			[]string{"table"}, nil,
		),
		storeSize: prometheus.NewDesc(
			metricsNamespace+"_store_bytes",
			"Size of the underlying store",
			nil, nil,
		),
	}
}

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.rows
	ch <- c.indexRows
	ch <- c.dataSize
	ch <- c.indexSize
	ch <- c.storeSize
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	err := c.db.view(context.Background(), func(tx *Tx) error {
		for _, tbl := range c.db.schema.tables {
			ts := tx.tableStats(tbl)
			ch <- prometheus.MustNewConstMetric(c.rows, prometheus.GaugeValue, float64(ts.Rows), tbl.name)
			ch <- prometheus.MustNewConstMetric(c.indexRows, prometheus.GaugeValue, float64(ts.IndexRows), tbl.name)
			ch <- prometheus.MustNewConstMetric(c.dataSize, prometheus.GaugeValue, float64(ts.DataSize), tbl.name)
			ch <- prometheus.MustNewConstMetric(c.indexSize, prometheus.GaugeValue, float64(ts.IndexSize), tbl.name)
		}
		ch <- prometheus.MustNewConstMetric(c.storeSize, prometheus.GaugeValue, float64(tx.stx.Size()))
		return nil
	})
	if err != nil && err != ErrClosed {
		c.db.logger.Warn("db: stats collection failed", "err", err)
	}
}
