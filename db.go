package kvtable

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andreyvit/kvtable/keygen"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	defaultBackfillBatchSize = 1000
	defaultScanPageSize      = 256
	defaultMaxRetries        = 10
)

// DB provides tables and secondary indexes on top of an ordered key-value
// store. It is safe for concurrent use.
type DB struct {
	st      storage
	schema  *Schema
	logger  *slog.Logger
	verbose bool
	now     func() time.Time
	keys    keygen.Generator
	cache   *recordCache
	metrics *metrics

	backfillBatch int
	pageSize      int
	maxRetries    int
	reapDangling  bool
	onChange      func(chg *Change)

	closed atomic.Bool

	ReaderCount        atomic.Int64
	WriterCount        atomic.Int64
	PendingWriterCount atomic.Int64
	ReadCount          atomic.Uint64
	WriteCount         atomic.Uint64

	txns     []*Tx
	txnsLock sync.Mutex
}

type Options struct {
	// Logger receives operational logs; defaults to slog.Default().
	Logger *slog.Logger

	// Verbose logs every record and index mutation at debug level.
	Verbose bool

	// IsTesting trades durability for speed.
	IsTesting bool

	// MmapSize is the initial Bolt mmap size.
	MmapSize int

	// NoSync skips fsync on commit.
	NoSync bool

	// Now returns the creation timestamp of new records.
	Now func() time.Time

	// KeyGenerator produces primary keys; defaults to keygen.New().
	KeyGenerator keygen.Generator

	// CacheSize is the number of decoded records kept in memory. Zero picks
	// a default, negative disables the cache.
	CacheSize int

	// BackfillBatchSize is the number of records indexed per write
	// transaction during a backfill.
	BackfillBatchSize int

	// ScanPageSize is the number of items fetched per read transaction by
	// List and GetAllByIndex.
	ScanPageSize int

	// MaxRetries bounds optimistic write attempts before ErrConflict.
	MaxRetries int

	// ReapDangling makes lookups remove index entries whose record is gone.
	ReapDangling bool

	// Registerer receives the database metrics; nil disables registration.
	Registerer prometheus.Registerer

	// OnChange is called after each committed record mutation.
	OnChange func(chg *Change)
}

// Open opens (creating if needed) a Bolt database file.
func Open(path string, schema *Schema, opt Options) (*DB, error) {
	st, err := openBoltStorage(path, &opt)
	if err != nil {
		return nil, err
	}
	return open(st, schema, opt)
}

// OpenPebble opens (creating if needed) a Pebble database directory.
func OpenPebble(dir string, schema *Schema, opt Options) (*DB, error) {
	st, err := openPebbleStorage(dir, &opt)
	if err != nil {
		return nil, err
	}
	return open(st, schema, opt)
}

// OpenMemory creates a transient in-memory database.
func OpenMemory(schema *Schema, opt Options) (*DB, error) {
	return open(newMemStorage(), schema, opt)
}

func open(st storage, schema *Schema, opt Options) (*DB, error) {
	if opt.Logger == nil {
		opt.Logger = slog.Default()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	if opt.KeyGenerator == nil {
		opt.KeyGenerator = keygen.New()
	}
	if opt.BackfillBatchSize <= 0 {
		opt.BackfillBatchSize = defaultBackfillBatchSize
	}
	if opt.ScanPageSize <= 0 {
		opt.ScanPageSize = defaultScanPageSize
	}
	if opt.MaxRetries <= 0 {
		opt.MaxRetries = defaultMaxRetries
	}

	m := newMetrics(opt.Registerer)
	db := &DB{
		st:            st,
		schema:        schema,
		logger:        opt.Logger,
		verbose:       opt.Verbose,
		now:           opt.Now,
		keys:          opt.KeyGenerator,
		cache:         newRecordCache(opt.CacheSize, m),
		metrics:       m,
		backfillBatch: opt.BackfillBatchSize,
		pageSize:      opt.ScanPageSize,
		maxRetries:    opt.MaxRetries,
		reapDangling:  opt.ReapDangling,
		onChange:      opt.OnChange,
	}

	ctx := context.Background()
	err := db.update(ctx, func(tx *Tx) error {
		for _, tbl := range schema.tables {
			for _, sub := range []string{dataSub, idefsSub, idxSub} {
				if _, err := tx.stx.CreateBucket(tbl.name, sub); err != nil {
					return storageErr("create bucket "+tbl.name+"/"+sub, err)
				}
			}
		}
		tx.markWritten()
		return nil
	})
	if err == nil {
		err = db.resumeBackfills(ctx)
	}
	if err != nil {
		db.closed.Store(true)
		st.Close()
		return nil, err
	}

	if opt.Registerer != nil {
		if err := opt.Registerer.Register(db.Collector()); err != nil {
			db.logger.Warn("db: cannot register stats collector", "err", err)
		}
	}
	return db, nil
}

// resumeBackfills finishes index builds interrupted by a crash or shutdown.
func (db *DB) resumeBackfills(ctx context.Context) error {
	for _, tbl := range db.schema.tables {
		defs, err := db.IndexDefinitions(ctx, tbl)
		if err != nil {
			return err
		}
		for _, def := range defs {
			if def.Built {
				continue
			}
			db.logger.Info("db: resuming index build", "table", tbl.name, "field", def.Field)
			if err := db.buildIndex(ctx, tbl, def.Field); err != nil {
				return err
			}
		}
	}
	return nil
}

func (db *DB) Schema() *Schema {
	return db.schema
}

// Table returns the named table, or ErrUnknownTable.
func (db *DB) Table(name string) (*Table, error) {
	tbl := db.schema.TableNamed(name)
	if tbl == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return tbl, nil
}

// Close closes the underlying store. Open transactions are waited for by
// the Bolt backend; later operations fail with ErrClosed.
func (db *DB) Close() error {
	if db.closed.Swap(true) {
		return nil
	}
	return storageErr("close", db.st.Close())
}

func (db *DB) checkTable(tbl *Table) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if tbl == nil || tbl.schema != db.schema {
		return fmt.Errorf("%w: %v", ErrUnknownTable, tbl)
	}
	return nil
}

func (db *DB) addTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()
	db.txns = append(db.txns, tx)
}

func (db *DB) removeTx(tx *Tx) {
	db.txnsLock.Lock()
	defer db.txnsLock.Unlock()

	i := slices.Index(db.txns, tx)
	if i < 0 {
		panic("tx not found in list")
	}
	n := len(db.txns)
	db.txns[i] = db.txns[n-1]
	db.txns[n-1] = nil
	db.txns = db.txns[:n-1]
}

// DescribeOpenTxns lists currently open transactions with their age, and
// the stack that opened each one if it has been open for a while.
func (db *DB) DescribeOpenTxns() string {
	if !trackTxns {
		return "OPEN TX TRACKING DISABLED"
	}

	db.txnsLock.Lock()
	txns := slices.Clone(db.txns)
	db.txnsLock.Unlock()

	if len(txns) == 0 {
		return "NO OPEN TRANSACTIONS"
	}

	slices.SortFunc(txns, func(a, b *Tx) int {
		return a.startTime.Compare(b.startTime)
	})

	now := time.Now()

	var buf strings.Builder
	fmt.Fprintf(&buf, "%d OPEN TRANSACTIONS:\n", len(txns))
	for _, tx := range txns {
		ms := now.Sub(tx.startTime).Milliseconds()
		if ms < 100 {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms\n", ms)
		} else {
			fmt.Fprintf(&buf, "\n---\nopen for %d ms:\n%s", ms, tx.stack)
		}
	}
	return buf.String()
}
