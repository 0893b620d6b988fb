package kvtable

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"
)

const trackTxns = true

// Tx wraps one storage transaction. Operations that need several reads and
// writes to be atomic (a record and its index entries) run inside a single Tx.
type Tx struct {
	db       *DB
	stx      storageTx
	ctx      context.Context
	writable bool
	written  bool

	afterCommitFuncs []func()
	counts           map[countKey]int

	startTime time.Time
	stack     string
}

func (db *DB) begin(ctx context.Context, writable bool) (*Tx, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	if writable {
		db.PendingWriterCount.Add(1)
	}
	stx, err := db.st.BeginTx(writable)
	if writable {
		db.PendingWriterCount.Add(-1)
	}
	if err != nil {
		if db.closed.Load() {
			return nil, ErrClosed
		}
		return nil, storageErr("begin", err)
	}
	tx := &Tx{
		db:        db,
		stx:       stx,
		ctx:       ctx,
		writable:  writable,
		startTime: time.Now(),
	}
	if writable {
		db.WriterCount.Add(1)
		db.WriteCount.Add(1)
	} else {
		db.ReaderCount.Add(1)
		db.ReadCount.Add(1)
	}
	if trackTxns {
		tx.stack = string(debug.Stack())
		db.addTx(tx)
	}
	return tx, nil
}

func (tx *Tx) close() {
	if tx.stx == nil {
		return
	}
	err := tx.stx.Rollback()
	tx.stx = nil
	if tx.writable {
		tx.db.WriterCount.Add(-1)
	} else {
		tx.db.ReaderCount.Add(-1)
	}
	if trackTxns {
		tx.db.removeTx(tx)
	}
	if err != nil {
		tx.db.logger.Error("db: rollback failed", "err", err)
	}
}

func (tx *Tx) commit() error {
	err := tx.stx.Commit()
	if err != nil {
		return storageErr("commit", err)
	}
	for k, n := range tx.counts {
		k.vec.WithLabelValues(k.a, k.b).Add(float64(n))
	}
	for _, f := range tx.afterCommitFuncs {
		f()
	}
	return nil
}

// afterCommit schedules f to run once the transaction commits successfully.
func (tx *Tx) afterCommit(f func()) {
	tx.afterCommitFuncs = append(tx.afterCommitFuncs, f)
}

func (tx *Tx) markWritten() {
	if !tx.writable {
		panic("write in a read-only transaction")
	}
	tx.written = true
}

// view runs f in a read-only transaction.
func (db *DB) view(ctx context.Context, f func(tx *Tx) error) error {
	tx, err := db.begin(ctx, false)
	if err != nil {
		return err
	}
	defer tx.close()
	return safelyCall(f, tx)
}

// update runs f in a write transaction and commits it unless f fails or
// panics. Nothing is committed when f returns an error, including errRetry.
func (db *DB) update(ctx context.Context, f func(tx *Tx) error) error {
	tx, err := db.begin(ctx, true)
	if err != nil {
		return err
	}
	defer tx.close()
	err = safelyCall(f, tx)
	if err != nil {
		return err
	}
	if !tx.written {
		return nil
	}
	return tx.commit()
}

// retry repeats f while it returns errRetry, up to Options.MaxRetries times.
func (db *DB) retry(ctx context.Context, tbl *Table, f func() error) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := f()
		if !errors.Is(err, errRetry) {
			return err
		}
		db.metrics.conflicts.WithLabelValues(tbl.name).Inc()
		if attempt >= db.maxRetries {
			return tableErrf(tbl, "", nil, ErrConflict, "giving up after %d attempts", attempt)
		}
		if db.verbose {
			db.logger.Debug("db: RETRY", "table", tbl.name, "attempt", attempt)
		}
	}
}

func (tx *Tx) bucket(tbl *Table, sub string) storageBucket {
	b := tx.stx.Bucket(tbl.name, sub)
	if b == nil {
		panic(tableErrf(tbl, "", nil, nil, "missing bucket %q", sub))
	}
	return b
}

func (tx *Tx) dataBucket(tbl *Table) storageBucket {
	return tx.bucket(tbl, dataSub)
}

func (tx *Tx) indexBucket(tbl *Table) storageBucket {
	return tx.bucket(tbl, idxSub)
}

func (tx *Tx) defsBucket(tbl *Table) storageBucket {
	return tx.bucket(tbl, idefsSub)
}

// mustStore panics with a *StorageError, which safelyCall turns back into
// a returned error.
func mustStore(op string, err error) {
	if err != nil {
		panic(&StorageError{op, err})
	}
}

type panicked struct {
	reason any
	stack  string
}

func (p panicked) Error() string {
	return fmt.Sprintf("panic: %v\n\n%s", p.reason, p.stack)
}

func (p panicked) Unwrap() error {
	err, _ := p.reason.(error)
	return err
}

// safelyCall runs fn, turning panics into errors. Errors raised by panic from
// the storage and decoding layers are returned as is.
func safelyCall(fn func(*Tx) error, tx *Tx) (err error) {
	defer func() {
		if p := recover(); p != nil {
			switch e := p.(type) {
			case *StorageError:
				err = e
			case *DataError:
				err = e
			case *TableError:
				err = e
			default:
				err = panicked{p, string(debug.Stack())}
			}
		}
	}()
	return fn(tx)
}
