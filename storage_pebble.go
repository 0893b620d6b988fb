package kvtable

import (
	"errors"
	"sync"

	"github.com/cockroachdb/pebble"
)

// pebbleStorage keeps every bucket in one flat Pebble keyspace, using
// "name\x00sub\x00" as the key prefix. Buckets therefore always exist.
//
// Write transactions are indexed batches (reads observe the batch's own
// writes), serialized by writeMu so that two writers never interleave.
// Read transactions are snapshots.
type pebbleStorage struct {
	pdb     *pebble.DB
	writeMu sync.Mutex
	wopt    *pebble.WriteOptions
}

func openPebbleStorage(dir string, opt *Options) (*pebbleStorage, error) {
	popt := &pebble.Options{}
	pdb, err := pebble.Open(dir, popt)
	if err != nil {
		return nil, storageErr("open pebble", err)
	}
	wopt := pebble.Sync
	if opt.NoSync || opt.IsTesting {
		wopt = pebble.NoSync
	}
	return &pebbleStorage{pdb: pdb, wopt: wopt}, nil
}

func (s *pebbleStorage) BeginTx(writable bool) (storageTx, error) {
	if writable {
		s.writeMu.Lock()
		return &pebbleTx{s: s, writable: true, batch: s.pdb.NewIndexedBatch()}, nil
	}
	snap := s.pdb.NewSnapshot()
	return &pebbleTx{s: s, snap: snap}, nil
}

func (s *pebbleStorage) Close() error {
	return s.pdb.Close()
}

type pebbleTx struct {
	s        *pebbleStorage
	writable bool
	batch    *pebble.Batch
	snap     *pebble.Snapshot
	iters    []*pebble.Iterator
	done     bool
}

func (tx *pebbleTx) reader() pebble.Reader {
	if tx.batch != nil {
		return tx.batch
	}
	return tx.snap
}

func (tx *pebbleTx) Writable() bool { return tx.writable }

func (tx *pebbleTx) Bucket(name, sub string) storageBucket {
	if tx.done {
		panic("tx is closed")
	}
	return &pebbleBucket{tx: tx, prefix: pebbleBucketPrefix(name, sub)}
}

func (tx *pebbleTx) CreateBucket(name, sub string) (storageBucket, error) {
	if !tx.writable {
		return nil, errors.New("tx not writable")
	}
	return tx.Bucket(name, sub), nil
}

func (tx *pebbleTx) finish() error {
	if tx.done {
		return nil
	}
	tx.done = true
	var err error
	for _, it := range tx.iters {
		err = errors.Join(err, it.Close())
	}
	tx.iters = nil
	if tx.batch != nil {
		err = errors.Join(err, tx.batch.Close())
		tx.s.writeMu.Unlock()
	}
	if tx.snap != nil {
		err = errors.Join(err, tx.snap.Close())
	}
	return err
}

func (tx *pebbleTx) Commit() error {
	if tx.done {
		return nil
	}
	if !tx.writable {
		return errors.New("tx not writable")
	}
	for _, it := range tx.iters {
		it.Close()
	}
	tx.iters = nil
	err := tx.batch.Commit(tx.s.wopt)
	return errors.Join(err, tx.finish())
}

func (tx *pebbleTx) Rollback() error {
	return tx.finish()
}

func (tx *pebbleTx) Size() int64 {
	return int64(tx.s.pdb.Metrics().DiskSpaceUsage())
}

func pebbleBucketPrefix(name, sub string) []byte {
	p := make([]byte, 0, len(name)+len(sub)+2)
	p = append(p, name...)
	p = append(p, 0)
	p = append(p, sub...)
	return append(p, 0)
}

type pebbleBucket struct {
	tx     *pebbleTx
	prefix []byte
}

func (b *pebbleBucket) fullKey(key []byte) []byte {
	k := make([]byte, 0, len(b.prefix)+len(key))
	k = append(k, b.prefix...)
	return append(k, key...)
}

func (b *pebbleBucket) Get(key []byte) []byte {
	v, closer, err := b.tx.reader().Get(b.fullKey(key))
	if err == pebble.ErrNotFound {
		return nil
	}
	if err != nil {
		panic(storageErr("get", err))
	}
	defer closer.Close()
	return append([]byte{}, v...)
}

func (b *pebbleBucket) Put(key, value []byte) error {
	if !b.tx.writable {
		return errors.New("tx not writable")
	}
	return b.tx.batch.Set(b.fullKey(key), value, nil)
}

func (b *pebbleBucket) Delete(key []byte) error {
	if !b.tx.writable {
		return errors.New("tx not writable")
	}
	return b.tx.batch.Delete(b.fullKey(key), nil)
}

func (b *pebbleBucket) Cursor() storageCursor {
	it, err := b.tx.reader().NewIter(&pebble.IterOptions{
		LowerBound: b.prefix,
		UpperBound: prefixEnd(b.prefix),
	})
	if err != nil {
		panic(storageErr("iterate", err))
	}
	b.tx.iters = append(b.tx.iters, it)
	return &pebbleCursor{it: it, prefix: b.prefix}
}

func (b *pebbleBucket) Stats() bucketStats {
	var s bucketStats
	c := b.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		s.KeyN++
		s.LeafInuse += int64(len(k) + len(v))
	}
	return s
}

type pebbleCursor struct {
	it     *pebble.Iterator
	prefix []byte
}

func (c *pebbleCursor) current(valid bool) ([]byte, []byte) {
	if !valid {
		if err := c.it.Error(); err != nil {
			panic(storageErr("iterate", err))
		}
		return nil, nil
	}
	return c.it.Key()[len(c.prefix):], c.it.Value()
}

func (c *pebbleCursor) fullKey(key []byte) []byte {
	k := make([]byte, 0, len(c.prefix)+len(key))
	k = append(k, c.prefix...)
	return append(k, key...)
}

func (c *pebbleCursor) First() ([]byte, []byte) { return c.current(c.it.First()) }

func (c *pebbleCursor) Last() ([]byte, []byte) { return c.current(c.it.Last()) }

func (c *pebbleCursor) Seek(seek []byte) ([]byte, []byte) {
	return c.current(c.it.SeekGE(c.fullKey(seek)))
}

func (c *pebbleCursor) SeekLast(prefix []byte) ([]byte, []byte) {
	if len(prefix) == 0 {
		return c.Last()
	}
	limit := prefixEnd(prefix)
	if limit == nil {
		return c.Last()
	}
	return c.current(c.it.SeekLT(c.fullKey(limit)))
}

func (c *pebbleCursor) Next() ([]byte, []byte) { return c.current(c.it.Next()) }

func (c *pebbleCursor) Prev() ([]byte, []byte) { return c.current(c.it.Prev()) }
