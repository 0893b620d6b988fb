package kvtable

import (
	"bytes"
	"context"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// rawRange selects the keys of a bucket that start with Prefix and, when
// Lower is set, come after Lower (or at it, if LowerInc). Reverse ranges walk
// from the last key down and stop at Upper instead.
type rawRange struct {
	Prefix   []byte
	Lower    []byte
	Upper    []byte
	LowerInc bool
	UpperInc bool
	Reverse  bool
}

func rawPrefix(p []byte) rawRange { return rawRange{Prefix: p} }

func (r rawRange) reversed() rawRange { r.Reverse = true; return r }

// after returns the range continuing strictly past key in scan order.
func (r rawRange) after(key []byte) rawRange {
	if r.Reverse {
		r.Upper, r.UpperInc = key, false
	} else {
		r.Lower, r.LowerInc = key, false
	}
	return r
}

func (r *rawRange) start(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	var k, v []byte
	skipInitial := false
	if r.Reverse {
		upper := r.Upper
		if upper != nil {
			skipInitial = !r.UpperInc
			if r.Prefix != nil && !bytes.HasPrefix(upper, r.Prefix) {
				panic("upper bound does not match prefix")
			}
		} else if r.Prefix != nil {
			upper = r.Prefix
		}
		if upper != nil {
			k, v = bcur.SeekLast(upper)
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to upper", hexAttr("upper", upper), hexAttr("key", k))
			}
			if skipInitial && !bytes.HasPrefix(k, upper) {
				skipInitial = false
			}
		} else {
			k, v = bcur.Last()
		}
	} else {
		lower := r.Lower
		if lower != nil {
			skipInitial = !r.LowerInc
			if r.Prefix != nil && !bytes.HasPrefix(lower, r.Prefix) {
				panic("lower bound does not match prefix")
			}
		} else if r.Prefix != nil {
			lower = r.Prefix
		}
		if lower != nil {
			k, v = bcur.Seek(lower)
			if debugLogRawScans {
				logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to lower", hexAttr("lower", lower), hexAttr("key", k))
			}
			if skipInitial && !bytes.Equal(k, lower) {
				skipInitial = false
			}
		} else {
			k, v = bcur.First()
		}
	}
	if k == nil || !r.match(k) {
		return nil, nil
	}
	if skipInitial {
		return r.next(bcur, logger)
	}
	return k, v
}

func (r *rawRange) next(bcur storageCursor, logger *slog.Logger) ([]byte, []byte) {
	var k, v []byte
	if r.Reverse {
		k, v = bcur.Prev()
	} else {
		k, v = bcur.Next()
	}
	if debugLogRawScans {
		logger.LogAttrs(context.Background(), slog.LevelDebug, "NEXT", hexAttr("key", k), slog.Bool("reverse", r.Reverse))
	}
	if k != nil && r.match(k) {
		return k, v
	}
	return nil, nil
}

func (r *rawRange) match(k []byte) bool {
	return r.Prefix == nil || bytes.HasPrefix(k, r.Prefix)
}

func (r *rawRange) newCursor(bcur storageCursor, logger *slog.Logger) *rawRangeCursor {
	return &rawRangeCursor{rang: *r, bcur: bcur, logger: logger}
}

type rawRangeCursor struct {
	rang   rawRange
	bcur   storageCursor
	logger *slog.Logger
	k, v   []byte
	init   bool
}

func (c *rawRangeCursor) Next() bool {
	if c.init {
		c.k, c.v = c.rang.next(c.bcur, c.logger)
	} else {
		c.init = true
		c.k, c.v = c.rang.start(c.bcur, c.logger)
	}
	return c.k != nil
}

func (c *rawRangeCursor) Key() []byte   { return c.k }
func (c *rawRangeCursor) Value() []byte { return c.v }

type kvPair struct {
	Key   []byte
	Value []byte
}

// readPage copies up to limit pairs of the range out of the bucket.
func readPage(b storageBucket, rang rawRange, limit int, logger *slog.Logger) []kvPair {
	var page []kvPair
	c := rang.newCursor(b.Cursor(), logger)
	for len(page) < limit && c.Next() {
		page = append(page, kvPair{cloneBytes(c.Key()), cloneBytes(c.Value())})
	}
	return page
}

// scanPages walks a bucket range in pages, each read in its own short read
// transaction, so f may freely start write transactions. Every page observes
// a consistent snapshot; writes made between pages are seen by later pages
// if they land after the current position.
func (db *DB) scanPages(ctx context.Context, tbl *Table, sub string, rang rawRange, f func(k, v []byte) (bool, error)) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var page []kvPair
		err := db.view(ctx, func(tx *Tx) error {
			page = readPage(tx.bucket(tbl, sub), rang, db.pageSize, db.logger)
			return nil
		})
		if err != nil {
			return err
		}
		for _, kv := range page {
			cont, err := f(kv.Key, kv.Value)
			if err != nil || !cont {
				return err
			}
		}
		if len(page) < db.pageSize {
			return nil
		}
		rang = rang.after(page[len(page)-1].Key)
	}
}
