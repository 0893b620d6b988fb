package kvtable

import (
	"bytes"
	"fmt"
	"slices"
)

// Sub-bucket names inside each table's bucket.
const (
	dataSub  = "data"
	idefsSub = "idefs"
	idxSub   = "idx"
)

// Index entry keys are frame(field) frame(canonical value) id, where
// frame(x) = uvarint(len(x)) x. Framing makes every (field, value) pair a
// true byte prefix, so a lookup for "ab" never matches an entry for "abc".

func appendIndexFieldPrefix(buf []byte, field string) []byte {
	return appendFrameString(buf, field)
}

func appendIndexValuePrefix(buf []byte, field string, canon []byte) []byte {
	buf = appendFrameString(buf, field)
	return appendFrame(buf, canon)
}

func makeIndexEntryKey(field string, canon []byte, id ID) []byte {
	buf := make([]byte, 0, len(field)+len(canon)+len(id)+4)
	buf = appendIndexValuePrefix(buf, field, canon)
	return append(buf, id...)
}

type indexEntryKey struct {
	Field string
	Value []byte
	ID    ID
}

func parseIndexEntryKey(key []byte) (indexEntryKey, error) {
	field, rest, ok := readFrame(key)
	if !ok {
		return indexEntryKey{}, dataErrf(key, 0, nil, "invalid index key: bad field")
	}
	canon, rest, ok := readFrame(rest)
	if !ok {
		return indexEntryKey{}, dataErrf(key, len(key)-len(rest), nil, "invalid index key: bad value")
	}
	if len(rest) == 0 {
		return indexEntryKey{}, dataErrf(key, len(key), nil, "invalid index key: missing id")
	}
	return indexEntryKey{string(field), canon, ID(rest)}, nil
}

func (k indexEntryKey) String() string {
	return fmt.Sprintf("%s=%v/%s", k.Field, decodeCanonical(k.Value), k.ID)
}

// indexKeySet is a sorted, duplicate-free list of index entry keys.
type indexKeySet [][]byte

func makeIndexKeySet(keys [][]byte) indexKeySet {
	slices.SortFunc(keys, bytes.Compare)
	return indexKeySet(slices.CompactFunc(keys, bytes.Equal))
}

// diffIndexKeys walks two sorted key sets and reports keys only present in
// old (removed) and only present in new (added).
func diffIndexKeys(old, new indexKeySet, removed, added func(key []byte)) {
	i, j := 0, 0
	for i < len(old) && j < len(new) {
		switch c := bytes.Compare(old[i], new[j]); {
		case c < 0:
			removed(old[i])
			i++
		case c > 0:
			added(new[j])
			j++
		default:
			i++
			j++
		}
	}
	for ; i < len(old); i++ {
		removed(old[i])
	}
	for ; j < len(new); j++ {
		added(new[j])
	}
}
