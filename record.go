package kvtable

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/andreyvit/kvtable/keygen"
	"github.com/cespare/xxhash/v2"
)

// ID is the primary key of a record.
type ID = keygen.ID

// Reserved field names. They are served from the record itself and never
// stored in Fields.
const (
	FieldID          = "id"
	FieldDateCreated = "date_created"
)

// Fields holds the caller-defined part of a record.
type Fields map[string]any

// Clone returns a deep copy of the map, its nested maps, slices and byte
// strings.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = cloneValue(e)
		}
		return out
	case Fields:
		return v.Clone()
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = cloneValue(e)
		}
		return out
	case []byte:
		return cloneBytes(v)
	default:
		return v
	}
}

// Record is a stored row: system-assigned identity plus caller fields.
type Record struct {
	ID          ID
	DateCreated time.Time

	// ModCount is incremented by every write that changes the stored fields.
	ModCount uint64

	// Version is a hash of the stored bytes, used as a compare-and-swap token.
	Version uint64

	Fields Fields
}

// Value returns a field value, including the reserved id and date_created.
func (r *Record) Value(field string) (any, bool) {
	switch field {
	case FieldID:
		return r.ID, true
	case FieldDateCreated:
		return r.DateCreated, true
	}
	v, ok := r.Fields[field]
	return v, ok
}

// Clone returns a deep copy of the record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Fields = r.Fields.Clone()
	return &c
}

// Value layout: flags (uvarint), mod count (uvarint), creation time in Unix
// nanoseconds (varint), then msgpack of the fields map.
type valueFlags uint64

const (
	vfVer1          = valueFlags(1)
	vfSupportedMask = vfVer1
	vfDefault       = vfVer1

	minValueSize = 4
)

func encodeRecordValue(buf []byte, r *Record) ([]byte, error) {
	buf = binary.AppendUvarint(buf, uint64(vfDefault))
	buf = binary.AppendUvarint(buf, r.ModCount)
	buf = binary.AppendVarint(buf, r.DateCreated.UnixNano())
	return encodeFields(buf, r.Fields)
}

func decodeRecordValue(id ID, data []byte) (*Record, error) {
	orig := data
	if len(data) < minValueSize {
		return nil, dataErrf(orig, 0, nil, "invalid value: at least %d bytes required", minValueSize)
	}

	v, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, dataErrf(orig, len(orig)-len(data), nil, "invalid value: bad flags")
	}
	if (valueFlags(v) &^ vfSupportedMask) != 0 {
		return nil, dataErrf(orig, len(orig)-len(data), nil, "invalid value: unsupported flags %x", v)
	}
	data = data[n:]

	modCount, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, dataErrf(orig, len(orig)-len(data), nil, "invalid value: bad mod count")
	}
	data = data[n:]

	created, n := binary.Varint(data)
	if n <= 0 {
		return nil, dataErrf(orig, len(orig)-len(data), nil, "invalid value: bad creation time")
	}
	data = data[n:]

	fields, err := decodeFields(data)
	if err != nil {
		return nil, err
	}
	return &Record{
		ID:          id,
		DateCreated: time.Unix(0, created).UTC(),
		ModCount:    modCount,
		Version:     xxhash.Sum64(orig),
		Fields:      fields,
	}, nil
}

// valueVersion returns the version token of stored bytes without decoding.
func valueVersion(data []byte) uint64 {
	return xxhash.Sum64(data)
}

// normalizeFields drops reserved keys and copies the map so that later
// changes made by the caller do not leak into stored records.
func normalizeFields(fields Fields) (Fields, error) {
	out := make(Fields, len(fields))
	for k, v := range fields {
		if k == "" {
			return nil, fmt.Errorf("empty field name")
		}
		if k == FieldID || k == FieldDateCreated {
			continue
		}
		out[k] = cloneValue(v)
	}
	return out, nil
}

// mergeFields applies a partial update: nil values remove fields.
func mergeFields(dst Fields, patch Fields) {
	for k, v := range patch {
		if k == FieldID || k == FieldDateCreated {
			continue
		}
		if v == nil {
			delete(dst, k)
		} else {
			dst[k] = cloneValue(v)
		}
	}
}
