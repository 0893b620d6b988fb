package kvtable

import (
	"bytes"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// appendWriter is an io.Writer that appends to a byte slice.
type appendWriter struct {
	Buf []byte
}

func (w *appendWriter) Write(p []byte) (int, error) {
	w.Buf = append(w.Buf, p...)
	return len(p), nil
}

// encodeFields appends the msgpack encoding of the fields map. Map keys are
// sorted so that equal maps produce equal bytes (and equal version tokens).
func encodeFields(buf []byte, fields Fields) ([]byte, error) {
	if fields == nil {
		fields = Fields{}
	}
	w := appendWriter{buf}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&w, nil)
	enc.SetSortMapKeys(true)
	err := enc.Encode(map[string]any(fields))
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode fields using MsgPack: %w", err)
	}
	return w.Buf, nil
}

// decodeFields decodes a fields map. Integers come back as int64 or uint64,
// floats as float64, binary strings as []byte.
func decodeFields(data []byte) (Fields, error) {
	var r bytes.Reader
	r.Reset(data)
	dec := msgpack.GetDecoder()
	dec.ResetDict(&r, nil)
	dec.UseLooseInterfaceDecoding(true)
	var m map[string]any
	err := dec.Decode(&m)
	msgpack.PutDecoder(dec)
	if err != nil {
		return nil, dataErrf(data, 0, err, "failed to decode msgpack fields")
	}
	if m == nil {
		m = make(map[string]any)
	}
	return Fields(m), nil
}

// isEmptyValue reports whether a field value contributes no index entry.
func isEmptyValue(v any) bool {
	switch v := v.(type) {
	case nil:
		return true
	case string:
		return v == ""
	case []byte:
		return len(v) == 0
	default:
		return false
	}
}

// canonicalValue returns the byte form of v used in index keys. Numerically
// equal integers encode identically regardless of their Go type, and so do
// floats that hold integral values. Values other than plain scalars are
// encoded in the form they take after a round trip through storage, so a
// float32 or a struct matches the stored record. Returns nil for empty values.
func canonicalValue(v any) ([]byte, error) {
	if isEmptyValue(v) {
		return nil, nil
	}
	data, err := encodeCanonical(v)
	if err != nil {
		return nil, fmt.Errorf("cannot index value of type %T: %w", v, err)
	}
	switch v.(type) {
	case string, ID, bool, int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float64:
		return data, nil
	}
	loose, err := decodeLoose(data)
	if err != nil {
		return nil, fmt.Errorf("cannot index value of type %T: %w", v, err)
	}
	if isEmptyValue(loose) {
		return nil, nil
	}
	return encodeCanonical(loose)
}

func encodeCanonical(v any) ([]byte, error) {
	w := appendWriter{make([]byte, 0, 32)}
	enc := msgpack.GetEncoder()
	enc.ResetDict(&w, nil)
	enc.UseCompactInts(true)
	enc.UseCompactFloats(true)
	enc.SetSortMapKeys(true)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, err
	}
	return w.Buf, nil
}

func decodeLoose(data []byte) (any, error) {
	var v any
	dec := msgpack.NewDecoder(bytes.NewReader(data))
	dec.UseLooseInterfaceDecoding(true)
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// decodeCanonical turns a canonical index value back into a Go value, for
// diagnostics.
func decodeCanonical(data []byte) any {
	v, err := decodeLoose(data)
	if err != nil {
		return hexBytes(data)
	}
	return v
}
