package kvtable

import (
	"encoding/binary"
	"encoding/hex"
	"log/slog"
)

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

// inc turns data into the smallest byte string greater than every string
// prefixed by data. Returns false if data is all 0xFF.
func inc(data []byte) bool {
	n := len(data)
	for i := n - 1; i >= 0; i-- {
		if data[i] != 0xFF {
			data[i]++
			for j := i + 1; j < n; j++ {
				data[j] = 0
			}
			return true
		}
	}
	return false
}

// prefixEnd returns the exclusive upper bound of all keys starting with
// prefix, or nil if there is none.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	if !inc(end) {
		return nil
	}
	return end
}

func appendFrame(buf []byte, chunk []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(chunk)))
	return append(buf, chunk...)
}

func appendFrameString(buf []byte, s string) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(s)))
	return append(buf, s...)
}

func readFrame(buf []byte) (chunk, rest []byte, ok bool) {
	n, vn := binary.Uvarint(buf)
	if vn <= 0 || uint64(len(buf)-vn) < n {
		return nil, buf, false
	}
	buf = buf[vn:]
	return buf[:n], buf[n:], true
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	return append(make([]byte, 0, len(b)), b...)
}

type hexBytes []byte

func (b hexBytes) String() string {
	return hex.EncodeToString(b)
}

func hexstr(b []byte) string {
	if b == nil {
		return "<nil>"
	}
	if len(b) == 0 {
		return "<empty>"
	}
	return hex.EncodeToString(b)
}

func hexAttr(key string, b []byte) slog.Attr {
	return slog.String(key, hexstr(b))
}
