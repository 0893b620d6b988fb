// Package keygen produces primary keys that sort in creation order.
//
// An ID is a 128-bit UUIDv7 (48-bit millisecond timestamp, 12-bit in-process
// sequence, 62 random bits) rendered as 26 characters of Crockford base32,
// the same text form ULIDs use. The text form preserves the byte order of the
// underlying UUID, so comparing two IDs as strings compares their creation
// times.
package keygen

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Len is the length of the text form of an ID.
const Len = 26

const alphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"

var decodeTable = func() [256]byte {
	var t [256]byte
	for i := range t {
		t[i] = 0xFF
	}
	for i := 0; i < len(alphabet); i++ {
		t[alphabet[i]] = byte(i)
		t[alphabet[i]|0x20] = byte(i) // lowercase
	}
	return t
}()

// ID is the text form of a primary key.
type ID string

// Generator hands out IDs. Implementations must be safe for concurrent use.
type Generator interface {
	NewID() ID
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func() ID

func (f GeneratorFunc) NewID() ID { return f() }

type uuidGenerator struct{}

// New returns the default generator. IDs generated by one process are strictly
// increasing; IDs from different processes are ordered by millisecond.
func New() Generator {
	return uuidGenerator{}
}

func (uuidGenerator) NewID() ID {
	return FromUUID(uuid.Must(uuid.NewV7()))
}

// FromUUID encodes u. The top two bits of the 130-bit base32 space are zero,
// so the first character is always in 0..7.
func FromUUID(u uuid.UUID) ID {
	var out [Len]byte
	for i := 0; i < Len; i++ {
		var v byte
		for b := 0; b < 5; b++ {
			v <<= 1
			pos := i*5 + b - 2
			if pos >= 0 && u[pos/8]&(0x80>>(pos%8)) != 0 {
				v |= 1
			}
		}
		out[i] = alphabet[v]
	}
	return ID(out[:])
}

// Parse validates s and returns it as a canonical (uppercase) ID.
func Parse(s string) (ID, error) {
	u, err := decode(s)
	if err != nil {
		return "", err
	}
	return FromUUID(u), nil
}

// UUID returns the binary form of id.
func (id ID) UUID() (uuid.UUID, error) {
	return decode(string(id))
}

// Time returns the millisecond timestamp embedded in id, or zero time if id is
// malformed.
func (id ID) Time() time.Time {
	u, err := decode(string(id))
	if err != nil {
		return time.Time{}
	}
	var buf [8]byte
	copy(buf[2:], u[:6])
	return time.UnixMilli(int64(binary.BigEndian.Uint64(buf[:])))
}

func (id ID) String() string {
	return string(id)
}

func decode(s string) (uuid.UUID, error) {
	var u uuid.UUID
	if len(s) != Len {
		return u, fmt.Errorf("invalid ID %q: length %d, wanted %d", s, len(s), Len)
	}
	for i := 0; i < Len; i++ {
		v := decodeTable[s[i]]
		if v == 0xFF {
			return u, fmt.Errorf("invalid ID %q: bad character %q at %d", s, s[i], i)
		}
		if i == 0 && v > 7 {
			return u, fmt.Errorf("invalid ID %q: overflows 128 bits", s)
		}
		for b := 0; b < 5; b++ {
			pos := i*5 + b - 2
			if pos >= 0 && v&(0x10>>b) != 0 {
				u[pos/8] |= 0x80 >> (pos % 8)
			}
		}
	}
	return u, nil
}
