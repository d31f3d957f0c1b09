package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// Interval represents a key range for scans.
type Interval struct {
	// Start is the inclusive lower bound of the key range.
	// Nil means unbounded (start from beginning).
	Start []byte

	// End is the exclusive upper bound of the key range.
	// Nil means unbounded (scan to end).
	End []byte
}

// All returns an interval covering all keys.
func All() Interval {
	return Interval{}
}

// Prefix returns an interval matching all keys with the given prefix.
func Prefix(prefix []byte) Interval {
	if len(prefix) == 0 {
		return All()
	}
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xFF {
			end[i]++
			return Interval{Start: prefix, End: end[:i+1]}
		}
	}
	// All bytes were 0xFF, so there's no upper bound
	return Interval{Start: prefix}
}

// Range returns [start, end).
func Range(start, end []byte) Interval {
	return Interval{Start: start, End: end}
}

// Contains reports whether key falls inside the interval.
func (iv Interval) Contains(key []byte) bool {
	if iv.Start != nil && bytes.Compare(key, iv.Start) < 0 {
		return false
	}
	return iv.End == nil || bytes.Compare(key, iv.End) < 0
}

// Order specifies sort order for scan results.
type Order int

const (
	// Asc sorts results in ascending key order.
	Asc Order = iota
	// Desc sorts results in descending key order.
	Desc
)

// String returns the SQL form of the order.
func (o Order) String() string {
	if o == Desc {
		return "DESC"
	}
	return "ASC"
}

// Key component tags. Components of different types never compare equal, and the
// encoding of a tuple sorts the same way as the tuple itself.
const (
	tagString byte = 0x10
	tagInt    byte = 0x20
	tagBytes  byte = 0x30
)

// Key builds an order-preserving composite key.
type Key struct {
	buf []byte
}

// NewKey starts an empty key.
func NewKey() *Key { return &Key{} }

// String appends an escaped, terminated string component.
func (k *Key) String(s string) *Key {
	k.buf = append(k.buf, tagString)
	k.buf = appendEscaped(k.buf, []byte(s))
	return k
}

// StringPrefix appends an unterminated string component. Scanning Prefix of the result
// visits every key whose component at this position starts with s.
func (k *Key) StringPrefix(s string) *Key {
	k.buf = append(k.buf, tagString)
	k.buf = appendEscaped(k.buf, []byte(s))
	k.buf = k.buf[:len(k.buf)-2]
	return k
}

// Int appends a sign-flipped big-endian int64 component.
func (k *Key) Int(i int64) *Key {
	k.buf = append(k.buf, tagInt)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(i)^(1<<63))
	k.buf = append(k.buf, b[:]...)
	return k
}

// Raw appends an escaped, terminated byte component.
func (k *Key) Raw(b []byte) *Key {
	k.buf = append(k.buf, tagBytes)
	k.buf = appendEscaped(k.buf, b)
	return k
}

// RawPrefix appends an unterminated byte component, the Raw counterpart of StringPrefix.
func (k *Key) RawPrefix(b []byte) *Key {
	k.buf = append(k.buf, tagBytes)
	k.buf = appendEscaped(k.buf, b)
	k.buf = k.buf[:len(k.buf)-2]
	return k
}

// Bytes returns the encoded key.
func (k *Key) Bytes() []byte { return append([]byte(nil), k.buf...) }

func appendEscaped(dst, src []byte) []byte {
	for _, c := range src {
		if c == 0x00 {
			dst = append(dst, 0x00, 0xFF)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, 0x00, 0x01)
}

// KeyReader decodes a key built by Key, in the same order.
type KeyReader struct {
	buf []byte
	err error
}

func ReadKey(b []byte) *KeyReader { return &KeyReader{buf: b} }

func (r *KeyReader) Err() error { return r.err }

func (r *KeyReader) String() string { return string(r.escaped(tagString)) }

func (r *KeyReader) Raw() []byte { return r.escaped(tagBytes) }

func (r *KeyReader) Int() int64 {
	if !r.expect(tagInt) {
		return 0
	}
	if len(r.buf) < 8 {
		r.err = fmt.Errorf("truncated int key component")
		return 0
	}
	v := binary.BigEndian.Uint64(r.buf[:8]) ^ (1 << 63)
	r.buf = r.buf[8:]
	return int64(v)
}

func (r *KeyReader) expect(tag byte) bool {
	if r.err != nil {
		return false
	}
	if len(r.buf) == 0 || r.buf[0] != tag {
		r.err = fmt.Errorf("expected key component tag %#x", tag)
		return false
	}
	r.buf = r.buf[1:]
	return true
}

func (r *KeyReader) escaped(tag byte) []byte {
	if !r.expect(tag) {
		return nil
	}
	var out []byte
	for i := 0; i < len(r.buf); i++ {
		c := r.buf[i]
		if c != 0x00 {
			out = append(out, c)
			continue
		}
		if i+1 >= len(r.buf) {
			break
		}
		switch r.buf[i+1] {
		case 0xFF:
			out = append(out, 0x00)
			i++
		case 0x01:
			r.buf = r.buf[i+2:]
			return out
		}
	}
	r.err = fmt.Errorf("unterminated key component")
	return nil
}

// MaxInt64 is a convenience bound for open-ended integer key ranges.
const MaxInt64 = math.MaxInt64
