// Package index encodes document values into byte strings whose bytewise order matches
// the value order, so composite index rows can be range-scanned in the key-value store.
package index

import (
	"encoding/binary"
	"math"

	"github.com/steveyegge/docsync/internal/model"
)

// Type tags. Gaps leave room for new types without rewriting existing entries.
const (
	tagEnd             byte = 2
	tagNull            byte = 5
	tagNaN             byte = 13
	tagNumber          byte = 15
	tagBoolean         byte = 10
	tagTimestamp       byte = 20
	tagServerTimestamp byte = 22
	tagString          byte = 25
	tagBytes           byte = 30
	tagReference       byte = 37
	tagGeoPoint        byte = 45
	tagArray           byte = 50
	tagMap             byte = 55
	// tagInfinity sorts after every value.
	tagInfinity byte = 250
)

// Direction of an encoded segment.
type Direction int

const (
	Ascending Direction = iota
	Descending
)

// AppendValue appends the ascending encoding of v to dst.
func AppendValue(dst []byte, v model.Value) []byte {
	switch v.Kind() {
	case model.KindNull:
		return append(dst, tagNull)
	case model.KindBoolean:
		if v.Bool() {
			return append(dst, tagBoolean, 1)
		}
		return append(dst, tagBoolean, 0)
	case model.KindInteger, model.KindDouble:
		if v.IsNaN() {
			return append(dst, tagNaN)
		}
		// Integers are encoded as doubles so mixed numbers share one order.
		return appendDouble(append(dst, tagNumber), v.Double())
	case model.KindTimestamp:
		return appendTimestamp(append(dst, tagTimestamp), v.Timestamp())
	case model.KindServerTimestamp:
		return appendTimestamp(append(dst, tagServerTimestamp), v.Timestamp())
	case model.KindString:
		return appendString(append(dst, tagString), v.Str())
	case model.KindBytes:
		return appendEscaped(append(dst, tagBytes), v.Bytes())
	case model.KindReference:
		dst = append(dst, tagReference)
		for _, seg := range v.Reference().Path().Segments() {
			dst = appendString(dst, seg)
		}
		return append(dst, tagEnd)
	case model.KindGeoPoint:
		g := v.GeoPoint()
		dst = appendDouble(append(dst, tagGeoPoint), g.Latitude)
		return appendDouble(dst, g.Longitude)
	case model.KindArray:
		dst = append(dst, tagArray)
		for _, e := range v.Array() {
			dst = AppendValue(dst, e)
		}
		return append(dst, tagEnd)
	default:
		dst = append(dst, tagMap)
		fields := v.Fields()
		for _, name := range v.SortedFieldNames() {
			dst = appendString(dst, name)
			dst = AppendValue(dst, fields[name])
		}
		return append(dst, tagEnd)
	}
}

// AppendInfinity appends a marker that sorts after every encoded value.
func AppendInfinity(dst []byte) []byte { return append(dst, tagInfinity) }

// Encode returns the encoding of v in the given direction.
func Encode(v model.Value, dir Direction) []byte {
	b := AppendValue(nil, v)
	if dir == Descending {
		invert(b)
	}
	return b
}

// AppendSegment appends v in the given direction.
func AppendSegment(dst []byte, v model.Value, dir Direction) []byte {
	return append(dst, Encode(v, dir)...)
}

// DirectionOf maps an index segment kind to an encoding direction.
func DirectionOf(kind model.SegmentKind) Direction {
	if kind == model.SegmentDescending {
		return Descending
	}
	return Ascending
}

func invert(b []byte) {
	for i := range b {
		b[i] = ^b[i]
	}
}

func appendDouble(dst []byte, f float64) []byte {
	if f == 0 {
		// -0.0 and 0.0 index identically.
		f = 0
	}
	bits := math.Float64bits(f)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], bits)
	return append(dst, b[:]...)
}

func appendTimestamp(dst []byte, t model.Timestamp) []byte {
	var b [12]byte
	binary.BigEndian.PutUint64(b[:8], uint64(t.Seconds)^(1<<63))
	binary.BigEndian.PutUint32(b[8:], uint32(t.Nanos))
	return append(dst, b[:]...)
}

func appendString(dst []byte, s string) []byte {
	return appendEscaped(dst, []byte(s))
}

// appendEscaped writes 0x00 as 0x00 0xFF and terminates with 0x00 0x01, so a prefix
// always sorts before its extensions.
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
