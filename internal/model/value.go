package model

import (
	"bytes"
	"encoding/base64"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindBoolean
	KindInteger
	KindDouble
	KindTimestamp
	KindServerTimestamp
	KindString
	KindBytes
	KindReference
	KindGeoPoint
	KindArray
	KindMap
)

// TypeOrder is the cross-type sort order. Integers and doubles share one slot.
type TypeOrder int

const (
	TypeOrderNull TypeOrder = iota
	TypeOrderBoolean
	TypeOrderNumber
	TypeOrderTimestamp
	TypeOrderServerTimestamp
	TypeOrderString
	TypeOrderBytes
	TypeOrderReference
	TypeOrderGeoPoint
	TypeOrderArray
	TypeOrderMap
)

// GeoPoint is a latitude/longitude pair.
type GeoPoint struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Value is an immutable document field value. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	d    float64
	s    string
	raw  []byte
	ts   Timestamp
	geo  GeoPoint
	arr  []Value
	m    map[string]Value
	prev *Value
}

func NullValue() Value               { return Value{} }
func BoolValue(b bool) Value         { return Value{kind: KindBoolean, b: b} }
func IntValue(i int64) Value         { return Value{kind: KindInteger, i: i} }
func DoubleValue(d float64) Value    { return Value{kind: KindDouble, d: d} }
func TimestampValue(t Timestamp) Value { return Value{kind: KindTimestamp, ts: t} }
func StringValue(s string) Value     { return Value{kind: KindString, s: s} }
func BytesValue(b []byte) Value      { return Value{kind: KindBytes, raw: append([]byte(nil), b...)} }
func ReferenceValue(k DocumentKey) Value {
	return Value{kind: KindReference, s: k.String()}
}
func GeoPointValue(lat, lng float64) Value {
	return Value{kind: KindGeoPoint, geo: GeoPoint{Latitude: lat, Longitude: lng}}
}

// ArrayValue builds an array value. The elements are copied.
func ArrayValue(elems ...Value) Value {
	return Value{kind: KindArray, arr: append([]Value{}, elems...)}
}

// MapValue builds a map value. The map is copied.
func MapValue(fields map[string]Value) Value {
	m := make(map[string]Value, len(fields))
	for k, v := range fields {
		m[k] = v
	}
	return Value{kind: KindMap, m: m}
}

// ServerTimestampValue is the local placeholder for a pending server timestamp transform. It
// remembers the local write time and the value the field held before the write.
func ServerTimestampValue(localWriteTime Timestamp, previous *Value) Value {
	v := Value{kind: KindServerTimestamp, ts: localWriteTime}
	if previous != nil {
		if previous.kind == KindServerTimestamp {
			previous = previous.prev
		}
		if previous != nil {
			p := *previous
			v.prev = &p
		}
	}
	return v
}

func (v Value) Kind() Kind { return v.kind }

func (v Value) IsNull() bool   { return v.kind == KindNull }
func (v Value) IsNumber() bool { return v.kind == KindInteger || v.kind == KindDouble }
func (v Value) IsArray() bool  { return v.kind == KindArray }
func (v Value) IsMap() bool    { return v.kind == KindMap }
func (v Value) IsNaN() bool    { return v.kind == KindDouble && math.IsNaN(v.d) }

func (v Value) Bool() bool              { return v.b }
func (v Value) Int() int64              { return v.i }
func (v Value) Str() string             { return v.s }
func (v Value) Bytes() []byte           { return append([]byte(nil), v.raw...) }
func (v Value) Timestamp() Timestamp    { return v.ts }
func (v Value) GeoPoint() GeoPoint      { return v.geo }
func (v Value) Array() []Value          { return append([]Value(nil), v.arr...) }
func (v Value) Len() int                { return len(v.arr) }
func (v Value) Field(name string) (Value, bool) {
	f, ok := v.m[name]
	return f, ok
}

// Double returns the value as a float64, converting integers.
func (v Value) Double() float64 {
	if v.kind == KindInteger {
		return float64(v.i)
	}
	return v.d
}

// Reference returns the referenced document key.
func (v Value) Reference() DocumentKey { return DocumentKey{path: v.s} }

// Previous returns the value a server timestamp placeholder replaced.
func (v Value) Previous() (Value, bool) {
	if v.prev == nil {
		return Value{}, false
	}
	return *v.prev, true
}

// Fields returns a copy of a map value's fields.
func (v Value) Fields() map[string]Value {
	out := make(map[string]Value, len(v.m))
	for k, f := range v.m {
		out[k] = f
	}
	return out
}

// SortedFieldNames returns a map value's keys in order.
func (v Value) SortedFieldNames() []string {
	names := make([]string, 0, len(v.m))
	for k := range v.m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// TypeOrder returns the slot of v in the cross-type order.
func (v Value) TypeOrder() TypeOrder {
	switch v.kind {
	case KindNull:
		return TypeOrderNull
	case KindBoolean:
		return TypeOrderBoolean
	case KindInteger, KindDouble:
		return TypeOrderNumber
	case KindTimestamp:
		return TypeOrderTimestamp
	case KindServerTimestamp:
		return TypeOrderServerTimestamp
	case KindString:
		return TypeOrderString
	case KindBytes:
		return TypeOrderBytes
	case KindReference:
		return TypeOrderReference
	case KindGeoPoint:
		return TypeOrderGeoPoint
	case KindArray:
		return TypeOrderArray
	default:
		return TypeOrderMap
	}
}

// Equal is strict value equality: integers never equal doubles, NaN equals NaN, and -0.0
// differs from 0.0.
func (v Value) Equal(o Value) bool {
	if v.TypeOrder() != o.TypeOrder() {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBoolean:
		return v.b == o.b
	case KindInteger, KindDouble:
		if v.kind != o.kind {
			return false
		}
		if v.kind == KindInteger {
			return v.i == o.i
		}
		if math.IsNaN(v.d) && math.IsNaN(o.d) {
			return true
		}
		return math.Float64bits(v.d) == math.Float64bits(o.d)
	case KindTimestamp:
		return v.ts == o.ts
	case KindServerTimestamp:
		return v.ts == o.ts
	case KindString, KindReference:
		return v.s == o.s
	case KindBytes:
		return bytes.Equal(v.raw, o.raw)
	case KindGeoPoint:
		return v.geo == o.geo
	case KindArray:
		if len(v.arr) != len(o.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(o.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, f := range v.m {
			of, ok := o.m[k]
			if !ok || !f.Equal(of) {
				return false
			}
		}
		return true
	}
	return false
}

// Compare orders values by type order first, then within the type.
func (v Value) Compare(o Value) int {
	lt, rt := v.TypeOrder(), o.TypeOrder()
	if lt != rt {
		return cmpInt(int(lt), int(rt))
	}
	switch lt {
	case TypeOrderNull:
		return 0
	case TypeOrderBoolean:
		return cmpBool(v.b, o.b)
	case TypeOrderNumber:
		return compareNumbers(v, o)
	case TypeOrderTimestamp, TypeOrderServerTimestamp:
		return v.ts.Compare(o.ts)
	case TypeOrderString:
		return strings.Compare(v.s, o.s)
	case TypeOrderBytes:
		return bytes.Compare(v.raw, o.raw)
	case TypeOrderReference:
		return v.Reference().Compare(o.Reference())
	case TypeOrderGeoPoint:
		if c := compareFloats(v.geo.Latitude, o.geo.Latitude); c != 0 {
			return c
		}
		return compareFloats(v.geo.Longitude, o.geo.Longitude)
	case TypeOrderArray:
		for i := 0; i < len(v.arr) && i < len(o.arr); i++ {
			if c := v.arr[i].Compare(o.arr[i]); c != 0 {
				return c
			}
		}
		return cmpInt(len(v.arr), len(o.arr))
	default:
		lk, rk := v.SortedFieldNames(), o.SortedFieldNames()
		for i := 0; i < len(lk) && i < len(rk); i++ {
			if c := strings.Compare(lk[i], rk[i]); c != 0 {
				return c
			}
			if c := v.m[lk[i]].Compare(o.m[rk[i]]); c != 0 {
				return c
			}
		}
		return cmpInt(len(lk), len(rk))
	}
}

func compareNumbers(a, b Value) int {
	if a.kind == KindInteger && b.kind == KindInteger {
		switch {
		case a.i < b.i:
			return -1
		case a.i > b.i:
			return 1
		}
		return 0
	}
	return compareFloats(a.Double(), b.Double())
}

// compareFloats sorts NaN before every other number.
func compareFloats(a, b float64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	case a == b:
		return 0
	case math.IsNaN(a):
		if math.IsNaN(b) {
			return 0
		}
		return -1
	default:
		return 1
	}
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func cmpBool(a, b bool) int {
	switch {
	case a == b:
		return 0
	case !a:
		return -1
	}
	return 1
}

// Canonical returns a stable string form used in canonical ids.
func (v Value) Canonical() string {
	var sb strings.Builder
	v.canonify(&sb)
	return sb.String()
}

func (v Value) String() string { return v.Canonical() }

func (v Value) canonify(sb *strings.Builder) {
	switch v.kind {
	case KindNull:
		sb.WriteString("null")
	case KindBoolean:
		sb.WriteString(strconv.FormatBool(v.b))
	case KindInteger:
		sb.WriteString(strconv.FormatInt(v.i, 10))
	case KindDouble:
		sb.WriteString(strconv.FormatFloat(v.d, 'g', -1, 64))
	case KindTimestamp:
		sb.WriteString(v.ts.String())
	case KindServerTimestamp:
		sb.WriteString("serverTimestamp(" + v.ts.String() + ")")
	case KindString:
		sb.WriteString(v.s)
	case KindBytes:
		sb.WriteString(base64.StdEncoding.EncodeToString(v.raw))
	case KindReference:
		sb.WriteString(v.s)
	case KindGeoPoint:
		sb.WriteString("geo(" + strconv.FormatFloat(v.geo.Latitude, 'g', -1, 64) + "," +
			strconv.FormatFloat(v.geo.Longitude, 'g', -1, 64) + ")")
	case KindArray:
		sb.WriteByte('[')
		for i, e := range v.arr {
			if i > 0 {
				sb.WriteByte(',')
			}
			e.canonify(sb)
		}
		sb.WriteByte(']')
	case KindMap:
		sb.WriteByte('{')
		for i, k := range v.SortedFieldNames() {
			if i > 0 {
				sb.WriteByte(',')
			}
			sb.WriteString(k)
			sb.WriteByte(':')
			v.m[k].canonify(sb)
		}
		sb.WriteByte('}')
	}
}

// ArrayContains reports whether the array value holds an element equal to e.
func (v Value) ArrayContains(e Value) bool {
	for _, x := range v.arr {
		if x.Equal(e) {
			return true
		}
	}
	return false
}

// ValueFromGo converts decoded JSON-like Go data into a Value. Unknown types become null.
func ValueFromGo(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return NullValue()
	case Value:
		return t
	case bool:
		return BoolValue(t)
	case int:
		return IntValue(int64(t))
	case int32:
		return IntValue(int64(t))
	case int64:
		return IntValue(t)
	case float32:
		return DoubleValue(float64(t))
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1<<53 && !(t == 0 && math.Signbit(t)) {
			return IntValue(int64(t))
		}
		return DoubleValue(t)
	case string:
		return StringValue(t)
	case []byte:
		return BytesValue(t)
	case Timestamp:
		return TimestampValue(t)
	case DocumentKey:
		return ReferenceValue(t)
	case GeoPoint:
		return GeoPointValue(t.Latitude, t.Longitude)
	case []interface{}:
		arr := make([]Value, len(t))
		for i, e := range t {
			arr[i] = ValueFromGo(e)
		}
		return Value{kind: KindArray, arr: arr}
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, e := range t {
			m[k] = ValueFromGo(e)
		}
		return Value{kind: KindMap, m: m}
	}
	return NullValue()
}

// ToGo converts a Value into plain Go data suitable for JSON or YAML output.
func (v Value) ToGo() interface{} {
	switch v.kind {
	case KindNull:
		return nil
	case KindBoolean:
		return v.b
	case KindInteger:
		return v.i
	case KindDouble:
		return v.d
	case KindTimestamp, KindServerTimestamp:
		return v.ts.Time()
	case KindString:
		return v.s
	case KindBytes:
		return v.Bytes()
	case KindReference:
		return v.s
	case KindGeoPoint:
		return map[string]interface{}{"latitude": v.geo.Latitude, "longitude": v.geo.Longitude}
	case KindArray:
		out := make([]interface{}, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.ToGo()
		}
		return out
	default:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.ToGo()
		}
		return out
	}
}
