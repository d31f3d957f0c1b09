package model

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// Codec converts engine objects to and from bytes. The local caches and the stream
// connection both go through a Codec.
type Codec interface {
	EncodeDocument(doc *MutableDocument) ([]byte, error)
	DecodeDocument(data []byte) (*MutableDocument, error)
	EncodeBatch(batch *MutationBatch) ([]byte, error)
	DecodeBatch(data []byte) (*MutationBatch, error)
	EncodeMutation(m Mutation) ([]byte, error)
	DecodeMutation(data []byte) (Mutation, error)
	EncodeTargetData(td TargetData) ([]byte, error)
	DecodeTargetData(data []byte) (TargetData, error)
}

// JSONCodec is the default Codec.
type JSONCodec struct{}

var _ Codec = JSONCodec{}

func (JSONCodec) EncodeDocument(doc *MutableDocument) ([]byte, error) { return json.Marshal(doc) }

func (JSONCodec) DecodeDocument(data []byte) (*MutableDocument, error) {
	var d MutableDocument
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return &d, nil
}

func (JSONCodec) EncodeBatch(b *MutationBatch) ([]byte, error) { return json.Marshal(b) }

func (JSONCodec) DecodeBatch(data []byte) (*MutationBatch, error) {
	var b MutationBatch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decoding mutation batch: %w", err)
	}
	return &b, nil
}

func (JSONCodec) EncodeMutation(m Mutation) ([]byte, error) { return json.Marshal(m) }

func (JSONCodec) DecodeMutation(data []byte) (Mutation, error) {
	var m Mutation
	if err := json.Unmarshal(data, &m); err != nil {
		return Mutation{}, fmt.Errorf("decoding mutation: %w", err)
	}
	return m, nil
}

func (JSONCodec) EncodeTargetData(td TargetData) ([]byte, error) { return json.Marshal(td) }

func (JSONCodec) DecodeTargetData(data []byte) (TargetData, error) {
	var td TargetData
	if err := json.Unmarshal(data, &td); err != nil {
		return TargetData{}, fmt.Errorf("decoding target data: %w", err)
	}
	return td, nil
}

// Values use the tagged shape {"<kind>Value": ...}.

type geoJSON struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

type serverTimestampJSON struct {
	LocalWriteTime Timestamp `json:"localWriteTime"`
	Previous       *Value    `json:"previousValue,omitempty"`
}

func (v Value) MarshalJSON() ([]byte, error) {
	var tag string
	var payload interface{}
	switch v.kind {
	case KindNull:
		tag, payload = "nullValue", nil
	case KindBoolean:
		tag, payload = "booleanValue", v.b
	case KindInteger:
		tag, payload = "integerValue", strconv.FormatInt(v.i, 10)
	case KindDouble:
		tag = "doubleValue"
		switch {
		case math.IsNaN(v.d):
			payload = "NaN"
		case math.IsInf(v.d, 1):
			payload = "Infinity"
		case math.IsInf(v.d, -1):
			payload = "-Infinity"
		default:
			payload = v.d
		}
	case KindTimestamp:
		tag, payload = "timestampValue", v.ts
	case KindServerTimestamp:
		tag, payload = "serverTimestampValue", serverTimestampJSON{LocalWriteTime: v.ts, Previous: v.prev}
	case KindString:
		tag, payload = "stringValue", v.s
	case KindBytes:
		tag, payload = "bytesValue", base64.StdEncoding.EncodeToString(v.raw)
	case KindReference:
		tag, payload = "referenceValue", v.s
	case KindGeoPoint:
		tag, payload = "geoPointValue", geoJSON(v.geo)
	case KindArray:
		vals := v.arr
		if vals == nil {
			vals = []Value{}
		}
		tag, payload = "arrayValue", struct {
			Values []Value `json:"values"`
		}{vals}
	case KindMap:
		fields := v.m
		if fields == nil {
			fields = map[string]Value{}
		}
		tag, payload = "mapValue", struct {
			Fields map[string]Value `json:"fields"`
		}{fields}
	}
	return json.Marshal(map[string]interface{}{tag: payload})
}

func (v *Value) UnmarshalJSON(data []byte) error {
	var tagged map[string]json.RawMessage
	if err := json.Unmarshal(data, &tagged); err != nil {
		return err
	}
	if len(tagged) != 1 {
		return fmt.Errorf("value must have exactly one type tag, got %d", len(tagged))
	}
	for tag, raw := range tagged {
		return v.decodeTagged(tag, raw)
	}
	return nil
}

func (v *Value) decodeTagged(tag string, raw json.RawMessage) error {
	switch tag {
	case "nullValue":
		*v = NullValue()
	case "booleanValue":
		var b bool
		if err := json.Unmarshal(raw, &b); err != nil {
			return err
		}
		*v = BoolValue(b)
	case "integerValue":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		i, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing integerValue: %w", err)
		}
		*v = IntValue(i)
	case "doubleValue":
		var s string
		if json.Unmarshal(raw, &s) == nil {
			switch s {
			case "NaN":
				*v = DoubleValue(math.NaN())
			case "Infinity":
				*v = DoubleValue(math.Inf(1))
			case "-Infinity":
				*v = DoubleValue(math.Inf(-1))
			default:
				return fmt.Errorf("invalid doubleValue %q", s)
			}
			return nil
		}
		var d float64
		if err := json.Unmarshal(raw, &d); err != nil {
			return err
		}
		*v = DoubleValue(d)
	case "timestampValue":
		var ts Timestamp
		if err := json.Unmarshal(raw, &ts); err != nil {
			return err
		}
		*v = TimestampValue(ts)
	case "serverTimestampValue":
		var st serverTimestampJSON
		if err := json.Unmarshal(raw, &st); err != nil {
			return err
		}
		*v = ServerTimestampValue(st.LocalWriteTime, st.Previous)
	case "stringValue":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		*v = StringValue(s)
	case "bytesValue":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return fmt.Errorf("decoding bytesValue: %w", err)
		}
		*v = Value{kind: KindBytes, raw: b}
	case "referenceValue":
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		k, err := ParseDocumentKey(s)
		if err != nil {
			return err
		}
		*v = ReferenceValue(k)
	case "geoPointValue":
		var g geoJSON
		if err := json.Unmarshal(raw, &g); err != nil {
			return err
		}
		*v = GeoPointValue(g.Latitude, g.Longitude)
	case "arrayValue":
		var a struct {
			Values []Value `json:"values"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return err
		}
		*v = Value{kind: KindArray, arr: a.Values}
	case "mapValue":
		var m struct {
			Fields map[string]Value `json:"fields"`
		}
		if err := json.Unmarshal(raw, &m); err != nil {
			return err
		}
		if m.Fields == nil {
			m.Fields = map[string]Value{}
		}
		*v = Value{kind: KindMap, m: m.Fields}
	default:
		return fmt.Errorf("unknown value tag %q", tag)
	}
	return nil
}

func (o ObjectValue) MarshalJSON() ([]byte, error) {
	fields := o.fields
	if fields == nil {
		fields = map[string]Value{}
	}
	return json.Marshal(fields)
}

func (o *ObjectValue) UnmarshalJSON(data []byte) error {
	var fields map[string]Value
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if fields == nil {
		fields = map[string]Value{}
	}
	o.fields = fields
	return nil
}

func (f FieldPath) MarshalJSON() ([]byte, error) { return json.Marshal(f.segments) }

func (f *FieldPath) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &f.segments)
}

func (p ResourcePath) MarshalJSON() ([]byte, error) { return json.Marshal(p.CanonicalString()) }

func (p *ResourcePath) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	rp, err := ParseResourcePath(s)
	if err != nil {
		return err
	}
	*p = rp
	return nil
}

func (k DocumentKey) MarshalJSON() ([]byte, error) { return json.Marshal(k.path) }

func (k *DocumentKey) UnmarshalJSON(data []byte) error { return json.Unmarshal(data, &k.path) }

func (m *FieldMask) MarshalJSON() ([]byte, error) {
	paths := m.Paths()
	if paths == nil {
		paths = []FieldPath{}
	}
	return json.Marshal(paths)
}

func (m *FieldMask) UnmarshalJSON(data []byte) error {
	var paths []FieldPath
	if err := json.Unmarshal(data, &paths); err != nil {
		return err
	}
	*m = *NewFieldMask(paths...)
	return nil
}

type documentJSON struct {
	Key        DocumentKey   `json:"key"`
	Type       DocumentType  `json:"type"`
	Version    Timestamp     `json:"version"`
	ReadTime   Timestamp     `json:"readTime"`
	CreateTime Timestamp     `json:"createTime"`
	State      DocumentState `json:"state"`
	Data       ObjectValue   `json:"data"`
}

func (d *MutableDocument) MarshalJSON() ([]byte, error) {
	return json.Marshal(documentJSON{
		Key: d.key, Type: d.docType, Version: d.version, ReadTime: d.readTime,
		CreateTime: d.createTime, State: d.state, Data: d.data,
	})
}

func (d *MutableDocument) UnmarshalJSON(data []byte) error {
	var j documentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*d = MutableDocument{
		key: j.Key, docType: j.Type, version: j.Version, readTime: j.ReadTime,
		createTime: j.CreateTime, state: j.State, data: j.Data,
	}
	if d.data.fields == nil {
		d.data = NewObjectValue()
	}
	return nil
}

type transformJSON struct {
	Field    FieldPath     `json:"field"`
	Type     TransformType `json:"type"`
	Operand  *Value        `json:"operand,omitempty"`
	Elements []Value       `json:"elements,omitempty"`
}

type mutationJSON struct {
	Type         MutationType    `json:"type"`
	Key          DocumentKey     `json:"key"`
	Precondition Precondition    `json:"precondition"`
	Value        *ObjectValue    `json:"value,omitempty"`
	Mask         *FieldMask      `json:"mask,omitempty"`
	Transforms   []transformJSON `json:"transforms,omitempty"`
}

func (m Mutation) MarshalJSON() ([]byte, error) {
	j := mutationJSON{Type: m.Type, Key: m.Key, Precondition: m.Precondition, Mask: m.Mask}
	if m.Type == SetMutation || m.Type == PatchMutation {
		v := m.Value
		j.Value = &v
	}
	for _, t := range m.Transforms {
		tj := transformJSON{Field: t.Field, Type: t.Type, Elements: t.Elements}
		if t.Type == TransformIncrement {
			op := t.Operand
			tj.Operand = &op
		}
		j.Transforms = append(j.Transforms, tj)
	}
	return json.Marshal(j)
}

func (m *Mutation) UnmarshalJSON(data []byte) error {
	var j mutationJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*m = Mutation{Type: j.Type, Key: j.Key, Precondition: j.Precondition, Mask: j.Mask, Value: NewObjectValue()}
	if j.Value != nil {
		m.Value = *j.Value
	}
	if m.Type == PatchMutation && m.Mask == nil {
		m.Mask = &FieldMask{}
	}
	for _, tj := range j.Transforms {
		t := FieldTransform{Field: tj.Field, Type: tj.Type, Elements: tj.Elements}
		if tj.Operand != nil {
			t.Operand = *tj.Operand
		}
		m.Transforms = append(m.Transforms, t)
	}
	return nil
}

type batchJSON struct {
	BatchID        int        `json:"batchId"`
	LocalWriteTime Timestamp  `json:"localWriteTime"`
	BaseMutations  []Mutation `json:"baseMutations,omitempty"`
	Mutations      []Mutation `json:"mutations"`
}

func (b *MutationBatch) MarshalJSON() ([]byte, error) {
	return json.Marshal(batchJSON{
		BatchID: b.BatchID, LocalWriteTime: b.LocalWriteTime,
		BaseMutations: b.BaseMutations, Mutations: b.Mutations,
	})
}

func (b *MutationBatch) UnmarshalJSON(data []byte) error {
	var j batchJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*b = MutationBatch{BatchID: j.BatchID, LocalWriteTime: j.LocalWriteTime, BaseMutations: j.BaseMutations, Mutations: j.Mutations}
	return nil
}

type filterJSON struct {
	Field     *fieldFilterJSON     `json:"fieldFilter,omitempty"`
	Composite *compositeFilterJSON `json:"compositeFilter,omitempty"`
}

type fieldFilterJSON struct {
	Field FieldPath `json:"field"`
	Op    Operator  `json:"op"`
	Value Value     `json:"value"`
}

type compositeFilterJSON struct {
	Op      CompositeOperator `json:"op"`
	Filters []filterJSON      `json:"filters"`
}

func encodeFilter(f Filter) filterJSON {
	switch t := f.(type) {
	case FieldFilter:
		return filterJSON{Field: &fieldFilterJSON{Field: t.Field, Op: t.Op, Value: t.Value}}
	case CompositeFilter:
		c := &compositeFilterJSON{Op: t.Op}
		for _, child := range t.Filters {
			c.Filters = append(c.Filters, encodeFilter(child))
		}
		return filterJSON{Composite: c}
	}
	return filterJSON{}
}

func decodeFilter(j filterJSON) (Filter, error) {
	switch {
	case j.Field != nil:
		return NewFieldFilter(j.Field.Field, j.Field.Op, j.Field.Value)
	case j.Composite != nil:
		c := CompositeFilter{Op: j.Composite.Op}
		for _, child := range j.Composite.Filters {
			f, err := decodeFilter(child)
			if err != nil {
				return nil, err
			}
			c.Filters = append(c.Filters, f)
		}
		return c, nil
	}
	return nil, fmt.Errorf("empty filter")
}

// EncodeFilter and DecodeFilter expose the filter wire shape to other packages.
func EncodeFilter(f Filter) ([]byte, error) { return json.Marshal(encodeFilter(f)) }

func DecodeFilter(data []byte) (Filter, error) {
	var j filterJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return decodeFilter(j)
}

type orderByJSON struct {
	Field     FieldPath `json:"field"`
	Direction Direction `json:"direction"`
}

type boundJSON struct {
	Position  []Value `json:"position"`
	Inclusive bool    `json:"inclusive"`
}

type queryJSON struct {
	Path            ResourcePath  `json:"path"`
	CollectionGroup string        `json:"collectionGroup,omitempty"`
	Filters         []filterJSON  `json:"filters,omitempty"`
	OrderBy         []orderByJSON `json:"orderBy,omitempty"`
	Limit           int           `json:"limit,omitempty"`
	LimitType       LimitType     `json:"limitType,omitempty"`
	StartAt         *boundJSON    `json:"startAt,omitempty"`
	EndAt           *boundJSON    `json:"endAt,omitempty"`
}

func encodeBound(b *Bound) *boundJSON {
	if b == nil {
		return nil
	}
	return &boundJSON{Position: b.Position, Inclusive: b.Inclusive}
}

func decodeBound(b *boundJSON) *Bound {
	if b == nil {
		return nil
	}
	return &Bound{Position: b.Position, Inclusive: b.Inclusive}
}

func (j *queryJSON) encodeParts(filters []Filter, orderBy []OrderBy) {
	for _, f := range filters {
		j.Filters = append(j.Filters, encodeFilter(f))
	}
	for _, o := range orderBy {
		j.OrderBy = append(j.OrderBy, orderByJSON(o))
	}
}

func (j *queryJSON) decodeParts() ([]Filter, []OrderBy, error) {
	var filters []Filter
	for _, fj := range j.Filters {
		f, err := decodeFilter(fj)
		if err != nil {
			return nil, nil, err
		}
		filters = append(filters, f)
	}
	var orderBy []OrderBy
	for _, o := range j.OrderBy {
		orderBy = append(orderBy, OrderBy(o))
	}
	return filters, orderBy, nil
}

func (t Target) MarshalJSON() ([]byte, error) {
	j := queryJSON{Path: t.Path, CollectionGroup: t.CollectionGroup, Limit: t.Limit,
		StartAt: encodeBound(t.StartAt), EndAt: encodeBound(t.EndAt)}
	j.encodeParts(t.Filters, t.OrderBy)
	return json.Marshal(j)
}

func (t *Target) UnmarshalJSON(data []byte) error {
	var j queryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	filters, orderBy, err := j.decodeParts()
	if err != nil {
		return err
	}
	*t = Target{Path: j.Path, CollectionGroup: j.CollectionGroup, Filters: filters, OrderBy: orderBy,
		Limit: j.Limit, StartAt: decodeBound(j.StartAt), EndAt: decodeBound(j.EndAt)}
	return nil
}

func (q Query) MarshalJSON() ([]byte, error) {
	j := queryJSON{Path: q.Path, CollectionGroup: q.CollectionGroup, Limit: q.Limit, LimitType: q.LimitType,
		StartAt: encodeBound(q.StartAt), EndAt: encodeBound(q.EndAt)}
	j.encodeParts(q.Filters, q.ExplicitOrderBy)
	return json.Marshal(j)
}

func (q *Query) UnmarshalJSON(data []byte) error {
	var j queryJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	filters, orderBy, err := j.decodeParts()
	if err != nil {
		return err
	}
	*q = Query{Path: j.Path, CollectionGroup: j.CollectionGroup, Filters: filters, ExplicitOrderBy: orderBy,
		Limit: j.Limit, LimitType: j.LimitType, StartAt: decodeBound(j.StartAt), EndAt: decodeBound(j.EndAt)}
	return nil
}

type targetDataJSON struct {
	Target                       Target        `json:"target"`
	TargetID                     int           `json:"targetId"`
	Purpose                      TargetPurpose `json:"purpose"`
	SequenceNumber               int64         `json:"sequenceNumber"`
	SnapshotVersion              Timestamp     `json:"snapshotVersion"`
	LastLimboFreeSnapshotVersion Timestamp     `json:"lastLimboFreeSnapshotVersion"`
	ResumeToken                  []byte        `json:"resumeToken,omitempty"`
	ExpectedCount                *int          `json:"expectedCount,omitempty"`
}

func (t TargetData) MarshalJSON() ([]byte, error) { return json.Marshal(targetDataJSON(t)) }

func (t *TargetData) UnmarshalJSON(data []byte) error {
	var j targetDataJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*t = TargetData(j)
	return nil
}

type segmentJSON struct {
	FieldPath FieldPath   `json:"fieldPath"`
	Kind      SegmentKind `json:"kind"`
}

func (s IndexSegment) MarshalJSON() ([]byte, error) { return json.Marshal(segmentJSON(s)) }

func (s *IndexSegment) UnmarshalJSON(data []byte) error {
	var j segmentJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	*s = IndexSegment(j)
	return nil
}
