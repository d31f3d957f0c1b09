package model

// ObjectValue is the field tree of a document. Writes copy the maps along the written path, so
// an ObjectValue can be shared once built.
type ObjectValue struct {
	fields map[string]Value
}

// NewObjectValue returns an empty object.
func NewObjectValue() ObjectValue {
	return ObjectValue{fields: map[string]Value{}}
}

// ObjectFromMap wraps the given top-level fields.
func ObjectFromMap(fields map[string]Value) ObjectValue {
	return ObjectValue{fields: MapValue(fields).m}
}

// ObjectFromGo converts a decoded JSON object.
func ObjectFromGo(m map[string]interface{}) ObjectValue {
	return ObjectValue{fields: ValueFromGo(m).m}
}

// Get returns the value at path. An empty path returns the whole object as a map value.
func (o ObjectValue) Get(path FieldPath) (Value, bool) {
	if path.IsEmpty() {
		return o.ToValue(), true
	}
	cur := o.fields
	for i := 0; i < path.Len()-1; i++ {
		next, ok := cur[path.Segment(i)]
		if !ok || next.kind != KindMap {
			return Value{}, false
		}
		cur = next.m
	}
	v, ok := cur[path.LastSegmentOrEmpty()]
	return v, ok
}

// LastSegmentOrEmpty returns the final segment, or "" for the empty path.
func (f FieldPath) LastSegmentOrEmpty() string {
	if len(f.segments) == 0 {
		return ""
	}
	return f.segments[len(f.segments)-1]
}

// Set returns a copy of o with path set to v, creating intermediate maps as needed.
func (o ObjectValue) Set(path FieldPath, v Value) ObjectValue {
	if path.IsEmpty() {
		if v.kind == KindMap {
			return ObjectValue{fields: v.m}
		}
		return o
	}
	return ObjectValue{fields: setIn(o.fields, path.segments, &v)}
}

// Delete returns a copy of o with path removed.
func (o ObjectValue) Delete(path FieldPath) ObjectValue {
	if path.IsEmpty() {
		return NewObjectValue()
	}
	if _, ok := o.Get(path); !ok {
		return o
	}
	return ObjectValue{fields: setIn(o.fields, path.segments, nil)}
}

// FieldUpdate is one entry of a batched write; a nil Value deletes the field.
type FieldUpdate struct {
	Path  FieldPath
	Value *Value
}

// SetAll applies updates in order.
func (o ObjectValue) SetAll(updates []FieldUpdate) ObjectValue {
	for _, u := range updates {
		if u.Value == nil {
			o = o.Delete(u.Path)
		} else {
			o = o.Set(u.Path, *u.Value)
		}
	}
	return o
}

func setIn(fields map[string]Value, segments []string, v *Value) map[string]Value {
	out := make(map[string]Value, len(fields)+1)
	for k, f := range fields {
		out[k] = f
	}
	head := segments[0]
	if len(segments) == 1 {
		if v == nil {
			delete(out, head)
		} else {
			out[head] = *v
		}
		return out
	}
	var child map[string]Value
	if existing, ok := fields[head]; ok && existing.kind == KindMap {
		child = existing.m
	}
	out[head] = Value{kind: KindMap, m: setIn(child, segments[1:], v)}
	return out
}

// Fields returns a copy of the top-level fields.
func (o ObjectValue) Fields() map[string]Value {
	return o.ToValue().Fields()
}

// ToValue returns the object as a map value.
func (o ObjectValue) ToValue() Value {
	if o.fields == nil {
		return Value{kind: KindMap, m: map[string]Value{}}
	}
	return Value{kind: KindMap, m: o.fields}
}

func (o ObjectValue) Len() int { return len(o.fields) }

func (o ObjectValue) Equal(other ObjectValue) bool {
	return o.ToValue().Equal(other.ToValue())
}

// Clone returns an independent copy. Values are immutable, so a shallow copy suffices.
func (o ObjectValue) Clone() ObjectValue {
	return ObjectFromMap(o.fields)
}

// FieldMask returns the paths of every leaf; empty maps count as leaves.
func (o ObjectValue) FieldMask() *FieldMask {
	mask := &FieldMask{}
	collectLeaves(o.fields, FieldPath{}, mask)
	return mask
}

func collectLeaves(fields map[string]Value, prefix FieldPath, mask *FieldMask) {
	for k, v := range fields {
		p := prefix.Child(k)
		if v.kind == KindMap && len(v.m) > 0 {
			collectLeaves(v.m, p, mask)
			continue
		}
		mask.add(p)
	}
}

func (o ObjectValue) String() string { return o.ToValue().Canonical() }
