package model

import (
	"fmt"
	"math"

	"github.com/steveyegge/docsync/internal/status"
)

// MutationType tags the variant of a Mutation.
type MutationType int

const (
	SetMutation MutationType = iota
	PatchMutation
	DeleteMutation
	VerifyMutation
)

func (t MutationType) String() string {
	switch t {
	case SetMutation:
		return "set"
	case PatchMutation:
		return "patch"
	case DeleteMutation:
		return "delete"
	}
	return "verify"
}

// Precondition guards a mutation. The zero Precondition always holds.
type Precondition struct {
	Exists     *bool      `json:"exists,omitempty"`
	UpdateTime *Timestamp `json:"updateTime,omitempty"`
}

func PreconditionNone() Precondition { return Precondition{} }

func PreconditionExists(exists bool) Precondition { return Precondition{Exists: &exists} }

func PreconditionUpdateTime(t Timestamp) Precondition { return Precondition{UpdateTime: &t} }

func (p Precondition) IsNone() bool { return p.Exists == nil && p.UpdateTime == nil }

// IsValidFor reports whether the precondition holds for doc.
func (p Precondition) IsValidFor(doc *MutableDocument) bool {
	if p.UpdateTime != nil {
		return doc.IsFoundDocument() && doc.Version() == *p.UpdateTime
	}
	if p.Exists != nil {
		return *p.Exists == doc.IsFoundDocument()
	}
	return true
}

func (p Precondition) Equal(o Precondition) bool {
	switch {
	case (p.Exists == nil) != (o.Exists == nil), (p.UpdateTime == nil) != (o.UpdateTime == nil):
		return false
	case p.Exists != nil && *p.Exists != *o.Exists:
		return false
	case p.UpdateTime != nil && *p.UpdateTime != *o.UpdateTime:
		return false
	}
	return true
}

// TransformType tags a field transform.
type TransformType int

const (
	TransformServerTimestamp TransformType = iota
	TransformIncrement
	TransformArrayUnion
	TransformArrayRemove
)

// FieldTransform rewrites one field as part of a set or patch.
type FieldTransform struct {
	Field    FieldPath
	Type     TransformType
	Operand  Value   // increment amount
	Elements []Value // array union/remove elements
}

func ServerTimestampTransform(field FieldPath) FieldTransform {
	return FieldTransform{Field: field, Type: TransformServerTimestamp}
}

func IncrementTransform(field FieldPath, by Value) FieldTransform {
	return FieldTransform{Field: field, Type: TransformIncrement, Operand: by}
}

func ArrayUnionTransform(field FieldPath, elems ...Value) FieldTransform {
	return FieldTransform{Field: field, Type: TransformArrayUnion, Elements: elems}
}

func ArrayRemoveTransform(field FieldPath, elems ...Value) FieldTransform {
	return FieldTransform{Field: field, Type: TransformArrayRemove, Elements: elems}
}

// ApplyToLocalView computes the optimistic result of the transform.
func (t FieldTransform) ApplyToLocalView(previous *Value, localWriteTime Timestamp) Value {
	switch t.Type {
	case TransformServerTimestamp:
		return ServerTimestampValue(localWriteTime, previous)
	case TransformIncrement:
		base := IntValue(0)
		if previous != nil && previous.IsNumber() {
			base = *previous
		}
		return addNumbers(base, t.Operand)
	case TransformArrayUnion:
		out := coerceArray(previous)
		for _, e := range t.Elements {
			if !containsValue(out, e) {
				out = append(out, e)
			}
		}
		return Value{kind: KindArray, arr: out}
	default:
		in := coerceArray(previous)
		out := in[:0:0]
		for _, e := range in {
			if !containsValue(t.Elements, e) {
				out = append(out, e)
			}
		}
		return Value{kind: KindArray, arr: out}
	}
}

// ApplyToRemoteDocument computes the committed result. Array transforms are recomputed
// locally; the others take the server's result.
func (t FieldTransform) ApplyToRemoteDocument(previous *Value, serverResult Value) Value {
	switch t.Type {
	case TransformArrayUnion, TransformArrayRemove:
		return t.ApplyToLocalView(previous, MinVersion)
	}
	return serverResult
}

// ComputeBaseValue returns the value an idempotent re-application needs, or nil when the
// transform does not depend on the previous value.
func (t FieldTransform) ComputeBaseValue(previous *Value) *Value {
	if t.Type != TransformIncrement {
		return nil
	}
	if previous != nil && previous.IsNumber() {
		v := *previous
		return &v
	}
	v := IntValue(0)
	return &v
}

func (t FieldTransform) Equal(o FieldTransform) bool {
	if !t.Field.Equal(o.Field) || t.Type != o.Type || !t.Operand.Equal(o.Operand) || len(t.Elements) != len(o.Elements) {
		return false
	}
	for i := range t.Elements {
		if !t.Elements[i].Equal(o.Elements[i]) {
			return false
		}
	}
	return true
}

func coerceArray(v *Value) []Value {
	if v == nil || v.kind != KindArray {
		return nil
	}
	return append([]Value(nil), v.arr...)
}

func containsValue(vals []Value, e Value) bool {
	for _, x := range vals {
		if x.Equal(e) {
			return true
		}
	}
	return false
}

// addNumbers adds with int64 saturation when both sides are integers.
func addNumbers(a, b Value) Value {
	if a.kind == KindInteger && b.kind == KindInteger {
		sum := a.i + b.i
		switch {
		case a.i > 0 && b.i > 0 && sum < 0:
			sum = math.MaxInt64
		case a.i < 0 && b.i < 0 && sum >= 0:
			sum = math.MinInt64
		}
		return IntValue(sum)
	}
	return DoubleValue(a.Double() + b.Double())
}

// MutationResult is the server's outcome for one mutation of a batch.
type MutationResult struct {
	Version          Timestamp
	TransformResults []Value
}

// Mutation is an immutable write against one document.
type Mutation struct {
	Type         MutationType
	Key          DocumentKey
	Precondition Precondition
	Value        ObjectValue // set and patch data
	Mask         *FieldMask  // patch only
	Transforms   []FieldTransform
}

func NewSetMutation(key DocumentKey, value ObjectValue, precondition Precondition, transforms ...FieldTransform) Mutation {
	return Mutation{Type: SetMutation, Key: key, Value: value, Precondition: precondition, Transforms: transforms}
}

func NewPatchMutation(key DocumentKey, value ObjectValue, mask *FieldMask, precondition Precondition, transforms ...FieldTransform) Mutation {
	if mask == nil {
		mask = &FieldMask{}
	}
	return Mutation{Type: PatchMutation, Key: key, Value: value, Mask: mask, Precondition: precondition, Transforms: transforms}
}

func NewDeleteMutation(key DocumentKey, precondition Precondition) Mutation {
	return Mutation{Type: DeleteMutation, Key: key, Precondition: precondition}
}

func NewVerifyMutation(key DocumentKey, precondition Precondition) Mutation {
	return Mutation{Type: VerifyMutation, Key: key, Precondition: precondition}
}

// ApplyToRemoteDocument applies the acknowledged mutation to the remote version of doc.
func (m Mutation) ApplyToRemoteDocument(doc *MutableDocument, result MutationResult) error {
	if doc.Key() != m.Key {
		return status.Assertf("mutation for %s applied to %s", m.Key, doc.Key())
	}
	switch m.Type {
	case SetMutation:
		updates, err := m.serverTransformResults(doc, result.TransformResults)
		if err != nil {
			return err
		}
		data := m.Value.Clone().SetAll(updates)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case PatchMutation:
		if !m.Precondition.IsValidFor(doc) {
			doc.ConvertToUnknownDocument(result.Version)
			return nil
		}
		updates, err := m.serverTransformResults(doc, result.TransformResults)
		if err != nil {
			return err
		}
		data := doc.Data().SetAll(m.patchUpdates()).SetAll(updates)
		doc.ConvertToFoundDocument(result.Version, data).SetHasCommittedMutations()
	case DeleteMutation:
		doc.ConvertToNoDocument(result.Version).SetHasCommittedMutations()
	}
	return nil
}

// ApplyToLocalView applies the pending mutation to doc. previousMask describes the fields
// already changed by earlier mutations; nil means the whole document. It returns the fields
// changed after this mutation, again with nil meaning the whole document.
func (m Mutation) ApplyToLocalView(doc *MutableDocument, previousMask *FieldMask, localWriteTime Timestamp) *FieldMask {
	switch m.Type {
	case SetMutation:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}
		data := m.Value.Clone().SetAll(m.localTransformResults(doc, localWriteTime))
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		return nil
	case PatchMutation:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}
		data := doc.Data().SetAll(m.patchUpdates()).SetAll(m.localTransformResults(doc, localWriteTime))
		doc.ConvertToFoundDocument(doc.Version(), data).SetHasLocalMutations()
		if previousMask == nil {
			return nil
		}
		mask := previousMask.Union(m.Mask.Paths()...)
		for _, t := range m.Transforms {
			mask = mask.Union(t.Field)
		}
		return mask
	case DeleteMutation:
		if !m.Precondition.IsValidFor(doc) {
			return previousMask
		}
		doc.ConvertToNoDocument(doc.Version()).SetHasLocalMutations()
		return nil
	}
	return previousMask
}

// ExtractTransformBaseValue returns the values transforms depend on, so they can be
// reapplied on top of a changed base document.
func (m Mutation) ExtractTransformBaseValue(doc *MutableDocument) (ObjectValue, bool) {
	base := NewObjectValue()
	found := false
	for _, t := range m.Transforms {
		var prev *Value
		if v, ok := doc.Field(t.Field); ok {
			prev = &v
		}
		if bv := t.ComputeBaseValue(prev); bv != nil {
			base = base.Set(t.Field, *bv)
			found = true
		}
	}
	return base, found
}

func (m Mutation) patchUpdates() []FieldUpdate {
	paths := m.Mask.Paths()
	out := make([]FieldUpdate, 0, len(paths))
	for _, p := range paths {
		if p.IsEmpty() {
			continue
		}
		u := FieldUpdate{Path: p}
		if v, ok := m.Value.Get(p); ok {
			u.Value = &v
		}
		out = append(out, u)
	}
	return out
}

func (m Mutation) localTransformResults(doc *MutableDocument, localWriteTime Timestamp) []FieldUpdate {
	out := make([]FieldUpdate, 0, len(m.Transforms))
	for _, t := range m.Transforms {
		var prev *Value
		if v, ok := doc.Field(t.Field); ok {
			prev = &v
		}
		v := t.ApplyToLocalView(prev, localWriteTime)
		out = append(out, FieldUpdate{Path: t.Field, Value: &v})
	}
	return out
}

func (m Mutation) serverTransformResults(doc *MutableDocument, results []Value) ([]FieldUpdate, error) {
	if len(results) != len(m.Transforms) {
		return nil, status.Assertf("server transform result count (%d) should match field transform count (%d)",
			len(results), len(m.Transforms))
	}
	out := make([]FieldUpdate, 0, len(m.Transforms))
	for i, t := range m.Transforms {
		var prev *Value
		if v, ok := doc.Field(t.Field); ok {
			prev = &v
		}
		v := t.ApplyToRemoteDocument(prev, results[i])
		out = append(out, FieldUpdate{Path: t.Field, Value: &v})
	}
	return out, nil
}

// Equal compares two mutations structurally.
func (m Mutation) Equal(o Mutation) bool {
	if m.Type != o.Type || m.Key != o.Key || !m.Precondition.Equal(o.Precondition) ||
		!m.Value.Equal(o.Value) || len(m.Transforms) != len(o.Transforms) {
		return false
	}
	if m.Type == PatchMutation && !m.Mask.Equal(o.Mask) {
		return false
	}
	for i := range m.Transforms {
		if !m.Transforms[i].Equal(o.Transforms[i]) {
			return false
		}
	}
	return true
}

func (m Mutation) String() string {
	return fmt.Sprintf("%s(%s)", m.Type, m.Key)
}

// CalculateOverlayMutation returns the mutation that turns the remote document into doc's
// local view, or nil when doc carries no local changes. mask names the changed fields; nil
// means the whole document changed.
func CalculateOverlayMutation(doc *MutableDocument, mask *FieldMask) *Mutation {
	if !doc.HasLocalMutations() || (mask != nil && mask.Len() == 0) {
		return nil
	}
	if mask == nil {
		var m Mutation
		if doc.IsNoDocument() {
			m = NewDeleteMutation(doc.Key(), PreconditionNone())
		} else {
			m = NewSetMutation(doc.Key(), doc.Data(), PreconditionNone())
		}
		return &m
	}
	data := doc.Data()
	patch := NewObjectValue()
	seen := &FieldMask{}
	for _, path := range mask.Paths() {
		if seen.contains(path) {
			continue
		}
		v, ok := data.Get(path)
		// A deleted nested field is expressed by rewriting its parent.
		if !ok && path.Len() > 1 {
			path = path.PopLast()
			v, ok = data.Get(path)
		}
		if ok {
			patch = patch.Set(path, v)
		} else {
			patch = patch.Delete(path)
		}
		seen.add(path)
	}
	m := NewPatchMutation(doc.Key(), patch, seen, PreconditionNone())
	return &m
}

func (m *FieldMask) contains(p FieldPath) bool {
	for _, mp := range m.paths {
		if mp.Equal(p) {
			return true
		}
	}
	return false
}
