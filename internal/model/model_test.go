package model

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func obj(m map[string]interface{}) ObjectValue { return ObjectFromGo(m) }

func TestResourcePathOrdering(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"rooms/a", "rooms/b", -1},
		{"rooms/__id2__", "rooms/__id10__", -1},
		{"rooms/__id99__", "rooms/a", -1},
		{"rooms", "rooms/a", -1},
		{"rooms/a/messages/1", "rooms/a", 1},
		{"x/y", "x/y", 0},
	}
	for _, tt := range tests {
		t.Run(tt.a+" vs "+tt.b, func(t *testing.T) {
			a, err := ParseResourcePath(tt.a)
			require.NoError(t, err)
			b, err := ParseResourcePath(tt.b)
			require.NoError(t, err)
			assert.Equal(t, tt.want, a.Compare(b))
		})
	}
}

func TestDocumentKeyValidation(t *testing.T) {
	_, err := ParseDocumentKey("rooms")
	assert.Error(t, err)
	_, err = ParseDocumentKey("rooms//a")
	assert.Error(t, err)

	k := MustKey("rooms/eros/messages/1")
	assert.Equal(t, "messages", k.CollectionGroup())
	assert.Equal(t, "1", k.ID())
	assert.Equal(t, "rooms/eros/messages", k.CollectionPath().CanonicalString())

	_, err = ParseFieldPath("a..b")
	assert.Error(t, err)
}

func TestValueOrdering(t *testing.T) {
	ordered := []Value{
		NullValue(),
		BoolValue(false),
		BoolValue(true),
		DoubleValue(math.NaN()),
		IntValue(-5),
		DoubleValue(1.5),
		IntValue(2),
		TimestampValue(Timestamp{Seconds: 1}),
		StringValue("a"),
		StringValue("b"),
		BytesValue([]byte{1}),
		ReferenceValue(MustKey("c/d")),
		GeoPointValue(1, 2),
		ArrayValue(IntValue(1)),
		MapValue(map[string]Value{"a": IntValue(1)}),
	}
	for i := 0; i < len(ordered)-1; i++ {
		assert.Equal(t, -1, ordered[i].Compare(ordered[i+1]), "%s < %s", ordered[i], ordered[i+1])
		assert.Equal(t, 1, ordered[i+1].Compare(ordered[i]))
	}

	assert.Equal(t, 0, IntValue(1).Compare(DoubleValue(1)))
	assert.False(t, IntValue(1).Equal(DoubleValue(1)), "strict equality keeps integers and doubles apart")
	assert.True(t, DoubleValue(math.NaN()).Equal(DoubleValue(math.NaN())))
}

func TestObjectValueCopyOnWrite(t *testing.T) {
	base := obj(map[string]interface{}{"a": map[string]interface{}{"b": 1}})
	changed := base.Set(MustParseFieldPath("a.c"), IntValue(2))

	_, ok := base.Get(MustParseFieldPath("a.c"))
	assert.False(t, ok, "original object must not change")
	v, ok := changed.Get(MustParseFieldPath("a.b"))
	require.True(t, ok)
	assert.Equal(t, int64(1), v.Int())

	deleted := changed.Delete(MustParseFieldPath("a.b"))
	_, ok = deleted.Get(MustParseFieldPath("a.b"))
	assert.False(t, ok)
	assert.Len(t, changed.FieldMask().Paths(), 2)
}

func TestSetThenPatchLocalView(t *testing.T) {
	key := MustKey("docs/A")
	batch := &MutationBatch{
		BatchID:        1,
		LocalWriteTime: Timestamp{Seconds: 10},
		Mutations: []Mutation{
			NewSetMutation(key, obj(map[string]interface{}{"x": 1}), PreconditionNone()),
			NewPatchMutation(key, obj(map[string]interface{}{"y": 2}), NewFieldMask(MustParseFieldPath("y")), PreconditionNone()),
		},
	}

	doc := NewInvalidDocument(key)
	mask := batch.ApplyToLocalView(doc, &FieldMask{})
	assert.Nil(t, mask, "a set rewrites the whole document")
	assert.True(t, doc.IsFoundDocument())
	assert.True(t, doc.HasLocalMutations())
	assert.True(t, doc.Data().Equal(obj(map[string]interface{}{"x": 1, "y": 2})))

	overlay := CalculateOverlayMutation(doc, mask)
	require.NotNil(t, overlay)
	assert.Equal(t, SetMutation, overlay.Type)

	remote := NewInvalidDocument(key)
	result, err := NewMutationBatchResult(batch, Timestamp{Seconds: 20}, []MutationResult{
		{Version: Timestamp{Seconds: 20}}, {Version: Timestamp{Seconds: 20}},
	}, nil)
	require.NoError(t, err)
	require.NoError(t, batch.ApplyToRemoteDocument(remote, result))
	assert.Equal(t, Timestamp{Seconds: 20}, remote.Version())
	assert.True(t, remote.HasCommittedMutations())
	assert.True(t, remote.Data().Equal(obj(map[string]interface{}{"x": 1, "y": 2})))
}

func TestPatchOnMissingDocumentIsSkippedLocally(t *testing.T) {
	key := MustKey("docs/B")
	patch := NewPatchMutation(key, obj(map[string]interface{}{"y": 2}),
		NewFieldMask(MustParseFieldPath("y")), PreconditionExists(true))
	doc := NewInvalidDocument(key)
	mask := patch.ApplyToLocalView(doc, &FieldMask{}, Timestamp{})
	assert.Equal(t, 0, mask.Len())
	assert.False(t, doc.IsValidDocument())

	require.NoError(t, patch.ApplyToRemoteDocument(doc, MutationResult{Version: Timestamp{Seconds: 3}}))
	assert.True(t, doc.IsUnknownDocument())
}

func TestPatchOverlayIsPartial(t *testing.T) {
	key := MustKey("docs/C")
	doc := NewFoundDocument(key, Timestamp{Seconds: 1}, obj(map[string]interface{}{
		"a": 1, "nested": map[string]interface{}{"keep": true, "drop": 1},
	}))
	patch := NewPatchMutation(key, obj(map[string]interface{}{"a": 5}),
		NewFieldMask(MustParseFieldPath("a"), MustParseFieldPath("nested.drop")), PreconditionNone())

	mask := patch.ApplyToLocalView(doc, &FieldMask{}, Timestamp{})
	require.NotNil(t, mask)
	overlay := CalculateOverlayMutation(doc, mask)
	require.NotNil(t, overlay)
	assert.Equal(t, PatchMutation, overlay.Type)

	// Applying the overlay to the original remote document reproduces the local view.
	base := NewFoundDocument(key, Timestamp{Seconds: 1}, obj(map[string]interface{}{
		"a": 1, "nested": map[string]interface{}{"keep": true, "drop": 1},
	}))
	overlay.ApplyToLocalView(base, &FieldMask{}, Timestamp{})
	assert.True(t, base.Data().Equal(doc.Data()))
	_, ok := base.Field(MustParseFieldPath("nested.drop"))
	assert.False(t, ok)
}

func TestIncrementSaturates(t *testing.T) {
	key := MustKey("c/d")
	doc := NewFoundDocument(key, Timestamp{Seconds: 1}, ObjectFromMap(map[string]Value{"n": IntValue(math.MaxInt64 - 1)}))
	m := NewPatchMutation(key, NewObjectValue(), &FieldMask{}, PreconditionNone(),
		IncrementTransform(MustParseFieldPath("n"), IntValue(10)))
	m.ApplyToLocalView(doc, &FieldMask{}, Timestamp{})
	v, _ := doc.Field(MustParseFieldPath("n"))
	assert.Equal(t, int64(math.MaxInt64), v.Int())
}

func TestQueryNormalizationAndCanonicalID(t *testing.T) {
	f, err := NewFieldFilter(MustParseFieldPath("age"), OpGreaterThan, IntValue(21))
	require.NoError(t, err)
	q := NewQuery(NewResourcePath("users")).WithFilter(f)

	ob := q.NormalizedOrderBy()
	require.Len(t, ob, 2)
	assert.Equal(t, "age", ob[0].Field.CanonicalString())
	assert.True(t, ob[1].Field.IsKeyField())
	assert.Equal(t, "users|f:age>21|ob:ageasc,__name__asc", q.ToTarget().CanonicalID())
	assert.Equal(t, q.ToTarget().CanonicalID()+"|lt:f", q.CanonicalID())

	last := q.WithOrderBy(MustParseFieldPath("age"), Descending).WithLimitToLast(2)
	target := last.ToTarget()
	assert.Equal(t, Ascending, target.OrderBy[0].Direction)
	assert.NotEqual(t, last.CanonicalID(), last.WithLimitToFirst(2).CanonicalID())
}

func TestQueryMatches(t *testing.T) {
	inF, err := NewFieldFilter(MustParseFieldPath("tag"), OpIn, ArrayValue(StringValue("a"), StringValue("b")))
	require.NoError(t, err)
	q := NewQuery(NewResourcePath("items")).WithFilter(inF)

	match := NewFoundDocument(MustKey("items/1"), Timestamp{Seconds: 1}, obj(map[string]interface{}{"tag": "a"}))
	miss := NewFoundDocument(MustKey("items/2"), Timestamp{Seconds: 1}, obj(map[string]interface{}{"tag": "c"}))
	nested := NewFoundDocument(MustKey("items/1/sub/2"), Timestamp{Seconds: 1}, obj(map[string]interface{}{"tag": "a"}))
	assert.True(t, q.Matches(match))
	assert.False(t, q.Matches(miss))
	assert.False(t, q.Matches(nested))

	group := NewCollectionGroupQuery(ResourcePath{}, "sub")
	assert.True(t, group.Matches(nested))

	_, err = NewFieldFilter(MustParseFieldPath("tag"), OpIn, StringValue("a"))
	assert.Error(t, err)
}

func TestDocumentSetOrder(t *testing.T) {
	q := NewQuery(NewResourcePath("n")).WithOrderBy(MustParseFieldPath("v"), Descending)
	set := NewDocumentSet(q.Comparator())
	for i, v := range []int{3, 1, 2} {
		set.Add(NewFoundDocument(MustKey("n/"+string(rune('a'+i))), Timestamp{}, obj(map[string]interface{}{"v": v})))
	}
	docs := set.Docs()
	require.Len(t, docs, 3)
	assert.Equal(t, "n/a", docs[0].Key().String())
	assert.Equal(t, "n/b", docs[2].Key().String())

	clone := set.Clone()
	clone.Delete(MustKey("n/a"))
	assert.Equal(t, 3, set.Len())
	assert.Equal(t, 2, clone.Len())
}

func TestBatchCodecPreservesTransforms(t *testing.T) {
	key := MustKey("a/b")
	batch := &MutationBatch{
		BatchID:        7,
		LocalWriteTime: Timestamp{Seconds: 5, Nanos: 9},
		Mutations: []Mutation{
			NewPatchMutation(key, obj(map[string]interface{}{"x": 1.5, "s": "hi"}),
				NewFieldMask(MustParseFieldPath("x"), MustParseFieldPath("s")), PreconditionExists(true),
				ServerTimestampTransform(MustParseFieldPath("at")),
				IncrementTransform(MustParseFieldPath("n"), IntValue(1))),
			NewDeleteMutation(MustKey("a/c"), PreconditionNone()),
		},
	}
	codec := JSONCodec{}
	data, err := codec.EncodeBatch(batch)
	require.NoError(t, err)
	decoded, err := codec.DecodeBatch(data)
	require.NoError(t, err)
	assert.True(t, batch.Equal(decoded))

	nan, err := json.Marshal(DoubleValue(math.NaN()))
	require.NoError(t, err)
	var back Value
	require.NoError(t, json.Unmarshal(nan, &back))
	assert.True(t, back.IsNaN())
}
