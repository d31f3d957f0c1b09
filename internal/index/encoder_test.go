package index

import (
	"bytes"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/steveyegge/docsync/internal/model"
)

func TestEncodingMatchesValueOrder(t *testing.T) {
	values := []model.Value{
		model.NullValue(),
		model.BoolValue(false),
		model.BoolValue(true),
		model.DoubleValue(math.NaN()),
		model.DoubleValue(math.Inf(-1)),
		model.IntValue(-100),
		model.DoubleValue(-1.5),
		model.IntValue(0),
		model.DoubleValue(0.5),
		model.IntValue(1),
		model.DoubleValue(math.Inf(1)),
		model.TimestampValue(model.Timestamp{Seconds: -1}),
		model.TimestampValue(model.Timestamp{Seconds: 1, Nanos: 5}),
		model.StringValue(""),
		model.StringValue("a"),
		model.StringValue("a\x00"),
		model.StringValue("ab"),
		model.StringValue("b"),
		model.BytesValue([]byte{0}),
		model.BytesValue([]byte{1}),
		model.ReferenceValue(model.MustKey("a/b")),
		model.ReferenceValue(model.MustKey("a/b/c/d")),
		model.GeoPointValue(-10, 5),
		model.GeoPointValue(10, -5),
		model.ArrayValue(),
		model.ArrayValue(model.IntValue(1)),
		model.ArrayValue(model.IntValue(1), model.IntValue(2)),
		model.ArrayValue(model.StringValue("a")),
		model.MapValue(map[string]model.Value{}),
		model.MapValue(map[string]model.Value{"a": model.IntValue(1)}),
		model.MapValue(map[string]model.Value{"a": model.IntValue(2)}),
		model.MapValue(map[string]model.Value{"b": model.IntValue(0)}),
	}

	for i := 1; i < len(values); i++ {
		prev, cur := values[i-1], values[i]
		assert.Negative(t, bytes.Compare(Encode(prev, Ascending), Encode(cur, Ascending)),
			"%s should encode before %s", prev, cur)
		assert.Positive(t, bytes.Compare(Encode(prev, Descending), Encode(cur, Descending)),
			"%s should encode after %s when descending", prev, cur)
	}
	last := Encode(values[len(values)-1], Ascending)
	assert.Negative(t, bytes.Compare(last, AppendInfinity(nil)))
}

func TestMixedNumbersEncodeEqually(t *testing.T) {
	assert.Equal(t, Encode(model.IntValue(3), Ascending), Encode(model.DoubleValue(3), Ascending))
	assert.Equal(t, Encode(model.DoubleValue(0), Ascending), Encode(model.DoubleValue(math.Copysign(0, -1)), Ascending))
}

func TestCompositeSegmentsOrder(t *testing.T) {
	row := func(a int64, b string) []byte {
		dst := AppendSegment(nil, model.IntValue(a), Ascending)
		return AppendSegment(dst, model.StringValue(b), Descending)
	}
	assert.Negative(t, bytes.Compare(row(1, "z"), row(1, "a")))
	assert.Negative(t, bytes.Compare(row(1, "a"), row(2, "z")))
	assert.Equal(t, Descending, DirectionOf(model.SegmentDescending))
	assert.Equal(t, Ascending, DirectionOf(model.SegmentContains))
}
