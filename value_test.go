package lumen

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func allValueSamples() []Value {
	return []Value{
		NullValue(),
		Int8Value(-8),
		Int16Value(-1600),
		Int32Value(-320000),
		Int64Value(-64000000000),
		Uint8Value(200),
		Uint16Value(60000),
		Uint32Value(4000000000),
		Uint64Value(18000000000000000000),
		Float32Value(1.5),
		Float64Value(-2.718281828459045),
		BoolValue(true),
		BoolValue(false),
		StringValue("hello, 世界"),
		StringValue(""),
		BlobValue([]byte{0x00, 0xff, 0x10}),
		BlobValue(nil),
		TimestampValue(1700000000123456),
		VectorValue([]float32{0.1, -0.2, 0.3}),
		JSONValue([]byte(`{"k":1}`)),
	}
}

func TestValueRoundTrip(t *testing.T) {
	t.Parallel()

	for _, v := range allValueSamples() {
		buf := make([]byte, v.SerializedSize())
		cursor := 0
		require.NoError(t, v.Serialize(buf, &cursor))
		require.Equal(t, v.SerializedSize(), cursor, "size must equal bytes written for %s", v.Type())

		cursor = 0
		got, err := DeserializeValue(buf, &cursor)
		require.NoError(t, err)
		require.Equal(t, v.SerializedSize(), cursor)
		assert.True(t, v.Equal(got), "round trip changed %s: %s != %s", v.Type(), v, got)
		assert.Equal(t, v.Type(), got.Type())
	}
}

func TestValueCursorAdvances(t *testing.T) {
	t.Parallel()

	var buf []byte
	samples := allValueSamples()
	for _, v := range samples {
		buf = v.AppendTo(buf)
	}

	cursor := 0
	for _, want := range samples {
		got, err := DeserializeValue(buf, &cursor)
		require.NoError(t, err)
		assert.True(t, want.Equal(got))
	}
	assert.Equal(t, len(buf), cursor)
}

func TestValueTruncated(t *testing.T) {
	t.Parallel()

	v := StringValue("truncate me")
	buf := v.AppendTo(nil)

	for cut := 0; cut < len(buf); cut++ {
		cursor := 0
		_, err := DeserializeValue(buf[:cut], &cursor)
		if cut == 0 {
			require.Error(t, err)
			continue
		}
		require.Error(t, err, "cut at %d must fail", cut)
		assert.True(t, IsCorruption(err))
	}
}

func TestValueUnknownTag(t *testing.T) {
	t.Parallel()

	cursor := 0
	_, err := DeserializeValue([]byte{99, 0, 0}, &cursor)
	require.Error(t, err)
	assert.Equal(t, CodeCorruption, Code(err))
}

func TestValueOrdering(t *testing.T) {
	t.Parallel()

	// Null sorts below everything.
	for _, v := range allValueSamples()[1:] {
		assert.Equal(t, -1, Compare(NullValue(), v), "null must sort below %s", v.Type())
		assert.Equal(t, 1, Compare(v, NullValue()))
	}

	// Within a tag, natural order.
	assert.Equal(t, -1, Compare(Int64Value(1), Int64Value(2)))
	assert.Equal(t, 0, Compare(Int64Value(7), Int64Value(7)))
	assert.Equal(t, 1, Compare(Uint64Value(10), Uint64Value(9)))
	assert.Equal(t, -1, Compare(StringValue("a"), StringValue("b")))
	assert.Equal(t, -1, Compare(BoolValue(false), BoolValue(true)))
	assert.Equal(t, -1, Compare(Float64Value(-1.0), Float64Value(0.5)))
	assert.Equal(t, -1, Compare(BlobValue([]byte{1}), BlobValue([]byte{1, 0})))
	assert.Equal(t, -1, Compare(VectorValue([]float32{1}), VectorValue([]float32{1, 0})))

	// Across tags, tag order.
	assert.Equal(t, -1, Compare(Int8Value(100), Int16Value(-100)))
	assert.Equal(t, -1, Compare(Uint64Value(5), StringValue("")))
	assert.Equal(t, 1, Compare(BlobValue(nil), StringValue("zzz")))
}

func TestValueFloatBitExact(t *testing.T) {
	t.Parallel()

	v := Float64Value(0.1 + 0.2)
	buf := v.AppendTo(nil)
	cursor := 0
	got, err := DeserializeValue(buf, &cursor)
	require.NoError(t, err)
	assert.Equal(t, v.Float64(), got.Float64())
}

func TestRowRoundTrip(t *testing.T) {
	t.Parallel()

	row := Row{Int32Value(1), StringValue("two"), Float64Value(3.0), NullValue()}
	buf := make([]byte, row.SerializedSize())
	cursor := 0
	require.NoError(t, row.Serialize(buf, &cursor))
	require.Equal(t, len(buf), cursor)

	cursor = 0
	got, err := DeserializeRow(buf, &cursor)
	require.NoError(t, err)
	require.Len(t, got, len(row))
	for i := range row {
		assert.True(t, row[i].Equal(got[i]))
	}
}
