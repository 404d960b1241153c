package wire

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueRoundTrip(t *testing.T) {
	id := uuid.MustParse("0191e7a4-5b3c-7def-8a01-23456789abcd")
	when := time.Date(2025, 6, 1, 12, 30, 0, 987654321, time.UTC)

	vals := []Value{
		Null(),
		Integer(-42),
		Real(3.25),
		Text("héllo, wörld"),
		Blob([]byte{0x00, 0xff, 0x10}),
		UUIDValue(id),
		Timestamp(when),
		Record([]byte(`{"k":"v"}`)),
	}

	decoded, err := DecodeValues(EncodeValues(vals))
	require.NoError(t, err)
	require.Len(t, decoded, len(vals))
	for i := range vals {
		assert.True(t, vals[i].Equal(decoded[i]), "value %d (%s)", i, vals[i].Type)
	}
	assert.Equal(t, when.UnixNano(), decoded[6].Time.UnixNano())
}

func TestEncodeValuesDeterministic(t *testing.T) {
	vals := []Value{Integer(7), Text("x"), Blob([]byte{1, 2})}
	assert.Equal(t, EncodeValues(vals), EncodeValues(vals))

	// Order matters.
	swapped := []Value{Text("x"), Integer(7), Blob([]byte{1, 2})}
	assert.NotEqual(t, EncodeValues(vals), EncodeValues(swapped))

	// Type matters even for look-alike payloads.
	assert.NotEqual(t,
		EncodeValues([]Value{Text("ab")}),
		EncodeValues([]Value{Blob([]byte("ab"))}))
}

func TestRowsRoundTrip(t *testing.T) {
	rs := Rows{
		Columns: []string{"id", "name", "score"},
		Rows: [][]Value{
			{Integer(1), Text("alice"), Real(9.5)},
			{Integer(2), Text("bob"), Null()},
		},
	}
	decoded, err := DecodeRows(EncodeRows(rs))
	require.NoError(t, err)
	assert.Equal(t, rs.Columns, decoded.Columns)
	require.Len(t, decoded.Rows, 2)
	assert.True(t, decoded.Rows[1][2].Equal(Null()))
	assert.Equal(t, "alice", decoded.Rows[0][1].AsText())
}

func TestEmptyRows(t *testing.T) {
	decoded, err := DecodeRows(EncodeRows(Rows{Columns: []string{"n"}}))
	require.NoError(t, err)
	assert.Equal(t, []string{"n"}, decoded.Columns)
	assert.Empty(t, decoded.Rows)
}

func TestBatchRoundTrip(t *testing.T) {
	stmts := []Statement{
		{SQL: "INSERT INTO t VALUES (?)", Params: []Value{Integer(1)}},
		{SQL: "SELECT * FROM t"},
	}
	decoded, err := DecodeBatch(EncodeBatch(stmts))
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	assert.Equal(t, "INSERT INTO t VALUES (?)", decoded[0].SQL)
	require.Len(t, decoded[0].Params, 1)
	assert.Equal(t, int64(1), decoded[0].Params[0].Integer)
	assert.Empty(t, decoded[1].Params)
}

func TestDecodeRejectsMalformedBuffers(t *testing.T) {
	good := EncodeValues([]Value{Text("hello"), Integer(1)})

	// Truncations at every prefix must error, never panic.
	for i := 0; i < len(good); i++ {
		_, err := DecodeValues(good[:i])
		assert.Error(t, err, "prefix of %d bytes", i)
	}

	// Trailing garbage is rejected.
	_, err := DecodeValues(append(append([]byte{}, good...), 0xde, 0xad))
	assert.Error(t, err)

	// Unknown type tag.
	_, err = DecodeValues([]byte{1, 0, 0, 0, 0x7f})
	assert.Error(t, err)

	// A length prefix pointing past the buffer must not allocate or crash.
	_, err = DecodeValues([]byte{1, 0, 0, 0, byte(TypeText), 0xff, 0xff, 0xff, 0xff})
	assert.Error(t, err)
}

func TestArgConversions(t *testing.T) {
	id := uuid.New()
	when := time.Unix(1700000000, 42).UTC()

	assert.Nil(t, Null().Arg())
	assert.Equal(t, int64(5), Integer(5).Arg())
	assert.Equal(t, 2.5, Real(2.5).Arg())
	assert.Equal(t, "s", Text("s").Arg())
	assert.Equal(t, []byte(id[:]), UUIDValue(id).Arg())
	assert.Equal(t, when.UnixNano(), Timestamp(when).Arg())
}

func TestValueOf(t *testing.T) {
	assert.Equal(t, TypeNull, ValueOf(nil).Type)
	assert.Equal(t, int64(3), ValueOf(int64(3)).Integer)
	assert.Equal(t, 1.5, ValueOf(1.5).Real)
	assert.Equal(t, "x", ValueOf("x").Text)
	assert.Equal(t, int64(1), ValueOf(true).Integer)

	// Scanned byte slices are copied, not aliased.
	src := []byte{1, 2, 3}
	v := ValueOf(src)
	src[0] = 9
	assert.Equal(t, []byte{1, 2, 3}, v.Blob)
}
