// Package wire defines the typed value model of the access layer and the
// length-prefixed buffer format crossing the foreign boundary.
//
// Every value is encoded as a one-byte type tag followed by its payload.
// Fixed-width payloads (integer, real, uuid, timestamp) are written directly;
// variable-width payloads (text, blob, record) are length-prefixed with a
// 32-bit little-endian count. Multi-value sequences are prefixed with a
// 32-bit element count.
package wire

import (
	"encoding/binary"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Type tags a Value's payload on the wire.
type Type byte

const (
	TypeNull Type = iota
	TypeInteger
	TypeReal
	TypeText
	TypeBlob
	TypeUUID
	TypeTimestamp
	// TypeRecord carries an opaque serialized value. The access layer does
	// not interpret its payload; it is stored and returned as a blob.
	TypeRecord
)

func (t Type) String() string {
	switch t {
	case TypeNull:
		return "null"
	case TypeInteger:
		return "integer"
	case TypeReal:
		return "real"
	case TypeText:
		return "text"
	case TypeBlob:
		return "blob"
	case TypeUUID:
		return "uuid"
	case TypeTimestamp:
		return "timestamp"
	case TypeRecord:
		return "record"
	}
	return "unknown"
}

// Value is a single typed column or parameter value.
type Value struct {
	Type    Type
	Integer int64
	Real    float64
	Text    string
	Blob    []byte
	UUID    uuid.UUID
	Time    time.Time
}

// Null returns the null Value.
func Null() Value { return Value{Type: TypeNull} }

// Integer returns an integer Value.
func Integer(i int64) Value { return Value{Type: TypeInteger, Integer: i} }

// Real returns a floating-point Value.
func Real(f float64) Value { return Value{Type: TypeReal, Real: f} }

// Text returns a text Value.
func Text(s string) Value { return Value{Type: TypeText, Text: s} }

// Blob returns a binary Value.
func Blob(b []byte) Value { return Value{Type: TypeBlob, Blob: b} }

// UUIDValue returns a UUID Value.
func UUIDValue(u uuid.UUID) Value { return Value{Type: TypeUUID, UUID: u} }

// Timestamp returns a timestamp Value.
func Timestamp(t time.Time) Value { return Value{Type: TypeTimestamp, Time: t} }

// Record returns an opaque serialized Value.
func Record(b []byte) Value { return Value{Type: TypeRecord, Blob: b} }

// Arg converts v to the representation passed to the storage driver.
// UUIDs are stored as 16-byte blobs, timestamps as integer Unix nanoseconds,
// so that round trips through the engine are deterministic.
func (v Value) Arg() interface{} {
	switch v.Type {
	case TypeNull:
		return nil
	case TypeInteger:
		return v.Integer
	case TypeReal:
		return v.Real
	case TypeText:
		return v.Text
	case TypeBlob, TypeRecord:
		return v.Blob
	case TypeUUID:
		return v.UUID[:]
	case TypeTimestamp:
		return v.Time.UnixNano()
	}
	return nil
}

// ValueOf converts a value scanned from the storage driver into a Value.
// The engine's column types are not self-describing beyond SQLite's storage
// classes, so scanned values map to null, integer, real, text or blob.
func ValueOf(x interface{}) Value {
	switch t := x.(type) {
	case nil:
		return Null()
	case int64:
		return Integer(t)
	case float64:
		return Real(t)
	case string:
		return Text(t)
	case []byte:
		// Defensive copy: the driver reuses scan buffers across rows.
		b := make([]byte, len(t))
		copy(b, t)
		return Blob(b)
	case bool:
		if t {
			return Integer(1)
		}
		return Integer(0)
	case time.Time:
		return Timestamp(t)
	}
	return Null()
}

// AsText returns the value's textual payload. The storage driver reports
// text columns as raw bytes, so blob-typed values are rendered as well.
func (v Value) AsText() string {
	if v.Type == TypeText {
		return v.Text
	}
	return string(v.Blob)
}

// Equal reports whether v and o carry the same type and payload.
func (v Value) Equal(o Value) bool {
	if v.Type != o.Type {
		return false
	}
	switch v.Type {
	case TypeNull:
		return true
	case TypeInteger:
		return v.Integer == o.Integer
	case TypeReal:
		return v.Real == o.Real
	case TypeText:
		return v.Text == o.Text
	case TypeBlob, TypeRecord:
		return string(v.Blob) == string(o.Blob)
	case TypeUUID:
		return v.UUID == o.UUID
	case TypeTimestamp:
		return v.Time.Equal(o.Time)
	}
	return false
}

// AppendValue appends the encoding of v to buf.
func AppendValue(buf []byte, v Value) []byte {
	buf = append(buf, byte(v.Type))
	switch v.Type {
	case TypeNull:
	case TypeInteger:
		buf = appendUint64(buf, uint64(v.Integer))
	case TypeReal:
		buf = appendUint64(buf, math.Float64bits(v.Real))
	case TypeText:
		buf = appendUint32(buf, uint32(len(v.Text)))
		buf = append(buf, v.Text...)
	case TypeBlob, TypeRecord:
		buf = appendUint32(buf, uint32(len(v.Blob)))
		buf = append(buf, v.Blob...)
	case TypeUUID:
		buf = append(buf, v.UUID[:]...)
	case TypeTimestamp:
		buf = appendUint64(buf, uint64(v.Time.UnixNano()))
	}
	return buf
}

// EncodeValues encodes an ordered parameter or column-value sequence.
func EncodeValues(vals []Value) []byte {
	buf := appendUint32(nil, uint32(len(vals)))
	for _, v := range vals {
		buf = AppendValue(buf, v)
	}
	return buf
}

// DecodeValues decodes a sequence produced by EncodeValues.
func DecodeValues(buf []byte) ([]Value, error) {
	r := &reader{buf: buf}
	vals, err := r.values()
	if err != nil {
		return nil, err
	}
	if r.off != len(buf) {
		return nil, errors.Errorf("wire: %d trailing bytes after values", len(buf)-r.off)
	}
	return vals, nil
}

// Rows is a decoded result set: ordered columns and ordered rows of typed
// values.
type Rows struct {
	Columns []string
	Rows    [][]Value
}

// EncodeRows encodes a result set.
func EncodeRows(rs Rows) []byte {
	buf := appendUint32(nil, uint32(len(rs.Columns)))
	for _, c := range rs.Columns {
		buf = appendUint32(buf, uint32(len(c)))
		buf = append(buf, c...)
	}
	buf = appendUint32(buf, uint32(len(rs.Rows)))
	for _, row := range rs.Rows {
		buf = appendUint32(buf, uint32(len(row)))
		for _, v := range row {
			buf = AppendValue(buf, v)
		}
	}
	return buf
}

// DecodeRows decodes a result set produced by EncodeRows.
func DecodeRows(buf []byte) (Rows, error) {
	r := &reader{buf: buf}
	var rs Rows

	ncols, err := r.uint32()
	if err != nil {
		return rs, err
	}
	for i := uint32(0); i < ncols; i++ {
		c, err := r.lengthPrefixed()
		if err != nil {
			return rs, err
		}
		rs.Columns = append(rs.Columns, string(c))
	}
	nrows, err := r.uint32()
	if err != nil {
		return rs, err
	}
	for i := uint32(0); i < nrows; i++ {
		row, err := r.values()
		if err != nil {
			return rs, err
		}
		rs.Rows = append(rs.Rows, row)
	}
	if r.off != len(buf) {
		return rs, errors.Errorf("wire: %d trailing bytes after rows", len(buf)-r.off)
	}
	return rs, nil
}

// Statement pairs statement text with its ordered bound parameters.
type Statement struct {
	SQL    string
	Params []Value
}

// EncodeBatch encodes an ordered statement batch for execute_transaction.
func EncodeBatch(stmts []Statement) []byte {
	buf := appendUint32(nil, uint32(len(stmts)))
	for _, s := range stmts {
		buf = appendUint32(buf, uint32(len(s.SQL)))
		buf = append(buf, s.SQL...)
		buf = appendUint32(buf, uint32(len(s.Params)))
		for _, v := range s.Params {
			buf = AppendValue(buf, v)
		}
	}
	return buf
}

// DecodeBatch decodes a batch produced by EncodeBatch.
func DecodeBatch(buf []byte) ([]Statement, error) {
	r := &reader{buf: buf}
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	var stmts []Statement
	for i := uint32(0); i < n; i++ {
		sql, err := r.lengthPrefixed()
		if err != nil {
			return nil, err
		}
		params, err := r.values()
		if err != nil {
			return nil, err
		}
		stmts = append(stmts, Statement{SQL: string(sql), Params: params})
	}
	if r.off != len(buf) {
		return nil, errors.Errorf("wire: %d trailing bytes after batch", len(buf)-r.off)
	}
	return stmts, nil
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) uint32() (uint32, error) {
	if r.off+4 > len(r.buf) {
		return 0, errors.New("wire: truncated uint32")
	}
	v := binary.LittleEndian.Uint32(r.buf[r.off:])
	r.off += 4
	return v, nil
}

func (r *reader) uint64() (uint64, error) {
	if r.off+8 > len(r.buf) {
		return 0, errors.New("wire: truncated uint64")
	}
	v := binary.LittleEndian.Uint64(r.buf[r.off:])
	r.off += 8
	return v, nil
}

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || r.off+n > len(r.buf) {
		return nil, errors.Errorf("wire: truncated payload of %d bytes", n)
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) lengthPrefixed() ([]byte, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	return r.take(int(n))
}

func (r *reader) value() (Value, error) {
	if r.off >= len(r.buf) {
		return Value{}, errors.New("wire: truncated value tag")
	}
	t := Type(r.buf[r.off])
	r.off++

	switch t {
	case TypeNull:
		return Null(), nil
	case TypeInteger:
		u, err := r.uint64()
		if err != nil {
			return Value{}, err
		}
		return Integer(int64(u)), nil
	case TypeReal:
		u, err := r.uint64()
		if err != nil {
			return Value{}, err
		}
		return Real(math.Float64frombits(u)), nil
	case TypeText:
		b, err := r.lengthPrefixed()
		if err != nil {
			return Value{}, err
		}
		return Text(string(b)), nil
	case TypeBlob, TypeRecord:
		b, err := r.lengthPrefixed()
		if err != nil {
			return Value{}, err
		}
		v := Value{Type: t, Blob: make([]byte, len(b))}
		copy(v.Blob, b)
		return v, nil
	case TypeUUID:
		b, err := r.take(16)
		if err != nil {
			return Value{}, err
		}
		var u uuid.UUID
		copy(u[:], b)
		return UUIDValue(u), nil
	case TypeTimestamp:
		u, err := r.uint64()
		if err != nil {
			return Value{}, err
		}
		return Timestamp(time.Unix(0, int64(u)).UTC()), nil
	}
	return Value{}, errors.Errorf("wire: unknown type tag 0x%02x", byte(t))
}

func (r *reader) values() ([]Value, error) {
	n, err := r.uint32()
	if err != nil {
		return nil, err
	}
	var vals []Value
	for i := uint32(0); i < n; i++ {
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		vals = append(vals, v)
	}
	return vals, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
