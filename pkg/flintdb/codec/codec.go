// Package codec implements RowCodec: encoding and decoding of typed rows to
// and from the fixed-width binary format BlockStorage persists, plus a
// schema descriptor format grounded on the teacher's pkg/mddb/schema.go
// column-builder API and the KEY=VALUE descriptor lines used throughout the
// teacher's config files.
package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/fillmemory/flintdb/pkg/flintdb/ferr"
)

// ColumnType enumerates the column types a Schema may declare.
type ColumnType int

const (
	ColI8 ColumnType = iota
	ColU8
	ColI16
	ColU16
	ColI32
	ColU32
	ColI64
	ColU64
	ColF32
	ColF64
	ColDecimal
	ColString
	ColBytes
	ColDate
	ColTime
	ColUUID
	ColIPv6
	ColNil
)

func (t ColumnType) String() string {
	switch t {
	case ColI8:
		return "I8"
	case ColU8:
		return "U8"
	case ColI16:
		return "I16"
	case ColU16:
		return "U16"
	case ColI32:
		return "I32"
	case ColU32:
		return "U32"
	case ColI64:
		return "I64"
	case ColU64:
		return "U64"
	case ColF32:
		return "F32"
	case ColF64:
		return "F64"
	case ColDecimal:
		return "DECIMAL"
	case ColString:
		return "STRING"
	case ColBytes:
		return "BYTES"
	case ColDate:
		return "DATE"
	case ColTime:
		return "TIME"
	case ColUUID:
		return "UUID"
	case ColIPv6:
		return "IPV6"
	case ColNil:
		return "NIL"
	default:
		return "UNKNOWN"
	}
}

// fixedWidth returns the on-disk width of a fixed-width column type, or 0
// for variable-width types (STRING, BYTES), which are length-prefixed.
func fixedWidth(t ColumnType) int {
	switch t {
	case ColI8, ColU8:
		return 1
	case ColI16, ColU16:
		return 2
	case ColI32, ColU32, ColDate:
		return 4
	case ColI64, ColU64, ColDecimal, ColTime:
		return 8
	case ColF32:
		return 4
	case ColF64:
		return 8
	case ColUUID, ColIPv6:
		return 16
	case ColNil:
		return 0
	default:
		return 0 // variable width
	}
}

// Column describes one column of a Schema.
type Column struct {
	Name     string
	Type     ColumnType
	MaxBytes int // declared max length for STRING/BYTES; for DECIMAL(p,s), the precision p
	Scale    int // DECIMAL(p,s): number of fractional digits
	NotNull  bool
	Default  any
}

// Schema is the ordered list of columns a RowCodec encodes and decodes
// against. Schema is immutable after Table creation, per spec.md §3: "a
// schema change means a new table."
type Schema struct {
	Columns []Column
}

// NullBitmapBytes returns ⌈n/8⌉, the size of the leading NULL bitmap.
func (s *Schema) NullBitmapBytes() int {
	return (len(s.Columns) + 7) / 8
}

// Row is a decoded record: one value per schema column, indexed the same
// way as Schema.Columns. A nil entry means NULL.
type Row []any

// Codec encodes and decodes Rows against a fixed Schema using the spec's
// fixed-width binary format: a leading NULL bitmap, then fixed-width
// columns verbatim and variable-width columns as (u32 LE length, bytes),
// padded to MaxBytes.
type Codec struct {
	schema *Schema
}

// New returns a Codec bound to schema.
func New(schema *Schema) *Codec {
	return &Codec{schema: schema}
}

func (c *Codec) Schema() *Schema { return c.schema }

// Encode serializes row into the fixed-width binary format.
func (c *Codec) Encode(row Row) ([]byte, error) {
	if len(row) != len(c.schema.Columns) {
		return nil, ferr.New(ferr.KindTypeMismatch, "codec.Encode", "", fmt.Errorf("row has %d values, schema has %d columns", len(row), len(c.schema.Columns)))
	}

	bitmapLen := c.schema.NullBitmapBytes()
	bitmap := make([]byte, bitmapLen)
	body := make([]byte, 0, 64)

	for i, col := range c.schema.Columns {
		v := row[i]
		if v == nil {
			if col.NotNull {
				return nil, ferr.New(ferr.KindConstraint, "codec.Encode", "", fmt.Errorf("column %q is NOT NULL", col.Name))
			}
			bitmap[i/8] |= 1 << uint(i%8)
			continue
		}

		enc, err := encodeValue(col, v)
		if err != nil {
			return nil, err
		}
		body = append(body, enc...)
	}

	out := make([]byte, 0, bitmapLen+len(body))
	out = append(out, bitmap...)
	out = append(out, body...)
	return out, nil
}

// Decode reverses Encode.
func (c *Codec) Decode(data []byte) (Row, error) {
	bitmapLen := c.schema.NullBitmapBytes()
	if len(data) < bitmapLen {
		return nil, ferr.New(ferr.KindCorruption, "codec.Decode", "", fmt.Errorf("row shorter than null bitmap"))
	}
	bitmap := data[:bitmapLen]
	rest := data[bitmapLen:]

	row := make(Row, len(c.schema.Columns))
	for i, col := range c.schema.Columns {
		isNull := bitmap[i/8]&(1<<uint(i%8)) != 0
		if isNull {
			row[i] = nil
			continue
		}

		v, n, err := decodeValue(col, rest)
		if err != nil {
			return nil, err
		}
		row[i] = v
		rest = rest[n:]
	}

	return row, nil
}

func encodeValue(col Column, v any) ([]byte, error) {
	switch col.Type {
	case ColI8:
		return []byte{byte(mustInt64(v))}, nil
	case ColU8:
		return []byte{byte(mustUint64(v))}, nil
	case ColI16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(mustInt64(v)))
		return b, nil
	case ColU16:
		b := make([]byte, 2)
		binary.LittleEndian.PutUint16(b, uint16(mustUint64(v)))
		return b, nil
	case ColI32, ColDate:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(mustInt64(v)))
		return b, nil
	case ColU32:
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, uint32(mustUint64(v)))
		return b, nil
	case ColI64, ColDecimal, ColTime:
		n := mustInt64(v)
		if col.Type == ColDecimal && col.MaxBytes > 0 && col.MaxBytes < 19 {
			limit := int64(1)
			for i := 0; i < col.MaxBytes; i++ {
				limit *= 10
			}
			if n >= limit || n <= -limit {
				return nil, ferr.New(ferr.KindNumericOverflow, "codec.Encode", "", fmt.Errorf("column %q: value %d exceeds DECIMAL(%d,%d)", col.Name, n, col.MaxBytes, col.Scale))
			}
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, uint64(n))
		return b, nil
	case ColU64:
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, mustUint64(v))
		return b, nil
	case ColF32:
		f, ok := v.(float32)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		b := make([]byte, 4)
		binary.LittleEndian.PutUint32(b, math.Float32bits(f))
		return b, nil
	case ColF64:
		f, ok := v.(float64)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		b := make([]byte, 8)
		binary.LittleEndian.PutUint64(b, math.Float64bits(f))
		return b, nil
	case ColUUID, ColIPv6:
		b, ok := v.([16]byte)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		out := make([]byte, 16)
		copy(out, b[:])
		return out, nil
	case ColString:
		s, ok := v.(string)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		return encodeVariable(col, []byte(s))
	case ColBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		return encodeVariable(col, b)
	case ColNil:
		return nil, nil
	default:
		return nil, typeMismatch(col, v)
	}
}

func encodeVariable(col Column, data []byte) ([]byte, error) {
	if col.MaxBytes > 0 && len(data) > col.MaxBytes {
		return nil, ferr.New(ferr.KindTypeMismatch, "codec.Encode", "", fmt.Errorf("column %q: value length %d exceeds max %d", col.Name, len(data), col.MaxBytes))
	}

	padded := data
	if col.MaxBytes > 0 {
		padded = make([]byte, col.MaxBytes)
		copy(padded, data)
	}

	out := make([]byte, 4+len(padded))
	binary.LittleEndian.PutUint32(out, uint32(len(data)))
	copy(out[4:], padded)
	return out, nil
}

func decodeValue(col Column, data []byte) (any, int, error) {
	w := fixedWidth(col.Type)

	if w > 0 && len(data) < w {
		return nil, 0, ferr.New(ferr.KindCorruption, "codec.Decode", "", fmt.Errorf("column %q: need %d bytes, have %d", col.Name, w, len(data)))
	}

	switch col.Type {
	case ColI8:
		return int64(int8(data[0])), 1, nil
	case ColU8:
		return uint64(data[0]), 1, nil
	case ColI16:
		return int64(int16(binary.LittleEndian.Uint16(data))), w, nil
	case ColU16:
		return uint64(binary.LittleEndian.Uint16(data)), w, nil
	case ColI32, ColDate:
		return int64(int32(binary.LittleEndian.Uint32(data))), w, nil
	case ColU32:
		return uint64(binary.LittleEndian.Uint32(data)), w, nil
	case ColI64, ColDecimal, ColTime:
		return int64(binary.LittleEndian.Uint64(data)), w, nil
	case ColU64:
		return binary.LittleEndian.Uint64(data), w, nil
	case ColF32:
		return math.Float32frombits(binary.LittleEndian.Uint32(data)), w, nil
	case ColF64:
		return math.Float64frombits(binary.LittleEndian.Uint64(data)), w, nil
	case ColUUID, ColIPv6:
		var b [16]byte
		copy(b[:], data[:16])
		return b, 16, nil
	case ColString:
		v, n, err := decodeVariable(col, data)
		if err != nil {
			return nil, 0, err
		}
		return string(v), n, nil
	case ColBytes:
		return decodeVariable(col, data)
	case ColNil:
		return nil, 0, nil
	default:
		return nil, 0, ferr.New(ferr.KindInternal, "codec.Decode", "", fmt.Errorf("unknown column type %v", col.Type))
	}
}

func decodeVariable(col Column, data []byte) ([]byte, int, error) {
	if len(data) < 4 {
		return nil, 0, ferr.New(ferr.KindCorruption, "codec.Decode", "", fmt.Errorf("truncated length prefix for column %q", col.Name))
	}
	length := int(binary.LittleEndian.Uint32(data))
	if length < 0 || 4+length > len(data) {
		return nil, 0, ferr.New(ferr.KindCorruption, "codec.Decode", "", fmt.Errorf("column %q: length %d out of bounds", col.Name, length))
	}

	padded := col.MaxBytes
	if padded < length {
		padded = length
	}
	if 4+padded > len(data) {
		padded = length
	}

	out := make([]byte, length)
	copy(out, data[4:4+length])
	return out, 4 + padded, nil
}

func typeMismatch(col Column, v any) error {
	return ferr.New(ferr.KindTypeMismatch, "codec.Encode", "", fmt.Errorf("column %q (%s): value %v has wrong Go type %T", col.Name, col.Type, v, v))
}

func mustInt64(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case int16:
		return int64(n)
	case int8:
		return int64(n)
	default:
		return 0
	}
}

func mustUint64(v any) uint64 {
	switch n := v.(type) {
	case uint64:
		return n
	case uint:
		return uint64(n)
	case uint32:
		return uint64(n)
	case uint16:
		return uint64(n)
	case uint8:
		return uint64(n)
	default:
		return 0
	}
}
