package codec

import (
	"fmt"
	"math"

	"github.com/fillmemory/flintdb/pkg/flintdb/ferr"
)

// keyColumnWidth returns the fixed on-disk width of col when used as one
// component of a composite index key (spec.md §3: "composite keys are
// encoded by concatenation with a fixed per-column width"). Unlike
// fixedWidth, variable columns get a width too: their declared MaxBytes,
// since an index key cannot itself be length-prefixed and stay
// fixed-width for B+Tree node layout purposes.
func keyColumnWidth(col Column) (int, error) {
	if w := fixedWidth(col.Type); w > 0 {
		return w, nil
	}
	switch col.Type {
	case ColString, ColBytes:
		if col.MaxBytes <= 0 {
			return 0, fmt.Errorf("column %q: STRING/BYTES index column needs a declared MaxBytes", col.Name)
		}
		return col.MaxBytes, nil
	default:
		return 0, fmt.Errorf("column %q: type %s cannot be used as an index key", col.Name, col.Type)
	}
}

// KeyWidth returns the total fixed width of the composite key formed by
// concatenating columns (in the given order) from schema.
func KeyWidth(schema *Schema, columns []string) (int, error) {
	total := 0
	for _, name := range columns {
		col, ok := findColumn(schema, name)
		if !ok {
			return 0, fmt.Errorf("unknown column %q", name)
		}
		w, err := keyColumnWidth(col)
		if err != nil {
			return 0, err
		}
		total += w
	}
	return total, nil
}

func findColumn(schema *Schema, name string) (Column, bool) {
	for _, c := range schema.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// EncodeKey builds the fixed-width, order-preserving composite key for
// columns out of row. ok is false (and key nil) if any key column's value
// is NULL, signalling the caller (Table) to omit this row from the index
// rather than indexing a NULL.
func EncodeKey(schema *Schema, columns []string, row Row) (key []byte, ok bool, err error) {
	var buf []byte
	for _, name := range columns {
		idx, col, found := findColumnIndex(schema, name)
		if !found {
			return nil, false, ferr.New(ferr.KindInternal, "codec.EncodeKey", "", fmt.Errorf("unknown column %q", name))
		}
		if idx >= len(row) || row[idx] == nil {
			return nil, false, nil
		}
		enc, err := encodeKeyColumn(col, row[idx])
		if err != nil {
			return nil, false, err
		}
		buf = append(buf, enc...)
	}
	return buf, true, nil
}

func findColumnIndex(schema *Schema, name string) (int, Column, bool) {
	for i, c := range schema.Columns {
		if c.Name == name {
			return i, c, true
		}
	}
	return 0, Column{}, false
}

// encodeKeyColumn encodes v as a fixed-width, big-endian, byte-lexicographic
// order-preserving representation: bytes.Compare(encode(a), encode(b)) must
// agree with the column's natural ordering for all valid a, b. Signed
// integers flip their sign bit (two's complement -> offset binary);
// floats apply the standard monotonic IEEE-754 bit transform; strings and
// bytes are right zero-padded to MaxBytes (0x00 sorts below any byte a
// caller can put in a STRING/BYTES value).
func encodeKeyColumn(col Column, v any) ([]byte, error) {
	switch col.Type {
	case ColI8:
		return []byte{byte(mustInt64(v)) ^ 0x80}, nil
	case ColU8:
		return []byte{byte(mustUint64(v))}, nil
	case ColI16:
		return putBE16(uint16(mustInt64(v)) ^ 0x8000), nil
	case ColU16:
		return putBE16(uint16(mustUint64(v))), nil
	case ColI32, ColDate:
		return putBE32(uint32(mustInt64(v)) ^ 0x80000000), nil
	case ColU32:
		return putBE32(uint32(mustUint64(v))), nil
	case ColI64, ColDecimal, ColTime:
		return putBE64(uint64(mustInt64(v)) ^ 0x8000000000000000), nil
	case ColU64:
		return putBE64(mustUint64(v)), nil
	case ColF32:
		f, ok := v.(float32)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		bits := math.Float32bits(f)
		if bits&0x80000000 != 0 {
			bits = ^bits
		} else {
			bits |= 0x80000000
		}
		return putBE32(bits), nil
	case ColF64:
		f, ok := v.(float64)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		bits := math.Float64bits(f)
		if bits&0x8000000000000000 != 0 {
			bits = ^bits
		} else {
			bits |= 0x8000000000000000
		}
		return putBE64(bits), nil
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
		return padRight([]byte(s), col.MaxBytes)
	case ColBytes:
		b, ok := v.([]byte)
		if !ok {
			return nil, typeMismatch(col, v)
		}
		return padRight(b, col.MaxBytes)
	default:
		return nil, typeMismatch(col, v)
	}
}

func padRight(data []byte, width int) ([]byte, error) {
	if len(data) > width {
		return nil, fmt.Errorf("value length %d exceeds key width %d", len(data), width)
	}
	out := make([]byte, width)
	copy(out, data)
	return out, nil
}

func putBE16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }

func putBE32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func putBE64(v uint64) []byte {
	out := make([]byte, 8)
	for i := 0; i < 8; i++ {
		out[i] = byte(v >> uint(56-8*i))
	}
	return out
}
