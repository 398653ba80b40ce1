package codec_test

import (
	"errors"
	"reflect"
	"testing"

	flintdb "github.com/fillmemory/flintdb"
	"github.com/fillmemory/flintdb/pkg/flintdb/codec"
)

func testSchema() *codec.Schema {
	return &codec.Schema{
		Columns: []codec.Column{
			{Name: "id", Type: codec.ColU32, NotNull: true},
			{Name: "name", Type: codec.ColString, MaxBytes: 100},
			{Name: "age", Type: codec.ColU8},
			{Name: "salary", Type: codec.ColDecimal, Scale: 2},
		},
	}
}

func Test_Encode_Decode_Round_Trips_A_Row(t *testing.T) {
	t.Parallel()

	c := codec.New(testSchema())

	row := codec.Row{uint64(1), "Alice", uint64(30), int64(6000000)}

	enc, err := c.Encode(row)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := c.Decode(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if !reflect.DeepEqual(got, row) {
		t.Fatalf("Decode = %#v, want %#v", got, row)
	}
}

func Test_Encode_Decode_Round_Trips_With_Nulls(t *testing.T) {
	t.Parallel()

	c := codec.New(testSchema())
	row := codec.Row{uint64(2), nil, nil, nil}

	enc, err := c.Encode(row)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	got, err := c.Decode(enc)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if !reflect.DeepEqual(got, row) {
		t.Fatalf("Decode = %#v, want %#v", got, row)
	}
}

func Test_Encode_Rejects_Null_In_NotNull_Column(t *testing.T) {
	t.Parallel()

	c := codec.New(testSchema())
	row := codec.Row{nil, "Alice", uint64(30), int64(1)}

	_, err := c.Encode(row)
	if !errors.Is(err, flintdb.ErrConstraint) {
		t.Fatalf("Encode = %v, want ErrConstraint", err)
	}
}

func Test_Encode_Rejects_String_Exceeding_MaxBytes(t *testing.T) {
	t.Parallel()

	c := codec.New(testSchema())
	row := codec.Row{uint64(1), string(make([]byte, 200)), uint64(30), int64(1)}

	_, err := c.Encode(row)
	if !errors.Is(err, flintdb.ErrTypeMismatch) {
		t.Fatalf("Encode = %v, want ErrTypeMismatch", err)
	}
}

func Test_Decode_Rejects_A_Row_Truncated_In_Its_Last_Column(t *testing.T) {
	t.Parallel()

	c := codec.New(testSchema())
	row := codec.Row{uint64(1), "hi", uint64(1), int64(1)}

	enc, err := c.Encode(row)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	_, err = c.Decode(enc[:len(enc)-1])
	if !errors.Is(err, flintdb.ErrCorruption) {
		t.Fatalf("Decode = %v, want ErrCorruption", err)
	}
}
