package compress_test

import (
	"testing"

	"github.com/fillmemory/flintdb/pkg/flintdb/compress"
)

func Test_Every_Kind_Round_Trips(t *testing.T) {
	t.Parallel()

	reg := compress.NewRegistry()
	payload := []byte("the quick brown fox jumps over the lazy dog, repeated. " +
		"the quick brown fox jumps over the lazy dog, repeated.")

	for _, kind := range []compress.Kind{
		compress.KindNone, compress.KindDeflate, compress.KindSnappy,
		compress.KindLZ4, compress.KindZstd,
	} {
		kind := kind
		t.Run(kind.String(), func(t *testing.T) {
			t.Parallel()

			codec, err := reg.Resolve(kind)
			if err != nil {
				t.Fatalf("Resolve(%s) failed: %v", kind, err)
			}

			compressed, err := codec.Compress(payload)
			if err != nil {
				t.Fatalf("Compress failed: %v", err)
			}
			got, err := codec.Decompress(compressed)
			if err != nil {
				t.Fatalf("Decompress failed: %v", err)
			}
			if string(got) != string(payload) {
				t.Fatalf("round trip mismatch: got %q, want %q", got, payload)
			}
		})
	}
}

func Test_ParseKind_Rejects_Unknown_Name(t *testing.T) {
	t.Parallel()

	if _, err := compress.ParseKind("bzip2"); err == nil {
		t.Fatalf("ParseKind(bzip2) = nil error, want an error")
	}
}
