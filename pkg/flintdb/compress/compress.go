// Package compress implements the small enum + dispatch table spec.md §9
// requires in place of a global mutable compressor registry: a [Codec] is
// resolved once, at Table.Open, from the schema's declared compressor, and
// Table applies it to each whole encoded row before storing it (and
// reverses it after reading).
package compress

import (
	"bytes"
	"io"

	"github.com/golang/snappy"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/fillmemory/flintdb/pkg/flintdb/ferr"
)

// Kind identifies a compressor from the schema's compressor column.
type Kind byte

const (
	KindNone Kind = iota
	KindDeflate
	KindSnappy
	KindLZ4
	KindZstd
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindDeflate:
		return "deflate"
	case KindSnappy:
		return "snappy"
	case KindLZ4:
		return "lz4"
	case KindZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

// ParseKind maps a .desc COMPRESSOR directive value to a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "", "none":
		return KindNone, nil
	case "deflate":
		return KindDeflate, nil
	case "snappy":
		return KindSnappy, nil
	case "lz4":
		return KindLZ4, nil
	case "zstd":
		return KindZstd, nil
	default:
		return 0, ferr.New(ferr.KindConstraint, "compress.ParseKind", "", nil)
	}
}

// Codec compresses and decompresses a variable-length payload blob.
type Codec interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// Registry resolves a Kind to its Codec, built once per Table.Open.
type Registry struct {
	codecs map[Kind]Codec
}

// NewRegistry constructs the dispatch table. Every Kind is always present
// (KindNone is the identity codec) so Resolve never needs to report "missing
// compressor" as a distinct failure mode.
func NewRegistry() *Registry {
	return &Registry{codecs: map[Kind]Codec{
		KindNone:    noneCodec{},
		KindDeflate: deflateCodec{},
		KindSnappy:  snappyCodec{},
		KindLZ4:     lz4Codec{},
		KindZstd:    zstdCodec{},
	}}
}

// Resolve returns the Codec for kind.
func (r *Registry) Resolve(kind Kind) (Codec, error) {
	c, ok := r.codecs[kind]
	if !ok {
		return nil, ferr.New(ferr.KindInternal, "compress.Resolve", "", nil)
	}
	return c, nil
}

type noneCodec struct{}

func (noneCodec) Compress(src []byte) ([]byte, error)   { return src, nil }
func (noneCodec) Decompress(src []byte) ([]byte, error) { return src, nil }

type deflateCodec struct{}

func (deflateCodec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	if err != nil {
		return nil, ferr.New(ferr.KindInternal, "compress.deflate.Compress", "", err)
	}
	if _, err := w.Write(src); err != nil {
		return nil, ferr.New(ferr.KindInternal, "compress.deflate.Compress", "", err)
	}
	if err := w.Close(); err != nil {
		return nil, ferr.New(ferr.KindInternal, "compress.deflate.Compress", "", err)
	}
	return buf.Bytes(), nil
}

func (deflateCodec) Decompress(src []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(src))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, ferr.New(ferr.KindCorruption, "compress.deflate.Decompress", "", err)
	}
	return out, nil
}

type snappyCodec struct{}

func (snappyCodec) Compress(src []byte) ([]byte, error) {
	return snappy.Encode(nil, src), nil
}

func (snappyCodec) Decompress(src []byte) ([]byte, error) {
	out, err := snappy.Decode(nil, src)
	if err != nil {
		return nil, ferr.New(ferr.KindCorruption, "compress.snappy.Decompress", "", err)
	}
	return out, nil
}

type lz4Codec struct{}

func (lz4Codec) Compress(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(src); err != nil {
		return nil, ferr.New(ferr.KindInternal, "compress.lz4.Compress", "", err)
	}
	if err := w.Close(); err != nil {
		return nil, ferr.New(ferr.KindInternal, "compress.lz4.Compress", "", err)
	}
	return buf.Bytes(), nil
}

func (lz4Codec) Decompress(src []byte) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(src))
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, ferr.New(ferr.KindCorruption, "compress.lz4.Decompress", "", err)
	}
	return out, nil
}

type zstdCodec struct{}

func (zstdCodec) Compress(src []byte) ([]byte, error) {
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, ferr.New(ferr.KindInternal, "compress.zstd.Compress", "", err)
	}
	defer enc.Close()
	return enc.EncodeAll(src, nil), nil
}

func (zstdCodec) Decompress(src []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, ferr.New(ferr.KindInternal, "compress.zstd.Decompress", "", err)
	}
	defer dec.Close()
	out, err := dec.DecodeAll(src, nil)
	if err != nil {
		return nil, ferr.New(ferr.KindCorruption, "compress.zstd.Decompress", "", err)
	}
	return out, nil
}
