// Package flintdb is an embeddable columnar/row-oriented storage engine:
// block-addressed mmap-backed tables, persistent B+Tree and hash indexes,
// a crash-safe write-ahead log, and an external merge sort for bulk loads. See the package-level doc comment in table.go for usage.
package flintdb

import "github.com/fillmemory/flintdb/pkg/flintdb/ferr"

// Kind, Error and the Err* sentinels are aliases onto [ferr], the leaf
// package that every flintdb subpackage (block, codec, btree, hashindex,
// wal, rowcache, compress, sortrun) reports failures through. Table itself
// needs those subpackages, so the taxonomy can't live here without an
// import cycle; it is re-exported here so callers of this package see one
// type, not ferr.Error leaking out of an internal package.
type Kind = ferr.Kind

const (
	KindIO              = ferr.KindIO
	KindCorruption      = ferr.KindCorruption
	KindConstraint      = ferr.KindConstraint
	KindTypeMismatch    = ferr.KindTypeMismatch
	KindNumericOverflow = ferr.KindNumericOverflow
	KindBusy            = ferr.KindBusy
	KindCancelled       = ferr.KindCancelled
	KindInternal        = ferr.KindInternal
)

// Error is the uniform error type returned by every public flintdb API.
//
// Use [errors.Is] against the Err* sentinels to classify failures, and
// [errors.As] to recover the structured fields:
//
//	var fErr *flintdb.Error
//	if errors.As(err, &fErr) {
//	    log.Printf("%s failed at %s: %v", fErr.Op, fErr.Path, fErr.Kind)
//	}
type Error = ferr.Error

// Sentinel errors for use with errors.Is. Every [*Error] returned by this
// module unwraps to exactly one of these.
var (
	ErrIO              = ferr.ErrIO
	ErrCorruption      = ferr.ErrCorruption
	ErrConstraint      = ferr.ErrConstraint
	ErrTypeMismatch    = ferr.ErrTypeMismatch
	ErrNumericOverflow = ferr.ErrNumericOverflow
	ErrBusy            = ferr.ErrBusy
	ErrCancelled       = ferr.ErrCancelled
	ErrInternal        = ferr.ErrInternal
)

// NewError builds an [*Error], for use by internal subpackages (codec, wal,
// btree, hashindex, rowcache, sortrun) that need to report kind-classified
// failures.
func NewError(kind Kind, op string, path string, cause error) *Error {
	return ferr.New(kind, op, path, cause)
}

// newErr is NewError under the name the rest of this package's files use.
func newErr(kind Kind, op string, path string, cause error) *Error {
	return ferr.New(kind, op, path, cause)
}

// wrapf is a convenience for newErr with a formatted cause, mirroring the
// fmt.Errorf("%w") idiom used throughout the rest of the module.
func wrapf(kind Kind, op string, path string, format string, args ...any) *Error {
	return ferr.Wrapf(kind, op, path, format, args...)
}
