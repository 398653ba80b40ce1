package fsx

import (
	"bytes"
	"fmt"

	"github.com/natefinch/atomic"
)

// AtomicWriter writes small on-disk artifacts (the .desc descriptor) so a
// crash never leaves a torn file in their place. The WAL header page is not
// written through it.
//
// It is a thin wrapper over [atomic.WriteFile] (temp file in the same
// directory + rename), the library the teacher uses for exactly this
// purpose in its own binary cache format.
type AtomicWriter struct{}

// NewAtomicWriter returns an AtomicWriter.
func NewAtomicWriter() *AtomicWriter { return &AtomicWriter{} }

// Write atomically replaces the file at path with data.
func (w *AtomicWriter) Write(path string, data []byte) error {
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("atomic write %q: %w", path, err)
	}

	return nil
}
