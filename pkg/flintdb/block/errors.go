package block

import "errors"

var (
	errShortHeader   = errors.New("block: file shorter than header")
	errBadMagic      = errors.New("block: bad magic")
	errBadVersion    = errors.New("block: unsupported format version")
	errBadHeaderSize = errors.New("block: unexpected header size")
	errHeaderCRC     = errors.New("block: header checksum mismatch")

	// ErrNotFound is returned by Read/Delete/Overwrite for a slot that does
	// not address a live record (never allocated, or tombstoned).
	ErrNotFound = errors.New("block: slot not found")

	// ErrRecordCRC is returned by Read when a block's CRC32C does not match
	// its contents. The storage is otherwise intact; only this record is
	// unreadable.
	ErrRecordCRC = errors.New("block: record checksum mismatch")

	// ErrClosed is returned by any operation on a closed BlockStorage.
	ErrClosed = errors.New("block: storage is closed")

	// ErrTooLarge is returned by Append/Overwrite when data would require
	// more contiguous run blocks than fit in a uint32 run length.
	ErrTooLarge = errors.New("block: record too large")
)
