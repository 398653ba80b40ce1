// Package wal implements WriteAheadLog: a header-stamped, append-only
// record log with group commit, checkpointing and crash recovery.
//
// The torn-write-resistant footer/checksum technique is grounded on the
// teacher's internal/store/wal.go (readWalState's inverse-checksum framing)
// and pkg/mddb/wal.go, generalized from a single whole-WAL-is-one-txn JSONL
// blob into a header-at-head, multi-record, multi-txn log per spec.md §4.6.
package wal

import (
	"encoding/binary"
	"hash/crc32"
)

const (
	magic         = "FLNTWAL1"
	formatVersion = 1

	// HeaderSize is the fixed size of the WAL header page. Two copies of
	// the header (primary, shadow) live in its two halves; the one with
	// the higher CommitCounter wins on open, so a torn overwrite of
	// whichever copy was being written is always recoverable from the
	// other. Grounded on spec.md §4.6: "torn header is recovered by
	// keeping a shadow copy in the second half of the header page."
	HeaderSize = 4096

	copySize = HeaderSize / 2
)

// Mode is the WAL durability/retention mode.
type Mode uint8

const (
	ModeOff Mode = iota
	ModeLog
	ModeTruncate
)

func (m Mode) String() string {
	switch m {
	case ModeOff:
		return "off"
	case ModeLog:
		return "log"
	case ModeTruncate:
		return "truncate"
	default:
		return "unknown"
	}
}

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

const (
	hOffMagic            = 0
	hOffVersion          = 8
	hOffCreatedTS        = 12
	hOffLastTxnID        = 20
	hOffCommittedOffset  = 28
	hOffCheckpointOffset = 36
	hOffMode             = 44
	hOffCommitCounter    = 45
	hOffCRC              = copySize - 4 // last 4 bytes of each half
)

type header struct {
	CreatedTS        int64
	LastTxnID        uint64
	CommittedOffset  uint64
	CheckpointOffset uint64
	Mode             Mode
	CommitCounter    uint64
}

func encodeHeaderCopy(h *header) []byte {
	buf := make([]byte, copySize)
	copy(buf[hOffMagic:], magic)
	binary.LittleEndian.PutUint32(buf[hOffVersion:], formatVersion)
	binary.LittleEndian.PutUint64(buf[hOffCreatedTS:], uint64(h.CreatedTS))
	binary.LittleEndian.PutUint64(buf[hOffLastTxnID:], h.LastTxnID)
	binary.LittleEndian.PutUint64(buf[hOffCommittedOffset:], h.CommittedOffset)
	binary.LittleEndian.PutUint64(buf[hOffCheckpointOffset:], h.CheckpointOffset)
	buf[hOffMode] = byte(h.Mode)
	binary.LittleEndian.PutUint64(buf[hOffCommitCounter:], h.CommitCounter)

	crc := crc32.Checksum(buf[:hOffCRC], crc32cTable)
	binary.LittleEndian.PutUint32(buf[hOffCRC:], crc)
	return buf
}

func decodeHeaderCopy(buf []byte) (*header, bool) {
	if len(buf) < copySize {
		return nil, false
	}
	if string(buf[hOffMagic:hOffMagic+8]) != magic {
		return nil, false
	}
	if binary.LittleEndian.Uint32(buf[hOffVersion:]) != formatVersion {
		return nil, false
	}

	crc := crc32.Checksum(buf[:hOffCRC], crc32cTable)
	if binary.LittleEndian.Uint32(buf[hOffCRC:]) != crc {
		return nil, false
	}

	return &header{
		CreatedTS:        int64(binary.LittleEndian.Uint64(buf[hOffCreatedTS:])),
		LastTxnID:        binary.LittleEndian.Uint64(buf[hOffLastTxnID:]),
		CommittedOffset:  binary.LittleEndian.Uint64(buf[hOffCommittedOffset:]),
		CheckpointOffset: binary.LittleEndian.Uint64(buf[hOffCheckpointOffset:]),
		Mode:             Mode(buf[hOffMode]),
		CommitCounter:    binary.LittleEndian.Uint64(buf[hOffCommitCounter:]),
	}, true
}

// encodeHeaderPage renders both copies of the header page. Both copies
// carry the same CommitCounter; the page is written with a single pwrite,
// so the shadow-copy recovery path only matters if that single syscall is
// torn by a crash mid-write (e.g. a partial block write on power loss).
func encodeHeaderPage(h *header) []byte {
	copyBuf := encodeHeaderCopy(h)
	page := make([]byte, HeaderSize)
	copy(page[:copySize], copyBuf)
	copy(page[copySize:], copyBuf)
	return page
}

// decodeHeaderPage picks the valid copy with the higher CommitCounter.
func decodeHeaderPage(page []byte) (*header, bool) {
	first, firstOK := decodeHeaderCopy(page[:copySize])
	second, secondOK := decodeHeaderCopy(page[copySize:])

	switch {
	case firstOK && secondOK:
		if second.CommitCounter > first.CommitCounter {
			return second, true
		}
		return first, true
	case firstOK:
		return first, true
	case secondOK:
		return second, true
	default:
		return nil, false
	}
}
