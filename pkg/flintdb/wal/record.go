package wal

import (
	"encoding/binary"
	"hash/crc32"
)

// Kind classifies a WAL record.
type Kind uint8

const (
	KindBegin Kind = iota
	KindCommit
	KindRollback
	KindData
	KindIndex
	KindCheckpoint
)

func (k Kind) String() string {
	switch k {
	case KindBegin:
		return "BEGIN"
	case KindCommit:
		return "COMMIT"
	case KindRollback:
		return "ROLLBACK"
	case KindData:
		return "DATA"
	case KindIndex:
		return "INDEX"
	case KindCheckpoint:
		return "CHECKPOINT"
	default:
		return "UNKNOWN"
	}
}

// recordFrameOverhead is len(4) + kind(1) + txn_id(8) + target_id(8) + crc(4).
const recordFrameOverhead = 4 + 1 + 8 + 8 + 4

// minBodyLen is kind(1) + txn_id(8) + target_id(8): the smallest a body can
// be, for an empty-payload record.
const minBodyLen = 1 + 8 + 8

// Record is one decoded WAL entry, addressed by the file offset (LSN) of
// its frame's first byte. TargetID names the rowid/slot the record's
// after-image applies to (spec.md §3's WALRecord.target_id), so Recover's
// replay callback can re-materialize a committed row into storage and
// indexes without any other durable state to consult.
type Record struct {
	LSN      uint64
	Kind     Kind
	TxnID    uint64
	TargetID uint64
	Payload  []byte
}

// encodeRecord frames a record as {len u32, kind u8, txn_id u64,
// target_id u64, payload, crc32 u32}, where len is the byte length of
// (kind+txn_id+target_id+payload) and crc32 covers the same span. len
// does not include itself or the crc.
func encodeRecord(kind Kind, txnID, targetID uint64, payload []byte) []byte {
	bodyLen := minBodyLen + len(payload)
	buf := make([]byte, 4+bodyLen+4)

	binary.LittleEndian.PutUint32(buf[0:], uint32(bodyLen))
	buf[4] = byte(kind)
	binary.LittleEndian.PutUint64(buf[5:], txnID)
	binary.LittleEndian.PutUint64(buf[13:], targetID)
	copy(buf[21:], payload)

	crc := crc32.Checksum(buf[4:4+bodyLen], crc32cTable)
	binary.LittleEndian.PutUint32(buf[4+bodyLen:], crc)

	return buf
}

// decodeRecordAt parses one frame from buf[offset:], returning the record,
// the offset just past it, and ok=false if buf does not hold a complete,
// checksum-valid frame at offset (either truncated or corrupt — the
// scanner in recovery.go treats both the same way: stop here).
func decodeRecordAt(buf []byte, offset uint64) (Record, uint64, bool) {
	if offset+4 > uint64(len(buf)) {
		return Record{}, offset, false
	}
	bodyLen := uint64(binary.LittleEndian.Uint32(buf[offset:]))

	frameLen := 4 + bodyLen + 4
	if offset+frameLen > uint64(len(buf)) {
		return Record{}, offset, false
	}
	if bodyLen < minBodyLen {
		return Record{}, offset, false
	}

	body := buf[offset+4 : offset+4+bodyLen]
	wantCRC := binary.LittleEndian.Uint32(buf[offset+4+bodyLen:])
	gotCRC := crc32.Checksum(body, crc32cTable)
	if wantCRC != gotCRC {
		return Record{}, offset, false
	}

	rec := Record{
		LSN:      offset,
		Kind:     Kind(body[0]),
		TxnID:    binary.LittleEndian.Uint64(body[1:9]),
		TargetID: binary.LittleEndian.Uint64(body[9:17]),
		Payload:  append([]byte(nil), body[17:]...),
	}

	return rec, offset + frameLen, true
}
