package block

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
)

// On-disk header layout for a BlockStorage file, little-endian throughout.
// The field ordering and the trailing CRC32C mirror the teacher's SLC1
// header in pkg/slotcache/format.go, generalized from a hash-cache header
// to a fixed-block store header.
const (
	magic      = "FLNTBLK1"
	formatVersion = 1

	// HeaderSize is the fixed size, in bytes, of the file header page.
	HeaderSize = 4096

	// MetaSize is the per-block metadata prefix (flags, reserved,
	// record length, run length, CRC32C), leaving blockSize-MetaSize
	// bytes of payload per block. See spec.md's glossary: "default 512
	// bytes minus 16-byte per-block metadata."
	MetaSize = 16
)

const (
	offMagic         = 0x000 // [8]byte
	offVersion       = 0x008 // uint32
	offHeaderSize    = 0x00C // uint32
	offBlockSize     = 0x010 // uint32
	offGrowIncrement = 0x014 // uint32
	offBlockCount    = 0x018 // uint64
	offRecordCount   = 0x020 // uint64
	offByteCount     = 0x028 // uint64
	offFreeListHead  = 0x030 // int64, reserved: free list is rebuilt in memory at Open
	offGeneration    = 0x038 // uint64, bumped on every header flush; not checked on Open
	offHeaderCRC32C  = 0x040 // uint32
	// bytes [0x044, HeaderSize) are reserved and must be zero.
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

type fileHeader struct {
	BlockSize     uint32
	GrowIncrement uint32
	BlockCount    uint64
	RecordCount   uint64
	ByteCount     uint64
	Generation    uint64
}

func encodeHeader(h *fileHeader) []byte {
	buf := make([]byte, HeaderSize)

	copy(buf[offMagic:], magic)
	binary.LittleEndian.PutUint32(buf[offVersion:], formatVersion)
	binary.LittleEndian.PutUint32(buf[offHeaderSize:], HeaderSize)
	binary.LittleEndian.PutUint32(buf[offBlockSize:], h.BlockSize)
	binary.LittleEndian.PutUint32(buf[offGrowIncrement:], h.GrowIncrement)
	binary.LittleEndian.PutUint64(buf[offBlockCount:], h.BlockCount)
	binary.LittleEndian.PutUint64(buf[offRecordCount:], h.RecordCount)
	binary.LittleEndian.PutUint64(buf[offByteCount:], h.ByteCount)
	binary.LittleEndian.PutUint64(buf[offFreeListHead:], ^uint64(0)) // none; rebuilt on Open
	binary.LittleEndian.PutUint64(buf[offGeneration:], h.Generation)

	crc := crc32.Checksum(buf[:offHeaderCRC32C], crc32cTable)
	binary.LittleEndian.PutUint32(buf[offHeaderCRC32C:], crc)

	return buf
}

func decodeHeader(buf []byte) (*fileHeader, error) {
	if len(buf) < HeaderSize {
		return nil, errShortHeader
	}

	if !bytes.Equal(buf[offMagic:offMagic+8], []byte(magic)) {
		return nil, errBadMagic
	}

	if binary.LittleEndian.Uint32(buf[offVersion:]) != formatVersion {
		return nil, errBadVersion
	}

	if binary.LittleEndian.Uint32(buf[offHeaderSize:]) != HeaderSize {
		return nil, errBadHeaderSize
	}

	crc := crc32.Checksum(buf[:offHeaderCRC32C], crc32cTable)
	if binary.LittleEndian.Uint32(buf[offHeaderCRC32C:]) != crc {
		return nil, errHeaderCRC
	}

	return &fileHeader{
		BlockSize:     binary.LittleEndian.Uint32(buf[offBlockSize:]),
		GrowIncrement: binary.LittleEndian.Uint32(buf[offGrowIncrement:]),
		BlockCount:    binary.LittleEndian.Uint64(buf[offBlockCount:]),
		RecordCount:   binary.LittleEndian.Uint64(buf[offRecordCount:]),
		ByteCount:     binary.LittleEndian.Uint64(buf[offByteCount:]),
		Generation:    binary.LittleEndian.Uint64(buf[offGeneration:]),
	}, nil
}

// Per-block metadata flags.
const (
	flagTombstone   = 1 << 0
	flagContinuation = 1 << 1
	// flagReserved marks a run allocated by Reserve but not yet written by
	// Finalize: space-accounted and excluded from the free list like a live
	// run, but not yet readable.
	flagReserved = 1 << 2
)

const (
	blkOffFlags  = 0  // 1 byte
	blkOffRecLen = 4  // uint32, valid only on the first block of a run
	blkOffRunLen = 8  // uint32, valid only on the first block of a run
	blkOffCRC    = 12 // uint32, covers every byte of the block except this field itself
)

func encodeBlockMeta(dst []byte, flags byte, recLen, runLen uint32) {
	dst[blkOffFlags] = flags
	binary.LittleEndian.PutUint32(dst[blkOffRecLen:], recLen)
	binary.LittleEndian.PutUint32(dst[blkOffRunLen:], runLen)
}

// blockCRC computes the CRC32C of a block's metadata (excluding the CRC
// field itself) plus its payload, i.e. block[0:blkOffCRC] ++ block[blkOffCRC+4:].
func blockCRC(block []byte) uint32 {
	h := crc32.New(crc32cTable)
	h.Write(block[:blkOffCRC])
	h.Write(block[blkOffCRC+4:])
	return h.Sum32()
}
