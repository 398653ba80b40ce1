// Package block implements BlockStorage: a single mmap-backed file of
// fixed-size blocks addressed by slot number, with records spanning one or
// more contiguous blocks as a "run". It is the lowest layer of the storage
// engine; the row codec, B+tree and hash index all store their payloads
// through it.
//
// The on-disk format, mmap lifecycle and CRC-guarded header are grounded on
// the teacher's pkg/slotcache (open.go, format.go, cache.go): a fixed
// header page, little-endian fields, a trailing CRC32C, and a
// generation counter bumped on every header flush. Growth differs from slotcache's bucket
// table (which is sized once at creation): BlockStorage grows by
// remapping under an exclusive writer lock, since block runs are
// variable-length and the store must accept arbitrarily many records.
package block

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// WritebackMode controls whether mutating operations fsync before
// returning. Named and valued after the teacher's slotcache.Writeback enum.
type WritebackMode int

const (
	// WritebackNone returns as soon as data is in the page cache.
	WritebackNone WritebackMode = iota
	// WritebackSync fsyncs the file after every mutation that touches the
	// header or grows the file.
	WritebackSync
)

// Options configures Open.
type Options struct {
	// BlockSize is the size in bytes of each block, including the
	// MetaSize-byte metadata prefix. Defaults to 512. Only used when
	// creating a new file; ignored when opening an existing one.
	BlockSize uint32

	// GrowIncrement is the number of blocks appended to the file each
	// time the free list cannot satisfy an allocation. Defaults to 4096.
	GrowIncrement uint32

	Writeback WritebackMode
}

func (o Options) withDefaults() Options {
	if o.BlockSize == 0 {
		o.BlockSize = 512
	}
	if o.GrowIncrement == 0 {
		o.GrowIncrement = 4096
	}
	return o
}

// Storage is a BlockStorage instance backed by a single mmap'd file.
type Storage struct {
	mu sync.RWMutex // serializes readers against remapping writers

	fd   *os.File
	data []byte
	path string

	blockSize     uint32
	payloadSize   uint32
	growIncrement uint32
	writeback     WritebackMode

	blockCount  uint64
	recordCount uint64
	byteCount   uint64
	generation  uint64

	free   *freeList
	closed bool
}

// Open opens an existing BlockStorage file or creates one if it does not
// exist.
func Open(path string, opts Options) (*Storage, error) {
	opts = opts.withDefaults()

	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("block: open %q: %w", path, err)
	}

	fi, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("block: stat %q: %w", path, err)
	}

	s := &Storage{fd: fd, path: path, writeback: opts.Writeback, free: newFreeList()}

	if fi.Size() == 0 {
		if err := s.initEmpty(opts); err != nil {
			_ = fd.Close()
			return nil, err
		}
	} else {
		if err := s.openExisting(fi.Size()); err != nil {
			_ = fd.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Storage) initEmpty(opts Options) error {
	if err := s.fd.Truncate(int64(HeaderSize)); err != nil {
		return fmt.Errorf("block: truncate new file: %w", err)
	}

	s.blockSize = opts.BlockSize
	s.payloadSize = opts.BlockSize - MetaSize
	s.growIncrement = opts.GrowIncrement
	s.blockCount = 0
	s.recordCount = 0
	s.byteCount = 0
	s.generation = 0

	if err := s.mmap(HeaderSize); err != nil {
		return err
	}

	return s.flushHeader()
}

func (s *Storage) openExisting(size int64) error {
	if err := s.mmap(size); err != nil {
		return err
	}

	hdr, err := decodeHeader(s.data)
	if err != nil {
		s.munmap()
		return err
	}

	wantSize := int64(HeaderSize) + int64(hdr.BlockCount)*int64(hdr.BlockSize)
	if wantSize != size {
		s.munmap()
		return fmt.Errorf("block: %q file size %d does not match header (want %d): %w", s.path, size, wantSize, errBadHeaderSize)
	}

	s.blockSize = hdr.BlockSize
	s.payloadSize = hdr.BlockSize - MetaSize
	s.growIncrement = hdr.GrowIncrement
	s.blockCount = hdr.BlockCount
	s.recordCount = hdr.RecordCount
	s.byteCount = hdr.ByteCount
	s.generation = hdr.Generation

	return s.rebuildFreeList()
}

// rebuildFreeList scans every block's metadata once and reconstructs the
// in-memory free list, coalescing adjacent free runs. O(blockCount); run at
// Open only.
func (s *Storage) rebuildFreeList() error {
	var i uint64
	for i < s.blockCount {
		off := s.blockOffset(i)
		meta := s.data[off : off+MetaSize]
		flags := meta[blkOffFlags]

		runLen := leUint32(meta[blkOffRunLen:])
		if runLen == 0 {
			// Never written since grow() zero-filled it, or a leftover tail
			// block of a tombstoned run that was partly reused: free either way.
			s.free.release(i, 1)
			i++
			continue
		}

		if flags&flagTombstone != 0 {
			s.free.release(i, uint64(runLen))
		}

		i += uint64(runLen)
	}

	return nil
}

func (s *Storage) mmap(size int64) error {
	data, err := unix.Mmap(int(s.fd.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("block: mmap %q: %w", s.path, err)
	}
	s.data = data
	return nil
}

func (s *Storage) munmap() {
	if s.data != nil {
		_ = unix.Munmap(s.data)
		s.data = nil
	}
}

func (s *Storage) blockOffset(slot uint64) int64 {
	return int64(HeaderSize) + int64(slot)*int64(s.blockSize)
}

// flushHeader re-encodes and writes the header page. Caller must hold mu
// for writing.
func (s *Storage) flushHeader() error {
	s.generation++
	h := &fileHeader{
		BlockSize:     s.blockSize,
		GrowIncrement: s.growIncrement,
		BlockCount:    s.blockCount,
		RecordCount:   s.recordCount,
		ByteCount:     s.byteCount,
		Generation:    s.generation,
	}
	buf := encodeHeader(h)
	copy(s.data[:HeaderSize], buf)

	if s.writeback == WritebackSync {
		return s.fd.Sync()
	}
	return nil
}

// Close unmaps and closes the underlying file.
func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	s.munmap()
	return s.fd.Close()
}

// Count returns the number of live records.
func (s *Storage) Count() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recordCount
}

// Bytes returns the total payload bytes across all live records.
func (s *Storage) Bytes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.byteCount
}

// Head returns a copy of len bytes starting at file offset off, bypassing
// slot interpretation. Used by diagnostic and recovery tooling that needs
// to inspect raw file contents.
func (s *Storage) Head(off, length int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if off < 0 || length < 0 || off+length > int64(len(s.data)) {
		return nil, fmt.Errorf("block: head out of bounds")
	}

	out := make([]byte, length)
	copy(out, s.data[off:off+length])
	return out, nil
}

func runBlocksFor(payloadSize uint32, n int) uint32 {
	if n == 0 {
		return 1
	}
	blocks := (uint32(n) + payloadSize - 1) / payloadSize
	return blocks
}

// Append writes data as a new record and returns its slot number.
func (s *Storage) Append(data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	needed := runBlocksFor(s.payloadSize, len(data))
	if uint64(needed) > uint64(^uint32(0)) {
		return 0, ErrTooLarge
	}

	slot, ok := s.free.find(uint64(needed))
	if !ok {
		var err error
		slot, err = s.grow(uint64(needed))
		if err != nil {
			return 0, err
		}
	}

	s.writeRun(slot, needed, data)

	s.recordCount++
	s.byteCount += uint64(len(data))
	if err := s.flushHeader(); err != nil {
		return 0, err
	}

	return slot, nil
}

// Reserve allocates a run of blocks sized to hold n bytes and marks it
// flagReserved, without writing a payload or counting it as a live record.
// The slot is durable the moment Reserve returns (rebuildFreeList treats a
// reserved run the same as a live one: never handed out twice), so a
// caller can log the slot as a WAL record's target_id before the record's
// payload is known to be durable, then call Finalize to materialize it —
// on replay after a crash between the two, Finalize re-does exactly the
// write Reserve promised. A reservation that is never finalized (the
// owning transaction never committed) is simply abandoned: unreadable,
// uncounted space until the next Compact, which drops it.
func (s *Storage) Reserve(n int) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	needed := runBlocksFor(s.payloadSize, n)
	if uint64(needed) > uint64(^uint32(0)) {
		return 0, ErrTooLarge
	}

	slot, ok := s.free.find(uint64(needed))
	if !ok {
		var err error
		slot, err = s.grow(uint64(needed))
		if err != nil {
			return 0, err
		}
	}

	for i := uint32(0); i < needed; i++ {
		blkOff := s.blockOffset(slot + uint64(i))
		blk := s.data[blkOff : blkOff+int64(s.blockSize)]

		flags := byte(flagReserved)
		if i > 0 {
			flags |= flagContinuation
		}
		rl := uint32(0)
		if i == 0 {
			rl = needed
		}
		encodeBlockMeta(blk, flags, 0, rl)
		leePutUint32(blk[blkOffCRC:], blockCRC(blk))
	}

	if err := s.flushHeader(); err != nil {
		return 0, err
	}

	return slot, nil
}

// Finalize writes data into the run at slot, previously returned by
// Reserve, and marks it live. Finalize is idempotent: calling it again for
// a slot that is already live (not reserved) rewrites the bytes without
// double-counting recordCount/byteCount, so WAL replay can call it
// unconditionally for a transaction whose effects were already applied
// before a crash.
func (s *Storage) Finalize(slot uint64, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if slot >= s.blockCount {
		return ErrNotFound
	}

	off := s.blockOffset(slot)
	first := s.data[off : off+int64(s.blockSize)]
	if first[blkOffFlags]&flagTombstone != 0 || first[blkOffFlags]&flagContinuation != 0 {
		return ErrNotFound
	}

	runLen := leUint32(first[blkOffRunLen:])
	if runLen == 0 {
		runLen = 1
	}
	needed := runBlocksFor(s.payloadSize, len(data))
	if needed > runLen {
		return ErrTooLarge
	}

	wasReserved := first[blkOffFlags]&flagReserved != 0
	oldRecLen := leUint32(first[blkOffRecLen:])

	s.writeRun(slot, runLen, data)

	if wasReserved {
		s.recordCount++
		s.byteCount += uint64(len(data))
	} else {
		if s.byteCount >= uint64(oldRecLen) {
			s.byteCount -= uint64(oldRecLen)
		}
		s.byteCount += uint64(len(data))
	}

	return s.flushHeader()
}

// FreeBytes returns the payload-byte capacity of every free block
// (tombstoned runs plus unused blocks left over from growth), the figure spec.md's descriptor COMPACT threshold is compared
// against.
func (s *Storage) FreeBytes() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.free.freeBlocks() * uint64(s.payloadSize)
}

// SlotRemap records that Compact relocated a live run from Old to New. The
// indexes that reference Old by rowid/slot must be updated to New; Compact
// itself only rewrites the block file.
type SlotRemap struct {
	Old uint64
	New uint64
}

// Compact reclaims tombstoned space by packing every live run toward the
// front of the file in slot order, then truncating the trailing free
// blocks. It is a no-op if FreeBytes is below threshold (pass 0 to compact
// unconditionally). Reserved-but-unfinalized runs are reclaimed the same
// as tombstoned ones. Returns the relocations the caller must apply to its
// own indexes, in no particular order.
func (s *Storage) Compact(threshold uint64) ([]SlotRemap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	if s.free.freeBlocks()*uint64(s.payloadSize) < threshold {
		return nil, nil
	}

	var remaps []SlotRemap
	var write uint64

	var i uint64
	for i < s.blockCount {
		off := s.blockOffset(i)
		first := s.data[off : off+int64(s.blockSize)]
		flags := first[blkOffFlags]

		runLen := leUint32(first[blkOffRunLen:])
		if runLen == 0 {
			// never written since grow() zero-filled it: free space, not a live run
			i++
			continue
		}

		if flags&flagTombstone != 0 || flags&flagContinuation != 0 || flags&flagReserved != 0 {
			i += uint64(runLen)
			continue
		}

		recLen := leUint32(first[blkOffRecLen:])
		if i != write {
			data := make([]byte, 0, recLen)
			remaining := int(recLen)
			for j := uint32(0); j < runLen; j++ {
				blkOff := s.blockOffset(i + uint64(j))
				blk := s.data[blkOff : blkOff+int64(s.blockSize)]
				take := int(s.payloadSize)
				if take > remaining {
					take = remaining
				}
				data = append(data, blk[MetaSize:MetaSize+take]...)
				remaining -= take
			}
			s.writeRun(write, runLen, data)
			remaps = append(remaps, SlotRemap{Old: i, New: write})
		}

		write += uint64(runLen)
		i += uint64(runLen)
	}

	s.blockCount = write
	s.free = newFreeList()

	newSize := int64(HeaderSize) + int64(write)*int64(s.blockSize)
	s.munmap()
	if err := s.fd.Truncate(newSize); err != nil {
		return nil, fmt.Errorf("block: compact truncate %q: %w", s.path, err)
	}
	if err := s.mmap(newSize); err != nil {
		return nil, err
	}

	if err := s.flushHeader(); err != nil {
		return nil, err
	}

	return remaps, nil
}

// grow extends the file by at least enough blocks to satisfy need,
// rounding up to growIncrement, and returns the start slot of a fresh run
// sized exactly need. Caller must hold mu for writing.
func (s *Storage) grow(need uint64) (uint64, error) {
	extra := s.growIncrement
	for uint64(extra) < need {
		extra += s.growIncrement
	}

	oldBlockCount := s.blockCount
	newBlockCount := oldBlockCount + uint64(extra)
	newSize := int64(HeaderSize) + int64(newBlockCount)*int64(s.blockSize)

	s.munmap()

	if err := s.fd.Truncate(newSize); err != nil {
		return 0, fmt.Errorf("block: grow truncate: %w", err)
	}
	if err := s.mmap(newSize); err != nil {
		return 0, err
	}

	s.blockCount = newBlockCount

	start := oldBlockCount
	if uint64(extra) > need {
		s.free.release(start+need, uint64(extra)-need)
	}

	return start, nil
}

// writeRun stamps metadata and payload for a freshly allocated run. Caller
// must hold mu for writing.
func (s *Storage) writeRun(start uint64, runLen uint32, data []byte) {
	off := 0
	for i := uint32(0); i < runLen; i++ {
		blkOff := s.blockOffset(start + uint64(i))
		block := s.data[blkOff : blkOff+int64(s.blockSize)]

		flags := byte(0)
		if i > 0 {
			flags = flagContinuation
		}

		recLen := uint32(0)
		rl := uint32(0)
		if i == 0 {
			recLen = uint32(len(data))
			rl = runLen
		}
		encodeBlockMeta(block, flags, recLen, rl)

		payload := block[MetaSize:]
		n := copy(payload, data[off:])
		for j := n; j < len(payload); j++ {
			payload[j] = 0
		}
		off += n

		crc := blockCRC(block)
		leePutUint32(block[blkOffCRC:], crc)
	}
}

// Read returns a copy of the record stored at slot.
func (s *Storage) Read(slot uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}
	if slot >= s.blockCount {
		return nil, ErrNotFound
	}

	off := s.blockOffset(slot)
	first := s.data[off : off+int64(s.blockSize)]

	if first[blkOffFlags]&flagTombstone != 0 {
		return nil, ErrNotFound
	}
	if first[blkOffFlags]&flagContinuation != 0 {
		return nil, ErrNotFound // not the start of a run
	}
	if first[blkOffFlags]&flagReserved != 0 {
		return nil, ErrNotFound // allocated by Reserve, not yet Finalized
	}

	if blockCRC(first) != leUint32(first[blkOffCRC:]) {
		return nil, ErrRecordCRC
	}

	recLen := leUint32(first[blkOffRecLen:])
	runLen := leUint32(first[blkOffRunLen:])
	if runLen == 0 {
		runLen = 1
	}

	out := make([]byte, 0, recLen)
	remaining := int(recLen)
	for i := uint32(0); i < runLen; i++ {
		blkOff := s.blockOffset(slot + uint64(i))
		block := s.data[blkOff : blkOff+int64(s.blockSize)]

		if i > 0 && blockCRC(block) != leUint32(block[blkOffCRC:]) {
			return nil, ErrRecordCRC
		}

		take := int(s.payloadSize)
		if take > remaining {
			take = remaining
		}
		out = append(out, block[MetaSize:MetaSize+take]...)
		remaining -= take
	}

	return out, nil
}

// Delete tombstones the run starting at slot. It is idempotent: deleting an
// already-tombstoned or unknown slot returns ErrNotFound.
func (s *Storage) Delete(slot uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	if slot >= s.blockCount {
		return ErrNotFound
	}

	off := s.blockOffset(slot)
	first := s.data[off : off+int64(s.blockSize)]

	if first[blkOffFlags]&flagTombstone != 0 || first[blkOffFlags]&flagContinuation != 0 || first[blkOffFlags]&flagReserved != 0 {
		return ErrNotFound
	}

	recLen := leUint32(first[blkOffRecLen:])
	runLen := leUint32(first[blkOffRunLen:])
	if runLen == 0 {
		runLen = 1
	}

	first[blkOffFlags] |= flagTombstone
	leePutUint32(first[blkOffCRC:], blockCRC(first))

	s.free.release(slot, uint64(runLen))
	if s.recordCount > 0 {
		s.recordCount--
	}
	if s.byteCount >= uint64(recLen) {
		s.byteCount -= uint64(recLen)
	}

	return s.flushHeader()
}

// Overwrite replaces the record at slot with data. If data fits within the
// blocks already allocated to slot's run, it is rewritten in place and
// moved reports false. Otherwise the old run is tombstoned, data is
// appended as a new run, and moved reports true with the new slot;
// callers that maintain secondary indexes over slot numbers must update
// them when moved is true.
func (s *Storage) Overwrite(slot uint64, data []byte) (newSlot uint64, moved bool, err error) {
	s.mu.Lock()

	if s.closed {
		s.mu.Unlock()
		return 0, false, ErrClosed
	}
	if slot >= s.blockCount {
		s.mu.Unlock()
		return 0, false, ErrNotFound
	}

	off := s.blockOffset(slot)
	first := s.data[off : off+int64(s.blockSize)]
	if first[blkOffFlags]&flagTombstone != 0 || first[blkOffFlags]&flagContinuation != 0 || first[blkOffFlags]&flagReserved != 0 {
		s.mu.Unlock()
		return 0, false, ErrNotFound
	}

	oldRecLen := leUint32(first[blkOffRecLen:])
	oldRunLen := leUint32(first[blkOffRunLen:])
	if oldRunLen == 0 {
		oldRunLen = 1
	}

	needed := runBlocksFor(s.payloadSize, len(data))
	if needed <= oldRunLen {
		// Rewrite in place; writeRun keeps the run's block count at
		// oldRunLen, so trailing blocks beyond what data needs become
		// zeroed padding still owned by this run rather than being
		// returned to the free list.
		s.writeRun(slot, oldRunLen, data)

		if s.byteCount >= uint64(oldRecLen) {
			s.byteCount -= uint64(oldRecLen)
		}
		s.byteCount += uint64(len(data))

		err = s.flushHeader()
		s.mu.Unlock()
		return slot, false, err
	}

	// Doesn't fit: tombstone the old run and append fresh.
	first[blkOffFlags] |= flagTombstone
	leePutUint32(first[blkOffCRC:], blockCRC(first))
	s.free.release(slot, uint64(oldRunLen))
	if s.recordCount > 0 {
		s.recordCount--
	}
	if s.byteCount >= uint64(oldRecLen) {
		s.byteCount -= uint64(oldRecLen)
	}

	s.mu.Unlock()

	ns, aerr := s.Append(data)
	if aerr != nil {
		return 0, false, aerr
	}
	return ns, true, nil
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func leePutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
