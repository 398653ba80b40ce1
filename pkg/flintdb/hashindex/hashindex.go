// Package hashindex implements HashIndex: a persistent linear-probed hash
// table over fixed-size buckets, supporting exact-key point lookup (there
// is no bucket-iteration API), per spec.md §4.4.
//
// The bucket layout (fixed-size entries, sentinel states, a CRC-guarded
// fixed-size header owned by the backing store) is grounded on the
// teacher's pkg/slotcache SLC1 format (format.go's bucket sentinels,
// cache.go's generation-guarded reads). Unlike slotcache — a single
// fixed-capacity table sized once at creation — HashIndex must grow, so
// buckets are stored as fixed-size blocks in a [block.Storage] (bucket i
// lives at slot i+1; slot 0 holds the bucket count) rather than in one
// static mmap'd bucket array, and resize is an eager full rehash rather
// than slotcache's lazy per-bucket-version rehash.
package hashindex

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"

	"github.com/fillmemory/flintdb/pkg/flintdb/ferr"
	"github.com/fillmemory/flintdb/pkg/flintdb/block"
)

// entriesPerBucket (K) bounds in-bucket linear probing before chaining to
// an overflow bucket.
const entriesPerBucket = 4

const (
	entryStateEmpty = iota
	entryStateOccupied
	entryStateTombstone
)

// entry = state(1) + hash64(8) + fingerprint(4) + rowid(8) = 21 bytes.
const entrySize = 1 + 8 + 4 + 8

// bucket = count(2) + K*entry + overflowSlot(8, -1 == none).
const bucketOverheadSize = 2 + 8

func bucketSize() int { return bucketOverheadSize + entriesPerBucket*entrySize }

// Hash64 computes the index's hash function (xxhash64) over a composite or
// scalar key's byte encoding.
func Hash64(key []byte) uint64 { return xxhash.Sum64(key) }

// HashIndex is a persistent hash index backed by its own [block.Storage]
// file, one fixed-size bucket per block.
type HashIndex struct {
	store       *block.Storage
	bucketCount uint64
}

// Open opens or creates a hash index file with an initial directory of
// initialBuckets buckets (rounded up to a power of two, minimum 16).
//
// Slot 0 is reserved for a small metadata record holding bucketCount (it
// cannot be derived from the backing store's live record count, since
// Grow abandons old overflow-bucket slots as dead records rather than
// deleting them — see Grow's doc comment). Bucket i is stored at slot i+1.
func Open(path string, initialBuckets uint64) (*HashIndex, error) {
	bs := bucketSize()

	store, err := block.Open(path, block.Options{BlockSize: uint32(block.MetaSize) + uint32(bs), GrowIncrement: 64})
	if err != nil {
		return nil, ferr.New(ferr.KindIO, "hashindex.Open", path, err)
	}

	h := &HashIndex{store: store}

	if store.Count() == 0 {
		n := nextPow2(initialBuckets)
		if n < 16 {
			n = 16
		}

		if _, err := store.Append(encodeMeta(n)); err != nil {
			return nil, ferr.New(ferr.KindIO, "hashindex.Open", path, err)
		}
		for i := uint64(0); i < n; i++ {
			if _, err := store.Append(encodeEmptyBucket()); err != nil {
				return nil, ferr.New(ferr.KindIO, "hashindex.Open", path, err)
			}
		}
		h.bucketCount = n
	} else {
		metaBuf, err := store.Read(0)
		if err != nil {
			return nil, ferr.New(ferr.KindCorruption, "hashindex.Open", path, err)
		}
		h.bucketCount = decodeMeta(metaBuf)
	}

	return h, nil
}

func encodeMeta(bucketCount uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, bucketCount)
	return buf
}

func decodeMeta(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

// slotFor maps bucket index i to its backing-store slot.
func slotFor(i uint64) uint64 { return i + 1 }

func nextPow2(n uint64) uint64 {
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

func encodeEmptyBucket() []byte {
	buf := make([]byte, bucketSize())
	binary.LittleEndian.PutUint64(buf[2+entriesPerBucket*entrySize:], ^uint64(0)) // overflowSlot = -1
	return buf
}

// Close closes the backing storage.
func (h *HashIndex) Close() error { return h.store.Close() }

// Put inserts or replaces the entry for hash64 matching fingerprint with
// rowid. Replacement happens when an existing occupied entry in the chain
// has the same hash64 and fingerprint (an upsert of a previously indexed
// key); otherwise a free slot is used.
func (h *HashIndex) Put(hash64 uint64, fingerprint uint32, rowid int64) error {
	slot := slotFor(hash64 % h.bucketCount)

	for {
		buf, err := h.store.Read(slot)
		if err != nil {
			return ferr.New(ferr.KindIO, "hashindex.Put", "", err)
		}

		if idx, free := scanBucket(buf, hash64, fingerprint); idx >= 0 || free >= 0 {
			target := idx
			if target < 0 {
				target = free
			}
			writeEntry(buf, target, entryStateOccupied, hash64, fingerprint, rowid)
			if _, _, err := h.store.Overwrite(slot, buf); err != nil {
				return ferr.New(ferr.KindIO, "hashindex.Put", "", err)
			}
			return nil
		}

		overflow := bucketOverflow(buf)
		if overflow == ^uint64(0) {
			newSlot, err := h.store.Append(encodeEmptyBucket())
			if err != nil {
				return ferr.New(ferr.KindIO, "hashindex.Put", "", err)
			}
			setBucketOverflow(buf, newSlot)
			if _, _, err := h.store.Overwrite(slot, buf); err != nil {
				return ferr.New(ferr.KindIO, "hashindex.Put", "", err)
			}
			overflow = newSlot
		}

		slot = overflow
	}
}

// Lookup returns every (fingerprint, rowid) candidate stored under hash64,
// across the bucket's overflow chain. Callers must verify the full key by
// reading the referenced row, per spec.md §4.4 ("defeat hash collisions").
func (h *HashIndex) Lookup(hash64 uint64) ([]Candidate, error) {
	slot := slotFor(hash64 % h.bucketCount)
	var out []Candidate

	for {
		buf, err := h.store.Read(slot)
		if err != nil {
			return nil, ferr.New(ferr.KindIO, "hashindex.Lookup", "", err)
		}

		for i := 0; i < entriesPerBucket; i++ {
			state, eh, efp, erow := readEntry(buf, i)
			if state == entryStateOccupied && eh == hash64 {
				out = append(out, Candidate{Fingerprint: efp, RowID: erow})
			}
		}

		overflow := bucketOverflow(buf)
		if overflow == ^uint64(0) {
			return out, nil
		}
		slot = overflow
	}
}

// Candidate is a (fingerprint, rowid) pair returned by Lookup; the caller
// resolves collisions by comparing the full key of the referenced row.
type Candidate struct {
	Fingerprint uint32
	RowID       int64
}

// Delete tombstones the entry matching (hash64, fingerprint, rowid).
// Returns [ferr.ErrConstraint]'s sibling ErrNotFound-equivalent behavior
// via a bool: found reports whether a matching entry existed.
func (h *HashIndex) Delete(hash64 uint64, fingerprint uint32, rowid int64) (found bool, err error) {
	slot := slotFor(hash64 % h.bucketCount)

	for {
		buf, rerr := h.store.Read(slot)
		if rerr != nil {
			return false, ferr.New(ferr.KindIO, "hashindex.Delete", "", rerr)
		}

		for i := 0; i < entriesPerBucket; i++ {
			state, eh, efp, erow := readEntry(buf, i)
			if state == entryStateOccupied && eh == hash64 && efp == fingerprint && erow == rowid {
				writeEntry(buf, i, entryStateTombstone, 0, 0, 0)
				if _, _, werr := h.store.Overwrite(slot, buf); werr != nil {
					return false, ferr.New(ferr.KindIO, "hashindex.Delete", "", werr)
				}
				return true, nil
			}
		}

		overflow := bucketOverflow(buf)
		if overflow == ^uint64(0) {
			return false, nil
		}
		slot = overflow
	}
}

// LoadFactor returns occupied entries divided by total entry capacity
// across the primary (non-overflow) buckets, the trigger spec.md uses to
// decide when to grow ("resize doubles the directory when load_factor >
// 0.75").
func (h *HashIndex) LoadFactor() (float64, error) {
	var occupied uint64
	for i := uint64(0); i < h.bucketCount; i++ {
		buf, err := h.store.Read(slotFor(i))
		if err != nil {
			return 0, ferr.New(ferr.KindIO, "hashindex.LoadFactor", "", err)
		}
		for j := 0; j < entriesPerBucket; j++ {
			if state, _, _, _ := readEntry(buf, j); state == entryStateOccupied {
				occupied++
			}
		}
	}
	return float64(occupied) / float64(h.bucketCount*entriesPerBucket), nil
}

// Grow doubles the bucket directory and eagerly rehashes every occupied
// entry (including those in overflow buckets). Old overflow buckets whose
// slots fall inside the new directory are reset and reused as buckets; the
// rest are left behind as unreferenced dead blocks.
func (h *HashIndex) Grow() error {
	type kept struct {
		hash uint64
		fp   uint32
		row  int64
	}
	var all []kept

	bucketIdx := uint64(0)
	for bucketIdx < h.bucketCount {
		buf, err := h.store.Read(slotFor(bucketIdx))
		if err != nil {
			return ferr.New(ferr.KindIO, "hashindex.Grow", "", err)
		}
		for {
			for i := 0; i < entriesPerBucket; i++ {
				if state, eh, efp, erow := readEntry(buf, i); state == entryStateOccupied {
					all = append(all, kept{eh, efp, erow})
				}
			}
			overflow := bucketOverflow(buf)
			if overflow == ^uint64(0) {
				break
			}
			buf, err = h.store.Read(overflow)
			if err != nil {
				return ferr.New(ferr.KindIO, "hashindex.Grow", "", err)
			}
		}
		bucketIdx++
	}

	oldCount := h.bucketCount
	newCount := oldCount * 2

	// Bucket i always lives at slot i+1. Slots [0, allocated) hold the meta
	// record, the old buckets and their overflow buckets, appended in order
	// and never deleted, so a new bucket's slot is either one of those (an
	// old overflow bucket, reset in place here) or the next one appended.
	// Old overflow buckets beyond the new directory are left as
	// unreferenced dead blocks once every entry is rehashed below.
	allocated := h.store.Count()
	for i := oldCount; i < newCount; i++ {
		if slotFor(i) < allocated {
			if _, _, err := h.store.Overwrite(slotFor(i), encodeEmptyBucket()); err != nil {
				return ferr.New(ferr.KindIO, "hashindex.Grow", "", err)
			}
			continue
		}
		if _, err := h.store.Append(encodeEmptyBucket()); err != nil {
			return ferr.New(ferr.KindIO, "hashindex.Grow", "", err)
		}
	}
	h.bucketCount = newCount

	for i := uint64(0); i < oldCount; i++ {
		if _, _, err := h.store.Overwrite(slotFor(i), encodeEmptyBucket()); err != nil {
			return ferr.New(ferr.KindIO, "hashindex.Grow", "", err)
		}
	}

	if _, _, err := h.store.Overwrite(0, encodeMeta(newCount)); err != nil {
		return ferr.New(ferr.KindIO, "hashindex.Grow", "", err)
	}

	for _, e := range all {
		if err := h.Put(e.hash, e.fp, e.row); err != nil {
			return err
		}
	}

	return nil
}

func scanBucket(buf []byte, hash64 uint64, fingerprint uint32) (matchIdx, freeIdx int) {
	matchIdx, freeIdx = -1, -1
	for i := 0; i < entriesPerBucket; i++ {
		state, eh, efp, _ := readEntry(buf, i)
		switch state {
		case entryStateOccupied:
			if eh == hash64 && efp == fingerprint {
				matchIdx = i
			}
		case entryStateEmpty, entryStateTombstone:
			if freeIdx < 0 {
				freeIdx = i
			}
		}
	}
	return matchIdx, freeIdx
}

func entryOffset(i int) int { return 2 + i*entrySize }

func readEntry(buf []byte, i int) (state byte, hash64 uint64, fingerprint uint32, rowid int64) {
	off := entryOffset(i)
	state = buf[off]
	hash64 = binary.LittleEndian.Uint64(buf[off+1:])
	fingerprint = binary.LittleEndian.Uint32(buf[off+9:])
	rowid = int64(binary.LittleEndian.Uint64(buf[off+13:]))
	return
}

func writeEntry(buf []byte, i int, state byte, hash64 uint64, fingerprint uint32, rowid int64) {
	off := entryOffset(i)
	buf[off] = state
	binary.LittleEndian.PutUint64(buf[off+1:], hash64)
	binary.LittleEndian.PutUint32(buf[off+9:], fingerprint)
	binary.LittleEndian.PutUint64(buf[off+13:], uint64(rowid))
}

func bucketOverflow(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[2+entriesPerBucket*entrySize:])
}

func setBucketOverflow(buf []byte, slot uint64) {
	binary.LittleEndian.PutUint64(buf[2+entriesPerBucket*entrySize:], slot)
}
