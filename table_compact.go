package flintdb

import (
	"encoding/binary"
	"fmt"

	"github.com/fillmemory/flintdb/pkg/flintdb/wal"
)

// Compact forces an immediate compaction pass regardless of how much free
// space the table currently holds, per spec.md §4.1's manual trigger. It
// is a no-op on a table with nothing to reclaim.
func (t *Table) Compact() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return newErr(KindInternal, "Table.Compact", t.path, errClosed)
	}
	if t.mode == RDONLY {
		return newErr(KindConstraint, "Table.Compact", t.path, errReadOnly)
	}

	return t.compactLocked(0)
}

// maybeCompact runs the opportunistic pass spec.md §4.1 describes:
// compaction is considered after every Apply/Delete, but only actually
// rewrites the file once reclaimable space crosses the table's configured
// COMPACT threshold (schema field, codec/schema.go). A table with no
// COMPACT directive (desc.Compact == 0) never compacts opportunistically;
// callers needing it anyway use Compact.
func (t *Table) maybeCompact() error {
	if t.desc.Compact <= 0 {
		return nil
	}
	return t.compactLocked(uint64(t.desc.Compact))
}

// compactLocked packs live runs toward the front of the data file via
// block.Storage.Compact, then WAL-logs and applies the resulting slot
// remaps. Caller must hold t.mu for writing.
//
// Each remap is logged as a single KindIndex record (target_id=new slot,
// payload=old rowid) inside its own transaction before the in-memory
// index/cache updates happen, so a crash mid-compaction is repaired by
// replay calling remapIndexes again — idempotent, since insertIntoIndexes
// skips entries that already match and removeFromIndexes tolerates an
// absent one.
func (t *Table) compactLocked(threshold uint64) error {
	remaps, err := t.store.Compact(threshold)
	if err != nil {
		return newErr(KindIO, "Table.Compact", t.path, err)
	}

	for _, r := range remaps {
		txnID := t.wal.NextTxnID()
		if err := t.wal.Begin(txnID); err != nil {
			return newErr(KindIO, "Table.Compact", t.path, err)
		}
		if err := t.wal.AppendData(wal.KindIndex, txnID, r.New, encodeRemap(r.Old)); err != nil {
			_ = t.wal.Rollback(txnID)
			return newErr(KindIO, "Table.Compact", t.path, err)
		}
		if err := t.wal.Commit(txnID); err != nil {
			return newErr(KindIO, "Table.Compact", t.path, err)
		}

		if err := t.remapIndexes(int64(r.Old), int64(r.New)); err != nil {
			return err
		}
	}

	return nil
}

// remapIndexes moves every index entry and cache entry pointing at
// oldRowid over to newRowid, after block.Storage.Compact has already
// physically relocated the row's bytes to newRowid's slot.
func (t *Table) remapIndexes(oldRowID, newRowID int64) error {
	row, err := t.readUncached(newRowID)
	if err != nil {
		return newErr(KindIO, "Table.Compact", t.path, err)
	}
	if err := t.removeFromIndexes(row, oldRowID); err != nil {
		return err
	}
	if err := t.insertIntoIndexes(row, newRowID); err != nil {
		return err
	}
	t.cache.Invalidate(cacheKey(oldRowID))
	t.cache.Invalidate(cacheKey(newRowID))
	return nil
}

// encodeRemap/decodeRemap frame a KindIndex record's payload as the old
// rowid alone; the new rowid is already carried by the record's target_id
// field, so nothing else needs to round-trip through the WAL.
func encodeRemap(oldRowID uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, oldRowID)
	return buf
}

func decodeRemap(payload []byte) (uint64, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("flintdb: malformed INDEX record payload (%d bytes)", len(payload))
	}
	return binary.LittleEndian.Uint64(payload), nil
}
