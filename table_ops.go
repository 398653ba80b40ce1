package flintdb

import (
	"errors"
	"fmt"
	"hash/crc32"

	"github.com/fillmemory/flintdb/pkg/flintdb/block"
	"github.com/fillmemory/flintdb/pkg/flintdb/codec"
	"github.com/fillmemory/flintdb/pkg/flintdb/hashindex"
	"github.com/fillmemory/flintdb/pkg/flintdb/rowcache"
	"github.com/fillmemory/flintdb/pkg/flintdb/sortrun"
	"github.com/fillmemory/flintdb/pkg/flintdb/wal"
)

var (
	errClosed           = errors.New("table is closed")
	errReadOnly         = errors.New("table opened RDONLY")
	errNullPrimaryKey   = errors.New("PRIMARY key column is NULL")
	errDuplicatePrimary = errors.New("duplicate PRIMARY key without upsert")
)

// isNotFound reports whether err means "no such rowid", not a real I/O
// failure, so Read/Delete can translate it into their (false, nil) /
// (nil, false, nil) not-found contract.
func isNotFound(err error) bool {
	return errors.Is(err, block.ErrNotFound)
}

// cacheTableID is constant: a Cache is owned exclusively by one Table
// (spec.md §3's "A Table exclusively owns ... its Cache"), so the
// (tableID, slot) key rowcache.Key carries for future multi-table sharing
// degenerates to a fixed tableID here.
const cacheTableID = 0

func cacheKey(rowid int64) rowcache.Key { return rowcache.Key{TableID: cacheTableID, Slot: rowid} }

// fingerprint derives the secondary collision check hashindex.Put needs,
// independent of the primary hash64 so two keys that collide on hash64
// essentially never also collide on fingerprint (spec.md §4.4: "Lookup
// verifies full key by reading the referenced row (to defeat hash
// collisions)" — fingerprint is the cheap first filter before that
// verification read).
func fingerprint(key []byte) uint32 { return crc32.ChecksumIEEE(key) }

// walEffect tags what a KindData record's payload means to replay: the tag
// byte is the only structure the WAL frame itself doesn't already carry
// (target_id says which slot; this says insert-or-delete), letting one
// AppendData record (instead of separate before/after-image records)
// carry everything applyUpsertEffect/applyDeleteEffect need.
type walEffect byte

const (
	walEffectDelete walEffect = iota
	walEffectUpsert
)

func encodeEffect(effect walEffect, rowPayload []byte) []byte {
	buf := make([]byte, 1+len(rowPayload))
	buf[0] = byte(effect)
	copy(buf[1:], rowPayload)
	return buf
}

func decodeEffect(buf []byte) (walEffect, []byte, error) {
	if len(buf) < 1 {
		return 0, nil, fmt.Errorf("flintdb: empty DATA record payload")
	}
	return walEffect(buf[0]), buf[1:], nil
}

// Apply inserts or replaces row, per spec.md §4.5. In upsert mode, a row
// sharing the PRIMARY key replaces the prior row (tombstoning its slot);
// without upsert, a duplicate PRIMARY is a non-fatal KindConstraint error.
// Returns the assigned rowid.
//
// Durability follows WAL-ahead-of-apply: the new row's slot is Reserved
// (durably allocated, not yet live) before anything is logged, so the
// DATA record can name that slot as target_id. Storage and index
// mutations only happen after Commit returns; if the process dies in
// between, Table.Open's replay redoes them from the WAL alone (P3/P5).
func (t *Table) Apply(row codec.Row, upsert bool) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return -1, newErr(KindInternal, "Table.Apply", t.path, errClosed)
	}
	if t.mode == RDONLY {
		return -1, newErr(KindConstraint, "Table.Apply", t.path, errReadOnly)
	}

	encoded, err := t.codec.Encode(row)
	if err != nil {
		return -1, err
	}
	payload, err := t.compressor.Compress(encoded)
	if err != nil {
		return -1, newErr(KindIO, "Table.Apply", t.path, err)
	}

	primaryKey, ok, err := codec.EncodeKey(&t.desc.Schema, t.primary.def.Columns, row)
	if err != nil {
		return -1, err
	}
	if !ok {
		return -1, newErr(KindConstraint, "Table.Apply", t.path, errNullPrimaryKey)
	}

	existing, err := t.primary.tree.Find(primaryKey)
	if err != nil {
		return -1, newErr(KindIO, "Table.Apply", t.path, err)
	}

	var replacedPayload []byte
	var replacedRowID int64 = -1
	if len(existing) > 0 {
		if !upsert {
			return -1, newErr(KindConstraint, "Table.Apply", t.path, errDuplicatePrimary)
		}
		replacedRowID = existing[0]
		replacedPayload, err = t.store.Read(uint64(replacedRowID))
		if err != nil {
			return -1, newErr(KindIO, "Table.Apply", t.path, err)
		}
	}

	slot, err := t.store.Reserve(len(payload))
	if err != nil {
		return -1, newErr(KindIO, "Table.Apply", t.path, err)
	}

	txnID := t.wal.NextTxnID()
	if err := t.wal.Begin(txnID); err != nil {
		return -1, newErr(KindIO, "Table.Apply", t.path, err)
	}
	if replacedRowID >= 0 {
		if err := t.wal.AppendData(wal.KindData, txnID, uint64(replacedRowID), encodeEffect(walEffectDelete, replacedPayload)); err != nil {
			_ = t.wal.Rollback(txnID)
			return -1, newErr(KindIO, "Table.Apply", t.path, err)
		}
	}
	if err := t.wal.AppendData(wal.KindData, txnID, slot, encodeEffect(walEffectUpsert, payload)); err != nil {
		_ = t.wal.Rollback(txnID)
		return -1, newErr(KindIO, "Table.Apply", t.path, err)
	}
	if err := t.wal.Commit(txnID); err != nil {
		return -1, newErr(KindIO, "Table.Apply", t.path, err)
	}

	if replacedRowID >= 0 {
		if err := t.applyDeleteEffect(replacedRowID, replacedPayload); err != nil {
			return -1, err
		}
	}
	if err := t.applyUpsertEffect(slot, payload); err != nil {
		return -1, err
	}

	rowid := int64(slot)
	if err := t.maybeCompact(); err != nil {
		return rowid, err
	}
	return rowid, nil
}

// applyUpsertEffect materializes a committed insert/replace: it finalizes
// the reserved slot with the row's bytes and inserts the row into every
// index. Used both by Apply's normal path and by replay, so it must be
// safe to call twice for the same (slot, payload): Finalize is idempotent
// and insertIntoIndexes skips tree entries that already exist.
func (t *Table) applyUpsertEffect(slot uint64, payload []byte) error {
	row, err := t.decodeStoredPayload(payload)
	if err != nil {
		return err
	}
	if err := t.store.Finalize(slot, payload); err != nil {
		return newErr(KindIO, "Table.Apply", t.path, err)
	}
	if err := t.insertIntoIndexes(row, int64(slot)); err != nil {
		return err
	}
	t.cache.Invalidate(cacheKey(int64(slot)))
	return nil
}

// applyDeleteEffect materializes a committed delete: it removes rowid from
// every index, then tombstones its slot, per spec.md §4.5's "updates
// indexes first, then tombstones slot." Idempotent against a second call
// for the same rowid (store.Delete and removeFromIndexes both tolerate an
// already-removed target), so replay can invoke it unconditionally.
func (t *Table) applyDeleteEffect(rowid int64, payload []byte) error {
	row, err := t.decodeStoredPayload(payload)
	if err != nil {
		return err
	}
	if err := t.removeFromIndexes(row, rowid); err != nil {
		return err
	}
	if err := t.store.Delete(uint64(rowid)); err != nil && !isNotFound(err) {
		return newErr(KindIO, "Table.Delete", t.path, err)
	}
	t.cache.Invalidate(cacheKey(rowid))
	return nil
}

func (t *Table) decodeStoredPayload(payload []byte) (codec.Row, error) {
	decompressed, err := t.compressor.Decompress(payload)
	if err != nil {
		return nil, newErr(KindCorruption, "Table.Apply", t.path, err)
	}
	return t.codec.Decode(decompressed)
}

// replayRecord is the WAL replay callback installed by Table.Open, run
// once per after-image record belonging to a transaction whose COMMIT is
// durable. It re-derives the same effects Apply/Delete/Compact perform
// inline, from target_id and payload alone, satisfying spec.md §4.6 step
// 3 and I5 (replay twice is a no-op).
func (t *Table) replayRecord(rec wal.Record) error {
	switch rec.Kind {
	case wal.KindData:
		effect, body, err := decodeEffect(rec.Payload)
		if err != nil {
			return newErr(KindCorruption, "Table.Open", t.path, err)
		}
		switch effect {
		case walEffectUpsert:
			return t.applyUpsertEffect(rec.TargetID, body)
		case walEffectDelete:
			return t.applyDeleteEffect(int64(rec.TargetID), body)
		default:
			return newErr(KindCorruption, "Table.Open", t.path, fmt.Errorf("unknown WAL effect tag %d", effect))
		}
	case wal.KindIndex:
		oldRowID, err := decodeRemap(rec.Payload)
		if err != nil {
			return newErr(KindCorruption, "Table.Open", t.path, err)
		}
		return t.remapIndexes(int64(oldRowID), int64(rec.TargetID))
	default:
		return nil
	}
}

// BulkLoad ingests rows in PRIMARY-key order, per spec.md §1's "external
// sort used for bulk loads": rows are run through an
// [sortrun.Sorter] keyed by the table's PRIMARY columns before each is
// applied individually, so a caller loading an unordered dataset (a CSV
// import, a restore from another table) gets the same B+Tree insert
// locality as loading pre-sorted data, without itself having to sort the
// input. Returns the assigned rowids in the order rows were sorted, not
// the order they were passed in.
func (t *Table) BulkLoad(rows []codec.Row, upsert bool) ([]int64, error) {
	t.mu.RLock()
	closed := t.closed
	primaryCols := append([]string(nil), t.primary.def.Columns...)
	schema := &t.desc.Schema
	t.mu.RUnlock()

	if closed {
		return nil, newErr(KindInternal, "Table.BulkLoad", t.path, errClosed)
	}

	less := func(a, b codec.Row) bool {
		ka, _, errA := codec.EncodeKey(schema, primaryCols, a)
		kb, _, errB := codec.EncodeKey(schema, primaryCols, b)
		if errA != nil || errB != nil {
			return false
		}
		return bytesLess(ka, kb)
	}

	sorter := sortrun.New(t.codec, less, sortrun.Options{})
	for _, row := range rows {
		if err := sorter.Add(row); err != nil {
			return nil, err
		}
	}

	next, closer, err := sorter.Rows()
	if err != nil {
		return nil, err
	}
	defer func() { _ = closer() }()

	var rowids []int64
	for {
		row, ok, err := next()
		if err != nil {
			return rowids, err
		}
		if !ok {
			break
		}
		rowid, err := t.Apply(row, upsert)
		if err != nil {
			return rowids, err
		}
		rowids = append(rowids, rowid)
	}

	return rowids, nil
}

func bytesLess(a, b []byte) bool {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return len(a) < len(b)
}

func containsRowID(rowids []int64, rowid int64) bool {
	for _, r := range rowids {
		if r == rowid {
			return true
		}
	}
	return false
}

// insertIntoIndexes is idempotent: a tree entry is only inserted if
// (key, rowid) isn't already present, so replay can call this twice for a
// commit that was already applied inline before a crash (I5) without
// producing a duplicate PRIMARY/SORT entry. hashindex.Put is naturally
// idempotent (it upserts keyed by hash+fingerprint), so no guard is needed
// there.
func (t *Table) insertIntoIndexes(row codec.Row, rowid int64) error {
	for _, ix := range t.indexes {
		key, ok, err := codec.EncodeKey(&t.desc.Schema, ix.def.Columns, row)
		if err != nil {
			return err
		}
		if !ok {
			continue // NULL-valued secondary index key: per spec.md, not indexed.
		}

		switch ix.def.Kind {
		case codec.IndexPrimary, codec.IndexSort:
			existing, err := ix.tree.Find(key)
			if err != nil {
				return newErr(KindIO, "Table.Apply", ix.path, err)
			}
			if containsRowID(existing, rowid) {
				continue
			}
			if err := ix.tree.Insert(key, rowid); err != nil {
				return newErr(KindIO, "Table.Apply", ix.path, err)
			}
		case codec.IndexHash:
			h := hashindex.Hash64(key)
			if err := ix.hash.Put(h, fingerprint(key), rowid); err != nil {
				return newErr(KindIO, "Table.Apply", ix.path, err)
			}
		}
	}
	return nil
}

func (t *Table) removeFromIndexes(row codec.Row, rowid int64) error {
	for _, ix := range t.indexes {
		key, ok, err := codec.EncodeKey(&t.desc.Schema, ix.def.Columns, row)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}

		switch ix.def.Kind {
		case codec.IndexPrimary, codec.IndexSort:
			if _, err := ix.tree.Delete(key, rowid); err != nil {
				return newErr(KindIO, "Table.Apply", ix.path, err)
			}
		case codec.IndexHash:
			h := hashindex.Hash64(key)
			if _, err := ix.hash.Delete(h, fingerprint(key), rowid); err != nil {
				return newErr(KindIO, "Table.Apply", ix.path, err)
			}
		}
	}
	return nil
}

// Read returns the decoded row for rowid, consulting the cache first, per
// spec.md §4.5: "consults cache; on miss, reads storage, decodes,
// populates cache."
func (t *Table) Read(rowid int64) (codec.Row, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, false, newErr(KindInternal, "Table.Read", t.path, errClosed)
	}

	if cached, ok := t.cache.Get(cacheKey(rowid)); ok {
		return cached.(codec.Row), true, nil
	}

	row, err := t.readUncached(rowid)
	if err != nil {
		if isNotFound(err) {
			return nil, false, nil
		}
		return nil, false, err
	}

	t.cache.Put(cacheKey(rowid), row)
	return row, true, nil
}

func (t *Table) readUncached(rowid int64) (codec.Row, error) {
	payload, err := t.store.Read(uint64(rowid))
	if err != nil {
		return nil, newErr(KindIO, "Table.Read", t.path, err)
	}
	return t.decodeStoredPayload(payload)
}

// Delete tombstones rowid's slot after updating every index, per spec.md
// §4.5: "updates indexes first, then tombstones slot." Returns false if
// rowid does not reference a live row.
//
// The row's pre-image is logged (kind DATA, target_id=rowid) before the
// WAL commit, so a crash between Commit and the in-memory index/storage
// mutations below is repaired by replay calling applyDeleteEffect with the
// same pre-image (P3/P5).
func (t *Table) Delete(rowid int64) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, newErr(KindInternal, "Table.Delete", t.path, errClosed)
	}
	if t.mode == RDONLY {
		return false, newErr(KindConstraint, "Table.Delete", t.path, errReadOnly)
	}

	payload, err := t.store.Read(uint64(rowid))
	if err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, newErr(KindIO, "Table.Delete", t.path, err)
	}

	txnID := t.wal.NextTxnID()
	if err := t.wal.Begin(txnID); err != nil {
		return false, newErr(KindIO, "Table.Delete", t.path, err)
	}
	if err := t.wal.AppendData(wal.KindData, txnID, uint64(rowid), encodeEffect(walEffectDelete, payload)); err != nil {
		_ = t.wal.Rollback(txnID)
		return false, newErr(KindIO, "Table.Delete", t.path, err)
	}
	if err := t.wal.Commit(txnID); err != nil {
		return false, newErr(KindIO, "Table.Delete", t.path, err)
	}

	if err := t.applyDeleteEffect(rowid, payload); err != nil {
		return false, err
	}

	if err := t.maybeCompact(); err != nil {
		return true, err
	}
	return true, nil
}
