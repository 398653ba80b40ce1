// Package btree implements BPlusTree: a persistent ordered index keyed by a
// fixed-width byte string (a native i64 or a fixed-width-encoded composite
// key), built atop [block.Storage] for node storage, per spec.md §4.3.
//
// No pack repo supplies a literal persistent B+Tree to adapt (the retrieved
// repos that touch ordered storage — darshanime-pebble, AKJUS-bsc-erigon —
// depend on bbolt/LSM designs rather than embedding their own B+Tree
// source), so this package is original code written in the teacher's idiom:
// on-disk node offsets resolved through the same BlockStorage the primary
// data lives in (one node == one block run, addressed by its append slot), a
// fixed little-endian node header mirroring slc1Header's field ordering
// (pkg/slotcache/format.go), and entries ordered lexicographically by
// (key, value) so duplicate keys (secondary indexes) fall out of the same
// comparison used for unique primary keys.
package btree

import (
	"bytes"
	"encoding/binary"

	"github.com/fillmemory/flintdb/pkg/flintdb/ferr"
	"github.com/fillmemory/flintdb/pkg/flintdb/block"
)

const noSlot int64 = -1

// nodeHeaderSize = kind(1) + reserved(1) + keyCount(2) + left(8) + right(8)
// + parentHint(8).
const nodeHeaderSize = 1 + 1 + 2 + 8 + 8 + 8

const (
	kindLeaf byte = iota
	kindInternal
)

// Options configures a Tree.
type Options struct {
	// KeySize is the fixed width, in bytes, of every key the tree stores.
	// Composite keys are encoded by the caller (Table) to this width per
	// spec.md §3's "fixed per-column width" composite-key policy.
	KeySize int
	// Order bounds the number of keys a node holds before it splits.
	Order int
}

func (o Options) withDefaults() Options {
	if o.KeySize <= 0 {
		o.KeySize = 8
	}
	if o.Order <= 0 {
		o.Order = 64
	}
	return o
}

func (o Options) leafEntrySize() int { return o.KeySize + 8 } // key + value(i64)

// internalEntrySize is the stride of one (separator, child) pair: the
// separator is itself a full (key, value) composite — the first leaf entry
// of the child to its right — so routing can disambiguate duplicate keys
// that straddle a split boundary the same way leaf lookups do.
func (o Options) internalEntrySize() int { return o.KeySize + 8 + 8 } // key + value(i64) + child slot(i64)

func (o Options) nodeBlockSize() int {
	leaf := nodeHeaderSize + o.Order*o.leafEntrySize()
	internal := nodeHeaderSize + o.Order*o.internalEntrySize() + 8 // trailing child
	if internal > leaf {
		return internal
	}
	return leaf
}

// metaSlot holds the tree's root pointer and entry count; it cannot be
// derived from block.Storage.Count() once splits/merges leave behind
// tombstoned nodes, so — following the same idiom hashindex uses for its
// bucket count — slot 0 of the backing store is reserved for it.
type meta struct {
	root  int64
	count int64
}

func encodeMeta(m meta) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:], uint64(m.root))
	binary.LittleEndian.PutUint64(buf[8:], uint64(m.count))
	return buf
}

func decodeMeta(buf []byte) meta {
	return meta{
		root:  int64(binary.LittleEndian.Uint64(buf[0:])),
		count: int64(binary.LittleEndian.Uint64(buf[8:])),
	}
}

// Tree is a persistent B+Tree index backed by its own block.Storage file.
type Tree struct {
	store   *block.Storage
	opts    Options
	meta    meta
	metaDty bool
}

// Open opens or creates a B+Tree index file at path.
func Open(path string, opts Options) (*Tree, error) {
	opts = opts.withDefaults()

	store, err := block.Open(path, block.Options{BlockSize: uint32(opts.nodeBlockSize()), GrowIncrement: 64})
	if err != nil {
		return nil, ferr.New(ferr.KindIO, "btree.Open", path, err)
	}

	t := &Tree{store: store, opts: opts}

	if store.Count() == 0 {
		// Slot 0 is reserved for the meta record (root slot + entry count),
		// the same idiom hashindex uses for its bucket count: it cannot be
		// derived from store.Count() once splits/merges leave tombstoned
		// nodes behind. Append a placeholder first so the root leaf (and
		// everything after it) lands at slot >= 1, then overwrite slot 0
		// with the real root pointer once it is known.
		if _, err := store.Append(encodeMeta(meta{})); err != nil {
			return nil, ferr.New(ferr.KindIO, "btree.Open", path, err)
		}
		rootSlot, err := store.Append(encodeLeaf(opts, nil, noSlot, noSlot, noSlot))
		if err != nil {
			return nil, ferr.New(ferr.KindIO, "btree.Open", path, err)
		}
		t.meta = meta{root: int64(rootSlot), count: 0}
		if _, _, err := store.Overwrite(0, encodeMeta(t.meta)); err != nil {
			return nil, ferr.New(ferr.KindIO, "btree.Open", path, err)
		}
		return t, nil
	}

	metaBuf, err := store.Read(0)
	if err != nil {
		return nil, ferr.New(ferr.KindCorruption, "btree.Open", path, err)
	}
	t.meta = decodeMeta(metaBuf)
	return t, nil
}

// Close persists any pending metadata and closes the backing storage.
func (t *Tree) Close() error {
	if err := t.flushMeta(); err != nil {
		return err
	}
	return t.store.Close()
}

func (t *Tree) flushMeta() error {
	if !t.metaDty {
		return nil
	}
	if _, _, err := t.store.Overwrite(0, encodeMeta(t.meta)); err != nil {
		return ferr.New(ferr.KindIO, "btree.flushMeta", "", err)
	}
	t.metaDty = false
	return nil
}

// Count returns the number of (key, value) entries across every leaf.
func (t *Tree) Count() int64 { return t.meta.count }

type entry struct {
	key   []byte
	value int64
}

func compareEntry(a entry, bKey []byte, bValue int64) int {
	if c := bytes.Compare(a.key, bKey); c != 0 {
		return c
	}
	if a.value < bValue {
		return -1
	}
	if a.value > bValue {
		return 1
	}
	return 0
}

// Find returns every value stored under key, in ascending value order
// (duplicate keys, ordered (key, value) per spec.md §4.3).
func (t *Tree) Find(key []byte) ([]int64, error) {
	leafSlot, err := t.descendToLeaf(key, minInt64)
	if err != nil {
		return nil, err
	}

	var out []int64
	slot := leafSlot
	for slot != noSlot {
		buf, err := t.storeRead(slot)
		if err != nil {
			return nil, err
		}
		node := decodeLeaf(t.opts, buf)
		done := false
		for _, e := range node.entries {
			if bytes.Equal(e.key, key) {
				out = append(out, e.value)
			} else if bytes.Compare(e.key, key) > 0 {
				done = true
				break
			}
		}
		if done || node.right == noSlot {
			break
		}
		// The match set might continue into the next leaf if the last
		// entry of this leaf still equals key.
		if len(node.entries) == 0 || !bytes.Equal(node.entries[len(node.entries)-1].key, key) {
			break
		}
		slot = node.right
	}

	return out, nil
}

// Insert adds (key, value) to the tree, splitting nodes as needed.
func (t *Tree) Insert(key []byte, value int64) error {
	if len(key) != t.opts.KeySize {
		return ferr.New(ferr.KindConstraint, "btree.Insert", "", nil)
	}

	path, leafSlot, err := t.descendWithPath(key, value)
	if err != nil {
		return err
	}

	buf, err := t.storeRead(leafSlot)
	if err != nil {
		return err
	}
	node := decodeLeaf(t.opts, buf)

	idx := 0
	for idx < len(node.entries) && compareEntry(node.entries[idx], key, value) < 0 {
		idx++
	}
	node.entries = append(node.entries, entry{})
	copy(node.entries[idx+1:], node.entries[idx:])
	node.entries[idx] = entry{key: append([]byte(nil), key...), value: value}

	t.meta.count++
	t.metaDty = true

	if len(node.entries) <= t.opts.Order {
		return t.writeLeaf(leafSlot, node)
	}

	return t.splitLeaf(leafSlot, node, path)
}

// Delete removes the (key, value) entry, if present, redistributing or
// merging underflowed nodes on the way back up.
func (t *Tree) Delete(key []byte, value int64) (bool, error) {
	path, leafSlot, err := t.descendWithPath(key, value)
	if err != nil {
		return false, err
	}

	buf, err := t.storeRead(leafSlot)
	if err != nil {
		return false, err
	}
	node := decodeLeaf(t.opts, buf)

	idx := -1
	for i, e := range node.entries {
		if compareEntry(e, key, value) == 0 {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	node.entries = append(node.entries[:idx], node.entries[idx+1:]...)
	t.meta.count--
	t.metaDty = true

	if err := t.writeLeaf(leafSlot, node); err != nil {
		return false, err
	}

	min := minKeys(t.opts.Order)
	if len(node.entries) >= min || leafSlot == t.meta.root {
		return true, nil
	}

	return true, t.fixUnderflowLeaf(leafSlot, node, path)
}

func minKeys(order int) int { return (order + 1) / 2 }
