package btree

import (
	"github.com/fillmemory/flintdb/pkg/flintdb/ferr"
)

// ancestor records one internal node visited while descending, and which
// child index was taken, so splits/merges can walk back up without a
// second pass.
type ancestor struct {
	slot     int64
	node     *internalNode
	childIdx int
}

// childIndex returns the index of the child to descend into for the
// composite key (key, value), given separators seps (seps[i] is the first
// composite entry of children[i+1]).
func childIndex(seps []entry, key []byte, value int64) int {
	i := 0
	for i < len(seps) && compareEntry(seps[i], key, value) <= 0 {
		i++
	}
	return i
}

// descendToLeaf walks from the root to the leaf that would contain
// (key, value), without recording the path.
func (t *Tree) descendToLeaf(key []byte, value int64) (int64, error) {
	slot := t.meta.root
	for {
		buf, err := t.storeRead(slot)
		if err != nil {
			return 0, ferr.New(ferr.KindIO, "btree.descend", "", err)
		}
		if buf[0] == kindLeaf {
			return slot, nil
		}
		node := decodeInternal(t.opts, buf)
		slot = node.children[childIndex(node.seps, key, value)]
	}
}

func (t *Tree) descendWithPath(key []byte, value int64) ([]ancestor, int64, error) {
	var path []ancestor
	slot := t.meta.root
	for {
		buf, err := t.storeRead(slot)
		if err != nil {
			return nil, 0, ferr.New(ferr.KindIO, "btree.descend", "", err)
		}
		if buf[0] == kindLeaf {
			return path, slot, nil
		}
		node := decodeInternal(t.opts, buf)
		idx := childIndex(node.seps, key, value)
		path = append(path, ancestor{slot: slot, node: node, childIdx: idx})
		slot = node.children[idx]
	}
}

// storeRead/storeAppend/storeOverwrite adapt block.Storage's uint64 slot
// addressing to the tree's int64 offsets, which need a negative value
// (noSlot) to represent "no sibling"/"no parent"/"no child" — a sentinel
// uint64 would collide with a real high slot number instead.
func (t *Tree) storeRead(slot int64) ([]byte, error) {
	buf, err := t.store.Read(uint64(slot))
	if err != nil {
		return nil, ferr.New(ferr.KindIO, "btree.storeRead", "", err)
	}
	return buf, nil
}

func (t *Tree) storeAppend(data []byte) (int64, error) {
	slot, err := t.store.Append(data)
	if err != nil {
		return 0, ferr.New(ferr.KindIO, "btree.storeAppend", "", err)
	}
	return int64(slot), nil
}

func (t *Tree) storeOverwrite(slot int64, data []byte) error {
	if _, _, err := t.store.Overwrite(uint64(slot), data); err != nil {
		return ferr.New(ferr.KindIO, "btree.storeOverwrite", "", err)
	}
	return nil
}

func (t *Tree) writeLeaf(slot int64, n *leafNode) error {
	return t.storeOverwrite(slot, encodeLeaf(t.opts, n.entries, n.left, n.right, n.parentHint))
}

func (t *Tree) writeInternal(slot int64, n *internalNode) error {
	return t.storeOverwrite(slot, encodeInternal(t.opts, n.seps, n.children, n.left, n.right, n.parentHint))
}

func (t *Tree) appendLeaf(n *leafNode) (int64, error) {
	return t.storeAppend(encodeLeaf(t.opts, n.entries, n.left, n.right, n.parentHint))
}

func (t *Tree) appendInternal(n *internalNode) (int64, error) {
	return t.storeAppend(encodeInternal(t.opts, n.seps, n.children, n.left, n.right, n.parentHint))
}

// splitLeaf splits an overflowed leaf in two and propagates the new right
// sibling's first entry as a separator up through path.
func (t *Tree) splitLeaf(slot int64, n *leafNode, path []ancestor) error {
	mid := len(n.entries) / 2
	right := &leafNode{
		entries:    append([]entry(nil), n.entries[mid:]...),
		left:       slot,
		right:      n.right,
		parentHint: n.parentHint,
	}
	n.entries = n.entries[:mid]

	rightSlot, err := t.appendLeaf(right)
	if err != nil {
		return err
	}
	n.right = rightSlot

	if right.right != noSlot {
		if err := t.relinkLeftSibling(right.right, rightSlot); err != nil {
			return err
		}
	}

	if err := t.writeLeaf(slot, n); err != nil {
		return err
	}

	sep := right.entries[0]
	return t.insertIntoParent(slot, rightSlot, sep, path)
}

func (t *Tree) relinkLeftSibling(slot, newLeft int64) error {
	buf, err := t.storeRead(slot)
	if err != nil {
		return ferr.New(ferr.KindIO, "btree.relink", "", err)
	}
	if buf[0] == kindLeaf {
		n := decodeLeaf(t.opts, buf)
		n.left = newLeft
		return t.writeLeaf(slot, n)
	}
	n := decodeInternal(t.opts, buf)
	n.left = newLeft
	return t.writeInternal(slot, n)
}

// insertIntoParent inserts (sep -> rightSlot) into the parent of leftSlot,
// walking path from its tail (the immediate parent) upward, splitting
// internal nodes as needed and creating a new root when path is empty.
func (t *Tree) insertIntoParent(leftSlot, rightSlot int64, sep entry, path []ancestor) error {
	if len(path) == 0 {
		newRoot := &internalNode{
			seps:     []entry{sep},
			children: []int64{leftSlot, rightSlot},
			left:     noSlot,
			right:    noSlot,
		}
		rootSlot, err := t.appendInternal(newRoot)
		if err != nil {
			return err
		}
		if err := t.setParentHint(leftSlot, rootSlot); err != nil {
			return err
		}
		if err := t.setParentHint(rightSlot, rootSlot); err != nil {
			return err
		}
		t.meta.root = rootSlot
		t.metaDty = true
		return nil
	}

	parent := path[len(path)-1]
	node := parent.node
	idx := parent.childIdx

	node.seps = append(node.seps, entry{})
	copy(node.seps[idx+1:], node.seps[idx:])
	node.seps[idx] = sep

	node.children = append(node.children, 0)
	copy(node.children[idx+2:], node.children[idx+1:])
	node.children[idx+1] = rightSlot

	if err := t.setParentHint(rightSlot, parent.slot); err != nil {
		return err
	}

	if len(node.seps) <= t.opts.Order {
		return t.writeInternal(parent.slot, node)
	}

	return t.splitInternal(parent.slot, node, path[:len(path)-1])
}

func (t *Tree) setParentHint(slot, parentSlot int64) error {
	buf, err := t.storeRead(slot)
	if err != nil {
		return ferr.New(ferr.KindIO, "btree.setParentHint", "", err)
	}
	if buf[0] == kindLeaf {
		n := decodeLeaf(t.opts, buf)
		n.parentHint = parentSlot
		return t.writeLeaf(slot, n)
	}
	n := decodeInternal(t.opts, buf)
	n.parentHint = parentSlot
	return t.writeInternal(slot, n)
}

func (t *Tree) splitInternal(slot int64, n *internalNode, path []ancestor) error {
	mid := len(n.seps) / 2
	promoted := n.seps[mid]

	right := &internalNode{
		seps:       append([]entry(nil), n.seps[mid+1:]...),
		children:   append([]int64(nil), n.children[mid+1:]...),
		left:       slot,
		right:      n.right,
		parentHint: n.parentHint,
	}
	n.seps = n.seps[:mid]
	n.children = n.children[:mid+1]

	rightSlot, err := t.appendInternal(right)
	if err != nil {
		return err
	}
	n.right = rightSlot

	for _, c := range right.children {
		if err := t.setParentHint(c, rightSlot); err != nil {
			return err
		}
	}

	if err := t.writeInternal(slot, n); err != nil {
		return err
	}

	return t.insertIntoParent(slot, rightSlot, promoted, path)
}
