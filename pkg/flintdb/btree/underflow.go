package btree

import "github.com/fillmemory/flintdb/pkg/flintdb/ferr"

// fixUnderflowLeaf redistributes from a sibling or merges, per spec.md
// §4.3's "redistribute with adjacent sibling sharing the same parent, else
// merge and recurse. Sibling choice on underflow: prefer the sibling with
// higher occupancy; tie -> left sibling."
func (t *Tree) fixUnderflowLeaf(slot int64, node *leafNode, path []ancestor) error {
	if len(path) == 0 {
		return nil // root leaf: underflow is allowed
	}

	parent := path[len(path)-1]
	idx := parent.childIdx
	min := minKeys(t.opts.Order)

	leftSlot, rightSlot := int64(noSlot), int64(noSlot)
	if idx > 0 {
		leftSlot = parent.node.children[idx-1]
	}
	if idx < len(parent.node.children)-1 {
		rightSlot = parent.node.children[idx+1]
	}

	var leftNode, rightNode *leafNode
	if leftSlot != noSlot {
		buf, err := t.storeRead(leftSlot)
		if err != nil {
			return ferr.New(ferr.KindIO, "btree.fixUnderflowLeaf", "", err)
		}
		leftNode = decodeLeaf(t.opts, buf)
	}
	if rightSlot != noSlot {
		buf, err := t.storeRead(rightSlot)
		if err != nil {
			return ferr.New(ferr.KindIO, "btree.fixUnderflowLeaf", "", err)
		}
		rightNode = decodeLeaf(t.opts, buf)
	}

	useLeft := leftNode != nil && (rightNode == nil || len(leftNode.entries) >= len(rightNode.entries))

	if useLeft && len(leftNode.entries) > min {
		last := leftNode.entries[len(leftNode.entries)-1]
		leftNode.entries = leftNode.entries[:len(leftNode.entries)-1]
		node.entries = append([]entry{last}, node.entries...)
		if err := t.writeLeaf(leftSlot, leftNode); err != nil {
			return err
		}
		if err := t.writeLeaf(slot, node); err != nil {
			return err
		}
		parent.node.seps[idx-1] = node.entries[0]
		return t.writeInternal(parent.slot, parent.node)
	}

	if !useLeft && rightNode != nil && len(rightNode.entries) > min {
		first := rightNode.entries[0]
		rightNode.entries = rightNode.entries[1:]
		node.entries = append(node.entries, first)
		if err := t.writeLeaf(slot, node); err != nil {
			return err
		}
		if err := t.writeLeaf(rightSlot, rightNode); err != nil {
			return err
		}
		parent.node.seps[idx] = rightNode.entries[0]
		return t.writeInternal(parent.slot, parent.node)
	}

	// Merge: combine node into its sibling of choice, remove the separator
	// and child from the parent, and recurse the underflow check upward.
	if useLeft {
		leftNode.entries = append(leftNode.entries, node.entries...)
		leftNode.right = node.right
		if err := t.writeLeaf(leftSlot, leftNode); err != nil {
			return err
		}
		if node.right != noSlot {
			if err := t.relinkLeftSibling(node.right, leftSlot); err != nil {
				return err
			}
		}
		return t.removeParentEntry(parent, idx-1, path[:len(path)-1])
	}

	node.entries = append(node.entries, rightNode.entries...)
	node.right = rightNode.right
	if err := t.writeLeaf(slot, node); err != nil {
		return err
	}
	if rightNode.right != noSlot {
		if err := t.relinkLeftSibling(rightNode.right, slot); err != nil {
			return err
		}
	}
	return t.removeParentEntry(parent, idx, path[:len(path)-1])
}

// removeParentEntry removes separator index sepIdx (and the child to its
// right) from parent.node, then checks parent for underflow.
func (t *Tree) removeParentEntry(parent ancestor, sepIdx int, grandPath []ancestor) error {
	n := parent.node
	n.seps = append(n.seps[:sepIdx], n.seps[sepIdx+1:]...)
	n.children = append(n.children[:sepIdx+1], n.children[sepIdx+2:]...)

	if len(grandPath) == 0 {
		// parent is root: collapse if it now has a single child.
		if len(n.children) == 1 {
			t.meta.root = n.children[0]
			t.metaDty = true
			return t.setParentHint(n.children[0], noSlot)
		}
		return t.writeInternal(parent.slot, n)
	}

	if err := t.writeInternal(parent.slot, n); err != nil {
		return err
	}

	min := minKeys(t.opts.Order)
	if len(n.seps) >= min {
		return nil
	}
	return t.fixUnderflowInternal(parent.slot, n, grandPath)
}

func (t *Tree) fixUnderflowInternal(slot int64, node *internalNode, path []ancestor) error {
	parent := path[len(path)-1]
	idx := parent.childIdx
	min := minKeys(t.opts.Order)

	leftSlot, rightSlot := int64(noSlot), int64(noSlot)
	if idx > 0 {
		leftSlot = parent.node.children[idx-1]
	}
	if idx < len(parent.node.children)-1 {
		rightSlot = parent.node.children[idx+1]
	}

	var leftNode, rightNode *internalNode
	if leftSlot != noSlot {
		buf, err := t.storeRead(leftSlot)
		if err != nil {
			return ferr.New(ferr.KindIO, "btree.fixUnderflowInternal", "", err)
		}
		leftNode = decodeInternal(t.opts, buf)
	}
	if rightSlot != noSlot {
		buf, err := t.storeRead(rightSlot)
		if err != nil {
			return ferr.New(ferr.KindIO, "btree.fixUnderflowInternal", "", err)
		}
		rightNode = decodeInternal(t.opts, buf)
	}

	useLeft := leftNode != nil && (rightNode == nil || len(leftNode.seps) >= len(rightNode.seps))

	if useLeft && len(leftNode.seps) > min {
		borrowSep := leftNode.seps[len(leftNode.seps)-1]
		borrowChild := leftNode.children[len(leftNode.children)-1]
		leftNode.seps = leftNode.seps[:len(leftNode.seps)-1]
		leftNode.children = leftNode.children[:len(leftNode.children)-1]

		node.seps = append([]entry{parent.node.seps[idx-1]}, node.seps...)
		node.children = append([]int64{borrowChild}, node.children...)
		parent.node.seps[idx-1] = borrowSep

		if err := t.setParentHint(borrowChild, slot); err != nil {
			return err
		}
		if err := t.writeInternal(leftSlot, leftNode); err != nil {
			return err
		}
		if err := t.writeInternal(slot, node); err != nil {
			return err
		}
		return t.writeInternal(parent.slot, parent.node)
	}

	if !useLeft && rightNode != nil && len(rightNode.seps) > min {
		borrowSep := rightNode.seps[0]
		borrowChild := rightNode.children[0]
		rightNode.seps = rightNode.seps[1:]
		rightNode.children = rightNode.children[1:]

		node.seps = append(node.seps, parent.node.seps[idx])
		node.children = append(node.children, borrowChild)
		parent.node.seps[idx] = borrowSep

		if err := t.setParentHint(borrowChild, slot); err != nil {
			return err
		}
		if err := t.writeInternal(rightSlot, rightNode); err != nil {
			return err
		}
		if err := t.writeInternal(slot, node); err != nil {
			return err
		}
		return t.writeInternal(parent.slot, parent.node)
	}

	if useLeft {
		sep := parent.node.seps[idx-1]
		leftNode.seps = append(leftNode.seps, sep)
		leftNode.seps = append(leftNode.seps, node.seps...)
		leftNode.children = append(leftNode.children, node.children...)
		for _, c := range node.children {
			if err := t.setParentHint(c, leftSlot); err != nil {
				return err
			}
		}
		leftNode.right = node.right
		if err := t.writeInternal(leftSlot, leftNode); err != nil {
			return err
		}
		return t.removeParentEntry(parent, idx-1, path[:len(path)-1])
	}

	sep := parent.node.seps[idx]
	node.seps = append(node.seps, sep)
	node.seps = append(node.seps, rightNode.seps...)
	node.children = append(node.children, rightNode.children...)
	for _, c := range rightNode.children {
		if err := t.setParentHint(c, slot); err != nil {
			return err
		}
	}
	node.right = rightNode.right
	if err := t.writeInternal(slot, node); err != nil {
		return err
	}
	return t.removeParentEntry(parent, idx, path[:len(path)-1])
}
