package btree

import "encoding/binary"

type leafNode struct {
	left, right, parentHint int64
	entries                 []entry
}

type internalNode struct {
	left, right, parentHint int64
	seps                    []entry // seps[i] separates children[i] from children[i+1]
	children                []int64
}

func encodeHeader(buf []byte, kind byte, keyCount int, left, right, parentHint int64) {
	buf[0] = kind
	buf[1] = 0
	binary.LittleEndian.PutUint16(buf[2:], uint16(keyCount))
	binary.LittleEndian.PutUint64(buf[4:], uint64(left))
	binary.LittleEndian.PutUint64(buf[12:], uint64(right))
	binary.LittleEndian.PutUint64(buf[20:], uint64(parentHint))
}

func decodeHeader(buf []byte) (kind byte, keyCount int, left, right, parentHint int64) {
	kind = buf[0]
	keyCount = int(binary.LittleEndian.Uint16(buf[2:]))
	left = int64(binary.LittleEndian.Uint64(buf[4:]))
	right = int64(binary.LittleEndian.Uint64(buf[12:]))
	parentHint = int64(binary.LittleEndian.Uint64(buf[20:]))
	return
}

func encodeLeaf(opts Options, entries []entry, left, right, parentHint int64) []byte {
	buf := make([]byte, opts.nodeBlockSize())
	encodeHeader(buf, kindLeaf, len(entries), left, right, parentHint)

	off := nodeHeaderSize
	es := opts.leafEntrySize()
	for _, e := range entries {
		copy(buf[off:], e.key)
		binary.LittleEndian.PutUint64(buf[off+opts.KeySize:], uint64(e.value))
		off += es
	}
	return buf
}

func decodeLeaf(opts Options, buf []byte) *leafNode {
	_, keyCount, left, right, parentHint := decodeHeader(buf)
	n := &leafNode{left: left, right: right, parentHint: parentHint}

	off := nodeHeaderSize
	es := opts.leafEntrySize()
	for i := 0; i < keyCount; i++ {
		key := append([]byte(nil), buf[off:off+opts.KeySize]...)
		value := int64(binary.LittleEndian.Uint64(buf[off+opts.KeySize:]))
		n.entries = append(n.entries, entry{key: key, value: value})
		off += es
	}
	return n
}

func encodeInternal(opts Options, seps []entry, children []int64, left, right, parentHint int64) []byte {
	buf := make([]byte, opts.nodeBlockSize())
	encodeHeader(buf, kindInternal, len(seps), left, right, parentHint)

	off := nodeHeaderSize
	es := opts.internalEntrySize()
	for i, s := range seps {
		copy(buf[off:], s.key)
		binary.LittleEndian.PutUint64(buf[off+opts.KeySize:], uint64(s.value))
		binary.LittleEndian.PutUint64(buf[off+opts.KeySize+8:], uint64(children[i]))
		off += es
	}
	// trailing child, after the last separator's child slot field
	binary.LittleEndian.PutUint64(buf[off:], uint64(children[len(seps)]))
	return buf
}

func decodeInternal(opts Options, buf []byte) *internalNode {
	_, keyCount, left, right, parentHint := decodeHeader(buf)
	n := &internalNode{left: left, right: right, parentHint: parentHint}

	off := nodeHeaderSize
	es := opts.internalEntrySize()
	for i := 0; i < keyCount; i++ {
		key := append([]byte(nil), buf[off:off+opts.KeySize]...)
		value := int64(binary.LittleEndian.Uint64(buf[off+opts.KeySize:]))
		child := int64(binary.LittleEndian.Uint64(buf[off+opts.KeySize+8:]))
		n.seps = append(n.seps, entry{key: key, value: value})
		n.children = append(n.children, child)
		off += es
	}
	trailing := int64(binary.LittleEndian.Uint64(buf[off:]))
	n.children = append(n.children, trailing)
	return n
}
