package flintdb

import (
	"context"
	"fmt"

	"github.com/fillmemory/flintdb/pkg/flintdb/btree"
	"github.com/fillmemory/flintdb/pkg/flintdb/codec"
	"github.com/fillmemory/flintdb/pkg/flintdb/hashindex"
)

// Direction orders a range scan, per spec.md §4.5's find(index, direction,
// predicate, limit).
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Predicate filters decoded rows during a Find scan. A nil Predicate
// matches every row.
type Predicate func(row codec.Row) bool

// FindOptions parameterizes Table.Find.
type FindOptions struct {
	// Index names one of the table's declared indexes (spec.md §3's index
	// set); empty selects the PRIMARY index.
	Index string
	// Key, when non-nil, restricts the scan to an exact-match lookup on
	// Index (point lookup). This is the only scan mode a HASH index
	// supports (spec.md §4.4: hash indexes support "point lookup and
	// bucket iteration"; this implementation wires point lookup — full
	// bucket iteration has no ordering to offer a range scan caller and
	// is not built; see DESIGN.md).
	Key       codec.Row
	Direction Direction
	Predicate Predicate
	Skip      int
	Limit     int // 0 means unbounded
}

// Cursor streams matching rowids, per spec.md §9's "iterator objects with
// a next() contract."
type Cursor struct {
	t       *Table
	limit   int
	skip    int
	yielded int
	pred    Predicate

	// exactly one of these drives Next.
	materialized []int64
	materialIdx  int
	tree         *btree.Cursor
}

// Find returns a streaming iterator of rowids matching opts, per spec.md
// §4.5.
func (t *Table) Find(ctx context.Context, opts FindOptions) (*Cursor, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closed {
		return nil, newErr(KindInternal, "Table.Find", t.path, errClosed)
	}

	ix := t.primary
	if opts.Index != "" {
		found, ok := t.indexByName(opts.Index)
		if !ok {
			return nil, newErr(KindConstraint, "Table.Find", t.path, fmt.Errorf("unknown index %q", opts.Index))
		}
		ix = found
	}

	cur := &Cursor{t: t, limit: opts.Limit, skip: opts.Skip, pred: opts.Predicate}

	if opts.Key != nil {
		rowids, err := t.lookupExact(ix, opts.Key)
		if err != nil {
			return nil, err
		}
		cur.materialized = rowids
		return cur, nil
	}

	if ix.tree == nil {
		return nil, newErr(KindConstraint, "Table.Find", t.path, fmt.Errorf("index %q is a HASH index: range scans require an exact Key", ix.def.Name))
	}

	if opts.Direction == Desc {
		rowids, err := t.materializeAscending(ix)
		if err != nil {
			return nil, err
		}
		reverse(rowids)
		cur.materialized = rowids
		return cur, nil
	}

	treeCur, err := ix.tree.Seek(nil)
	if err != nil {
		return nil, newErr(KindIO, "Table.Find", ix.path, err)
	}
	cur.tree = treeCur

	return cur, nil
}

func (t *Table) indexByName(name string) (*tableIndex, bool) {
	for _, ix := range t.indexes {
		if ix.def.Name == name {
			return ix, true
		}
	}
	return nil, false
}

func (t *Table) lookupExact(ix *tableIndex, keyRow codec.Row) ([]int64, error) {
	key, ok, err := codec.EncodeKey(&t.desc.Schema, ix.def.Columns, keyRow)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	if ix.tree != nil {
		rowids, err := ix.tree.Find(key)
		if err != nil {
			return nil, newErr(KindIO, "Table.Find", ix.path, err)
		}
		return rowids, nil
	}

	h := hashindex.Hash64(key)
	candidates, err := ix.hash.Lookup(h)
	if err != nil {
		return nil, newErr(KindIO, "Table.Find", ix.path, err)
	}

	fp := fingerprint(key)
	var rowids []int64
	for _, c := range candidates {
		if c.Fingerprint != fp {
			continue
		}
		// Defeat a fingerprint collision too: reread the candidate row
		// and re-derive its key before trusting the match (spec.md §4.4:
		// "Lookup verifies full key by reading the referenced row").
		row, err := t.readUncached(c.RowID)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		actualKey, ok, err := codec.EncodeKey(&t.desc.Schema, ix.def.Columns, row)
		if err != nil {
			return nil, err
		}
		if ok && bytesEqual(actualKey, key) {
			rowids = append(rowids, c.RowID)
		}
	}
	return rowids, nil
}

func (t *Table) materializeAscending(ix *tableIndex) ([]int64, error) {
	treeCur, err := ix.tree.Seek(nil)
	if err != nil {
		return nil, newErr(KindIO, "Table.Find", ix.path, err)
	}
	var out []int64
	for {
		_, value, ok, err := treeCur.Next()
		if err != nil {
			return nil, newErr(KindIO, "Table.Find", ix.path, err)
		}
		if !ok {
			break
		}
		out = append(out, value)
	}
	return out, nil
}

func reverse(s []int64) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Next advances the cursor, applying Predicate/Skip/Limit, and returns the
// next matching rowid. ok is false once the scan is exhausted.
func (c *Cursor) Next(ctx context.Context) (rowid int64, ok bool, err error) {
	for {
		if ctx != nil {
			select {
			case <-ctx.Done():
				return 0, false, newErr(KindCancelled, "Cursor.Next", c.t.path, ctx.Err())
			default:
			}
		}

		if c.limit > 0 && c.yielded >= c.limit {
			return 0, false, nil
		}

		next, has, nerr := c.advance()
		if nerr != nil {
			return 0, false, nerr
		}
		if !has {
			return 0, false, nil
		}

		if c.pred != nil {
			row, _, rerr := c.t.Read(next)
			if rerr != nil {
				return 0, false, rerr
			}
			if row == nil || !c.pred(row) {
				continue
			}
		}

		if c.skip > 0 {
			c.skip--
			continue
		}

		c.yielded++
		return next, true, nil
	}
}

func (c *Cursor) advance() (int64, bool, error) {
	if c.tree != nil {
		_, value, ok, err := c.tree.Next()
		if err != nil {
			return 0, false, newErr(KindIO, "Cursor.Next", c.t.path, err)
		}
		return value, ok, nil
	}

	if c.materialIdx >= len(c.materialized) {
		return 0, false, nil
	}
	v := c.materialized[c.materialIdx]
	c.materialIdx++
	return v, true, nil
}
