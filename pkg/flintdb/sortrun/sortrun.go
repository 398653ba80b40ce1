// Package sortrun implements ExternalSorter: a disk-backed multi-way merge
// sort over RowCodec entries, used by Table.BulkLoad, per
// spec.md §4.8.
//
// Grounded loosely on the pack's general heap-merge idiom
// (perkeep-perkeep's pkg/blobserver/encrypt uses container/heap for a
// similar N-way merge); no pack repo implements an external sort directly,
// so the run-file framing and merge loop are original code in the teacher's
// idiom. Run files are a flat, headerless sequence of
// {len u32 LE}{codec.Codec-encoded row} frames written with os.CreateTemp,
// mirroring the teacher's preference for plain *os.File handles over a
// dedicated temp-file abstraction.
package sortrun

import (
	"container/heap"
	"encoding/binary"
	"io"
	"os"

	"github.com/fillmemory/flintdb/pkg/flintdb/ferr"
	"github.com/fillmemory/flintdb/pkg/flintdb/codec"
)

// Less reports whether a sorts before b. Implementations must be a strict
// weak ordering; ExternalSorter breaks ties by input order (P6's "preserves
// input order on ties"), so Less need not itself examine insertion order.
type Less func(a, b codec.Row) bool

// Options configures a Sorter.
type Options struct {
	// RunCapacity is the number of rows buffered in memory before a run is
	// sorted and flushed to a temp file.
	RunCapacity int
	// TempDir is passed to os.CreateTemp for run files; "" uses the OS
	// default temp directory.
	TempDir string
}

func (o Options) withDefaults() Options {
	if o.RunCapacity <= 0 {
		o.RunCapacity = 4096
	}
	return o
}

// Sorter ingests rows into bounded in-memory buffers, flushing each as a
// sorted run file once full, then merges every run with a k-way heap merge
// on Rows. Restartable only within a single process lifetime (run
// files are temp files keyed by *os.File, not a durable path), matching
// spec.md §4.8.
type Sorter struct {
	codec *codec.Codec
	less  Less
	opts  Options

	buf      []indexed
	seq      int
	runFiles []*os.File
}

type indexed struct {
	row codec.Row
	seq int
}

// New returns a Sorter that encodes/decodes rows with c and orders them
// with less.
func New(c *codec.Codec, less Less, opts Options) *Sorter {
	return &Sorter{codec: c, less: less, opts: opts.withDefaults()}
}

// Add ingests one row, flushing the current in-memory run if it has reached
// RunCapacity.
func (s *Sorter) Add(row codec.Row) error {
	s.buf = append(s.buf, indexed{row: row, seq: s.seq})
	s.seq++
	if len(s.buf) >= s.opts.RunCapacity {
		return s.flush()
	}
	return nil
}

func (s *Sorter) flush() error {
	if len(s.buf) == 0 {
		return nil
	}

	s.sortBuf()

	f, err := os.CreateTemp(s.opts.TempDir, "flintdb-sortrun-*")
	if err != nil {
		return ferr.New(ferr.KindIO, "sortrun.flush", "", err)
	}

	for _, e := range s.buf {
		enc, err := s.codec.Encode(e.row)
		if err != nil {
			_ = f.Close()
			return err
		}
		if err := writeFrame(f, enc); err != nil {
			_ = f.Close()
			return err
		}
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		_ = f.Close()
		return ferr.New(ferr.KindIO, "sortrun.flush", "", err)
	}

	s.runFiles = append(s.runFiles, f)
	s.buf = s.buf[:0]
	return nil
}

// sortBuf sorts the pending in-memory buffer by Less, with insertion index
// as the tie-break, via a plain insertion-stable sort: the standard library
// sort.Slice is not stable, so ties are broken explicitly in the comparator
// itself rather than relying on sort.SliceStable's extra allocation.
func (s *Sorter) sortBuf() {
	buf := s.buf
	for i := 1; i < len(buf); i++ {
		j := i
		for j > 0 && s.lessIndexed(buf[j], buf[j-1]) {
			buf[j], buf[j-1] = buf[j-1], buf[j]
			j--
		}
	}
}

func (s *Sorter) lessIndexed(a, b indexed) bool {
	if s.less(a.row, b.row) {
		return true
	}
	if s.less(b.row, a.row) {
		return false
	}
	return a.seq < b.seq
}

func writeFrame(f *os.File, payload []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := f.Write(lenBuf[:]); err != nil {
		return ferr.New(ferr.KindIO, "sortrun.writeFrame", f.Name(), err)
	}
	if _, err := f.Write(payload); err != nil {
		return ferr.New(ferr.KindIO, "sortrun.writeFrame", f.Name(), err)
	}
	return nil
}

func readFrame(f *os.File) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(f, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, ferr.New(ferr.KindIO, "sortrun.readFrame", f.Name(), err)
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	payload := make([]byte, n)
	if _, err := io.ReadFull(f, payload); err != nil {
		return nil, ferr.New(ferr.KindCorruption, "sortrun.readFrame", f.Name(), err)
	}
	return payload, nil
}

// mergeItem is one live candidate row from one run's file, kept in the
// merge heap.
type mergeItem struct {
	row    codec.Row
	seq    int
	run    int
	source *os.File
}

type mergeHeap struct {
	items []mergeItem
	less  Less
}

func (h mergeHeap) Len() int { return len(h.items) }
func (h mergeHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	if h.less(a.row, b.row) {
		return true
	}
	if h.less(b.row, a.row) {
		return false
	}
	return a.seq < b.seq
}
func (h mergeHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *mergeHeap) Push(x any)   { h.items = append(h.items, x.(mergeItem)) }
func (h *mergeHeap) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}

// Rows finalizes ingestion (flushing any partial in-memory run), then
// returns the fully sorted sequence of rows as a pull-based iterator. The
// returned closer releases every run file's temp-file handle; callers must
// call it even on an early exit from the iteration.
func (s *Sorter) Rows() (next func() (codec.Row, bool, error), closer func() error, err error) {
	if err := s.flush(); err != nil {
		return nil, nil, err
	}

	h := &mergeHeap{less: s.less}
	for runIdx, f := range s.runFiles {
		payload, rerr := readFrame(f)
		if rerr == io.EOF {
			continue
		}
		if rerr != nil {
			return nil, nil, rerr
		}
		row, derr := s.codec.Decode(payload)
		if derr != nil {
			return nil, nil, derr
		}
		h.items = append(h.items, mergeItem{row: row, seq: runSeq(runIdx), run: runIdx, source: f})
	}
	heap.Init(h)

	next = func() (codec.Row, bool, error) {
		if h.Len() == 0 {
			return nil, false, nil
		}
		top := heap.Pop(h).(mergeItem)

		payload, rerr := readFrame(top.source)
		switch rerr {
		case nil:
			row, derr := s.codec.Decode(payload)
			if derr != nil {
				return nil, false, derr
			}
			heap.Push(h, mergeItem{row: row, seq: runSeq(top.run), run: top.run, source: top.source})
		case io.EOF:
			// run exhausted; nothing re-pushed
		default:
			return nil, false, rerr
		}

		return top.row, true, nil
	}

	closer = func() error {
		var first error
		for _, f := range s.runFiles {
			name := f.Name()
			if cerr := f.Close(); cerr != nil && first == nil {
				first = ferr.New(ferr.KindIO, "sortrun.Close", name, cerr)
			}
			_ = os.Remove(name)
		}
		return first
	}

	return next, closer, nil
}

// runSeq assigns a monotonically increasing tie-break sequence per row
// pulled from a run, by run index: earlier runs were flushed first so their
// rows were inserted earlier, preserving P6's "preserves input order on
// ties" across run boundaries as well as within one run's own buffer.
func runSeq(runIdx int) int { return runIdx }
