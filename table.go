package flintdb

import (
	"fmt"
	"os"
	"sync"

	"github.com/fillmemory/flintdb/internal/fsx"
	"github.com/fillmemory/flintdb/pkg/flintdb/block"
	"github.com/fillmemory/flintdb/pkg/flintdb/btree"
	"github.com/fillmemory/flintdb/pkg/flintdb/codec"
	"github.com/fillmemory/flintdb/pkg/flintdb/compress"
	"github.com/fillmemory/flintdb/pkg/flintdb/hashindex"
	"github.com/fillmemory/flintdb/pkg/flintdb/rowcache"
	"github.com/fillmemory/flintdb/pkg/flintdb/wal"
)

// Mode controls whether an opened Table accepts mutations, per spec.md
// §4.5's "open(path, schema?, mode ∈ {RDONLY, RDWR})".
type Mode int

const (
	RDWR Mode = iota
	RDONLY
)

const (
	defaultDataBlockSize    = 512
	defaultIndexOrder       = 64
	defaultCacheCapacity    = 1024
	defaultGrowIncrement    = 64
	defaultInitialHashSlots = 64
)

// tableIndex is one open secondary or primary index backing a Table,
// dispatched on codec.IndexDef.Kind the way spec.md §9's "tagged variants
// where a closed set suffices" replaces the source's vtables.
type tableIndex struct {
	def   codec.IndexDef
	tree  *btree.Tree
	hash  *hashindex.HashIndex
	path  string
	width int
}

func (ix *tableIndex) close() error {
	if ix.tree != nil {
		return ix.tree.Close()
	}
	if ix.hash != nil {
		return ix.hash.Close()
	}
	return nil
}

// Table composes BlockStorage (primary data), RowCodec, N indexes
// (PRIMARY + SORT + HASH), a WAL and a row Cache into the single surface
// spec.md §4.5 and §2 describe, grounded on the teacher's
// [github.com/calvinalkan/agent-task/pkg/mddb.MDDB] for the reader/writer
// split and cross-process exclusivity shape.
//
// # Concurrency
//
// Safe for concurrent use: mu is a [sync.RWMutex] exactly like the
// teacher's MDDB.mu ("Writers acquire exclusive lock, Readers acquire
// shared lock"); an OS flock via [fsx.TryLockExclusive] additionally
// rejects a second process from opening the same table for writing,
// matching spec.md §3's "WAL is exclusive: ... multi-process writers are
// rejected via an OS file lock on open."
type Table struct {
	path string
	desc *codec.Descriptor
	mode Mode

	store      *block.Storage
	codec      *codec.Codec
	wal        *wal.WAL
	cache      *rowcache.Cache
	compressor compress.Codec
	indexes    []*tableIndex
	primary    *tableIndex

	lock   *fsx.FileLock
	writer *fsx.AtomicWriter

	mu     sync.RWMutex
	closed bool
}

func descPath(path string) string     { return path + ".desc" }
func overridePath(path string) string  { return path + ".desc.hujson" }
func walPath(path string) string      { return path + ".wal" }
func indexPath(path, name string) string { return path + ".i." + name }

// Open opens or creates the table rooted at path, per spec.md §4.5.
//
// If path+".desc" does not yet exist, schema must be non-nil and is
// written atomically (the teacher's atomic-rename config write,
// [fsx.AtomicWriter]). If it exists, the on-disk descriptor is
// authoritative and schema (if given) is ignored,
// since spec.md §3 says "Schema is immutable after create; a schema
// change means a new table."
func Open(path string, schema *codec.Descriptor, mode Mode) (*Table, error) {
	lock, err := fsx.TryLockExclusive(path)
	if err != nil {
		return nil, newErr(KindBusy, "Table.Open", path, err)
	}

	t, err := openLocked(path, schema, mode)
	if err != nil {
		_ = lock.Close()
		return nil, err
	}
	t.lock = lock

	return t, nil
}

func openLocked(path string, schema *codec.Descriptor, mode Mode) (*Table, error) {
	desc, err := loadOrWriteDescriptor(path, schema)
	if err != nil {
		return nil, err
	}

	t := &Table{
		path:   path,
		desc:   desc,
		mode:   mode,
		codec:  codec.New(&desc.Schema),
		writer: fsx.NewAtomicWriter(),
	}

	store, err := block.Open(path, block.Options{
		BlockSize:     defaultDataBlockSize,
		GrowIncrement: growIncrement(desc),
		// WritebackSync: spec.md P3/P5 requires that a reopen after a kill
		// -9 between a WAL commit and its storage/index mutations reflects
		// every durable commit. That only holds if Finalize/Delete/Compact
		// themselves reach disk before returning, not just the page cache.
		Writeback: block.WritebackSync,
	})
	if err != nil {
		return nil, newErr(KindIO, "Table.Open", path, err)
	}
	t.store = store

	registry := compress.NewRegistry()
	compressorKind, err := compress.ParseKind(orDefault(desc.Compressor, "none"))
	if err != nil {
		_ = store.Close()
		return nil, newErr(KindConstraint, "Table.Open", path, err)
	}
	cdc, err := registry.Resolve(compressorKind)
	if err != nil {
		_ = store.Close()
		return nil, newErr(KindInternal, "Table.Open", path, err)
	}
	t.compressor = cdc

	walMode := wal.ModeOff
	switch desc.WALMode {
	case codec.WALOff:
		walMode = wal.ModeOff
	case codec.WALLog:
		walMode = wal.ModeLog
	case codec.WALTruncate:
		walMode = wal.ModeTruncate
	}
	w, err := wal.Open(walPath(path), wal.Options{Mode: walMode})
	if err != nil {
		_ = store.Close()
		return nil, newErr(KindIO, "Table.Open", path, err)
	}
	t.wal = w

	cacheCap := desc.Cache
	if cacheCap <= 0 {
		cacheCap = defaultCacheCapacity
	}
	cache, err := rowcache.New(cacheCap)
	if err != nil {
		_ = store.Close()
		_ = w.Close()
		return nil, newErr(KindInternal, "Table.Open", path, err)
	}
	t.cache = cache

	for _, def := range desc.Indexes {
		ix, err := openIndex(path, &desc.Schema, def)
		if err != nil {
			t.closeAllOpened()
			return nil, err
		}
		t.indexes = append(t.indexes, ix)
		if def.Kind == codec.IndexPrimary {
			t.primary = ix
		}
	}

	// Recover runs last: it re-materializes committed-but-unapplied rows
	// via t.replayRecord, which touches store, indexes and cache, so every
	// one of them must already be open (spec.md §4.6 step 3).
	if err := w.Recover(t.replayRecord); err != nil {
		t.closeAllOpened()
		return nil, newErr(KindCorruption, "Table.Open", path, err)
	}

	return t, nil
}

func (t *Table) closeAllOpened() {
	for _, ix := range t.indexes {
		_ = ix.close()
	}
	if t.wal != nil {
		_ = t.wal.Close()
	}
	if t.store != nil {
		_ = t.store.Close()
	}
}

func growIncrement(desc *codec.Descriptor) uint32 {
	if desc.Mmap > 0 {
		return uint32(desc.Mmap)
	}
	return defaultGrowIncrement
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func openIndex(tablePath string, schema *codec.Schema, def codec.IndexDef) (*tableIndex, error) {
	width, err := codec.KeyWidth(schema, def.Columns)
	if err != nil {
		return nil, newErr(KindConstraint, "Table.Open", tablePath, err)
	}

	p := indexPath(tablePath, def.Name)
	ix := &tableIndex{def: def, path: p, width: width}

	switch def.Kind {
	case codec.IndexPrimary, codec.IndexSort:
		tree, err := btree.Open(p, btree.Options{KeySize: width, Order: defaultIndexOrder})
		if err != nil {
			return nil, newErr(KindIO, "Table.Open", p, err)
		}
		ix.tree = tree
	case codec.IndexHash:
		h, err := hashindex.Open(p, defaultInitialHashSlots)
		if err != nil {
			return nil, newErr(KindIO, "Table.Open", p, err)
		}
		ix.hash = h
	default:
		return nil, newErr(KindInternal, "Table.Open", p, fmt.Errorf("unknown index kind %q", def.Kind))
	}

	return ix, nil
}

func loadOrWriteDescriptor(path string, schema *codec.Descriptor) (*codec.Descriptor, error) {
	dp := descPath(path)

	existing, err := os.ReadFile(dp)
	if err == nil {
		desc, perr := codec.ParseDescriptor(existing)
		if perr != nil {
			return nil, newErr(KindCorruption, "Table.Open", dp, perr)
		}
		if err := applyOverride(path, desc); err != nil {
			return nil, err
		}
		return desc, nil
	}
	if !os.IsNotExist(err) {
		return nil, newErr(KindIO, "Table.Open", dp, err)
	}

	if schema == nil {
		return nil, newErr(KindConstraint, "Table.Open", dp, fmt.Errorf("no .desc file and no schema provided"))
	}
	if err := validateNewDescriptor(schema); err != nil {
		return nil, newErr(KindConstraint, "Table.Open", dp, err)
	}

	if err := fsx.NewAtomicWriter().Write(dp, schema.Encode()); err != nil {
		return nil, newErr(KindIO, "Table.Open", dp, err)
	}

	return schema, nil
}

func validateNewDescriptor(desc *codec.Descriptor) error {
	if desc.Name == "" {
		return fmt.Errorf("schema Name is required")
	}
	if len(desc.Schema.Columns) == 0 {
		return fmt.Errorf("schema needs at least one column")
	}
	hasPrimary := false
	for _, idx := range desc.Indexes {
		if idx.Kind == codec.IndexPrimary {
			hasPrimary = true
		}
	}
	if !hasPrimary {
		return fmt.Errorf("schema needs an INDEX PRIMARY")
	}
	return nil
}

// applyOverride reads the optional human-editable tuning file, if present,
// and merges it into desc. Absence of the file is not an error.
func applyOverride(tablePath string, desc *codec.Descriptor) error {
	data, err := os.ReadFile(overridePath(tablePath))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return newErr(KindIO, "Table.Open", overridePath(tablePath), err)
	}

	override, perr := codec.ParseOverride(data)
	if perr != nil {
		return perr
	}
	override.Apply(desc)
	return nil
}

// Close flushes and releases every resource the Table owns.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil
	}
	t.closed = true

	var firstErr error
	note := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for _, ix := range t.indexes {
		note(ix.close())
	}
	if t.wal != nil {
		note(t.wal.Checkpoint())
		note(t.wal.Close())
	}
	if t.store != nil {
		note(t.store.Close())
	}
	if t.lock != nil {
		note(t.lock.Close())
	}

	if firstErr != nil {
		return newErr(KindIO, "Table.Close", t.path, firstErr)
	}
	return nil
}

// Name returns the table's declared name.
func (t *Table) Name() string { return t.desc.Name }

// Schema returns the table's immutable column schema.
func (t *Table) Schema() *codec.Schema { return &t.desc.Schema }
