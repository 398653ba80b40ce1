package wal

import (
	"fmt"
	"os"
	"sync"

	"github.com/fillmemory/flintdb/pkg/flintdb/ferr"
)

// Options configures Open.
type Options struct {
	Mode Mode
	// Now returns the current time as a Unix timestamp; defaults to a
	// stub that always returns 0, which the caller can override. Kept as a field
	// (rather than calling time.Now directly) so tests can pin CreatedTS.
	Now func() int64
}

// ReplayFunc is invoked once per after-image record belonging to a
// committed transaction, in LSN order, during Recover.
type ReplayFunc func(rec Record) error

// WAL is a single table's write-ahead log.
type WAL struct {
	mu sync.Mutex

	fd   *os.File
	path string
	mode Mode

	lastTxnID        uint64
	committedOffset  uint64
	checkpointOffset uint64
	commitCounter    uint64

	// pending holds frames appended via Append but not yet part of a
	// durable COMMIT; Commit flushes them with a single write + fsync,
	// matching spec.md's group-commit contract for a single in-process
	// writer (multi-goroutine coalescing is not built).
	pending []byte
}

// Open opens or creates the WAL file at path.
func Open(path string, opts Options) (*WAL, error) {
	if opts.Now == nil {
		opts.Now = func() int64 { return 0 }
	}

	fd, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, ferr.New(ferr.KindIO, "wal.Open", path, err)
	}

	fi, err := fd.Stat()
	if err != nil {
		_ = fd.Close()
		return nil, ferr.New(ferr.KindIO, "wal.Open", path, err)
	}

	w := &WAL{fd: fd, path: path, mode: opts.Mode}

	if fi.Size() == 0 {
		if err := w.initEmpty(opts.Now()); err != nil {
			_ = fd.Close()
			return nil, err
		}
		return w, nil
	}

	if err := w.loadHeader(); err != nil {
		_ = fd.Close()
		return nil, err
	}

	return w, nil
}

func (w *WAL) initEmpty(createdTS int64) error {
	h := &header{CreatedTS: createdTS, CommittedOffset: HeaderSize, CheckpointOffset: HeaderSize}
	if _, err := w.fd.WriteAt(encodeHeaderPage(h), 0); err != nil {
		return ferr.New(ferr.KindIO, "wal.Open", w.path, err)
	}
	if err := w.fd.Sync(); err != nil {
		return ferr.New(ferr.KindIO, "wal.Open", w.path, err)
	}

	w.committedOffset = HeaderSize
	w.checkpointOffset = HeaderSize
	return nil
}

func (w *WAL) loadHeader() error {
	page := make([]byte, HeaderSize)
	if _, err := w.fd.ReadAt(page, 0); err != nil {
		return ferr.New(ferr.KindIO, "wal.Open", w.path, err)
	}

	h, ok := decodeHeaderPage(page)
	if !ok {
		return ferr.New(ferr.KindCorruption, "wal.Open", w.path, fmt.Errorf("both header copies invalid"))
	}

	w.lastTxnID = h.LastTxnID
	w.committedOffset = h.CommittedOffset
	w.checkpointOffset = h.CheckpointOffset
	w.commitCounter = h.CommitCounter
	if w.mode == ModeOff {
		w.mode = h.Mode
	}

	return nil
}

func (w *WAL) flushHeader(createdTS int64) error {
	w.commitCounter++
	h := &header{
		CreatedTS:        createdTS,
		LastTxnID:        w.lastTxnID,
		CommittedOffset:  w.committedOffset,
		CheckpointOffset: w.checkpointOffset,
		Mode:             w.mode,
		CommitCounter:    w.commitCounter,
	}
	if _, err := w.fd.WriteAt(encodeHeaderPage(h), 0); err != nil {
		return ferr.New(ferr.KindIO, "wal.flushHeader", w.path, err)
	}
	return w.fd.Sync()
}

// Close syncs and closes the underlying file. It does not checkpoint;
// callers that want a clean-close checkpoint/truncate must call Checkpoint
// first (Table.Close does this per spec.md §9's resolved open question).
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fd.Close()
}

// NextTxnID allocates a new, monotonically increasing transaction id.
func (w *WAL) NextTxnID() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastTxnID++
	return w.lastTxnID
}

// Begin appends a BEGIN record for txnID.
func (w *WAL) Begin(txnID uint64) error {
	return w.appendUncommitted(KindBegin, txnID, 0, nil)
}

// AppendData appends a DATA or INDEX after-image record for txnID, tagged
// with targetID — the rowid/slot the after-image applies to — so Recover
// can re-derive the operation's effect without consulting anything but the
// WAL itself. It is buffered with other pending records until Commit or
// Rollback.
func (w *WAL) AppendData(kind Kind, txnID, targetID uint64, payload []byte) error {
	return w.appendUncommitted(kind, txnID, targetID, payload)
}

func (w *WAL) appendUncommitted(kind Kind, txnID, targetID uint64, payload []byte) error {
	if w.mode == ModeOff {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.pending = append(w.pending, encodeRecord(kind, txnID, targetID, payload)...)
	return nil
}

// Commit appends a COMMIT record for txnID, flushes every record buffered
// since the matching Begin with a single write, fsyncs, and advances
// committedOffset. After Commit returns, every buffered record for txnID is
// durable (spec.md's "a DATA/INDEX record is never considered durable
// before its COMMIT record").
func (w *WAL) Commit(txnID uint64) error {
	if w.mode == ModeOff {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	frame := append(w.pending, encodeRecord(KindCommit, txnID, 0, nil)...)
	w.pending = nil

	if _, err := w.fd.WriteAt(frame, int64(w.committedOffset)); err != nil {
		return ferr.New(ferr.KindIO, "wal.Commit", w.path, err)
	}
	if err := w.fd.Sync(); err != nil {
		return ferr.New(ferr.KindIO, "wal.Commit", w.path, err)
	}

	w.committedOffset += uint64(len(frame))
	return w.flushHeader(0)
}

// Rollback discards buffered records for the current transaction and
// appends a ROLLBACK marker, matching spec.md's deadline-cancellation
// contract ("marks its txn as rolled back via a ROLLBACK record").
func (w *WAL) Rollback(txnID uint64) error {
	if w.mode == ModeOff {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending = nil

	frame := encodeRecord(KindRollback, txnID, 0, nil)
	if _, err := w.fd.WriteAt(frame, int64(w.committedOffset)); err != nil {
		return ferr.New(ferr.KindIO, "wal.Rollback", w.path, err)
	}
	if err := w.fd.Sync(); err != nil {
		return ferr.New(ferr.KindIO, "wal.Rollback", w.path, err)
	}

	w.committedOffset += uint64(len(frame))
	return w.flushHeader(0)
}

// Checkpoint writes a CHECKPOINT record, advances checkpointOffset to the
// current committedOffset, and — in ModeTruncate — truncates the file back
// to HeaderSize, per spec.md's resolved open question: "clean close always
// checkpoints and truncates regardless of cadence."
func (w *WAL) Checkpoint() error {
	if w.mode == ModeOff {
		return nil
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.checkpointLocked()
}

// checkpointLocked is Checkpoint's body, callable by Recover which already
// holds w.mu for the duration of its scan.
func (w *WAL) checkpointLocked() error {
	frame := encodeRecord(KindCheckpoint, 0, 0, nil)
	if _, err := w.fd.WriteAt(frame, int64(w.committedOffset)); err != nil {
		return ferr.New(ferr.KindIO, "wal.Checkpoint", w.path, err)
	}
	if err := w.fd.Sync(); err != nil {
		return ferr.New(ferr.KindIO, "wal.Checkpoint", w.path, err)
	}
	w.committedOffset += uint64(len(frame))
	w.checkpointOffset = w.committedOffset

	if w.mode == ModeTruncate {
		if err := w.fd.Truncate(HeaderSize); err != nil {
			return ferr.New(ferr.KindIO, "wal.Checkpoint", w.path, err)
		}
		w.committedOffset = HeaderSize
		w.checkpointOffset = HeaderSize
	}

	return w.flushHeader(0)
}

// Stat returns the current committed and checkpoint offsets, for tests and
// diagnostics (I3/I4 assertions).
func (w *WAL) Stat() (committed, checkpoint uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.committedOffset, w.checkpointOffset
}

// Mode returns the WAL's configured durability/retention mode.
func (w *WAL) Mode() Mode {
	return w.mode
}
