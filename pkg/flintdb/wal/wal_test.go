package wal_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/fillmemory/flintdb/pkg/flintdb/wal"
)

func Test_Commit_Then_Recover_Replays_Records_In_Order(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := wal.Open(path, wal.Options{Mode: wal.ModeLog})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	txn := w.NextTxnID()
	if err := w.Begin(txn); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}
	if err := w.AppendData(wal.KindData, txn, 1, []byte("row-1")); err != nil {
		t.Fatalf("AppendData failed: %v", err)
	}
	if err := w.AppendData(wal.KindData, txn, 2, []byte("row-2")); err != nil {
		t.Fatalf("AppendData failed: %v", err)
	}
	if err := w.Commit(txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	var replayed [][]byte
	var targets []uint64
	if err := w.Recover(func(rec wal.Record) error {
		replayed = append(replayed, rec.Payload)
		targets = append(targets, rec.TargetID)
		return nil
	}); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if len(replayed) != 2 || string(replayed[0]) != "row-1" || string(replayed[1]) != "row-2" {
		t.Fatalf("replayed = %q, want [row-1 row-2]", replayed)
	}
	if len(targets) != 2 || targets[0] != 1 || targets[1] != 2 {
		t.Fatalf("targets = %v, want [1 2]", targets)
	}
}

func Test_Checkpoint_In_TruncateMode_Resets_File_To_HeaderSize(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := wal.Open(path, wal.Options{Mode: wal.ModeTruncate})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = w.Close() })

	txn := w.NextTxnID()
	_ = w.Begin(txn)
	_ = w.AppendData(wal.KindData, txn, 7, []byte("payload"))
	if err := w.Commit(txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}

	if err := w.Checkpoint(); err != nil {
		t.Fatalf("Checkpoint failed: %v", err)
	}

	committed, checkpoint := w.Stat()
	if committed != wal.HeaderSize || checkpoint != wal.HeaderSize {
		t.Fatalf("committed=%d checkpoint=%d, want both %d", committed, checkpoint, wal.HeaderSize)
	}

	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if fi.Size() != wal.HeaderSize {
		t.Fatalf("file size = %d, want %d", fi.Size(), wal.HeaderSize)
	}
}

func Test_Recover_Discards_Uncommitted_Transaction(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := wal.Open(path, wal.Options{Mode: wal.ModeLog})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	txn := w.NextTxnID()
	_ = w.Begin(txn)
	_ = w.AppendData(wal.KindData, txn, 3, []byte("never-committed"))
	// No Commit call: simulates a crash after AppendData, before Commit.
	// The pending buffer is in-process memory only, so it is simply lost;
	// nothing was ever written to the file for this record.

	var replayed [][]byte
	if err := w.Recover(func(rec wal.Record) error {
		replayed = append(replayed, rec.Payload)
		return nil
	}); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if len(replayed) != 0 {
		t.Fatalf("replayed = %v, want none", replayed)
	}
}

func Test_Recover_Stops_At_Torn_Tail_And_Truncates(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.wal")

	w, err := wal.Open(path, wal.Options{Mode: wal.ModeLog})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	txn := w.NextTxnID()
	_ = w.Begin(txn)
	_ = w.AppendData(wal.KindData, txn, 9, []byte("good"))
	if err := w.Commit(txn); err != nil {
		t.Fatalf("Commit failed: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Simulate a torn trailing write: append garbage bytes past the valid
	// committed tail, mirroring spec.md scenario S2.
	f, err := os.OpenFile(path, os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("reopen raw failed: %v", err)
	}
	if _, err := f.Write(make([]byte, 17)); err != nil {
		t.Fatalf("append garbage failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close raw failed: %v", err)
	}

	w2, err := wal.Open(path, wal.Options{Mode: wal.ModeLog})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = w2.Close() })

	var replayed [][]byte
	if err := w2.Recover(func(rec wal.Record) error {
		replayed = append(replayed, rec.Payload)
		return nil
	}); err != nil {
		t.Fatalf("Recover failed: %v", err)
	}

	if len(replayed) != 1 || string(replayed[0]) != "good" {
		t.Fatalf("replayed = %q, want [good]", replayed)
	}
}
