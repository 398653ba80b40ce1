package block_test

import (
	"bytes"
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/fillmemory/flintdb/pkg/flintdb/block"
)

func openTestStorage(t *testing.T, opts block.Options) (*block.Storage, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.blk")

	s, err := block.Open(path, opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	return s, path
}

func Test_Append_Then_Read_Returns_The_Same_Bytes(t *testing.T) {
	t.Parallel()

	s, _ := openTestStorage(t, block.Options{BlockSize: 64})

	want := []byte("the quick brown fox jumps over the lazy dog, repeated: the quick brown fox jumps over the lazy dog")

	slot, err := s.Append(want)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := s.Read(slot)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}

	if !bytes.Equal(got, want) {
		t.Fatalf("Read = %q, want %q", got, want)
	}
}

func Test_Append_Empty_Record_Is_Readable(t *testing.T) {
	t.Parallel()

	s, _ := openTestStorage(t, block.Options{BlockSize: 64})

	slot, err := s.Append(nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	got, err := s.Read(slot)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Read = %v, want empty", got)
	}
}

func Test_Delete_Makes_Slot_Unreadable_And_Idempotent(t *testing.T) {
	t.Parallel()

	s, _ := openTestStorage(t, block.Options{BlockSize: 64})

	slot, err := s.Append([]byte("hello"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := s.Delete(slot); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	if _, err := s.Read(slot); !errors.Is(err, block.ErrNotFound) {
		t.Fatalf("Read after delete = %v, want ErrNotFound", err)
	}

	if err := s.Delete(slot); !errors.Is(err, block.ErrNotFound) {
		t.Fatalf("second Delete = %v, want ErrNotFound", err)
	}
}

func Test_Delete_Frees_Blocks_For_Reuse_By_A_Later_Append(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reuse.blk")

	s, err := block.Open(path, block.Options{BlockSize: 64, GrowIncrement: 2, Writeback: block.WritebackSync})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	big := bytes.Repeat([]byte("x"), 200)

	slot, err := s.Append(big)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	before := fileSize(t, path)

	if err := s.Delete(slot); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	// Appending the same size again should not grow the file, since the
	// deleted run's blocks are reusable.
	if _, err := s.Append(big); err != nil {
		t.Fatalf("second Append failed: %v", err)
	}

	after := fileSize(t, path)
	if after > before {
		t.Fatalf("file grew on reuse: before=%d after=%d", before, after)
	}
}

func fileSize(t *testing.T, path string) int64 {
	t.Helper()
	fi, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	return fi.Size()
}

func Test_Overwrite_Smaller_Value_Rewrites_In_Place(t *testing.T) {
	t.Parallel()

	s, _ := openTestStorage(t, block.Options{BlockSize: 64})

	slot, err := s.Append(bytes.Repeat([]byte("a"), 100))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	newSlot, moved, err := s.Overwrite(slot, []byte("small"))
	if err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	if moved {
		t.Fatalf("Overwrite moved = true, want false for a smaller value")
	}
	if newSlot != slot {
		t.Fatalf("newSlot = %d, want %d", newSlot, slot)
	}

	got, err := s.Read(slot)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(got) != "small" {
		t.Fatalf("Read = %q, want %q", got, "small")
	}
}

func Test_Overwrite_Larger_Value_Relocates_And_Old_Slot_Becomes_Unreadable(t *testing.T) {
	t.Parallel()

	s, _ := openTestStorage(t, block.Options{BlockSize: 64})

	slot, err := s.Append([]byte("small"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	big := bytes.Repeat([]byte("b"), 300)
	newSlot, moved, err := s.Overwrite(slot, big)
	if err != nil {
		t.Fatalf("Overwrite failed: %v", err)
	}
	if !moved {
		t.Fatalf("Overwrite moved = false, want true for a larger value")
	}

	if _, err := s.Read(slot); !errors.Is(err, block.ErrNotFound) {
		t.Fatalf("Read(oldSlot) = %v, want ErrNotFound", err)
	}

	got, err := s.Read(newSlot)
	if err != nil {
		t.Fatalf("Read(newSlot) failed: %v", err)
	}
	if !bytes.Equal(got, big) {
		t.Fatalf("Read(newSlot) mismatch")
	}
}

func Test_Append_Spanning_Many_Blocks_Survives_Reopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "reopen.blk")

	s, err := block.Open(path, block.Options{BlockSize: 64, Writeback: block.WritebackSync})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	payload := bytes.Repeat([]byte("reopen-me "), 500)

	slot, err := s.Append(payload)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	s2, err := block.Open(path, block.Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	got, err := s2.Read(slot)
	if err != nil {
		t.Fatalf("Read after reopen failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("Read after reopen mismatch")
	}

	if s2.Count() != 1 {
		t.Fatalf("Count after reopen = %d, want 1", s2.Count())
	}
}

func Test_Read_Detects_Corrupted_Record_Via_CRC(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "corrupt.blk")

	s, err := block.Open(path, block.Options{BlockSize: 64, Writeback: block.WritebackSync})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}

	slot, err := s.Append([]byte("integrity matters"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	// Direct file mutation, mirroring the teacher's corruption_test.go
	// technique: flip a byte in the middle of the record's payload.
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("reopen raw failed: %v", err)
	}
	const headerSize = block.HeaderSize
	const blockSize = 64
	flipOffset := int64(headerSize) + int64(slot)*blockSize + block.MetaSize + 2
	if _, err := f.WriteAt([]byte{0xFF}, flipOffset); err != nil {
		t.Fatalf("corrupt write failed: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatalf("close raw failed: %v", err)
	}

	s2, err := block.Open(path, block.Options{})
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	t.Cleanup(func() { _ = s2.Close() })

	if _, err := s2.Read(slot); !errors.Is(err, block.ErrRecordCRC) {
		t.Fatalf("Read after corruption = %v, want ErrRecordCRC", err)
	}
}

func Test_Append_Many_Random_Sizes_Then_Read_All_Back(t *testing.T) {
	t.Parallel()

	s, _ := openTestStorage(t, block.Options{BlockSize: 128, GrowIncrement: 8})

	rng := rand.New(rand.NewSource(1))

	type record struct {
		slot uint64
		data []byte
	}

	var records []record
	for i := 0; i < 200; i++ {
		n := rng.Intn(500)
		data := make([]byte, n)
		rng.Read(data)

		slot, err := s.Append(data)
		if err != nil {
			t.Fatalf("Append(%d) failed: %v", i, err)
		}
		records = append(records, record{slot, data})
	}

	for _, r := range records {
		got, err := s.Read(r.slot)
		if err != nil {
			t.Fatalf("Read(%d) failed: %v", r.slot, err)
		}
		if !bytes.Equal(got, r.data) {
			t.Fatalf("Read(%d) mismatch: got %d bytes, want %d", r.slot, len(got), len(r.data))
		}
	}

	if s.Count() != uint64(len(records)) {
		t.Fatalf("Count = %d, want %d", s.Count(), len(records))
	}
}

func Test_Reserve_Then_Finalize_Makes_The_Slot_Readable(t *testing.T) {
	t.Parallel()

	s, _ := openTestStorage(t, block.Options{BlockSize: 64})

	slot, err := s.Reserve(5)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}

	if _, err := s.Read(slot); !errors.Is(err, block.ErrNotFound) {
		t.Fatalf("Read(reserved) = %v, want ErrNotFound", err)
	}

	if err := s.Finalize(slot, []byte("hello")); err != nil {
		t.Fatalf("Finalize failed: %v", err)
	}

	got, err := s.Read(slot)
	if err != nil {
		t.Fatalf("Read after Finalize failed: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("Read = %q, want %q", got, "hello")
	}
	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1", s.Count())
	}
}

func Test_Finalize_Twice_Does_Not_Double_Count_Records(t *testing.T) {
	t.Parallel()

	s, _ := openTestStorage(t, block.Options{BlockSize: 64})

	slot, err := s.Reserve(5)
	if err != nil {
		t.Fatalf("Reserve failed: %v", err)
	}
	if err := s.Finalize(slot, []byte("hello")); err != nil {
		t.Fatalf("first Finalize failed: %v", err)
	}
	if err := s.Finalize(slot, []byte("hello")); err != nil {
		t.Fatalf("second Finalize failed: %v", err)
	}

	if s.Count() != 1 {
		t.Fatalf("Count = %d, want 1 (Finalize must be idempotent)", s.Count())
	}
	if s.Bytes() != 5 {
		t.Fatalf("Bytes = %d, want 5", s.Bytes())
	}
}

func Test_Compact_Reclaims_Tombstoned_Space_And_Reports_Remaps(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "compact.blk")
	s, err := block.Open(path, block.Options{BlockSize: 64, Writeback: block.WritebackSync})
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })

	var slots []uint64
	for i := 0; i < 4; i++ {
		slot, err := s.Append([]byte{byte('a' + i)})
		if err != nil {
			t.Fatalf("Append(%d) failed: %v", i, err)
		}
		slots = append(slots, slot)
	}

	// Tombstone the first two records, leaving a gap before the rest.
	if err := s.Delete(slots[0]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := s.Delete(slots[1]); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	before := fileSize(t, path)

	remaps, err := s.Compact(0)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if len(remaps) != 2 {
		t.Fatalf("len(remaps) = %d, want 2", len(remaps))
	}

	after := fileSize(t, path)
	if after >= before {
		t.Fatalf("file did not shrink: before=%d after=%d", before, after)
	}

	for _, r := range remaps {
		got, err := s.Read(r.New)
		if err != nil {
			t.Fatalf("Read(new slot %d) failed: %v", r.New, err)
		}
		if len(got) != 1 {
			t.Fatalf("Read(new slot %d) = %v, want 1 byte", r.New, got)
		}
	}
	if s.Count() != 2 {
		t.Fatalf("Count after Compact = %d, want 2", s.Count())
	}
}

func Test_Compact_Below_Threshold_Is_A_NoOp(t *testing.T) {
	t.Parallel()

	s, _ := openTestStorage(t, block.Options{BlockSize: 64})

	slot, err := s.Append([]byte("hello"))
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := s.Delete(slot); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	remaps, err := s.Compact(1 << 30)
	if err != nil {
		t.Fatalf("Compact failed: %v", err)
	}
	if remaps != nil {
		t.Fatalf("remaps = %v, want nil for a threshold far above FreeBytes", remaps)
	}
}
