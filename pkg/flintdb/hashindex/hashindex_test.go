package hashindex_test

import (
	"path/filepath"
	"testing"

	"github.com/fillmemory/flintdb/pkg/flintdb/hashindex"
)

func Test_Put_Then_Lookup_Returns_The_RowID(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.hidx")

	h, err := hashindex.Open(path, 16)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	key := hashindex.Hash64([]byte("alice"))
	if err := h.Put(key, 0xAAAA, 42); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := h.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(got) != 1 || got[0].RowID != 42 {
		t.Fatalf("Lookup = %+v, want one candidate with RowID 42", got)
	}
}

func Test_Two_Keys_Hashing_To_The_Same_Bucket_Do_Not_Cross_Talk(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.hidx")

	h, err := hashindex.Open(path, 16)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	// Same hash64, different fingerprints: simulates a hash collision
	// between two distinct keys, matching spec.md scenario S6.
	const sharedHash = uint64(123456789)

	if err := h.Put(sharedHash, 1, 10); err != nil {
		t.Fatalf("Put(1) failed: %v", err)
	}
	if err := h.Put(sharedHash, 2, 20); err != nil {
		t.Fatalf("Put(2) failed: %v", err)
	}

	got, err := h.Lookup(sharedHash)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}

	byFP := map[uint32]int64{}
	for _, c := range got {
		byFP[c.Fingerprint] = c.RowID
	}
	if byFP[1] != 10 || byFP[2] != 20 {
		t.Fatalf("Lookup = %+v, want fp1->10 fp2->20", got)
	}
}

func Test_Delete_Removes_The_Entry(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.hidx")

	h, err := hashindex.Open(path, 16)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	key := hashindex.Hash64([]byte("bob"))
	if err := h.Put(key, 7, 99); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	found, err := h.Delete(key, 7, 99)
	if err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if !found {
		t.Fatalf("Delete found = false, want true")
	}

	got, err := h.Lookup(key)
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("Lookup after delete = %+v, want none", got)
	}
}

func Test_Grow_Preserves_All_Entries(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "test.hidx")

	h, err := hashindex.Open(path, 4)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { _ = h.Close() })

	for i := 0; i < 50; i++ {
		key := hashindex.Hash64([]byte{byte(i), byte(i >> 8)})
		if err := h.Put(key, uint32(i), int64(i)); err != nil {
			t.Fatalf("Put(%d) failed: %v", i, err)
		}
	}

	if err := h.Grow(); err != nil {
		t.Fatalf("Grow failed: %v", err)
	}

	for i := 0; i < 50; i++ {
		key := hashindex.Hash64([]byte{byte(i), byte(i >> 8)})
		got, err := h.Lookup(key)
		if err != nil {
			t.Fatalf("Lookup(%d) failed: %v", i, err)
		}

		found := false
		for _, c := range got {
			if c.Fingerprint == uint32(i) && c.RowID == int64(i) {
				found = true
			}
		}
		if !found {
			t.Fatalf("entry %d missing after Grow", i)
		}
	}
}
