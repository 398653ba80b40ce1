package flintdb_test

import (
	"path/filepath"
	"testing"

	flintdb "github.com/fillmemory/flintdb"
	"github.com/fillmemory/flintdb/pkg/flintdb/codec"
)

func testDescriptor(t *testing.T) *codec.Descriptor {
	t.Helper()

	d, err := codec.ParseDescriptor([]byte(
		"NAME=users\n" +
			"WAL_MODE=LOG\n" +
			"COLUMN id U32 NOT_NULL\n" +
			"COLUMN name STRING 64\n" +
			"COLUMN score I32\n" +
			"INDEX PRIMARY id\n" +
			"INDEX SORT score\n" +
			"INDEX HASH name\n",
	))
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}
	return d
}

func openTestTable(t *testing.T) *flintdb.Table {
	t.Helper()

	dir := t.TempDir()
	tbl, err := flintdb.Open(filepath.Join(dir, "users"), testDescriptor(t), flintdb.RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func Test_Apply_Then_Read_Round_Trips_A_Row(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t)

	rowid, err := tbl.Apply(codec.Row{uint32(1), "alice", int32(42)}, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	row, ok, err := tbl.Read(rowid)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !ok {
		t.Fatal("Read reported not found for a just-inserted row")
	}
	if row[1] != "alice" {
		t.Fatalf("row[1] = %v, want alice", row[1])
	}
}

func Test_Apply_Without_Upsert_Rejects_Duplicate_Primary_Key(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t)

	if _, err := tbl.Apply(codec.Row{uint32(1), "alice", int32(1)}, false); err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	_, err := tbl.Apply(codec.Row{uint32(1), "bob", int32(2)}, false)
	if err == nil {
		t.Fatal("expected a duplicate-primary-key error, got nil")
	}
}

func Test_Apply_With_Upsert_Replaces_The_Prior_Row(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t)

	first, err := tbl.Apply(codec.Row{uint32(1), "alice", int32(1)}, false)
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}

	second, err := tbl.Apply(codec.Row{uint32(1), "alice-v2", int32(2)}, true)
	if err != nil {
		t.Fatalf("upsert Apply: %v", err)
	}

	if _, ok, err := tbl.Read(first); err != nil || ok {
		t.Fatalf("old rowid should be gone: ok=%v err=%v", ok, err)
	}

	row, ok, err := tbl.Read(second)
	if err != nil || !ok {
		t.Fatalf("Read(second): ok=%v err=%v", ok, err)
	}
	if row[1] != "alice-v2" {
		t.Fatalf("row[1] = %v, want alice-v2", row[1])
	}
}

func Test_Apply_Rejects_Null_Primary_Key(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t)

	_, err := tbl.Apply(codec.Row{nil, "alice", int32(1)}, false)
	if err == nil {
		t.Fatal("expected an error for a NULL primary key")
	}
}

func Test_Delete_Removes_Row_And_Read_Reports_Not_Found(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t)

	rowid, err := tbl.Apply(codec.Row{uint32(1), "alice", int32(1)}, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	found, err := tbl.Delete(rowid)
	if err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if !found {
		t.Fatal("Delete reported not found for a live row")
	}

	if _, ok, err := tbl.Read(rowid); err != nil || ok {
		t.Fatalf("Read after Delete: ok=%v err=%v", ok, err)
	}

	found, err = tbl.Delete(rowid)
	if err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if found {
		t.Fatal("second Delete on an already-deleted rowid should report false")
	}
}

func Test_Find_By_Hash_Index_Locates_Exact_Match(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t)

	rowid, err := tbl.Apply(codec.Row{uint32(7), "carol", int32(9)}, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if _, err := tbl.Apply(codec.Row{uint32(8), "dave", int32(3)}, false); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	cur, err := tbl.Find(t.Context(), flintdb.FindOptions{
		Index: "hash",
		Key:   codec.Row{nil, "carol", nil},
	})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	got, ok, err := cur.Next(t.Context())
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if !ok || got != rowid {
		t.Fatalf("Next = (%d, %v), want (%d, true)", got, ok, rowid)
	}

	if _, ok, err := cur.Next(t.Context()); err != nil || ok {
		t.Fatalf("expected the cursor to be exhausted after one match, ok=%v err=%v", ok, err)
	}
}

func Test_Find_By_Sort_Index_Ascending_Orders_Rows_By_Key(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t)

	rows := []codec.Row{
		{uint32(1), "a", int32(30)},
		{uint32(2), "b", int32(10)},
		{uint32(3), "c", int32(20)},
	}
	for _, r := range rows {
		if _, err := tbl.Apply(r, false); err != nil {
			t.Fatalf("Apply: %v", err)
		}
	}

	cur, err := tbl.Find(t.Context(), flintdb.FindOptions{Index: "sort"})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	var scores []int64
	for {
		rowid, ok, err := cur.Next(t.Context())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		row, _, err := tbl.Read(rowid)
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		scores = append(scores, row[2].(int64))
	}

	want := []int64{10, 20, 30}
	if len(scores) != len(want) {
		t.Fatalf("scores = %v, want %v", scores, want)
	}
	for i := range want {
		if scores[i] != want[i] {
			t.Fatalf("scores = %v, want %v", scores, want)
		}
	}
}

func Test_BulkLoad_Applies_Every_Row_In_Primary_Key_Order(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t)

	rows := []codec.Row{
		{uint32(3), "c", int32(3)},
		{uint32(1), "a", int32(1)},
		{uint32(2), "b", int32(2)},
	}

	rowids, err := tbl.BulkLoad(rows, false)
	if err != nil {
		t.Fatalf("BulkLoad: %v", err)
	}
	if len(rowids) != 3 {
		t.Fatalf("len(rowids) = %d, want 3", len(rowids))
	}

	for i, want := range []uint64{1, 2, 3} {
		row, ok, err := tbl.Read(rowids[i])
		if err != nil || !ok {
			t.Fatalf("Read(rowids[%d]): ok=%v err=%v", i, ok, err)
		}
		if row[0] != want {
			t.Fatalf("rowids[%d] decodes to id %v, want %d (bulk load should apply in PRIMARY key order)", i, row[0], want)
		}
	}
}

func Test_Apply_On_A_Closed_Table_Fails(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	tbl, err := flintdb.Open(filepath.Join(dir, "users"), testDescriptor(t), flintdb.RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	_, err = tbl.Apply(codec.Row{uint32(1), "alice", int32(1)}, false)
	if err == nil {
		t.Fatal("expected an error applying to a closed table")
	}
}

func Test_Open_On_Existing_Path_Rejects_A_Second_Writer(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "users")

	first, err := flintdb.Open(path, testDescriptor(t), flintdb.RDWR)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	defer func() { _ = first.Close() }()

	_, err = flintdb.Open(path, nil, flintdb.RDWR)
	if err == nil {
		t.Fatal("expected the second Open to fail while the first holds the lock")
	}
}

func Test_Compact_Reclaims_Space_And_Indexes_Still_Resolve(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t)

	var rowids []int64
	for i := uint32(0); i < 20; i++ {
		rowid, err := tbl.Apply(codec.Row{i, "row", int32(i)}, false)
		if err != nil {
			t.Fatalf("Apply(%d): %v", i, err)
		}
		rowids = append(rowids, rowid)
	}

	// Delete every other row, leaving tombstoned gaps for Compact to pack
	// live runs around.
	for i := 0; i < len(rowids); i += 2 {
		if _, err := tbl.Delete(rowids[i]); err != nil {
			t.Fatalf("Delete(%d): %v", i, err)
		}
	}

	if err := tbl.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	for i := 1; i < len(rowids); i += 2 {
		row, ok, err := tbl.Read(rowids[i])
		if err != nil {
			t.Fatalf("Read(%d) after Compact: %v", i, err)
		}
		if !ok {
			t.Fatalf("Read(%d) after Compact reported not found for a surviving row", i)
		}
		if row[2] != int64(i) {
			t.Fatalf("row[2] = %v, want %d", row[2], i)
		}
	}

	cur, err := tbl.Find(t.Context(), flintdb.FindOptions{Index: "sort"})
	if err != nil {
		t.Fatalf("Find after Compact: %v", err)
	}
	var count int
	for {
		_, ok, err := cur.Next(t.Context())
		if err != nil {
			t.Fatalf("Next after Compact: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 10 {
		t.Fatalf("sort index yielded %d rows after Compact, want 10", count)
	}
}

func Test_Compact_On_A_Table_With_No_Garbage_Is_A_NoOp(t *testing.T) {
	t.Parallel()

	tbl := openTestTable(t)

	rowid, err := tbl.Apply(codec.Row{uint32(1), "alice", int32(1)}, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}

	if err := tbl.Compact(); err != nil {
		t.Fatalf("Compact: %v", err)
	}

	row, ok, err := tbl.Read(rowid)
	if err != nil || !ok {
		t.Fatalf("Read after no-op Compact: ok=%v err=%v", ok, err)
	}
	if row[1] != "alice" {
		t.Fatalf("row[1] = %v, want alice", row[1])
	}
}

func Test_Apply_And_Delete_Survive_Reopen_Via_WAL_Replay(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "users")

	first, err := flintdb.Open(path, testDescriptor(t), flintdb.RDWR)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}

	keep, err := first.Apply(codec.Row{uint32(1), "alice", int32(1)}, false)
	if err != nil {
		t.Fatalf("Apply(keep): %v", err)
	}
	gone, err := first.Apply(codec.Row{uint32(2), "bob", int32(2)}, false)
	if err != nil {
		t.Fatalf("Apply(gone): %v", err)
	}
	if _, err := first.Delete(gone); err != nil {
		t.Fatalf("Delete(gone): %v", err)
	}
	replaced, err := first.Apply(codec.Row{uint32(3), "carol-v1", int32(3)}, false)
	if err != nil {
		t.Fatalf("Apply(replaced): %v", err)
	}
	replaced, err = first.Apply(codec.Row{uint32(3), "carol-v2", int32(4)}, true)
	if err != nil {
		t.Fatalf("upsert Apply(replaced): %v", err)
	}

	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := flintdb.Open(path, nil, flintdb.RDWR)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = second.Close() }()

	row, ok, err := second.Read(keep)
	if err != nil || !ok {
		t.Fatalf("Read(keep) after reopen: ok=%v err=%v", ok, err)
	}
	if row[1] != "alice" {
		t.Fatalf("row[1] = %v, want alice", row[1])
	}

	if _, ok, err := second.Read(gone); err != nil || ok {
		t.Fatalf("Read(gone) after reopen: ok=%v err=%v, want not found", ok, err)
	}

	row, ok, err = second.Read(replaced)
	if err != nil || !ok {
		t.Fatalf("Read(replaced) after reopen: ok=%v err=%v", ok, err)
	}
	if row[1] != "carol-v2" {
		t.Fatalf("row[1] = %v, want carol-v2", row[1])
	}

	cur, err := second.Find(t.Context(), flintdb.FindOptions{
		Index: "hash",
		Key:   codec.Row{nil, "carol-v1", nil},
	})
	if err != nil {
		t.Fatalf("Find(carol-v1): %v", err)
	}
	if _, ok, err := cur.Next(t.Context()); err != nil || ok {
		t.Fatalf("hash index still resolves the replaced row's old value: ok=%v err=%v", ok, err)
	}
}

func Test_Apply_Opportunistically_Compacts_Once_COMPACT_Threshold_Is_Configured(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	desc, err := codec.ParseDescriptor([]byte(
		"NAME=users\n" +
			"WAL_MODE=LOG\n" +
			"COMPACT=1\n" +
			"COLUMN id U32 NOT_NULL\n" +
			"COLUMN name STRING 64\n" +
			"COLUMN score I32\n" +
			"INDEX PRIMARY id\n",
	))
	if err != nil {
		t.Fatalf("ParseDescriptor: %v", err)
	}

	tbl, err := flintdb.Open(filepath.Join(dir, "users"), desc, flintdb.RDWR)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })

	var last int64
	for i := uint32(0); i < 10; i++ {
		rowid, err := tbl.Apply(codec.Row{i, "row", int32(i)}, false)
		if err != nil {
			t.Fatalf("Apply(%d): %v", i, err)
		}
		if i > 0 {
			if _, err := tbl.Delete(last); err != nil {
				t.Fatalf("Delete(%d): %v", i, err)
			}
		}
		last = rowid
	}

	row, ok, err := tbl.Read(last)
	if err != nil || !ok {
		t.Fatalf("Read(last): ok=%v err=%v", ok, err)
	}
	if row[0] != uint64(9) {
		t.Fatalf("row[0] = %v, want 9", row[0])
	}
}

func Test_Open_Reopens_An_Existing_Table_Without_A_Schema(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "users")

	first, err := flintdb.Open(path, testDescriptor(t), flintdb.RDWR)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	rowid, err := first.Apply(codec.Row{uint32(1), "alice", int32(1)}, false)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	second, err := flintdb.Open(path, nil, flintdb.RDWR)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer func() { _ = second.Close() }()

	row, ok, err := second.Read(rowid)
	if err != nil || !ok {
		t.Fatalf("Read after reopen: ok=%v err=%v", ok, err)
	}
	if row[1] != "alice" {
		t.Fatalf("row[1] = %v, want alice", row[1])
	}
}
