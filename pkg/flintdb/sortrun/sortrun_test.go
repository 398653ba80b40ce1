package sortrun_test

import (
	"math/rand"
	"testing"

	"github.com/fillmemory/flintdb/pkg/flintdb/codec"
	"github.com/fillmemory/flintdb/pkg/flintdb/sortrun"
)

func pairSchema() *codec.Schema {
	return &codec.Schema{Columns: []codec.Column{
		{Name: "a", Type: codec.ColI32, NotNull: true},
		{Name: "b", Type: codec.ColI32, NotNull: true},
	}}
}

func lessByAThenB(a, b codec.Row) bool {
	av, bv := a[0].(int64), b[0].(int64)
	if av != bv {
		return av < bv
	}
	return a[1].(int64) < b[1].(int64)
}

func Test_External_Sort_Of_Random_Pairs_Is_Stable_And_Total(t *testing.T) {
	t.Parallel()

	c := codec.New(pairSchema())
	s := sortrun.New(c, lessByAThenB, sortrun.Options{RunCapacity: 7, TempDir: t.TempDir()})

	rng := rand.New(rand.NewSource(42))
	type input struct{ a, b int64 }
	var inputs []input

	// 30 random pairs, scenario S4; several share the same `a` so ties are
	// exercised across and within runs.
	for i := 0; i < 30; i++ {
		a := rng.Int63n(5)
		b := int64(i)
		inputs = append(inputs, input{a, b})
		if err := s.Add(codec.Row{a, b}); err != nil {
			t.Fatalf("Add failed: %v", err)
		}
	}

	next, closer, err := s.Rows()
	if err != nil {
		t.Fatalf("Rows failed: %v", err)
	}
	t.Cleanup(func() { _ = closer() })

	var out []input
	for {
		row, ok, err := next()
		if err != nil {
			t.Fatalf("next failed: %v", err)
		}
		if !ok {
			break
		}
		out = append(out, input{row[0].(int64), row[1].(int64)})
	}

	if len(out) != len(inputs) {
		t.Fatalf("output has %d rows, want %d", len(out), len(inputs))
	}

	for i := 1; i < len(out); i++ {
		if out[i-1].a > out[i].a {
			t.Fatalf("not sorted at %d: %+v then %+v", i, out[i-1], out[i])
		}
	}

	// Stability: within each run of equal `a`, original b order is preserved.
	var lastA int64 = -1
	var lastB int64 = -1
	for _, row := range out {
		if row.a != lastA {
			lastA = row.a
			lastB = -1
		}
		if row.b <= lastB {
			t.Fatalf("tie-break broke input order: a=%d b=%d after b=%d", row.a, row.b, lastB)
		}
		lastB = row.b
	}
}
