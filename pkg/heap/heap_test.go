package heap

import (
	"testing"

	"luavm/pkg/value"
)

func TestStringInterningUniqueness(t *testing.T) {
	h := New()
	a, err := h.AllocString("hello")
	if err != nil {
		t.Fatal(err)
	}
	b, err := h.AllocString("hello")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Fatal("expected two allocations of the same content to return the same object")
	}
}

func TestSweepReclaimsUnreachableAndKeepsLive(t *testing.T) {
	h := New()
	live, _ := h.AllocString("kept")
	_, _ = h.AllocString("dropped")

	roots := Roots{Stack: []value.Value{value.FromObject(live)}}
	h.Collect(roots)

	if _, ok := h.interned["dropped"]; ok {
		t.Fatal("expected unreachable string to be purged from the intern map")
	}
	if _, ok := h.interned["kept"]; !ok {
		t.Fatal("expected reachable string to survive collection")
	}
}

func TestTotalAllocatedMatchesLiveObjectsAfterSweep(t *testing.T) {
	h := New()
	live, _ := h.AllocString("kept")
	_, _ = h.AllocString("dropped")

	h.Collect(Roots{Stack: []value.Value{value.FromObject(live)}})

	sum := 0
	for obj := h.head; obj != nil; obj = obj.Header().Next {
		sum += obj.Header().Size
	}
	if sum != h.total {
		t.Fatalf("object list sizes sum to %d, total_allocated is %d", sum, h.total)
	}
}

func TestMarkReachesThroughTableAndFunction(t *testing.T) {
	h := New()
	tbl, _ := h.AllocTable(0, 1)
	s, _ := h.AllocString("value")
	tbl.Set(value.Number(1), value.FromObject(s))

	fn := &value.FunctionObj{Name: "f", Constants: []value.Value{value.FromObject(tbl)}}
	if err := h.AllocFunction(fn); err != nil {
		t.Fatal(err)
	}

	h.Collect(Roots{AllFuncs: []*value.FunctionObj{fn}})

	if _, ok := h.interned["value"]; !ok {
		t.Fatal("expected string reachable via function constant -> table -> value to survive")
	}
}

func TestOutOfMemoryAboveHardLimit(t *testing.T) {
	h := New()
	huge := make([]byte, HardMemoryLimit+1)
	_, err := h.AllocString(string(huge))
	if err == nil {
		t.Fatal("expected ErrOutOfMemory for an allocation exceeding the hard limit")
	}
}
