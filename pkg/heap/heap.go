// Package heap owns every garbage-collected object the VM allocates:
// strings (interned), tables, function closures, and upvalues. It runs a
// stop-the-world mark-and-sweep collector triggered by an allocation
// threshold that doubles after every sweep.
package heap

import (
	"luavm/pkg/logger"
	"luavm/pkg/value"
)

const (
	initialThreshold = 1 << 20   // 1 MiB
	HardMemoryLimit  = 512 << 20 // 512 MiB
)

// Header-only approximations of per-object overhead, used by the size
// accounting the allocators compute. These are deliberately simple
// (pointer-sized slots) rather than emulating a specific allocator.
const (
	wordSize   = 8
	headerSize = 24 // mark + kind + size + next, rounded to a word boundary
)

// Roots is the source of GC roots the VM supplies at each collection: the
// globals table, every value currently on the shared stack, every live
// frame's upvalue array, and every function's constant pool.
type Roots struct {
	Globals    map[string]value.Value
	Stack      []value.Value
	FrameUps   [][]*value.UpvalueObj
	AllFuncs   []*value.FunctionObj
}

// Heap tracks the intrusive object list, the string intern table, and
// allocation accounting.
type Heap struct {
	head      value.Object
	interned  map[string]*value.StringObj
	total     int
	threshold int
	maxAlloc  int
}

// New creates an empty heap with the default GC trigger threshold.
func New() *Heap {
	return &Heap{interned: map[string]*value.StringObj{}, threshold: initialThreshold}
}

// TotalAllocated reports bytes currently accounted for by live objects.
func (h *Heap) TotalAllocated() int { return h.total }

// MaxAllocated reports the high-water mark of TotalAllocated ever seen.
func (h *Heap) MaxAllocated() int { return h.maxAlloc }

func (h *Heap) link(obj value.Object, size int) {
	hdr := obj.Header()
	hdr.Size = size
	hdr.Next = h.head
	h.head = obj
	h.total += size
	if h.total > h.maxAlloc {
		h.maxAlloc = h.total
	}
}

// ErrOutOfMemory is returned by an alloc_X call that would push total
// allocation past HardMemoryLimit.
type ErrOutOfMemory struct{}

func (ErrOutOfMemory) Error() string { return "out of memory" }

func (h *Heap) checkBudget(size int) error {
	if h.total+size > HardMemoryLimit {
		return ErrOutOfMemory{}
	}
	return nil
}

// AllocString interns s, returning the existing object if an identical
// string was already allocated.
func (h *Heap) AllocString(s string) (*value.StringObj, error) {
	if existing, ok := h.interned[s]; ok {
		return existing, nil
	}
	size := headerSize + len(s)
	if err := h.checkBudget(size); err != nil {
		return nil, err
	}
	obj := &value.StringObj{Header: value.Header{Kind: value.KindString}, Data: s}
	h.link(obj, size)
	h.interned[s] = obj
	return obj, nil
}

// AllocTable allocates a new empty table sized for sizeArray+sizeHash
// entries' worth of bucket capacity.
func (h *Heap) AllocTable(sizeArray, sizeHash int) (*value.TableObj, error) {
	entrySize := 2 * wordSize // key + value slot
	size := headerSize + (sizeArray+sizeHash)*entrySize
	if err := h.checkBudget(size); err != nil {
		return nil, err
	}
	obj := value.NewTable()
	h.link(obj, size)
	return obj, nil
}

// instrSize approximates one decoded bytecode.Instr's resident size: six
// int-sized fields, rounded to a word.
const instrSize = 6 * wordSize

// AllocFunction allocates a function object, accounting for its opcode
// and constant vector capacities.
func (h *Heap) AllocFunction(fn *value.FunctionObj) error {
	size := headerSize + cap(fn.Code)*instrSize + cap(fn.Constants)*wordSize + cap(fn.CapturedUpvals)*wordSize
	if err := h.checkBudget(size); err != nil {
		return err
	}
	fn.Header = value.Header{Kind: value.KindFunction}
	h.link(fn, size)
	return nil
}

// AllocUpvalue allocates an open upvalue pointing at an absolute stack index.
func (h *Heap) AllocUpvalue(stackIndex int) (*value.UpvalueObj, error) {
	size := headerSize + wordSize
	if err := h.checkBudget(size); err != nil {
		return nil, err
	}
	obj := &value.UpvalueObj{
		Header:     value.Header{Kind: value.KindUpvalue},
		State:      value.Open,
		StackIndex: stackIndex,
	}
	h.link(obj, size)
	return obj, nil
}

// ShouldCollect reports whether total allocation has crossed the current
// trigger threshold; the caller runs Collect and the threshold doubles.
func (h *Heap) ShouldCollect() bool { return h.total > h.threshold }

// Collect runs one full mark-and-sweep pass using roots, then doubles the
// trigger threshold for the next cycle.
func (h *Heap) Collect(roots Roots) {
	before := h.total
	h.threshold *= 2
	h.mark(roots)
	h.sweep()
	logger.LogGC(before, h.total, h.threshold)
}

func (h *Heap) mark(roots Roots) {
	for _, v := range roots.Globals {
		markValue(v)
	}
	for _, v := range roots.Stack {
		markValue(v)
	}
	for _, ups := range roots.FrameUps {
		for _, u := range ups {
			markUpvalue(u)
		}
	}
	for _, fn := range roots.AllFuncs {
		markFunction(fn)
	}
}

func markValue(v value.Value) {
	switch v.Type() {
	case value.TString:
		if s, ok := v.AsStringObj(); ok {
			markString(s)
		}
	case value.TTable:
		if t, ok := v.AsTable(); ok {
			markTable(t)
		}
	case value.TFunction:
		if f, ok := v.AsFunction(); ok {
			markFunction(f)
		}
	}
}

func markString(s *value.StringObj) {
	s.Header.Mark = true
}

func markTable(t *value.TableObj) {
	if t.Mark {
		return
	}
	t.Mark = true
	t.Each(func(k, v value.Value) {
		markValue(k)
		markValue(v)
	})
	if t.Meta != nil {
		markTable(t.Meta)
	}
}

func markFunction(f *value.FunctionObj) {
	if f.Mark {
		return
	}
	f.Mark = true
	for _, c := range f.Constants {
		markValue(c)
	}
	for _, u := range f.CapturedUpvals {
		markUpvalue(u)
	}
}

func markUpvalue(u *value.UpvalueObj) {
	if u == nil || u.Mark {
		return
	}
	u.Mark = true
	if u.State == value.Closed {
		markValue(u.ClosedVal)
	}
}

// sweep walks the intrusive object list, reclaiming everything left
// unmarked and purging the intern map of any string being reclaimed.
func (h *Heap) sweep() {
	var newHead value.Object
	var tail value.Object

	for obj := h.head; obj != nil; {
		hdr := obj.Header()
		next := hdr.Next
		if hdr.Mark {
			hdr.Mark = false
			hdr.Next = nil
			if tail == nil {
				newHead = obj
			} else {
				tail.Header().Next = obj
			}
			tail = obj
		} else {
			h.total -= hdr.Size
			if s, ok := obj.(*value.StringObj); ok {
				if interned, found := h.interned[s.Data]; found && interned == s {
					delete(h.interned, s.Data)
				}
			}
		}
		obj = next
	}
	h.head = newHead
}
