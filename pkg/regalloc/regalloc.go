// Package regalloc assigns physical register indices to IR variables via
// linear-scan over the lifetime scanner's ranges, using a fixed stride
// between allocated temporaries so call-argument marshalling has room to
// land without clobbering a still-live value.
package regalloc

import (
	"sort"

	"luavm/pkg/ir"
	"luavm/pkg/lifetime"
)

// MinStride is the baseline spacing between consecutive temporary
// allocations: enough buffer for the common case of up to 3 call
// arguments. A fixed stride of 4 is unsound for calls with more
// arguments than that, since marshalling argument i into callee_reg+1+i
// can walk past the next allocated temporary. Allocate widens the
// per-function stride to fit the widest call it actually contains
// instead of shipping that bound.
const MinStride = 4

// Allocation is one function's register assignment: every local slot and
// temporary register mapped to a physical stack index, plus the resulting
// frame size.
type Allocation struct {
	LocalPhys map[int]int // slot id -> physical index (always slot id itself)
	TempPhys  map[int]int // temp register id -> physical index
	NumLocals int
	MaxUsage  int // highest physical index used, plus Stride
	Stride    int // this function's widened stride
}

type activeEntry struct {
	varID int
	end   int
	phys  int
}

// Allocate runs linear-scan allocation for one function given its
// lifetime-scanner result.
func Allocate(fn *ir.Function, scan *lifetime.Result) *Allocation {
	stride := MinStride
	if wide := maxCallWidth(fn) + 1; wide > stride {
		stride = wide
	}

	alloc := &Allocation{
		LocalPhys: map[int]int{},
		TempPhys:  map[int]int{},
		NumLocals: fn.NumSlots,
		Stride:    stride,
	}

	// Step 1: locals occupy the fixed prefix [0, num_slots) by slot id.
	for slot := range scan.Locals {
		alloc.LocalPhys[slot] = slot
	}

	// Step 2: temporaries sorted by lifetime start.
	type temp struct {
		id    int
		start int
		end   int
	}
	temps := make([]temp, 0, len(scan.Temps))
	for reg, r := range scan.Temps {
		temps = append(temps, temp{id: reg, start: r.Start, end: r.End})
	}
	sort.Slice(temps, func(i, j int) bool {
		if temps[i].start != temps[j].start {
			return temps[i].start < temps[j].start
		}
		return temps[i].id < temps[j].id
	})

	nextPhys := fn.NumSlots
	maxUsage := fn.NumSlots
	var active []activeEntry
	var free []int

	for _, t := range temps {
		// Evict anything whose lifetime ended strictly before this one starts.
		kept := active[:0]
		for _, a := range active {
			if a.end < t.start {
				free = append(free, a.phys)
			} else {
				kept = append(kept, a)
			}
		}
		active = kept

		var phys int
		if len(free) > 0 {
			sort.Ints(free)
			phys = free[0]
			free = free[1:]
		} else {
			phys = nextPhys
			nextPhys += stride
		}
		if phys+stride > maxUsage {
			maxUsage = phys + stride
		}
		alloc.TempPhys[t.id] = phys
		active = append(active, activeEntry{varID: t.id, end: t.end, phys: phys})
	}

	alloc.MaxUsage = maxUsage
	return alloc
}

// maxCallWidth scans every Call instruction in fn and returns the largest
// argument count found, so Allocate can widen its stride to guarantee
// safe argument marshalling regardless of call arity.
func maxCallWidth(fn *ir.Function) int {
	max := 0
	for _, bb := range fn.Blocks {
		for _, instr := range bb.Instr {
			if c, ok := instr.(ir.Call); ok && len(c.Args) > max {
				max = len(c.Args)
			}
		}
	}
	return max
}

// PhysOf resolves the physical register index for any IR operand backed
// by a register or local slot. Non-register operands (upvalues, immediates,
// prototype references) have no physical slot and ok is false.
func (a *Allocation) PhysOf(op ir.Operand) (int, bool) {
	switch op.Kind {
	case ir.OpReg:
		p, ok := a.TempPhys[op.Reg]
		return p, ok
	case ir.OpSlot:
		p, ok := a.LocalPhys[op.Slot]
		return p, ok
	default:
		return 0, false
	}
}
