// Package lifetime computes per-variable live ranges over a function's
// linearized instruction stream, feeding the register allocator.
package lifetime

import "luavm/pkg/ir"

// VarKind distinguishes a local slot from a temporary register; both are
// tracked in the same numbering space as "variables" but occupy disjoint
// id ranges in the allocator.
type VarKind int

const (
	Local VarKind = iota
	Temp
)

// VarID names one variable being scanned.
type VarID struct {
	Kind VarKind
	ID   int // slot id for Local, register id for Temp
}

// Range is a live range: the variable is live across [Start, End]
// inclusive of instruction index, where instructions (including
// terminators) are numbered 0 upward across the whole function.
type Range struct {
	Start   int
	End     int
	IsFixed bool // local slots are always fixed: reserved for the whole function
	Type    Type
}

// Type is the lifetime scanner's best-effort, non-authoritative inference
// result, used only for trace/debug output.
type Type int

const (
	Unknown Type = iota
	Number
	Bool
	Str
	NilT
)

// Result is the scanner's output for one function.
type Result struct {
	Locals      map[int]*Range // slot id -> range
	Temps       map[int]*Range // register id -> range
	InstrCount  int            // total instructions scanned, including terminators
}

// Scan performs the single linear pass described by the lifetime scanner:
// locals start fixed-live from instruction 0, temporaries' ranges grow
// from their def to their last use, and call arguments get their end
// pushed one past the call so the allocator never lets them die exactly
// at the instruction that needs them.
func Scan(fn *ir.Function) *Result {
	res := &Result{Locals: map[int]*Range{}, Temps: map[int]*Range{}}

	// Pre-seed every declared local slot so unused locals still reserve
	// their register, matching "recorded at function entry with start=0".
	// fn.Locals is keyed by name and keeps only the latest slot of a
	// shadowed name, so walk the slot ids instead.
	for slot := 0; slot < fn.NumSlots; slot++ {
		res.Locals[slot] = &Range{Start: 0, End: 0, IsFixed: true}
	}

	idx := 0
	touchTemp := func(reg int, at int, isDef bool) {
		r, ok := res.Temps[reg]
		if !ok {
			r = &Range{Start: at, End: at}
			res.Temps[reg] = r
		}
		if isDef && at < r.Start {
			r.Start = at
		}
		if at > r.End {
			r.End = at
		}
	}
	touchLocal := func(slot int, at int) {
		r, ok := res.Locals[slot]
		if !ok {
			r = &Range{Start: 0, IsFixed: true}
			res.Locals[slot] = r
		}
		if at > r.End {
			r.End = at
		}
	}
	touchOperand := func(op ir.Operand, at int) {
		switch op.Kind {
		case ir.OpReg:
			touchTemp(op.Reg, at, false)
		case ir.OpSlot:
			touchLocal(op.Slot, at)
		}
	}

	tempType := map[int]Type{}
	localType := map[int]Type{}

	for _, bb := range fn.Blocks {
		for _, instr := range bb.Instr {
			for _, use := range uses(instr) {
				touchOperand(use, idx)
			}
			if d, ok := instr.Dest(); ok && d.Kind == ir.OpReg {
				touchTemp(d.Reg, idx, true)
			}

			switch in := instr.(type) {
			case ir.LoadImm:
				if in.Dest.Kind == ir.OpReg {
					tempType[in.Dest.Reg] = typeOfImmediate(in.Val)
				}
			case ir.StoreLocal:
				if in.Value.Kind == ir.OpReg {
					localType[in.Slot.Slot] = tempType[in.Value.Reg]
				}
			case ir.Call:
				extendTo := idx + 1
				if in.Callee.Kind == ir.OpReg {
					if r := res.Temps[in.Callee.Reg]; r != nil && r.End < extendTo {
						r.End = extendTo
					}
				}
				for _, a := range in.Args {
					if a.Kind == ir.OpReg {
						if r := res.Temps[a.Reg]; r != nil && r.End < extendTo {
							r.End = extendTo
						}
					}
				}
			}
			idx++
		}
		for _, use := range termUses(bb.Term) {
			touchOperand(use, idx)
		}
		idx++
	}

	res.InstrCount = idx

	for reg, t := range tempType {
		if r, ok := res.Temps[reg]; ok {
			r.Type = t
		}
	}
	for slot, t := range localType {
		if r, ok := res.Locals[slot]; ok {
			r.Type = t
		}
	}

	return res
}

func typeOfImmediate(op ir.Operand) Type {
	switch op.Kind {
	case ir.OpImmNum:
		return Number
	case ir.OpImmBool:
		return Bool
	case ir.OpImmStr:
		return Str
	case ir.OpNil:
		return NilT
	default:
		return Unknown
	}
}

// uses returns every operand an instruction reads (never its Dest).
func uses(instr ir.Instruction) []ir.Operand {
	switch in := instr.(type) {
	case ir.LoadImm:
		return nil
	case ir.Binary:
		return []ir.Operand{in.Left, in.Right}
	case ir.Unary:
		return []ir.Operand{in.X}
	case ir.Move:
		return []ir.Operand{in.Src}
	case ir.LoadLocal:
		return []ir.Operand{in.Slot}
	case ir.StoreLocal:
		return []ir.Operand{in.Value}
	case ir.LoadGlobal:
		return nil
	case ir.StoreGlobal:
		return []ir.Operand{in.Value}
	case ir.LoadUpVal:
		return nil
	case ir.SetUpVal:
		return []ir.Operand{in.Value}
	case ir.Drop:
		return []ir.Operand{in.X}
	case ir.Call:
		out := make([]ir.Operand, 0, len(in.Args)+1)
		out = append(out, in.Callee)
		out = append(out, in.Args...)
		return out
	case ir.IndexOf:
		return []ir.Operand{in.Table, in.Index}
	case ir.SetIndex:
		return []ir.Operand{in.Table, in.Index, in.Value}
	case ir.MemberOf:
		return []ir.Operand{in.Table, in.Key}
	case ir.SetMember:
		return []ir.Operand{in.Table, in.Key, in.Value}
	case ir.GetTable:
		return []ir.Operand{in.Table, in.Key}
	case ir.SetTable:
		return []ir.Operand{in.Table, in.Key, in.Value}
	case ir.NewTable:
		return nil
	case ir.FnProto:
		return nil
	default:
		return nil
	}
}

func termUses(term ir.Terminator) []ir.Operand {
	switch t := term.(type) {
	case ir.Return:
		return t.Values
	case ir.Branch:
		return []ir.Operand{t.Cond}
	default:
		return nil
	}
}
