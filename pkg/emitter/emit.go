// Package emitter lowers an ir.Module, once register-allocated, into a
// bytecode.Chunk per function: every IR instruction becomes one or more
// physical-register instructions, constant immediates are interned into
// the chunk's constant pool, and block-relative jump/branch targets are
// patched to absolute instruction indices after each function's blocks
// have all been laid out.
package emitter

import (
	"fmt"

	"luavm/pkg/bytecode"
	"luavm/pkg/ir"
	"luavm/pkg/lifetime"
	"luavm/pkg/regalloc"
)

// Program is the emitter's output: one chunk per source function, keyed by
// its ir.Function name, plus the entry chunk's name for convenience.
type Program struct {
	Chunks map[string]*bytecode.Chunk
	Entry  string
}

// Emit compiles every function in mod into a bytecode.Chunk.
func Emit(mod *ir.Module) (*Program, error) {
	prog := &Program{Chunks: map[string]*bytecode.Chunk{}, Entry: ir.EntryFunctionName}
	for _, fn := range mod.Functions {
		chunk, err := emitFunction(fn)
		if err != nil {
			return nil, err
		}
		prog.Chunks[fn.Name] = chunk
	}
	return prog, nil
}

type patch struct {
	instrIdx int
	block    int
}

func emitFunction(fn *ir.Function) (*bytecode.Chunk, error) {
	scan := lifetime.Scan(fn)
	alloc := regalloc.Allocate(fn, scan)

	chunk := bytecode.NewChunk(fn.Name)
	chunk.NumParams = len(fn.Params)
	chunk.NumLocals = alloc.NumLocals
	chunk.ChildProtos = append([]string(nil), fn.Children...)
	for _, up := range fn.Upvalues {
		chunk.Upvalues = append(chunk.Upvalues, bytecode.UpvalueDesc{
			FromLocal: up.Source.FromLocal,
			Index:     up.Source.Slot,
		})
	}

	// One scratch register beyond the allocator's frame, reserved for
	// breaking cycles when marshalling call arguments (see emitCall).
	scratch := alloc.MaxUsage
	chunk.MaxStackSize = alloc.MaxUsage + 1

	e := &funcEmitter{fn: fn, alloc: alloc, chunk: chunk, blockStart: map[int]int{}, scratch: scratch}
	for _, bb := range fn.Blocks {
		e.blockStart[bb.ID] = len(chunk.Code)
		for _, instr := range bb.Instr {
			if err := e.emitInstr(instr); err != nil {
				return nil, err
			}
		}
		if err := e.emitTerm(bb.Term); err != nil {
			return nil, err
		}
	}
	for _, p := range e.patches {
		target, ok := e.blockStart[p.block]
		if !ok {
			return nil, fmt.Errorf("emitter: %s: jump to unknown block %d", fn.Name, p.block)
		}
		chunk.Patch(p.instrIdx, target)
	}
	return chunk, nil
}

type funcEmitter struct {
	fn         *ir.Function
	alloc      *regalloc.Allocation
	chunk      *bytecode.Chunk
	blockStart map[int]int
	patches    []patch
	scratch    int
}

// phys resolves a register/slot operand to its physical index. Any other
// operand kind reaching here (an immediate outside LoadImm, say) is an
// emitter bug in the generator, not a recoverable runtime condition.
func (e *funcEmitter) phys(op ir.Operand) int {
	p, ok := e.alloc.PhysOf(op)
	if !ok {
		panic(fmt.Sprintf("emitter: %s: operand %s has no physical register", e.fn.Name, op))
	}
	return p
}

func (e *funcEmitter) jumpTo(block int, line int) {
	idx := e.chunk.Emit(bytecode.Instr{Op: bytecode.OpJump, Line: line})
	e.patches = append(e.patches, patch{instrIdx: idx, block: block})
}

func (e *funcEmitter) testTo(condPhys, block, line int) {
	idx := e.chunk.Emit(bytecode.Instr{Op: bytecode.OpTest, A: condPhys, Line: line})
	e.patches = append(e.patches, patch{instrIdx: idx, block: block})
}

func (e *funcEmitter) emitTerm(term ir.Terminator) error {
	switch t := term.(type) {
	case ir.Return:
		switch len(t.Values) {
		case 0:
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpReturn, B: 0})
		case 1:
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpReturn, A: e.phys(t.Values[0]), B: 1})
		default:
			return fmt.Errorf("emitter: %s: multiple return values reached emission", e.fn.Name)
		}
	case ir.Jump:
		e.jumpTo(t.Target, 0)
	case ir.Branch:
		// Test falls through when Cond is truthy; when falsy it jumps to
		// Else. The unconditional Jump after it lands in Then. Both targets
		// are patched once every block's start offset is known.
		e.testTo(e.phys(t.Cond), t.Else, 0)
		e.jumpTo(t.Then, 0)
	case ir.FallThrough:
		// Blocks are laid out in fn.Blocks order, so control already
		// continues into the next block; nothing to emit.
	default:
		return fmt.Errorf("emitter: %s: unhandled terminator %T", e.fn.Name, term)
	}
	return nil
}

var binOpCodes = map[ir.BinOp]bytecode.Op{
	ir.Add: bytecode.OpAdd, ir.Sub: bytecode.OpSub, ir.Mul: bytecode.OpMul,
	ir.Div: bytecode.OpDiv, ir.Mod: bytecode.OpMod, ir.Pow: bytecode.OpPow,
	ir.Concat: bytecode.OpConcat,
	ir.Eq:     bytecode.OpEq, ir.Ne: bytecode.OpNe,
	ir.Lt: bytecode.OpLt, ir.Gt: bytecode.OpGt, ir.Le: bytecode.OpLe, ir.Ge: bytecode.OpGe,
}

var unOpCodes = map[ir.UnOp]bytecode.Op{
	ir.Neg: bytecode.OpNeg, ir.Not: bytecode.OpNot, ir.Len: bytecode.OpLen,
}

// emitInstr lowers one IR instruction to zero or more bytecode instructions.
// REDESIGN FLAGS calls for treating any IR shape this switch doesn't
// recognize as a hard compile-time error rather than silently dropping it.
func (e *funcEmitter) emitInstr(instr ir.Instruction) error {
	switch in := instr.(type) {
	case ir.LoadImm:
		dest := e.phys(in.Dest)
		switch in.Val.Kind {
		case ir.OpImmNum:
			k := e.chunk.AddConstant(bytecode.Const{Kind: bytecode.ConstNumber, Num: in.Val.Num})
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpLoadK, Dest: dest, A: k})
		case ir.OpImmStr:
			k := e.chunk.AddConstant(bytecode.Const{Kind: bytecode.ConstString, Str: in.Val.Str})
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpLoadK, Dest: dest, A: k})
		case ir.OpImmBool:
			b := 0
			if in.Val.Bool {
				b = 1
			}
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpLoadBool, Dest: dest, A: b})
		case ir.OpNil:
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpLoadNil, Dest: dest})
		default:
			return fmt.Errorf("emitter: %s: LoadImm of non-immediate operand %s", e.fn.Name, in.Val)
		}

	case ir.Binary:
		op, ok := binOpCodes[in.Op]
		if !ok {
			return fmt.Errorf("emitter: %s: unknown binary op %d", e.fn.Name, in.Op)
		}
		e.chunk.Emit(bytecode.Instr{Op: op, Dest: e.phys(in.D), A: e.phys(in.Left), B: e.phys(in.Right)})

	case ir.Unary:
		op, ok := unOpCodes[in.Op]
		if !ok {
			return fmt.Errorf("emitter: %s: unknown unary op %d", e.fn.Name, in.Op)
		}
		e.chunk.Emit(bytecode.Instr{Op: op, Dest: e.phys(in.D), A: e.phys(in.X)})

	case ir.Move:
		dest, src := e.phys(in.D), e.phys(in.Src)
		if dest != src {
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpMove, Dest: dest, A: src})
		}

	case ir.LoadLocal:
		dest, src := e.phys(in.D), e.phys(in.Slot)
		if dest != src {
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpMove, Dest: dest, A: src})
		}

	case ir.StoreLocal:
		slot, val := e.phys(in.Slot), e.phys(in.Value)
		if slot != val {
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpMove, Dest: slot, A: val})
		}
		if dest := e.phys(in.D); dest != slot {
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpMove, Dest: dest, A: slot})
		}

	case ir.LoadGlobal:
		k := e.chunk.AddConstant(bytecode.Const{Kind: bytecode.ConstString, Str: in.Name.Str})
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpGetGlobal, Dest: e.phys(in.D), A: k})

	case ir.StoreGlobal:
		k := e.chunk.AddConstant(bytecode.Const{Kind: bytecode.ConstString, Str: in.Name.Str})
		val := e.phys(in.Value)
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpSetGlobal, A: k, B: val})
		if dest := e.phys(in.D); dest != val {
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpMove, Dest: dest, A: val})
		}

	case ir.LoadUpVal:
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpGetUpval, Dest: e.phys(in.D), A: in.Up.UpV})

	case ir.SetUpVal:
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpSetUpval, A: in.Up.UpV, B: e.phys(in.Value)})

	case ir.Drop:
		// A dropped expression statement's value is computed for its side
		// effects only; nothing further to emit.

	case ir.Call:
		e.emitCall(in)

	case ir.IndexOf:
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpGetTable, Dest: e.phys(in.D), A: e.phys(in.Table), B: e.phys(in.Index)})

	case ir.SetIndex:
		val := e.phys(in.Value)
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpSetTable, Dest: e.phys(in.Table), A: e.phys(in.Index), B: val})
		if dest := e.phys(in.D); dest != val {
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpMove, Dest: dest, A: val})
		}

	case ir.MemberOf:
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpGetTable, Dest: e.phys(in.D), A: e.phys(in.Table), B: e.phys(in.Key)})

	case ir.SetMember:
		val := e.phys(in.Value)
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpSetTable, Dest: e.phys(in.Table), A: e.phys(in.Key), B: val})
		if dest := e.phys(in.D); dest != val {
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpMove, Dest: dest, A: val})
		}

	case ir.GetTable:
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpGetTable, Dest: e.phys(in.D), A: e.phys(in.Table), B: e.phys(in.Key)})

	case ir.SetTable:
		val := e.phys(in.Value)
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpSetTable, Dest: e.phys(in.Table), A: e.phys(in.Key), B: val})
		if dest := e.phys(in.D); dest != val {
			e.chunk.Emit(bytecode.Instr{Op: bytecode.OpMove, Dest: dest, A: val})
		}

	case ir.NewTable:
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpNewTable, Dest: e.phys(in.D), A: in.SizeArray, B: in.SizeHash})

	case ir.FnProto:
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpClosure, Dest: e.phys(in.D), A: in.ChildIndex})

	default:
		return fmt.Errorf("emitter: %s: unhandled IR instruction %T", e.fn.Name, instr)
	}
	return nil
}

// emitCall lowers a Call per the fixed marshalling convention: each
// argument is moved into the contiguous window immediately above the
// callee's own register, sized by the allocator's widened stride so no
// live temporary can occupy a slot the call needs to write through. The
// individual argument moves are still sequentialized as a parallel copy,
// so the lowering stays correct even if an earlier argument's destination
// slot coincided with a later argument's source register.
func (e *funcEmitter) emitCall(in ir.Call) {
	callee := e.phys(in.Callee)
	moves := map[int]int{}
	for i, a := range in.Args {
		argPhys := e.phys(a)
		argSlot := callee + 1 + i
		if argSlot != argPhys {
			moves[argSlot] = argPhys
		}
	}
	sequentializeMoves(moves, e.scratch, func(dst, src int) {
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpMove, Dest: dst, A: src})
	})
	e.chunk.Emit(bytecode.Instr{Op: bytecode.OpCall, Dest: callee, A: callee, B: len(in.Args)})
	if dest := e.phys(in.D); dest != callee {
		e.chunk.Emit(bytecode.Instr{Op: bytecode.OpMove, Dest: dest, A: callee})
	}
}

// sequentializeMoves emits a set of register-to-register moves (keyed by
// destination, all destinations distinct) in an order that never clobbers
// a source before it is read, breaking any cyclic dependency through
// scratch. This is the standard parallel-copy-to-sequential-moves
// algorithm used by register allocators marshalling call arguments.
func sequentializeMoves(moves map[int]int, scratch int, emit func(dst, src int)) {
	if len(moves) == 0 {
		return
	}
	readCount := map[int]int{}
	for _, src := range moves {
		readCount[src]++
	}
	done := map[int]bool{}
	var ready []int
	for dst := range moves {
		if readCount[dst] == 0 {
			ready = append(ready, dst)
		}
	}
	for len(done) < len(moves) {
		for len(ready) > 0 {
			dst := ready[len(ready)-1]
			ready = ready[:len(ready)-1]
			if done[dst] {
				continue
			}
			src := moves[dst]
			emit(dst, src)
			done[dst] = true
			readCount[src]--
			if readCount[src] == 0 {
				if _, pending := moves[src]; pending && !done[src] {
					ready = append(ready, src)
				}
			}
		}
		if len(done) == len(moves) {
			break
		}
		// Everything remaining is part of a cycle: break it by diverting
		// one edge through scratch, walking the cycle back to its start.
		var start int
		for dst := range moves {
			if !done[dst] {
				start = dst
				break
			}
		}
		// start is about to be overwritten by the cycle below; save its
		// current value, not the value it's about to receive.
		emit(scratch, start)
		cur := start
		for {
			next := moves[cur]
			if next == start {
				emit(cur, scratch)
				done[cur] = true
				break
			}
			emit(cur, next)
			done[cur] = true
			cur = next
		}
	}
}
