// Package vm executes compiled bytecode.Chunks: a call-frame stack of
// register windows over one shared value stack, closures with open/closed
// upvalues, and a fetch-decode-execute dispatch loop that drives the heap's
// mark-and-sweep collector at safe points between instructions.
package vm

import (
	"fmt"
	"math"
	"os"

	"luavm/pkg/bytecode"
	"luavm/pkg/emitter"
	"luavm/pkg/errors"
	"luavm/pkg/heap"
	"luavm/pkg/trace"
	"luavm/pkg/value"
)

// MaxCallStack bounds recursion depth; exceeding it raises StackOverflow
// rather than growing the host stack or the shared value stack unbounded.
const MaxCallStack = 1000

// openUpval records one local slot this frame has exported to a child
// closure, so a later FnProto instruction capturing the same slot reuses
// the object instead of allocating a second one.
type openUpval struct {
	slot int
	up   *value.UpvalueObj
}

// Frame is one call-frame window into the shared stack. Base is the
// absolute index where register 0 of this frame lives; for a script call
// it equals the caller's Base plus the caller's MaxStackSize, so a callee's
// window never overlaps any register the caller's frame can still read
// after the call returns, regardless of where the allocator happened to
// place the call's result register relative to the callee register.
type Frame struct {
	Fn        *value.FunctionObj
	IP        int
	Base      int
	RetDest   int // absolute stack index to receive the return value; -1 for the entry frame
	OutUpvals []openUpval
}

// VM holds everything the dispatch loop needs: the shared register stack,
// the call-frame stack, globals, loaded function prototypes, and the heap.
type VM struct {
	stack    []value.Value
	frames   []Frame
	globals  map[string]value.Value
	heap     *heap.Heap
	protos   map[string]*value.FunctionObj
	protoIdx []*value.FunctionObj // every loaded prototype, kept alive as a GC root
	Stdout   func(string)
	Trace    bool // --mode trace: print each executed instruction to stderr
}

// New creates an empty VM with its own heap and global environment.
func New() *VM {
	return &VM{
		globals: map[string]value.Value{},
		heap:    heap.New(),
		protos:  map[string]*value.FunctionObj{},
		Stdout:  func(s string) { fmt.Print(s) },
	}
}

// Heap exposes the VM's heap, e.g. for builtins that need to allocate.
func (vm *VM) Heap() *heap.Heap { return vm.heap }

// SetGlobal installs a value (typically a CFunc) into the global
// environment before Run starts, the path builtins register through.
func (vm *VM) SetGlobal(name string, v value.Value) { vm.globals[name] = v }

// Print writes s through the VM's configured output sink (Stdout), the path
// the print builtin writes through.
func (vm *VM) Print(s string) { vm.Stdout(s) }

// Load resolves every chunk in prog into a read-only function prototype:
// its constant pool turned from bytecode.Const into interned value.Value,
// its code and child-proto list carried over unchanged. Prototypes are
// kept forever in vm.protoIdx so their constants (in particular interned
// strings) survive GC even while no live closure currently references them.
func (vm *VM) Load(prog *emitter.Program) error {
	for name, chunk := range prog.Chunks {
		fn, err := vm.loadChunk(chunk)
		if err != nil {
			return err
		}
		vm.protos[name] = fn
		vm.protoIdx = append(vm.protoIdx, fn)
	}
	if _, ok := vm.protos[prog.Entry]; !ok {
		return fmt.Errorf("vm: entry function %q not found", prog.Entry)
	}
	return nil
}

func (vm *VM) loadChunk(chunk *bytecode.Chunk) (*value.FunctionObj, error) {
	consts := make([]value.Value, len(chunk.Constants))
	for i, c := range chunk.Constants {
		switch c.Kind {
		case bytecode.ConstNumber:
			consts[i] = value.Number(c.Num)
		case bytecode.ConstString:
			s, err := vm.heap.AllocString(c.Str)
			if err != nil {
				return nil, err
			}
			consts[i] = value.FromObject(s)
		default:
			return nil, fmt.Errorf("vm: chunk %q: unknown constant kind %d", chunk.Name, c.Kind)
		}
	}
	descs := make([]value.UpvalueDesc, len(chunk.Upvalues))
	for i, u := range chunk.Upvalues {
		descs[i] = value.UpvalueDesc{FromLocal: u.FromLocal, Index: u.Index}
	}
	fn := &value.FunctionObj{
		Name:         chunk.Name,
		Code:         chunk.Code,
		Constants:    consts,
		NumParams:    chunk.NumParams,
		NumLocals:    chunk.NumLocals,
		MaxStackSize: chunk.MaxStackSize,
		UpvalueDescs: descs,
		Children:     append([]string(nil), chunk.ChildProtos...),
	}
	if err := vm.heap.AllocFunction(fn); err != nil {
		return nil, err
	}
	return fn, nil
}

// top returns the active frame, by index so callers can mutate in place.
func (vm *VM) top() *Frame { return &vm.frames[len(vm.frames)-1] }

// ensureCapacity grows the shared stack to at least n slots, zero-filling
// (Nil) the newly reserved region.
func (vm *VM) ensureCapacity(n int) {
	for len(vm.stack) < n {
		vm.stack = append(vm.stack, value.Nil())
	}
}

func (vm *VM) reg(frame *Frame, idx int) value.Value { return vm.stack[frame.Base+idx] }
func (vm *VM) setReg(frame *Frame, idx int, v value.Value) { vm.stack[frame.Base+idx] = v }

// Run loads prog's entry function and drives the dispatch loop until the
// call stack empties (Return from _start, or Halt). It returns the first
// runtime error raised, if any; compile-time wiring errors (missing entry
// point) are reported by Load instead.
func (vm *VM) Run(prog *emitter.Program) error {
	if err := vm.Load(prog); err != nil {
		return err
	}
	entry := vm.protos[prog.Entry]
	vm.ensureCapacity(entry.MaxStackSize)
	vm.frames = []Frame{{Fn: entry, Base: 0, RetDest: -1}}
	vm.stack = vm.stack[:entry.MaxStackSize]

	err := vm.dispatch()
	if err != nil {
		fmt.Fprintln(os.Stderr, formatVMError(err))
		vm.frames = nil
		vm.stack = vm.stack[:0]
	}
	return err
}

func formatVMError(err error) string {
	ve, ok := err.(*errors.VMError)
	if !ok {
		return fmt.Sprintf("runtime error: %v", err)
	}
	s := fmt.Sprintf("Runtime Error: %s\n  at function %q, pc=%d\nTraceback (most recent call first):", ve.Kind.String(), ve.FuncName, ve.PC)
	for _, f := range ve.StackTrace {
		s += fmt.Sprintf("\n  in %s", f)
	}
	return s
}

// dispatch is the fetch-decode-execute loop. Linear opcodes advance IP by
// one; Jump/Test patch it directly; Call/Return push/pop frames.
func (vm *VM) dispatch() error {
	for len(vm.frames) > 0 {
		frame := vm.top()
		code := frame.Fn.Code
		if frame.IP < 0 || frame.IP >= len(code) {
			if len(vm.frames) == 1 {
				return nil
			}
			return vm.raise(errors.InternalError{Msg: fmt.Sprintf("implicit return missing in function %q", frame.Fn.Name)})
		}
		in := code[frame.IP]

		if vm.Trace {
			fmt.Fprintln(os.Stderr, trace.Step(frame.Fn.Name, frame.IP, in))
		}

		switch in.Op {
		case bytecode.OpLoadK:
			vm.setReg(frame, in.Dest, frame.Fn.Constants[in.A])
			frame.IP++

		case bytecode.OpLoadNil:
			vm.setReg(frame, in.Dest, value.Nil())
			frame.IP++

		case bytecode.OpLoadBool:
			vm.setReg(frame, in.Dest, value.Bool(in.A != 0))
			frame.IP++

		case bytecode.OpMove:
			vm.setReg(frame, in.Dest, vm.reg(frame, in.A))
			frame.IP++

		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv, bytecode.OpMod, bytecode.OpPow:
			if err := vm.arith(frame, in); err != nil {
				return err
			}
			frame.IP++

		case bytecode.OpConcat:
			if err := vm.concat(frame, in); err != nil {
				return err
			}
			frame.IP++

		case bytecode.OpEq, bytecode.OpNe, bytecode.OpLt, bytecode.OpLe, bytecode.OpGt, bytecode.OpGe:
			if err := vm.compare(frame, in); err != nil {
				return err
			}
			frame.IP++

		case bytecode.OpNeg:
			a := vm.reg(frame, in.A)
			if a.Type() != value.TNumber {
				return vm.raise(errors.TypeError{Msg: fmt.Sprintf("attempt to perform arithmetic on a %s value", a.Type())})
			}
			vm.setReg(frame, in.Dest, value.Number(-a.Num()))
			frame.IP++

		case bytecode.OpNot:
			vm.setReg(frame, in.Dest, value.Bool(!vm.reg(frame, in.A).Truthy()))
			frame.IP++

		case bytecode.OpLen:
			a := vm.reg(frame, in.A)
			switch a.Type() {
			case value.TString:
				s, _ := a.AsString()
				vm.setReg(frame, in.Dest, value.Number(float64(len(s))))
			case value.TTable:
				t, _ := a.AsTable()
				vm.setReg(frame, in.Dest, value.Number(float64(t.Len())))
			default:
				return vm.raise(errors.TypeError{Msg: fmt.Sprintf("attempt to get length of a %s value", a.Type())})
			}
			frame.IP++

		case bytecode.OpGetGlobal:
			name, _ := frame.Fn.Constants[in.A].AsString()
			v, ok := vm.globals[name]
			if !ok {
				v = value.Nil()
			}
			vm.setReg(frame, in.Dest, v)
			frame.IP++

		case bytecode.OpSetGlobal:
			name, _ := frame.Fn.Constants[in.A].AsString()
			vm.globals[name] = vm.reg(frame, in.B)
			frame.IP++

		case bytecode.OpGetUpval:
			up := frame.Fn.CapturedUpvals[in.A]
			vm.setReg(frame, in.Dest, vm.readUpvalue(up))
			frame.IP++

		case bytecode.OpSetUpval:
			up := frame.Fn.CapturedUpvals[in.A]
			vm.writeUpvalue(up, vm.reg(frame, in.B))
			frame.IP++

		case bytecode.OpNewTable:
			t, err := vm.heap.AllocTable(in.A, in.B)
			if err != nil {
				return vm.raise(errors.OutOfMemory{})
			}
			vm.setReg(frame, in.Dest, value.FromObject(t))
			frame.IP++

		case bytecode.OpGetTable:
			if err := vm.getTable(frame, in); err != nil {
				return err
			}
			frame.IP++

		case bytecode.OpSetTable:
			if err := vm.setTable(frame, in); err != nil {
				return err
			}
			frame.IP++

		case bytecode.OpClosure:
			if err := vm.makeClosure(frame, in); err != nil {
				return err
			}
			frame.IP++

		case bytecode.OpTest:
			if vm.reg(frame, in.A).Truthy() {
				frame.IP++
			} else {
				frame.IP = in.Target
			}

		case bytecode.OpJump:
			frame.IP = in.Target

		case bytecode.OpCall:
			if err := vm.call(in); err != nil {
				return err
			}

		case bytecode.OpReturn:
			if halted := vm.doReturn(in); halted {
				return nil
			}

		case bytecode.OpHalt:
			vm.frames = nil
			return nil

		default:
			return vm.raise(errors.InternalError{Msg: fmt.Sprintf("unimplemented opcode %s", in.Op)})
		}

		if vm.heap.ShouldCollect() {
			vm.collect()
		}
	}
	return nil
}

func (vm *VM) raise(kind errors.ErrorKind) error {
	frame := vm.top()
	trace := make([]string, len(vm.frames))
	for i := range vm.frames {
		trace[i] = vm.frames[len(vm.frames)-1-i].Fn.Name
	}
	return errors.NewVMError(kind, frame.Fn.Name, frame.IP, trace)
}

func (vm *VM) arith(frame *Frame, in bytecode.Instr) error {
	a, b := vm.reg(frame, in.A), vm.reg(frame, in.B)
	if a.Type() != value.TNumber || b.Type() != value.TNumber {
		return vm.raise(errors.TypeError{Msg: fmt.Sprintf("attempt to perform arithmetic between %s and %s", a.Type(), b.Type())})
	}
	x, y := a.Num(), b.Num()
	switch in.Op {
	case bytecode.OpDiv:
		if y == 0 {
			return vm.raise(errors.ArithmeticError{Msg: "attempt to divide by zero"})
		}
		vm.setReg(frame, in.Dest, value.Number(x/y))
	case bytecode.OpMod:
		if y == 0 {
			return vm.raise(errors.ArithmeticError{Msg: "attempt to perform 'n%%0'"})
		}
		vm.setReg(frame, in.Dest, value.Number(luaMod(x, y)))
	case bytecode.OpAdd:
		vm.setReg(frame, in.Dest, value.Number(x+y))
	case bytecode.OpSub:
		vm.setReg(frame, in.Dest, value.Number(x-y))
	case bytecode.OpMul:
		vm.setReg(frame, in.Dest, value.Number(x*y))
	case bytecode.OpPow:
		vm.setReg(frame, in.Dest, value.Number(math.Pow(x, y)))
	}
	return nil
}

func (vm *VM) concat(frame *Frame, in bytecode.Instr) error {
	a, b := vm.reg(frame, in.A), vm.reg(frame, in.B)
	as, ok1 := concatOperand(a)
	bs, ok2 := concatOperand(b)
	if !ok1 || !ok2 {
		return vm.raise(errors.TypeError{Msg: fmt.Sprintf("attempt to concatenate a %s value", pickBadType(a, b, ok1))})
	}
	s, err := vm.heap.AllocString(as + bs)
	if err != nil {
		return vm.raise(errors.OutOfMemory{})
	}
	vm.setReg(frame, in.Dest, value.FromObject(s))
	return nil
}

func concatOperand(v value.Value) (string, bool) {
	switch v.Type() {
	case value.TString:
		s, _ := v.AsString()
		return s, true
	case value.TNumber:
		return v.String(), true
	default:
		return "", false
	}
}

func pickBadType(a, b value.Value, aOK bool) value.Type {
	if !aOK {
		return a.Type()
	}
	return b.Type()
}

func (vm *VM) compare(frame *Frame, in bytecode.Instr) error {
	a, b := vm.reg(frame, in.A), vm.reg(frame, in.B)
	switch in.Op {
	case bytecode.OpEq:
		vm.setReg(frame, in.Dest, value.Bool(value.Equal(a, b)))
		return nil
	case bytecode.OpNe:
		vm.setReg(frame, in.Dest, value.Bool(!value.Equal(a, b)))
		return nil
	}
	var less, equal bool
	switch {
	case a.Type() == value.TNumber && b.Type() == value.TNumber:
		less, equal = a.Num() < b.Num(), a.Num() == b.Num()
	case a.Type() == value.TString && b.Type() == value.TString:
		as, _ := a.AsString()
		bs, _ := b.AsString()
		less, equal = as < bs, as == bs
	default:
		return vm.raise(errors.TypeError{Msg: fmt.Sprintf("attempt to compare %s with %s", a.Type(), b.Type())})
	}
	var result bool
	switch in.Op {
	case bytecode.OpLt:
		result = less
	case bytecode.OpLe:
		result = less || equal
	case bytecode.OpGt:
		result = !less && !equal
	case bytecode.OpGe:
		result = !less
	}
	vm.setReg(frame, in.Dest, value.Bool(result))
	return nil
}

func (vm *VM) getTable(frame *Frame, in bytecode.Instr) error {
	t := vm.reg(frame, in.A)
	if t.Type() != value.TTable {
		return vm.raise(errors.TypeError{Msg: fmt.Sprintf("attempt to index a %s value", t.Type())})
	}
	key := vm.reg(frame, in.B)
	if key.IsNil() {
		return vm.raise(errors.TypeError{Msg: "table index is nil"})
	}
	tbl, _ := t.AsTable()
	vm.setReg(frame, in.Dest, tbl.Get(key))
	return nil
}

func (vm *VM) setTable(frame *Frame, in bytecode.Instr) error {
	t := vm.reg(frame, in.Dest)
	if t.Type() != value.TTable {
		return vm.raise(errors.TypeError{Msg: fmt.Sprintf("attempt to index a %s value", t.Type())})
	}
	key := vm.reg(frame, in.A)
	if key.IsNil() {
		return vm.raise(errors.TypeError{Msg: "table index is nil"})
	}
	tbl, _ := t.AsTable()
	tbl.Set(key, vm.reg(frame, in.B))
	return nil
}

// makeClosure implements FnProto: resolve the child prototype, capture
// each of its upvalues from the current frame (reusing an already-open
// capture of the same slot, or sharing the parent's own upvalue reference
// for a nested UpValOfParent capture), and allocate a fresh closure object.
func (vm *VM) makeClosure(frame *Frame, in bytecode.Instr) error {
	protoName := frame.Fn.Children[in.A]
	proto, ok := vm.protos[protoName]
	if !ok {
		return vm.raise(errors.InternalError{Msg: fmt.Sprintf("unresolved function prototype %q", protoName)})
	}

	captured := make([]*value.UpvalueObj, len(proto.UpvalueDescs))
	for i, desc := range proto.UpvalueDescs {
		if desc.FromLocal {
			up, err := vm.captureLocal(frame, desc.Index)
			if err != nil {
				return vm.raise(errors.OutOfMemory{})
			}
			captured[i] = up
		} else {
			captured[i] = frame.Fn.CapturedUpvals[desc.Index]
		}
	}

	closure := &value.FunctionObj{
		Name:           proto.Name,
		Code:           proto.Code,
		Constants:      proto.Constants,
		NumParams:      proto.NumParams,
		NumLocals:      proto.NumLocals,
		MaxStackSize:   proto.MaxStackSize,
		UpvalueDescs:   proto.UpvalueDescs,
		CapturedUpvals: captured,
		Children:       proto.Children,
	}
	if err := vm.heap.AllocFunction(closure); err != nil {
		return vm.raise(errors.OutOfMemory{})
	}
	vm.setReg(frame, in.Dest, value.FromObject(closure))
	return nil
}

// captureLocal finds or creates the open upvalue over frame's local slot.
func (vm *VM) captureLocal(frame *Frame, slot int) (*value.UpvalueObj, error) {
	for _, o := range frame.OutUpvals {
		if o.slot == slot {
			return o.up, nil
		}
	}
	abs := frame.Base + slot
	up, err := vm.heap.AllocUpvalue(abs)
	if err != nil {
		return nil, err
	}
	frame.OutUpvals = append(frame.OutUpvals, openUpval{slot: slot, up: up})
	return up, nil
}

func (vm *VM) readUpvalue(up *value.UpvalueObj) value.Value {
	if up.State == value.Closed {
		return up.ClosedVal
	}
	return vm.stack[up.StackIndex]
}

func (vm *VM) writeUpvalue(up *value.UpvalueObj, v value.Value) {
	if up.State == value.Closed {
		up.ClosedVal = v
		return
	}
	vm.stack[up.StackIndex] = v
}

// closeFrameUpvalues closes every upvalue frame exported to a child
// closure before the frame's register window is reclaimed.
func (vm *VM) closeFrameUpvalues(frame *Frame) {
	for _, o := range frame.OutUpvals {
		o.up.ClosedVal = vm.stack[o.up.StackIndex]
		o.up.State = value.Closed
	}
}

func (vm *VM) call(in bytecode.Instr) error {
	frame := vm.top()
	calleeAbs := frame.Base + in.Dest
	callee := vm.stack[calleeAbs]
	argc := in.B
	frame.IP++ // resume here on return, per the spec's call convention

	switch callee.Type() {
	case value.TFunction:
		fn, _ := callee.AsFunction()
		if len(vm.frames) >= MaxCallStack {
			return vm.raise(errors.StackOverflow{})
		}
		// The callee's window starts above the caller's whole register
		// window (not just above the callee register), so it can never
		// alias a register the allocator placed above the callee slot —
		// e.g. the call's own result temp. The emitter marshals arguments
		// into calleeAbs+1..calleeAbs+argc in the caller's window; copy
		// them up into the fresh base before the callee's first
		// instruction runs.
		base := frame.Base + frame.Fn.MaxStackSize
		vm.ensureCapacity(base + fn.MaxStackSize)
		for i := 0; i < argc; i++ {
			vm.stack[base+i] = vm.stack[calleeAbs+1+i]
		}
		for i := argc; i < fn.MaxStackSize; i++ {
			vm.stack[base+i] = value.Nil()
		}
		vm.frames = append(vm.frames, Frame{Fn: fn, Base: base, RetDest: calleeAbs})

	case value.TCFunc:
		cf := callee.AsCFunc()
		args := make([]value.Value, argc)
		copy(args, vm.stack[calleeAbs+1:calleeAbs+1+argc])
		result, err := cf.Fn(args)
		if err != nil {
			return vm.raise(errors.InvalidCall{Msg: err.Error()})
		}
		vm.stack[calleeAbs] = result

	default:
		msg := fmt.Sprintf("attempt to call a %s value", callee.Type())
		if callee.IsNil() {
			msg = "attempt to call a nil value"
		}
		return vm.raise(errors.InvalidCall{Msg: msg})
	}
	return nil
}

// doReturn pops the current frame, closing its upvalues and writing its
// result into the caller's RetDest, then truncates the shared stack back
// to the popped frame's base. Reports whether this was the entry frame
// returning (the run loop should stop).
func (vm *VM) doReturn(in bytecode.Instr) bool {
	frame := vm.top()
	result := value.Nil()
	if in.B > 0 {
		result = vm.reg(frame, in.A)
	}
	vm.closeFrameUpvalues(frame)

	base := frame.Base
	retDest := frame.RetDest
	vm.frames = vm.frames[:len(vm.frames)-1]
	if len(vm.frames) == 0 {
		vm.stack = vm.stack[:0]
		return true
	}
	vm.stack[retDest] = result
	vm.stack = vm.stack[:base]
	return false
}

// collect builds the GC roots from current VM state and runs one
// mark-and-sweep cycle. Every live frame's closure is rooted alongside the
// permanent prototype table, since a frame may still be executing a
// closure no register currently references.
func (vm *VM) collect() {
	var frameUps [][]*value.UpvalueObj
	funcs := append([]*value.FunctionObj(nil), vm.protoIdx...)
	for _, f := range vm.frames {
		funcs = append(funcs, f.Fn)
		ups := make([]*value.UpvalueObj, len(f.OutUpvals))
		for i, o := range f.OutUpvals {
			ups[i] = o.up
		}
		frameUps = append(frameUps, ups)
	}
	vm.heap.Collect(heap.Roots{
		Globals:  vm.globals,
		Stack:    vm.stack,
		FrameUps: frameUps,
		AllFuncs: funcs,
	})
}

// luaMod implements Lua's floored modulo (result has the same sign as the
// divisor), unlike Go's truncated %.
func luaMod(a, b float64) float64 {
	return a - math.Floor(a/b)*b
}
