package ir

import (
	"fmt"

	"luavm/pkg/errors"
	"luavm/pkg/parser"
)

// Generator lowers a parsed AST into an ir.Module, resolving scopes and
// upvalues as it walks nested function expressions.
type Generator struct {
	mod    *Module
	errs   *errors.List
	nextID int
}

// New creates an empty IR generator.
func New() *Generator {
	return &Generator{mod: &Module{}, errs: &errors.List{}}
}

// Build lowers a parsed program into a module rooted at EntryFunctionName.
// Errors encountered during generation are accumulated and returned
// alongside whatever module could be produced.
func Build(prog *parser.Program) (*Module, *errors.List) {
	g := New()
	root := &funcCtx{gen: g, fn: &Function{Name: EntryFunctionName}}
	root.pushScope()
	g.mod.Functions = append(g.mod.Functions, root.fn)
	root.openBlock()
	root.genBlock(prog.Body)
	root.tryCloseBlock(Return{})
	root.popScope()
	return g.mod, g.errs
}

func (g *Generator) freshID() int {
	g.nextID++
	return g.nextID
}

func (g *Generator) errorf(line int, format string, args ...interface{}) {
	g.errs.Add(&errors.IRError{
		Position: errors.Position{Line: line},
		Msg:      fmt.Sprintf(format, args...),
	})
}

// funcCtx is one function-generation context: its IR.Function under
// construction, its enclosing context (nil at the root), lexical scopes
// for local-slot shadowing, and the currently open basic block.
type funcCtx struct {
	gen      *Generator
	fn       *Function
	parent   *funcCtx
	scopes   []map[string]int // name -> slot, innermost last
	upvalIdx map[string]int
	nextTemp int

	blocks   []*BasicBlock
	curBlock *BasicBlock // nil when the active block has been closed
}

func (f *funcCtx) pushScope() { f.scopes = append(f.scopes, map[string]int{}) }
func (f *funcCtx) popScope()  { f.scopes = f.scopes[:len(f.scopes)-1] }

func (f *funcCtx) declareLocal(name string) int {
	slot := f.fn.NumSlots
	f.fn.NumSlots++
	f.scopes[len(f.scopes)-1][name] = slot
	if f.fn.Locals == nil {
		f.fn.Locals = map[string]int{}
	}
	f.fn.Locals[name] = slot
	return slot
}

func (f *funcCtx) newTemp() int {
	n := f.nextTemp
	f.nextTemp++
	if f.nextTemp > f.fn.NumTemps {
		f.fn.NumTemps = f.nextTemp
	}
	return n
}

func (f *funcCtx) openBlock() int {
	id := len(f.blocks)
	bb := &BasicBlock{ID: id}
	f.blocks = append(f.blocks, bb)
	f.curBlock = bb
	f.fn.Blocks = f.blocks
	return id
}

func (f *funcCtx) setActive(id int) { f.curBlock = f.blocks[id] }

// tryCloseBlock finalizes the active block with term, unless it was
// already closed (e.g. by a Return) — in which case it is a no-op, letting
// synthetic jumps after an early return skip over dead code safely.
func (f *funcCtx) tryCloseBlock(term Terminator) {
	if f.curBlock == nil {
		return
	}
	f.curBlock.Term = term
	f.curBlock = nil
}

func (f *funcCtx) emit(instr Instruction) {
	if f.curBlock == nil {
		return // dead code after a closed block (e.g. following a return)
	}
	f.curBlock.Instr = append(f.curBlock.Instr, instr)
}

// resolve implements the scope-resolution algorithm: innermost local
// scopes of this function, then this function's existing upvalues, then
// recursively into the parent, registering a new upvalue on the way back
// out if the parent resolved the name at all. Returns ok=false when the
// name is not bound anywhere in the function chain (a global reference).
func (f *funcCtx) resolve(name string) (Operand, bool) {
	for i := len(f.scopes) - 1; i >= 0; i-- {
		if slot, ok := f.scopes[i][name]; ok {
			return Slot(slot), true
		}
	}
	if idx, ok := f.upvalIdx[name]; ok {
		return UpVal(idx), true
	}
	if f.parent == nil {
		return Operand{}, false
	}
	parentOperand, ok := f.parent.resolve(name)
	if !ok {
		return Operand{}, false
	}
	var src UpvalSource
	switch parentOperand.Kind {
	case OpSlot:
		src = UpvalSource{FromLocal: true, Slot: parentOperand.Slot}
	case OpUpVal:
		src = UpvalSource{FromLocal: false, Slot: parentOperand.UpV}
	default:
		panic("ir: resolve returned a non-local, non-upvalue operand")
	}
	if f.upvalIdx == nil {
		f.upvalIdx = map[string]int{}
	}
	idx := len(f.fn.Upvalues)
	f.fn.Upvalues = append(f.fn.Upvalues, UpvalDesc{Name: name, Source: src})
	f.upvalIdx[name] = idx
	return UpVal(idx), true
}

// genBlock lowers a block's statements in a fresh nested scope.
func (f *funcCtx) genBlock(b *parser.Block) {
	f.pushScope()
	for _, stmt := range b.Statements {
		f.genStmt(stmt)
	}
	f.popScope()
}

func (f *funcCtx) genStmt(stmt parser.Statement) {
	switch s := stmt.(type) {
	case *parser.LocalDecl:
		f.genLocalDecl(s)
	case *parser.AssignStmt:
		f.genAssign(s)
	case *parser.FunctionDeclStmt:
		f.genFunctionDecl(s)
	case *parser.IfStmt:
		f.genIf(s)
	case *parser.WhileStmt:
		f.genWhile(s)
	case *parser.RepeatStmt:
		f.genRepeat(s)
	case *parser.ReturnStmt:
		f.genReturn(s)
	case *parser.ExprStmt:
		v := f.genExpr(s.X)
		f.emit(Drop{X: v})
	default:
		f.gen.errorf(stmt.Line(), "ir: unhandled statement type %T", stmt)
	}
}

func (f *funcCtx) genLocalDecl(s *parser.LocalDecl) {
	values := make([]Operand, len(s.Names))
	for i := range s.Names {
		if i < len(s.Values) {
			values[i] = f.genExpr(s.Values[i])
		} else {
			values[i] = f.emitLoadImm(Nil())
		}
	}
	for i, name := range s.Names {
		slot := f.declareLocal(name)
		d := Reg(f.newTemp())
		f.emit(StoreLocal{D: d, Slot: Slot(slot), Value: values[i]})
	}
}

func (f *funcCtx) genAssign(s *parser.AssignStmt) {
	value := f.genExpr(s.Value)
	switch target := s.Target.(type) {
	case *parser.Identifier:
		f.storeIdentifier(target.Name, value)
	case *parser.MemberExpr:
		table := f.genExpr(target.X)
		key := f.emitLoadImm(ImmStr(target.Name))
		d := Reg(f.newTemp())
		f.emit(SetMember{D: d, Table: table, Key: key, Value: value})
	case *parser.IndexExpr:
		table := f.genExpr(target.X)
		d := Reg(f.newTemp())
		if _, isNum := target.Index.(*parser.NumberLit); isNum {
			idx := f.genExpr(target.Index)
			f.emit(SetIndex{D: d, Table: table, Index: idx, Value: value})
		} else {
			key := f.genExpr(target.Index)
			f.emit(SetTable{D: d, Table: table, Key: key, Value: value})
		}
	default:
		f.gen.errorf(s.Line(), "ir: invalid assignment target %T", s.Target)
	}
}

func (f *funcCtx) storeIdentifier(name string, value Operand) {
	if op, ok := f.resolve(name); ok {
		d := Reg(f.newTemp())
		switch op.Kind {
		case OpSlot:
			f.emit(StoreLocal{D: d, Slot: op, Value: value})
		case OpUpVal:
			f.emit(SetUpVal{Up: op, Value: value})
		default:
			panic("ir: resolve returned an unexpected operand kind")
		}
		return
	}
	d := Reg(f.newTemp())
	f.emit(StoreGlobal{D: d, Name: ImmStr(name), Value: value})
}

func (f *funcCtx) genFunctionDecl(s *parser.FunctionDeclStmt) {
	protoName := fmt.Sprintf("__local_fn_%s_%d", s.Name, f.gen.freshID())

	// A `local function` must be visible to its own body, the way Lua
	// desugars it as `local f; f = function...end` — declare the slot
	// before lowering the body so a recursive call resolves to this local
	// instead of falling through to a global of the same name.
	var slot int
	if s.IsLocal {
		slot = f.declareLocal(s.Name)
	}

	f.buildChildFunction(protoName, s.Fn)
	childIdx := len(f.fn.Children)
	f.fn.Children = append(f.fn.Children, protoName)
	fnReg := Reg(f.newTemp())
	f.emit(FnProto{D: fnReg, ProtoName: protoName, ChildIndex: childIdx})
	if s.IsLocal {
		d := Reg(f.newTemp())
		f.emit(StoreLocal{D: d, Slot: Slot(slot), Value: fnReg})
	} else {
		f.storeIdentifier(s.Name, fnReg)
	}
}

// buildChildFunction compiles fn as a brand-new top-level prototype named
// protoName, resolving its free variables against f as the lexical parent.
func (f *funcCtx) buildChildFunction(protoName string, fn *parser.FunctionExpr) {
	child := &funcCtx{gen: f.gen, fn: &Function{Name: protoName, Params: fn.Params}, parent: f}
	child.pushScope()
	for _, p := range fn.Params {
		child.declareLocal(p)
	}
	child.openBlock()
	child.genBlock(fn.Body)
	child.tryCloseBlock(Return{})
	child.popScope()
	f.gen.mod.Functions = append(f.gen.mod.Functions, child.fn)
}

func (f *funcCtx) genIf(s *parser.IfStmt) {
	cond := f.genExpr(s.Cond)
	thenID := len(f.blocks)
	f.blocks = append(f.blocks, &BasicBlock{ID: thenID})
	var elseID int
	hasElse := s.Else != nil
	if hasElse {
		elseID = len(f.blocks)
		f.blocks = append(f.blocks, &BasicBlock{ID: elseID})
	}
	mergeID := len(f.blocks)
	f.blocks = append(f.blocks, &BasicBlock{ID: mergeID})
	f.fn.Blocks = f.blocks

	branchElse := mergeID
	if hasElse {
		branchElse = elseID
	}
	f.tryCloseBlock(Branch{Cond: cond, Then: thenID, Else: branchElse})

	f.setActive(thenID)
	f.genBlock(s.Then)
	f.tryCloseBlock(Jump{Target: mergeID})

	if hasElse {
		f.setActive(elseID)
		f.genBlock(s.Else)
		f.tryCloseBlock(Jump{Target: mergeID})
	}

	f.setActive(mergeID)
}

func (f *funcCtx) genWhile(s *parser.WhileStmt) {
	condID := len(f.blocks)
	f.blocks = append(f.blocks, &BasicBlock{ID: condID})
	bodyID := len(f.blocks)
	f.blocks = append(f.blocks, &BasicBlock{ID: bodyID})
	afterID := len(f.blocks)
	f.blocks = append(f.blocks, &BasicBlock{ID: afterID})
	f.fn.Blocks = f.blocks

	f.tryCloseBlock(Jump{Target: condID})

	f.setActive(condID)
	cond := f.genExpr(s.Cond)
	f.tryCloseBlock(Branch{Cond: cond, Then: bodyID, Else: afterID})

	f.setActive(bodyID)
	f.genBlock(s.Body)
	f.tryCloseBlock(Jump{Target: condID})

	f.setActive(afterID)
}

// genRepeat lowers `repeat body until cond`. The condition is generated
// inside the same scope as the body so it can see the body's locals.
func (f *funcCtx) genRepeat(s *parser.RepeatStmt) {
	bodyID := len(f.blocks)
	f.blocks = append(f.blocks, &BasicBlock{ID: bodyID})
	afterID := len(f.blocks)
	f.blocks = append(f.blocks, &BasicBlock{ID: afterID})
	f.fn.Blocks = f.blocks

	f.tryCloseBlock(Jump{Target: bodyID})

	f.setActive(bodyID)
	f.pushScope()
	for _, stmt := range s.Body.Statements {
		f.genStmt(stmt)
	}
	cond := f.genExpr(s.Cond)
	f.popScope()
	f.tryCloseBlock(Branch{Cond: cond, Then: afterID, Else: bodyID})

	f.setActive(afterID)
}

func (f *funcCtx) genReturn(s *parser.ReturnStmt) {
	if f.curBlock == nil {
		f.gen.errorf(s.Line(), "ir: multiple return statements in the same block")
		return
	}
	if len(s.Values) > 1 {
		f.gen.errorf(s.Line(), "ir: multiple return values are not supported")
	}
	var vals []Operand
	if len(s.Values) > 0 {
		vals = []Operand{f.genExpr(s.Values[0])}
	}
	f.tryCloseBlock(Return{Values: vals})
}

func (f *funcCtx) emitLoadImm(val Operand) Operand {
	d := Reg(f.newTemp())
	f.emit(LoadImm{Dest: d, Val: val})
	return d
}

func (f *funcCtx) genExpr(expr parser.Expression) Operand {
	switch e := expr.(type) {
	case *parser.NumberLit:
		return f.emitLoadImm(ImmNum(e.Value))
	case *parser.StringLit:
		return f.emitLoadImm(ImmStr(e.Value))
	case *parser.BoolLit:
		return f.emitLoadImm(ImmBool(e.Value))
	case *parser.NilLit:
		return f.emitLoadImm(Nil())
	case *parser.Identifier:
		return f.genIdentifier(e)
	case *parser.BinaryExpr:
		return f.genBinary(e)
	case *parser.UnaryExpr:
		return f.genUnary(e)
	case *parser.CallExpr:
		return f.genCall(e)
	case *parser.MemberExpr:
		table := f.genExpr(e.X)
		key := f.emitLoadImm(ImmStr(e.Name))
		d := Reg(f.newTemp())
		f.emit(MemberOf{D: d, Table: table, Key: key})
		return d
	case *parser.IndexExpr:
		table := f.genExpr(e.X)
		d := Reg(f.newTemp())
		if _, isNum := e.Index.(*parser.NumberLit); isNum {
			idx := f.genExpr(e.Index)
			f.emit(IndexOf{D: d, Table: table, Index: idx})
		} else {
			key := f.genExpr(e.Index)
			f.emit(GetTable{D: d, Table: table, Key: key})
		}
		return d
	case *parser.TableExpr:
		return f.genTable(e)
	case *parser.FunctionExpr:
		protoName := fmt.Sprintf("__anon_fn_%d", f.gen.freshID())
		f.buildChildFunction(protoName, e)
		childIdx := len(f.fn.Children)
		f.fn.Children = append(f.fn.Children, protoName)
		d := Reg(f.newTemp())
		f.emit(FnProto{D: d, ProtoName: protoName, ChildIndex: childIdx})
		return d
	default:
		f.gen.errorf(expr.Line(), "ir: unhandled expression type %T", expr)
		return f.emitLoadImm(Nil())
	}
}

func (f *funcCtx) genIdentifier(e *parser.Identifier) Operand {
	op, ok := f.resolve(e.Name)
	if !ok {
		d := Reg(f.newTemp())
		f.emit(LoadGlobal{D: d, Name: ImmStr(e.Name)})
		return d
	}
	d := Reg(f.newTemp())
	switch op.Kind {
	case OpSlot:
		f.emit(LoadLocal{D: d, Slot: op})
	case OpUpVal:
		f.emit(LoadUpVal{D: d, Up: op})
	default:
		panic("ir: resolve returned an unexpected operand kind")
	}
	return d
}

var binOps = map[string]BinOp{
	"+": Add, "-": Sub, "*": Mul, "/": Div, "%": Mod, "^": Pow,
	"..": Concat,
	"==": Eq, "~=": Ne, "<": Lt, ">": Gt, "<=": Le, ">=": Ge,
}

func (f *funcCtx) genBinary(e *parser.BinaryExpr) Operand {
	if e.Op == "and" || e.Op == "or" {
		return f.genLogical(e)
	}
	left := f.genExpr(e.Left)
	right := f.genExpr(e.Right)
	op, ok := binOps[e.Op]
	if !ok {
		f.gen.errorf(e.Line(), "ir: unknown binary operator %q", e.Op)
	}
	d := Reg(f.newTemp())
	f.emit(Binary{D: d, Op: op, Left: left, Right: right})
	return d
}

// genLogical lowers "and"/"or" with real short-circuit control flow: the
// right operand is only evaluated when the left one didn't already decide
// the result. Both branches move their value into a shared result register.
func (f *funcCtx) genLogical(e *parser.BinaryExpr) Operand {
	left := f.genExpr(e.Left)
	d := Reg(f.newTemp())
	f.emit(Move{D: d, Src: left})

	rightID := len(f.blocks)
	f.blocks = append(f.blocks, &BasicBlock{ID: rightID})
	mergeID := len(f.blocks)
	f.blocks = append(f.blocks, &BasicBlock{ID: mergeID})
	f.fn.Blocks = f.blocks

	if e.Op == "and" {
		f.tryCloseBlock(Branch{Cond: left, Then: rightID, Else: mergeID})
	} else {
		f.tryCloseBlock(Branch{Cond: left, Then: mergeID, Else: rightID})
	}

	f.setActive(rightID)
	right := f.genExpr(e.Right)
	f.emit(Move{D: d, Src: right})
	f.tryCloseBlock(Jump{Target: mergeID})

	f.setActive(mergeID)
	return d
}

func (f *funcCtx) genUnary(e *parser.UnaryExpr) Operand {
	x := f.genExpr(e.X)
	var op UnOp
	switch e.Op {
	case "-":
		op = Neg
	case "not":
		op = Not
	case "#":
		op = Len
	default:
		f.gen.errorf(e.Line(), "ir: unknown unary operator %q", e.Op)
	}
	d := Reg(f.newTemp())
	f.emit(Unary{D: d, Op: op, X: x})
	return d
}

func (f *funcCtx) genCall(e *parser.CallExpr) Operand {
	callee := f.genExpr(e.Callee)
	args := make([]Operand, len(e.Args))
	for i, a := range e.Args {
		args[i] = f.genExpr(a)
	}
	d := Reg(f.newTemp())
	f.emit(Call{D: d, Callee: callee, Args: args})
	return d
}

func (f *funcCtx) genTable(e *parser.TableExpr) Operand {
	var arrayCount, hashCount int
	for _, field := range e.Fields {
		if field.Key == nil && !field.IsNamed {
			arrayCount++
		} else {
			hashCount++
		}
	}
	tbl := Reg(f.newTemp())
	f.emit(NewTable{D: tbl, SizeArray: arrayCount, SizeHash: hashCount})

	arrayIdx := 1 // tables are 1-indexed
	for _, field := range e.Fields {
		value := f.genExpr(field.Value)
		d := Reg(f.newTemp())
		switch {
		case field.IsNamed:
			key := f.emitLoadImm(ImmStr(field.KeyName))
			f.emit(SetMember{D: d, Table: tbl, Key: key, Value: value})
		case field.Key != nil:
			if _, isNum := field.Key.(*parser.NumberLit); isNum {
				idx := f.genExpr(field.Key)
				f.emit(SetIndex{D: d, Table: tbl, Index: idx, Value: value})
			} else {
				key := f.genExpr(field.Key)
				f.emit(SetTable{D: d, Table: tbl, Key: key, Value: value})
			}
		default:
			idx := f.emitLoadImm(ImmNum(float64(arrayIdx)))
			f.emit(SetIndex{D: d, Table: tbl, Index: idx, Value: value})
			arrayIdx++
		}
	}
	return tbl
}
