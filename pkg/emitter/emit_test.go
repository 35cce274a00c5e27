package emitter

import (
	"testing"

	"luavm/pkg/bytecode"
	"luavm/pkg/ir"
	"luavm/pkg/lexer"
	"luavm/pkg/parser"
)

func compile(t *testing.T, src string) *Program {
	t.Helper()
	l := lexer.New(src)
	p := parser.New(l)
	prog := p.ParseProgram()
	if p.Errors().HasErrors() {
		t.Fatalf("parse errors: %s", p.Errors().Error())
	}
	mod, errs := ir.Build(prog)
	if errs.HasErrors() {
		t.Fatalf("ir errors: %s", errs.Error())
	}
	program, err := Emit(mod)
	if err != nil {
		t.Fatalf("emit error: %v", err)
	}
	return program
}

func TestConstantPoolDeduplicatesRepeatedLiterals(t *testing.T) {
	program := compile(t, `
print("x")
print("x")
print("x")
`)
	chunk := program.Chunks[ir.EntryFunctionName]

	var strCount int
	for _, c := range chunk.Constants {
		if c.Kind == bytecode.ConstString && c.Str == "x" {
			strCount++
		}
	}
	if strCount != 1 {
		t.Fatalf("expected exactly one pooled constant for repeated \"x\", got %d", strCount)
	}
}

func TestConstantPoolDeduplicatesRepeatedNumbers(t *testing.T) {
	program := compile(t, `
local a = 42
local b = 42
local c = 42
`)
	chunk := program.Chunks[ir.EntryFunctionName]

	var numCount int
	for _, c := range chunk.Constants {
		if c.Kind == bytecode.ConstNumber && c.Num == 42 {
			numCount++
		}
	}
	if numCount != 1 {
		t.Fatalf("expected exactly one pooled constant for repeated 42, got %d", numCount)
	}
}

// TestJumpTargetsResolveToAbsoluteIndices exercises a branch (if/then/else)
// followed by more code, checking that every OpJump/OpTest target is a
// valid in-bounds instruction index distinct from its own position — a
// forward reference patched after the fact, not left as a block-relative
// placeholder.
func TestJumpTargetsResolveToAbsoluteIndices(t *testing.T) {
	program := compile(t, `
local x = 1
if x < 2 then
  x = 10
else
  x = 20
end
print(x)
`)
	chunk := program.Chunks[ir.EntryFunctionName]

	var sawBranch bool
	for i, in := range chunk.Code {
		if in.Op != bytecode.OpJump && in.Op != bytecode.OpTest {
			continue
		}
		sawBranch = true
		if in.Target < 0 || in.Target >= len(chunk.Code) {
			t.Fatalf("instruction %d (%s) has out-of-range target %d (code length %d)", i, in.Op, in.Target, len(chunk.Code))
		}
		if in.Target == i {
			t.Fatalf("instruction %d (%s) targets itself", i, in.Op)
		}
	}
	if !sawBranch {
		t.Fatal("expected at least one Jump/Test instruction from the if/else")
	}
}

// TestWhileLoopBackEdgeTargetsEarlierInstruction checks that a loop's
// back-edge jump actually targets an earlier instruction index (the
// condition re-check), not just any in-bounds index.
func TestWhileLoopBackEdgeTargetsEarlierInstruction(t *testing.T) {
	program := compile(t, `
local i = 0
while i < 3 do
  i = i + 1
end
`)
	chunk := program.Chunks[ir.EntryFunctionName]

	var sawBackEdge bool
	for i, in := range chunk.Code {
		if in.Op == bytecode.OpJump && in.Target < i {
			sawBackEdge = true
		}
	}
	if !sawBackEdge {
		t.Fatal("expected a backward Jump closing the while loop")
	}
}

func TestCallArgumentMarshallingSwappedLocals(t *testing.T) {
	// f(b, a) passes two locals in swapped order. Each is first read into
	// its own temporary, and the temporaries are moved into the slots just
	// above the callee register; this should compile without error and
	// produce at least one Move right before the Call.
	program := compile(t, `
function f(x, y) return x end
local a = 1
local b = 2
print(f(b, a))
`)
	chunk := program.Chunks[ir.EntryFunctionName]
	var sawCall bool
	firstCall := -1
	for i, in := range chunk.Code {
		if in.Op == bytecode.OpCall {
			sawCall = true
			if firstCall < 0 {
				firstCall = i
			}
		}
	}
	if !sawCall {
		t.Fatal("expected an OpCall instruction")
	}
	if firstCall < 1 || chunk.Code[firstCall-1].Op != bytecode.OpMove {
		t.Fatalf("expected an OpMove right before the first OpCall at %d", firstCall)
	}
}
