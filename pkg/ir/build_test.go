package ir

import (
	"testing"

	"luavm/pkg/lexer"
	"luavm/pkg/parser"
)

func buildModule(t *testing.T, src string) *Module {
	t.Helper()
	p := parser.New(lexer.New(src))
	prog := p.ParseProgram()
	if p.Errors().HasErrors() {
		t.Fatalf("parse errors: %v", p.Errors())
	}
	mod, errs := Build(prog)
	if errs.HasErrors() {
		t.Fatalf("ir errors: %v", errs)
	}
	return mod
}

func TestBuildSimpleLocal(t *testing.T) {
	mod := buildModule(t, `local x = 1 + 2`)
	start := mod.FindFunction(EntryFunctionName)
	if start == nil {
		t.Fatal("missing entry function")
	}
	if start.NumSlots != 1 {
		t.Fatalf("expected 1 local slot, got %d", start.NumSlots)
	}
	if len(start.Blocks) != 1 {
		t.Fatalf("expected 1 block, got %d", len(start.Blocks))
	}
	foundBinary := false
	for _, instr := range start.Blocks[0].Instr {
		if _, ok := instr.(Binary); ok {
			foundBinary = true
		}
	}
	if !foundBinary {
		t.Fatal("expected a Binary instruction for 1 + 2")
	}
}

func TestBuildClosureCapturesUpvalue(t *testing.T) {
	mod := buildModule(t, `
local function make(n)
  return function() return n end
end
local f = make(42)
print(f())
`)
	var inner *Function
	for _, fn := range mod.Functions {
		for _, i := range fn.Upvalues {
			if i.Name == "n" {
				inner = fn
			}
		}
	}
	if inner == nil {
		t.Fatal("expected a function capturing 'n' as an upvalue")
	}
	if !inner.Upvalues[0].Source.FromLocal {
		t.Fatalf("expected 'n' to be captured from a parent local, got %+v", inner.Upvalues[0].Source)
	}
}

func TestBuildIfElseProducesThreeExtraBlocks(t *testing.T) {
	mod := buildModule(t, `
local x = 1
if x then
  x = 2
else
  x = 3
end
`)
	start := mod.FindFunction(EntryFunctionName)
	// entry block + then + else + merge
	if len(start.Blocks) != 4 {
		t.Fatalf("expected 4 blocks, got %d", len(start.Blocks))
	}
}

func TestBuildWhileLoopBackEdge(t *testing.T) {
	mod := buildModule(t, `
local i = 0
while i do
  i = i
end
`)
	start := mod.FindFunction(EntryFunctionName)
	var sawJumpToCond bool
	for _, bb := range start.Blocks {
		if j, ok := bb.Term.(Jump); ok {
			for _, other := range start.Blocks {
				if other.ID == j.Target {
					if _, isBranch := other.Term.(Branch); isBranch {
						sawJumpToCond = true
					}
				}
			}
		}
	}
	if !sawJumpToCond {
		t.Fatal("expected a back-edge jump into the condition block")
	}
}

func TestBuildRepeatConditionSeesBodyLocal(t *testing.T) {
	// Must not error: 'done' is visible to the until-condition.
	buildModule(t, `
repeat
  local done = true
until done
`)
}

func TestBuildMultipleReturnValuesIsError(t *testing.T) {
	p := parser.New(lexer.New(`return 1, 2`))
	prog := p.ParseProgram()
	_, errs := Build(prog)
	if !errs.HasErrors() {
		t.Fatal("expected an IR error for multiple return values")
	}
}
