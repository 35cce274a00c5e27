package lifetime

import (
	"testing"

	"luavm/pkg/ir"
	"luavm/pkg/lexer"
	"luavm/pkg/parser"
)

func buildEntry(t *testing.T, src string) *ir.Function {
	t.Helper()
	p := parser.New(lexer.New(src))
	prog := p.ParseProgram()
	if p.Errors().HasErrors() {
		t.Fatalf("parse errors: %v", p.Errors())
	}
	mod, errs := ir.Build(prog)
	if errs.HasErrors() {
		t.Fatalf("ir errors: %v", errs)
	}
	fn := mod.FindFunction(ir.EntryFunctionName)
	if fn == nil {
		t.Fatal("missing entry function")
	}
	return fn
}

func TestLocalsStartAtZero(t *testing.T) {
	fn := buildEntry(t, `local x = 1
local y = x + 1`)
	res := Scan(fn)
	for slot, r := range res.Locals {
		if r.Start != 0 {
			t.Fatalf("local slot %d: expected start=0, got %d", slot, r.Start)
		}
		if !r.IsFixed {
			t.Fatalf("local slot %d: expected IsFixed", slot)
		}
	}
}

func TestTemporaryLifetimeMonotonic(t *testing.T) {
	fn := buildEntry(t, `local x = (1 + 2) * 3`)
	res := Scan(fn)
	for reg, r := range res.Temps {
		if r.End < r.Start {
			t.Fatalf("temp r%d: end %d before start %d", reg, r.End, r.Start)
		}
	}
}

func TestCallExtendsArgumentLiveness(t *testing.T) {
	fn := buildEntry(t, `print(1, 2)`)
	res := Scan(fn)
	var callIdx int
	idx := 0
	var argRegs []int
	for _, bb := range fn.Blocks {
		for _, instr := range bb.Instr {
			if c, ok := instr.(ir.Call); ok {
				callIdx = idx
				for _, a := range c.Args {
					if a.Kind == ir.OpReg {
						argRegs = append(argRegs, a.Reg)
					}
				}
			}
			idx++
		}
	}
	for _, reg := range argRegs {
		r := res.Temps[reg]
		if r == nil {
			t.Fatalf("missing range for arg register r%d", reg)
		}
		if r.End < callIdx+1 {
			t.Fatalf("arg register r%d: expected end >= %d, got %d", reg, callIdx+1, r.End)
		}
	}
}
