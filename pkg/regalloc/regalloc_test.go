package regalloc

import (
	"testing"

	"luavm/pkg/ir"
	"luavm/pkg/lexer"
	"luavm/pkg/lifetime"
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

func TestLocalsGetPhysicalIndexEqualToSlot(t *testing.T) {
	fn := buildEntry(t, `local a = 1
local b = 2`)
	scan := lifetime.Scan(fn)
	alloc := Allocate(fn, scan)
	for slot, phys := range alloc.LocalPhys {
		if slot != phys {
			t.Fatalf("local slot %d: expected physical index == slot, got %d", slot, phys)
		}
	}
}

func TestNoOverlappingActiveTemporaries(t *testing.T) {
	fn := buildEntry(t, `local x = (1 + 2) * (3 + 4)`)
	scan := lifetime.Scan(fn)
	alloc := Allocate(fn, scan)

	type assignment struct {
		phys       int
		start, end int
	}
	var assigns []assignment
	for reg, r := range scan.Temps {
		assigns = append(assigns, assignment{phys: alloc.TempPhys[reg], start: r.Start, end: r.End})
	}
	for i := range assigns {
		for j := range assigns {
			if i == j || assigns[i].phys != assigns[j].phys {
				continue
			}
			overlap := assigns[i].start <= assigns[j].end && assigns[j].start <= assigns[i].end
			if overlap {
				t.Fatalf("physical register %d shared by overlapping lifetimes [%d,%d] and [%d,%d]",
					assigns[i].phys, assigns[i].start, assigns[i].end, assigns[j].start, assigns[j].end)
			}
		}
	}
}

func TestStrideWidensForWideCalls(t *testing.T) {
	fn := buildEntry(t, `print(1, 2, 3, 4, 5)`)
	scan := lifetime.Scan(fn)
	alloc := Allocate(fn, scan)
	if alloc.Stride < 6 {
		t.Fatalf("expected stride >= 6 for a 5-argument call, got %d", alloc.Stride)
	}
}
