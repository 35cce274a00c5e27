package vm

import (
	"strings"
	"testing"

	"luavm/pkg/builtins"
	"luavm/pkg/emitter"
	"luavm/pkg/ir"
	"luavm/pkg/lexer"
	"luavm/pkg/parser"
)

// runScript lexes, parses, builds IR, emits bytecode and runs src, capturing
// everything print wrote. It fails the test immediately on any compile or
// runtime error, since these tests exercise the happy path end to end.
func runScript(t *testing.T, src string) string {
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

	program, err := emitter.Emit(mod)
	if err != nil {
		t.Fatalf("emit error: %v", err)
	}

	var out strings.Builder
	machine := New()
	machine.Stdout = func(s string) { out.WriteString(s) }
	builtins.Register(machine)

	if err := machine.Run(program); err != nil {
		t.Fatalf("runtime error: %v", err)
	}
	return out.String()
}

func TestArithmeticPrecedence(t *testing.T) {
	got := runScript(t, `print(1 + 2 * 3)`)
	if got != "7\n" {
		t.Fatalf("got %q, want %q", got, "7\n")
	}
}

func TestStringConcat(t *testing.T) {
	got := runScript(t, `print("foo" .. "bar")`)
	if got != "foobar\n" {
		t.Fatalf("got %q, want %q", got, "foobar\n")
	}
}

func TestTableIndexingOneBased(t *testing.T) {
	got := runScript(t, `
local t = {10, 20, 30}
print(t[1], t[2], t[3])
`)
	if got != "10\t20\t30\n" {
		t.Fatalf("got %q", got)
	}
}

func TestWhileLoop(t *testing.T) {
	got := runScript(t, `
local i = 0
local sum = 0
while i < 5 do
  sum = sum + i
  i = i + 1
end
print(sum)
`)
	if got != "10\n" {
		t.Fatalf("got %q, want %q", got, "10\n")
	}
}

func TestClosureCapturesUpvalue(t *testing.T) {
	got := runScript(t, `
function counter()
  local n = 0
  return function()
    n = n + 1
    return n
  end
end

local c = counter()
print(c())
print(c())
print(c())
`)
	if got != "1\n2\n3\n" {
		t.Fatalf("got %q", got)
	}
}

func TestTwoClosuresShareUpvalue(t *testing.T) {
	// get and inc both capture pair's local n as the same open upvalue; inc
	// mutating it must be visible through get, which is only possible if
	// makeClosure reused the already-open capture instead of allocating two.
	got := runScript(t, `
function pair()
  local n = 0
  local function inc() n = n + 1 end
  local function get() return n end
  inc()
  inc()
  return get
end

local get = pair()
print(get())
`)
	if got != "2\n" {
		t.Fatalf("got %q", got)
	}
}

func TestRecursiveFib(t *testing.T) {
	got := runScript(t, `
function fib(n)
  if n < 2 then
    return n
  end
  return fib(n - 1) + fib(n - 2)
end

print(fib(10))
`)
	if got != "55\n" {
		t.Fatalf("got %q, want %q", got, "55\n")
	}
}

func TestUpvalueClosesOverLoopReturn(t *testing.T) {
	// Each returned closure must capture its own frame's n, not a value
	// that changes after the defining call has returned.
	got := runScript(t, `
function make(n)
  return function() return n end
end

local a = make(1)
local b = make(2)
print(a(), b())
`)
	if got != "1\t2\n" {
		t.Fatalf("got %q", got)
	}
}

func TestDivideByZeroError(t *testing.T) {
	l := lexer.New(`print(1 / 0)`)
	p := parser.New(l)
	prog := p.ParseProgram()
	mod, errs := ir.Build(prog)
	if errs.HasErrors() {
		t.Fatalf("ir errors: %s", errs.Error())
	}
	program, err := emitter.Emit(mod)
	if err != nil {
		t.Fatalf("emit error: %v", err)
	}
	machine := New()
	machine.Stdout = func(string) {}
	builtins.Register(machine)
	if err := machine.Run(program); err == nil {
		t.Fatal("expected a division-by-zero runtime error, got nil")
	}
}

func TestCallStackEmptyAfterEntryReturns(t *testing.T) {
	l := lexer.New(`print(1)`)
	p := parser.New(l)
	prog := p.ParseProgram()
	mod, _ := ir.Build(prog)
	program, _ := emitter.Emit(mod)
	machine := New()
	machine.Stdout = func(string) {}
	builtins.Register(machine)
	if err := machine.Run(program); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(machine.frames) != 0 {
		t.Fatalf("expected empty call stack after run, got %d frames", len(machine.frames))
	}
	if len(machine.stack) != 0 {
		t.Fatalf("expected shared stack truncated to 0, got %d", len(machine.stack))
	}
}
