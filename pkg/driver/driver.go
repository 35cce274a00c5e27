// Package driver wires the pipeline stages together: lex, parse, build IR,
// allocate registers and emit bytecode, then load and run it on a VM.
package driver

import (
	"fmt"
	"os"

	"luavm/pkg/builtins"
	"luavm/pkg/emitter"
	"luavm/pkg/errors"
	"luavm/pkg/ir"
	"luavm/pkg/lexer"
	"luavm/pkg/logger"
	"luavm/pkg/parser"
	"luavm/pkg/source"
	"luavm/pkg/trace"
	"luavm/pkg/vm"
)

// Mode selects how much diagnostic output a run produces.
type Mode string

const (
	// ModeRelease runs with warn-level logging, no bytecode or state dumps.
	ModeRelease Mode = "release"
	// ModeDebug enables debug-level logging, which includes the per-stage
	// compile messages and the heap's per-cycle GC summaries. No VM state
	// is dumped after the run.
	ModeDebug Mode = "debug"
	// ModeTrace additionally dumps disassembled bytecode and an instruction
	// trace as the VM executes (see pkg/trace).
	ModeTrace Mode = "trace"
)

// RunOptions configures a single Run call.
type RunOptions struct {
	Mode   Mode
	Stdout func(string) // defaults to printing to the real stdout
}

// Run compiles src and executes it. Compile-time diagnostics (syntax and IR
// errors) are returned as an *errors.List; a runtime error is returned as
// the *errors.VMError the VM raised. The VM has already printed a runtime
// error to stderr; a compile-time list is left for the caller to format.
func Run(src *source.SourceFile, opts RunOptions) error {
	if opts.Mode == ModeDebug || opts.Mode == ModeTrace {
		logger.InitDebug()
	} else {
		logger.Init(logger.DefaultConfig())
	}

	logger.LogRunStart(src.DisplayPath())

	lex := lexer.New(src.Content)
	p := parser.New(lex)
	prog := p.ParseProgram()
	mod, errs := ir.Build(prog)
	if p.Errors().HasErrors() {
		// Report IR diagnostics from the partial AST after the syntax
		// errors; emission does not run.
		for _, d := range errs.All() {
			p.Errors().Add(d)
		}
		return p.Errors()
	}
	if errs != nil && errs.HasErrors() {
		return errs
	}
	for _, fn := range mod.Functions {
		logger.LogIRBuild(fn.Name, len(fn.Blocks))
	}

	program, err := emitter.Emit(mod)
	if err != nil {
		return err
	}
	for name, chunk := range program.Chunks {
		logger.LogEmit(name, len(chunk.Code))
	}

	machine := vm.New()
	if opts.Stdout != nil {
		machine.Stdout = opts.Stdout
	}
	builtins.Register(machine)

	if opts.Mode == ModeTrace {
		machine.Trace = true
		fmt.Fprint(os.Stderr, trace.DumpProgram(program))
	}

	runErr := machine.Run(program)
	logger.LogRunComplete(src.DisplayPath(), runErr)
	return runErr
}

// FormatCompileErrors renders a diagnostic list (or a bare error) the way
// the CLI prints failures to stderr.
func FormatCompileErrors(err error) string {
	if list, ok := err.(*errors.List); ok {
		return list.Error()
	}
	return fmt.Sprintf("error: %v", err)
}
