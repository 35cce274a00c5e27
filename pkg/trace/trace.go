// Package trace formats the diagnostic output --mode debug/trace produces:
// a full bytecode dump, a per-instruction execution trace, and GC summaries.
package trace

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dlclark/regexp2"

	"luavm/pkg/bytecode"
	"luavm/pkg/emitter"
	"luavm/pkg/source"
)

// identPattern matches a bare Lua-style identifier anywhere in its input;
// used both to validate a whole name (SafeName) and to scan a line of
// source for the token under an error's column (Excerpt).
var identPattern = regexp2.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`, regexp2.None)

// SafeName quotes name unless it reads as a plain identifier end to end, so
// a trace line stays unambiguous even for names the lexer would never
// itself produce (a synthetic or embedder-supplied global).
func SafeName(name string) string {
	m, err := identPattern.FindStringMatch(name)
	if err != nil || m == nil || m.Index != 0 || m.Length != len(name) {
		return fmt.Sprintf("%q", name)
	}
	return name
}

// DumpProgram renders every chunk's disassembly, in a stable order with the
// entry chunk listed first.
func DumpProgram(prog *emitter.Program) string {
	var b strings.Builder
	if entry, ok := prog.Chunks[prog.Entry]; ok {
		b.WriteString(entry.Disassemble())
		b.WriteByte('\n')
	}
	names := make([]string, 0, len(prog.Chunks))
	for name := range prog.Chunks {
		if name != prog.Entry {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		b.WriteString(prog.Chunks[name].Disassemble())
		b.WriteByte('\n')
	}
	return b.String()
}

// Step renders one executed instruction for --mode trace's live output.
func Step(funcName string, ip int, in bytecode.Instr) string {
	return fmt.Sprintf("%s:%04d  %-10s dest=%d a=%d b=%d target=%d",
		SafeName(funcName), ip, in.Op, in.Dest, in.A, in.B, in.Target)
}

// GCSummary renders one collection cycle's before/after byte counts.
func GCSummary(funcName string, before, after, threshold int) string {
	return fmt.Sprintf("gc during %s: %d -> %d bytes (next trigger %d)",
		SafeName(funcName), before, after, threshold)
}

// Excerpt returns src's line (1-based) with the identifier under column col
// bracketed, for pointing at the token a runtime error occurred on. Falls
// back to the bare line if col doesn't land inside a recognizable
// identifier (e.g. the error is on an operator or literal instead).
func Excerpt(src *source.SourceFile, line, col int) string {
	lines := src.Lines()
	if line < 1 || line > len(lines) {
		return ""
	}
	text := lines[line-1]
	m, err := identPattern.FindStringMatch(text)
	for m != nil && err == nil {
		start := m.Index
		end := start + m.Length
		if col-1 >= start && col-1 < end {
			return text[:start] + "[" + text[start:end] + "]" + text[end:]
		}
		m, err = identPattern.FindNextMatch(m)
	}
	return text
}
