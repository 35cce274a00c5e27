package errors

import "fmt"

// Diagnostic is the interface implemented by all compile-time errors.
type Diagnostic interface {
	error // Embed the standard error interface
	Pos() Position
	Kind() string // "Syntax" or "Compile"
	Message() string
}

// SyntaxError represents an error during lexing or parsing.
type SyntaxError struct {
	Position
	Msg string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("Syntax Error at %d:%d: %s", e.Line, e.Column, e.Msg)
}
func (e *SyntaxError) Pos() Position   { return e.Position }
func (e *SyntaxError) Kind() string    { return "Syntax" }
func (e *SyntaxError) Message() string { return e.Msg }

// IRError represents an error raised while lowering the AST to IR: failed
// scope resolution, a malformed assignment target, a second return
// statement in an already-closed block.
type IRError struct {
	Position
	Msg string
}

func (e *IRError) Error() string {
	return fmt.Sprintf("Compile Error at %d:%d: %s", e.Line, e.Column, e.Msg)
}
func (e *IRError) Pos() Position   { return e.Position }
func (e *IRError) Kind() string    { return "Compile" }
func (e *IRError) Message() string { return e.Msg }

// List accumulates diagnostics across a compilation run. Unlike a single
// returned error, appending to a List does not abort the pipeline —
// downstream stages still run so the user sees as much as can be reported
// in one pass.
type List struct {
	errs []Diagnostic
}

// Add appends a diagnostic to the list.
func (l *List) Add(e Diagnostic) { l.errs = append(l.errs, e) }

// HasErrors reports whether any diagnostic was recorded.
func (l *List) HasErrors() bool { return len(l.errs) > 0 }

// All returns the accumulated diagnostics in recorded order.
func (l *List) All() []Diagnostic { return l.errs }

// Error renders every diagnostic, one per line.
func (l *List) Error() string {
	s := ""
	for i, e := range l.errs {
		if i > 0 {
			s += "\n"
		}
		s += e.Error()
	}
	return s
}
