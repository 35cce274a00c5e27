// Package builtins installs the interpreter's standard global environment
// into a freshly created VM before a program runs.
package builtins

import (
	"strings"

	"luavm/pkg/value"
)

// Host is the subset of *vm.VM builtins need: a place to register globals
// and a sink to write output to. Defined as an interface here rather than
// importing vm, since vm itself has no need to know about builtins.
type Host interface {
	SetGlobal(name string, v value.Value)
	Print(s string)
}

// Register installs every built-in global into host.
func Register(host Host) {
	host.SetGlobal("print", value.CFunc(&value.CFuncValue{Name: "print", Fn: printFn(host)}))
}

// printFn returns print's implementation bound to host's output sink:
// writes its arguments' canonical display forms, tab-separated, followed
// by a newline.
func printFn(host Host) func([]value.Value) (value.Value, error) {
	return func(args []value.Value) (value.Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = a.String()
		}
		host.Print(strings.Join(parts, "\t") + "\n")
		return value.Nil(), nil
	}
}
