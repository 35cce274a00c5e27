// Command luavm runs a Lua-subset script file through the lex/parse/IR/
// register-allocate/emit/execute pipeline in pkg/driver.
package main

import (
	"flag"
	"fmt"
	"os"

	"luavm/pkg/driver"
	"luavm/pkg/errors"
	"luavm/pkg/source"
)

func main() {
	modeFlag := flag.String("mode", "release", "execution mode: release, debug, or trace")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: luavm [-mode release|debug|trace] <script.lua>\n")
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(64) // command line usage error
	}

	mode := driver.Mode(*modeFlag)
	switch mode {
	case driver.ModeRelease, driver.ModeDebug, driver.ModeTrace:
	default:
		fmt.Fprintf(os.Stderr, "luavm: unknown mode %q\n", *modeFlag)
		os.Exit(64)
	}

	path := flag.Arg(0)
	content, err := os.ReadFile(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "luavm: %v\n", err)
		os.Exit(66) // cannot open input
	}

	src := source.NewSourceFile(path, path, string(content))

	err = driver.Run(src, driver.RunOptions{Mode: mode})
	if err == nil {
		return
	}
	// A runtime error (*errors.VMError) is already reported to stderr by the
	// VM itself; a compile-time *errors.List still needs formatting here.
	if _, isRuntime := err.(*errors.VMError); !isRuntime {
		fmt.Fprintln(os.Stderr, driver.FormatCompileErrors(err))
	}
	os.Exit(1)
}
