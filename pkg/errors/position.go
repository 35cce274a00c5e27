package errors

import "luavm/pkg/source"

// Position represents a specific location in the source code.
// It includes line and column numbers (1-based) for human-readability,
// and a byte offset for tooling that wants it.
type Position struct {
	Line   int                // 1-based line number
	Column int                // 1-based column number (byte index within the line)
	Offset int                // 0-based byte offset of the start of the token/error span
	Source *source.SourceFile // Reference to the source file
}
