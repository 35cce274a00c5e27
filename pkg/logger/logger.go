// Package logger provides structured logging for the interpreter pipeline,
// from source lexing through VM execution.
package logger

import (
	"io"
	"log/slog"
	"os"
)

var defaultLogger *slog.Logger

// Level is the logging verbosity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Config holds logger configuration.
type Config struct {
	Level     Level
	Format    string // "text" or "json"
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the logger configuration used by the release CLI mode.
func DefaultConfig() Config {
	return Config{Level: LevelWarn, Format: "text", Output: os.Stderr}
}

// Init installs the global logger.
func Init(cfg Config) {
	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: toSlogLevel(cfg.Level), AddSource: cfg.AddSource}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}
	defaultLogger = slog.New(handler)
	slog.SetDefault(defaultLogger)
}

// InitDebug initializes logging for --mode debug: debug level, text format,
// source locations included.
func InitDebug() {
	Init(Config{Level: LevelDebug, Format: "text", Output: os.Stderr, AddSource: true})
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func Debug(msg string, args ...any) { get().Debug(msg, args...) }
func Info(msg string, args ...any)  { get().Info(msg, args...) }
func Warn(msg string, args ...any)  { get().Warn(msg, args...) }
func Error(msg string, args ...any) { get().Error(msg, args...) }

func get() *slog.Logger {
	if defaultLogger == nil {
		return slog.Default()
	}
	return defaultLogger
}

// Pipeline-stage helpers, one per compilation/execution phase.

// LogLexing reports how many tokens a source file scanned to.
func LogLexing(file string, tokenCount int) {
	Debug("lexing complete", "file", file, "tokens", tokenCount)
}

// LogParsing reports how many top-level statements a source file parsed to.
func LogParsing(file string, stmtCount int) {
	Debug("parsing complete", "file", file, "statements", stmtCount)
}

// LogIRBuild reports IR generation for one function.
func LogIRBuild(funcName string, blockCount int) {
	Debug("ir build complete", "function", funcName, "blocks", blockCount)
}

// LogRegAlloc reports register allocation results for one function.
func LogRegAlloc(funcName string, maxUsage int, stride int) {
	Debug("register allocation complete", "function", funcName, "max_registers", maxUsage, "stride", stride)
}

// LogEmit reports bytecode emission for one function.
func LogEmit(funcName string, instrCount int) {
	Debug("bytecode emitted", "function", funcName, "instructions", instrCount)
}

// LogCompileError reports a diagnostic raised before the VM ever runs.
func LogCompileError(phase string, file string, line int, msg string) {
	Error("compile error", "phase", phase, "file", file, "line", line, "message", msg)
}

// LogRunStart reports the VM beginning execution of the entry function.
func LogRunStart(file string) {
	Info("run starting", "file", file)
}

// LogRunComplete reports the VM finishing, successfully or not.
func LogRunComplete(file string, err error) {
	if err == nil {
		Info("run complete", "file", file)
		return
	}
	Error("run failed", "file", file, "error", err.Error())
}

// LogGC reports one collection cycle.
func LogGC(before, after, threshold int) {
	Debug("gc cycle", "before_bytes", before, "after_bytes", after, "next_threshold", threshold)
}
