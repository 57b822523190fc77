// Package interp defines the contract between the isolate runtime and an
// embedded interpreter: evaluation, a virtual filesystem and a package
// installer, plus the language-specific snippets the runtime evaluates to
// patch output capture and to snapshot or restore global state.
package interp

import (
	"context"
	"io"

	"github.com/caffeineduck/pyhost/vfs"
	"go.uber.org/zap"
)

// Value is the final expression value of an evaluation.
type Value struct {
	// JSON is the value converted to plain data, or nil when the value has
	// no such conversion.
	JSON []byte
	// Repr is the textual representation, always set.
	Repr string
}

// EvalError is raised by code under evaluation. Kind is the interpreter's
// error class name (e.g. "NameError"), which callers match on.
type EvalError struct {
	Kind      string
	Message   string
	Traceback string
}

func (e *EvalError) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}

// Interpreter is one live interpreter with persistent globals.
// Implementations are not safe for concurrent Eval calls.
type Interpreter interface {
	// Eval runs code, writing output to stdout and stderr as it is produced.
	// It returns the value of a trailing expression (nil if none or None),
	// an *EvalError when the code raised, or another error when the
	// interpreter itself failed.
	Eval(ctx context.Context, code string, stdout, stderr io.Writer) (*Value, error)
	FS() *vfs.FS
	Install(ctx context.Context, pkg string) error
	Close() error
}

// Config is passed to Language.Start.
type Config struct {
	// Root is the host directory mounted at "/" inside the interpreter.
	Root string
	// PackageDir is the host directory installed packages land in. Empty
	// disables installation.
	PackageDir string
	// SharedPackageDir holds packages installed ahead of time. It is
	// importable but read-only. Empty means none.
	SharedPackageDir string
	Env              map[string]string
	Logger           *zap.Logger
}

// Language starts interpreters and supplies the code snippets the runtime
// evaluates on its behalf.
type Language interface {
	Name() string
	Start(ctx context.Context, cfg Config) (Interpreter, error)
	// CapturePatch rewires plotting libraries to emit artifact markers. It
	// may raise when those libraries are not installed yet.
	CapturePatch() string
	// Serializer is the package SnapshotCode and RestoreCode depend on.
	Serializer() string
	// SnapshotCode evaluates to {"state": <base64>, "dropped": [names]}.
	SnapshotCode() string
	// RestoreCode merges a state produced by SnapshotCode into globals.
	RestoreCode(state string) string
	// Requirements lists packages that must accompany pkg.
	Requirements(pkg string) []string
}
