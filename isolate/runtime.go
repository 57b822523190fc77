package isolate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"github.com/caffeineduck/pyhost/interp"
	"github.com/caffeineduck/pyhost/protocol"
	"github.com/caffeineduck/pyhost/vfs"
	"go.uber.org/zap"
)

// Runtime wraps one interpreter: it captures output, extracts artifacts,
// tracks installed packages and drives snapshot and restore.
// A Runtime is used from a single goroutine.
type Runtime struct {
	lang interp.Language
	it   interp.Interpreter
	log  *zap.Logger

	packages  []string
	installed map[string]bool
}

// StartRuntime boots an interpreter for lang.
func StartRuntime(ctx context.Context, lang interp.Language, cfg interp.Config) (*Runtime, error) {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	it, err := lang.Start(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("start %s interpreter: %w", lang.Name(), err)
	}
	return &Runtime{
		lang:      lang,
		it:        it,
		log:       log,
		installed: make(map[string]bool),
	}, nil
}

// Execution is the outcome of running one code string.
type Execution struct {
	Stdout    string
	Stderr    string
	Result    any
	Artifacts []protocol.Artifact
	Err       error
}

// Exec runs code. onText, when non-nil, receives stdout as it is written,
// including partial lines. Artifact marker lines are never passed to it.
func (r *Runtime) Exec(ctx context.Context, code string, onText func(string)) Execution {
	stdout := newOutputSink(onText)
	var stderr bytes.Buffer

	r.ApplyPatches(ctx)

	value, err := r.it.Eval(ctx, code, stdout, &stderr)
	stdout.Flush()

	clean, artifacts := protocol.ExtractArtifacts(stdout.String())
	exec := Execution{
		Stdout:    strings.TrimRight(clean, " \t\r\n"),
		Stderr:    strings.TrimRight(stderr.String(), " \t\r\n"),
		Artifacts: artifacts,
		Err:       err,
	}
	if err == nil && value != nil {
		exec.Result = plainValue(value)
		if exec.Stdout == "" {
			exec.Stdout = value.Repr
		}
	}
	return exec
}

// plainValue prefers the plain-data form of v and falls back to its text.
func plainValue(v *interp.Value) any {
	if v.JSON != nil {
		var out any
		if err := json.Unmarshal(v.JSON, &out); err == nil {
			return out
		}
	}
	return v.Repr
}

// ApplyPatches evaluates the language's output-capture patch. Failures are
// expected until the patched libraries are installed and only logged.
func (r *Runtime) ApplyPatches(ctx context.Context) {
	patch := r.lang.CapturePatch()
	if patch == "" {
		return
	}
	if _, err := r.it.Eval(ctx, patch, io.Discard, io.Discard); err != nil {
		r.log.Debug("capture patch not applied", zap.Error(err))
	}
}

// Install installs pkgs and their known requirements. Every successful name
// is recorded even when others fail; the joined failures are returned.
func (r *Runtime) Install(ctx context.Context, pkgs []string) error {
	var errs []error
	for _, name := range r.expand(pkgs) {
		if r.installed[name] {
			continue
		}
		if err := r.it.Install(ctx, name); err != nil {
			r.log.Warn("package install failed", zap.String("package", name), zap.Error(err))
			errs = append(errs, fmt.Errorf("install %s: %w", name, err))
			continue
		}
		r.installed[name] = true
		r.packages = append(r.packages, name)
		r.log.Info("package installed", zap.String("package", name))
	}
	r.ApplyPatches(ctx)
	return errors.Join(errs...)
}

// expand puts each package's requirements ahead of it, without duplicates.
func (r *Runtime) expand(pkgs []string) []string {
	seen := make(map[string]bool)
	var out []string
	var add func(name string)
	add = func(name string) {
		name = strings.TrimSpace(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		for _, dep := range r.lang.Requirements(name) {
			add(dep)
		}
		out = append(out, name)
	}
	for _, p := range pkgs {
		add(p)
	}
	return out
}

// Packages returns the installed package set in install order.
func (r *Runtime) Packages() []string {
	return append([]string(nil), r.packages...)
}

func (r *Runtime) ensureSerializer(ctx context.Context) error {
	if s := r.lang.Serializer(); s != "" {
		return r.Install(ctx, []string{s})
	}
	return nil
}

type snapshotDoc struct {
	State   string   `json:"state"`
	Dropped []string `json:"dropped"`
}

// Snapshot serializes the interpreter's globals. Bindings the interpreter
// could not serialize are reported in dropped.
func (r *Runtime) Snapshot(ctx context.Context) (state string, dropped []string, err error) {
	if err := r.ensureSerializer(ctx); err != nil {
		return "", nil, fmt.Errorf("snapshot: %w", err)
	}
	var stderr bytes.Buffer
	value, err := r.it.Eval(ctx, r.lang.SnapshotCode(), io.Discard, &stderr)
	if err != nil {
		return "", nil, fmt.Errorf("snapshot: %w", err)
	}
	if value == nil || value.JSON == nil {
		return "", nil, errors.New("snapshot: interpreter returned no state")
	}
	var doc snapshotDoc
	if err := json.Unmarshal(value.JSON, &doc); err != nil {
		return "", nil, fmt.Errorf("snapshot: decode state: %w", err)
	}
	sealed, err := sealState(doc.State)
	if err != nil {
		return "", nil, fmt.Errorf("snapshot: %w", err)
	}
	if len(doc.Dropped) > 0 {
		r.log.Info("snapshot dropped unserializable bindings", zap.Strings("names", doc.Dropped))
	}
	return sealed, doc.Dropped, nil
}

// Restore reinstalls pkgs and merges state into the interpreter's globals.
func (r *Runtime) Restore(ctx context.Context, state string, pkgs []string) error {
	if len(pkgs) > 0 {
		if err := r.Install(ctx, pkgs); err != nil {
			return fmt.Errorf("restore: %w", err)
		}
	}
	if err := r.ensureSerializer(ctx); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	interpState, err := openState(state)
	if err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	if _, err := r.it.Eval(ctx, r.lang.RestoreCode(interpState), io.Discard, io.Discard); err != nil {
		return fmt.Errorf("restore: %w", err)
	}
	return nil
}

// WriteFile writes content, creating parent directories.
func (r *Runtime) WriteFile(p, content string) error {
	fs := r.it.FS()
	if err := fs.MkdirAll(path.Dir(vfs.Clean(p))); err != nil {
		return err
	}
	return fs.WriteFile(p, content)
}

func (r *Runtime) ReadFile(p string) (string, error) {
	return r.it.FS().ReadFile(p)
}

func (r *Runtime) DeleteFile(p string) error {
	return r.it.FS().Remove(p)
}

func (r *Runtime) MkdirAll(p string) error {
	return r.it.FS().MkdirAll(p)
}

// ListFiles returns every file below dir.
func (r *Runtime) ListFiles(dir string) []string {
	return r.it.FS().Walk(dir)
}

// Close releases the interpreter.
func (r *Runtime) Close() error {
	return r.it.Close()
}
