// Package isolate runs inside the isolated execution context. A Controller
// owns one interpreter Runtime and one storage Backend, reads requests from
// the channel in arrival order and answers each with exactly one terminal
// response.
package isolate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/pyhost/interp"
	"github.com/caffeineduck/pyhost/protocol"
	"github.com/caffeineduck/pyhost/storage"
	"github.com/caffeineduck/pyhost/vfs"
	"go.uber.org/zap"
)

// DefaultRoot is the virtual directory mirrored to durable storage.
const DefaultRoot = "/sandbox"

// SessionPackagesDir holds per-namespace install directories inside the
// package directory.
const SessionPackagesDir = ".sessions"

// requestQueueSize bounds requests read ahead of the one executing.
const requestQueueSize = 128

// Config configures a Controller.
type Config struct {
	Language interp.Language
	// Storage lists backend candidates in preference order.
	Storage []storage.Candidate
	// Root is the persistence root (default DefaultRoot).
	Root string
	// ScratchDir holds the interpreter's filesystem. When empty a temporary
	// directory is created on init and removed on destroy.
	ScratchDir string
	// Namespace scopes the isolate's persisted files and installed packages.
	// Isolates with different namespaces share backends and PackageDir
	// without seeing each other's files or installs.
	Namespace string
	// PackageDir is the package directory. Without a namespace, installs go
	// straight into it. With one, it is mounted read-only and installs go to
	// a per-namespace directory beneath it.
	PackageDir string
	Env        map[string]string
	Logger     *zap.Logger
}

// Controller dispatches requests for one isolate. Its state lives only as
// long as the controller; nothing is shared between controllers.
type Controller struct {
	cfg Config
	log *zap.Logger

	rt           *Runtime
	store        storage.Backend
	scratch      string
	ownedScratch bool
	ownPackages  string
}

// NewController returns a controller that is not yet initialized; the first
// request on its channel is expected to be init.
func NewController(cfg Config) *Controller {
	if cfg.Root == "" {
		cfg.Root = DefaultRoot
	}
	cfg.Root = vfs.Clean(cfg.Root)
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if len(cfg.Storage) == 0 {
		cfg.Storage = []storage.Candidate{storage.Shared("memory", storage.NewMemory())}
	}
	return &Controller{cfg: cfg, log: cfg.Logger}
}

type incoming struct {
	req protocol.Request
	err error
}

// Serve processes requests from rw until the stream ends, a fatal frame
// error occurs or ctx is cancelled. Requests are read ahead into a queue so
// the host can keep sending while one executes.
func (c *Controller) Serve(ctx context.Context, rw io.ReadWriter) error {
	defer c.shutdown()

	dec := protocol.NewDecoder(rw)
	enc := protocol.NewEncoder(rw)

	queue := make(chan incoming, requestQueueSize)
	go func() {
		defer close(queue)
		for {
			req, err := dec.ReadRequest()
			select {
			case queue <- incoming{req: req, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil && (err == io.EOF || protocol.IsFatalFrameError(err)) {
				return
			}
		}
	}()

	emit := func(r protocol.Response) {
		if err := enc.Encode(r); err != nil {
			c.log.Warn("stream chunk dropped", zap.Uint64("id", r.ID), zap.Error(err))
		}
	}

	for {
		var in incoming
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case in, ok = <-queue:
		}
		if !ok || in.err == io.EOF {
			return nil
		}
		if in.err != nil {
			if protocol.IsFatalFrameError(in.err) {
				return fmt.Errorf("read request: %w", in.err)
			}
			c.log.Warn("malformed request", zap.Uint64("id", in.req.ID), zap.Error(in.err))
			if err := enc.Encode(protocol.Failure(in.req.ID, "malformed request: %v", in.err)); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
			continue
		}

		resp := c.Handle(ctx, in.req, emit)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}

// Handle executes one request and returns its terminal response. Streaming
// chunks for run requests are passed to emit. Handler errors and panics are
// converted into failed responses.
func (c *Controller) Handle(ctx context.Context, req protocol.Request, emit func(protocol.Response)) (resp protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("request handler panicked", zap.String("kind", string(req.Kind)), zap.Any("panic", r))
			resp = protocol.Failure(req.ID, "internal error handling %s: %v", req.Kind, r)
		}
		resp.ID = req.ID
		resp.Streaming = false
		if !resp.Success && resp.Error == "" {
			resp.Error = "unknown error"
		}
	}()

	switch req.Kind {
	case protocol.KindInit:
		return c.handleInit(ctx, req)
	case protocol.KindRun:
		return c.handleRun(ctx, req, emit)
	case protocol.KindWriteFile:
		return c.handleWriteFile(ctx, req)
	case protocol.KindReadFile:
		return c.handleReadFile(req)
	case protocol.KindDeleteFile:
		return c.handleDeleteFile(ctx, req)
	case protocol.KindListFiles:
		return c.handleListFiles(req)
	case protocol.KindInstall:
		return c.handleInstall(ctx, req)
	case protocol.KindSnapshot:
		return c.handleSnapshot(ctx, req)
	case protocol.KindRestore:
		return c.handleRestore(ctx, req)
	case protocol.KindDestroy:
		return c.handleDestroy(req)
	default:
		return protocol.Failure(req.ID, "unknown request kind %q", req.Kind)
	}
}

var errNotInitialized = errors.New("interpreter not initialized")

func succeeded(id uint64) protocol.Response {
	return protocol.Response{ID: id, Success: true}
}

func fail(id uint64, err error) protocol.Response {
	return protocol.Failure(id, "%s", errorText(err))
}

// errorText renders err for callers. Interpreter errors keep their kind
// token first so callers can match on it.
func errorText(err error) string {
	var evalErr *interp.EvalError
	if errors.As(err, &evalErr) {
		return evalErr.Error()
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return "execution interrupted: " + err.Error()
	}
	return err.Error()
}

func (c *Controller) handleInit(ctx context.Context, req protocol.Request) protocol.Response {
	c.shutdown()

	scratch := c.cfg.ScratchDir
	owned := false
	if scratch == "" {
		dir, err := os.MkdirTemp("", "pyhost-isolate-*")
		if err != nil {
			return fail(req.ID, fmt.Errorf("create scratch dir: %w", err))
		}
		scratch, owned = dir, true
	}
	c.scratch, c.ownedScratch = scratch, owned

	pkgs, err := c.packageDirs()
	if err != nil {
		c.shutdown()
		return fail(req.ID, err)
	}
	pkgs.Root = scratch
	pkgs.Env = c.cfg.Env
	pkgs.Logger = c.log
	rt, err := StartRuntime(ctx, c.cfg.Language, pkgs)
	if err != nil {
		c.shutdown()
		return fail(req.ID, err)
	}
	c.rt = rt

	if len(req.Preload) > 0 {
		if err := rt.Install(ctx, req.Preload); err != nil {
			c.shutdown()
			return fail(req.ID, fmt.Errorf("preload: %w", err))
		}
	}

	store, err := storage.Select(ctx, c.cfg.Storage, c.log)
	if err != nil {
		c.shutdown()
		return fail(req.ID, err)
	}
	c.store, err = storage.WithNamespace(store, c.cfg.Namespace)
	if err != nil {
		store.Close()
		c.shutdown()
		return fail(req.ID, err)
	}

	if err := rt.MkdirAll(c.cfg.Root); err != nil {
		c.shutdown()
		return fail(req.ID, fmt.Errorf("create persistence root: %w", err))
	}
	restored := c.restorePersisted(ctx)

	rt.ApplyPatches(ctx)

	c.log.Info("isolate initialized",
		zap.String("language", c.cfg.Language.Name()),
		zap.String("backend", store.Name()),
		zap.Int("restored_files", restored),
		zap.Strings("preload", rt.Packages()),
	)
	resp := succeeded(req.ID)
	resp.Backend = store.Name()
	resp.Packages = rt.Packages()
	return resp
}

// packageDirs returns the package directories for a fresh interpreter. A
// namespaced isolate starts with an empty install directory of its own,
// since the installed set does not outlive the isolate.
func (c *Controller) packageDirs() (interp.Config, error) {
	if c.cfg.PackageDir == "" || c.cfg.Namespace == "" {
		return interp.Config{PackageDir: c.cfg.PackageDir}, nil
	}
	ns, err := storage.CleanKey(c.cfg.Namespace)
	if err != nil {
		return interp.Config{}, fmt.Errorf("namespace %q: %w", c.cfg.Namespace, err)
	}
	own := filepath.Join(c.cfg.PackageDir, SessionPackagesDir, filepath.FromSlash(ns))
	if err := os.RemoveAll(own); err != nil {
		return interp.Config{}, fmt.Errorf("reset package dir: %w", err)
	}
	if err := os.MkdirAll(own, 0o755); err != nil {
		return interp.Config{}, fmt.Errorf("create package dir: %w", err)
	}
	c.ownPackages = own
	return interp.Config{PackageDir: own, SharedPackageDir: c.cfg.PackageDir}, nil
}

// restorePersisted copies every stored record into the filesystem. A record
// that fails is logged and skipped.
func (c *Controller) restorePersisted(ctx context.Context) int {
	keys, err := c.store.List(ctx, "")
	if err != nil {
		c.log.Warn("list persisted files failed", zap.Error(err))
		return 0
	}
	n := 0
	for _, key := range keys {
		if storage.IsInternalKey(key) {
			continue
		}
		content, err := c.store.Read(ctx, key)
		if err != nil {
			c.log.Warn("restore persisted file failed", zap.String("key", key), zap.Error(err))
			continue
		}
		if err := c.rt.WriteFile(path.Join(c.cfg.Root, key), content); err != nil {
			c.log.Warn("restore persisted file failed", zap.String("key", key), zap.Error(err))
			continue
		}
		n++
	}
	return n
}

func (c *Controller) handleRun(ctx context.Context, req protocol.Request, emit func(protocol.Response)) protocol.Response {
	if c.rt == nil {
		return fail(req.ID, errNotInitialized)
	}
	if strings.TrimSpace(req.Code) == "" {
		return protocol.Failure(req.ID, "code is required")
	}

	var onText func(string)
	if req.Streaming && emit != nil {
		onText = func(text string) { emit(protocol.Chunk(req.ID, text)) }
	}

	exec := c.rt.Exec(ctx, req.Code, onText)
	resp := protocol.Response{
		ID:        req.ID,
		Success:   exec.Err == nil,
		Stdout:    exec.Stdout,
		Stderr:    exec.Stderr,
		Result:    exec.Result,
		Artifacts: exec.Artifacts,
	}
	if exec.Err != nil {
		resp.Error = errorText(exec.Err)
	}
	return resp
}

// persistKey returns the storage key for p, or false when p is outside the
// persistence root.
func (c *Controller) persistKey(p string) (string, bool) {
	clean := vfs.Clean(p)
	if clean == c.cfg.Root || !vfs.Under(clean, c.cfg.Root) {
		return "", false
	}
	return strings.TrimPrefix(clean, c.cfg.Root+"/"), true
}

func (c *Controller) handleWriteFile(ctx context.Context, req protocol.Request) protocol.Response {
	if c.rt == nil {
		return fail(req.ID, errNotInitialized)
	}
	if req.Path == "" {
		return protocol.Failure(req.ID, "path is required")
	}
	if req.Content == nil {
		return protocol.Failure(req.ID, "content is required")
	}
	if err := c.rt.WriteFile(req.Path, *req.Content); err != nil {
		return fail(req.ID, err)
	}
	if key, ok := c.persistKey(req.Path); ok {
		if err := c.store.Write(ctx, key, *req.Content); err != nil {
			return fail(req.ID, fmt.Errorf("persist %s: %w", req.Path, err))
		}
	}
	return succeeded(req.ID)
}

func (c *Controller) handleReadFile(req protocol.Request) protocol.Response {
	if c.rt == nil {
		return fail(req.ID, errNotInitialized)
	}
	if req.Path == "" {
		return protocol.Failure(req.ID, "path is required")
	}
	content, err := c.rt.ReadFile(req.Path)
	if err != nil {
		return fail(req.ID, err)
	}
	resp := succeeded(req.ID)
	resp.Content = content
	return resp
}

func (c *Controller) handleDeleteFile(ctx context.Context, req protocol.Request) protocol.Response {
	if c.rt == nil {
		return fail(req.ID, errNotInitialized)
	}
	if req.Path == "" {
		return protocol.Failure(req.ID, "path is required")
	}
	if err := c.rt.DeleteFile(req.Path); err != nil {
		return fail(req.ID, err)
	}
	if key, ok := c.persistKey(req.Path); ok {
		if err := c.store.Delete(ctx, key); err != nil {
			c.log.Warn("delete persisted file failed", zap.String("key", key), zap.Error(err))
		}
	}
	return succeeded(req.ID)
}

func (c *Controller) handleListFiles(req protocol.Request) protocol.Response {
	if c.rt == nil {
		return fail(req.ID, errNotInitialized)
	}
	dir := req.Path
	if dir == "" {
		dir = c.cfg.Root
	}
	resp := succeeded(req.ID)
	resp.Files = c.rt.ListFiles(dir)
	return resp
}

func (c *Controller) handleInstall(ctx context.Context, req protocol.Request) protocol.Response {
	if c.rt == nil {
		return fail(req.ID, errNotInitialized)
	}
	if len(req.Packages) == 0 {
		return protocol.Failure(req.ID, "packages are required")
	}
	err := c.rt.Install(ctx, req.Packages)
	resp := succeeded(req.ID)
	if err != nil {
		resp = fail(req.ID, err)
	}
	resp.Packages = c.rt.Packages()
	return resp
}

func (c *Controller) handleSnapshot(ctx context.Context, req protocol.Request) protocol.Response {
	if c.rt == nil {
		return fail(req.ID, errNotInitialized)
	}
	state, dropped, err := c.rt.Snapshot(ctx)
	if err != nil {
		return fail(req.ID, err)
	}
	resp := succeeded(req.ID)
	resp.Snapshot = state
	resp.Packages = c.rt.Packages()
	resp.Dropped = dropped
	return resp
}

func (c *Controller) handleRestore(ctx context.Context, req protocol.Request) protocol.Response {
	if c.rt == nil {
		return fail(req.ID, errNotInitialized)
	}
	if req.Snapshot == "" {
		return protocol.Failure(req.ID, "snapshot is required")
	}
	if err := c.rt.Restore(ctx, req.Snapshot, req.Packages); err != nil {
		return fail(req.ID, err)
	}
	return succeeded(req.ID)
}

func (c *Controller) handleDestroy(req protocol.Request) protocol.Response {
	c.shutdown()
	return succeeded(req.ID)
}

// shutdown drops the interpreter and storage handle and removes an owned
// scratch directory. It is safe to call repeatedly.
func (c *Controller) shutdown() {
	if c.rt != nil {
		if err := c.rt.Close(); err != nil {
			c.log.Warn("close interpreter", zap.Error(err))
		}
		c.rt = nil
	}
	if c.store != nil {
		if err := c.store.Close(); err != nil {
			c.log.Warn("close storage", zap.Error(err))
		}
		c.store = nil
	}
	if c.ownedScratch && c.scratch != "" {
		os.RemoveAll(c.scratch)
	}
	c.scratch, c.ownedScratch = "", false
	if c.ownPackages != "" {
		os.RemoveAll(c.ownPackages)
		c.ownPackages = ""
	}
}
