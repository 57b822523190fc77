// Package python hosts CPython compiled to WASI on wazero.
//
// Each interpreter is one long-lived module instance running driver.py,
// which reads JSON commands on stdin and reports results on stderr, so
// globals persist between evaluations.
package python

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caffeineduck/pyhost/interp"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"go.uber.org/zap"
)

// ModuleEnv names the environment variable consulted when no module path
// is configured.
const ModuleEnv = "PYHOST_PYTHON_WASM"

const (
	defaultStartTimeout = 60 * time.Second
	wasmPageSize        = 64 * 1024
)

var ErrClosed = errors.New("python runtime closed")

// Python implements interp.Language. The wazero runtime and compiled module
// are created on first Start and shared by every interpreter.
type Python struct {
	modulePath   string
	stdlibDir    string
	cacheDir     string
	memoryPages  uint32
	pip          string
	startTimeout time.Duration
	log          *zap.Logger

	mu       sync.Mutex
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	closed   bool
}

// Option configures a Python language.
type Option func(*Python)

// WithModulePath sets the python.wasm file to run.
func WithModulePath(path string) Option {
	return func(p *Python) { p.modulePath = path }
}

// WithStdlibDir mounts a host copy of the standard library read-only at
// /usr/local/lib, where WASI builds of CPython look for it.
func WithStdlibDir(dir string) Option {
	return func(p *Python) { p.stdlibDir = dir }
}

// WithCacheDir sets the compilation cache directory. Empty uses the XDG
// cache directory.
func WithCacheDir(dir string) Option {
	return func(p *Python) { p.cacheDir = dir }
}

// WithMemoryLimitMB caps the linear memory of each interpreter.
func WithMemoryLimitMB(mb int) Option {
	return func(p *Python) {
		if mb > 0 {
			p.memoryPages = uint32(mb * 1024 * 1024 / wasmPageSize)
		}
	}
}

// WithPip sets the host pip executable used by Install.
func WithPip(path string) Option {
	return func(p *Python) { p.pip = path }
}

func WithStartTimeout(d time.Duration) Option {
	return func(p *Python) { p.startTimeout = d }
}

func WithLogger(log *zap.Logger) Option {
	return func(p *Python) { p.log = log }
}

// New returns a Python language. Nothing is compiled until the first Start.
func New(opts ...Option) *Python {
	p := &Python{
		modulePath:   os.Getenv(ModuleEnv),
		pip:          "pip",
		startTimeout: defaultStartTimeout,
		log:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Python) Name() string { return "python" }

// Start launches a new interpreter with cfg.Root mounted at "/".
func (p *Python) Start(ctx context.Context, cfg interp.Config) (interp.Interpreter, error) {
	if cfg.Root == "" {
		return nil, errors.New("python: root directory is required")
	}
	rt, compiled, err := p.prepare(ctx)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		log = p.log
	}
	return startSession(ctx, rt, compiled, sessionConfig{
		root:         cfg.Root,
		packageDir:   cfg.PackageDir,
		sharedDir:    cfg.SharedPackageDir,
		stdlibDir:    p.stdlibDir,
		env:          cfg.Env,
		pip:          p.pip,
		startTimeout: p.startTimeout,
		log:          log,
	})
}

// prepare returns the shared runtime and compiled module, creating them on
// first use.
func (p *Python) prepare(ctx context.Context) (wazero.Runtime, wazero.CompiledModule, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, nil, ErrClosed
	}
	if p.compiled != nil {
		return p.runtime, p.compiled, nil
	}

	if p.modulePath == "" {
		return nil, nil, fmt.Errorf("python: no module configured (set %s)", ModuleEnv)
	}
	wasm, err := os.ReadFile(p.modulePath)
	if err != nil {
		return nil, nil, fmt.Errorf("python: read module: %w", err)
	}

	cacheDir := p.cacheDir
	if cacheDir == "" {
		cacheDir = defaultCacheDir()
	}
	cache, err := wazero.NewCompilationCacheWithDir(cacheDir)
	if err != nil {
		return nil, nil, fmt.Errorf("create disk cache: %w", err)
	}

	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(cache)
	if p.memoryPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(p.memoryPages)
	}

	// The runtime outlives the caller's context.
	bg := context.WithoutCancel(ctx)
	rt := wazero.NewRuntimeWithConfig(bg, rtConfig)
	if _, err := wasi_snapshot_preview1.Instantiate(bg, rt); err != nil {
		rt.Close(bg)
		cache.Close(bg)
		return nil, nil, fmt.Errorf("instantiate WASI: %w", err)
	}

	start := time.Now()
	compiled, err := rt.CompileModule(bg, wasm)
	if err != nil {
		rt.Close(bg)
		cache.Close(bg)
		return nil, nil, fmt.Errorf("compile python: %w", err)
	}
	p.log.Info("python module compiled",
		zap.String("path", p.modulePath),
		zap.Duration("elapsed", time.Since(start)))

	p.runtime, p.cache, p.compiled = rt, cache, compiled
	return rt, compiled, nil
}

// Close releases the runtime. Interpreters still running are terminated.
func (p *Python) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	if p.runtime == nil {
		return nil
	}

	ctx := context.Background()
	var errs []error
	if err := p.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.cache.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "pyhost", "wazero")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "pyhost", "wazero")
	}
	return filepath.Join(os.TempDir(), "pyhost-cache")
}
