package python

import (
	"context"
	"crypto/rand"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/caffeineduck/pyhost/interp"
	"github.com/caffeineduck/pyhost/vfs"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

//go:embed driver.py
var driver string

const closeGrace = 2 * time.Second

var ErrInstallDisabled = errors.New("package installation disabled")

type sessionConfig struct {
	root         string
	packageDir   string
	sharedDir    string
	stdlibDir    string
	env          map[string]string
	pip          string
	startTimeout time.Duration
	log          *zap.Logger
}

type command struct {
	Type string `json:"type"`
	Code string `json:"code,omitempty"`
}

// session is a running driver.py instance.
type session struct {
	cfg sessionConfig
	log *zap.Logger
	fs  *vfs.FS

	stdin   *io.PipeWriter
	stdout  *switchWriter
	signals *signalWriter

	cancel  context.CancelFunc
	exited  chan struct{}
	exitErr error

	evalMu    sync.Mutex
	closeOnce sync.Once
}

func startSession(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, cfg sessionConfig) (*session, error) {
	mounts := []vfs.Mount{{VirtualPath: "/", HostPath: cfg.root, Mode: vfs.MountReadWriteCreate}}
	fsConfig := wazero.NewFSConfig().WithDirMount(cfg.root, "/")
	if cfg.packageDir != "" {
		fsConfig = fsConfig.WithReadOnlyDirMount(cfg.packageDir, "/packages")
		mounts = append(mounts, vfs.Mount{VirtualPath: "/packages", HostPath: cfg.packageDir, Mode: vfs.MountReadOnly})
	}
	if cfg.sharedDir != "" {
		fsConfig = fsConfig.WithReadOnlyDirMount(cfg.sharedDir, "/site-packages")
		mounts = append(mounts, vfs.Mount{VirtualPath: "/site-packages", HostPath: cfg.sharedDir, Mode: vfs.MountReadOnly})
	}
	if cfg.stdlibDir != "" {
		fsConfig = fsConfig.WithReadOnlyDirMount(cfg.stdlibDir, "/usr/local/lib")
	}

	stdinReader, stdinWriter := io.Pipe()
	s := &session{
		cfg:     cfg,
		log:     cfg.log,
		fs:      vfs.New(mounts...),
		stdin:   stdinWriter,
		stdout:  &switchWriter{},
		signals: newSignalWriter(),
		exited:  make(chan struct{}),
	}

	moduleConfig := wazero.NewModuleConfig().
		WithStdin(stdinReader).
		WithStdout(s.stdout).
		WithStderr(s.signals).
		WithFSConfig(fsConfig).
		WithArgs("python", "-c", driver).
		WithEnv("HOME", "/").
		WithEnv("PYTHONUNBUFFERED", "1").
		WithEnv("PYTHONDONTWRITEBYTECODE", "1").
		WithSysWalltime().
		WithSysNanotime().
		WithRandSource(rand.Reader).
		WithName("")
	if path := pythonPath(cfg); path != "" {
		moduleConfig = moduleConfig.WithEnv("PYTHONPATH", path)
	}
	for k, v := range cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	go func() {
		mod, err := rt.InstantiateModule(runCtx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		stdinReader.Close()
		s.exitErr = err
		close(s.exited)
	}()

	timer := time.NewTimer(cfg.startTimeout)
	defer timer.Stop()
	select {
	case <-s.signals.Ready():
		s.log.Debug("python interpreter ready", zap.String("root", cfg.root))
		return s, nil
	case <-s.exited:
		return nil, s.startFailure("interpreter exited during startup")
	case <-timer.C:
		s.Close()
		return nil, s.startFailure(fmt.Sprintf("interpreter not ready after %v", cfg.startTimeout))
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	}
}

func (s *session) startFailure(msg string) error {
	if out := s.signals.Startup(); out != "" {
		msg += ": " + out
	}
	if s.exitErr != nil {
		return fmt.Errorf("python: %s: %w", msg, s.exitErr)
	}
	return errors.New("python: " + msg)
}

// Eval sends code to the driver and waits for its done signal. Cancelling
// ctx kills the interpreter.
func (s *session) Eval(ctx context.Context, code string, stdout, stderr io.Writer) (*interp.Value, error) {
	s.evalMu.Lock()
	defer s.evalMu.Unlock()

	select {
	case <-s.exited:
		return nil, s.exitError()
	default:
	}

	s.stdout.set(stdout)
	defer s.stdout.set(nil)
	done := s.signals.begin(stderr)
	defer s.signals.end()

	line, err := json.Marshal(command{Type: "exec", Code: code})
	if err != nil {
		return nil, err
	}
	if _, err := s.stdin.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("python: send command: %w", err)
	}

	select {
	case out := <-done:
		return out.result()
	case <-s.exited:
		return nil, s.exitError()
	case <-ctx.Done():
		s.log.Warn("evaluation cancelled, terminating interpreter", zap.Error(ctx.Err()))
		s.terminate()
		return nil, ctx.Err()
	}
}

func (s *session) exitError() error {
	if s.exitErr != nil {
		return fmt.Errorf("python: interpreter exited: %w", s.exitErr)
	}
	return errors.New("python: interpreter exited")
}

func (s *session) FS() *vfs.FS { return s.fs }

// pythonPath puts the session's own installs ahead of shared packages.
func pythonPath(cfg sessionConfig) string {
	var dirs []string
	if cfg.packageDir != "" {
		dirs = append(dirs, "/packages")
	}
	if cfg.sharedDir != "" {
		dirs = append(dirs, "/site-packages")
	}
	return strings.Join(dirs, ":")
}

// Install pip-installs pkg into the package directory and invalidates the
// import caches so the package is importable straight away.
func (s *session) Install(ctx context.Context, pkg string) error {
	if s.cfg.packageDir == "" {
		return ErrInstallDisabled
	}
	if err := PipInstall(ctx, s.cfg.pip, s.cfg.packageDir, pkg); err != nil {
		return err
	}
	if _, err := s.Eval(ctx, "import importlib\nimportlib.invalidate_caches()", io.Discard, io.Discard); err != nil {
		return fmt.Errorf("refresh import caches: %w", err)
	}
	return nil
}

// Close asks the driver to exit and kills it if it has not after a grace
// period.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.stdin.Close()
		select {
		case <-s.exited:
		case <-time.After(closeGrace):
			s.log.Warn("python interpreter did not exit, terminating")
		}
		s.terminate()
	})
	return nil
}

func (s *session) terminate() {
	s.cancel()
	s.stdin.CloseWithError(io.ErrClosedPipe)
	<-s.exited
}
