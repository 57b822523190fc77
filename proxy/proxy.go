// Package proxy is the host side of an isolated interpreter. A Proxy owns
// one isolate at a time, multiplexes concurrent calls over its channel by
// correlation id and replaces the isolate when an execution times out or the
// isolate dies.
//
// Basic usage:
//
//	p, err := proxy.New(ctx, isolate.NewInProcess(cfg), proxy.WithPreload("numpy"))
//	if err != nil {
//		return err
//	}
//	defer p.Destroy(ctx)
//
//	res := p.Run(ctx, `print("hello")`, proxy.WithTimeout(5*time.Second))
//	fmt.Println(res.Stdout)
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/pyhost/internal/metrics"
	"github.com/caffeineduck/pyhost/protocol"
	"go.uber.org/zap"
)

// Spawner starts an isolate and returns the host end of its message channel.
// Closing the channel must terminate the isolate.
type Spawner interface {
	Spawn(ctx context.Context) (io.ReadWriteCloser, error)
}

// Proxy is safe for concurrent use. Calls are not serialized on the host;
// the isolate handles them in arrival order.
type Proxy struct {
	spawner Spawner
	cfg     config
	log     *zap.Logger
	metrics *metrics.Collector

	ids atomic.Uint64

	mu        sync.Mutex
	ch        *channel
	gen       uint64
	backend   string
	destroyed bool
}

// RunResult is the outcome of Run. Execution failures are reported in Error
// rather than as a Go error; Err is set only for host-side failures such as
// a rejected channel.
type RunResult struct {
	Success   bool                `json:"success"`
	Stdout    string              `json:"stdout"`
	Stderr    string              `json:"stderr,omitempty"`
	Result    any                 `json:"result,omitempty"`
	Artifacts []protocol.Artifact `json:"artifacts,omitempty"`
	Error     string              `json:"error,omitempty"`
	TimedOut  bool                `json:"timed_out,omitempty"`
	Duration  time.Duration       `json:"duration"`
	Err       error               `json:"-"`
}

type InstallResult struct {
	Success  bool     `json:"success"`
	Error    string   `json:"error,omitempty"`
	Packages []string `json:"packages,omitempty"`
}

// Snapshot is a serialized copy of an interpreter's globals. It is plain
// data; the proxy keeps no reference to it.
type Snapshot struct {
	State     string    `json:"state"`
	Timestamp time.Time `json:"timestamp"`
	Packages  []string  `json:"packages,omitempty"`
	Dropped   []string  `json:"dropped,omitempty"`
}

// New spawns and initializes an isolate. On failure nothing is left running
// and the error is an *InitializationError.
func New(ctx context.Context, spawner Spawner, opts ...Option) (*Proxy, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	p := &Proxy{
		spawner: spawner,
		cfg:     cfg,
		log:     cfg.log,
		metrics: cfg.metrics,
	}

	p.mu.Lock()
	err := p.spawnLocked(ctx)
	p.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Proxy) nextID() uint64 {
	return p.ids.Add(1)
}

// spawnLocked starts a fresh isolate and makes it current. p.mu must be held.
func (p *Proxy) spawnLocked(ctx context.Context) error {
	ictx, cancel := context.WithTimeout(ctx, p.cfg.initTimeout)
	defer cancel()

	rwc, err := p.spawner.Spawn(ictx)
	if err != nil {
		p.metrics.IncInitFailure()
		return &InitializationError{Err: fmt.Errorf("spawn isolate: %w", err)}
	}

	p.gen++
	ch := newChannel(p.gen, rwc, p.log)
	resp, err := ch.call(ictx, protocol.Request{
		ID:      p.nextID(),
		Kind:    protocol.KindInit,
		Preload: p.cfg.preload,
	}, nil)
	if err != nil {
		ch.close(ErrChannelClosed)
		p.metrics.IncInitFailure()
		return &InitializationError{Err: err}
	}
	if !resp.Success {
		ch.close(ErrChannelClosed)
		p.metrics.IncInitFailure()
		return &InitializationError{Message: resp.Error}
	}

	p.ch = ch
	p.backend = resp.Backend
	p.log.Info("isolate ready",
		zap.Uint64("generation", ch.gen),
		zap.String("backend", resp.Backend),
		zap.Strings("packages", resp.Packages),
	)
	return nil
}

// current returns the live channel, respawning the isolate if the previous
// one died.
func (p *Proxy) current(ctx context.Context) (*channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return nil, ErrDestroyed
	}
	if p.ch != nil && !p.ch.isClosed() {
		return p.ch, nil
	}
	if p.ch != nil {
		p.log.Warn("isolate channel lost, respawning", zap.Uint64("generation", p.ch.gen))
		p.metrics.IncRestart(metrics.RestartCrash)
		p.ch = nil
	}
	if err := p.spawnLocked(ctx); err != nil {
		return nil, err
	}
	return p.ch, nil
}

// replace tears old down and spawns a successor, unless old has already
// been replaced by a concurrent caller.
func (p *Proxy) replace(ctx context.Context, old *channel, reason string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return ErrDestroyed
	}
	if p.ch != old {
		return nil
	}
	old.close(ErrChannelReplaced)
	p.ch = nil
	p.metrics.IncRestart(reason)
	p.log.Info("replacing isolate", zap.Uint64("generation", old.gen), zap.String("reason", reason))
	return p.spawnLocked(ctx)
}

// Run executes code in the isolate. With WithTimeout, an execution that
// overruns is abandoned: the isolate is destroyed and a new one initialized
// with the same preload before the timed-out result is returned.
func (p *Proxy) Run(ctx context.Context, code string, opts ...RunOption) RunResult {
	var cfg runConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	start := time.Now()

	if strings.TrimSpace(code) == "" {
		return RunResult{Error: "code is required", Duration: time.Since(start)}
	}

	ch, err := p.current(ctx)
	if err != nil {
		return p.runFailed(err, start)
	}

	req := protocol.Request{
		ID:        p.nextID(),
		Kind:      protocol.KindRun,
		Code:      code,
		Streaming: cfg.onOutput != nil,
	}
	pc, err := ch.send(req, cfg.onOutput)
	if err != nil {
		return p.runFailed(err, start)
	}
	p.metrics.AddInFlight(1)
	defer p.metrics.AddInFlight(-1)

	var expired <-chan time.Time
	if cfg.timeout > 0 {
		timer := time.NewTimer(cfg.timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case r := <-pc.result:
		if r.err != nil {
			return p.runFailed(r.err, start)
		}
		res := RunResult{
			Success:   r.resp.Success,
			Stdout:    r.resp.Stdout,
			Stderr:    r.resp.Stderr,
			Result:    r.resp.Result,
			Artifacts: r.resp.Artifacts,
			Error:     r.resp.Error,
			Duration:  time.Since(start),
		}
		outcome := metrics.OutcomeSuccess
		if !res.Success {
			outcome = metrics.OutcomeError
		}
		p.metrics.ObserveRun(outcome, res.Duration)
		return res

	case <-ctx.Done():
		ch.forget(req.ID)
		return p.runFailed(ctx.Err(), start)

	case <-expired:
		ch.forget(req.ID)
		p.log.Warn("execution timed out", zap.Uint64("id", req.ID), zap.Duration("timeout", cfg.timeout))
		res := RunResult{
			TimedOut: true,
			Error:    fmt.Sprintf("execution timed out after %v", cfg.timeout),
		}
		if err := p.replace(context.WithoutCancel(ctx), ch, metrics.RestartTimeout); err != nil {
			p.log.Error("isolate recovery failed", zap.Error(err))
			res.Err = err
		}
		res.Duration = time.Since(start)
		p.metrics.ObserveRun(metrics.OutcomeTimeout, res.Duration)
		return res
	}
}

func (p *Proxy) runFailed(err error, start time.Time) RunResult {
	d := time.Since(start)
	p.metrics.ObserveRun(metrics.OutcomeChannel, d)
	return RunResult{Error: err.Error(), Err: err, Duration: d}
}

// request sends a non-run call and converts an isolate-reported failure into
// a *CallError.
func (p *Proxy) request(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	ch, err := p.current(ctx)
	if err != nil {
		return protocol.Response{}, err
	}
	req.ID = p.nextID()

	p.metrics.AddInFlight(1)
	defer p.metrics.AddInFlight(-1)

	resp, err := ch.call(ctx, req, nil)
	if err != nil {
		return resp, err
	}
	if !resp.Success {
		return resp, &CallError{Kind: req.Kind, Message: resp.Error}
	}
	return resp, nil
}

// WriteFile writes content at path inside the isolate. Paths under the
// persistence root are written through to storage before this returns.
func (p *Proxy) WriteFile(ctx context.Context, path, content string) error {
	_, err := p.request(ctx, protocol.Request{Kind: protocol.KindWriteFile, Path: path, Content: &content})
	return err
}

func (p *Proxy) ReadFile(ctx context.Context, path string) (string, error) {
	resp, err := p.request(ctx, protocol.Request{Kind: protocol.KindReadFile, Path: path})
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (p *Proxy) DeleteFile(ctx context.Context, path string) error {
	_, err := p.request(ctx, protocol.Request{Kind: protocol.KindDeleteFile, Path: path})
	return err
}

// ListFiles returns every file below dir, or below the persistence root when
// dir is empty.
func (p *Proxy) ListFiles(ctx context.Context, dir string) ([]string, error) {
	resp, err := p.request(ctx, protocol.Request{Kind: protocol.KindListFiles, Path: dir})
	if err != nil {
		return nil, err
	}
	return resp.Files, nil
}

// Install installs packages into the current isolate. A failed install is
// reported in the result; the error is only for channel failures.
func (p *Proxy) Install(ctx context.Context, pkgs ...string) (InstallResult, error) {
	resp, err := p.request(ctx, protocol.Request{Kind: protocol.KindInstall, Packages: pkgs})
	var ce *CallError
	switch {
	case errors.As(err, &ce):
		p.metrics.IncInstall(false)
		return InstallResult{Error: ce.Message, Packages: resp.Packages}, nil
	case err != nil:
		return InstallResult{}, err
	}
	p.metrics.IncInstall(true)
	return InstallResult{Success: true, Packages: resp.Packages}, nil
}

// Snapshot captures the interpreter's globals. Bindings that could not be
// serialized are listed in Dropped.
func (p *Proxy) Snapshot(ctx context.Context) (Snapshot, error) {
	now := time.Now()
	resp, err := p.request(ctx, protocol.Request{Kind: protocol.KindSnapshot})
	if err != nil {
		return Snapshot{}, err
	}
	return Snapshot{
		State:     resp.Snapshot,
		Timestamp: now,
		Packages:  resp.Packages,
		Dropped:   resp.Dropped,
	}, nil
}

// Restore reinstalls the snapshot's packages and merges its state into the
// current interpreter.
func (p *Proxy) Restore(ctx context.Context, snap Snapshot) error {
	_, err := p.request(ctx, protocol.Request{
		Kind:     protocol.KindRestore,
		Snapshot: snap.State,
		Packages: snap.Packages,
	})
	return err
}

// Reset replaces the isolate with a fresh one using the same preload. Calls
// pending on the old isolate fail with ErrChannelReplaced.
func (p *Proxy) Reset(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyed {
		return ErrDestroyed
	}
	if p.ch != nil {
		p.ch.close(ErrChannelReplaced)
		p.ch = nil
	}
	p.metrics.IncRestart(metrics.RestartReset)
	return p.spawnLocked(ctx)
}

// Destroy asks the isolate to shut down and then tears the channel down
// regardless of the answer. The request queues behind calls already in
// flight, so Destroy waits up to the destroy grace for them to finish; calls
// still pending after that fail with ErrDestroyed, as do all later calls. It
// is safe to call more than once.
func (p *Proxy) Destroy(ctx context.Context) error {
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return nil
	}
	p.destroyed = true
	ch := p.ch
	p.ch = nil
	p.mu.Unlock()

	if ch == nil {
		return nil
	}
	if !ch.isClosed() {
		dctx, cancel := context.WithTimeout(ctx, p.cfg.grace)
		busy := ch.inFlight()
		if _, err := ch.call(dctx, protocol.Request{ID: p.nextID(), Kind: protocol.KindDestroy}, nil); err != nil {
			p.log.Debug("destroy request failed", zap.Int("in_flight", busy), zap.Error(err))
		}
		cancel()
	}
	ch.close(ErrDestroyed)
	p.log.Info("isolate destroyed", zap.Uint64("generation", ch.gen))
	return nil
}

// Backend names the storage backend the current isolate selected.
func (p *Proxy) Backend() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.backend
}

// Generation counts isolates created by this proxy, including replacements.
func (p *Proxy) Generation() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gen
}
