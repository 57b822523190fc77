package isolate

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/caffeineduck/pyhost/storage"
	"go.uber.org/zap"
)

// InProcess spawns controllers on goroutines connected by an in-memory pipe.
// Closing the returned channel cancels the controller's context, which in
// turn closes its interpreter.
type InProcess struct {
	cfg Config
}

// NewInProcess returns a spawner for controllers built from cfg. Without
// storage candidates every isolate it spawns shares one memory backend, so
// persisted files survive timeouts, resets and crashes for the lifetime of
// the spawner.
func NewInProcess(cfg Config) *InProcess {
	if len(cfg.Storage) == 0 {
		cfg.Storage = []storage.Candidate{storage.Shared("memory", storage.NewMemory())}
	}
	return &InProcess{cfg: cfg}
}

// Spawn starts a controller and returns the host end of its channel.
func (p *InProcess) Spawn(ctx context.Context) (io.ReadWriteCloser, error) {
	hostSide, isolateSide := net.Pipe()

	ictx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ctrl := NewController(p.cfg)
	log := ctrl.log

	done := make(chan struct{})
	go func() {
		defer close(done)
		defer isolateSide.Close()
		if err := ctrl.Serve(ictx, isolateSide); err != nil && ictx.Err() == nil {
			log.Warn("isolate stopped", zap.Error(err))
		}
	}()

	return &pipeChannel{Conn: hostSide, cancel: cancel, done: done}, nil
}

type pipeChannel struct {
	net.Conn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

// Close tears the isolate down without waiting for it to finish.
func (c *pipeChannel) Close() error {
	c.once.Do(func() {
		c.cancel()
		c.err = c.Conn.Close()
	})
	return c.err
}

// Done is closed once the controller goroutine has exited.
func (c *pipeChannel) Done() <-chan struct{} {
	return c.done
}
