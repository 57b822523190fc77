package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/caffeineduck/pyhost/protocol"
	"go.uber.org/zap"
)

type callResult struct {
	resp protocol.Response
	err  error
}

type pendingCall struct {
	result  chan callResult
	onChunk func(string)
}

// channel is one isolate generation: its transport, the calls pending on it
// and the goroutine routing its responses. Once closed it is never reused.
type channel struct {
	gen uint64
	rwc io.ReadWriteCloser
	enc *protocol.Encoder
	log *zap.Logger

	mu       sync.Mutex
	pending  map[uint64]*pendingCall
	closed   bool
	closeErr error

	done chan struct{}
}

func newChannel(gen uint64, rwc io.ReadWriteCloser, log *zap.Logger) *channel {
	c := &channel{
		gen:     gen,
		rwc:     rwc,
		enc:     protocol.NewEncoder(rwc),
		log:     log.With(zap.Uint64("generation", gen)),
		pending: make(map[uint64]*pendingCall),
		done:    make(chan struct{}),
	}
	go c.readLoop(protocol.NewDecoder(rwc))
	return c
}

func (c *channel) readLoop(dec *protocol.Decoder) {
	defer close(c.done)
	for {
		resp, err := dec.ReadResponse()
		if err != nil {
			var fe *protocol.FrameError
			if errors.As(err, &fe) && !fe.IsFatal() {
				c.log.Warn("undecodable response", zap.Uint64("id", resp.ID), zap.Error(err))
				c.resolve(resp.ID, callResult{err: fmt.Errorf("decode response: %w", err)})
				continue
			}
			if err != io.EOF && !c.isClosed() {
				c.log.Warn("isolate channel read failed", zap.Error(err))
			}
			c.fail(ErrChannelClosed)
			return
		}
		c.dispatch(resp)
	}
}

// dispatch routes a frame to its pending call. Chunks go to the call's sink
// on this goroutine; frames for unknown ids are dropped.
func (c *channel) dispatch(resp protocol.Response) {
	if resp.Streaming {
		c.mu.Lock()
		p := c.pending[resp.ID]
		c.mu.Unlock()
		if p != nil && p.onChunk != nil {
			p.onChunk(resp.Stdout)
		}
		return
	}
	if !c.resolve(resp.ID, callResult{resp: resp}) {
		c.log.Debug("response for unknown call dropped", zap.Uint64("id", resp.ID))
	}
}

func (c *channel) resolve(id uint64, r callResult) bool {
	c.mu.Lock()
	p, ok := c.pending[id]
	delete(c.pending, id)
	c.mu.Unlock()
	if ok {
		p.result <- r
	}
	return ok
}

// call sends req and waits for its terminal response or ctx.
func (c *channel) call(ctx context.Context, req protocol.Request, onChunk func(string)) (protocol.Response, error) {
	p, err := c.send(req, onChunk)
	if err != nil {
		return protocol.Response{}, err
	}
	return c.wait(ctx, req.ID, p)
}

// send registers req in the pending table before writing it, so a fast
// response always finds its entry.
func (c *channel) send(req protocol.Request, onChunk func(string)) (*pendingCall, error) {
	p, err := c.register(req.ID, onChunk)
	if err != nil {
		return nil, err
	}
	if err := c.enc.Encode(req); err != nil {
		c.forget(req.ID)
		return nil, fmt.Errorf("%w: send %s: %v", ErrChannelClosed, req.Kind, err)
	}
	return p, nil
}

func (c *channel) register(id uint64, onChunk func(string)) (*pendingCall, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, c.closeErr
	}
	p := &pendingCall{result: make(chan callResult, 1), onChunk: onChunk}
	c.pending[id] = p
	return p, nil
}

func (c *channel) wait(ctx context.Context, id uint64, p *pendingCall) (protocol.Response, error) {
	select {
	case r := <-p.result:
		return r.resp, r.err
	case <-ctx.Done():
		c.forget(id)
		return protocol.Response{}, ctx.Err()
	}
}

// forget discards a pending entry; a late response for id is then dropped.
func (c *channel) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// fail marks the channel closed and rejects every pending call with reason.
// Only the first reason sticks.
func (c *channel) fail(reason error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.closeErr = reason
	pending := c.pending
	c.pending = make(map[uint64]*pendingCall)
	c.mu.Unlock()

	if len(pending) > 0 {
		c.log.Info("rejecting pending calls", zap.Int("count", len(pending)), zap.Error(reason))
	}
	for _, p := range pending {
		p.result <- callResult{err: reason}
	}
}

// close rejects pending calls with reason and tears the transport down.
func (c *channel) close(reason error) {
	c.fail(reason)
	if err := c.rwc.Close(); err != nil {
		c.log.Debug("close isolate channel", zap.Error(err))
	}
}

func (c *channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *channel) inFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
