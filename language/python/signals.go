package python

import (
	"bytes"
	"encoding/json"
	"io"
	"sync"

	"github.com/caffeineduck/pyhost/interp"
)

// Signals written by driver.py on stderr. Format: \x00PYHOST_DONE:{json}\x00
const (
	readySignal = "\x00PYHOST_READY\x00"
	donePrefix  = "\x00PYHOST_DONE:"
	signalEnd   = "\x00"
)

type evalError struct {
	Kind      string `json:"kind"`
	Message   string `json:"message"`
	Traceback string `json:"traceback"`
}

// evalOutcome is the payload of a done signal.
type evalOutcome struct {
	OK    bool            `json:"ok"`
	Value json.RawMessage `json:"value"`
	Repr  *string         `json:"repr"`
	Error *evalError      `json:"error"`
}

// result converts the outcome into the interpreter's return values.
func (o evalOutcome) result() (*interp.Value, error) {
	if !o.OK {
		if o.Error == nil {
			return nil, &interp.EvalError{Kind: "RuntimeError", Message: "execution failed"}
		}
		return nil, &interp.EvalError{Kind: o.Error.Kind, Message: o.Error.Message, Traceback: o.Error.Traceback}
	}
	if o.Repr == nil {
		return nil, nil
	}
	v := &interp.Value{Repr: *o.Repr}
	if len(o.Value) > 0 && string(o.Value) != "null" {
		v.JSON = []byte(o.Value)
	}
	return v, nil
}

// signalWriter is the module's stderr. It strips driver signals out of the
// stream and forwards everything else to the stderr of the evaluation in
// progress.
type signalWriter struct {
	mu  sync.Mutex
	buf []byte

	stderr  io.Writer
	startup bytes.Buffer

	readyCh chan struct{}
	ready   bool
	done    chan evalOutcome
}

func newSignalWriter() *signalWriter {
	return &signalWriter{readyCh: make(chan struct{})}
}

func (w *signalWriter) Write(data []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, data...)
	for len(w.buf) > 0 {
		i := bytes.IndexByte(w.buf, 0)
		if i < 0 {
			w.emit(w.buf)
			w.buf = w.buf[:0]
			break
		}
		if i > 0 {
			w.emit(w.buf[:i])
			w.buf = append(w.buf[:0], w.buf[i:]...)
		}

		switch {
		case bytes.HasPrefix(w.buf, []byte(readySignal)):
			w.buf = append(w.buf[:0], w.buf[len(readySignal):]...)
			if !w.ready {
				w.ready = true
				close(w.readyCh)
			}
			continue

		case bytes.HasPrefix(w.buf, []byte(donePrefix)):
			rest := w.buf[len(donePrefix):]
			end := bytes.IndexByte(rest, 0)
			if end < 0 {
				return len(data), nil
			}
			w.finish(rest[:end])
			w.buf = append(w.buf[:0], rest[end+1:]...)
			continue

		case partialSignal(w.buf, readySignal) || partialSignal(w.buf, donePrefix):
			return len(data), nil
		}

		// A stray NUL from user code.
		w.emit(w.buf[:1])
		w.buf = append(w.buf[:0], w.buf[1:]...)
	}
	return len(data), nil
}

// partialSignal reports whether buf could still grow into signal.
func partialSignal(buf []byte, signal string) bool {
	return len(buf) < len(signal) && bytes.HasPrefix([]byte(signal), buf)
}

func (w *signalWriter) emit(p []byte) {
	if w.stderr != nil {
		w.stderr.Write(p)
		return
	}
	if !w.ready {
		w.startup.Write(p)
	}
}

func (w *signalWriter) finish(payload []byte) {
	var out evalOutcome
	if err := json.Unmarshal(payload, &out); err != nil {
		out = evalOutcome{Error: &evalError{Kind: "ProtocolError", Message: "undecodable result: " + err.Error()}}
	}
	if w.done != nil {
		select {
		case w.done <- out:
		default:
		}
	}
}

// Ready is closed once the driver loop is waiting for commands.
func (w *signalWriter) Ready() <-chan struct{} {
	return w.readyCh
}

// begin routes stderr to the new evaluation and returns its done channel.
func (w *signalWriter) begin(stderr io.Writer) <-chan evalOutcome {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stderr = stderr
	w.done = make(chan evalOutcome, 1)
	return w.done
}

func (w *signalWriter) end() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stderr = nil
	w.done = nil
}

// Startup returns stderr written before the driver became ready.
func (w *signalWriter) Startup() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.startup.String()
}

// switchWriter forwards to whichever writer is current, or drops output.
type switchWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *switchWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.w != nil {
		s.w.Write(p)
	}
	return len(p), nil
}

func (s *switchWriter) set(w io.Writer) {
	s.mu.Lock()
	s.w = w
	s.mu.Unlock()
}
