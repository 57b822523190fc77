package isolate

import (
	"bytes"
	"strings"
	"sync"

	"github.com/caffeineduck/pyhost/protocol"
)

// outputSink accumulates interpreter output. When forward is set, every
// fragment is passed on as soon as it is written, except artifact marker
// lines. A line that may still turn out to be a marker is held back until it
// either completes or stops matching the marker prefix.
type outputSink struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	forward func(string)

	// held is the start of the current line while it could be a marker.
	held []byte
	// text is set once the current line is known to be plain text.
	text bool
}

func newOutputSink(forward func(string)) *outputSink {
	return &outputSink{forward: forward}
}

func (o *outputSink) Write(data []byte) (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	n, _ := o.buf.Write(data)
	if o.forward == nil {
		return n, nil
	}

	for len(data) > 0 {
		seg := data
		complete := false
		if idx := bytes.IndexByte(data, '\n'); idx >= 0 {
			seg, complete = data[:idx+1], true
		}
		data = data[len(seg):]

		if o.text {
			o.forward(string(seg))
		} else {
			o.held = append(o.held, seg...)
			o.release(complete)
		}
		if complete {
			o.text = false
		}
	}
	return n, nil
}

// release forwards the held line start once it cannot be a marker. A
// completed marker line is dropped.
func (o *outputSink) release(complete bool) {
	line := string(o.held)
	if complete {
		o.held = o.held[:0]
		if !protocol.IsArtifactLine(strings.TrimRight(line, "\n")) {
			o.forward(line)
		}
		return
	}
	if mayBeMarker(line) {
		return
	}
	o.held = o.held[:0]
	o.text = true
	o.forward(line)
}

func mayBeMarker(start string) bool {
	if len(start) >= len(protocol.ArtifactMarker) {
		return strings.HasPrefix(start, protocol.ArtifactMarker)
	}
	return strings.HasPrefix(protocol.ArtifactMarker, start)
}

// Flush forwards a held line that ended without a newline.
func (o *outputSink) Flush() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.forward != nil && len(o.held) > 0 {
		if line := string(o.held); !protocol.IsArtifactLine(line) {
			o.forward(line)
		}
	}
	o.held = nil
	o.text = false
}

func (o *outputSink) String() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.buf.String()
}
