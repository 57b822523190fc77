package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/vmihailenco/msgpack/v5"
)

const (
	// MaxFrameSize is the largest frame accepted on the channel, prefix included.
	MaxFrameSize = 16 * 1024 * 1024
	// LengthPrefixSize is the size of the big-endian length prefix.
	LengthPrefixSize = 4
	// MaxPayloadSize is the largest msgpack payload a frame can carry.
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
)

// FrameErrorKind classifies frame errors.
type FrameErrorKind int

const (
	// FrameErrorPartial is a truncated frame; the stream is unusable.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge is a frame over MaxFrameSize; the stream is unusable.
	FrameErrorTooLarge
	// FrameErrorDecode is a complete frame whose payload did not decode.
	FrameErrorDecode
)

// FrameError describes a failure to read or decode a frame.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal reports whether the stream must be abandoned after this error.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError reports whether err is a fatal *FrameError.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// Encoder writes length-prefixed msgpack frames. It is safe for concurrent use.
type Encoder struct {
	mu sync.Mutex
	w  io.Writer
}

// NewEncoder returns an Encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode serializes v and writes it as one frame.
func (e *Encoder) Encode(v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}

	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, err := e.w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Decoder reads length-prefixed msgpack frames from a stream.
type Decoder struct {
	r io.Reader
}

// NewDecoder returns a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: r}
}

// ReadFrame reads one raw payload. It returns io.EOF when the stream ends
// cleanly between frames.
func (d *Decoder) ReadFrame() ([]byte, error) {
	var prefix [LengthPrefixSize]byte
	if _, err := io.ReadFull(d.r, prefix[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read length prefix", Err: err}
	}

	size := binary.BigEndian.Uint32(prefix[:])
	if size > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", size, MaxPayloadSize),
		}
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, &FrameError{Kind: FrameErrorPartial, Msg: "failed to read payload", Err: err}
	}
	return payload, nil
}

// idOnly peeks at the correlation id of a payload that failed full decode.
type idOnly struct {
	ID uint64 `msgpack:"id"`
}

// ReadRequest reads and decodes the next request. A payload that is framed
// correctly but does not decode yields a non-fatal *FrameError together with
// the best-effort id, so the caller can still answer it.
func (d *Decoder) ReadRequest() (Request, error) {
	payload, err := d.ReadFrame()
	if err != nil {
		return Request{}, err
	}
	var req Request
	if err := msgpack.Unmarshal(payload, &req); err != nil {
		var head idOnly
		_ = msgpack.Unmarshal(payload, &head)
		return Request{ID: head.ID}, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode request", Err: err}
	}
	return req, nil
}

// ReadResponse reads and decodes the next response.
func (d *Decoder) ReadResponse() (Response, error) {
	payload, err := d.ReadFrame()
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := msgpack.Unmarshal(payload, &resp); err != nil {
		var head idOnly
		_ = msgpack.Unmarshal(payload, &head)
		return Response{ID: head.ID}, &FrameError{Kind: FrameErrorDecode, Msg: "failed to decode response", Err: err}
	}
	return resp, nil
}
