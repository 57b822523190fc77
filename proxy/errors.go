package proxy

import (
	"errors"
	"fmt"
	"strings"

	"github.com/caffeineduck/pyhost/protocol"
)

var (
	// ErrChannelReplaced rejects calls that were pending on a channel torn
	// down to recover from a timeout or an explicit reset.
	ErrChannelReplaced = errors.New("isolate channel replaced")
	// ErrChannelClosed rejects calls pending on a channel whose isolate went
	// away unexpectedly.
	ErrChannelClosed = errors.New("isolate channel closed")
	ErrDestroyed     = errors.New("proxy destroyed")
)

// InitializationError is returned when the isolate cannot be brought up.
type InitializationError struct {
	// Message is the isolate's own failure text, empty when the failure
	// happened on the host side.
	Message string
	Err     error
}

func (e *InitializationError) Error() string {
	switch {
	case e.Message != "" && e.Err != nil:
		return fmt.Sprintf("isolate initialization failed: %s: %v", e.Message, e.Err)
	case e.Message != "":
		return "isolate initialization failed: " + e.Message
	default:
		return fmt.Sprintf("isolate initialization failed: %v", e.Err)
	}
}

func (e *InitializationError) Unwrap() error { return e.Err }

// CallError carries a failure reported by the isolate for a non-run call.
type CallError struct {
	Kind    protocol.Kind
	Message string
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NotFound reports whether the isolate failed because a path did not exist.
func (e *CallError) NotFound() bool {
	return strings.Contains(e.Message, "not found")
}

// IsNotFound reports whether err is a CallError for a missing path.
func IsNotFound(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.NotFound()
}
