// Package storage provides the durable key/content stores that back the
// persistence root of an isolate's virtual filesystem.
//
// Keys are slash separated paths relative to the persistence root
// ("notes/today.txt"). Two layouts exist: tree backends keep the hierarchy
// (one file per key under a directory), flat backends store the whole key
// as an opaque string. Both satisfy the same Backend contract, and Select
// picks the first candidate that opens and survives a write/read/delete
// round trip.
package storage

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
)

// Layout describes how a backend stores hierarchical keys.
type Layout string

const (
	LayoutTree Layout = "tree"
	LayoutFlat Layout = "flat"
)

// Backend is a persistent key to content store.
type Backend interface {
	// Name identifies the implementation, e.g. "fs" or "sqlite".
	Name() string
	Layout() Layout
	Write(ctx context.Context, key, content string) error
	// Read returns an error matching ErrNotFound when key is absent.
	Read(ctx context.Context, key string) (string, error)
	Delete(ctx context.Context, key string) error
	// List returns every key with the given prefix, sorted. An empty prefix
	// lists everything.
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Sentinel errors for classification. Use errors.Is.
var (
	ErrNotFound    = errors.New("not found")
	ErrInvalidKey  = errors.New("invalid key")
	ErrUnavailable = errors.New("backend unavailable")
	ErrTimeout     = errors.New("operation timed out")
	ErrPermission  = errors.New("permission denied")
)

// StorageError wraps a backend failure with its classification.
type StorageError struct {
	// Kind is one of the sentinel errors above.
	Kind    error
	Op      string
	Key     string
	Backend string
	Err     error
}

func (e *StorageError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("%s %s %s: %v: %v", e.Backend, e.Op, e.Key, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s %s: %v: %v", e.Backend, e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func (e *StorageError) Is(target error) bool {
	return errors.Is(e.Kind, target)
}

func wrapError(backend, op, key string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Kind: classify(err), Op: op, Key: key, Backend: backend, Err: err}
}

func notFound(backend, op, key string) error {
	return &StorageError{Kind: ErrNotFound, Op: op, Key: key, Backend: backend, Err: errors.New("no such key")}
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) && timeoutErr.Timeout() {
		return ErrTimeout
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "no such file", "does not exist", "not found", "nosuchkey", "404"):
		return ErrNotFound
	case containsAny(msg, "permission denied", "access denied", "forbidden", "403"):
		return ErrPermission
	case containsAny(msg, "timeout", "timed out", "deadline exceeded"):
		return ErrTimeout
	case containsAny(msg, "connection refused", "no route to host", "dial tcp", "circuit breaker", "too many requests"):
		return ErrUnavailable
	default:
		return errors.New("storage error")
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// CleanKey normalizes a key: leading and trailing slashes are dropped and
// the path is cleaned. Keys that are empty or climb out of the root are
// rejected.
func CleanKey(key string) (string, error) {
	k := strings.Trim(key, "/")
	if k == "" {
		return "", ErrInvalidKey
	}
	k = path.Clean(k)
	if k == "." || k == ".." || strings.HasPrefix(k, "../") {
		return "", fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return k, nil
}

func cleanPrefix(prefix string) string {
	return strings.TrimLeft(prefix, "/")
}
