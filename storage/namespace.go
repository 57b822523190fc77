package storage

import (
	"context"
	"fmt"
	"strings"
)

// Namespaced confines a backend to the keys under one prefix, so isolates of
// different sessions can share a store without seeing each other's files.
// On a tree backend the namespace is a directory; on a flat backend it is a
// key prefix.
type Namespaced struct {
	inner  Backend
	prefix string
}

// WithNamespace scopes b to ns. An empty ns returns b unchanged.
func WithNamespace(b Backend, ns string) (Backend, error) {
	if ns == "" {
		return b, nil
	}
	clean, err := CleanKey(ns)
	if err != nil {
		return nil, fmt.Errorf("namespace %q: %w", ns, err)
	}
	return &Namespaced{inner: b, prefix: clean + "/"}, nil
}

func (n *Namespaced) Name() string   { return n.inner.Name() }
func (n *Namespaced) Layout() Layout { return n.inner.Layout() }

// Unwrap returns the shared backend.
func (n *Namespaced) Unwrap() Backend { return n.inner }

func (n *Namespaced) key(key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", wrapError(n.Name(), "key", key, err)
	}
	return n.prefix + k, nil
}

func (n *Namespaced) Write(ctx context.Context, key, content string) error {
	k, err := n.key(key)
	if err != nil {
		return err
	}
	return n.inner.Write(ctx, k, content)
}

func (n *Namespaced) Read(ctx context.Context, key string) (string, error) {
	k, err := n.key(key)
	if err != nil {
		return "", err
	}
	return n.inner.Read(ctx, k)
}

func (n *Namespaced) Delete(ctx context.Context, key string) error {
	k, err := n.key(key)
	if err != nil {
		return err
	}
	return n.inner.Delete(ctx, k)
}

func (n *Namespaced) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := n.inner.List(ctx, n.prefix+cleanPrefix(prefix))
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, strings.TrimPrefix(k, n.prefix))
	}
	return out, nil
}

func (n *Namespaced) Close() error { return n.inner.Close() }

// Shared returns a candidate that always opens b itself. Use it for a
// backend whose contents live in this process, so every isolate generation
// spawned here sees the same records.
func Shared(name string, b Backend) Candidate {
	return Candidate{Name: name, Open: func(context.Context) (Backend, error) { return b, nil }}
}
