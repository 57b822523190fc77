package storage

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/alicebob/miniredis/v2"
)

// =============================================================================
// Backend contract
// =============================================================================

func backends(t *testing.T) map[string]Backend {
	t.Helper()
	ctx := context.Background()

	fs, err := NewFS(t.TempDir())
	if err != nil {
		t.Fatalf("fs: %v", err)
	}

	sqlite, err := NewSQLite(ctx, filepath.Join(t.TempDir(), "files.db"))
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}

	mr := miniredis.RunT(t)
	redis, err := NewRedis(ctx, RedisConfig{URL: "redis://" + mr.Addr()})
	if err != nil {
		t.Fatalf("redis: %v", err)
	}

	scoped, err := WithNamespace(NewMemory(), "sessions/x")
	if err != nil {
		t.Fatalf("namespace: %v", err)
	}

	all := map[string]Backend{
		"namespaced": scoped,
		"memory":     NewMemory(),
		"fs":         fs,
		"sqlite":     sqlite,
		"redis":      redis,
		"breaker":    WithBreaker(NewMemory(), BreakerConfig{}),
	}
	t.Cleanup(func() {
		for _, b := range all {
			b.Close()
		}
	})
	return all
}

func TestBackendContract(t *testing.T) {
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := b.Write(ctx, "notes/a.txt", "alpha"); err != nil {
				t.Fatalf("write: %v", err)
			}
			if err := b.Write(ctx, "/notes/deep/b.txt", "beta"); err != nil {
				t.Fatalf("write with leading slash: %v", err)
			}
			if err := b.Write(ctx, "top.txt", ""); err != nil {
				t.Fatalf("write empty: %v", err)
			}

			got, err := b.Read(ctx, "notes/a.txt")
			if err != nil || got != "alpha" {
				t.Fatalf("read = %q, %v; want alpha", got, err)
			}

			if err := b.Write(ctx, "notes/a.txt", "alpha2"); err != nil {
				t.Fatalf("overwrite: %v", err)
			}
			if got, _ := b.Read(ctx, "notes/a.txt"); got != "alpha2" {
				t.Errorf("after overwrite read = %q", got)
			}

			keys, err := b.List(ctx, "notes/")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if want := []string{"notes/a.txt", "notes/deep/b.txt"}; !reflect.DeepEqual(keys, want) {
				t.Errorf("list = %v, want %v", keys, want)
			}

			all, err := b.List(ctx, "")
			if err != nil {
				t.Fatalf("list all: %v", err)
			}
			if len(all) != 3 {
				t.Errorf("expected 3 keys, got %v", all)
			}

			if err := b.Delete(ctx, "notes/a.txt"); err != nil {
				t.Fatalf("delete: %v", err)
			}
			if _, err := b.Read(ctx, "notes/a.txt"); !errors.Is(err, ErrNotFound) {
				t.Errorf("read after delete: expected ErrNotFound, got %v", err)
			}
			if err := b.Delete(ctx, "notes/a.txt"); err != nil {
				t.Errorf("deleting an absent key should succeed, got %v", err)
			}
		})
	}
}

func TestCleanKey(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"a.txt", "a.txt", false},
		{"/dir/a.txt", "dir/a.txt", false},
		{"dir//x/../a.txt", "dir/a.txt", false},
		{"", "", true},
		{"/", "", true},
		{"../etc/passwd", "", true},
	}
	for _, tt := range tests {
		got, err := CleanKey(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("CleanKey(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("CleanKey(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// =============================================================================
// Selection
// =============================================================================

func failing(name string) Candidate {
	return Candidate{Name: name, Open: func(ctx context.Context) (Backend, error) {
		return nil, errors.New("unavailable here")
	}}
}

func TestSelectFallsBack(t *testing.T) {
	mem := NewMemory()
	b, err := Select(context.Background(), []Candidate{
		failing("fs"),
		{Name: "memory", Open: func(ctx context.Context) (Backend, error) { return mem, nil }},
	}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if b.Name() != "memory" {
		t.Errorf("expected memory backend, got %s", b.Name())
	}
	keys, _ := mem.List(context.Background(), "")
	if len(keys) != 0 {
		t.Errorf("check key should be removed, found %v", keys)
	}
}

func TestSelectPrefersFirst(t *testing.T) {
	dir := t.TempDir()
	b, err := Select(context.Background(), []Candidate{
		{Name: "fs", Open: func(ctx context.Context) (Backend, error) { return NewFS(dir) }},
		{Name: "memory", Open: func(ctx context.Context) (Backend, error) { return NewMemory(), nil }},
	}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if b.Name() != "fs" || b.Layout() != LayoutTree {
		t.Errorf("expected tree fs backend, got %s/%s", b.Name(), b.Layout())
	}
}

func TestSelectNothingAvailable(t *testing.T) {
	_, err := Select(context.Background(), []Candidate{failing("a"), failing("b")}, nil)
	if err == nil {
		t.Fatal("expected error when no backend is available")
	}
}

type brokenBackend struct {
	*Memory
	err error
}

func (b *brokenBackend) Name() string { return "broken" }

func (b *brokenBackend) Write(ctx context.Context, key, content string) error { return b.err }

func TestSelectRejectsBrokenBackend(t *testing.T) {
	broken := &brokenBackend{Memory: NewMemory(), err: errors.New("read-only filesystem")}
	b, err := Select(context.Background(), []Candidate{
		{Name: "broken", Open: func(ctx context.Context) (Backend, error) { return broken, nil }},
		{Name: "memory", Open: func(ctx context.Context) (Backend, error) { return NewMemory(), nil }},
	}, nil)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if b.Name() != "memory" {
		t.Errorf("expected fallback to memory, got %s", b.Name())
	}
}

// =============================================================================
// Breaker
// =============================================================================

func TestBreakerOpensAfterFailures(t *testing.T) {
	broken := &brokenBackend{Memory: NewMemory(), err: errors.New("dial tcp: connection refused")}
	b := WithBreaker(broken, BreakerConfig{ConsecutiveFailures: 2})
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Write(ctx, "k", "v"); err == nil {
			t.Fatal("expected write failure")
		}
	}
	if b.State() != "open" {
		t.Fatalf("expected open breaker, got %s", b.State())
	}
	if err := b.Write(ctx, "k", "v"); !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable from open breaker, got %v", err)
	}
}

func TestBreakerIgnoresNotFound(t *testing.T) {
	b := WithBreaker(NewMemory(), BreakerConfig{ConsecutiveFailures: 1})
	for i := 0; i < 3; i++ {
		if _, err := b.Read(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	}
	if b.State() != "closed" {
		t.Errorf("not-found reads should not trip the breaker, state %s", b.State())
	}
}

// =============================================================================
// Namespaces
// =============================================================================

func TestNamespacesDoNotOverlap(t *testing.T) {
	ctx := context.Background()
	shared := NewMemory()
	a, _ := WithNamespace(shared, "sessions/a")
	b, _ := WithNamespace(shared, "/sessions/b/")

	a.Write(ctx, "notes/x.txt", "from a")
	b.Write(ctx, "notes/x.txt", "from b")

	if got, _ := a.Read(ctx, "notes/x.txt"); got != "from a" {
		t.Errorf("a read %q", got)
	}
	keys, err := b.List(ctx, "")
	if err != nil || !reflect.DeepEqual(keys, []string{"notes/x.txt"}) {
		t.Errorf("b list = %v, %v", keys, err)
	}
	if err := b.Delete(ctx, "notes/x.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if got, err := a.Read(ctx, "notes/x.txt"); err != nil || got != "from a" {
		t.Errorf("a after b's delete = %q, %v", got, err)
	}
	all, _ := shared.List(ctx, "")
	if !reflect.DeepEqual(all, []string{"sessions/a/notes/x.txt"}) {
		t.Errorf("shared keys = %v", all)
	}
}

func TestNamespaceValidation(t *testing.T) {
	m := NewMemory()
	if b, err := WithNamespace(m, ""); err != nil || b != Backend(m) {
		t.Errorf("empty namespace should return the backend itself")
	}
	if _, err := WithNamespace(m, "../escape"); !errors.Is(err, ErrInvalidKey) {
		t.Errorf("escaping namespace: %v", err)
	}
}
