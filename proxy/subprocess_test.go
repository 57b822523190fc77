package proxy

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/pyhost/interp/interptest"
	"github.com/caffeineduck/pyhost/isolate"
)

// serveHelperIsolate runs a controller on stdin and stdout when the test
// binary is re-executed as an isolate child.
func serveHelperIsolate() int {
	ctrl := isolate.NewController(isolate.Config{Language: interptest.New()})
	rw := struct {
		io.Reader
		io.Writer
	}{os.Stdin, os.Stdout}
	if err := ctrl.Serve(context.Background(), rw); err != nil {
		return 1
	}
	return 0
}

func helperSpawner() *Subprocess {
	return &Subprocess{
		Path:   os.Args[0],
		Args:   []string{"-test.run=^$"},
		Env:    []string{helperEnv + "=1"},
		Stderr: io.Discard,
	}
}

func TestSubprocessRun(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, helperSpawner())
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	defer p.Destroy(ctx)

	res := p.Run(ctx, `print("from child")`)
	if !res.Success || res.Stdout != "from child" {
		t.Fatalf("got %+v", res)
	}

	if err := p.WriteFile(ctx, "/sandbox/x.txt", "x"); err != nil {
		t.Fatalf("write: %v", err)
	}
	if got, err := p.ReadFile(ctx, "/sandbox/x.txt"); err != nil || got != "x" {
		t.Errorf("read = %q, %v", got, err)
	}
}

func TestSubprocessTimeoutKillsChild(t *testing.T) {
	ctx := context.Background()
	p, err := New(ctx, helperSpawner())
	if err != nil {
		t.Fatalf("new proxy: %v", err)
	}
	defer p.Destroy(ctx)

	res := p.Run(ctx, "while True: pass", WithTimeout(200*time.Millisecond))
	if !res.TimedOut {
		t.Fatalf("expected timeout, got %+v", res)
	}
	if res.Err != nil {
		t.Fatalf("recovery failed: %v", res.Err)
	}

	after := p.Run(ctx, `print("fresh")`)
	if !after.Success || after.Stdout != "fresh" {
		t.Errorf("replacement child should serve, got %+v", after)
	}
}

func TestSubprocessSpawnFailure(t *testing.T) {
	_, err := New(context.Background(), &Subprocess{Path: "/nonexistent/pyhost"})
	if err == nil || !strings.Contains(err.Error(), "failed to start isolate process") {
		t.Errorf("unexpected error: %v", err)
	}
}
