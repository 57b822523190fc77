package isolate

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/pyhost/interp"
	"github.com/caffeineduck/pyhost/interp/interptest"
	"github.com/caffeineduck/pyhost/protocol"
	"github.com/caffeineduck/pyhost/storage"
)

func memoryCandidate(m *storage.Memory) []storage.Candidate {
	return []storage.Candidate{storage.Shared("memory", m)}
}

// newTestController returns an initialized controller over a scripted
// interpreter and the memory store backing it.
func newTestController(t *testing.T, preload ...string) (*Controller, *storage.Memory, *interptest.Language) {
	t.Helper()
	lang := interptest.New()
	store := storage.NewMemory()
	c := NewController(Config{
		Language:   lang,
		Storage:    memoryCandidate(store),
		ScratchDir: t.TempDir(),
	})
	t.Cleanup(c.shutdown)

	resp := c.Handle(context.Background(), protocol.Request{ID: 1, Kind: protocol.KindInit, Preload: preload}, nil)
	if !resp.Success {
		t.Fatalf("init failed: %s", resp.Error)
	}
	return c, store, lang
}

func TestNamespacedPackageDir(t *testing.T) {
	shared := t.TempDir()
	lang := interptest.New()
	c := NewController(Config{
		Language:   lang,
		Storage:    memoryCandidate(storage.NewMemory()),
		ScratchDir: t.TempDir(),
		Namespace:  "sessions/a",
		PackageDir: shared,
	})
	own := filepath.Join(shared, SessionPackagesDir, "sessions", "a")
	os.MkdirAll(filepath.Join(own, "stale"), 0o755)

	init := protocol.Request{ID: 1, Kind: protocol.KindInit}
	if resp := c.Handle(context.Background(), init, nil); !resp.Success {
		t.Fatalf("init failed: %s", resp.Error)
	}
	cfg := lang.LastConfig()
	if cfg.PackageDir != own || cfg.SharedPackageDir != shared {
		t.Errorf("package dirs = %q, %q", cfg.PackageDir, cfg.SharedPackageDir)
	}
	if _, err := os.Stat(filepath.Join(own, "stale")); !os.IsNotExist(err) {
		t.Error("installs from an earlier isolate should be cleared")
	}

	c.shutdown()
	if _, err := os.Stat(own); !os.IsNotExist(err) {
		t.Error("package dir should be removed with the isolate")
	}
}

func TestUnnamespacedPackageDir(t *testing.T) {
	dir := t.TempDir()
	lang := interptest.New()
	c := NewController(Config{Language: lang, ScratchDir: t.TempDir(), PackageDir: dir})
	t.Cleanup(c.shutdown)

	if resp := c.Handle(context.Background(), protocol.Request{ID: 1, Kind: protocol.KindInit}, nil); !resp.Success {
		t.Fatalf("init failed: %s", resp.Error)
	}
	if cfg := lang.LastConfig(); cfg.PackageDir != dir || cfg.SharedPackageDir != "" {
		t.Errorf("package dirs = %q, %q", cfg.PackageDir, cfg.SharedPackageDir)
	}
}

func run(c *Controller, code string) protocol.Response {
	return c.Handle(context.Background(), protocol.Request{ID: 2, Kind: protocol.KindRun, Code: code}, nil)
}

func strPtr(s string) *string { return &s }

// =============================================================================
// init
// =============================================================================

func TestInitReportsBackendAndCreatesRoot(t *testing.T) {
	c, _, _ := newTestController(t)

	resp := c.Handle(context.Background(), protocol.Request{ID: 3, Kind: protocol.KindListFiles}, nil)
	if !resp.Success {
		t.Fatalf("listing the persistence root should succeed: %s", resp.Error)
	}
	if len(resp.Files) != 0 {
		t.Errorf("expected an empty root, got %v", resp.Files)
	}
}

func TestInitRestoresPersistedFiles(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	store.Write(ctx, "notes/a.txt", "alpha")
	store.Write(ctx, "b.txt", "beta")

	c := NewController(Config{Language: interptest.New(), Storage: memoryCandidate(store), ScratchDir: t.TempDir()})
	defer c.shutdown()

	resp := c.Handle(ctx, protocol.Request{ID: 1, Kind: protocol.KindInit}, nil)
	if !resp.Success {
		t.Fatalf("init failed: %s", resp.Error)
	}
	if resp.Backend != "memory" {
		t.Errorf("expected backend memory, got %q", resp.Backend)
	}

	read := c.Handle(ctx, protocol.Request{ID: 2, Kind: protocol.KindReadFile, Path: "/sandbox/notes/a.txt"}, nil)
	if !read.Success || read.Content != "alpha" {
		t.Errorf("restored file = %q, %s", read.Content, read.Error)
	}
}

func TestInitPreload(t *testing.T) {
	c, _, lang := newTestController(t, "cowsay")

	if resp := run(c, "import cowsay; print(\"ok\")"); !resp.Success || resp.Stdout != "ok" {
		t.Errorf("preloaded package should import: %+v", resp)
	}
	if got := lang.Installs(); !reflect.DeepEqual(got, []string{"cowsay"}) {
		t.Errorf("installs = %v", got)
	}
}

func TestInitFailures(t *testing.T) {
	lang := interptest.New()
	lang.StartErr = errors.New("bootstrap exploded")
	c := NewController(Config{Language: lang, ScratchDir: t.TempDir()})

	resp := c.Handle(context.Background(), protocol.Request{ID: 1, Kind: protocol.KindInit}, nil)
	if resp.Success || !strings.Contains(resp.Error, "bootstrap exploded") {
		t.Errorf("expected bootstrap failure, got %+v", resp)
	}

	c = NewController(Config{Language: interptest.New(), ScratchDir: t.TempDir()})
	resp = c.Handle(context.Background(), protocol.Request{ID: 1, Kind: protocol.KindInit, Preload: []string{"missing-pkg"}}, nil)
	if resp.Success {
		t.Error("a failed preload should fail init")
	}
}

// =============================================================================
// run
// =============================================================================

func TestRunPrint(t *testing.T) {
	c, _, _ := newTestController(t)

	resp := run(c, `print("hello")`)
	if !resp.Success {
		t.Fatalf("run failed: %s", resp.Error)
	}
	if resp.Stdout != "hello" {
		t.Errorf("expected 'hello', got %q", resp.Stdout)
	}
	if resp.Result != nil {
		t.Errorf("print should produce no result, got %v", resp.Result)
	}
}

func TestRunExpressionValue(t *testing.T) {
	c, _, _ := newTestController(t)

	resp := run(c, "2 + 2")
	if !resp.Success || resp.Stdout != "4" {
		t.Fatalf("expected stdout 4, got %+v", resp)
	}
	if resp.Result != float64(4) {
		t.Errorf("expected plain result 4, got %#v", resp.Result)
	}

	resp = run(c, "object()")
	if resp.Result != "<object object>" {
		t.Errorf("unconvertible values should fall back to text, got %#v", resp.Result)
	}
}

func TestRunKeepsGlobals(t *testing.T) {
	c, _, _ := newTestController(t)

	run(c, "x = 42")
	if resp := run(c, "print(x)"); resp.Stdout != "42" {
		t.Errorf("expected state to persist, got %q", resp.Stdout)
	}
}

func TestRunErrors(t *testing.T) {
	c, _, _ := newTestController(t)

	tests := []struct {
		name    string
		code    string
		wantErr string
	}{
		{"name error", "print(undefined_name)", "NameError"},
		{"syntax error", `print("unclosed string)`, "SyntaxError"},
		{"raised", `raise ValueError("boom")`, "ValueError: boom"},
		{"empty code", "   ", "code is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := run(c, tt.code)
			if resp.Success {
				t.Fatal("expected failure")
			}
			if !strings.Contains(resp.Error, tt.wantErr) {
				t.Errorf("error %q should contain %q", resp.Error, tt.wantErr)
			}
		})
	}

	if resp := run(c, `print("still alive")`); !resp.Success {
		t.Errorf("interpreter should stay usable after errors: %s", resp.Error)
	}
}

func TestRunPartialOutputOnFailure(t *testing.T) {
	c, _, _ := newTestController(t)

	resp := run(c, `print("before"); eprint("warn"); raise RuntimeError("late")`)
	if resp.Success {
		t.Fatal("expected failure")
	}
	if resp.Stdout != "before" || resp.Stderr != "warn" {
		t.Errorf("partial output lost: stdout=%q stderr=%q", resp.Stdout, resp.Stderr)
	}
}

func TestRunArtifacts(t *testing.T) {
	c, _, _ := newTestController(t)

	resp := run(c, `print("chart below"); artifact("image/png", "sales", "QUJD"); print("done")`)
	if !resp.Success {
		t.Fatalf("run failed: %s", resp.Error)
	}
	if resp.Stdout != "chart below\ndone" {
		t.Errorf("marker lines should be removed, got %q", resp.Stdout)
	}
	want := []protocol.Artifact{{Type: "image/png", Alt: "sales", Content: "QUJD"}}
	if !reflect.DeepEqual(resp.Artifacts, want) {
		t.Errorf("artifacts = %+v, want %+v", resp.Artifacts, want)
	}
}

func TestRunStreaming(t *testing.T) {
	c, _, _ := newTestController(t)

	var chunks []protocol.Response
	emit := func(r protocol.Response) { chunks = append(chunks, r) }

	req := protocol.Request{
		ID:        9,
		Kind:      protocol.KindRun,
		Code:      `for i in range(3): print(i); artifact("image/png", "x", "QUJD")`,
		Streaming: true,
	}
	resp := c.Handle(context.Background(), req, emit)
	if !resp.Success || resp.Streaming {
		t.Fatalf("unexpected terminal response: %+v", resp)
	}

	var streamed strings.Builder
	for _, ch := range chunks {
		if ch.ID != 9 || !ch.Streaming {
			t.Errorf("bad chunk: %+v", ch)
		}
		if strings.Contains(ch.Stdout, protocol.ArtifactMarker) {
			t.Errorf("artifact marker leaked into stream: %q", ch.Stdout)
		}
		streamed.WriteString(ch.Stdout)
	}
	if streamed.String() != "0\n1\n2\n" {
		t.Errorf("streamed = %q", streamed.String())
	}
	if len(resp.Artifacts) != 3 {
		t.Errorf("expected 3 artifacts, got %d", len(resp.Artifacts))
	}
}

func TestRunStreamsPartialLine(t *testing.T) {
	c, _, _ := newTestController(t)

	chunks := make(chan string, 8)
	done := make(chan protocol.Response, 1)
	req := protocol.Request{ID: 3, Kind: protocol.KindRun, Code: `write("working"); sleep(200); print("!")`, Streaming: true}
	go func() {
		done <- c.Handle(context.Background(), req, func(r protocol.Response) { chunks <- r.Stdout })
	}()

	select {
	case text := <-chunks:
		if text != "working" {
			t.Errorf("first chunk = %q", text)
		}
	case <-done:
		t.Fatal("terminal response arrived before the partial line")
	case <-time.After(2 * time.Second):
		t.Fatal("partial line was not streamed")
	}

	resp := <-done
	if !resp.Success || resp.Stdout != "working!" {
		t.Errorf("terminal response = %+v", resp)
	}
	if text := <-chunks; text != "!\n" {
		t.Errorf("second chunk = %q", text)
	}
}

func TestRunWithoutStreamingFlagEmitsNothing(t *testing.T) {
	c, _, _ := newTestController(t)

	called := false
	c.Handle(context.Background(), protocol.Request{ID: 4, Kind: protocol.KindRun, Code: `print("x")`}, func(protocol.Response) { called = true })
	if called {
		t.Error("chunks emitted without the streaming flag")
	}
}

// =============================================================================
// files
// =============================================================================

func TestWriteFileWriteThrough(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()

	resp := c.Handle(ctx, protocol.Request{ID: 5, Kind: protocol.KindWriteFile, Path: "/sandbox/dir/a.txt", Content: strPtr("persist me")}, nil)
	if !resp.Success {
		t.Fatalf("write failed: %s", resp.Error)
	}
	if got, err := store.Read(ctx, "dir/a.txt"); err != nil || got != "persist me" {
		t.Errorf("backend = %q, %v", got, err)
	}

	resp = c.Handle(ctx, protocol.Request{ID: 6, Kind: protocol.KindWriteFile, Path: "/tmp/scratch.txt", Content: strPtr("temp")}, nil)
	if !resp.Success {
		t.Fatalf("write outside root failed: %s", resp.Error)
	}
	keys, _ := store.List(ctx, "")
	if !reflect.DeepEqual(keys, []string{"dir/a.txt"}) {
		t.Errorf("only files under the root should persist, got %v", keys)
	}

	read := c.Handle(ctx, protocol.Request{ID: 7, Kind: protocol.KindReadFile, Path: "/tmp/scratch.txt"}, nil)
	if read.Content != "temp" {
		t.Errorf("read back %q", read.Content)
	}
}

func TestWriteFileValidation(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	if resp := c.Handle(ctx, protocol.Request{ID: 1, Kind: protocol.KindWriteFile, Content: strPtr("x")}, nil); resp.Error != "path is required" {
		t.Errorf("missing path: %+v", resp)
	}
	if resp := c.Handle(ctx, protocol.Request{ID: 1, Kind: protocol.KindWriteFile, Path: "/sandbox/a"}, nil); resp.Error != "content is required" {
		t.Errorf("missing content: %+v", resp)
	}
	if resp := c.Handle(ctx, protocol.Request{ID: 1, Kind: protocol.KindWriteFile, Path: "/sandbox/empty", Content: strPtr("")}, nil); !resp.Success {
		t.Errorf("empty content is valid: %s", resp.Error)
	}
}

func TestReadMissingFile(t *testing.T) {
	c, _, _ := newTestController(t)

	resp := c.Handle(context.Background(), protocol.Request{ID: 1, Kind: protocol.KindReadFile, Path: "/sandbox/nope.txt"}, nil)
	if resp.Success || !strings.Contains(resp.Error, "not found") {
		t.Errorf("expected not found, got %+v", resp)
	}
}

func TestDeleteAndList(t *testing.T) {
	c, store, _ := newTestController(t)
	ctx := context.Background()

	c.Handle(ctx, protocol.Request{ID: 1, Kind: protocol.KindWriteFile, Path: "/sandbox/a/one.txt", Content: strPtr("1")}, nil)
	c.Handle(ctx, protocol.Request{ID: 2, Kind: protocol.KindWriteFile, Path: "/sandbox/two.txt", Content: strPtr("2")}, nil)
	run(c, `write_file("/sandbox/from_code.txt", "3")`)

	list := c.Handle(ctx, protocol.Request{ID: 3, Kind: protocol.KindListFiles}, nil)
	want := []string{"/sandbox/a/one.txt", "/sandbox/from_code.txt", "/sandbox/two.txt"}
	if !reflect.DeepEqual(list.Files, want) {
		t.Errorf("files = %v, want %v", list.Files, want)
	}

	sub := c.Handle(ctx, protocol.Request{ID: 4, Kind: protocol.KindListFiles, Path: "/sandbox/a"}, nil)
	if !reflect.DeepEqual(sub.Files, []string{"/sandbox/a/one.txt"}) {
		t.Errorf("subdir files = %v", sub.Files)
	}

	del := c.Handle(ctx, protocol.Request{ID: 5, Kind: protocol.KindDeleteFile, Path: "/sandbox/a/one.txt"}, nil)
	if !del.Success {
		t.Fatalf("delete failed: %s", del.Error)
	}
	if _, err := store.Read(ctx, "a/one.txt"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("delete should reach the backend, got %v", err)
	}
	list = c.Handle(ctx, protocol.Request{ID: 6, Kind: protocol.KindListFiles}, nil)
	for _, f := range list.Files {
		if f == "/sandbox/a/one.txt" {
			t.Error("deleted file still listed")
		}
	}

	// Files created by code are not mirrored, so the backend delete is a
	// no-op and must not fail the call.
	del = c.Handle(ctx, protocol.Request{ID: 7, Kind: protocol.KindDeleteFile, Path: "/sandbox/from_code.txt"}, nil)
	if !del.Success {
		t.Errorf("best-effort backend delete failed the call: %s", del.Error)
	}
}

// =============================================================================
// install, snapshot, restore
// =============================================================================

func TestInstallExpandsRequirements(t *testing.T) {
	c, _, lang := newTestController(t)

	resp := c.Handle(context.Background(), protocol.Request{ID: 1, Kind: protocol.KindInstall, Packages: []string{"matplotlib"}}, nil)
	if !resp.Success {
		t.Fatalf("install failed: %s", resp.Error)
	}
	if !reflect.DeepEqual(resp.Packages, []string{"pillow", "matplotlib"}) {
		t.Errorf("packages = %v", resp.Packages)
	}

	c.Handle(context.Background(), protocol.Request{ID: 2, Kind: protocol.KindInstall, Packages: []string{"matplotlib"}}, nil)
	if got := lang.Installs(); len(got) != 2 {
		t.Errorf("already installed packages should not be reinstalled, installs = %v", got)
	}

	it := c.rt.it.(*interptest.Interpreter)
	if !it.Patched() {
		t.Error("capture patch should be applied once matplotlib is installed")
	}
}

func TestInstallPartialFailure(t *testing.T) {
	c, _, _ := newTestController(t)

	resp := c.Handle(context.Background(), protocol.Request{ID: 1, Kind: protocol.KindInstall, Packages: []string{"cowsay", "missing-thing"}}, nil)
	if resp.Success {
		t.Fatal("expected failure")
	}
	if !strings.Contains(resp.Error, "missing-thing") {
		t.Errorf("error should name the failed package: %q", resp.Error)
	}
	if !reflect.DeepEqual(resp.Packages, []string{"cowsay"}) {
		t.Errorf("successful installs should still be recorded, got %v", resp.Packages)
	}

	if resp := c.Handle(context.Background(), protocol.Request{ID: 2, Kind: protocol.KindInstall}, nil); resp.Error != "packages are required" {
		t.Errorf("empty install: %+v", resp)
	}
}

func TestSnapshotRestore(t *testing.T) {
	c, _, _ := newTestController(t)
	ctx := context.Background()

	run(c, `x = "original"; n = 7; handle = object(); _private = 1`)

	snap := c.Handle(ctx, protocol.Request{ID: 1, Kind: protocol.KindSnapshot}, nil)
	if !snap.Success {
		t.Fatalf("snapshot failed: %s", snap.Error)
	}
	if !strings.HasPrefix(snap.Snapshot, stateEnvelopePrefix) {
		t.Errorf("snapshot state should be sealed, got %q", snap.Snapshot)
	}
	if !reflect.DeepEqual(snap.Dropped, []string{"handle"}) {
		t.Errorf("dropped = %v", snap.Dropped)
	}
	if !reflect.DeepEqual(snap.Packages, []string{"dill"}) {
		t.Errorf("serializer should be installed and reported, got %v", snap.Packages)
	}

	run(c, `x = "changed"; n = 0`)

	restore := c.Handle(ctx, protocol.Request{ID: 2, Kind: protocol.KindRestore, Snapshot: snap.Snapshot, Packages: snap.Packages}, nil)
	if !restore.Success {
		t.Fatalf("restore failed: %s", restore.Error)
	}
	if resp := run(c, "print(x, n)"); resp.Stdout != "original 7" {
		t.Errorf("after restore got %q", resp.Stdout)
	}
}

func TestRestoreIntoFreshInterpreter(t *testing.T) {
	first, _, _ := newTestController(t)
	run(first, `greeting = "hi"`)
	snap := first.Handle(context.Background(), protocol.Request{ID: 1, Kind: protocol.KindSnapshot}, nil)

	second, _, _ := newTestController(t)
	resp := second.Handle(context.Background(), protocol.Request{ID: 2, Kind: protocol.KindRestore, Snapshot: snap.Snapshot, Packages: snap.Packages}, nil)
	if !resp.Success {
		t.Fatalf("restore failed: %s", resp.Error)
	}
	if out := run(second, "print(greeting)"); out.Stdout != "hi" {
		t.Errorf("got %q", out.Stdout)
	}
}

func TestRestoreRejectsGarbage(t *testing.T) {
	c, _, _ := newTestController(t)

	resp := c.Handle(context.Background(), protocol.Request{ID: 1, Kind: protocol.KindRestore, Snapshot: "zstd:!!!"}, nil)
	if resp.Success {
		t.Error("expected failure for an undecodable snapshot")
	}
	resp = c.Handle(context.Background(), protocol.Request{ID: 2, Kind: protocol.KindRestore}, nil)
	if resp.Error != "snapshot is required" {
		t.Errorf("missing snapshot: %+v", resp)
	}
}

// =============================================================================
// dispatch
// =============================================================================

func TestUnknownKind(t *testing.T) {
	c, _, _ := newTestController(t)

	resp := c.Handle(context.Background(), protocol.Request{ID: 11, Kind: "reboot"}, nil)
	if resp.Success || resp.ID != 11 || !strings.Contains(resp.Error, `"reboot"`) {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestRequestsBeforeInit(t *testing.T) {
	c := NewController(Config{Language: interptest.New()})

	for _, kind := range []protocol.Kind{protocol.KindRun, protocol.KindReadFile, protocol.KindListFiles, protocol.KindSnapshot} {
		resp := c.Handle(context.Background(), protocol.Request{ID: 1, Kind: kind, Code: "1", Path: "/x"}, nil)
		if resp.Success || !strings.Contains(resp.Error, "not initialized") {
			t.Errorf("%s before init: %+v", kind, resp)
		}
	}
}

type panickingLanguage struct{ *interptest.Language }

func (panickingLanguage) Start(context.Context, interp.Config) (interp.Interpreter, error) {
	panic("boom")
}

func TestHandlerPanicBecomesFailure(t *testing.T) {
	c := NewController(Config{Language: panickingLanguage{interptest.New()}, ScratchDir: t.TempDir()})

	resp := c.Handle(context.Background(), protocol.Request{ID: 3, Kind: protocol.KindInit}, nil)
	if resp.Success || resp.ID != 3 || !strings.Contains(resp.Error, "boom") {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestDestroyDropsInterpreter(t *testing.T) {
	c, _, _ := newTestController(t)

	if resp := c.Handle(context.Background(), protocol.Request{ID: 1, Kind: protocol.KindDestroy}, nil); !resp.Success {
		t.Fatalf("destroy failed: %s", resp.Error)
	}
	if resp := run(c, "1"); resp.Success {
		t.Error("run after destroy should fail")
	}
}

// =============================================================================
// Serve
// =============================================================================

func TestServeOverPipe(t *testing.T) {
	hostSide, isolateSide := net.Pipe()
	defer hostSide.Close()

	c := NewController(Config{Language: interptest.New(), ScratchDir: t.TempDir()})
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.Serve(context.Background(), isolateSide)
		isolateSide.Close()
	}()

	enc := protocol.NewEncoder(hostSide)
	dec := protocol.NewDecoder(hostSide)

	go func() {
		enc.Encode(protocol.Request{ID: 1, Kind: protocol.KindInit})
		enc.Encode(protocol.Request{ID: 2, Kind: protocol.KindRun, Code: `print("a"); print("b")`, Streaming: true})
		enc.Encode(protocol.Request{ID: 3, Kind: "bogus"})
	}()

	var terminal []protocol.Response
	var chunks int
	for len(terminal) < 3 {
		resp, err := dec.ReadResponse()
		if err != nil {
			t.Fatalf("read response: %v", err)
		}
		if resp.Streaming {
			chunks++
			continue
		}
		terminal = append(terminal, resp)
	}

	if terminal[0].ID != 1 || !terminal[0].Success {
		t.Errorf("init: %+v", terminal[0])
	}
	if terminal[1].ID != 2 || terminal[1].Stdout != "a\nb" {
		t.Errorf("run: %+v", terminal[1])
	}
	if terminal[2].ID != 3 || terminal[2].Success {
		t.Errorf("bogus kind: %+v", terminal[2])
	}
	if chunks != 2 {
		t.Errorf("expected 2 chunks, got %d", chunks)
	}

	hostSide.Close()
	if err := <-errCh; err != nil {
		t.Errorf("serve should end cleanly when the host hangs up, got %v", err)
	}
}
