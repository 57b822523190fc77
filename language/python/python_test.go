package python

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/pyhost/interp"
	"github.com/caffeineduck/pyhost/protocol"
)

// =============================================================================
// Signal parsing
// =============================================================================

func TestSignalWriterSplitsOutputAndSignals(t *testing.T) {
	w := newSignalWriter()
	w.Write([]byte("warming up\n" + readySignal))

	select {
	case <-w.Ready():
	default:
		t.Fatal("ready signal not seen")
	}
	if got := w.Startup(); got != "warming up\n" {
		t.Errorf("startup = %q", got)
	}

	var stderr bytes.Buffer
	done := w.begin(&stderr)
	w.Write([]byte("oops\n" + donePrefix + `{"ok":true,"value":4,"repr":"4"}` + signalEnd))

	select {
	case out := <-done:
		v, err := out.result()
		if err != nil {
			t.Fatalf("result: %v", err)
		}
		if v.Repr != "4" || string(v.JSON) != "4" {
			t.Errorf("value = %+v", v)
		}
	default:
		t.Fatal("done signal not delivered")
	}
	if stderr.String() != "oops\n" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestSignalWriterHandlesSplitWrites(t *testing.T) {
	w := newSignalWriter()
	var stderr bytes.Buffer
	done := w.begin(&stderr)

	msg := "a" + donePrefix + `{"ok":false,"error":{"kind":"NameError","message":"name 'x' is not defined"}}` + signalEnd + "b"
	for i := 0; i < len(msg); i++ {
		w.Write([]byte{msg[i]})
	}

	select {
	case out := <-done:
		_, err := out.result()
		var evalErr *interp.EvalError
		if !errors.As(err, &evalErr) || evalErr.Kind != "NameError" {
			t.Fatalf("err = %v", err)
		}
	default:
		t.Fatal("done signal not delivered")
	}
	if stderr.String() != "ab" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestSignalWriterPassesStrayNUL(t *testing.T) {
	w := newSignalWriter()
	var stderr bytes.Buffer
	w.begin(&stderr)
	w.Write([]byte("x\x00y"))
	if stderr.String() != "x\x00y" {
		t.Errorf("stderr = %q", stderr.String())
	}
}

func TestOutcomeWithoutValue(t *testing.T) {
	v, err := evalOutcome{OK: true}.result()
	if err != nil || v != nil {
		t.Errorf("got %v, %v", v, err)
	}

	repr := "<object object>"
	v, err = evalOutcome{OK: true, Value: []byte("null"), Repr: &repr}.result()
	if err != nil || v.JSON != nil || v.Repr != repr {
		t.Errorf("got %+v, %v", v, err)
	}
}

// =============================================================================
// Snippets
// =============================================================================

func TestCapturePatchEmitsArtifactMarker(t *testing.T) {
	lang := New()
	patch := lang.CapturePatch()
	if !strings.Contains(patch, protocol.ArtifactMarker+"image/png:") {
		t.Error("patch does not print artifact markers")
	}
	if !strings.Contains(patch, `matplotlib.use("Agg")`) {
		t.Error("patch does not select a headless backend")
	}
}

func TestSnapshotSnippets(t *testing.T) {
	lang := New()
	if lang.Serializer() != "dill" {
		t.Errorf("serializer = %q", lang.Serializer())
	}
	if !strings.Contains(lang.SnapshotCode(), `"dropped"`) {
		t.Error("snapshot code does not report dropped names")
	}
	restore := lang.RestoreCode("YWJj")
	if !strings.HasSuffix(restore, `__pyhost_restore("YWJj")`) {
		t.Errorf("restore code = %q", restore)
	}
}

func TestRequirements(t *testing.T) {
	lang := New()
	if got := lang.Requirements("matplotlib"); len(got) != 1 || got[0] != "pillow" {
		t.Errorf("matplotlib requirements = %v", got)
	}
	if got := lang.Requirements("requests"); got != nil {
		t.Errorf("requests requirements = %v", got)
	}
}

// =============================================================================
// Package installation
// =============================================================================

func TestValidatePackage(t *testing.T) {
	tests := []struct {
		spec string
		ok   bool
	}{
		{"requests", true},
		{"numpy==1.26.4", true},
		{"pandas[performance]", true},
		{"", false},
		{"--index-url=http://evil", false},
		{"x; rm -rf /", false},
		{"a b", false},
		{"$(whoami)", false},
	}
	for _, tt := range tests {
		err := ValidatePackage(tt.spec)
		if (err == nil) != tt.ok {
			t.Errorf("ValidatePackage(%q) = %v", tt.spec, err)
		}
	}
}

func TestPipInstallReportsFailure(t *testing.T) {
	err := PipInstall(context.Background(), "/nonexistent/pip", t.TempDir(), "requests")
	if err == nil || !strings.Contains(err.Error(), "pip install requests") {
		t.Errorf("err = %v", err)
	}
}

// =============================================================================
// Runtime
// =============================================================================

func TestStartWithoutModule(t *testing.T) {
	t.Setenv(ModuleEnv, "")
	lang := New()
	defer lang.Close()

	_, err := lang.Start(context.Background(), interp.Config{Root: t.TempDir()})
	if err == nil || !strings.Contains(err.Error(), ModuleEnv) {
		t.Errorf("err = %v", err)
	}
}

func TestStartAfterClose(t *testing.T) {
	lang := New(WithModulePath("/nonexistent.wasm"))
	lang.Close()
	if _, err := lang.Start(context.Background(), interp.Config{Root: t.TempDir()}); !errors.Is(err, ErrClosed) {
		t.Errorf("err = %v", err)
	}
}

func TestMemoryLimitPages(t *testing.T) {
	lang := New(WithMemoryLimitMB(256))
	if lang.memoryPages != 4096 {
		t.Errorf("pages = %d", lang.memoryPages)
	}
}

func newInterpreter(t *testing.T) interp.Interpreter {
	t.Helper()
	if os.Getenv(ModuleEnv) == "" {
		t.Skipf("%s not set", ModuleEnv)
	}
	lang := New(WithCacheDir(t.TempDir()), WithStdlibDir(os.Getenv("PYHOST_PYTHON_STDLIB")))
	t.Cleanup(func() { lang.Close() })

	it, err := lang.Start(context.Background(), interp.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { it.Close() })
	return it
}

func TestEvalPersistsGlobals(t *testing.T) {
	it := newInterpreter(t)
	ctx := context.Background()

	var stdout bytes.Buffer
	if _, err := it.Eval(ctx, "x = 40\nprint('hi')", &stdout, &stdout); err != nil {
		t.Fatalf("eval: %v", err)
	}
	if stdout.String() != "hi\n" {
		t.Errorf("stdout = %q", stdout.String())
	}

	v, err := it.Eval(ctx, "x + 2", &stdout, &stdout)
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v == nil || v.Repr != "42" || string(v.JSON) != "42" {
		t.Errorf("value = %+v", v)
	}
}

func TestEvalRaises(t *testing.T) {
	it := newInterpreter(t)
	_, err := it.Eval(context.Background(), "undefined_name", &bytes.Buffer{}, &bytes.Buffer{})
	var evalErr *interp.EvalError
	if !errors.As(err, &evalErr) || evalErr.Kind != "NameError" {
		t.Errorf("err = %v", err)
	}
}

func TestEvalSeesMountedFiles(t *testing.T) {
	it := newInterpreter(t)
	if err := it.FS().WriteFile("/data.txt", "payload"); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := it.Eval(context.Background(), "open('/data.txt').read()", &bytes.Buffer{}, &bytes.Buffer{})
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if v == nil || v.Repr != "'payload'" {
		t.Errorf("value = %+v", v)
	}
}

func TestEvalCancelKillsInterpreter(t *testing.T) {
	it := newInterpreter(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	_, err := it.Eval(ctx, "while True: pass", &bytes.Buffer{}, &bytes.Buffer{})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if _, err := it.Eval(context.Background(), "1", &bytes.Buffer{}, &bytes.Buffer{}); err == nil {
		t.Error("interpreter should be dead after cancellation")
	}
}
