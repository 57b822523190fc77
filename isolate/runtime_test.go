package isolate

import (
	"context"
	"encoding/base64"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/pyhost/interp"
	"github.com/caffeineduck/pyhost/interp/interptest"
	"github.com/caffeineduck/pyhost/protocol"
)

func newRuntime(t *testing.T) *Runtime {
	t.Helper()
	rt, err := StartRuntime(context.Background(), interptest.New(), interp.Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	t.Cleanup(func() { rt.Close() })
	return rt
}

func TestOutputSinkForwardsFragments(t *testing.T) {
	var got []string
	sink := newOutputSink(func(s string) { got = append(got, s) })

	sink.Write([]byte("par"))
	if !reflect.DeepEqual(got, []string{"par"}) {
		t.Fatalf("fragment not forwarded: %q", got)
	}
	sink.Write([]byte("tial\nnext\n" + protocol.ArtifactMarker + "image/png:a:QUJD\ntail"))
	if !reflect.DeepEqual(got, []string{"par", "tial\n", "next\n", "tail"}) {
		t.Errorf("got %q", got)
	}

	sink.Flush()
	if len(got) != 4 {
		t.Errorf("flush forwarded again: %q", got)
	}
	if !strings.Contains(sink.String(), protocol.ArtifactMarker) {
		t.Error("buffered output should keep marker lines for extraction")
	}
}

func TestOutputSinkHoldsMarkerPrefix(t *testing.T) {
	var got []string
	sink := newOutputSink(func(s string) { got = append(got, s) })

	marker := protocol.ArtifactMarker
	sink.Write([]byte(marker[:5]))
	if len(got) != 0 {
		t.Fatalf("possible marker forwarded early: %q", got)
	}
	sink.Write([]byte(marker[5:] + "text/plain:n:aGk="))
	sink.Write([]byte("\n"))
	if len(got) != 0 {
		t.Fatalf("marker line forwarded: %q", got)
	}

	// A held start that stops matching the marker is released as text.
	sink.Write([]byte(marker[:3]))
	sink.Write([]byte("!not a marker"))
	if !reflect.DeepEqual(got, []string{marker[:3] + "!not a marker"}) {
		t.Errorf("got %q", got)
	}
	sink.Write([]byte(" more\n"))
	if !reflect.DeepEqual(got, []string{marker[:3] + "!not a marker", " more\n"}) {
		t.Errorf("got %q", got)
	}

	// A marker prefix left dangling at the end is text.
	sink.Write([]byte(marker[:4]))
	sink.Flush()
	if got[len(got)-1] != marker[:4] {
		t.Errorf("flush got %q", got)
	}
}

func TestOutputSinkWithoutForward(t *testing.T) {
	sink := newOutputSink(nil)
	sink.Write([]byte("a\nb"))
	sink.Flush()
	if sink.String() != "a\nb" {
		t.Errorf("got %q", sink.String())
	}
}

func TestSealOpenState(t *testing.T) {
	raw := base64.StdEncoding.EncodeToString([]byte(strings.Repeat(`{"x": 1}`, 64)))

	sealed, err := sealState(raw)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !strings.HasPrefix(sealed, stateEnvelopePrefix) {
		t.Fatalf("missing envelope prefix: %q", sealed)
	}
	if len(sealed) >= len(raw) {
		t.Errorf("repetitive state should compress: %d >= %d", len(sealed), len(raw))
	}

	opened, err := openState(sealed)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != raw {
		t.Error("round trip changed the state")
	}

	// Unsealed base64 passes through.
	if got, err := openState(raw); err != nil || got != raw {
		t.Errorf("plain state: %q, %v", got, err)
	}
	if _, err := openState("not base64!"); err == nil {
		t.Error("expected error for invalid state")
	}
	if _, err := sealState("%%%"); err == nil {
		t.Error("expected error sealing invalid base64")
	}
}

func TestExpandRequirements(t *testing.T) {
	rt := newRuntime(t)

	got := rt.expand([]string{"numpy", "matplotlib", " numpy ", "", "pillow"})
	want := []string{"numpy", "pillow", "matplotlib"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expand = %v, want %v", got, want)
	}
}

func TestExecInterrupted(t *testing.T) {
	rt := newRuntime(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	exec := rt.Exec(ctx, `print("started"); while True: pass`, nil)
	if exec.Err == nil {
		t.Fatal("expected interruption")
	}
	if !strings.HasPrefix(errorText(exec.Err), "execution interrupted") {
		t.Errorf("error text = %q", errorText(exec.Err))
	}
}

func TestExecStdoutFallsBackToValue(t *testing.T) {
	rt := newRuntime(t)

	exec := rt.Exec(context.Background(), `"text"`, nil)
	if exec.Stdout != "'text'" || exec.Result != "text" {
		t.Errorf("stdout=%q result=%#v", exec.Stdout, exec.Result)
	}

	exec = rt.Exec(context.Background(), `print("shown"); 5`, nil)
	if exec.Stdout != "shown" || exec.Result != float64(5) {
		t.Errorf("printed output should win over the value repr: stdout=%q result=%#v", exec.Stdout, exec.Result)
	}
}
