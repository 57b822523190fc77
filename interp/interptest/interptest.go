// Package interptest provides a scripted interpreter for exercising the
// isolate runtime without a WebAssembly module.
//
// The language is a tiny Python-like subset. Statements are separated by
// newlines or semicolons:
//
//	x = 1 + 2                 assignment (ints add, strings concatenate)
//	print(x, "a")             write to stdout, eprint writes to stderr
//	write("x")                write to stdout without a newline
//	for i in range(3): print(i)
//	while True: pass          block until the context is cancelled
//	import cowsay             succeeds only once the package is installed
//	raise ValueError("boom")
//	sleep(50)                 milliseconds
//	artifact("image/png", "alt", "QUJD")
//	write_file("/sandbox/a.txt", "x"); read_file("/sandbox/a.txt")
//	object()                  a value with no plain-data form
//
// A trailing expression becomes the evaluation value. Undefined names raise
// NameError and unterminated strings raise SyntaxError.
package interptest

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/caffeineduck/pyhost/interp"
	"github.com/caffeineduck/pyhost/protocol"
	"github.com/caffeineduck/pyhost/vfs"
)

// builtinModules can be imported without installation.
var builtinModules = map[string]bool{"math": true, "json": true, "sys": true, "time": true}

// Language implements interp.Language for the scripted interpreter.
type Language struct {
	// StartErr, when set, makes Start fail.
	StartErr error

	mu       sync.Mutex
	starts   int
	installs []string
	last     interp.Config
}

// New returns a scripted language.
func New() *Language {
	return &Language{}
}

func (l *Language) Name() string { return "mini" }

func (l *Language) Start(ctx context.Context, cfg interp.Config) (interp.Interpreter, error) {
	l.mu.Lock()
	l.starts++
	l.last = cfg
	err := l.StartErr
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}

	return &Interpreter{
		lang:      l,
		fs:        vfs.New(vfs.Mount{VirtualPath: "/", HostPath: cfg.Root, Mode: vfs.MountReadWriteCreate}),
		globals:   make(map[string]any),
		installed: make(map[string]bool),
	}, nil
}

// Starts reports how many interpreters have been started.
func (l *Language) Starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

// LastConfig returns the config of the most recent Start.
func (l *Language) LastConfig() interp.Config {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}

// Installs returns every package name passed to Install, in order.
func (l *Language) Installs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.installs...)
}

func (l *Language) CapturePatch() string { return "__patch__()" }
func (l *Language) Serializer() string   { return "dill" }
func (l *Language) SnapshotCode() string { return "__snapshot__()" }

func (l *Language) RestoreCode(state string) string {
	return `__restore__("` + state + `")`
}

func (l *Language) Requirements(pkg string) []string {
	if pkg == "matplotlib" {
		return []string{"pillow"}
	}
	return nil
}

// opaque is a value with no plain-data conversion.
type opaque struct{}

// Interpreter is a scripted interp.Interpreter.
type Interpreter struct {
	lang   *Language
	fs     *vfs.FS
	closed atomic.Bool

	// globals is only touched from Eval, which callers serialize.
	globals map[string]any

	mu        sync.Mutex
	installed map[string]bool
	patched   bool
}

// Patched reports whether the capture patch has been applied.
func (it *Interpreter) Patched() bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.patched
}

func (it *Interpreter) FS() *vfs.FS { return it.fs }

func (it *Interpreter) Install(ctx context.Context, pkg string) error {
	if it.closed.Load() {
		return errors.New("interpreter closed")
	}
	it.lang.mu.Lock()
	it.lang.installs = append(it.lang.installs, pkg)
	it.lang.mu.Unlock()

	if strings.HasPrefix(pkg, "missing-") {
		return fmt.Errorf("no matching distribution found for %s", pkg)
	}
	it.mu.Lock()
	it.installed[pkg] = true
	it.mu.Unlock()
	return nil
}

func (it *Interpreter) Close() error {
	it.closed.Store(true)
	return nil
}

func (it *Interpreter) hasPackage(name string) bool {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.installed[name]
}

type evalState struct {
	ctx    context.Context
	stdout io.Writer
	stderr io.Writer
}

func (it *Interpreter) Eval(ctx context.Context, code string, stdout, stderr io.Writer) (*interp.Value, error) {
	if it.closed.Load() {
		return nil, errors.New("interpreter closed")
	}
	st := &evalState{ctx: ctx, stdout: stdout, stderr: stderr}

	stmts := statements(code)
	var last any
	var lastIsExpr bool
	for _, stmt := range stmts {
		v, isExpr, err := it.exec(st, stmt)
		if err != nil {
			return nil, err
		}
		last, lastIsExpr = v, isExpr
	}
	if !lastIsExpr || last == nil {
		return nil, nil
	}
	return toValue(last), nil
}

func statements(code string) []string {
	var out []string
	for _, line := range strings.Split(code, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if strings.HasPrefix(line, "for ") || strings.HasPrefix(line, "while ") {
			out = append(out, line)
			continue
		}
		for _, s := range splitTop(line, ';') {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

var (
	identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	callRe  = regexp.MustCompile(`^([A-Za-z_][A-Za-z0-9_]*)\((.*)\)$`)
	forRe   = regexp.MustCompile(`^for\s+([A-Za-z_]\w*)\s+in\s+range\((.+)\):\s*(.+)$`)
	raiseRe = regexp.MustCompile(`^raise\s+([A-Za-z_]\w*)(?:\((.*)\))?$`)
)

func syntaxError(msg string) error {
	return &interp.EvalError{Kind: "SyntaxError", Message: msg}
}

func (it *Interpreter) exec(st *evalState, stmt string) (any, bool, error) {
	switch {
	case stmt == "pass":
		return nil, false, nil

	case stmt == "while True: pass":
		<-st.ctx.Done()
		return nil, false, st.ctx.Err()

	case strings.HasPrefix(stmt, "import "):
		for _, name := range strings.Split(strings.TrimPrefix(stmt, "import "), ",") {
			name = strings.TrimSpace(name)
			if !builtinModules[name] && !it.hasPackage(name) {
				return nil, false, &interp.EvalError{Kind: "ModuleNotFoundError", Message: fmt.Sprintf("No module named '%s'", name)}
			}
		}
		return nil, false, nil

	case strings.HasPrefix(stmt, "raise "):
		m := raiseRe.FindStringSubmatch(stmt)
		if m == nil {
			return nil, false, syntaxError("invalid syntax")
		}
		msg := ""
		if m[2] != "" {
			v, err := it.eval(st, m[2])
			if err != nil {
				return nil, false, err
			}
			msg = str(v)
		}
		return nil, false, &interp.EvalError{Kind: m[1], Message: msg}

	case strings.HasPrefix(stmt, "for "):
		m := forRe.FindStringSubmatch(stmt)
		if m == nil {
			return nil, false, syntaxError("invalid syntax")
		}
		n, err := it.eval(st, m[2])
		if err != nil {
			return nil, false, err
		}
		count, ok := n.(int64)
		if !ok {
			return nil, false, &interp.EvalError{Kind: "TypeError", Message: "range() argument must be int"}
		}
		for i := int64(0); i < count; i++ {
			it.globals[m[1]] = i
			for _, body := range splitTop(m[3], ';') {
				if _, _, err := it.exec(st, strings.TrimSpace(body)); err != nil {
					return nil, false, err
				}
			}
		}
		return nil, false, nil
	}

	if name, expr, ok := assignment(stmt); ok {
		v, err := it.eval(st, expr)
		if err != nil {
			return nil, false, err
		}
		it.globals[name] = v
		return nil, false, nil
	}

	v, err := it.eval(st, stmt)
	return v, true, err
}

// assignment splits "name = expr" on the first bare '=' outside quotes.
func assignment(stmt string) (string, string, bool) {
	var quote byte
	for i := 0; i < len(stmt); i++ {
		c := stmt[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			return "", "", false
		case c == '=':
			if i+1 < len(stmt) && stmt[i+1] == '=' {
				return "", "", false
			}
			name := strings.TrimSpace(stmt[:i])
			if !identRe.MatchString(name) {
				return "", "", false
			}
			return name, strings.TrimSpace(stmt[i+1:]), true
		}
	}
	return "", "", false
}

func (it *Interpreter) eval(st *evalState, expr string) (any, error) {
	terms := splitTop(expr, '+')
	if len(terms) == 1 {
		return it.term(st, strings.TrimSpace(terms[0]))
	}

	var acc any
	for i, t := range terms {
		v, err := it.term(st, strings.TrimSpace(t))
		if err != nil {
			return nil, err
		}
		if i == 0 {
			acc = v
			continue
		}
		switch a := acc.(type) {
		case int64:
			b, ok := v.(int64)
			if !ok {
				return nil, &interp.EvalError{Kind: "TypeError", Message: "unsupported operand type(s) for +"}
			}
			acc = a + b
		case string:
			b, ok := v.(string)
			if !ok {
				return nil, &interp.EvalError{Kind: "TypeError", Message: "can only concatenate str to str"}
			}
			acc = a + b
		default:
			return nil, &interp.EvalError{Kind: "TypeError", Message: "unsupported operand type(s) for +"}
		}
	}
	return acc, nil
}

func (it *Interpreter) term(st *evalState, t string) (any, error) {
	if t == "" {
		return nil, syntaxError("invalid syntax")
	}
	if q := t[0]; q == '"' || q == '\'' {
		if len(t) < 2 || t[len(t)-1] != q {
			return nil, syntaxError("unterminated string literal")
		}
		return t[1 : len(t)-1], nil
	}
	switch t {
	case "None":
		return nil, nil
	case "True":
		return true, nil
	case "False":
		return false, nil
	}
	if n, err := strconv.ParseInt(t, 10, 64); err == nil {
		return n, nil
	}
	if m := callRe.FindStringSubmatch(t); m != nil {
		var args []any
		if strings.TrimSpace(m[2]) != "" {
			for _, a := range splitTop(m[2], ',') {
				v, err := it.eval(st, strings.TrimSpace(a))
				if err != nil {
					return nil, err
				}
				args = append(args, v)
			}
		}
		return it.call(st, m[1], args)
	}
	if identRe.MatchString(t) {
		v, ok := it.globals[t]
		if !ok {
			return nil, &interp.EvalError{Kind: "NameError", Message: fmt.Sprintf("name '%s' is not defined", t)}
		}
		return v, nil
	}
	return nil, syntaxError("invalid syntax")
}

func (it *Interpreter) call(st *evalState, name string, args []any) (any, error) {
	switch name {
	case "print", "eprint":
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = str(a)
		}
		w := st.stdout
		if name == "eprint" {
			w = st.stderr
		}
		io.WriteString(w, strings.Join(parts, " ")+"\n")
		return nil, nil

	case "write":
		io.WriteString(st.stdout, str(arg(args, 0)))
		return nil, nil

	case "sleep":
		ms, _ := arg(args, 0).(int64)
		select {
		case <-st.ctx.Done():
			return nil, st.ctx.Err()
		case <-time.After(time.Duration(ms) * time.Millisecond):
		}
		return nil, nil

	case "object":
		return opaque{}, nil

	case "artifact":
		io.WriteString(st.stdout, fmt.Sprintf("%s%s:%s:%s\n", protocol.ArtifactMarker, str(arg(args, 0)), str(arg(args, 1)), str(arg(args, 2))))
		return nil, nil

	case "write_file":
		p := str(arg(args, 0))
		if err := it.fs.MkdirAll(path.Dir(vfs.Clean(p))); err != nil {
			return nil, &interp.EvalError{Kind: "OSError", Message: err.Error()}
		}
		if err := it.fs.WriteFile(p, str(arg(args, 1))); err != nil {
			return nil, &interp.EvalError{Kind: "OSError", Message: err.Error()}
		}
		return nil, nil

	case "read_file":
		content, err := it.fs.ReadFile(str(arg(args, 0)))
		if err != nil {
			return nil, &interp.EvalError{Kind: "FileNotFoundError", Message: err.Error()}
		}
		return content, nil

	case "__patch__":
		if !it.hasPackage("matplotlib") {
			return nil, &interp.EvalError{Kind: "ModuleNotFoundError", Message: "No module named 'matplotlib'"}
		}
		it.mu.Lock()
		it.patched = true
		it.mu.Unlock()
		return nil, nil

	case "__snapshot__":
		if !it.hasPackage("dill") {
			return nil, &interp.EvalError{Kind: "ModuleNotFoundError", Message: "No module named 'dill'"}
		}
		return it.snapshot()

	case "__restore__":
		if !it.hasPackage("dill") {
			return nil, &interp.EvalError{Kind: "ModuleNotFoundError", Message: "No module named 'dill'"}
		}
		return nil, it.restore(str(arg(args, 0)))
	}
	if _, ok := it.globals[name]; ok {
		return nil, &interp.EvalError{Kind: "TypeError", Message: fmt.Sprintf("'%s' object is not callable", name)}
	}
	return nil, &interp.EvalError{Kind: "NameError", Message: fmt.Sprintf("name '%s' is not defined", name)}
}

// snapshotResult mirrors the document SnapshotCode evaluates to.
type snapshotResult struct {
	State   string   `json:"state"`
	Dropped []string `json:"dropped"`
}

func (it *Interpreter) snapshot() (any, error) {
	keep := make(map[string]any)
	dropped := []string{}
	for k, v := range it.globals {
		if strings.HasPrefix(k, "_") {
			continue
		}
		if _, ok := v.(opaque); ok {
			dropped = append(dropped, k)
			continue
		}
		keep[k] = v
	}
	sort.Strings(dropped)

	data, err := json.Marshal(keep)
	if err != nil {
		return nil, &interp.EvalError{Kind: "PicklingError", Message: err.Error()}
	}
	return snapshotResult{State: base64.StdEncoding.EncodeToString(data), Dropped: dropped}, nil
}

func (it *Interpreter) restore(state string) error {
	data, err := base64.StdEncoding.DecodeString(state)
	if err != nil {
		return &interp.EvalError{Kind: "ValueError", Message: "invalid snapshot state"}
	}
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var vals map[string]any
	if err := dec.Decode(&vals); err != nil {
		return &interp.EvalError{Kind: "UnpicklingError", Message: err.Error()}
	}
	for k, v := range vals {
		if n, ok := v.(json.Number); ok {
			if i, err := n.Int64(); err == nil {
				v = i
			}
		}
		it.globals[k] = v
	}
	return nil
}

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

func str(v any) string {
	switch x := v.(type) {
	case nil:
		return "None"
	case string:
		return x
	case bool:
		if x {
			return "True"
		}
		return "False"
	case int64:
		return strconv.FormatInt(x, 10)
	case opaque:
		return "<object object>"
	default:
		return fmt.Sprint(x)
	}
}

func repr(v any) string {
	if s, ok := v.(string); ok {
		return "'" + s + "'"
	}
	if r, ok := v.(snapshotResult); ok {
		data, _ := json.Marshal(r)
		return string(data)
	}
	return str(v)
}

func toValue(v any) *interp.Value {
	val := &interp.Value{Repr: repr(v)}
	switch v.(type) {
	case opaque:
	default:
		if data, err := json.Marshal(v); err == nil {
			val.JSON = data
		}
	}
	return val
}

// splitTop splits s on sep, ignoring separators inside quotes or parentheses.
func splitTop(s string, sep byte) []string {
	var parts []string
	var quote byte
	depth, start := 0, 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
		case c == '(':
			depth++
		case c == ')':
			depth--
		case c == sep && depth == 0:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}
