package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caffeineduck/pyhost/proxy"
	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
)

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Interactive REPL with persistent state",
	Long: `Start an interactive Python session in one isolate.

Features:
  - Command history (up/down arrows)
  - Line editing (left/right, backspace, delete)
  - History search (Ctrl+R)
  - Multi-line input (end line with \)

Meta commands:
  :install pkg...   install packages into the session
  :files [dir]      list files under /sandbox (or dir)
  :reset            replace the isolate, keeping persisted files

Type 'exit' or 'quit' to end the session, or press Ctrl+D.`,
	Args: cobra.NoArgs,
	RunE: runRepl,
}

func init() {
	replCmd.Flags().String("history", "", "History file path (default: ~/.pyhost_history)")
	rootCmd.AddCommand(replCmd)
}

func runRepl(cmd *cobra.Command, args []string) error {
	historyFile, _ := cmd.Flags().GetString("history")
	if historyFile == "" {
		home, _ := os.UserHomeDir()
		historyFile = filepath.Join(home, ".pyhost_history")
	}

	h, err := newHost(cmd, cmd.ErrOrStderr(), nil)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx := context.Background()
	p, err := h.newProxy(ctx, h.cfg.Isolate.Namespace)
	if err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	defer p.Destroy(ctx)

	rl, err := readline.NewEx(&readline.Config{
		Prompt:            ">>> ",
		HistoryFile:       historyFile,
		HistoryLimit:      1000,
		InterruptPrompt:   "^C",
		EOFPrompt:         "exit",
		HistorySearchFold: true,
	})
	if err != nil {
		return fmt.Errorf("initializing readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintf(os.Stderr, "pyhost REPL, storage %s (type 'exit' to quit, Ctrl+D to exit)\n", p.Backend())

	repl := &replSession{proxy: p, timeout: h.cfg.Isolate.RunTimeout.Duration, out: rl.Stdout(), errOut: rl.Stderr()}

	var multiLine strings.Builder
	inMultiLine := false

	for {
		line, err := rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				if inMultiLine {
					multiLine.Reset()
					inMultiLine = false
					rl.SetPrompt(">>> ")
				}
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		if strings.HasSuffix(line, "\\") {
			multiLine.WriteString(strings.TrimSuffix(line, "\\"))
			multiLine.WriteString("\n")
			inMultiLine = true
			rl.SetPrompt("... ")
			continue
		}
		if inMultiLine {
			multiLine.WriteString(line)
			line = multiLine.String()
			multiLine.Reset()
			inMultiLine = false
			rl.SetPrompt(">>> ")
		}

		if strings.TrimSpace(line) == "" {
			continue
		}
		if done := repl.handle(ctx, line); done {
			return nil
		}
	}
}

// replSession evaluates one line of REPL input against a proxy.
type replSession struct {
	proxy   *proxy.Proxy
	timeout time.Duration
	out     io.Writer
	errOut  io.Writer
}

// handle runs a meta command or code. It reports whether the REPL should
// exit.
func (r *replSession) handle(ctx context.Context, line string) bool {
	trimmed := strings.TrimSpace(line)
	switch trimmed {
	case "exit", "quit":
		return true
	case ":reset":
		if err := r.proxy.Reset(ctx); err != nil {
			fmt.Fprintf(r.errOut, "Error: %v\n", err)
		} else {
			fmt.Fprintln(r.errOut, "isolate replaced")
		}
		return false
	}

	if rest, ok := strings.CutPrefix(trimmed, ":install"); ok {
		res, err := r.proxy.Install(ctx, strings.Fields(rest)...)
		switch {
		case err != nil:
			fmt.Fprintf(r.errOut, "Error: %v\n", err)
		case !res.Success:
			fmt.Fprintf(r.errOut, "Error: %s\n", res.Error)
		default:
			fmt.Fprintf(r.errOut, "installed: %s\n", strings.Join(res.Packages, ", "))
		}
		return false
	}
	if rest, ok := strings.CutPrefix(trimmed, ":files"); ok {
		files, err := r.proxy.ListFiles(ctx, strings.TrimSpace(rest))
		if err != nil {
			fmt.Fprintf(r.errOut, "Error: %v\n", err)
			return false
		}
		for _, f := range files {
			fmt.Fprintln(r.out, f)
		}
		return false
	}

	res := r.proxy.Run(ctx, line, proxy.WithTimeout(r.timeout))
	if res.Stdout != "" {
		fmt.Fprintln(r.out, res.Stdout)
	}
	if res.Stderr != "" {
		fmt.Fprintln(r.errOut, res.Stderr)
	}
	if !res.Success {
		fmt.Fprintf(r.errOut, "Error: %s\n", res.Error)
	}
	return false
}
