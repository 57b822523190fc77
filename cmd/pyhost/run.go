package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caffeineduck/pyhost/proxy"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run [file]",
	Short: "Run Python code in a fresh isolate",
	Long: `Execute Python code in a fresh isolate and print its output.

Code can be provided via:
  - File argument: pyhost run script.py
  - Inline flag: pyhost run -c 'print(1+1)'
  - Stdin: echo 'print(1+1)' | pyhost run

Files written under /sandbox persist to the configured storage backend and
are restored into the next isolate.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringP("code", "c", "", "Code to execute")
	runCmd.Flags().Duration("timeout", 0, "Execution timeout (default from config)")
	runCmd.Flags().Bool("stream", false, "Print output as it is produced")
	runCmd.Flags().Bool("json", false, "Print the full result as JSON")
	runCmd.Flags().StringSlice("install", nil, "Install package before running (repeatable)")
	rootCmd.AddCommand(runCmd)
}

var errRunFailed = errors.New("run failed")

func readSource(cmd *cobra.Command, args []string) (string, error) {
	code, _ := cmd.Flags().GetString("code")
	switch {
	case code != "":
		return code, nil
	case len(args) > 0:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", err
		}
		return string(data), nil
	default:
		stat, _ := os.Stdin.Stat()
		if stat != nil && stat.Mode()&os.ModeCharDevice != 0 {
			return "", nil
		}
		data, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	source, err := readSource(cmd, args)
	if err != nil {
		return err
	}
	if source == "" {
		return cmd.Help()
	}

	h, err := newHost(cmd, cmd.ErrOrStderr(), nil)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx := context.Background()
	p, err := h.newProxy(ctx, h.cfg.Isolate.Namespace)
	if err != nil {
		return err
	}
	defer p.Destroy(ctx)

	if pkgs, _ := cmd.Flags().GetStringSlice("install"); len(pkgs) > 0 {
		res, err := p.Install(ctx, pkgs...)
		if err != nil {
			return err
		}
		if !res.Success {
			return fmt.Errorf("install: %s", res.Error)
		}
	}

	timeout, _ := cmd.Flags().GetDuration("timeout")
	if timeout == 0 {
		timeout = h.cfg.Isolate.RunTimeout.Duration
	}
	stream, _ := cmd.Flags().GetBool("stream")
	asJSON, _ := cmd.Flags().GetBool("json")

	out := cmd.OutOrStdout()
	opts := []proxy.RunOption{proxy.WithTimeout(timeout)}
	if stream && !asJSON {
		opts = append(opts, proxy.WithOutput(func(text string) { fmt.Fprint(out, text) }))
	}

	res := p.Run(ctx, source, opts...)
	return printResult(cmd, res, stream && !asJSON, asJSON)
}

func printResult(cmd *cobra.Command, res proxy.RunResult, streamed, asJSON bool) error {
	out, errOut := cmd.OutOrStdout(), cmd.ErrOrStderr()
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	} else {
		if !streamed && res.Stdout != "" {
			fmt.Fprintln(out, res.Stdout)
		}
		if res.Stderr != "" {
			fmt.Fprintln(errOut, res.Stderr)
		}
		for _, a := range res.Artifacts {
			fmt.Fprintf(errOut, "[artifact %s %q, %d bytes base64]\n", a.Type, a.Alt, len(a.Content))
		}
	}
	if !res.Success {
		if !asJSON {
			fmt.Fprintf(errOut, "Error: %s (after %v)\n", res.Error, res.Duration.Round(time.Millisecond))
		}
		return errRunFailed
	}
	return nil
}
