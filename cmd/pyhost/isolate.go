package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/caffeineduck/pyhost/isolate"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var isolateCmd = &cobra.Command{
	Use:    "isolate",
	Short:  "Serve one isolate over stdin/stdout (used by the subprocess transport)",
	Hidden: true,
	Args:   cobra.NoArgs,
	RunE:   runIsolate,
}

func init() {
	rootCmd.AddCommand(isolateCmd)
}

// runIsolate serves frames on stdin/stdout. Stdout carries the protocol, so
// logs go to stderr.
func runIsolate(cmd *cobra.Command, args []string) error {
	h, err := newHost(cmd, os.Stderr, nil)
	if err != nil {
		return err
	}
	defer h.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h.log.Debug("isolate process started", zap.Int("pid", os.Getpid()))
	ctrl := isolate.NewController(h.isolateConfig(h.cfg.Isolate.Namespace))
	return ctrl.Serve(ctx, stdio{})
}

type stdio struct{}

func (stdio) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdio) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
