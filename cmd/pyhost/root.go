package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/caffeineduck/pyhost/internal/config"
	"github.com/caffeineduck/pyhost/internal/logging"
	"github.com/caffeineduck/pyhost/internal/metrics"
	"github.com/caffeineduck/pyhost/isolate"
	"github.com/caffeineduck/pyhost/language/python"
	"github.com/caffeineduck/pyhost/proxy"
	"github.com/caffeineduck/pyhost/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:   "pyhost",
	Short: "Sandboxed Python execution host",
	Long: `pyhost - Run untrusted Python in CPython compiled to WebAssembly.

Each session is an isolate with its own interpreter, a virtual filesystem
whose /sandbox directory is persisted to durable storage, and host-side
package installation. A run that exceeds its timeout destroys the isolate
and a fresh one takes its place.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	addGlobalFlags(rootCmd)
}

func addGlobalFlags(cmd *cobra.Command) {
	flags := cmd.PersistentFlags()
	flags.String("config", "", "Config file (YAML)")
	flags.String("log-level", "", "Log level: debug, info, warn, error, off")
	flags.String("transport", "", "Isolate transport: inprocess, subprocess")
	flags.String("wasm", "", "Path to the CPython WASI module")
	flags.String("packages", "", "Path to packages directory")
	flags.StringSlice("preload", nil, "Package to install in every isolate (repeatable)")
	flags.String("namespace", "", "Storage and package namespace for this isolate")
}

// loadConfig reads --config (or the defaults) and applies flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.LoadOrDefault(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("transport") {
		cfg.Isolate.Transport, _ = flags.GetString("transport")
	}
	if flags.Changed("wasm") {
		cfg.Isolate.Wasm, _ = flags.GetString("wasm")
	}
	if flags.Changed("packages") {
		cfg.Isolate.PackageDir, _ = flags.GetString("packages")
	}
	if flags.Changed("namespace") {
		cfg.Isolate.Namespace, _ = flags.GetString("namespace")
	}
	if flags.Changed("preload") {
		cfg.Isolate.Preload, _ = flags.GetStringSlice("preload")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// host holds what every command that runs code needs.
type host struct {
	cfgPath string
	cfg     *config.Config
	log     *zap.Logger
	lang    *python.Python
	metrics *metrics.Collector
	// storage is built once so in-process backends are shared by every
	// isolate this host spawns.
	storage []storage.Candidate
}

// newHost builds the logger and language from the command's config. Logs
// go to logOut so they never mix with program output.
func newHost(cmd *cobra.Command, logOut io.Writer, reg prometheus.Registerer) (*host, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, logOut)
	if err != nil {
		return nil, err
	}
	cfgPath, _ := cmd.Flags().GetString("config")

	lang := python.New(
		python.WithModulePath(cfg.Isolate.Wasm),
		python.WithCacheDir(cfg.Isolate.CacheDir),
		python.WithMemoryLimitMB(cfg.Isolate.MemoryLimitMB),
		python.WithLogger(log.Named("python")),
	)
	return &host{
		cfgPath: cfgPath,
		cfg:     cfg,
		log:     log,
		lang:    lang,
		metrics: metrics.New(reg),
		storage: cfg.Storage.Candidates(),
	}, nil
}

func (h *host) isolateConfig(namespace string) isolate.Config {
	return isolate.Config{
		Language:   h.lang,
		Storage:    h.storage,
		Root:       h.cfg.Isolate.Root,
		Namespace:  namespace,
		PackageDir: h.cfg.Isolate.PackageDir,
		Env:        h.cfg.Isolate.Env,
		Logger:     h.log.Named("isolate"),
	}
}

// spawner returns the transport the config selects. Subprocess children
// re-read the same config and receive the effective overrides as flags.
func (h *host) spawner(namespace string) proxy.Spawner {
	if h.cfg.Isolate.Transport != config.TransportSubprocess {
		return isolate.NewInProcess(h.isolateConfig(namespace))
	}
	args := []string{"isolate",
		"--log-level", h.cfg.LogLevel,
		"--wasm", h.cfg.Isolate.Wasm,
		"--packages", h.cfg.Isolate.PackageDir,
		"--namespace", namespace,
	}
	if h.cfgPath != "" {
		args = append(args, "--config", h.cfgPath)
	}
	return &proxy.Subprocess{Args: args}
}

// newProxy starts an isolate whose files and installs live under namespace.
func (h *host) newProxy(ctx context.Context, namespace string) (*proxy.Proxy, error) {
	return proxy.New(ctx, h.spawner(namespace),
		proxy.WithPreload(h.cfg.Isolate.Preload...),
		proxy.WithLogger(h.log.Named("proxy")),
		proxy.WithMetrics(h.metrics),
		proxy.WithInitTimeout(h.cfg.Isolate.InitTimeout.Duration),
	)
}

func (h *host) Close() {
	if err := h.lang.Close(); err != nil {
		h.log.Warn("closing python runtime", zap.Error(err))
	}
	h.log.Sync()
}
