// Package config loads pyhost.yaml. Every value has a default, and CLI flags
// override whatever the file sets.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caffeineduck/pyhost/isolate"
)

// Config is the root of pyhost.yaml.
type Config struct {
	LogLevel string        `yaml:"log_level"`
	Isolate  IsolateConfig `yaml:"isolate"`
	Storage  StorageConfig `yaml:"storage"`
	Server   ServerConfig  `yaml:"server"`
}

// Transports.
const (
	TransportInProcess  = "inprocess"
	TransportSubprocess = "subprocess"
)

type IsolateConfig struct {
	// Transport is inprocess or subprocess.
	Transport string `yaml:"transport"`
	// Wasm is the CPython WASI module.
	Wasm       string `yaml:"wasm"`
	PackageDir string `yaml:"package_dir"`
	CacheDir   string `yaml:"cache_dir"`
	Root       string `yaml:"root"`
	// Namespace scopes the CLI's persisted files and installs. The HTTP
	// server gives each session its own namespace instead.
	Namespace string            `yaml:"namespace"`
	Preload   []string          `yaml:"preload"`
	Env       map[string]string `yaml:"env"`
	// MemoryLimitMB caps interpreter memory; 0 means the runtime default.
	MemoryLimitMB int      `yaml:"memory_limit_mb"`
	RunTimeout    Duration `yaml:"run_timeout"`
	InitTimeout   Duration `yaml:"init_timeout"`
}

// StorageConfig ranks and configures persistence backends.
type StorageConfig struct {
	// Order lists backend names in preference order. Backends that are not
	// configured (no bucket, no URL) are skipped.
	Order   []string      `yaml:"order"`
	FS      FSConfig      `yaml:"fs"`
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	Redis   RedisConfig   `yaml:"redis"`
	S3      S3Config      `yaml:"s3"`
	Breaker BreakerConfig `yaml:"breaker"`
}

type FSConfig struct {
	Dir string `yaml:"dir"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type RedisConfig struct {
	URL     string   `yaml:"url"`
	Hash    string   `yaml:"hash"`
	Timeout Duration `yaml:"timeout"`
}

type S3Config struct {
	Bucket    string `yaml:"bucket"`
	Prefix    string `yaml:"prefix"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	PathStyle bool   `yaml:"path_style"`
}

// BreakerConfig guards the remote backends (redis, s3).
type BreakerConfig struct {
	Failures    uint32   `yaml:"failures"`
	OpenTimeout Duration `yaml:"open_timeout"`
}

type ServerConfig struct {
	Addr        string   `yaml:"addr"`
	SessionTTL  Duration `yaml:"session_ttl"`
	MaxSessions int      `yaml:"max_sessions"`
}

// Duration wraps time.Duration for YAML string parsing (e.g. "10s", "5m").
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses a duration string like "10s" or "5m30s".
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// MarshalYAML writes the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	data := DataDir()
	return &Config{
		LogLevel: "info",
		Isolate: IsolateConfig{
			Transport:   TransportInProcess,
			Wasm:        filepath.Join(data, "python.wasm"),
			PackageDir:  filepath.Join(data, "packages"),
			CacheDir:    CacheDir(),
			Root:        isolate.DefaultRoot,
			Namespace:   "default",
			RunTimeout:  Duration{30 * time.Second},
			InitTimeout: Duration{2 * time.Minute},
		},
		Storage: StorageConfig{
			Order:  []string{"fs", "s3", "redis", "sqlite", "memory"},
			FS:     FSConfig{Dir: filepath.Join(data, "files")},
			SQLite: SQLiteConfig{Path: filepath.Join(data, "files.db")},
			Redis:  RedisConfig{Hash: "pyhost:files", Timeout: Duration{2 * time.Second}},
			Breaker: BreakerConfig{
				Failures:    5,
				OpenTimeout: Duration{30 * time.Second},
			},
		},
		Server: ServerConfig{
			Addr:        ":8080",
			SessionTTL:  Duration{30 * time.Minute},
			MaxSessions: 64,
		},
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Isolate.Transport {
	case TransportInProcess, TransportSubprocess:
	default:
		return fmt.Errorf("isolate.transport: unknown transport %q", c.Isolate.Transport)
	}
	if c.Isolate.MemoryLimitMB < 0 {
		return fmt.Errorf("isolate.memory_limit_mb: must not be negative")
	}
	if len(c.Storage.Order) == 0 {
		return fmt.Errorf("storage.order: at least one backend is required")
	}
	for _, name := range c.Storage.Order {
		if !knownBackends[name] {
			return fmt.Errorf("storage.order: unknown backend %q", name)
		}
	}
	if c.Server.MaxSessions < 0 {
		return fmt.Errorf("server.max_sessions: must not be negative")
	}
	return nil
}

// DataDir is $XDG_DATA_HOME/pyhost or ~/.local/share/pyhost.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "pyhost")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "pyhost")
	}
	return filepath.Join(os.TempDir(), "pyhost-data")
}

// CacheDir is $XDG_CACHE_HOME/pyhost or ~/.cache/pyhost.
func CacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "pyhost")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "pyhost")
	}
	return filepath.Join(os.TempDir(), "pyhost-cache")
}
