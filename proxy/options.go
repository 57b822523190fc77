package proxy

import (
	"time"

	"github.com/caffeineduck/pyhost/internal/metrics"
	"go.uber.org/zap"
)

// DefaultInitTimeout bounds isolate start-up, including preload installs.
const DefaultInitTimeout = 2 * time.Minute

// DefaultDestroyGrace bounds the destroy request sent before teardown.
const DefaultDestroyGrace = 2 * time.Second

// Option configures a Proxy.
type Option func(*config)

type config struct {
	preload     []string
	log         *zap.Logger
	metrics     *metrics.Collector
	initTimeout time.Duration
	grace       time.Duration
}

func defaultConfig() config {
	return config{
		log:         zap.NewNop(),
		initTimeout: DefaultInitTimeout,
		grace:       DefaultDestroyGrace,
	}
}

// WithPreload installs pkgs in every isolate the proxy creates, including
// replacements after a timeout or crash.
func WithPreload(pkgs ...string) Option {
	return func(c *config) {
		c.preload = append(c.preload, pkgs...)
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *config) {
		if log != nil {
			c.log = log
		}
	}
}

func WithMetrics(m *metrics.Collector) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithInitTimeout bounds how long isolate creation may take.
func WithInitTimeout(d time.Duration) Option {
	return func(c *config) {
		c.initTimeout = d
	}
}

// WithDestroyGrace bounds how long Destroy waits for the isolate to answer
// its destroy request, including time spent behind calls still running.
func WithDestroyGrace(d time.Duration) Option {
	return func(c *config) {
		c.grace = d
	}
}

// RunOption configures a single Run call.
type RunOption func(*runConfig)

type runConfig struct {
	timeout  time.Duration
	onOutput func(string)
}

// WithTimeout bounds execution. When it elapses the isolate is destroyed and
// replaced before Run returns.
func WithTimeout(d time.Duration) RunOption {
	return func(c *runConfig) {
		c.timeout = d
	}
}

// WithOutput streams stdout fragments to fn while the code runs. fn is called
// from the proxy's read loop and must not block.
func WithOutput(fn func(string)) RunOption {
	return func(c *runConfig) {
		c.onOutput = fn
	}
}
