package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// DefaultRedisHash is the hash that holds every persisted file.
const DefaultRedisHash = "pyhost:files"

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	// URL in the form redis://[:password@]host:port[/db].
	URL string
	// Hash is the Redis hash holding the files (default pyhost:files).
	Hash string
	// Timeout bounds every command (default 5s).
	Timeout time.Duration
}

// Redis is a flat backend storing files as fields of one Redis hash.
type Redis struct {
	client  *goredis.Client
	hash    string
	timeout time.Duration
}

// NewRedis connects to the server named by cfg.URL and pings it.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.URL == "" {
		return nil, wrapError("redis", "init", "", errors.New("redis backend requires a URL"))
	}
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, wrapError("redis", "init", "", fmt.Errorf("invalid URL: %w", err))
	}
	if cfg.Hash == "" {
		cfg.Hash = DefaultRedisHash
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	r := &Redis{client: goredis.NewClient(opts), hash: cfg.Hash, timeout: cfg.Timeout}

	pingCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.client.Ping(pingCtx).Err(); err != nil {
		r.client.Close()
		return nil, wrapError("redis", "init", "", err)
	}
	return r, nil
}

func (r *Redis) Name() string   { return "redis" }
func (r *Redis) Layout() Layout { return LayoutFlat }

func (r *Redis) Write(ctx context.Context, key, content string) error {
	k, err := CleanKey(key)
	if err != nil {
		return wrapError(r.Name(), "write", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return wrapError(r.Name(), "write", k, r.client.HSet(ctx, r.hash, k, content).Err())
}

func (r *Redis) Read(ctx context.Context, key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", wrapError(r.Name(), "read", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	val, err := r.client.HGet(ctx, r.hash, k).Result()
	if errors.Is(err, goredis.Nil) {
		return "", notFound(r.Name(), "read", k)
	}
	if err != nil {
		return "", wrapError(r.Name(), "read", k, err)
	}
	return val, nil
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	k, err := CleanKey(key)
	if err != nil {
		return wrapError(r.Name(), "delete", key, err)
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return wrapError(r.Name(), "delete", k, r.client.HDel(ctx, r.hash, k).Err())
}

func (r *Redis) List(ctx context.Context, prefix string) ([]string, error) {
	p := cleanPrefix(prefix)
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	all, err := r.client.HKeys(ctx, r.hash).Result()
	if err != nil {
		return nil, wrapError(r.Name(), "list", p, err)
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, p) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
