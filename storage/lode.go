package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/justapithecus/lode/lode"
	lodes3 "github.com/justapithecus/lode/lode/s3"
)

// Lode adapts a lode.Store to Backend. The filesystem store keeps the key
// hierarchy as directories; the S3 store keeps keys as flat object names.
type Lode struct {
	name   string
	layout Layout
	store  lode.Store
}

// NewLode wraps an already constructed store.
func NewLode(name string, layout Layout, store lode.Store) *Lode {
	return &Lode{name: name, layout: layout, store: store}
}

// NewFS returns a tree backend rooted at dir, creating it if needed.
func NewFS(dir string) (*Lode, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapError("fs", "init", dir, err)
	}
	store, err := lode.NewFSFactory(dir)()
	if err != nil {
		return nil, wrapError("fs", "init", dir, err)
	}
	return NewLode("fs", LayoutTree, store), nil
}

// S3Config configures the S3 backend.
type S3Config struct {
	Bucket       string
	Prefix       string
	Region       string
	Endpoint     string
	UsePathStyle bool
}

// NewS3 returns a flat backend storing one object per key.
func NewS3(ctx context.Context, cfg S3Config) (*Lode, error) {
	if cfg.Bucket == "" {
		return nil, wrapError("s3", "init", "", errors.New("bucket required"))
	}

	var opts []func(*config.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	awsConfig, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, wrapError("s3", "init", cfg.Bucket, fmt.Errorf("load AWS config: %w", err))
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	store, err := lodes3.New(client, lodes3.Config{
		Bucket: cfg.Bucket,
		Prefix: cfg.Prefix,
	})
	if err != nil {
		return nil, wrapError("s3", "init", cfg.Bucket, err)
	}
	return NewLode("s3", LayoutFlat, store), nil
}

func (l *Lode) Name() string   { return l.name }
func (l *Lode) Layout() Layout { return l.layout }

// Write replaces the content at key. Lode stores are write-once per path, so
// an existing object is removed first.
func (l *Lode) Write(ctx context.Context, key, content string) error {
	k, err := CleanKey(key)
	if err != nil {
		return wrapError(l.name, "write", key, err)
	}
	exists, err := l.store.Exists(ctx, k)
	if err != nil {
		return wrapError(l.name, "write", k, err)
	}
	if exists {
		if err := l.store.Delete(ctx, k); err != nil {
			return wrapError(l.name, "write", k, err)
		}
	}
	if err := l.store.Put(ctx, k, bytes.NewReader([]byte(content))); err != nil {
		return wrapError(l.name, "write", k, err)
	}
	return nil
}

func (l *Lode) Read(ctx context.Context, key string) (string, error) {
	k, err := CleanKey(key)
	if err != nil {
		return "", wrapError(l.name, "read", key, err)
	}
	exists, err := l.store.Exists(ctx, k)
	if err != nil {
		return "", wrapError(l.name, "read", k, err)
	}
	if !exists {
		return "", notFound(l.name, "read", k)
	}

	rc, err := l.store.Get(ctx, k)
	if err != nil {
		return "", wrapError(l.name, "read", k, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", wrapError(l.name, "read", k, err)
	}
	return string(data), nil
}

func (l *Lode) Delete(ctx context.Context, key string) error {
	k, err := CleanKey(key)
	if err != nil {
		return wrapError(l.name, "delete", key, err)
	}
	exists, err := l.store.Exists(ctx, k)
	if err != nil {
		return wrapError(l.name, "delete", k, err)
	}
	if !exists {
		return nil
	}
	return wrapError(l.name, "delete", k, l.store.Delete(ctx, k))
}

func (l *Lode) List(ctx context.Context, prefix string) ([]string, error) {
	keys, err := l.store.List(ctx, cleanPrefix(prefix))
	if err != nil {
		wrapped := wrapError(l.name, "list", prefix, err)
		if errors.Is(wrapped, ErrNotFound) {
			return []string{}, nil
		}
		return nil, wrapped
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *Lode) Close() error { return nil }
