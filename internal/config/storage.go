package config

import (
	"context"

	"github.com/caffeineduck/pyhost/storage"
)

var knownBackends = map[string]bool{
	"fs":     true,
	"s3":     true,
	"redis":  true,
	"sqlite": true,
	"memory": true,
}

// Candidates returns the configured backends in preference order. Remote
// backends are wrapped in a circuit breaker; ones without a bucket or URL
// are left out. The memory backend is created here, once, so every isolate
// built from the returned list shares it.
func (s StorageConfig) Candidates() []storage.Candidate {
	breaker := storage.BreakerConfig{
		ConsecutiveFailures: s.Breaker.Failures,
		OpenTimeout:         s.Breaker.OpenTimeout.Duration,
	}

	var out []storage.Candidate
	for _, name := range s.Order {
		switch name {
		case "fs":
			dir := s.FS.Dir
			out = append(out, storage.Candidate{Name: name, Open: func(context.Context) (storage.Backend, error) {
				return storage.NewFS(dir)
			}})
		case "sqlite":
			path := s.SQLite.Path
			out = append(out, storage.Candidate{Name: name, Open: func(ctx context.Context) (storage.Backend, error) {
				return storage.NewSQLite(ctx, path)
			}})
		case "redis":
			if s.Redis.URL == "" {
				continue
			}
			cfg := storage.RedisConfig{URL: s.Redis.URL, Hash: s.Redis.Hash, Timeout: s.Redis.Timeout.Duration}
			out = append(out, storage.Candidate{Name: name, Open: func(ctx context.Context) (storage.Backend, error) {
				b, err := storage.NewRedis(ctx, cfg)
				if err != nil {
					return nil, err
				}
				return storage.WithBreaker(b, breaker), nil
			}})
		case "s3":
			if s.S3.Bucket == "" {
				continue
			}
			cfg := storage.S3Config{
				Bucket:       s.S3.Bucket,
				Prefix:       s.S3.Prefix,
				Region:       s.S3.Region,
				Endpoint:     s.S3.Endpoint,
				UsePathStyle: s.S3.PathStyle,
			}
			out = append(out, storage.Candidate{Name: name, Open: func(ctx context.Context) (storage.Backend, error) {
				b, err := storage.NewS3(ctx, cfg)
				if err != nil {
					return nil, err
				}
				return storage.WithBreaker(b, breaker), nil
			}})
		case "memory":
			out = append(out, storage.Shared(name, storage.NewMemory()))
		}
	}
	return out
}
