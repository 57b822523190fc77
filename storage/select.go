package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"
)

// checkKey is written, read back and removed to prove a backend works.
const checkKey = ".pyhost-check"

// Candidate is one entry of the ranked backend list. Open returns an error
// when the backend is unavailable in this environment.
type Candidate struct {
	Name string
	Open func(ctx context.Context) (Backend, error)
}

// Select opens candidates in order and returns the first backend that passes
// a write/read/delete round trip. Rejected backends are closed. The choice and
// every rejection are logged.
func Select(ctx context.Context, candidates []Candidate, log *zap.Logger) (Backend, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(candidates) == 0 {
		return nil, errors.New("no storage candidates configured")
	}

	var errs []error
	for i, c := range candidates {
		b, err := c.Open(ctx)
		if err == nil {
			err = Check(ctx, b)
			if err != nil {
				b.Close()
			}
		}
		if err != nil {
			log.Warn("storage backend unavailable",
				zap.String("backend", c.Name),
				zap.Int("rank", i),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("%s: %w", c.Name, err))
			continue
		}

		log.Info("storage backend selected",
			zap.String("backend", b.Name()),
			zap.String("layout", string(b.Layout())),
			zap.Int("rank", i),
		)
		return b, nil
	}
	return nil, fmt.Errorf("no storage backend available: %w", errors.Join(errs...))
}

// Check verifies that b can store, return and forget a value.
func Check(ctx context.Context, b Backend) error {
	want := strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := b.Write(ctx, checkKey, want); err != nil {
		return err
	}
	got, err := b.Read(ctx, checkKey)
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("check read back %q, wrote %q", got, want)
	}
	return b.Delete(ctx, checkKey)
}

// IsInternalKey reports whether key is reserved by the storage layer and must
// not be restored into a filesystem.
func IsInternalKey(key string) bool {
	return key == checkKey
}
