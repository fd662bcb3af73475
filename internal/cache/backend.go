// Package cache stores prediction results keyed by request fingerprint.
// Backend failures never reach callers: the Layer turns them into misses.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Brownie44l1/classify-api/internal/config"
)

// ErrUnavailable marks a backend failure. It is logged, never returned by
// Layer.
var ErrUnavailable = errors.New("cache unavailable")

// Backend is a key-value store with per-key TTL. Implementations provide
// their own concurrency safety.
type Backend interface {
	Name() string
	// Get reports ok=false with a nil error on a miss.
	Get(ctx context.Context, key string) (val []byte, ok bool, err error)
	Set(ctx context.Context, key string, val []byte, ttl time.Duration) error
	Clear(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// Open builds the backend named by cfg.Backend.
func Open(ctx context.Context, cfg config.CacheConfig) (Backend, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemory(cfg.MemoryEntries), nil
	case "sqlite":
		return NewSQLite(ctx, cfg.SQLitePath)
	case "redis":
		return NewRedis(ctx, cfg.RedisURL)
	case "none", "":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// Noop never stores anything.
type Noop struct{}

func (Noop) Name() string { return "none" }
func (Noop) Get(context.Context, string) ([]byte, bool, error) {
	return nil, false, nil
}
func (Noop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Noop) Clear(context.Context) error                              { return nil }
func (Noop) Ping(context.Context) error                               { return nil }
func (Noop) Close() error                                             { return nil }
