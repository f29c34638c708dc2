package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrClosed   = errors.New("storage closed")
	ErrEmptyKey = errors.New("storage key is empty")
)

// Store is the minimal persistence API used by the watermark store.
//
// Get reports ok=false (and a nil error) when the key does not exist.
type Store interface {
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Config configures storage.
//
// Driver values: "memory" (default), "file", "sqlite", "redis".
type Config struct {
	Driver      string
	Path        string        // file, sqlite
	URL         string        // redis, e.g. redis://localhost:6379/0
	Prefix      string        // redis key prefix
	BusyTimeout time.Duration // sqlite only; 0 means default
}
