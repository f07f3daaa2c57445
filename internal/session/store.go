// Package session persists editor-session state that must survive restarts:
// grammar cost ledgers and the grammar and spelling result caches.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("session store closed")

// Store is keyed JSON storage. A ttl <= 0 means the value never expires.
type Store interface {
	// Load decodes the value at key into dst and reports whether it existed.
	Load(ctx context.Context, key string, dst any) (bool, error)
	Save(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}
