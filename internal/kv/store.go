package kv

import (
	"context"
	"time"
)

// Store is the shared key/value state used by every component. Values are
// strings; a zero TTL means the key never expires.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes value only when key is absent (or expired) and reports
	// whether the write happened.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error

	// Push appends value to the list at key and returns the new length.
	Push(ctx context.Context, list, value string) (int64, error)
	Len(ctx context.Context, list string) (int64, error)
	// Index returns the zero-based position of value in list, or -1.
	Index(ctx context.Context, list, value string) (int64, error)
	// PopTo atomically removes the head of list and adds it to set.
	PopTo(ctx context.Context, list, set string) (string, bool, error)

	SetRemove(ctx context.Context, set, member string) error
	SetContains(ctx context.Context, set, member string) (bool, error)
	SetCard(ctx context.Context, set string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
