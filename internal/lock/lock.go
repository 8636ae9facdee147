// Package lock holds the per-email upload lock that guards the resume-or-create
// window of the token endpoint.
package lock

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fundgate/fundgate/internal/kv"
)

type Locker struct {
	kv  kv.Store
	ttl time.Duration
}

func New(store kv.Store) *Locker {
	return &Locker{kv: store, ttl: kv.UploadLockTTL}
}

// Acquire takes the lock for email. It returns false when another caller
// already holds it.
func (l *Locker) Acquire(ctx context.Context, email string) (bool, error) {
	ok, err := l.kv.SetNX(ctx, kv.LockKey(email), "1", l.ttl)
	if err != nil {
		return false, fmt.Errorf("acquire upload lock: %w", err)
	}
	return ok, nil
}

// Release drops the lock. Failures are logged; the lock expires on its own.
func (l *Locker) Release(ctx context.Context, email string) {
	if err := l.kv.Del(ctx, kv.LockKey(email)); err != nil {
		slog.Warn("failed to release upload lock", "email", email, "error", err)
	}
}
