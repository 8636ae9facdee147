package kv

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSQLite(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
	t.Cleanup(func() { s.Close() })
	return s, mr
}

// backends returns every Store implementation so the contract tests run
// against both.
func backends(t *testing.T) map[string]Store {
	t.Helper()
	r, _ := newTestRedis(t)
	return map[string]Store{
		"sqlite": newTestSQLite(t),
		"redis":  r,
	}
}

func TestStore_GetSetDel(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, ok, err := s.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "job:1", `{"a":1}`, time.Minute))
			v, ok, err := s.Get(ctx, "job:1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, `{"a":1}`, v)

			require.NoError(t, s.Set(ctx, "job:1", `{"a":2}`, time.Minute))
			v, _, _ = s.Get(ctx, "job:1")
			assert.Equal(t, `{"a":2}`, v)

			require.NoError(t, s.Del(ctx, "job:1"))
			_, ok, err = s.Get(ctx, "job:1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestStore_SetNX(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ok, err := s.SetNX(ctx, "lock:a@b.com", "1", 30*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)

			ok, err = s.SetNX(ctx, "lock:a@b.com", "1", 30*time.Second)
			require.NoError(t, err)
			assert.False(t, ok, "second SetNX must be refused")

			require.NoError(t, s.Del(ctx, "lock:a@b.com"))
			ok, err = s.SetNX(ctx, "lock:a@b.com", "1", 30*time.Second)
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestStore_ListAndSet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			n, err := s.Push(ctx, QueueKey, "job_a")
			require.NoError(t, err)
			assert.Equal(t, int64(1), n)
			n, err = s.Push(ctx, QueueKey, "job_b")
			require.NoError(t, err)
			assert.Equal(t, int64(2), n)

			pos, err := s.Index(ctx, QueueKey, "job_b")
			require.NoError(t, err)
			assert.Equal(t, int64(1), pos)
			pos, err = s.Index(ctx, QueueKey, "job_zzz")
			require.NoError(t, err)
			assert.Equal(t, int64(-1), pos)

			id, ok, err := s.PopTo(ctx, QueueKey, InFlightKey)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "job_a", id)

			in, err := s.SetContains(ctx, InFlightKey, "job_a")
			require.NoError(t, err)
			assert.True(t, in)
			card, err := s.SetCard(ctx, InFlightKey)
			require.NoError(t, err)
			assert.Equal(t, int64(1), card)

			l, err := s.Len(ctx, QueueKey)
			require.NoError(t, err)
			assert.Equal(t, int64(1), l)

			require.NoError(t, s.SetRemove(ctx, InFlightKey, "job_a"))
			in, err = s.SetContains(ctx, InFlightKey, "job_a")
			require.NoError(t, err)
			assert.False(t, in)

			_, _, err = s.PopTo(ctx, QueueKey, InFlightKey)
			require.NoError(t, err)
			_, ok, err = s.PopTo(ctx, QueueKey, InFlightKey)
			require.NoError(t, err)
			assert.False(t, ok, "empty list pops nothing")
		})
	}
}

func TestSQLiteStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(ctx, "job:1", "x", time.Minute))
	require.NoError(t, s.Set(ctx, "forever", "y", 0))
	ok, err := s.SetNX(ctx, "lock:x", "1", 30*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	now = now.Add(61 * time.Second)

	_, found, err := s.Get(ctx, "job:1")
	require.NoError(t, err)
	assert.False(t, found, "expired key must not be returned")

	_, found, err = s.Get(ctx, "forever")
	require.NoError(t, err)
	assert.True(t, found)

	ok, err = s.SetNX(ctx, "lock:x", "1", 30*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock can be re-acquired")

	now = now.Add(time.Minute)
	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestRedisStore_Expiry(t *testing.T) {
	ctx := context.Background()
	s, mr := newTestRedis(t)

	require.NoError(t, s.Set(ctx, "job:1", "x", time.Minute))
	mr.FastForward(61 * time.Second)

	_, found, err := s.Get(ctx, "job:1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSQLiteStore_LazyExpiryKeepsConcurrentWrite(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rewrite := false
	s.now = func() time.Time {
		// Another writer re-creates the key between Get's read and its
		// cleanup of the expired row.
		if rewrite {
			rewrite = false
			require.NoError(t, s.Set(ctx, "ejob:a@b.com", "job_new", time.Hour))
		}
		return now
	}

	require.NoError(t, s.Set(ctx, "ejob:a@b.com", "job_old", time.Minute))
	now = now.Add(2 * time.Minute)
	rewrite = true

	_, found, err := s.Get(ctx, "ejob:a@b.com")
	require.NoError(t, err)
	assert.False(t, found, "the read itself saw the expired row")

	v, found, err := s.Get(ctx, "ejob:a@b.com")
	require.NoError(t, err)
	require.True(t, found, "fresh write must not be deleted by lazy expiry")
	assert.Equal(t, "job_new", v)
}
