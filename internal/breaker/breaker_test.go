package breaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker() (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)}
	b := New("test", 0, 0)
	b.now = c.now
	return b, c
}

var errUpstream = errors.New("upstream 503")

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	t.Parallel()
	b, c := newTestBreaker()

	calls := 0
	fail := func() error { calls++; return errUpstream }
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(fail, nil), errUpstream)
	}
	assert.Equal(t, StateOpen, b.State())

	c.advance(10 * time.Second)
	err := b.Do(fail, nil)
	require.True(t, IsOpen(err))
	assert.Contains(t, err.Error(), "20 seconds")
	assert.Equal(t, 3, calls, "open breaker must not reach the network")
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	t.Parallel()
	b, c := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	c.advance(30 * time.Second)

	calls := 0
	ok := func() error { calls++; return nil }
	require.NoError(t, b.Do(ok, nil))
	assert.Equal(t, StateClosed, b.State())

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Do(ok, nil))
	}
	assert.Equal(t, 6, calls)
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	t.Parallel()
	b, c := newTestBreaker()
	for i := 0; i < 3; i++ {
		b.Failure()
	}
	c.advance(31 * time.Second)

	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
	assert.True(t, IsOpen(b.Allow()), "second caller waits for the probe")

	b.Failure()
	assert.Equal(t, StateOpen, b.State())
	assert.True(t, IsOpen(b.Allow()))
}

func TestBreaker_NonCountableErrors(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker()
	errBadRequest := errors.New("400")
	notCounted := func(err error) bool { return !errors.Is(err, errBadRequest) }

	for i := 0; i < 5; i++ {
		assert.ErrorIs(t, b.Do(func() error { return errBadRequest }, notCounted), errBadRequest)
	}
	assert.Equal(t, StateClosed, b.State())
}

func TestBreaker_SuccessResetsCount(t *testing.T) {
	t.Parallel()
	b, _ := newTestBreaker()
	b.Failure()
	b.Failure()
	b.Success()
	b.Failure()
	b.Failure()
	assert.Equal(t, StateClosed, b.State())
}
