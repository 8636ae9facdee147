// Package breaker implements the in-process circuit breaker that sheds calls
// to the report parser during an upstream outage.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"
)

type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

const (
	DefaultThreshold = 3
	DefaultCoolDown  = 30 * time.Second
)

// OpenError is returned by Allow while the breaker rejects calls.
type OpenError struct {
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	secs := max(int(math.Ceil(e.Remaining.Seconds())), 1)
	return fmt.Sprintf("The analysis service is temporarily unavailable. Please try again in %d seconds.", secs)
}

// IsOpen reports whether err came from an open breaker.
func IsOpen(err error) bool {
	var oe *OpenError
	return errors.As(err, &oe)
}

// Breaker is safe for concurrent use. State is per process.
type Breaker struct {
	name      string
	threshold int
	coolDown  time.Duration
	now       func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	probing     bool
}

func New(name string, threshold int, coolDown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if coolDown <= 0 {
		coolDown = DefaultCoolDown
	}
	return &Breaker{name: name, threshold: threshold, coolDown: coolDown, now: time.Now, state: StateClosed}
}

// Allow admits or rejects a call. In half-open state exactly one caller is
// admitted until it reports back.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed < b.coolDown {
			return &OpenError{Remaining: b.coolDown - elapsed}
		}
		b.setState(StateHalfOpen)
		b.probing = true
		return nil
	case StateHalfOpen:
		if b.probing {
			return &OpenError{Remaining: 0}
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// Success closes the breaker and resets the failure count.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	b.setState(StateClosed)
}

// Failure counts a failed call, opening the breaker once the threshold is
// reached or immediately when a half-open probe fails.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	b.probing = false
	if b.state == StateHalfOpen || b.failures >= b.threshold {
		b.setState(StateOpen)
	}
}

// Do runs fn under the breaker. Errors for which countable returns false are
// passed through without counting as failures.
func (b *Breaker) Do(fn func() error, countable func(error) bool) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn()
	if err != nil && (countable == nil || countable(err)) {
		b.Failure()
		return err
	}
	b.Success()
	return err
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	slog.Info("circuit breaker state change", "breaker", b.name, "from", b.state, "to", s, "failures", b.failures)
	b.state = s
}
