package utils

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned when the breaker rejects a call outright.
var ErrBreakerOpen = errors.New("circuit breaker open")

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// BreakerConfig tunes a Breaker. Zero values fall back to the
// defaults, which suit a payment provider status endpoint.
type BreakerConfig struct {
	// Window is how long failure counts accumulate before resetting.
	Window time.Duration
	// Cooldown is how long an open breaker stays open before letting
	// trial calls through.
	Cooldown time.Duration
	// MinCalls is the number of calls in a window before the failure
	// ratio is considered at all.
	MinCalls uint32
	// FailureRatio at or above which the breaker opens.
	FailureRatio float64
	// HalfOpenMax caps trial calls while half-open.
	HalfOpenMax uint32
}

func (c *BreakerConfig) fillDefaults() {
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = time.Minute
	}
	if c.MinCalls == 0 {
		c.MinCalls = 20
	}
	if c.FailureRatio <= 0 {
		c.FailureRatio = 0.6
	}
	if c.HalfOpenMax == 0 {
		c.HalfOpenMax = 3
	}
}

// Breaker sheds calls to a dependency that keeps failing. It opens
// once the failure ratio over the current window crosses the
// threshold, rejects everything for the cooldown, then lets a few
// trial calls decide between closing again and re-opening.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu       sync.Mutex
	state    BreakerState
	calls    uint32
	failures uint32
	resetAt  time.Time

	now func() time.Time
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	cfg.fillDefaults()
	return &Breaker{
		name:  name,
		cfg:   cfg,
		state: BreakerClosed,
		now:   time.Now,
	}
}

// Do runs fn unless the breaker is open. A context already cancelled
// is returned as-is without touching the counts.
func (b *Breaker) Do(ctx context.Context, fn func() (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := b.admit(); err != nil {
		return nil, err
	}

	res, err := fn()
	b.record(err == nil)
	return res, err
}

// State reports the breaker's current state, advancing open to
// half-open when the cooldown has passed.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advance(b.now())
	return b.state
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance(b.now())

	switch b.state {
	case BreakerOpen:
		return ErrBreakerOpen
	case BreakerHalfOpen:
		if b.calls >= b.cfg.HalfOpenMax {
			return ErrBreakerOpen
		}
	}
	b.calls++
	return nil
}

func (b *Breaker) record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !ok {
		b.failures++
	}

	switch b.state {
	case BreakerHalfOpen:
		if !ok {
			b.open(b.now())
		} else if b.failures == 0 && b.calls >= b.cfg.HalfOpenMax {
			// Every trial call succeeded.
			b.close(b.now())
		}
	case BreakerClosed:
		if b.calls >= b.cfg.MinCalls &&
			float64(b.failures)/float64(b.calls) >= b.cfg.FailureRatio {
			b.open(b.now())
		}
	}
}

// advance handles the time-driven transitions. Callers hold the lock.
func (b *Breaker) advance(now time.Time) {
	switch b.state {
	case BreakerClosed:
		if now.After(b.resetAt) {
			b.close(now)
		}
	case BreakerOpen:
		if now.After(b.resetAt) {
			b.state = BreakerHalfOpen
			b.calls = 0
			b.failures = 0
		}
	}
}

func (b *Breaker) open(now time.Time) {
	b.state = BreakerOpen
	b.resetAt = now.Add(b.cfg.Cooldown)
	b.calls = 0
	b.failures = 0
}

func (b *Breaker) close(now time.Time) {
	b.state = BreakerClosed
	b.resetAt = now.Add(b.cfg.Window)
	b.calls = 0
	b.failures = 0
}
