// Package breaker implements the closed/open/half-open circuit breaker that
// guards every coordination-store call, per spec.md section 4.6. It
// generalizes the teacher's internal/notifications.ProtectedNotifier (the
// same three-state machine, the same cooldown-then-probe transition) into a
// reusable wrapper with caller-supplied fallback values.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Run (but never escapes Call, which returns the
// caller's fallback instead) when the breaker is open or the half-open
// probe slot is already taken.
var ErrOpen = errors.New("breaker: circuit open")

type state string

const (
	closed   state = "closed"
	open     state = "open"
	halfOpen state = "half_open"
)

// Config tunes the breaker per spec.md section 6.
type Config struct {
	FailureThreshold int           // consecutive failures before opening
	OpenTimeout      time.Duration // time spent Open before a probe is allowed
	StatsResetEvery  time.Duration // cumulative counters reset on this cadence
}

func (c Config) withDefaults() Config {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	if c.StatsResetEvery <= 0 {
		c.StatsResetEvery = time.Hour
	}
	return c
}

// Stats are the cumulative counters exposed for observability; they reset
// every StatsResetEvery to avoid unbounded counter growth.
type Stats struct {
	TotalOperations uint64
	TotalFailures   uint64
	StatsResetTime  time.Time
}

// Breaker wraps coordination-store calls with a closed/open/half-open state
// machine. One Breaker instance guards one logical external dependency (the
// spec calls for a single breaker guarding all coordination-store calls).
type Breaker struct {
	cfg Config
	mu  sync.Mutex

	st                  state
	consecutiveFailures int
	openedAt            time.Time
	halfOpenInFlight    bool

	totalOps      uint64
	totalFailures uint64
	statsResetAt  time.Time
}

func New(cfg Config) *Breaker {
	cfg = cfg.withDefaults()
	return &Breaker{
		cfg:          cfg,
		st:           closed,
		statsResetAt: time.Now(),
	}
}

// State reports the current breaker state as a string, for metrics export.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetStatsLocked()
	return string(b.st)
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.maybeResetStatsLocked()
	return Stats{TotalOperations: b.totalOps, TotalFailures: b.totalFailures, StatsResetTime: b.statsResetAt}
}

func (b *Breaker) maybeResetStatsLocked() {
	if time.Since(b.statsResetAt) >= b.cfg.StatsResetEvery {
		b.totalOps = 0
		b.totalFailures = 0
		b.statsResetAt = time.Now()
	}
}

func (b *Breaker) allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.st {
	case closed:
		return true
	case open:
		if time.Since(b.openedAt) >= b.cfg.OpenTimeout {
			b.st = halfOpen
			b.halfOpenInFlight = true
			return true
		}
		return false
	case halfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return true
	}
}

func (b *Breaker) after(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.maybeResetStatsLocked()
	b.totalOps++

	if b.st == halfOpen {
		b.halfOpenInFlight = false
	}

	if err == nil {
		b.consecutiveFailures = 0
		b.st = closed
		return
	}

	b.totalFailures++
	b.consecutiveFailures++

	if b.st == halfOpen {
		b.st = open
		b.openedAt = time.Now()
		return
	}

	if b.consecutiveFailures >= b.cfg.FailureThreshold {
		b.st = open
		b.openedAt = time.Now()
	}
}

// Run executes fn if the breaker allows it, else returns ErrOpen without
// calling fn. Context cancellation observed by fn is propagated but does
// not count as a failure (spec.md section 4.6).
func (b *Breaker) Run(ctx context.Context, fn func(context.Context) error) error {
	if !b.allow() {
		return ErrOpen
	}

	err := fn(ctx)

	if errors.Is(err, context.Canceled) {
		// Caller's own cancellation: undo the probe slot without recording
		// a failure, and let the caller retry next time.
		b.mu.Lock()
		if b.st == halfOpen {
			b.halfOpenInFlight = false
		}
		b.mu.Unlock()
		return err
	}

	b.after(err)
	return err
}

// Call runs fn through the breaker and returns fallback whenever the
// breaker is open or fn fails, per spec.md section 4.1 ("on Open they
// return the documented fallback value rather than throwing").
func Call[T any](ctx context.Context, b *Breaker, fallback T, fn func(context.Context) (T, error)) T {
	var result T
	err := b.Run(ctx, func(c context.Context) error {
		v, e := fn(c)
		if e == nil {
			result = v
		}
		return e
	})
	if err != nil {
		return fallback
	}
	return result
}
