// Package breaker implements per-upstream circuit breakers.
//
// A Breaker tracks consecutive failures of one upstream and, once a threshold
// is reached, stops calling it for a cooldown that grows with every trip.
// Execute always produces a value: when the upstream is skipped or fails, the
// caller-supplied fallback answers instead.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kalambet/fitscope/internal/metrics"
)

// State is the breaker's position.
type State int

const (
	Closed State = iota
	HalfOpen
	Open
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case HalfOpen:
		return "HALF_OPEN"
	case Open:
		return "OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText renders the state name in JSON and logs.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText accepts the names MarshalText produces.
func (s *State) UnmarshalText(text []byte) error {
	for _, st := range []State{Closed, HalfOpen, Open} {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown breaker state %q", text)
}

// Key identifies one upstream: a source serving one tile type.
type Key struct {
	Source string `json:"source"`
	Tile   string `json:"tile"`
}

func (k Key) String() string {
	return k.Source + "/" + k.Tile
}

// Config tunes when a breaker trips and how long it stays open.
type Config struct {
	Threshold   int           // consecutive failures that trip the breaker
	Cooldown    time.Duration // first cooldown
	MaxCooldown time.Duration // upper bound for grown cooldowns
	Multiplier  float64       // growth per consecutive trip
}

// DefaultConfig trips after 3 failures and cools down for 30s, doubling up to 10m.
func DefaultConfig() Config {
	return Config{
		Threshold:   3,
		Cooldown:    30 * time.Second,
		MaxCooldown: 10 * time.Minute,
		Multiplier:  2,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Threshold <= 0 {
		c.Threshold = d.Threshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = d.Cooldown
	}
	if c.MaxCooldown < c.Cooldown {
		c.MaxCooldown = max(c.Cooldown, d.MaxCooldown)
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	return c
}

// cooldown returns the open duration after the n-th consecutive trip (n >= 1).
func (c Config) cooldown(n int) time.Duration {
	d := float64(c.Cooldown) * math.Pow(c.Multiplier, float64(n-1))
	if d >= float64(c.MaxCooldown) || math.IsInf(d, 0) {
		return c.MaxCooldown
	}
	return time.Duration(d)
}

// Snapshot is a point-in-time copy of a breaker's state.
type Snapshot struct {
	Key           Key       `json:"key"`
	State         State     `json:"state"`
	Failures      int       `json:"failures"`
	Trips         int       `json:"trips"`
	LastFailureAt time.Time `json:"last_failure_at,omitzero"`
	CooldownUntil time.Time `json:"cooldown_until,omitzero"`
}

// Breaker guards a single upstream. The mutex is held only around state
// transitions, never while the wrapped operation runs.
type Breaker struct {
	key    Key
	cfg    Config
	now    func() time.Time
	logger *zap.Logger

	mu            sync.Mutex
	state         State
	failures      int
	trips         int
	lastFailureAt time.Time
	cooldownUntil time.Time
	trialInFlight bool
}

func newBreaker(key Key, cfg Config, now func() time.Time, logger *zap.Logger) *Breaker {
	b := &Breaker{key: key, cfg: cfg, now: now, logger: logger}
	metrics.BreakerState.WithLabelValues(key.Source, key.Tile).Set(float64(Closed))
	return b
}

// Key returns the upstream this breaker guards.
func (b *Breaker) Key() Key {
	return b.key
}

// State returns the current state without triggering any transition.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot copies the breaker's current state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		Key:           b.key,
		State:         b.state,
		Failures:      b.failures,
		Trips:         b.trips,
		LastFailureAt: b.lastFailureAt,
		CooldownUntil: b.cooldownUntil,
	}
}

// permit decides whether a call may reach the upstream. trial reports that
// the caller holds the single half-open trial slot.
func (b *Breaker) permit() (allowed, trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true, false
	case Open:
		if b.now().Before(b.cooldownUntil) {
			return false, false
		}
		b.setState(HalfOpen)
		b.trialInFlight = true
		return true, true
	case HalfOpen:
		if b.trialInFlight {
			return false, false
		}
		b.trialInFlight = true
		return true, true
	}
	return false, false
}

func (b *Breaker) onSuccess(trial bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case trial:
		b.trialInFlight = false
		b.failures = 0
		b.trips = 0
		b.cooldownUntil = time.Time{}
		b.setState(Closed)
	case b.state == Closed:
		b.failures = 0
	}
	// A straggler that was admitted before the breaker opened does not
	// close it; only the half-open trial can.
}

func (b *Breaker) onFailure(trial bool, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures++
	b.lastFailureAt = now
	if trial {
		b.trialInFlight = false
	}

	switch {
	case b.state == HalfOpen && trial:
		b.trip(now, cause)
	case b.state == Closed && b.failures >= b.cfg.Threshold:
		b.trip(now, cause)
	}
}

// onCancel releases a trial slot without recording anything: cancellation
// says nothing about the upstream.
func (b *Breaker) onCancel(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// trip opens the breaker. Caller holds b.mu.
func (b *Breaker) trip(now time.Time, cause error) {
	b.trips++
	cd := b.cfg.cooldown(b.trips)
	b.cooldownUntil = now.Add(cd)
	b.setState(Open)
	metrics.BreakerTrips.WithLabelValues(b.key.Source, b.key.Tile).Inc()
	b.logger.Warn("circuit breaker opened",
		zap.String("key", b.key.String()),
		zap.Int("failures", b.failures),
		zap.Int("trips", b.trips),
		zap.Duration("cooldown", cd),
		zap.Error(cause),
	)
}

// setState records a transition. Caller holds b.mu.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.logger.Debug("circuit breaker transition",
		zap.String("key", b.key.String()),
		zap.Stringer("from", b.state),
		zap.Stringer("to", s),
	)
	b.state = s
	metrics.BreakerState.WithLabelValues(b.key.Source, b.key.Tile).Set(float64(s))
}

// reset forces the breaker closed and forgets its history.
func (b *Breaker) reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.trips = 0
	b.trialInFlight = false
	b.cooldownUntil = time.Time{}
	b.lastFailureAt = time.Time{}
	b.setState(Closed)
}

var (
	// ErrOpen is the cause handed to the fallback when the breaker skipped the call.
	ErrOpen = errors.New("circuit breaker open")
	// ErrPanic wraps a panic recovered from the guarded operation.
	ErrPanic = errors.New("operation panicked")
)

// Operation is the guarded upstream call.
type Operation[T any] func(ctx context.Context) (T, error)

// Fallback produces a substitute value. cause is ErrOpen when the call was
// skipped, the operation's error when it failed, or the context error when
// the caller cancelled.
type Fallback[T any] func(cause error) (T, error)

// Execute runs op through b. It returns op's value on success and the
// fallback's value on every other path; the only error it can return is one
// produced by the fallback itself.
//
// A call whose ctx is done when op returns is treated as cancelled: it is
// neither a success nor a failure for the breaker. A deadline set inside op
// (an adapter timeout) is an ordinary failure, and so is a panic in op.
func Execute[T any](ctx context.Context, b *Breaker, op Operation[T], fallback Fallback[T]) (T, error) {
	allowed, trial := b.permit()
	if !allowed {
		return fallback(ErrOpen)
	}

	v, err := guard(ctx, op)
	if err == nil {
		b.onSuccess(trial)
		return v, nil
	}
	if ctx.Err() != nil {
		b.onCancel(trial)
		return fallback(ctx.Err())
	}
	b.onFailure(trial, err)
	return fallback(err)
}

func guard[T any](ctx context.Context, op Operation[T]) (v T, err error) {
	defer func() {
		if p := recover(); p != nil {
			var zero T
			v, err = zero, fmt.Errorf("%w: %v", ErrPanic, p)
		}
	}()
	return op(ctx)
}
