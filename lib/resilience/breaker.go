// Package resilience protects database servers from connection storms.
// This file implements a circuit breaker around session creation.
//
// When a server keeps refusing new sessions, every pool Acquire that needs
// a new connection would otherwise pay a full dial timeout. The breaker
// counts consecutive failures and, past a threshold, fails fast until a
// reset timeout has elapsed and a few probe dials succeed.
//
// State transitions:
//
//	Closed (normal) -> Open (failing) -> HalfOpen (probing) -> Closed
//	                     ^                    |
//	                     +--------------------+ (if a probe fails)
package resilience

import (
	"context"
	"sync"
	"time"
)

// State represents the state of a circuit breaker.
type State int

const (
	// StateClosed is the normal operating state - calls pass through.
	StateClosed State = iota
	// StateOpen means the circuit is tripped - calls fail immediately.
	StateOpen
	// StateHalfOpen means a limited number of probe calls are allowed.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of successful probes in half-open
	// state that closes the circuit.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays open before probing.
	ResetTimeout time.Duration
	// MaxHalfOpenRequests caps concurrent probes in half-open state.
	MaxHalfOpenRequests int
}

// DefaultConfig returns defaults suited to database dials.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		SuccessThreshold:    1,
		ResetTimeout:        30 * time.Second,
		MaxHalfOpenRequests: 1,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = def.FailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = def.SuccessThreshold
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = def.ResetTimeout
	}
	if c.MaxHalfOpenRequests <= 0 {
		c.MaxHalfOpenRequests = def.MaxHalfOpenRequests
	}
	return c
}

// Breaker implements the circuit breaker pattern.
type Breaker struct {
	mu     sync.Mutex
	config Config
	name   string

	state     State
	failures  int
	successes int
	probes    int
	openedAt  time.Time
	changedAt time.Time

	now func() time.Time
}

// New creates a closed breaker. Zero config fields take their defaults.
func New(name string, cfg Config) *Breaker {
	return &Breaker{
		config:    cfg.withDefaults(),
		name:      name,
		state:     StateClosed,
		changedAt: time.Now(),
		now:       time.Now,
	}
}

// Name returns the name of this breaker.
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open circuit whose reset timeout
// has elapsed reports half-open.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.config.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed, reserving a probe slot when
// half-open.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.config.ResetTimeout {
			return false
		}
		b.transitionTo(StateHalfOpen)
		b.probes = 1
		return true
	case StateHalfOpen:
		if b.probes < b.config.MaxHalfOpenRequests {
			b.probes++
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess records a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.probes > 0 {
			b.probes--
		}
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// RecordFailure records a failed call.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures++
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

// transitionTo changes state. Must be called with the lock held.
func (b *Breaker) transitionTo(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	b.changedAt = b.now()

	switch next {
	case StateClosed:
		b.failures = 0
		b.successes = 0
		b.probes = 0
	case StateOpen:
		b.openedAt = b.changedAt
		b.successes = 0
		b.probes = 0
		BreakerTrips.Inc()
	case StateHalfOpen:
		b.successes = 0
		b.probes = 0
	}
	BreakerState.Set(int64(next))

	log.WithField("breaker", b.name).
		WithField("from", prev.String()).
		WithField("to", next.String()).
		Info("circuit breaker state transition")
}

// Do runs fn if the circuit allows it and records the outcome. It
// returns ErrCircuitOpen without calling fn when the circuit is open.
// Errors caused by ctx ending are not counted as failures.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if !b.Allow() {
		BreakerRejections.Inc()
		return ErrCircuitOpen
	}
	if err := ctx.Err(); err != nil {
		b.release()
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		BreakerSuccesses.Inc()
		b.RecordSuccess()
	case ctx.Err() != nil:
		b.release()
		return ctx.Err()
	default:
		BreakerFailures.Inc()
		b.RecordFailure()
	}
	return err
}

// Call is Do for functions that produce a value.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Do(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		out = v
		return nil
	})
	return out, err
}

// release gives back a half-open probe slot for a call that never ran to
// a verdict.
func (b *Breaker) release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateHalfOpen && b.probes > 0 {
		b.probes--
	}
}

// Reset returns the breaker to its initial closed state.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(StateClosed)
	b.failures = 0
	b.openedAt = time.Time{}
}

// Stats holds a breaker snapshot.
type Stats struct {
	Name            string
	State           State
	Failures        int
	Successes       int
	LastStateChange time.Time
	Config          Config
}

// Stats returns current breaker statistics.
func (b *Breaker) Stats() Stats {
	state := b.State()

	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		Name:            b.name,
		State:           state,
		Failures:        b.failures,
		Successes:       b.successes,
		LastStateChange: b.changedAt,
		Config:          b.config,
	}
}
