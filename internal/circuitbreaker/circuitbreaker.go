// Package circuitbreaker takes failing channels out of rotation.
//
// States:
//   - Closed: requests pass; consecutive failures inside the window are counted
//   - Open: requests fail fast until the cooldown deadline
//   - HalfOpen: exactly one trial request is in flight
//
// Implementations:
//   - InMemoryCircuitBreaker: single instance, guarded by a mutex
//   - RedisCircuitBreaker: shared across instances, transitions run as Lua scripts
package circuitbreaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

// CircuitBreaker is the per-channel state machine the dispatcher consults.
type CircuitBreaker interface {
	// Allow returns a permit, or an *OpenError when the channel is out of
	// rotation.
	Allow(ctx context.Context) (Permit, error)

	// RecordSuccess and RecordFailure report the upstream outcome of a
	// permit.
	RecordSuccess(ctx context.Context, p Permit)
	RecordFailure(ctx context.Context, p Permit)

	// Release ends a permit that never reached the upstream. A released
	// trial lets the next request try again.
	Release(ctx context.Context, p Permit)

	Status(ctx context.Context) Status
	Reset(ctx context.Context) error
}

// State values double as the gauge exported for each channel.
type State int

const (
	StateClosed   State = iota // Normal operation
	StateHalfOpen              // One trial in flight
	StateOpen                  // Failing fast
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

// Permit is handed out by Allow. Trial marks the single HalfOpen probe.
type Permit struct {
	Trial bool
}

// OpenError is returned by Allow while the breaker rejects traffic.
type OpenError struct {
	ChannelID  string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for channel %s", e.ChannelID)
}

func (e *OpenError) Unwrap() error {
	return domain.ErrCircuitOpen
}

type Status struct {
	ChannelID string    `json:"channel_id"`
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

// Config defines breaker behavior. A zero Cooldown means Window.
type Config struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
}

func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		Window:           60 * time.Second,
	}
}

func (c Config) cooldown() time.Duration {
	if c.Cooldown > 0 {
		return c.Cooldown
	}
	return c.Window
}

// TransitionFunc observes state changes. It is called after the breaker's
// lock is released.
type TransitionFunc func(channelID string, from, to State)

// halfOpenRetry is the Retry-After hint while a trial is in flight.
const halfOpenRetry = time.Second

type InMemoryCircuitBreaker struct {
	mu          sync.Mutex
	channelID   string
	config      Config
	now         func() time.Time
	onChange    TransitionFunc
	state       State
	failures    int
	windowStart time.Time
	openUntil   time.Time
	trial       bool
}

func NewInMemory(channelID string, cfg Config, now func() time.Time, onChange TransitionFunc) *InMemoryCircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &InMemoryCircuitBreaker{
		channelID: channelID,
		config:    cfg,
		now:       now,
		onChange:  onChange,
		state:     StateClosed,
	}
}

func (cb *InMemoryCircuitBreaker) Allow(ctx context.Context) (Permit, error) {
	cb.mu.Lock()
	from := cb.state
	now := cb.now()

	var permit Permit
	var err error
	switch cb.state {
	case StateOpen:
		if now.Before(cb.openUntil) {
			err = &OpenError{ChannelID: cb.channelID, RetryAfter: cb.openUntil.Sub(now)}
			break
		}
		cb.state = StateHalfOpen
		cb.trial = true
		permit.Trial = true
	case StateHalfOpen:
		if cb.trial {
			err = &OpenError{ChannelID: cb.channelID, RetryAfter: halfOpenRetry}
			break
		}
		cb.trial = true
		permit.Trial = true
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return permit, err
}

func (cb *InMemoryCircuitBreaker) RecordSuccess(ctx context.Context, p Permit) {
	cb.mu.Lock()
	from := cb.state
	switch cb.state {
	case StateClosed:
		cb.failures = 0
		cb.windowStart = time.Time{}
	case StateHalfOpen:
		if p.Trial {
			cb.state = StateClosed
			cb.failures = 0
			cb.windowStart = time.Time{}
			cb.trial = false
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *InMemoryCircuitBreaker) RecordFailure(ctx context.Context, p Permit) {
	cb.mu.Lock()
	from := cb.state
	now := cb.now()
	switch cb.state {
	case StateClosed:
		if cb.windowStart.IsZero() || now.Sub(cb.windowStart) > cb.config.Window {
			cb.windowStart = now
			cb.failures = 0
		}
		cb.failures++
		if cb.failures >= cb.config.FailureThreshold {
			cb.open(now)
		}
	case StateHalfOpen:
		if p.Trial {
			cb.open(now)
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

func (cb *InMemoryCircuitBreaker) open(now time.Time) {
	cb.state = StateOpen
	cb.openUntil = now.Add(cb.config.cooldown())
	cb.failures = 0
	cb.windowStart = time.Time{}
	cb.trial = false
}

func (cb *InMemoryCircuitBreaker) Release(ctx context.Context, p Permit) {
	if !p.Trial {
		return
	}
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateHalfOpen {
		cb.trial = false
	}
}

func (cb *InMemoryCircuitBreaker) Status(ctx context.Context) Status {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	s := Status{ChannelID: cb.channelID, State: cb.state.String(), Failures: cb.failures}
	if cb.state == StateOpen {
		s.OpenUntil = cb.openUntil
	}
	return s
}

func (cb *InMemoryCircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *InMemoryCircuitBreaker) Reset(ctx context.Context) error {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failures = 0
	cb.windowStart = time.Time{}
	cb.openUntil = time.Time{}
	cb.trial = false
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
	return nil
}

func (cb *InMemoryCircuitBreaker) notify(from, to State) {
	if from != to && cb.onChange != nil {
		cb.onChange(cb.channelID, from, to)
	}
}
