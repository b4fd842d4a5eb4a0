package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Manager owns one breaker per channel. Breakers are created lazily and
// never evicted.
type Manager struct {
	mu       sync.RWMutex
	breakers map[string]CircuitBreaker
	config   Config
	now      func() time.Time
	onChange TransitionFunc
	factory  func(channelID string) CircuitBreaker
}

type ManagerOption func(*Manager)

// WithRedis shares breaker state through client across gateway instances.
func WithRedis(client *redis.Client) ManagerOption {
	return func(m *Manager) {
		m.factory = func(channelID string) CircuitBreaker {
			return NewRedis(client, channelID, m.config, m.onChange)
		}
	}
}

// WithClock replaces time.Now for in-memory breakers.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) {
		m.now = now
	}
}

func WithTransitionHook(fn TransitionFunc) ManagerOption {
	return func(m *Manager) {
		m.onChange = fn
	}
}

func NewManager(cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		breakers: make(map[string]CircuitBreaker),
		config:   cfg,
		now:      time.Now,
	}
	m.factory = func(channelID string) CircuitBreaker {
		return NewInMemory(channelID, m.config, m.now, m.onChange)
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Get returns the breaker for a channel, creating one if it doesn't exist.
func (m *Manager) Get(channelID string) CircuitBreaker {
	m.mu.RLock()
	cb, ok := m.breakers[channelID]
	m.mu.RUnlock()

	if ok {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.breakers[channelID]; ok {
		return existing
	}

	cb = m.factory(channelID)
	m.breakers[channelID] = cb
	return cb
}

// States maps channel id to state name for the health endpoint.
func (m *Manager) States(ctx context.Context) map[string]string {
	states := make(map[string]string)
	for _, s := range m.Statuses(ctx) {
		states[s.ChannelID] = s.State
	}
	return states
}

// Statuses lists every known breaker ordered by channel id.
func (m *Manager) Statuses(ctx context.Context) []Status {
	m.mu.RLock()
	breakers := make([]CircuitBreaker, 0, len(m.breakers))
	for _, cb := range m.breakers {
		breakers = append(breakers, cb)
	}
	m.mu.RUnlock()

	out := make([]Status, 0, len(breakers))
	for _, cb := range breakers {
		out = append(out, cb.Status(ctx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ChannelID < out[j].ChannelID })
	return out
}

// Reset closes a channel's breaker.
func (m *Manager) Reset(ctx context.Context, channelID string) error {
	return m.Get(channelID).Reset(ctx)
}
