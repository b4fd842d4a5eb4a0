// Package router turns a public model name into the channel that serves it
// and picks the API key for the call.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/secrets"
)

type MappingLookup interface {
	Lookup(ctx context.Context, publicName string) (*domain.ModelMapping, error)
}

type ChannelSource interface {
	GetChannel(ctx context.Context, id string) (*domain.Channel, error)
	TouchKey(ctx context.Context, keyID string, at time.Time) error
}

// Route is the resolved destination of one request.
type Route struct {
	Mapping domain.ModelMapping
	Channel *domain.Channel
}

// Key is the selected channel key with its value resolved.
type Key struct {
	ID    string
	Value string
}

type Router struct {
	mappings MappingLookup
	channels ChannelSource
	secrets  secrets.SecretStore
	now      func() time.Time

	mu      sync.Mutex
	cursors map[string]*atomic.Uint64
}

func New(mappings MappingLookup, channels ChannelSource, secretStore secrets.SecretStore) *Router {
	return &Router{
		mappings: mappings,
		channels: channels,
		secrets:  secretStore,
		now:      time.Now,
		cursors:  make(map[string]*atomic.Uint64),
	}
}

// Resolve maps a public model name to its channel. Unknown names, dangling
// mappings and disabled channels all read as ErrUnknownModel.
func (r *Router) Resolve(ctx context.Context, publicName string) (*Route, error) {
	m, err := r.mappings.Lookup(ctx, publicName)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownModel, publicName)
	}
	if err != nil {
		return nil, err
	}

	ch, err := r.channels.GetChannel(ctx, m.ChannelID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s (channel %s missing)", domain.ErrUnknownModel, publicName, m.ChannelID)
	}
	if err != nil {
		return nil, err
	}
	if !ch.Enabled {
		return nil, fmt.Errorf("%w: %s (channel %s disabled)", domain.ErrUnknownModel, publicName, ch.Name)
	}

	return &Route{Mapping: *m, Channel: ch}, nil
}

// PickKey rotates through the channel's enabled keys in position order.
func (r *Router) PickKey(ctx context.Context, ch *domain.Channel) (Key, error) {
	enabled := ch.EnabledKeys()
	if len(enabled) == 0 {
		return Key{}, fmt.Errorf("%w: channel %s", domain.ErrNoEnabledKey, ch.Name)
	}

	n := r.cursor(ch.ID).Add(1) - 1
	k := enabled[n%uint64(len(enabled))]

	value, err := secrets.Resolve(ctx, r.secrets, k.Value)
	if err != nil {
		return Key{}, fmt.Errorf("%w: channel %s key %s: %v", domain.ErrNoEnabledKey, ch.Name, k.ID, err)
	}

	if err := r.channels.TouchKey(ctx, k.ID, r.now()); err != nil {
		slog.Warn("failed to record key usage", "channel_id", ch.ID, "key_id", k.ID, "error", err)
	}

	return Key{ID: k.ID, Value: value}, nil
}

func (r *Router) cursor(channelID string) *atomic.Uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[channelID]
	if !ok {
		c = new(atomic.Uint64)
		r.cursors[channelID] = c
	}
	return c
}
