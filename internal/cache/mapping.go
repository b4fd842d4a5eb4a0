package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

const DefaultMappingTTL = 5 * time.Minute

// RedisMappingPrefix is the namespace mapping entries live under in a shared
// Redis. InvalidateAll flushes the whole namespace, so it must not cover the
// breaker, limiter or quota keys.
const RedisMappingPrefix = "omnikit:mapping:"

type MappingSource interface {
	GetMappingByName(ctx context.Context, publicName string) (*domain.ModelMapping, error)
}

// MappingCache fronts the mapping table. Concurrent misses for the same
// name share one store read.
type MappingCache struct {
	src   MappingSource
	cache Cache
	ttl   time.Duration
	group singleflight.Group
}

func NewMappingCache(src MappingSource, c Cache, ttl time.Duration) *MappingCache {
	if ttl <= 0 {
		ttl = DefaultMappingTTL
	}
	return &MappingCache{src: src, cache: c, ttl: ttl}
}

// Lookup returns the mapping for a public model name. Misses in the store
// are not cached.
func (m *MappingCache) Lookup(ctx context.Context, publicName string) (*domain.ModelMapping, error) {
	key := publicName
	if data, ok := m.cache.Get(ctx, key); ok {
		var mm domain.ModelMapping
		if err := json.Unmarshal(data, &mm); err == nil {
			return &mm, nil
		}
	}

	v, err, _ := m.group.Do(key, func() (any, error) {
		mm, err := m.src.GetMappingByName(ctx, publicName)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(mm); err == nil {
			if err := m.cache.Set(ctx, key, data, m.ttl); err != nil {
				slog.Warn("mapping cache set failed", "model", publicName, "error", err)
			}
		}
		return mm, nil
	})
	if err != nil {
		return nil, err
	}

	out := *v.(*domain.ModelMapping)
	return &out, nil
}

func (m *MappingCache) Invalidate(ctx context.Context, publicNames ...string) {
	if err := m.cache.Delete(ctx, publicNames...); err != nil {
		slog.Warn("mapping cache invalidate failed", "error", err)
	}
}

// InvalidateAll drops every cached mapping, used when a channel goes away
// and takes its mappings with it.
func (m *MappingCache) InvalidateAll(ctx context.Context) {
	if err := m.cache.Flush(ctx); err != nil {
		slog.Warn("mapping cache flush failed", "error", err)
	}
}
