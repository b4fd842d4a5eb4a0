package quota

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// AlertDeduplicator ensures the same alert is not sent multiple times when
// running multiple gateway instances.
type AlertDeduplicator interface {
	// ShouldAlert returns true if this is a new alert that should be
	// dispatched, false if it was already sent by this or another instance.
	ShouldAlert(ctx context.Context, tokenID string, level AlertLevel) bool

	// ClearAlert removes the alert state for a token (usage dropped below
	// the warning threshold or the quota was reset).
	ClearAlert(ctx context.Context, tokenID string)
}

type InMemoryDeduplicator struct {
	mu         sync.Mutex
	lastAlerts map[string]AlertLevel
}

func NewInMemoryDeduplicator() *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		lastAlerts: make(map[string]AlertLevel),
	}
}

func (d *InMemoryDeduplicator) ShouldAlert(ctx context.Context, tokenID string, level AlertLevel) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	lastLevel, exists := d.lastAlerts[tokenID]
	if exists && lastLevel == level {
		return false
	}

	d.lastAlerts[tokenID] = level
	return true
}

func (d *InMemoryDeduplicator) ClearAlert(ctx context.Context, tokenID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.lastAlerts, tokenID)
}

// RedisDeduplicator shares alert state across gateway instances.
type RedisDeduplicator struct {
	client  *redis.Client
	lockTTL time.Duration
}

// NewRedisDeduplicator uses an existing client. lockTTL is how long an alert
// counts as sent before it may be repeated.
func NewRedisDeduplicator(client *redis.Client, lockTTL time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client:  client,
		lockTTL: lockTTL,
	}
}

func (d *RedisDeduplicator) alertKey(tokenID string, level AlertLevel) string {
	return fmt.Sprintf("omnikit:quota:alert:%s:%s", tokenID, level)
}

// ShouldAlert uses SETNX so only one instance wins. Redis errors fail open.
func (d *RedisDeduplicator) ShouldAlert(ctx context.Context, tokenID string, level AlertLevel) bool {
	acquired, err := d.client.SetNX(ctx, d.alertKey(tokenID, level), time.Now().Unix(), d.lockTTL).Result()
	if err != nil {
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) ClearAlert(ctx context.Context, tokenID string) {
	d.client.Del(ctx,
		d.alertKey(tokenID, AlertLevelWarning),
		d.alertKey(tokenID, AlertLevelCritical),
		d.alertKey(tokenID, AlertLevelExceeded),
	)
}
