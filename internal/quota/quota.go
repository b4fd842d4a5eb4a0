// Package quota watches token quota consumption and raises alerts when a
// token approaches or reaches its limit. Enforcement itself happens in the
// dispatcher's auth step; this package only observes.
package quota

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/metrics"
)

type AlertLevel string

const (
	AlertLevelWarning  AlertLevel = "warning"
	AlertLevelCritical AlertLevel = "critical"
	AlertLevelExceeded AlertLevel = "exceeded"
)

type Alert struct {
	TokenID    string
	TokenName  string
	Level      AlertLevel
	Limit      int64
	Used       int64
	Percentage float64
	Timestamp  time.Time
}

type AlertHandler func(ctx context.Context, alert Alert)

type Thresholds struct {
	Warning  float64
	Critical float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:  0.8,
		Critical: 0.95,
	}
}

type Monitor struct {
	mu            sync.RWMutex
	dedup         AlertDeduplicator
	alertHandlers []AlertHandler
	thresholds    Thresholds
	now           func() time.Time
}

func NewMonitor(dedup AlertDeduplicator, thresholds Thresholds) *Monitor {
	if dedup == nil {
		dedup = NewInMemoryDeduplicator()
	}
	return &Monitor{
		dedup:      dedup,
		thresholds: thresholds,
		now:        time.Now,
	}
}

func (m *Monitor) OnAlert(handler AlertHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alertHandlers = append(m.alertHandlers, handler)
}

// Level classifies a usage ratio. Below the warning threshold it returns "".
func (m *Monitor) Level(ratio float64) AlertLevel {
	switch {
	case ratio >= 1.0:
		return AlertLevelExceeded
	case ratio >= m.thresholds.Critical:
		return AlertLevelCritical
	case ratio >= m.thresholds.Warning:
		return AlertLevelWarning
	default:
		return ""
	}
}

// Check is called with the token's counters after usage was recorded. It
// updates the usage gauge and fires at most one alert per token and level.
// Tokens without a limit are ignored.
func (m *Monitor) Check(ctx context.Context, tok *domain.Token) *Alert {
	if tok.QuotaLimit == nil || *tok.QuotaLimit <= 0 {
		return nil
	}

	limit := *tok.QuotaLimit
	ratio := float64(tok.QuotaUsed) / float64(limit)
	metrics.SetTokenQuotaUsage(tok.ID, ratio)

	level := m.Level(ratio)
	if level == "" {
		m.dedup.ClearAlert(ctx, tok.ID)
		return nil
	}

	if !m.dedup.ShouldAlert(ctx, tok.ID, level) {
		return nil
	}

	alert := &Alert{
		TokenID:    tok.ID,
		TokenName:  tok.Name,
		Level:      level,
		Limit:      limit,
		Used:       tok.QuotaUsed,
		Percentage: ratio * 100,
		Timestamp:  m.now(),
	}

	m.mu.RLock()
	handlers := make([]AlertHandler, len(m.alertHandlers))
	copy(handlers, m.alertHandlers)
	m.mu.RUnlock()

	for _, handler := range handlers {
		handler(ctx, *alert)
	}

	return alert
}

// Reset forgets alert state after an explicit quota reset.
func (m *Monitor) Reset(ctx context.Context, tokenID string) {
	m.dedup.ClearAlert(ctx, tokenID)
	metrics.SetTokenQuotaUsage(tokenID, 0)
}
