// Package repository persists tokens, channels, model mappings, conversion
// rules, request logs and settings. Memory, Postgres and SQLite backends
// implement the same Store.
package repository

import (
	"context"
	"sort"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

type TokenRepository interface {
	ListTokens(ctx context.Context) ([]domain.Token, error)
	GetToken(ctx context.Context, id string) (*domain.Token, error)
	// GetTokenByKey returns the token whatever its enabled flag.
	GetTokenByKey(ctx context.Context, key string) (*domain.Token, error)
	CreateToken(ctx context.Context, t *domain.Token) error
	UpdateToken(ctx context.Context, t *domain.Token) error
	DeleteToken(ctx context.Context, id string) error
	// AddUsage bumps request_count by one and quota_used by units in one
	// statement.
	AddUsage(ctx context.Context, id string, units int64) error
	ResetQuota(ctx context.Context, id string) error
}

type ChannelRepository interface {
	// ListChannels and GetChannel return channels with their keys ordered
	// by position.
	ListChannels(ctx context.Context) ([]domain.Channel, error)
	GetChannel(ctx context.Context, id string) (*domain.Channel, error)
	CreateChannel(ctx context.Context, c *domain.Channel) error
	UpdateChannel(ctx context.Context, c *domain.Channel) error
	DeleteChannel(ctx context.Context, id string) error
	AddKey(ctx context.Context, k *domain.APIKey) error
	UpdateKey(ctx context.Context, k *domain.APIKey) error
	DeleteKey(ctx context.Context, channelID, keyID string) error
	TouchKey(ctx context.Context, keyID string, at time.Time) error
}

type MappingRepository interface {
	ListMappings(ctx context.Context) ([]domain.ModelMapping, error)
	GetMapping(ctx context.Context, id string) (*domain.ModelMapping, error)
	GetMappingByName(ctx context.Context, publicName string) (*domain.ModelMapping, error)
	CreateMapping(ctx context.Context, m *domain.ModelMapping) error
	UpdateMapping(ctx context.Context, m *domain.ModelMapping) error
	DeleteMapping(ctx context.Context, id string) error
}

type RuleRepository interface {
	ListRules(ctx context.Context) ([]domain.ConversionRule, error)
	GetRule(ctx context.Context, id string) (*domain.ConversionRule, error)
	CreateRule(ctx context.Context, r *domain.ConversionRule) error
	UpdateRule(ctx context.Context, r *domain.ConversionRule) error
	DeleteRule(ctx context.Context, id string) error
}

type LogRepository interface {
	InsertLog(ctx context.Context, l *domain.RequestLog) error
	GetLog(ctx context.Context, id string) (*domain.RequestLog, error)
	// ListLogs returns one page, newest first, and the filtered total.
	ListLogs(ctx context.Context, f domain.LogFilter) ([]domain.RequestLog, int64, error)
	DeleteLogs(ctx context.Context) (int64, error)
	DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error)
	Stats(ctx context.Context, since time.Time) (*domain.UsageStats, error)
}

type SettingsRepository interface {
	// GetSetting returns domain.ErrNotFound for unknown keys.
	GetSetting(ctx context.Context, key string) (string, error)
	SetSetting(ctx context.Context, key, value string) error
}

type Store interface {
	TokenRepository
	ChannelRepository
	MappingRepository
	RuleRepository
	LogRepository
	SettingsRepository
	Ping(ctx context.Context) error
	Close() error
}

const (
	DefaultLogLimit = 50
	MaxLogLimit     = 500
)

func normalizeFilter(f domain.LogFilter) domain.LogFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultLogLimit
	}
	if f.Limit > MaxLogLimit {
		f.Limit = MaxLogLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

type statRow struct {
	createdAt        time.Time
	model            string
	promptTokens     int64
	completionTokens int64
}

// aggregateStats groups rows by UTC day and by model. Days ascend; models
// are ordered by count, then name.
func aggregateStats(rows []statRow) *domain.UsageStats {
	days := map[string]*domain.DailyStat{}
	models := map[string]int64{}
	for _, r := range rows {
		day := r.createdAt.UTC().Format("2006-01-02")
		d, ok := days[day]
		if !ok {
			d = &domain.DailyStat{Date: day}
			days[day] = d
		}
		d.Count++
		d.PromptTokens += r.promptTokens
		d.CompletionTokens += r.completionTokens
		if r.model != "" {
			models[r.model]++
		}
	}

	stats := &domain.UsageStats{
		Daily:   make([]domain.DailyStat, 0, len(days)),
		ByModel: make([]domain.ModelStat, 0, len(models)),
	}
	for _, d := range days {
		stats.Daily = append(stats.Daily, *d)
	}
	sort.Slice(stats.Daily, func(i, j int) bool { return stats.Daily[i].Date < stats.Daily[j].Date })
	for m, n := range models {
		stats.ByModel = append(stats.ByModel, domain.ModelStat{Model: m, Count: n})
	}
	sortModelStats(stats.ByModel)
	return stats
}

func sortModelStats(s []domain.ModelStat) {
	sort.Slice(s, func(i, j int) bool {
		if s[i].Count != s[j].Count {
			return s[i].Count > s[j].Count
		}
		return s[i].Model < s[j].Model
	})
}

func sortKeys(keys []domain.APIKey) {
	sort.SliceStable(keys, func(i, j int) bool { return keys[i].Position < keys[j].Position })
}

func stamp(created, updated *time.Time) {
	now := time.Now().UTC()
	if created.IsZero() {
		*created = now
	}
	if updated.IsZero() {
		*updated = *created
	}
}
