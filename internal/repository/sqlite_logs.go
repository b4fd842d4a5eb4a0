package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

type logRow struct {
	ID               string `gorm:"primaryKey"`
	TokenID          string
	ChannelID        string
	Model            string `gorm:"index"`
	UpstreamModel    string
	InputFormat      string
	OutputFormat     string
	Status           int
	UpstreamStatus   int
	Stream           bool
	LatencyMs        int64
	PromptTokens     int
	CompletionTokens int
	RequestBody      string `gorm:"type:text"`
	ResponseBody     string `gorm:"type:text"`
	Error            string `gorm:"type:text"`
	RetryOf          string
	CreatedAt        int64 `gorm:"index;autoCreateTime:false"`
}

func (logRow) TableName() string { return "request_logs" }

func newLogRow(l *domain.RequestLog) *logRow {
	return &logRow{
		ID:               l.ID,
		TokenID:          l.TokenID,
		ChannelID:        l.ChannelID,
		Model:            l.Model,
		UpstreamModel:    l.UpstreamModel,
		InputFormat:      string(l.InputFormat),
		OutputFormat:     string(l.OutputFormat),
		Status:           l.Status,
		UpstreamStatus:   l.UpstreamStatus,
		Stream:           l.Stream,
		LatencyMs:        l.LatencyMs,
		PromptTokens:     l.PromptTokens,
		CompletionTokens: l.CompletionTokens,
		RequestBody:      l.RequestBody,
		ResponseBody:     l.ResponseBody,
		Error:            l.Error,
		RetryOf:          l.RetryOf,
		CreatedAt:        toMillis(l.CreatedAt),
	}
}

func (r *logRow) domain() domain.RequestLog {
	return domain.RequestLog{
		ID:               r.ID,
		TokenID:          r.TokenID,
		ChannelID:        r.ChannelID,
		Model:            r.Model,
		UpstreamModel:    r.UpstreamModel,
		InputFormat:      domain.Format(r.InputFormat),
		OutputFormat:     domain.Format(r.OutputFormat),
		Status:           r.Status,
		UpstreamStatus:   r.UpstreamStatus,
		Stream:           r.Stream,
		LatencyMs:        r.LatencyMs,
		PromptTokens:     r.PromptTokens,
		CompletionTokens: r.CompletionTokens,
		RequestBody:      r.RequestBody,
		ResponseBody:     r.ResponseBody,
		Error:            r.Error,
		RetryOf:          r.RetryOf,
		CreatedAt:        fromMillis(r.CreatedAt),
	}
}

func (s *SQLiteStore) InsertLog(ctx context.Context, l *domain.RequestLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	return gormErr("insert request log", s.db.WithContext(ctx).Create(newLogRow(l)).Error)
}

func (s *SQLiteStore) GetLog(ctx context.Context, id string) (*domain.RequestLog, error) {
	var row logRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, gormErr("query request log", err)
	}
	l := row.domain()
	return &l, nil
}

func (s *SQLiteStore) ListLogs(ctx context.Context, f domain.LogFilter) ([]domain.RequestLog, int64, error) {
	f = normalizeFilter(f)

	q := s.db.WithContext(ctx).Model(&logRow{})
	if f.Model != "" {
		q = q.Where("lower(model) = lower(?)", f.Model)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, gormErr("count request logs", err)
	}

	var rows []logRow
	if err := q.Order("created_at DESC, id DESC").Limit(f.Limit).Offset(f.Offset).Find(&rows).Error; err != nil {
		return nil, 0, gormErr("query request logs", err)
	}
	out := make([]domain.RequestLog, len(rows))
	for i := range rows {
		out[i] = rows[i].domain()
	}
	return out, total, nil
}

func (s *SQLiteStore) DeleteLogs(ctx context.Context) (int64, error) {
	tx := s.db.WithContext(ctx).Where("1 = 1").Delete(&logRow{})
	return tx.RowsAffected, gormErr("delete request logs", tx.Error)
}

func (s *SQLiteStore) DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	tx := s.db.WithContext(ctx).Where("created_at < ?", toMillis(before)).Delete(&logRow{})
	return tx.RowsAffected, gormErr("delete request logs", tx.Error)
}

// Stats aggregates in Go; day boundaries are UTC.
func (s *SQLiteStore) Stats(ctx context.Context, since time.Time) (*domain.UsageStats, error) {
	var rows []logRow
	err := s.db.WithContext(ctx).
		Select("model", "prompt_tokens", "completion_tokens", "created_at").
		Where("created_at >= ?", toMillis(since)).
		Find(&rows).Error
	if err != nil {
		return nil, gormErr("query stats", err)
	}
	stats := make([]statRow, len(rows))
	for i, r := range rows {
		stats[i] = statRow{
			createdAt:        fromMillis(r.CreatedAt),
			model:            r.Model,
			promptTokens:     int64(r.PromptTokens),
			completionTokens: int64(r.CompletionTokens),
		}
	}
	return aggregateStats(stats), nil
}
