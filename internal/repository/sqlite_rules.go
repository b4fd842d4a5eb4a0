package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

type ruleRow struct {
	ID               string `gorm:"primaryKey"`
	Slug             string
	Name             string
	Description      string
	Author           string
	Version          string
	SourceFormat     string `gorm:"index:idx_rules_pair,priority:1"`
	TargetFormat     string `gorm:"index:idx_rules_pair,priority:2"`
	RequestTemplate  string `gorm:"type:text"`
	ResponseTemplate string `gorm:"type:text"`
	StreamTemplate   string `gorm:"type:text"`
	Enabled          bool
	Origin           string
	CreatedAt        int64 `gorm:"autoCreateTime:false"`
	UpdatedAt        int64 `gorm:"autoUpdateTime:false"`
}

func (ruleRow) TableName() string { return "conversion_rules" }

func newRuleRow(r *domain.ConversionRule) *ruleRow {
	return &ruleRow{
		ID:               r.ID,
		Slug:             r.Slug,
		Name:             r.Name,
		Description:      r.Description,
		Author:           r.Author,
		Version:          r.Version,
		SourceFormat:     string(r.Source),
		TargetFormat:     string(r.Target),
		RequestTemplate:  string(r.RequestTemplate),
		ResponseTemplate: string(r.ResponseTemplate),
		StreamTemplate:   string(r.StreamTemplate),
		Enabled:          r.Enabled,
		Origin:           string(r.Origin),
		CreatedAt:        toMillis(r.CreatedAt),
		UpdatedAt:        toMillis(r.UpdatedAt),
	}
}

func (r *ruleRow) domain() domain.ConversionRule {
	out := domain.ConversionRule{
		ID:               r.ID,
		Slug:             r.Slug,
		Name:             r.Name,
		Description:      r.Description,
		Author:           r.Author,
		Version:          r.Version,
		Source:           domain.Format(r.SourceFormat),
		Target:           domain.Format(r.TargetFormat),
		RequestTemplate:  []byte(r.RequestTemplate),
		ResponseTemplate: []byte(r.ResponseTemplate),
		Enabled:          r.Enabled,
		Origin:           domain.RuleOrigin(r.Origin),
		CreatedAt:        fromMillis(r.CreatedAt),
		UpdatedAt:        fromMillis(r.UpdatedAt),
	}
	if r.StreamTemplate != "" {
		out.StreamTemplate = []byte(r.StreamTemplate)
	}
	return out
}

func (s *SQLiteStore) ListRules(ctx context.Context) ([]domain.ConversionRule, error) {
	var rows []ruleRow
	if err := s.db.WithContext(ctx).Order("updated_at DESC, id DESC").Find(&rows).Error; err != nil {
		return nil, gormErr("query rules", err)
	}
	out := make([]domain.ConversionRule, len(rows))
	for i := range rows {
		out[i] = rows[i].domain()
	}
	return out, nil
}

func (s *SQLiteStore) GetRule(ctx context.Context, id string) (*domain.ConversionRule, error) {
	var row ruleRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, gormErr("query rule", err)
	}
	r := row.domain()
	return &r, nil
}

func (s *SQLiteStore) CreateRule(ctx context.Context, r *domain.ConversionRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	stamp(&r.CreatedAt, &r.UpdatedAt)
	return gormErr("insert rule", s.db.WithContext(ctx).Create(newRuleRow(r)).Error)
}

func (s *SQLiteStore) UpdateRule(ctx context.Context, r *domain.ConversionRule) error {
	r.UpdatedAt = time.Now().UTC()
	tx := s.db.WithContext(ctx).Model(&ruleRow{}).Where("id = ?", r.ID).
		Select("slug", "name", "description", "author", "version", "source_format", "target_format",
			"request_template", "response_template", "stream_template", "enabled", "origin", "updated_at").
		Updates(newRuleRow(r))
	return rowsAffected("update rule", tx)
}

func (s *SQLiteStore) DeleteRule(ctx context.Context, id string) error {
	return rowsAffected("delete rule", s.db.WithContext(ctx).Delete(&ruleRow{}, "id = ?", id))
}
