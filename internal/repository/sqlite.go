package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

// SQLiteStore is the default local backend. Timestamps are stored as unix
// milliseconds.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (creating if needed) the database file at path and
// migrates the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(30000)&_pragma=foreign_keys(1)"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&tokenRow{}, &channelRow{}, &apiKeyRow{}, &mappingRow{}, &ruleRow{}, &logRow{}, &settingRow{},
	); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func gormErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.ErrNotFound
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%w: %s", domain.ErrConflict, op)
	}
	if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
		return fmt.Errorf("%w: %s", domain.ErrNotFound, op)
	}
	return domain.StoreErr(op, err)
}

func rowsAffected(op string, tx *gorm.DB) error {
	if tx.Error != nil {
		return gormErr(op, tx.Error)
	}
	if tx.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func toMillisPtr(t *time.Time) *int64 {
	if t == nil || t.IsZero() {
		return nil
	}
	ms := t.UnixMilli()
	return &ms
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func fromMillisPtr(ms *int64) *time.Time {
	if ms == nil || *ms == 0 {
		return nil
	}
	t := time.UnixMilli(*ms).UTC()
	return &t
}

type tokenRow struct {
	ID            string   `gorm:"primaryKey"`
	Name          string
	Key           string   `gorm:"column:token_key;uniqueIndex;not null"`
	QuotaLimit    *int64
	QuotaUsed     int64
	RequestCount  int64
	ExpiresAt     *int64
	AllowedModels []string `gorm:"serializer:json"`
	Enabled       bool
	CreatedAt     int64 `gorm:"autoCreateTime:false"`
	UpdatedAt     int64 `gorm:"autoUpdateTime:false"`
}

func (tokenRow) TableName() string { return "tokens" }

func newTokenRow(t *domain.Token) *tokenRow {
	return &tokenRow{
		ID:            t.ID,
		Name:          t.Name,
		Key:           t.Key,
		QuotaLimit:    t.QuotaLimit,
		QuotaUsed:     t.QuotaUsed,
		RequestCount:  t.RequestCount,
		ExpiresAt:     toMillisPtr(t.ExpiresAt),
		AllowedModels: t.AllowedModels,
		Enabled:       t.Enabled,
		CreatedAt:     toMillis(t.CreatedAt),
		UpdatedAt:     toMillis(t.UpdatedAt),
	}
}

func (r *tokenRow) domain() domain.Token {
	return domain.Token{
		ID:            r.ID,
		Name:          r.Name,
		Key:           r.Key,
		QuotaLimit:    r.QuotaLimit,
		QuotaUsed:     r.QuotaUsed,
		RequestCount:  r.RequestCount,
		ExpiresAt:     fromMillisPtr(r.ExpiresAt),
		AllowedModels: r.AllowedModels,
		Enabled:       r.Enabled,
		CreatedAt:     fromMillis(r.CreatedAt),
		UpdatedAt:     fromMillis(r.UpdatedAt),
	}
}

func (s *SQLiteStore) ListTokens(ctx context.Context) ([]domain.Token, error) {
	var rows []tokenRow
	if err := s.db.WithContext(ctx).Order("created_at DESC").Find(&rows).Error; err != nil {
		return nil, gormErr("query tokens", err)
	}
	out := make([]domain.Token, len(rows))
	for i := range rows {
		out[i] = rows[i].domain()
	}
	return out, nil
}

func (s *SQLiteStore) GetToken(ctx context.Context, id string) (*domain.Token, error) {
	var row tokenRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, gormErr("query token", err)
	}
	t := row.domain()
	return &t, nil
}

func (s *SQLiteStore) GetTokenByKey(ctx context.Context, key string) (*domain.Token, error) {
	var row tokenRow
	if err := s.db.WithContext(ctx).First(&row, "token_key = ?", key).Error; err != nil {
		return nil, gormErr("query token", err)
	}
	t := row.domain()
	return &t, nil
}

func (s *SQLiteStore) CreateToken(ctx context.Context, t *domain.Token) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	stamp(&t.CreatedAt, &t.UpdatedAt)
	return gormErr("insert token", s.db.WithContext(ctx).Create(newTokenRow(t)).Error)
}

func (s *SQLiteStore) UpdateToken(ctx context.Context, t *domain.Token) error {
	t.UpdatedAt = time.Now().UTC()
	row := newTokenRow(t)
	tx := s.db.WithContext(ctx).Model(&tokenRow{}).Where("id = ?", t.ID).
		Select("name", "token_key", "quota_limit", "expires_at", "allowed_models", "enabled", "updated_at").
		Updates(row)
	return rowsAffected("update token", tx)
}

func (s *SQLiteStore) DeleteToken(ctx context.Context, id string) error {
	return rowsAffected("delete token", s.db.WithContext(ctx).Delete(&tokenRow{}, "id = ?", id))
}

func (s *SQLiteStore) AddUsage(ctx context.Context, id string, units int64) error {
	tx := s.db.WithContext(ctx).Model(&tokenRow{}).Where("id = ?", id).Updates(map[string]any{
		"request_count": gorm.Expr("request_count + 1"),
		"quota_used":    gorm.Expr("quota_used + ?", units),
	})
	return rowsAffected("add token usage", tx)
}

func (s *SQLiteStore) ResetQuota(ctx context.Context, id string) error {
	tx := s.db.WithContext(ctx).Model(&tokenRow{}).Where("id = ?", id).Updates(map[string]any{
		"quota_used": 0,
		"updated_at": toMillis(time.Now()),
	})
	return rowsAffected("reset token quota", tx)
}

type settingRow struct {
	Key   string `gorm:"column:setting_key;primaryKey"`
	Value string
}

func (settingRow) TableName() string { return "settings" }

func (s *SQLiteStore) GetSetting(ctx context.Context, key string) (string, error) {
	var row settingRow
	if err := s.db.WithContext(ctx).First(&row, "setting_key = ?", key).Error; err != nil {
		return "", gormErr("query setting", err)
	}
	return row.Value, nil
}

func (s *SQLiteStore) SetSetting(ctx context.Context, key, value string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value"}),
	}).Create(&settingRow{Key: key, Value: value}).Error
	return gormErr("upsert setting", err)
}
