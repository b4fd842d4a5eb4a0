package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

type channelRow struct {
	ID           string `gorm:"primaryKey"`
	Name         string
	Provider     string
	BaseURL      string
	Priority     int
	RateLimitRPM int `gorm:"column:rate_limit_rpm"`
	Enabled      bool
	CreatedAt    int64 `gorm:"autoCreateTime:false"`
	UpdatedAt    int64 `gorm:"autoUpdateTime:false"`
}

func (channelRow) TableName() string { return "channels" }

type apiKeyRow struct {
	ID        string `gorm:"primaryKey"`
	ChannelID string `gorm:"index:idx_api_keys_channel,priority:1"`
	KeyValue  string
	Enabled   bool
	Position  int `gorm:"index:idx_api_keys_channel,priority:2"`
	LastUsed  *int64
}

func (apiKeyRow) TableName() string { return "api_keys" }

type mappingRow struct {
	ID         string `gorm:"primaryKey"`
	PublicName string `gorm:"uniqueIndex;not null"`
	ChannelID  string `gorm:"index"`
	ActualName string
	CreatedAt  int64 `gorm:"autoCreateTime:false"`
	UpdatedAt  int64 `gorm:"autoUpdateTime:false"`
}

func (mappingRow) TableName() string { return "model_mappings" }

func newChannelRow(c *domain.Channel) *channelRow {
	return &channelRow{
		ID:           c.ID,
		Name:         c.Name,
		Provider:     string(c.Format),
		BaseURL:      c.BaseURL,
		Priority:     c.Priority,
		RateLimitRPM: c.RateLimitRPM,
		Enabled:      c.Enabled,
		CreatedAt:    toMillis(c.CreatedAt),
		UpdatedAt:    toMillis(c.UpdatedAt),
	}
}

func (r *channelRow) domain() domain.Channel {
	return domain.Channel{
		ID:           r.ID,
		Name:         r.Name,
		Format:       domain.Format(r.Provider),
		BaseURL:      r.BaseURL,
		Priority:     r.Priority,
		RateLimitRPM: r.RateLimitRPM,
		Enabled:      r.Enabled,
		CreatedAt:    fromMillis(r.CreatedAt),
		UpdatedAt:    fromMillis(r.UpdatedAt),
	}
}

func newKeyRow(k *domain.APIKey) *apiKeyRow {
	return &apiKeyRow{
		ID:        k.ID,
		ChannelID: k.ChannelID,
		KeyValue:  k.Value,
		Enabled:   k.Enabled,
		Position:  k.Position,
		LastUsed:  toMillisPtr(k.LastUsed),
	}
}

func (r *apiKeyRow) domain() domain.APIKey {
	return domain.APIKey{
		ID:        r.ID,
		ChannelID: r.ChannelID,
		Value:     r.KeyValue,
		Enabled:   r.Enabled,
		Position:  r.Position,
		LastUsed:  fromMillisPtr(r.LastUsed),
	}
}

func (s *SQLiteStore) keys(ctx context.Context, channelID string) (map[string][]domain.APIKey, error) {
	q := s.db.WithContext(ctx).Order("channel_id, position, id")
	if channelID != "" {
		q = q.Where("channel_id = ?", channelID)
	}
	var rows []apiKeyRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, gormErr("query api keys", err)
	}
	out := make(map[string][]domain.APIKey)
	for i := range rows {
		out[rows[i].ChannelID] = append(out[rows[i].ChannelID], rows[i].domain())
	}
	return out, nil
}

func (s *SQLiteStore) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	var rows []channelRow
	if err := s.db.WithContext(ctx).Order("priority DESC, name").Find(&rows).Error; err != nil {
		return nil, gormErr("query channels", err)
	}
	keys, err := s.keys(ctx, "")
	if err != nil {
		return nil, err
	}
	out := make([]domain.Channel, len(rows))
	for i := range rows {
		out[i] = rows[i].domain()
		out[i].Keys = keys[out[i].ID]
	}
	return out, nil
}

func (s *SQLiteStore) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	var row channelRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, gormErr("query channel", err)
	}
	keys, err := s.keys(ctx, id)
	if err != nil {
		return nil, err
	}
	c := row.domain()
	c.Keys = keys[id]
	return &c, nil
}

func (s *SQLiteStore) CreateChannel(ctx context.Context, c *domain.Channel) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	stamp(&c.CreatedAt, &c.UpdatedAt)

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(newChannelRow(c)).Error; err != nil {
			return err
		}
		for i := range c.Keys {
			k := &c.Keys[i]
			if k.ID == "" {
				k.ID = uuid.NewString()
			}
			k.ChannelID = c.ID
			if err := tx.Create(newKeyRow(k)).Error; err != nil {
				return err
			}
		}
		return nil
	})
	return gormErr("insert channel", err)
}

func (s *SQLiteStore) UpdateChannel(ctx context.Context, c *domain.Channel) error {
	c.UpdatedAt = time.Now().UTC()
	tx := s.db.WithContext(ctx).Model(&channelRow{}).Where("id = ?", c.ID).
		Select("name", "provider", "base_url", "priority", "rate_limit_rpm", "enabled", "updated_at").
		Updates(newChannelRow(c))
	return rowsAffected("update channel", tx)
}

// DeleteChannel removes the channel with its keys and mappings.
func (s *SQLiteStore) DeleteChannel(ctx context.Context, id string) error {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&apiKeyRow{}, "channel_id = ?", id).Error; err != nil {
			return err
		}
		if err := tx.Delete(&mappingRow{}, "channel_id = ?", id).Error; err != nil {
			return err
		}
		res := tx.Delete(&channelRow{}, "id = ?", id)
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return gormErr("delete channel", err)
	}
	if deleted == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) AddKey(ctx context.Context, k *domain.APIKey) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&channelRow{}).Where("id = ?", k.ChannelID).Count(&n).Error; err != nil {
		return gormErr("query channel", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	return gormErr("insert api key", s.db.WithContext(ctx).Create(newKeyRow(k)).Error)
}

func (s *SQLiteStore) UpdateKey(ctx context.Context, k *domain.APIKey) error {
	tx := s.db.WithContext(ctx).Model(&apiKeyRow{}).
		Where("id = ? AND channel_id = ?", k.ID, k.ChannelID).
		Select("key_value", "enabled", "position").
		Updates(newKeyRow(k))
	return rowsAffected("update api key", tx)
}

func (s *SQLiteStore) DeleteKey(ctx context.Context, channelID, keyID string) error {
	return rowsAffected("delete api key", s.db.WithContext(ctx).Delete(&apiKeyRow{}, "id = ? AND channel_id = ?", keyID, channelID))
}

func (s *SQLiteStore) TouchKey(ctx context.Context, keyID string, at time.Time) error {
	tx := s.db.WithContext(ctx).Model(&apiKeyRow{}).Where("id = ?", keyID).Update("last_used", toMillis(at))
	return rowsAffected("touch api key", tx)
}

func newMappingRow(m *domain.ModelMapping) *mappingRow {
	return &mappingRow{
		ID:         m.ID,
		PublicName: m.PublicName,
		ChannelID:  m.ChannelID,
		ActualName: m.ActualName,
		CreatedAt:  toMillis(m.CreatedAt),
		UpdatedAt:  toMillis(m.UpdatedAt),
	}
}

func (r *mappingRow) domain() domain.ModelMapping {
	return domain.ModelMapping{
		ID:         r.ID,
		PublicName: r.PublicName,
		ChannelID:  r.ChannelID,
		ActualName: r.ActualName,
		CreatedAt:  fromMillis(r.CreatedAt),
		UpdatedAt:  fromMillis(r.UpdatedAt),
	}
}

func (s *SQLiteStore) ListMappings(ctx context.Context) ([]domain.ModelMapping, error) {
	var rows []mappingRow
	if err := s.db.WithContext(ctx).Order("public_name").Find(&rows).Error; err != nil {
		return nil, gormErr("query mappings", err)
	}
	out := make([]domain.ModelMapping, len(rows))
	for i := range rows {
		out[i] = rows[i].domain()
	}
	return out, nil
}

func (s *SQLiteStore) GetMapping(ctx context.Context, id string) (*domain.ModelMapping, error) {
	var row mappingRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error; err != nil {
		return nil, gormErr("query mapping", err)
	}
	m := row.domain()
	return &m, nil
}

func (s *SQLiteStore) GetMappingByName(ctx context.Context, publicName string) (*domain.ModelMapping, error) {
	var row mappingRow
	if err := s.db.WithContext(ctx).First(&row, "public_name = ?", publicName).Error; err != nil {
		return nil, gormErr("query mapping", err)
	}
	m := row.domain()
	return &m, nil
}

func (s *SQLiteStore) channelExists(ctx context.Context, id string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&channelRow{}).Where("id = ?", id).Count(&n).Error; err != nil {
		return gormErr("query channel", err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateMapping(ctx context.Context, m *domain.ModelMapping) error {
	if err := s.channelExists(ctx, m.ChannelID); err != nil {
		return err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	stamp(&m.CreatedAt, &m.UpdatedAt)
	return gormErr("insert mapping", s.db.WithContext(ctx).Create(newMappingRow(m)).Error)
}

func (s *SQLiteStore) UpdateMapping(ctx context.Context, m *domain.ModelMapping) error {
	if err := s.channelExists(ctx, m.ChannelID); err != nil {
		return err
	}
	m.UpdatedAt = time.Now().UTC()
	tx := s.db.WithContext(ctx).Model(&mappingRow{}).Where("id = ?", m.ID).
		Select("public_name", "channel_id", "actual_name", "updated_at").
		Updates(newMappingRow(m))
	return rowsAffected("update mapping", tx)
}

func (s *SQLiteStore) DeleteMapping(ctx context.Context, id string) error {
	return rowsAffected("delete mapping", s.db.WithContext(ctx).Delete(&mappingRow{}, "id = ?", id))
}
