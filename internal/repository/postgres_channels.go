package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

const channelColumns = `id, name, provider, base_url, priority, rate_limit_rpm, enabled, created_at, updated_at`

func scanChannel(row rowScanner) (*domain.Channel, error) {
	var c domain.Channel
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Format,
		&c.BaseURL,
		&c.Priority,
		&c.RateLimitRPM,
		&c.Enabled,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *PostgresStore) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+channelColumns+` FROM channels ORDER BY priority DESC, name`)
	if err != nil {
		return nil, pgErr("query channels", err)
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, pgErr("scan channel", err)
		}
		channels = append(channels, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("query channels", err)
	}

	keys, err := s.keys(ctx, "")
	if err != nil {
		return nil, err
	}
	for i := range channels {
		channels[i].Keys = keys[channels[i].ID]
	}
	return channels, nil
}

func (s *PostgresStore) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	c, err := scanChannel(s.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("query channel", err)
	}
	keys, err := s.keys(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Keys = keys[id]
	return c, nil
}

// keys loads API keys grouped by channel; an empty channelID loads all.
func (s *PostgresStore) keys(ctx context.Context, channelID string) (map[string][]domain.APIKey, error) {
	query := `SELECT id, channel_id, key_value, enabled, position, last_used FROM api_keys`
	var args []any
	if channelID != "" {
		query += ` WHERE channel_id = $1`
		args = append(args, channelID)
	}
	query += ` ORDER BY channel_id, position, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pgErr("query api keys", err)
	}
	defer rows.Close()

	out := make(map[string][]domain.APIKey)
	for rows.Next() {
		var k domain.APIKey
		var lastUsed sql.NullTime
		if err := rows.Scan(&k.ID, &k.ChannelID, &k.Value, &k.Enabled, &k.Position, &lastUsed); err != nil {
			return nil, pgErr("scan api key", err)
		}
		if lastUsed.Valid {
			k.LastUsed = &lastUsed.Time
		}
		out[k.ChannelID] = append(out[k.ChannelID], k)
	}
	return out, pgErr("query api keys", rows.Err())
}

func (s *PostgresStore) CreateChannel(ctx context.Context, c *domain.Channel) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	stamp(&c.CreatedAt, &c.UpdatedAt)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return pgErr("begin", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO channels (`+channelColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, c.ID, c.Name, c.Format, c.BaseURL, c.Priority, c.RateLimitRPM, c.Enabled, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return pgErr("insert channel", err)
	}
	for i := range c.Keys {
		k := &c.Keys[i]
		if k.ID == "" {
			k.ID = uuid.NewString()
		}
		k.ChannelID = c.ID
		if err := insertKey(ctx, tx, k); err != nil {
			return err
		}
	}
	return pgErr("commit", tx.Commit())
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertKey(ctx context.Context, db execer, k *domain.APIKey) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO api_keys (id, channel_id, key_value, enabled, position, last_used)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, k.ID, k.ChannelID, k.Value, k.Enabled, k.Position, k.LastUsed)
	return pgErr("insert api key", err)
}

func (s *PostgresStore) UpdateChannel(ctx context.Context, c *domain.Channel) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE channels
		SET name = $2, provider = $3, base_url = $4, priority = $5, rate_limit_rpm = $6,
		    enabled = $7, updated_at = $8
		WHERE id = $1
	`, c.ID, c.Name, c.Format, c.BaseURL, c.Priority, c.RateLimitRPM, c.Enabled, c.UpdatedAt)
	return affected("update channel", res, err)
}

func (s *PostgresStore) DeleteChannel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM channels WHERE id = $1`, id)
	return affected("delete channel", res, err)
}

func (s *PostgresStore) AddKey(ctx context.Context, k *domain.APIKey) error {
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	return insertKey(ctx, s.db, k)
}

func (s *PostgresStore) UpdateKey(ctx context.Context, k *domain.APIKey) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE api_keys SET key_value = $3, enabled = $4, position = $5
		WHERE id = $1 AND channel_id = $2
	`, k.ID, k.ChannelID, k.Value, k.Enabled, k.Position)
	return affected("update api key", res, err)
}

func (s *PostgresStore) DeleteKey(ctx context.Context, channelID, keyID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM api_keys WHERE id = $1 AND channel_id = $2`, keyID, channelID)
	return affected("delete api key", res, err)
}

func (s *PostgresStore) TouchKey(ctx context.Context, keyID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE api_keys SET last_used = $2 WHERE id = $1`, keyID, at)
	return affected("touch api key", res, err)
}

const mappingColumns = `id, public_name, channel_id, actual_name, created_at, updated_at`

func scanMapping(row rowScanner) (*domain.ModelMapping, error) {
	var m domain.ModelMapping
	if err := row.Scan(&m.ID, &m.PublicName, &m.ChannelID, &m.ActualName, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) ListMappings(ctx context.Context) ([]domain.ModelMapping, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+mappingColumns+` FROM model_mappings ORDER BY public_name`)
	if err != nil {
		return nil, pgErr("query mappings", err)
	}
	defer rows.Close()

	var mappings []domain.ModelMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, pgErr("scan mapping", err)
		}
		mappings = append(mappings, *m)
	}
	return mappings, pgErr("query mappings", rows.Err())
}

func (s *PostgresStore) GetMapping(ctx context.Context, id string) (*domain.ModelMapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx, `SELECT `+mappingColumns+` FROM model_mappings WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("query mapping", err)
	}
	return m, nil
}

func (s *PostgresStore) GetMappingByName(ctx context.Context, publicName string) (*domain.ModelMapping, error) {
	m, err := scanMapping(s.db.QueryRowContext(ctx, `SELECT `+mappingColumns+` FROM model_mappings WHERE public_name = $1`, publicName))
	if err != nil {
		return nil, pgErr("query mapping", err)
	}
	return m, nil
}

func (s *PostgresStore) CreateMapping(ctx context.Context, m *domain.ModelMapping) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	stamp(&m.CreatedAt, &m.UpdatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO model_mappings (`+mappingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, m.ID, m.PublicName, m.ChannelID, m.ActualName, m.CreatedAt, m.UpdatedAt)
	return pgErr("insert mapping", err)
}

func (s *PostgresStore) UpdateMapping(ctx context.Context, m *domain.ModelMapping) error {
	m.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE model_mappings SET public_name = $2, channel_id = $3, actual_name = $4, updated_at = $5
		WHERE id = $1
	`, m.ID, m.PublicName, m.ChannelID, m.ActualName, m.UpdatedAt)
	return affected("update mapping", res, err)
}

func (s *PostgresStore) DeleteMapping(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM model_mappings WHERE id = $1`, id)
	return affected("delete mapping", res, err)
}
