package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

//go:embed schema.sql
var postgresSchema string

type PostgresStore struct {
	db *sql.DB
}

// OpenPostgres connects with lib/pq and applies the schema.
func OpenPostgres(ctx context.Context, url string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewPostgresStore(db)
	if err := s.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, postgresSchema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// pgErr maps constraint violations onto domain errors and wraps the rest.
func pgErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	var pqe *pq.Error
	if errors.As(err, &pqe) {
		switch pqe.Code {
		case "23505":
			return fmt.Errorf("%w: %s", domain.ErrConflict, pqe.Constraint)
		case "23503":
			return fmt.Errorf("%w: %s", domain.ErrNotFound, pqe.Constraint)
		}
	}
	return domain.StoreErr(op, err)
}

func affected(op string, res sql.Result, err error) error {
	if err != nil {
		return pgErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return pgErr(op, err)
	}
	if n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

const tokenColumns = `id, name, key, quota_limit, quota_used, request_count, expires_at,
	allowed_models, enabled, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*domain.Token, error) {
	var t domain.Token
	var limit sql.NullInt64
	var expires sql.NullTime
	var allowed pq.StringArray

	err := row.Scan(
		&t.ID,
		&t.Name,
		&t.Key,
		&limit,
		&t.QuotaUsed,
		&t.RequestCount,
		&expires,
		&allowed,
		&t.Enabled,
		&t.CreatedAt,
		&t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if limit.Valid {
		t.QuotaLimit = &limit.Int64
	}
	if expires.Valid {
		t.ExpiresAt = &expires.Time
	}
	t.AllowedModels = []string(allowed)
	return &t, nil
}

func (s *PostgresStore) ListTokens(ctx context.Context) ([]domain.Token, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+tokenColumns+` FROM tokens ORDER BY created_at DESC`)
	if err != nil {
		return nil, pgErr("query tokens", err)
	}
	defer rows.Close()

	var tokens []domain.Token
	for rows.Next() {
		t, err := scanToken(rows)
		if err != nil {
			return nil, pgErr("scan token", err)
		}
		tokens = append(tokens, *t)
	}
	return tokens, pgErr("query tokens", rows.Err())
}

func (s *PostgresStore) GetToken(ctx context.Context, id string) (*domain.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("query token", err)
	}
	return t, nil
}

func (s *PostgresStore) GetTokenByKey(ctx context.Context, key string) (*domain.Token, error) {
	t, err := scanToken(s.db.QueryRowContext(ctx, `SELECT `+tokenColumns+` FROM tokens WHERE key = $1`, key))
	if err != nil {
		return nil, pgErr("query token", err)
	}
	return t, nil
}

func (s *PostgresStore) CreateToken(ctx context.Context, t *domain.Token) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	stamp(&t.CreatedAt, &t.UpdatedAt)

	query := `
		INSERT INTO tokens (` + tokenColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.Name,
		t.Key,
		t.QuotaLimit,
		t.QuotaUsed,
		t.RequestCount,
		t.ExpiresAt,
		pq.Array(nonNil(t.AllowedModels)),
		t.Enabled,
		t.CreatedAt,
		t.UpdatedAt,
	)
	return pgErr("insert token", err)
}

// UpdateToken leaves usage counters alone; they move only through AddUsage
// and ResetQuota.
func (s *PostgresStore) UpdateToken(ctx context.Context, t *domain.Token) error {
	t.UpdatedAt = time.Now().UTC()
	query := `
		UPDATE tokens
		SET name = $2, key = $3, quota_limit = $4, expires_at = $5,
		    allowed_models = $6, enabled = $7, updated_at = $8
		WHERE id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		t.ID,
		t.Name,
		t.Key,
		t.QuotaLimit,
		t.ExpiresAt,
		pq.Array(nonNil(t.AllowedModels)),
		t.Enabled,
		t.UpdatedAt,
	)
	return affected("update token", res, err)
}

func (s *PostgresStore) DeleteToken(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tokens WHERE id = $1`, id)
	return affected("delete token", res, err)
}

func (s *PostgresStore) AddUsage(ctx context.Context, id string, units int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tokens
		SET request_count = request_count + 1, quota_used = quota_used + $2
		WHERE id = $1
	`, id, units)
	return affected("add token usage", res, err)
}

func (s *PostgresStore) ResetQuota(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tokens SET quota_used = 0, updated_at = $2 WHERE id = $1`, id, time.Now().UTC())
	return affected("reset token quota", res, err)
}

func (s *PostgresStore) GetSetting(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = $1`, key).Scan(&value)
	if err != nil {
		return "", pgErr("query setting", err)
	}
	return value, nil
}

func (s *PostgresStore) SetSetting(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value
	`, key, value)
	return pgErr("upsert setting", err)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
