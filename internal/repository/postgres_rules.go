package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

const ruleColumns = `id, slug, name, description, author, version, source_format, target_format,
	request_template, response_template, stream_template, enabled, origin, created_at, updated_at`

func scanRule(row rowScanner) (*domain.ConversionRule, error) {
	var r domain.ConversionRule
	var request, response, stream []byte
	err := row.Scan(
		&r.ID,
		&r.Slug,
		&r.Name,
		&r.Description,
		&r.Author,
		&r.Version,
		&r.Source,
		&r.Target,
		&request,
		&response,
		&stream,
		&r.Enabled,
		&r.Origin,
		&r.CreatedAt,
		&r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.RequestTemplate = request
	r.ResponseTemplate = response
	if len(stream) > 0 {
		r.StreamTemplate = stream
	}
	return &r, nil
}

// jsonArg passes an empty template as SQL NULL.
func jsonArg(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func (s *PostgresStore) ListRules(ctx context.Context) ([]domain.ConversionRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM conversion_rules ORDER BY updated_at DESC, id DESC`)
	if err != nil {
		return nil, pgErr("query rules", err)
	}
	defer rows.Close()

	var rules []domain.ConversionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, pgErr("scan rule", err)
		}
		rules = append(rules, *r)
	}
	return rules, pgErr("query rules", rows.Err())
}

func (s *PostgresStore) GetRule(ctx context.Context, id string) (*domain.ConversionRule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM conversion_rules WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("query rule", err)
	}
	return r, nil
}

func (s *PostgresStore) CreateRule(ctx context.Context, r *domain.ConversionRule) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	stamp(&r.CreatedAt, &r.UpdatedAt)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversion_rules (`+ruleColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		r.ID,
		r.Slug,
		r.Name,
		r.Description,
		r.Author,
		r.Version,
		r.Source,
		r.Target,
		jsonArg(r.RequestTemplate),
		jsonArg(r.ResponseTemplate),
		jsonArg(r.StreamTemplate),
		r.Enabled,
		r.Origin,
		r.CreatedAt,
		r.UpdatedAt,
	)
	return pgErr("insert rule", err)
}

func (s *PostgresStore) UpdateRule(ctx context.Context, r *domain.ConversionRule) error {
	r.UpdatedAt = time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE conversion_rules
		SET slug = $2, name = $3, description = $4, author = $5, version = $6,
		    source_format = $7, target_format = $8, request_template = $9,
		    response_template = $10, stream_template = $11, enabled = $12, origin = $13,
		    updated_at = $14
		WHERE id = $1
	`,
		r.ID,
		r.Slug,
		r.Name,
		r.Description,
		r.Author,
		r.Version,
		r.Source,
		r.Target,
		jsonArg(r.RequestTemplate),
		jsonArg(r.ResponseTemplate),
		jsonArg(r.StreamTemplate),
		r.Enabled,
		r.Origin,
		r.UpdatedAt,
	)
	return affected("update rule", res, err)
}

func (s *PostgresStore) DeleteRule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM conversion_rules WHERE id = $1`, id)
	return affected("delete rule", res, err)
}
