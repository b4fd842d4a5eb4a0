package repository

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

const logColumns = `id, token_id, channel_id, model, upstream_model, input_format, output_format,
	status, upstream_status, stream, latency_ms, prompt_tokens, completion_tokens,
	request_body, response_body, error, retry_of, created_at`

func scanLog(row rowScanner) (*domain.RequestLog, error) {
	var l domain.RequestLog
	err := row.Scan(
		&l.ID,
		&l.TokenID,
		&l.ChannelID,
		&l.Model,
		&l.UpstreamModel,
		&l.InputFormat,
		&l.OutputFormat,
		&l.Status,
		&l.UpstreamStatus,
		&l.Stream,
		&l.LatencyMs,
		&l.PromptTokens,
		&l.CompletionTokens,
		&l.RequestBody,
		&l.ResponseBody,
		&l.Error,
		&l.RetryOf,
		&l.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &l, nil
}

func (s *PostgresStore) InsertLog(ctx context.Context, l *domain.RequestLog) error {
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO request_logs (`+logColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`,
		l.ID,
		l.TokenID,
		l.ChannelID,
		l.Model,
		l.UpstreamModel,
		l.InputFormat,
		l.OutputFormat,
		l.Status,
		l.UpstreamStatus,
		l.Stream,
		l.LatencyMs,
		l.PromptTokens,
		l.CompletionTokens,
		l.RequestBody,
		l.ResponseBody,
		l.Error,
		l.RetryOf,
		l.CreatedAt,
	)
	return pgErr("insert request log", err)
}

func (s *PostgresStore) GetLog(ctx context.Context, id string) (*domain.RequestLog, error) {
	l, err := scanLog(s.db.QueryRowContext(ctx, `SELECT `+logColumns+` FROM request_logs WHERE id = $1`, id))
	if err != nil {
		return nil, pgErr("query request log", err)
	}
	return l, nil
}

func (s *PostgresStore) ListLogs(ctx context.Context, f domain.LogFilter) ([]domain.RequestLog, int64, error) {
	f = normalizeFilter(f)

	where := ``
	args := []any{}
	if f.Model != "" {
		where = ` WHERE lower(model) = lower($1)`
		args = append(args, f.Model)
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM request_logs`+where, args...).Scan(&total); err != nil {
		return nil, 0, pgErr("count request logs", err)
	}

	n := len(args)
	query := `SELECT ` + logColumns + ` FROM request_logs` + where +
		` ORDER BY created_at DESC, id DESC LIMIT $` + strconv.Itoa(n+1) + ` OFFSET $` + strconv.Itoa(n+2)
	rows, err := s.db.QueryContext(ctx, query, append(args, f.Limit, f.Offset)...)
	if err != nil {
		return nil, 0, pgErr("query request logs", err)
	}
	defer rows.Close()

	logs := []domain.RequestLog{}
	for rows.Next() {
		l, err := scanLog(rows)
		if err != nil {
			return nil, 0, pgErr("scan request log", err)
		}
		logs = append(logs, *l)
	}
	return logs, total, pgErr("query request logs", rows.Err())
}

func (s *PostgresStore) DeleteLogs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs`)
	if err != nil {
		return 0, pgErr("delete request logs", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM request_logs WHERE created_at < $1`, before)
	if err != nil {
		return 0, pgErr("delete request logs", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) Stats(ctx context.Context, since time.Time) (*domain.UsageStats, error) {
	stats := &domain.UsageStats{Daily: []domain.DailyStat{}, ByModel: []domain.ModelStat{}}

	rows, err := s.db.QueryContext(ctx, `
		SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		       count(*), COALESCE(SUM(prompt_tokens), 0), COALESCE(SUM(completion_tokens), 0)
		FROM request_logs
		WHERE created_at >= $1
		GROUP BY day
		ORDER BY day
	`, since)
	if err != nil {
		return nil, pgErr("query daily stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var d domain.DailyStat
		if err := rows.Scan(&d.Date, &d.Count, &d.PromptTokens, &d.CompletionTokens); err != nil {
			return nil, pgErr("scan daily stats", err)
		}
		stats.Daily = append(stats.Daily, d)
	}
	if err := rows.Err(); err != nil {
		return nil, pgErr("query daily stats", err)
	}

	mrows, err := s.db.QueryContext(ctx, `
		SELECT model, count(*) FROM request_logs
		WHERE created_at >= $1 AND model <> ''
		GROUP BY model
	`, since)
	if err != nil {
		return nil, pgErr("query model stats", err)
	}
	defer mrows.Close()
	for mrows.Next() {
		var m domain.ModelStat
		if err := mrows.Scan(&m.Model, &m.Count); err != nil {
			return nil, pgErr("scan model stats", err)
		}
		stats.ByModel = append(stats.ByModel, m)
	}
	sortModelStats(stats.ByModel)
	return stats, pgErr("query model stats", mrows.Err())
}
