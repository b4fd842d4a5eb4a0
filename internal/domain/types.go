package domain

import (
	"encoding/json"
	"slices"
	"time"
)

type Token struct {
	ID            string     `json:"id"`
	Name          string     `json:"name,omitempty"`
	Key           string     `json:"key"`
	QuotaLimit    *int64     `json:"quota_limit"`
	QuotaUsed     int64      `json:"quota_used"`
	RequestCount  int64      `json:"request_count"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	AllowedModels []string   `json:"allowed_models,omitempty"`
	Enabled       bool       `json:"enabled"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Exhausted reports whether the token has used up its quota. A nil limit
// means unlimited.
func (t *Token) Exhausted() bool {
	return t.QuotaLimit != nil && t.QuotaUsed >= *t.QuotaLimit
}

func (t *Token) Expired(now time.Time) bool {
	return t.ExpiresAt != nil && !now.Before(*t.ExpiresAt)
}

func (t *Token) AllowsModel(model string) bool {
	return len(t.AllowedModels) == 0 || slices.Contains(t.AllowedModels, model)
}

type Channel struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Format       Format    `json:"provider"`
	BaseURL      string    `json:"base_url"`
	Priority     int       `json:"priority"`
	RateLimitRPM int       `json:"rate_limit_rpm"`
	Enabled      bool      `json:"enabled"`
	Keys         []APIKey  `json:"keys,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EnabledKeys returns the enabled keys in their stored order.
func (c *Channel) EnabledKeys() []APIKey {
	keys := make([]APIKey, 0, len(c.Keys))
	for _, k := range c.Keys {
		if k.Enabled {
			keys = append(keys, k)
		}
	}
	return keys
}

type APIKey struct {
	ID        string     `json:"id"`
	ChannelID string     `json:"channel_id"`
	Value     string     `json:"key_value"`
	Enabled   bool       `json:"enabled"`
	Position  int        `json:"position"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
}

type ModelMapping struct {
	ID         string    `json:"id"`
	PublicName string    `json:"public_name"`
	ChannelID  string    `json:"channel_id"`
	ActualName string    `json:"actual_name"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type RuleOrigin string

const (
	OriginSystem RuleOrigin = "system"
	OriginUser   RuleOrigin = "user"
	OriginStore  RuleOrigin = "store"
)

// ConversionRule holds the templates that translate traffic from clients
// speaking Source to channels speaking Target and back.
type ConversionRule struct {
	ID               string          `json:"id"`
	Slug             string          `json:"slug"`
	Name             string          `json:"name"`
	Description      string          `json:"description,omitempty"`
	Author           string          `json:"author,omitempty"`
	Version          string          `json:"version,omitempty"`
	Source           Format          `json:"source_format"`
	Target           Format          `json:"target_format"`
	RequestTemplate  json.RawMessage `json:"request_template"`
	ResponseTemplate json.RawMessage `json:"response_template"`
	StreamTemplate   json.RawMessage `json:"stream_template,omitempty"`
	Enabled          bool            `json:"enabled"`
	Origin           RuleOrigin      `json:"origin"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func (r *ConversionRule) Pair() Pair {
	return Pair{Source: r.Source, Target: r.Target}
}

type RequestLog struct {
	ID               string    `json:"id"`
	TokenID          string    `json:"token_id,omitempty"`
	ChannelID        string    `json:"channel_id,omitempty"`
	Model            string    `json:"model,omitempty"`
	UpstreamModel    string    `json:"upstream_model,omitempty"`
	InputFormat      Format    `json:"input_format"`
	OutputFormat     Format    `json:"output_format,omitempty"`
	Status           int       `json:"status"`
	UpstreamStatus   int       `json:"upstream_status,omitempty"`
	Stream           bool      `json:"stream"`
	LatencyMs        int64     `json:"latency_ms"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	RequestBody      string    `json:"request_body,omitempty"`
	ResponseBody     string    `json:"response_body,omitempty"`
	Error            string    `json:"error,omitempty"`
	RetryOf          string    `json:"retry_of,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

func (u Usage) Total() int {
	return u.PromptTokens + u.CompletionTokens
}

type LogFilter struct {
	Model  string
	Limit  int
	Offset int
}

type DailyStat struct {
	Date             string `json:"date"`
	Count            int64  `json:"count"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

type ModelStat struct {
	Model string `json:"model"`
	Count int64  `json:"count"`
}

type UsageStats struct {
	Daily   []DailyStat `json:"daily"`
	ByModel []ModelStat `json:"by_model"`
}

type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	OwnedBy string `json:"owned_by"`
}

type ModelsResponse struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
