package rules

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"gopkg.in/yaml.v3"
)

const maxStoreDocument = 2 << 20

// StoreEntry is one listing in a rule store index.
type StoreEntry struct {
	Slug         string        `json:"slug" yaml:"slug"`
	Name         string        `json:"name" yaml:"name"`
	Description  string        `json:"description,omitempty" yaml:"description"`
	Author       string        `json:"author,omitempty" yaml:"author"`
	Version      string        `json:"version,omitempty" yaml:"version"`
	SourceFormat domain.Format `json:"source_format" yaml:"source_format"`
	TargetFormat domain.Format `json:"target_format" yaml:"target_format"`
	URL          string        `json:"url" yaml:"url"`
}

type storeIndex struct {
	Rules []StoreEntry `json:"rules" yaml:"rules"`
}

// StoreClient reads a static rule index and the rule definitions it points
// at. The index may be JSON or YAML; rule URLs resolve against the index URL.
type StoreClient struct {
	indexURL string
	client   *http.Client
}

func NewStoreClient(indexURL string, client *http.Client) *StoreClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &StoreClient{indexURL: indexURL, client: client}
}

func (s *StoreClient) Enabled() bool {
	return s != nil && s.indexURL != ""
}

// Index fetches the listing.
func (s *StoreClient) Index(ctx context.Context) ([]StoreEntry, error) {
	if !s.Enabled() {
		return nil, fmt.Errorf("%w: rule store is not configured", domain.ErrNotFound)
	}
	body, err := s.fetch(ctx, s.indexURL)
	if err != nil {
		return nil, err
	}
	var idx storeIndex
	if isJSON(body) {
		err = json.Unmarshal(body, &idx)
	} else {
		err = yaml.Unmarshal(body, &idx)
	}
	if err != nil {
		return nil, fmt.Errorf("parse rule index: %w", err)
	}
	return idx.Rules, nil
}

// Fetch downloads the rule for slug and validates it. The returned rule has
// origin "store", is disabled, and has no id yet.
func (s *StoreClient) Fetch(ctx context.Context, slug string) (*domain.ConversionRule, error) {
	entries, err := s.Index(ctx)
	if err != nil {
		return nil, err
	}
	var entry *StoreEntry
	for i := range entries {
		if entries[i].Slug == slug {
			entry = &entries[i]
			break
		}
	}
	if entry == nil {
		return nil, fmt.Errorf("%w: rule %q is not in the store", domain.ErrNotFound, slug)
	}

	ruleURL, err := s.resolve(entry.URL)
	if err != nil {
		return nil, err
	}
	body, err := s.fetch(ctx, ruleURL)
	if err != nil {
		return nil, err
	}
	rule, err := decodeRule(body)
	if err != nil {
		return nil, err
	}
	if rule.Slug == "" {
		rule.Slug = entry.Slug
	}
	if rule.Name == "" {
		rule.Name = entry.Name
	}
	if rule.Description == "" {
		rule.Description = entry.Description
	}
	if rule.Author == "" {
		rule.Author = entry.Author
	}
	if rule.Version == "" {
		rule.Version = entry.Version
	}
	if rule.Source == "" {
		rule.Source = entry.SourceFormat
	}
	if rule.Target == "" {
		rule.Target = entry.TargetFormat
	}
	rule.ID = ""
	rule.Origin = domain.OriginStore
	rule.Enabled = false
	if err := Validate(rule); err != nil {
		return nil, err
	}
	return rule, nil
}

func (s *StoreClient) resolve(ref string) (string, error) {
	base, err := url.Parse(s.indexURL)
	if err != nil {
		return "", fmt.Errorf("parse index url: %w", err)
	}
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("parse rule url %q: %w", ref, err)
	}
	return base.ResolveReference(u).String(), nil
}

func (s *StoreClient) fetch(ctx context.Context, target string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &domain.UpstreamError{Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxStoreDocument))
	if err != nil {
		return nil, &domain.UpstreamError{Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &domain.UpstreamError{Status: resp.StatusCode, Body: body}
	}
	return body, nil
}

// decodeRule accepts JSON directly and YAML by converting it to JSON, since
// templates are stored as raw JSON.
func decodeRule(body []byte) (*domain.ConversionRule, error) {
	if !isJSON(body) {
		var doc any
		if err := yaml.Unmarshal(body, &doc); err != nil {
			return nil, fmt.Errorf("parse rule: %w", err)
		}
		converted, err := json.Marshal(normalizeYAML(doc))
		if err != nil {
			return nil, fmt.Errorf("parse rule: %w", err)
		}
		body = converted
	}
	var rule domain.ConversionRule
	if err := json.Unmarshal(body, &rule); err != nil {
		return nil, fmt.Errorf("parse rule: %w", err)
	}
	return &rule, nil
}

// normalizeYAML turns map[any]any nodes, which encoding/json rejects, into
// map[string]any.
func normalizeYAML(v any) any {
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case map[any]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case []any:
		for i := range t {
			t[i] = normalizeYAML(t[i])
		}
		return t
	}
	return v
}

func isJSON(body []byte) bool {
	s := strings.TrimSpace(string(body))
	return strings.HasPrefix(s, "{") || strings.HasPrefix(s, "[")
}
