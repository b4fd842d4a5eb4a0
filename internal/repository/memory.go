package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

// MemoryStore keeps everything in maps. Values are copied on the way in
// and out so callers never share state with the store.
type MemoryStore struct {
	mu       sync.RWMutex
	tokens   map[string]*domain.Token
	byKey    map[string]string
	channels map[string]*domain.Channel
	mappings map[string]*domain.ModelMapping
	byName   map[string]string
	rules    map[string]*domain.ConversionRule
	logs     []domain.RequestLog
	settings map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tokens:   make(map[string]*domain.Token),
		byKey:    make(map[string]string),
		channels: make(map[string]*domain.Channel),
		mappings: make(map[string]*domain.ModelMapping),
		byName:   make(map[string]string),
		rules:    make(map[string]*domain.ConversionRule),
		settings: make(map[string]string),
	}
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

func copyToken(t *domain.Token) *domain.Token {
	c := *t
	c.AllowedModels = append([]string(nil), t.AllowedModels...)
	if t.QuotaLimit != nil {
		v := *t.QuotaLimit
		c.QuotaLimit = &v
	}
	return &c
}

func (s *MemoryStore) ListTokens(ctx context.Context) ([]domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Token, 0, len(s.tokens))
	for _, t := range s.tokens {
		out = append(out, *copyToken(t))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) GetToken(ctx context.Context, id string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyToken(t), nil
}

func (s *MemoryStore) GetTokenByKey(ctx context.Context, key string) (*domain.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKey[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyToken(s.tokens[id]), nil
}

func (s *MemoryStore) CreateToken(ctx context.Context, t *domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, ok := s.byKey[t.Key]; ok {
		return domain.ErrConflict
	}
	stamp(&t.CreatedAt, &t.UpdatedAt)
	s.tokens[t.ID] = copyToken(t)
	s.byKey[t.Key] = t.ID
	return nil
}

func (s *MemoryStore) UpdateToken(ctx context.Context, t *domain.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[t.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if id, taken := s.byKey[t.Key]; taken && id != t.ID {
		return domain.ErrConflict
	}
	delete(s.byKey, old.Key)
	t.CreatedAt = old.CreatedAt
	t.UpdatedAt = time.Now().UTC()
	s.tokens[t.ID] = copyToken(t)
	s.byKey[t.Key] = t.ID
	return nil
}

func (s *MemoryStore) DeleteToken(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(s.byKey, t.Key)
	delete(s.tokens, id)
	return nil
}

func (s *MemoryStore) AddUsage(ctx context.Context, id string, units int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.RequestCount++
	t.QuotaUsed += units
	return nil
}

func (s *MemoryStore) ResetQuota(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[id]
	if !ok {
		return domain.ErrNotFound
	}
	t.QuotaUsed = 0
	t.UpdatedAt = time.Now().UTC()
	return nil
}

func copyChannel(c *domain.Channel) *domain.Channel {
	out := *c
	out.Keys = append([]domain.APIKey(nil), c.Keys...)
	sortKeys(out.Keys)
	return &out
}

func (s *MemoryStore) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.Channel, 0, len(s.channels))
	for _, c := range s.channels {
		out = append(out, *copyChannel(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

func (s *MemoryStore) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c, ok := s.channels[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return copyChannel(c), nil
}

func (s *MemoryStore) CreateChannel(ctx context.Context, c *domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	stamp(&c.CreatedAt, &c.UpdatedAt)
	for i := range c.Keys {
		if c.Keys[i].ID == "" {
			c.Keys[i].ID = uuid.NewString()
		}
		c.Keys[i].ChannelID = c.ID
	}
	s.channels[c.ID] = copyChannel(c)
	return nil
}

// UpdateChannel replaces the channel's own fields. Keys are managed through
// the key operations and are left untouched.
func (s *MemoryStore) UpdateChannel(ctx context.Context, c *domain.Channel) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.channels[c.ID]
	if !ok {
		return domain.ErrNotFound
	}
	next := *c
	next.Keys = old.Keys
	next.CreatedAt = old.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	s.channels[c.ID] = &next
	c.Keys = append([]domain.APIKey(nil), old.Keys...)
	c.CreatedAt, c.UpdatedAt = next.CreatedAt, next.UpdatedAt
	return nil
}

// DeleteChannel also removes the channel's mappings.
func (s *MemoryStore) DeleteChannel(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.channels[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.channels, id)
	for mid, m := range s.mappings {
		if m.ChannelID == id {
			delete(s.byName, m.PublicName)
			delete(s.mappings, mid)
		}
	}
	return nil
}

func (s *MemoryStore) AddKey(ctx context.Context, k *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[k.ChannelID]
	if !ok {
		return domain.ErrNotFound
	}
	if k.ID == "" {
		k.ID = uuid.NewString()
	}
	c.Keys = append(c.Keys, *k)
	sortKeys(c.Keys)
	return nil
}

func (s *MemoryStore) UpdateKey(ctx context.Context, k *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[k.ChannelID]
	if !ok {
		return domain.ErrNotFound
	}
	for i := range c.Keys {
		if c.Keys[i].ID == k.ID {
			k.LastUsed = c.Keys[i].LastUsed
			c.Keys[i] = *k
			sortKeys(c.Keys)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *MemoryStore) DeleteKey(ctx context.Context, channelID, keyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.channels[channelID]
	if !ok {
		return domain.ErrNotFound
	}
	for i := range c.Keys {
		if c.Keys[i].ID == keyID {
			c.Keys = append(c.Keys[:i], c.Keys[i+1:]...)
			return nil
		}
	}
	return domain.ErrNotFound
}

func (s *MemoryStore) TouchKey(ctx context.Context, keyID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.channels {
		for i := range c.Keys {
			if c.Keys[i].ID == keyID {
				t := at
				c.Keys[i].LastUsed = &t
				return nil
			}
		}
	}
	return domain.ErrNotFound
}

func (s *MemoryStore) ListMappings(ctx context.Context) ([]domain.ModelMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ModelMapping, 0, len(s.mappings))
	for _, m := range s.mappings {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PublicName < out[j].PublicName })
	return out, nil
}

func (s *MemoryStore) GetMapping(ctx context.Context, id string) (*domain.ModelMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.mappings[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *m
	return &out, nil
}

func (s *MemoryStore) GetMappingByName(ctx context.Context, publicName string) (*domain.ModelMapping, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byName[publicName]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *s.mappings[id]
	return &out, nil
}

func (s *MemoryStore) CreateMapping(ctx context.Context, m *domain.ModelMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[m.PublicName]; ok {
		return domain.ErrConflict
	}
	if _, ok := s.channels[m.ChannelID]; !ok {
		return domain.ErrNotFound
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	stamp(&m.CreatedAt, &m.UpdatedAt)
	out := *m
	s.mappings[m.ID] = &out
	s.byName[m.PublicName] = m.ID
	return nil
}

func (s *MemoryStore) UpdateMapping(ctx context.Context, m *domain.ModelMapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.mappings[m.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if id, taken := s.byName[m.PublicName]; taken && id != m.ID {
		return domain.ErrConflict
	}
	if _, ok := s.channels[m.ChannelID]; !ok {
		return domain.ErrNotFound
	}
	delete(s.byName, old.PublicName)
	m.CreatedAt = old.CreatedAt
	m.UpdatedAt = time.Now().UTC()
	out := *m
	s.mappings[m.ID] = &out
	s.byName[m.PublicName] = m.ID
	return nil
}

func (s *MemoryStore) DeleteMapping(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.mappings[id]
	if !ok {
		return domain.ErrNotFound
	}
	delete(s.byName, m.PublicName)
	delete(s.mappings, id)
	return nil
}

func (s *MemoryStore) ListRules(ctx context.Context) ([]domain.ConversionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]domain.ConversionRule, 0, len(s.rules))
	for _, r := range s.rules {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

func (s *MemoryStore) GetRule(ctx context.Context, id string) (*domain.ConversionRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rules[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *r
	return &out, nil
}

func (s *MemoryStore) CreateRule(ctx context.Context, r *domain.ConversionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if _, ok := s.rules[r.ID]; ok {
		return domain.ErrConflict
	}
	stamp(&r.CreatedAt, &r.UpdatedAt)
	out := *r
	s.rules[r.ID] = &out
	return nil
}

func (s *MemoryStore) UpdateRule(ctx context.Context, r *domain.ConversionRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.rules[r.ID]
	if !ok {
		return domain.ErrNotFound
	}
	r.CreatedAt = old.CreatedAt
	if r.UpdatedAt.IsZero() || !r.UpdatedAt.After(old.UpdatedAt) {
		r.UpdatedAt = time.Now().UTC()
	}
	out := *r
	s.rules[r.ID] = &out
	return nil
}

func (s *MemoryStore) DeleteRule(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return domain.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *MemoryStore) InsertLog(ctx context.Context, l *domain.RequestLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	for i := range s.logs {
		if s.logs[i].ID == l.ID {
			return domain.ErrConflict
		}
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = time.Now().UTC()
	}
	s.logs = append(s.logs, *l)
	return nil
}

func (s *MemoryStore) GetLog(ctx context.Context, id string) (*domain.RequestLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := range s.logs {
		if s.logs[i].ID == id {
			out := s.logs[i]
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *MemoryStore) ListLogs(ctx context.Context, f domain.LogFilter) ([]domain.RequestLog, int64, error) {
	f = normalizeFilter(f)

	s.mu.RLock()
	defer s.mu.RUnlock()

	var matched []domain.RequestLog
	for i := len(s.logs) - 1; i >= 0; i-- {
		if f.Model == "" || strings.EqualFold(s.logs[i].Model, f.Model) {
			matched = append(matched, s.logs[i])
		}
	}
	sort.SliceStable(matched, func(i, j int) bool { return matched[i].CreatedAt.After(matched[j].CreatedAt) })

	total := int64(len(matched))
	if f.Offset >= len(matched) {
		return []domain.RequestLog{}, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[f.Offset:end], total, nil
}

func (s *MemoryStore) DeleteLogs(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := int64(len(s.logs))
	s.logs = nil
	return n, nil
}

func (s *MemoryStore) DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.logs[:0]
	var n int64
	for _, l := range s.logs {
		if l.CreatedAt.Before(before) {
			n++
			continue
		}
		kept = append(kept, l)
	}
	s.logs = kept
	return n, nil
}

func (s *MemoryStore) Stats(ctx context.Context, since time.Time) (*domain.UsageStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var rows []statRow
	for _, l := range s.logs {
		if l.CreatedAt.Before(since) {
			continue
		}
		rows = append(rows, statRow{
			createdAt:        l.CreatedAt,
			model:            l.Model,
			promptTokens:     int64(l.PromptTokens),
			completionTokens: int64(l.CompletionTokens),
		})
	}
	return aggregateStats(rows), nil
}

func (s *MemoryStore) GetSetting(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.settings[key]
	if !ok {
		return "", domain.ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetSetting(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.settings[key] = value
	return nil
}
