package rules

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

type mockRuleSource struct {
	mu    sync.Mutex
	rules []domain.ConversionRule
	err   error
}

func (m *mockRuleSource) ListRules(ctx context.Context) ([]domain.ConversionRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	out := make([]domain.ConversionRule, len(m.rules))
	copy(out, m.rules)
	return out, nil
}

func (m *mockRuleSource) set(rules ...domain.ConversionRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules = rules
}

var chatToAnthropic = domain.Pair{Source: domain.FormatOpenAIChat, Target: domain.FormatAnthropic}

func testRule(id string, updated time.Time, marker string) domain.ConversionRule {
	return domain.ConversionRule{
		ID:               id,
		Source:           domain.FormatOpenAIChat,
		Target:           domain.FormatAnthropic,
		RequestTemplate:  json.RawMessage(`{"marker": "` + marker + `"}`),
		ResponseTemplate: json.RawMessage(`{}`),
		Enabled:          true,
		UpdatedAt:        updated,
	}
}

func markerOf(t *testing.T, c *Compiled) string {
	t.Helper()
	out, err := c.request.Execute([]byte(`{}`))
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	var v struct {
		Marker string `json:"marker"`
	}
	if err := json.Unmarshal(out, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return v.Marker
}

func TestRegistry_MostRecentWins(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		rules []domain.ConversionRule
		want  string
	}{
		{
			name:  "newest updated_at",
			rules: []domain.ConversionRule{testRule("a", base, "old"), testRule("b", base.Add(time.Hour), "new")},
			want:  "new",
		},
		{
			name:  "tie goes to greater id",
			rules: []domain.ConversionRule{testRule("b", base, "b"), testRule("a", base, "a")},
			want:  "b",
		},
		{
			name: "disabled rules are ignored",
			rules: func() []domain.ConversionRule {
				r := testRule("z", base.Add(time.Hour), "disabled")
				r.Enabled = false
				return []domain.ConversionRule{testRule("a", base, "enabled"), r}
			}(),
			want: "enabled",
		},
		{
			name: "broken newest falls back",
			rules: func() []domain.ConversionRule {
				r := testRule("z", base.Add(time.Hour), "broken")
				r.RequestTemplate = json.RawMessage(`{"x": {"$nope": 1}}`)
				return []domain.ConversionRule{testRule("a", base, "fallback"), r}
			}(),
			want: "fallback",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := &mockRuleSource{rules: tt.rules}
			reg := NewRegistry(src, nil)
			if err := reg.Load(context.Background()); err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			c, ok := reg.Lookup(chatToAnthropic)
			if !ok {
				t.Fatal("Lookup() found nothing")
			}
			if got := markerOf(t, c); got != tt.want {
				t.Errorf("authoritative rule = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRegistry_RefreshOnlyTouchesGivenPairs(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	other := testRule("o", base, "other")
	other.Source, other.Target = domain.FormatAnthropic, domain.FormatOpenAIChat

	src := &mockRuleSource{rules: []domain.ConversionRule{testRule("a", base, "v1"), other}}
	reg := NewRegistry(src, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if reg.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", reg.Len())
	}

	changedOther := other
	changedOther.RequestTemplate = json.RawMessage(`{"marker": "other-v2"}`)
	src.set(testRule("a", base.Add(time.Minute), "v2"), changedOther)

	if err := reg.Refresh(context.Background(), chatToAnthropic); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	c, _ := reg.Lookup(chatToAnthropic)
	if got := markerOf(t, c); got != "v2" {
		t.Errorf("refreshed pair marker = %q, want v2", got)
	}
	c, _ = reg.Lookup(other.Pair())
	if got := markerOf(t, c); got != "other" {
		t.Errorf("untouched pair marker = %q, want other", got)
	}
}

func TestRegistry_RefreshRemovesPairWithoutRules(t *testing.T) {
	src := &mockRuleSource{rules: []domain.ConversionRule{testRule("a", time.Now(), "v1")}}
	reg := NewRegistry(src, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	src.set()
	if err := reg.Refresh(context.Background(), chatToAnthropic); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}
	if _, ok := reg.Lookup(chatToAnthropic); ok {
		t.Error("Lookup() should miss after the only rule was deleted")
	}
}

func TestRegistry_SourceErrorKeepsSnapshot(t *testing.T) {
	src := &mockRuleSource{rules: []domain.ConversionRule{testRule("a", time.Now(), "v1")}}
	reg := NewRegistry(src, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	src.err = errors.New("db down")
	if err := reg.Refresh(context.Background(), chatToAnthropic); err == nil {
		t.Fatal("Refresh() should fail when the source fails")
	}
	if _, ok := reg.Lookup(chatToAnthropic); !ok {
		t.Error("previous snapshot should survive a failed refresh")
	}
}

func TestRegistry_ConcurrentLookupDuringRefresh(t *testing.T) {
	src := &mockRuleSource{rules: []domain.ConversionRule{testRule("a", time.Now(), "v1")}}
	reg := NewRegistry(src, nil)
	if err := reg.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				if _, ok := reg.Lookup(chatToAnthropic); !ok {
					t.Error("Lookup() missed during refresh")
					return
				}
			}
		}()
	}
	for i := 0; i < 20; i++ {
		if err := reg.Refresh(context.Background(), chatToAnthropic); err != nil {
			t.Fatalf("Refresh() error = %v", err)
		}
	}
	wg.Wait()
}
