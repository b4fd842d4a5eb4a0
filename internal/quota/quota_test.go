package quota

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

func tokenWith(used, limit int64) *domain.Token {
	return &domain.Token{ID: "tok-1", Name: "ci", QuotaUsed: used, QuotaLimit: &limit}
}

func TestMonitor_Check_Levels(t *testing.T) {
	tests := []struct {
		name string
		used int64
		want AlertLevel
	}{
		{"under warning", 50, ""},
		{"warning", 85, AlertLevelWarning},
		{"critical", 96, AlertLevelCritical},
		{"exceeded", 100, AlertLevelExceeded},
		{"over", 130, AlertLevelExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			monitor := NewMonitor(nil, DefaultThresholds())
			alert := monitor.Check(context.Background(), tokenWith(tt.used, 100))

			if tt.want == "" {
				if alert != nil {
					t.Errorf("expected no alert, got %+v", alert)
				}
				return
			}
			if alert == nil {
				t.Fatal("expected alert")
			}
			if alert.Level != tt.want {
				t.Errorf("alert.Level = %v, want %v", alert.Level, tt.want)
			}
			if alert.TokenID != "tok-1" || alert.Limit != 100 || alert.Used != tt.used {
				t.Errorf("unexpected alert: %+v", alert)
			}
		})
	}
}

func TestMonitor_Check_NoLimit(t *testing.T) {
	monitor := NewMonitor(nil, DefaultThresholds())
	tok := &domain.Token{ID: "tok-1", QuotaUsed: 1 << 40}

	if alert := monitor.Check(context.Background(), tok); alert != nil {
		t.Error("tokens without a limit never alert")
	}
}

func TestMonitor_NoRepeatAlerts(t *testing.T) {
	monitor := NewMonitor(nil, DefaultThresholds())
	ctx := context.Background()

	var received []Alert
	monitor.OnAlert(func(ctx context.Context, a Alert) { received = append(received, a) })

	monitor.Check(ctx, tokenWith(85, 100))
	monitor.Check(ctx, tokenWith(86, 100))
	monitor.Check(ctx, tokenWith(97, 100))

	if len(received) != 2 {
		t.Fatalf("expected 2 alerts (warning, critical), got %d", len(received))
	}
	if received[1].Level != AlertLevelCritical {
		t.Errorf("second alert = %v, want critical", received[1].Level)
	}
}

func TestMonitor_ResetClearsState(t *testing.T) {
	monitor := NewMonitor(nil, DefaultThresholds())
	ctx := context.Background()

	if monitor.Check(ctx, tokenWith(100, 100)) == nil {
		t.Fatal("expected exceeded alert")
	}
	monitor.Reset(ctx, "tok-1")
	if monitor.Check(ctx, tokenWith(100, 100)) == nil {
		t.Error("expected a fresh alert after reset")
	}
}

func TestInMemoryDeduplicator(t *testing.T) {
	d := NewInMemoryDeduplicator()
	ctx := context.Background()

	if !d.ShouldAlert(ctx, "tok-1", AlertLevelWarning) {
		t.Error("first alert should be allowed")
	}
	if d.ShouldAlert(ctx, "tok-1", AlertLevelWarning) {
		t.Error("same alert should be deduplicated")
	}
	if !d.ShouldAlert(ctx, "tok-2", AlertLevelWarning) {
		t.Error("other tokens are independent")
	}
	d.ClearAlert(ctx, "tok-1")
	if !d.ShouldAlert(ctx, "tok-1", AlertLevelWarning) {
		t.Error("alert should be allowed after clear")
	}
}

func TestRedisDeduplicator(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping Redis deduplicator tests")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	d := NewRedisDeduplicator(client, time.Hour)
	ctx := context.Background()
	tokenID := "tok-" + uuid.NewString()
	defer d.ClearAlert(ctx, tokenID)

	if !d.ShouldAlert(ctx, tokenID, AlertLevelWarning) {
		t.Error("first alert should be allowed")
	}
	if d.ShouldAlert(ctx, tokenID, AlertLevelWarning) {
		t.Error("same alert should be deduplicated")
	}
	if !d.ShouldAlert(ctx, tokenID, AlertLevelCritical) {
		t.Error("different level should be allowed")
	}

	d.ClearAlert(ctx, tokenID)
	if !d.ShouldAlert(ctx, tokenID, AlertLevelWarning) {
		t.Error("after clear, warning should be allowed again")
	}
}
