package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

func TestInMemoryRateLimiter_Allow(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	allowed, remaining, _, err := rl.Allow(ctx, "ch1", 3)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !allowed {
		t.Error("expected allowed to be true")
	}
	if remaining != 2 {
		t.Errorf("expected remaining 2, got %d", remaining)
	}

	rl.Allow(ctx, "ch1", 3)
	rl.Allow(ctx, "ch1", 3)

	allowed, remaining, _, _ = rl.Allow(ctx, "ch1", 3)
	if allowed {
		t.Error("expected allowed to be false after limit exceeded")
	}
	if remaining != 0 {
		t.Errorf("expected remaining 0, got %d", remaining)
	}
}

func TestInMemoryRateLimiter_DifferentChannels(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	rl.Allow(ctx, "ch1", 1)

	if allowed, _, _, _ := rl.Allow(ctx, "ch1", 1); allowed {
		t.Error("ch1 should be rate limited")
	}
	if allowed, _, _, _ := rl.Allow(ctx, "ch2", 1); !allowed {
		t.Error("ch2 should not be rate limited")
	}
}

func TestInMemoryRateLimiter_Unlimited(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	for i := 0; i < 1000; i++ {
		if allowed, _, _, _ := rl.Allow(context.Background(), "ch1", 0); !allowed {
			t.Fatal("limit 0 must never reject")
		}
	}
}

func TestInMemoryRateLimiter_WindowReset(t *testing.T) {
	rl := NewInMemoryRateLimiter()
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	_, _, resetAt, _ := rl.Allow(ctx, "ch1", 1)
	if !resetAt.Equal(now.Add(time.Minute)) {
		t.Errorf("resetAt = %v, want %v", resetAt, now.Add(time.Minute))
	}
	if allowed, _, _, _ := rl.Allow(ctx, "ch1", 1); allowed {
		t.Fatal("second call in window should be rejected")
	}

	now = now.Add(time.Minute)
	if allowed, _, _, _ := rl.Allow(ctx, "ch1", 1); !allowed {
		t.Error("expected a fresh window after one minute")
	}
}

func TestRedisRateLimiter(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set, skipping Redis test")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		t.Fatalf("parse url: %v", err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	rl := NewRedisRateLimiter(client)
	ctx := context.Background()
	key := "test-" + uuid.NewString()

	for i := 0; i < 3; i++ {
		allowed, remaining, _, err := rl.Allow(ctx, key, 3)
		if err != nil {
			t.Fatalf("Allow: %v", err)
		}
		if !allowed || remaining != 2-i {
			t.Errorf("call %d: allowed=%v remaining=%d", i, allowed, remaining)
		}
	}
	for i := 0; i < 3; i++ {
		if allowed, _, _, _ := rl.Allow(ctx, key, 3); allowed {
			t.Error("expected rejection past the limit")
		}
	}
	if n := client.ZCard(ctx, "omnikit:rl:"+key).Val(); n != 3 {
		t.Errorf("rejected calls must not be recorded, window holds %d", n)
	}
}
