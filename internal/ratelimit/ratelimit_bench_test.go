package ratelimit

import (
	"context"
	"fmt"
	"testing"
)

func BenchmarkInMemoryRateLimiter_Allow(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow(ctx, "ch-1", 1<<30)
	}
}

func BenchmarkInMemoryRateLimiter_ManyChannels_Parallel(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rl.Allow(ctx, fmt.Sprintf("ch-%d", i%100), 1<<30)
			i++
		}
	})
}
