package gateway

import (
	"context"
	"log/slog"
	"time"
)

type LogPruner interface {
	DeleteLogsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Janitor deletes request logs older than the retention period.
type Janitor struct {
	store     LogPruner
	retention time.Duration
	interval  time.Duration
	now       func() time.Time
}

func NewJanitor(store LogPruner, retention, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Janitor{store: store, retention: retention, interval: interval, now: time.Now}
}

// Run sweeps once immediately and then every interval until ctx is done. A
// non-positive retention disables it.
func (j *Janitor) Run(ctx context.Context) {
	if j.retention <= 0 {
		return
	}
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		if n, err := j.Sweep(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("log retention sweep failed", "error", err)
		} else if n > 0 {
			slog.Info("pruned request logs", "count", n, "retention", j.retention.String())
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	return j.store.DeleteLogsBefore(ctx, j.now().Add(-j.retention))
}
