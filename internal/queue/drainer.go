package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
)

type LogInserter interface {
	InsertLog(ctx context.Context, l *domain.RequestLog) error
}

// Drainer moves spilled logs back into the store.
type Drainer struct {
	queue    Queue
	store    LogInserter
	interval time.Duration
	batch    int
}

func NewDrainer(q Queue, store LogInserter, interval time.Duration) *Drainer {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Drainer{queue: q, store: store, interval: interval, batch: 10}
}

// Run drains until ctx is cancelled.
func (d *Drainer) Run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		if n, err := d.DrainOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("log spill drain failed", "restored", n, "error", err)
		} else if n > 0 {
			slog.Info("restored spilled request logs", "count", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DrainOnce re-inserts one batch. A log that already exists counts as
// restored. It stops at the first store failure and leaves the rest queued.
func (d *Drainer) DrainOnce(ctx context.Context) (int, error) {
	msgs, err := d.queue.Receive(ctx, d.batch)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, m := range msgs {
		l := m.Spill.Log
		if err := d.store.InsertLog(ctx, &l); err != nil && !errors.Is(err, domain.ErrConflict) {
			return restored, err
		}
		if err := d.queue.Delete(ctx, m.ReceiptHandle); err != nil {
			slog.Warn("failed to delete restored log from queue", "log_id", l.ID, "error", err)
		}
		restored++
	}
	return restored, nil
}
