package gateway

import (
	"context"
	"log/slog"
	"time"

	"github.com/felipepmaragno/omnikit/internal/domain"
	"github.com/felipepmaragno/omnikit/internal/metrics"
	"github.com/felipepmaragno/omnikit/internal/notifications"
	"github.com/felipepmaragno/omnikit/internal/queue"
)

type LogInserter interface {
	InsertLog(ctx context.Context, l *domain.RequestLog) error
}

// Logbook writes request logs. A store failure never reaches the client:
// it is logged, counted, announced and the entry is spilled to a queue for
// the drainer to re-insert.
type Logbook struct {
	store    LogInserter
	spill    queue.Queue
	notifier notifications.Notifier
	logger   *slog.Logger
	now      func() time.Time
}

// NewLogbook accepts nil spill and notifier.
func NewLogbook(store LogInserter, spill queue.Queue, notifier notifications.Notifier, logger *slog.Logger) *Logbook {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logbook{store: store, spill: spill, notifier: notifier, logger: logger, now: time.Now}
}

func (b *Logbook) Write(ctx context.Context, l *domain.RequestLog) {
	err := b.store.InsertLog(ctx, l)
	if err == nil {
		return
	}

	b.logger.Error("failed to write request log", "request_id", l.ID, "error", err)
	metrics.RecordLogWriteFailure()
	if b.notifier != nil {
		notifications.LogWriteFailed(b.notifier, l.ID, err)
	}
	if b.spill == nil {
		return
	}
	spill := queue.SpilledLog{Log: *l, Reason: err.Error(), SpilledAt: b.now().UTC()}
	if serr := b.spill.Send(ctx, spill); serr != nil {
		b.logger.Error("request log lost", "request_id", l.ID, "error", serr)
	}
}
