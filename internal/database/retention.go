package database

import (
	"context"
	"time"

	"github.com/trogers1052/stock-quote-pipeline/internal/logx"
	"go.uber.org/zap"
)

type quotePruner interface {
	DeleteQuotesOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// RetentionWorker periodically deletes quotes older than MaxAge
type RetentionWorker struct {
	Store     quotePruner
	MaxAge    time.Duration
	PollEvery time.Duration
	Log       *zap.Logger

	now func() time.Time
}

// Start prunes on every tick until ctx is done. A non-positive MaxAge disables it.
func (w *RetentionWorker) Start(ctx context.Context) {
	log := logx.OrNop(w.Log)
	if w.MaxAge <= 0 {
		log.Info("retention_disabled")
		return
	}
	if w.PollEvery <= 0 {
		w.PollEvery = time.Hour
	}

	t := time.NewTicker(w.PollEvery)
	defer t.Stop()

	log.Info("retention_started", zap.Duration("max_age", w.MaxAge), zap.Duration("poll_every", w.PollEvery))
	for {
		select {
		case <-ctx.Done():
			log.Info("retention_stopped")
			return
		case <-t.C:
			w.prune(ctx, log)
		}
	}
}

func (w *RetentionWorker) prune(ctx context.Context, log *zap.Logger) {
	now := time.Now
	if w.now != nil {
		now = w.now
	}
	cutoff := now().Add(-w.MaxAge)

	n, err := w.Store.DeleteQuotesOlderThan(ctx, cutoff)
	if err != nil {
		log.Warn("retention_failed", zap.Error(err))
		return
	}
	if n > 0 {
		log.Info("retention_pruned", zap.Int64("deleted", n), zap.Time("cutoff", cutoff))
	}
}
