// Package holds runs the periodic sweep that auto-cancels bookings whose
// seat hold lapsed.
package holds

import (
	"context"
	"log/slog"
	"time"
)

// Expirer releases up to limit holds that expired at or before now.
type Expirer interface {
	ExpireHolds(ctx context.Context, now time.Time, limit int) (int, error)
}

type Worker struct {
	expirer   Expirer
	logger    *slog.Logger
	interval  time.Duration
	batchSize int
	now       func() time.Time
}

type WorkerConfig struct {
	Interval  time.Duration
	BatchSize int
}

func NewWorker(expirer Expirer, logger *slog.Logger, cfg WorkerConfig) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Worker{
		expirer:   expirer,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		now:       time.Now,
	}
}

func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.Sweep(ctx); err != nil && ctx.Err() == nil {
				w.logger.Error("hold sweep failed", "err", err)
			}
		}
	}
}

// Sweep drains expired holds batch by batch until a batch comes back short.
func (w *Worker) Sweep(ctx context.Context) (int, error) {
	now := w.now().UTC()
	total := 0
	for {
		n, err := w.expirer.ExpireHolds(ctx, now, w.batchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < w.batchSize {
			break
		}
	}
	if total > 0 {
		w.logger.Info("expired seat holds", "count", total)
	}
	return total, nil
}
