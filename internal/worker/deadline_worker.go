package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Expirer finalizes started sessions whose deadline has passed.
type Expirer interface {
	ExpireOverdue(ctx context.Context, limit int) (int, error)
}

// DeadlineWorker periodically closes sessions nobody is attached to anymore,
// so an abandoned exam still ends as time expired.
type DeadlineWorker struct {
	expirer  Expirer
	interval time.Duration
	batch    int
	log      zerolog.Logger
}

// NewDeadlineWorker creates a new DeadlineWorker.
func NewDeadlineWorker(expirer Expirer, interval time.Duration, log zerolog.Logger) *DeadlineWorker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &DeadlineWorker{
		expirer:  expirer,
		interval: interval,
		batch:    BatchSize,
		log:      log.With().Str("component", "deadline_worker").Logger(),
	}
}

// Start begins the worker loop. Call in a goroutine.
func (w *DeadlineWorker) Start(ctx context.Context) {
	w.log.Info().Dur("interval", w.interval).Msg("Worker started")
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.sweep(ctx)
		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// sweep drains overdue sessions a batch at a time.
func (w *DeadlineWorker) sweep(ctx context.Context) {
	total := 0
	for ctx.Err() == nil {
		n, err := w.expirer.ExpireOverdue(ctx, w.batch)
		if err != nil {
			w.log.Error().Err(err).Msg("Deadline sweep failed")
			return
		}
		total += n
		if n < w.batch {
			break
		}
	}
	if total > 0 {
		w.log.Info().Int("count", total).Msg("Overdue sessions finalized")
	}
}
