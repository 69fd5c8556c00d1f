package worker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	BatchSize    = 50
	BatchTimeout = 2 * time.Second
	PollTimeout  = 1 * time.Second // Must be >= 1s to satisfy Redis
)

// flushFunc persists a batch of raw queue items and returns the items that
// must be retried.
type flushFunc func(ctx context.Context, items []string) (retry []string)

// batchConsumer drains a Redis list into batches, flushing on size or age.
// Failed items go back to the head of the list so they stay ahead of newer
// writes for the same session.
type batchConsumer struct {
	rdb          *redis.Client
	queue        string
	log          zerolog.Logger
	flush        flushFunc
	batchSize    int
	batchTimeout time.Duration
	retryDelay   time.Duration
}

func newBatchConsumer(rdb *redis.Client, queue string, log zerolog.Logger, flush flushFunc) *batchConsumer {
	return &batchConsumer{
		rdb:          rdb,
		queue:        queue,
		log:          log,
		flush:        flush,
		batchSize:    BatchSize,
		batchTimeout: BatchTimeout,
		retryDelay:   2 * time.Second,
	}
}

func (b *batchConsumer) run(ctx context.Context) {
	buffer := make([]string, 0, b.batchSize)
	lastFlush := time.Now()

	for {
		// 1. Flush on size or age
		if len(buffer) > 0 && (len(buffer) >= b.batchSize || time.Since(lastFlush) >= b.batchTimeout) {
			b.flushSafe(ctx, buffer)
			buffer = buffer[:0]
			lastFlush = time.Now()
		}

		// 2. Graceful shutdown
		select {
		case <-ctx.Done():
			b.shutdown(buffer)
			return
		default:
		}

		// 3. Fetch. BLPop returns immediately if data exists.
		result, err := b.rdb.BLPop(ctx, PollTimeout, b.queue).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				continue
			}
			b.log.Error().Err(err).Msg("Redis connection error, sleeping 3s")
			sleepCtx(ctx, 3*time.Second)
			continue
		}
		if len(result) < 2 {
			continue
		}
		buffer = append(buffer, result[1])
	}
}

func (b *batchConsumer) flushSafe(ctx context.Context, items []string) {
	retry := b.flush(ctx, items)
	if len(retry) > 0 {
		b.requeue(ctx, retry)
	}
}

func (b *batchConsumer) requeue(ctx context.Context, items []string) {
	// LPUSH reverses, so push from the back to keep the original order.
	values := make([]interface{}, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		values = append(values, items[i])
	}
	if err := b.rdb.LPush(context.WithoutCancel(ctx), b.queue, values...).Err(); err != nil {
		b.log.Error().Err(err).Int("count", len(items)).Msg("CRITICAL: Failed to requeue items to Redis. Data loss occurred.")
		return
	}
	b.log.Info().Int("count", len(items)).Msg("Requeued failed items back to Redis")
	// Avoid thrashing while the database is down.
	sleepCtx(ctx, b.retryDelay)
}

func (b *batchConsumer) shutdown(buffer []string) {
	b.log.Info().Msg("Worker stopping, flushing remaining buffer...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if len(buffer) > 0 {
		b.flushSafe(shutdownCtx, buffer)
	}
	b.log.Info().Msg("Worker stopped")
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
