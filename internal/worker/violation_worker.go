package worker

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ViolationSink raises the durable violation counts.
type ViolationSink interface {
	RaiseViolations(ctx context.Context, snaps []model.ViolationSnapshot) error
}

// ViolationWorker consumes persist_violations_queue. Only the highest count
// seen for a session in a batch is written; the store ignores lower counts.
type ViolationWorker struct {
	sink     ViolationSink
	log      zerolog.Logger
	consumer *batchConsumer
}

// NewViolationWorker creates a new ViolationWorker.
func NewViolationWorker(sink ViolationSink, rdb *redis.Client, log zerolog.Logger) *ViolationWorker {
	w := &ViolationWorker{
		sink: sink,
		log:  log.With().Str("component", "violation_worker").Logger(),
	}
	w.consumer = newBatchConsumer(rdb, config.WorkerKey.PersistViolationsQueue, w.log, w.flush)
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *ViolationWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")
	w.consumer.run(ctx)
}

func (w *ViolationWorker) flush(ctx context.Context, items []string) []string {
	highest := make(map[string]model.ViolationSnapshot)
	raws := make(map[string]string)
	for _, raw := range items {
		var s model.ViolationSnapshot
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed violation snapshot")
			continue
		}
		if _, err := uuid.Parse(s.SessionID); err != nil {
			w.log.Error().Str("session_id", s.SessionID).Msg("Dropping violation snapshot with invalid session ID")
			continue
		}
		if cur, ok := highest[s.SessionID]; !ok || s.Count > cur.Count {
			highest[s.SessionID] = s
			raws[s.SessionID] = raw
		}
	}
	if len(highest) == 0 {
		return nil
	}

	snaps := make([]model.ViolationSnapshot, 0, len(highest))
	for _, s := range highest {
		snaps = append(snaps, s)
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].SessionID < snaps[j].SessionID })

	// Fast path: one bulk update
	err := w.sink.RaiseViolations(ctx, snaps)
	if err == nil {
		return nil
	}
	w.log.Warn().Err(err).Int("count", len(snaps)).Msg("Bulk update failed, attempting row-by-row recovery")

	var retry []string
	for _, s := range snaps {
		if err := w.sink.RaiseViolations(ctx, []model.ViolationSnapshot{s}); err != nil {
			w.log.Error().Err(err).Str("session_id", s.SessionID).Msg("Update failed, requeueing")
			retry = append(retry, raws[s.SessionID])
		}
	}
	return retry
}
