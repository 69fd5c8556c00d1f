package worker

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerSink merges answers into the durable session records.
type AnswerSink interface {
	MergeAnswers(ctx context.Context, answers map[uuid.UUID]map[string]string) error
}

// AutosaveWorker consumes persist_answers_queue and merges answers into
// exam_sessions.answers of started sessions.
type AutosaveWorker struct {
	sink     AnswerSink
	log      zerolog.Logger
	consumer *batchConsumer
}

// NewAutosaveWorker creates a new AutosaveWorker.
func NewAutosaveWorker(sink AnswerSink, rdb *redis.Client, log zerolog.Logger) *AutosaveWorker {
	w := &AutosaveWorker{
		sink: sink,
		log:  log.With().Str("component", "autosave_worker").Logger(),
	}
	w.consumer = newBatchConsumer(rdb, config.WorkerKey.PersistAnswersQueue, w.log, w.flush)
	return w
}

// Start begins the worker loop. Call in a goroutine.
func (w *AutosaveWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")
	w.consumer.run(ctx)
}

type answerItem struct {
	raw    string
	update model.AnswerUpdate
	id     uuid.UUID
}

func (w *AutosaveWorker) flush(ctx context.Context, items []string) []string {
	parsed := make([]answerItem, 0, len(items))
	for _, raw := range items {
		var u model.AnswerUpdate
		if err := json.Unmarshal([]byte(raw), &u); err != nil {
			// Malformed JSON cannot be retried.
			w.log.Error().Err(err).Str("data", raw).Msg("Discarding malformed answer")
			continue
		}
		id, err := uuid.Parse(u.SessionID)
		if err != nil {
			w.log.Error().Str("session_id", u.SessionID).Msg("Dropping answer with invalid session ID")
			continue
		}
		parsed = append(parsed, answerItem{raw: raw, update: u, id: id})
	}
	if len(parsed) == 0 {
		return nil
	}

	// Fast path: one statement per session, later answers win.
	err := w.sink.MergeAnswers(ctx, coalesceAnswers(parsed))
	if err == nil {
		return nil
	}
	w.log.Warn().Err(err).Int("count", len(parsed)).Msg("Batch merge failed, attempting per-session recovery")

	// Fallback: session by session, retrying only the sessions that failed.
	bySession := make(map[uuid.UUID][]answerItem)
	order := make([]uuid.UUID, 0)
	for _, it := range parsed {
		if _, ok := bySession[it.id]; !ok {
			order = append(order, it.id)
		}
		bySession[it.id] = append(bySession[it.id], it)
	}

	var retry []string
	for _, id := range order {
		group := bySession[id]
		if err := w.sink.MergeAnswers(ctx, coalesceAnswers(group)); err != nil {
			w.log.Error().Err(err).Str("session_id", id.String()).Msg("Merge failed, requeueing")
			for _, it := range group {
				retry = append(retry, it.raw)
			}
		}
	}
	return retry
}

func coalesceAnswers(items []answerItem) map[uuid.UUID]map[string]string {
	out := make(map[uuid.UUID]map[string]string)
	for _, it := range items {
		if out[it.id] == nil {
			out[it.id] = make(map[string]string)
		}
		out[it.id][it.update.QuestionID] = it.update.Answer
	}
	return out
}
