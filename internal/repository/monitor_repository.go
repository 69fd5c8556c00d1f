package repository

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// MonitorEntry is one candidate row of the live monitor.
type MonitorEntry struct {
	SessionID      uuid.UUID           `json:"session_id"`
	CandidateID    int                 `json:"candidate_id"`
	Name           string              `json:"name"`
	Identifier     string              `json:"identifier"`
	Status         model.SessionStatus `json:"status"`
	AnsweredCount  int                 `json:"answered_count"`
	ViolationCount int                 `json:"violation_count"`
	FinalScore     *float64            `json:"final_score"`
}

// LiveCounts are the Redis-side counters of a running session.
type LiveCounts struct {
	Answered   int
	Violations int
}

// MonitorRepository provides data access for the live exam monitoring feature.
// It combines PostgreSQL (session records) and Redis (live counters and the
// monitor channel). It implements session.EventSink.
type MonitorRepository struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *MonitorRepository {
	return &MonitorRepository{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "monitor_repository").Logger(),
	}
}

// ListEntries returns the durable view of every session of an exam.
func (r *MonitorRepository) ListEntries(ctx context.Context, examID uuid.UUID) ([]MonitorEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, candidate_id, candidate_info->>'name', candidate_info->>'identifier', status,
		        (SELECT COUNT(*) FROM jsonb_each_text(answers) a WHERE btrim(a.value) <> ''),
		        violation_count, final_score
		 FROM exam_sessions
		 WHERE exam_id = $1
		 ORDER BY candidate_info->>'name'`,
		examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []MonitorEntry
	for rows.Next() {
		var e MonitorEntry
		if err := rows.Scan(&e.SessionID, &e.CandidateID, &e.Name, &e.Identifier, &e.Status,
			&e.AnsweredCount, &e.ViolationCount, &e.FinalScore); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// LiveCounts reads the live answer and violation counters of the given
// sessions in one round trip. Sessions without live state are omitted.
func (r *MonitorRepository) LiveCounts(ctx context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID]LiveCounts, error) {
	out := make(map[uuid.UUID]LiveCounts, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}

	pipe := r.rdb.Pipeline()
	answered := make([]*redis.IntCmd, len(sessionIDs))
	violations := make([]*redis.StringCmd, len(sessionIDs))
	for i, id := range sessionIDs {
		answered[i] = pipe.HLen(ctx, config.CacheKey.SessionAnswersKey(id.String()))
		violations[i] = pipe.HGet(ctx, config.CacheKey.LiveSessionKey(id.String()), "count")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	for i, id := range sessionIDs {
		var lc LiveCounts
		lc.Answered = int(answered[i].Val())
		if raw, err := violations[i].Result(); err == nil {
			lc.Violations, _ = strconv.Atoi(raw)
		}
		if lc.Answered > 0 || lc.Violations > 0 {
			out[id] = lc
		}
	}
	return out, nil
}

// Publish pushes a monitor event to the exam's channel. Delivery is
// best-effort; failures are logged.
func (r *MonitorRepository) Publish(ctx context.Context, ev session.MonitorEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error().Err(err).Msg("Failed to encode monitor event")
		return
	}
	if err := r.rdb.Publish(ctx, config.CacheKey.ExamMonitorChannel(ev.ExamID.String()), data).Err(); err != nil {
		r.log.Warn().Err(err).Str("type", ev.Type).Msg("Failed to publish monitor event")
	}
}
