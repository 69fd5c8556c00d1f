package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/signal"
)

// raiseViolationScript writes the violation snapshot only when it raises the
// stored count, and queues it for the durable store in the same step.
//
// KEYS[1] live hash, KEYS[2] persistence queue
// ARGV[1] count, ARGV[2] last violation JSON, ARGV[3] ttl seconds, ARGV[4] queue payload
var raiseViolationScript = redis.NewScript(`
local current = tonumber(redis.call('HGET', KEYS[1], 'count') or '0')
local proposed = tonumber(ARGV[1])
if proposed <= current then
	return 0
end
redis.call('HSET', KEYS[1], 'count', ARGV[1], 'last', ARGV[2])
redis.call('EXPIRE', KEYS[1], ARGV[3])
redis.call('RPUSH', KEYS[2], ARGV[4])
return 1
`)

// releaseTabScript decrements a tab counter without going below zero.
var releaseTabScript = redis.NewScript(`
local n = redis.call('DECR', KEYS[1])
if n <= 0 then
	redis.call('DEL', KEYS[1])
	return 0
end
return n
`)

// LiveSessionRepository holds the hot state of running sessions in Redis and
// feeds the persistence queues drained by the workers. It implements
// session.LiveStore.
type LiveSessionRepository struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewLiveSessionRepository creates a new LiveSessionRepository. Live keys
// expire ttl after their last write.
func NewLiveSessionRepository(rdb *redis.Client, ttl time.Duration) *LiveSessionRepository {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &LiveSessionRepository{rdb: rdb, ttl: ttl}
}

// SaveAnswer overwrites one answer and queues it for the durable store.
func (r *LiveSessionRepository) SaveAnswer(ctx context.Context, s *model.ExamSession, questionID, value string) error {
	payload, err := json.Marshal(model.AnswerUpdate{
		SessionID:  s.ID.String(),
		QuestionID: questionID,
		Answer:     value,
	})
	if err != nil {
		return err
	}

	key := config.CacheKey.SessionAnswersKey(s.ID.String())
	_, err = r.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, questionID, value)
		pipe.Expire(ctx, key, r.ttl)
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, payload)
		return nil
	})
	return err
}

// LoadAnswers returns every live answer of a session.
func (r *LiveSessionRepository) LoadAnswers(ctx context.Context, sessionID uuid.UUID) (map[string]string, error) {
	return r.rdb.HGetAll(ctx, config.CacheKey.SessionAnswersKey(sessionID.String())).Result()
}

// SaveViolation raises the live violation count. A count that is not higher
// than the stored one is ignored.
func (r *LiveSessionRepository) SaveViolation(ctx context.Context, s *model.ExamSession, count int, last model.LastViolation) error {
	lastJSON, err := json.Marshal(last)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(model.ViolationSnapshot{
		SessionID: s.ID.String(),
		Count:     count,
		Last:      last,
	})
	if err != nil {
		return err
	}

	return raiseViolationScript.Run(ctx, r.rdb,
		[]string{config.CacheKey.LiveSessionKey(s.ID.String()), config.WorkerKey.PersistViolationsQueue},
		count, lastJSON, int(r.ttl.Seconds()), payload,
	).Err()
}

// LoadViolation returns the live violation count and last violation.
func (r *LiveSessionRepository) LoadViolation(ctx context.Context, sessionID uuid.UUID) (int, *model.LastViolation, error) {
	vals, err := r.rdb.HMGet(ctx, config.CacheKey.LiveSessionKey(sessionID.String()), "count", "last").Result()
	if err != nil {
		return 0, nil, err
	}

	var count int
	if raw, ok := vals[0].(string); ok {
		if count, err = strconv.Atoi(raw); err != nil {
			return 0, nil, fmt.Errorf("parse violation count: %w", err)
		}
	}
	var last *model.LastViolation
	if raw, ok := vals[1].(string); ok {
		last = &model.LastViolation{}
		if err := json.Unmarshal([]byte(raw), last); err != nil {
			return 0, nil, fmt.Errorf("parse last violation: %w", err)
		}
	}
	return count, last, nil
}

// TabCounter returns the counter shared by a candidate's tabs on an exam.
func (r *LiveSessionRepository) TabCounter(examID uuid.UUID, candidateID int) signal.TabCounter {
	return &tabCounter{
		rdb: r.rdb,
		key: config.CacheKey.CandidateTabsKey(examID.String(), candidateID),
		ttl: r.ttl,
	}
}

type tabCounter struct {
	rdb *redis.Client
	key string
	ttl time.Duration
}

func (c *tabCounter) Acquire(ctx context.Context) (int64, error) {
	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, c.key)
		pipe.Expire(ctx, c.key, c.ttl)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *tabCounter) Count(ctx context.Context) (int64, error) {
	n, err := c.rdb.Get(ctx, c.key).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return n, err
}

func (c *tabCounter) Release(ctx context.Context) error {
	return releaseTabScript.Run(ctx, c.rdb, []string{c.key}).Err()
}
