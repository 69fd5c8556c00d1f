package repository

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, rdb
}

func testSession() *model.ExamSession {
	return &model.ExamSession{ID: uuid.New(), ExamID: uuid.New(), CandidateID: 3}
}

func TestLiveAnswersAreQueued(t *testing.T) {
	mr, rdb := newRedis(t)
	repo := NewLiveSessionRepository(rdb, time.Hour)
	ctx := context.Background()
	s := testSession()

	require.NoError(t, repo.SaveAnswer(ctx, s, "q1", "2"))
	require.NoError(t, repo.SaveAnswer(ctx, s, "q1", "3"))
	require.NoError(t, repo.SaveAnswer(ctx, s, "q2", "essay"))

	answers, err := repo.LoadAnswers(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"q1": "3", "q2": "essay"}, answers)

	queued, err := mr.List(config.WorkerKey.PersistAnswersQueue)
	require.NoError(t, err)
	require.Len(t, queued, 3)
	var last model.AnswerUpdate
	require.NoError(t, json.Unmarshal([]byte(queued[2]), &last))
	assert.Equal(t, model.AnswerUpdate{SessionID: s.ID.String(), QuestionID: "q2", Answer: "essay"}, last)

	assert.Greater(t, mr.TTL(config.CacheKey.SessionAnswersKey(s.ID.String())), time.Duration(0))
}

func TestLiveViolationOnlyRises(t *testing.T) {
	mr, rdb := newRedis(t)
	repo := NewLiveSessionRepository(rdb, time.Hour)
	ctx := context.Background()
	s := testSession()
	at := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	count, last, err := repo.LoadViolation(ctx, s.ID)
	require.NoError(t, err)
	assert.Zero(t, count)
	assert.Nil(t, last)

	require.NoError(t, repo.SaveViolation(ctx, s, 2, model.LastViolation{Reason: model.ViolationWindowBlur, Timestamp: at}))
	require.NoError(t, repo.SaveViolation(ctx, s, 1, model.LastViolation{Reason: model.ViolationTabSwitch, Timestamp: at.Add(-time.Second)}))
	require.NoError(t, repo.SaveViolation(ctx, s, 2, model.LastViolation{Reason: model.ViolationRightClick, Timestamp: at}))

	count, last, err = repo.LoadViolation(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	require.NotNil(t, last)
	assert.Equal(t, model.ViolationWindowBlur, last.Reason)
	assert.True(t, at.Equal(last.Timestamp))

	queued, err := mr.List(config.WorkerKey.PersistViolationsQueue)
	require.NoError(t, err)
	assert.Len(t, queued, 1, "only the raising write is queued")
}

func TestTabCounter(t *testing.T) {
	_, rdb := newRedis(t)
	repo := NewLiveSessionRepository(rdb, time.Hour)
	ctx := context.Background()
	examID := uuid.New()

	first := repo.TabCounter(examID, 5)
	second := repo.TabCounter(examID, 5)
	other := repo.TabCounter(examID, 6)

	n, err := first.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = second.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	n, err = other.Acquire(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, second.Release(ctx))
	n, err = first.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, first.Release(ctx))
	require.NoError(t, first.Release(ctx))
	n, err = first.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, n, "never below zero")
}

func TestMonitorLiveCountsAndPublish(t *testing.T) {
	_, rdb := newRedis(t)
	live := NewLiveSessionRepository(rdb, time.Hour)
	monitor := NewMonitorRepository(nil, rdb, zerolog.Nop())
	ctx := context.Background()

	busy, idle := testSession(), testSession()
	require.NoError(t, live.SaveAnswer(ctx, busy, "q1", "1"))
	require.NoError(t, live.SaveAnswer(ctx, busy, "q2", "0"))
	require.NoError(t, live.SaveViolation(ctx, busy, 1, model.LastViolation{Reason: model.ViolationTabSwitch}))

	counts, err := monitor.LiveCounts(ctx, []uuid.UUID{busy.ID, idle.ID})
	require.NoError(t, err)
	assert.Equal(t, map[uuid.UUID]LiveCounts{busy.ID: {Answered: 2, Violations: 1}}, counts)

	sub := rdb.Subscribe(ctx, config.CacheKey.ExamMonitorChannel(busy.ExamID.String()))
	defer sub.Close()
	_, err = sub.Receive(ctx)
	require.NoError(t, err)

	monitor.Publish(ctx, session.MonitorEvent{Type: session.MonitorViolation, ExamID: busy.ExamID, SessionID: busy.ID, ViolationCount: 1})

	select {
	case msg := <-sub.Channel():
		var ev session.MonitorEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &ev))
		assert.Equal(t, session.MonitorViolation, ev.Type)
		assert.Equal(t, busy.ID, ev.SessionID)
	case <-time.After(time.Second):
		t.Fatal("monitor event not delivered")
	}
}
