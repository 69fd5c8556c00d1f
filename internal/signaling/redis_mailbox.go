package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// receivePoll bounds one blocking pop so cancellation is noticed.
const receivePoll = time.Second

// RedisHub opens Redis-backed mailboxes.
type RedisHub struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewRedisHub creates a hub whose mailboxes expire ttl after the last post.
func NewRedisHub(rdb *redis.Client, ttl time.Duration) *RedisHub {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &RedisHub{rdb: rdb, ttl: ttl}
}

func (h *RedisHub) Mailbox(examID, sessionID uuid.UUID) Mailbox {
	exam, sess := examID.String(), sessionID.String()
	return &RedisMailbox{
		rdb:  h.rdb,
		ttl:  h.ttl,
		docs: config.CacheKey.SignalDocsKey(exam, sess),
		inbox: map[model.PeerRole]string{
			model.PeerCandidate:  config.CacheKey.SignalInboxKey(exam, sess, string(model.PeerCandidate)),
			model.PeerSupervisor: config.CacheKey.SignalInboxKey(exam, sess, string(model.PeerSupervisor)),
		},
	}
}

// RedisMailbox keeps message documents in a hash and the pending IDs of each
// recipient in a list. A message is claimed by deleting its document: only
// the receiver whose HDEL removed it processes it.
type RedisMailbox struct {
	rdb   *redis.Client
	ttl   time.Duration
	docs  string
	inbox map[model.PeerRole]string
}

func (m *RedisMailbox) Post(ctx context.Context, msg model.SignalingMessage) (model.SignalingMessage, error) {
	msg, err := prepare(msg, time.Now())
	if err != nil {
		return msg, err
	}
	doc, err := json.Marshal(msg)
	if err != nil {
		return msg, err
	}

	inbox := m.inbox[msg.From.Other()]
	_, err = m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, m.docs, msg.ID, doc)
		pipe.RPush(ctx, inbox, msg.ID)
		pipe.Expire(ctx, m.docs, m.ttl)
		pipe.Expire(ctx, inbox, m.ttl)
		return nil
	})
	if err != nil {
		return msg, fmt.Errorf("post signaling message: %w", err)
	}
	return msg, nil
}

func (m *RedisMailbox) Receive(ctx context.Context, self model.PeerRole) (model.SignalingMessage, error) {
	if !self.Valid() {
		return model.SignalingMessage{}, ErrInvalidSender
	}
	inbox := m.inbox[self]

	for {
		if err := ctx.Err(); err != nil {
			return model.SignalingMessage{}, err
		}
		res, err := m.rdb.BLPop(ctx, receivePoll, inbox).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return model.SignalingMessage{}, ctx.Err()
			}
			return model.SignalingMessage{}, fmt.Errorf("pop signaling inbox: %w", err)
		}
		if len(res) < 2 {
			continue
		}

		msg, ok, err := m.claim(ctx, res[1])
		if err != nil {
			return model.SignalingMessage{}, err
		}
		if !ok || msg.From == self {
			continue
		}
		return msg, nil
	}
}

// claim reads and deletes a document in one transaction. ok is false when the
// document no longer exists.
func (m *RedisMailbox) claim(ctx context.Context, id string) (model.SignalingMessage, bool, error) {
	var (
		get *redis.StringCmd
		del *redis.IntCmd
	)
	_, err := m.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		get = pipe.HGet(ctx, m.docs, id)
		del = pipe.HDel(ctx, m.docs, id)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return model.SignalingMessage{}, false, fmt.Errorf("claim signaling message: %w", err)
	}
	if del.Val() != 1 {
		return model.SignalingMessage{}, false, nil
	}

	var msg model.SignalingMessage
	if err := json.Unmarshal([]byte(get.Val()), &msg); err != nil {
		return model.SignalingMessage{}, false, nil
	}
	return msg, true, nil
}

func (m *RedisMailbox) Purge(ctx context.Context) error {
	return m.rdb.Del(ctx, m.docs, m.inbox[model.PeerCandidate], m.inbox[model.PeerSupervisor]).Err()
}
