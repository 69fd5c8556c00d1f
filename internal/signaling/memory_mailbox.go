package signaling

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// MemoryHub keeps mailboxes in process memory. It serves single-process
// deployments and tests.
type MemoryHub struct {
	mu    sync.Mutex
	boxes map[string]*MemoryMailbox
}

func NewMemoryHub() *MemoryHub {
	return &MemoryHub{boxes: make(map[string]*MemoryMailbox)}
}

func (h *MemoryHub) Mailbox(examID, sessionID uuid.UUID) Mailbox {
	key := examID.String() + ":" + sessionID.String()
	h.mu.Lock()
	defer h.mu.Unlock()
	box, ok := h.boxes[key]
	if !ok {
		box = NewMemoryMailbox()
		h.boxes[key] = box
	}
	return box
}

// MemoryMailbox is the in-process Mailbox.
type MemoryMailbox struct {
	mu    sync.Mutex
	docs  map[string]model.SignalingMessage
	inbox map[model.PeerRole][]string
	wake  map[model.PeerRole]chan struct{}
}

func NewMemoryMailbox() *MemoryMailbox {
	return &MemoryMailbox{
		docs:  make(map[string]model.SignalingMessage),
		inbox: make(map[model.PeerRole][]string),
		wake: map[model.PeerRole]chan struct{}{
			model.PeerCandidate:  make(chan struct{}),
			model.PeerSupervisor: make(chan struct{}),
		},
	}
}

func (m *MemoryMailbox) Post(_ context.Context, msg model.SignalingMessage) (model.SignalingMessage, error) {
	msg, err := prepare(msg, time.Now())
	if err != nil {
		return msg, err
	}
	to := msg.From.Other()

	m.mu.Lock()
	m.docs[msg.ID] = msg
	m.inbox[to] = append(m.inbox[to], msg.ID)
	close(m.wake[to])
	m.wake[to] = make(chan struct{})
	m.mu.Unlock()
	return msg, nil
}

func (m *MemoryMailbox) Receive(ctx context.Context, self model.PeerRole) (model.SignalingMessage, error) {
	if !self.Valid() {
		return model.SignalingMessage{}, ErrInvalidSender
	}
	for {
		m.mu.Lock()
		for len(m.inbox[self]) > 0 {
			id := m.inbox[self][0]
			m.inbox[self] = m.inbox[self][1:]
			msg, ok := m.docs[id]
			if !ok {
				continue
			}
			delete(m.docs, id)
			m.mu.Unlock()
			return msg, nil
		}
		wake := m.wake[self]
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return model.SignalingMessage{}, ctx.Err()
		case <-wake:
		}
	}
}

func (m *MemoryMailbox) Purge(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs = make(map[string]model.SignalingMessage)
	m.inbox = make(map[model.PeerRole][]string)
	return nil
}
