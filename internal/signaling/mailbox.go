// Package signaling exchanges the WebRTC handshake of one session between its
// candidate and supervisor peers through a consume-once mailbox.
package signaling

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/model"
)

var (
	ErrInvalidSender = errors.New("sender must be candidate or supervisor")
	ErrInvalidType   = errors.New("unknown signaling message type")
)

// Mailbox is the message channel between the two peers of one session. A
// message is delivered to the peer that did not send it, and Receive removes
// it: no message is ever delivered twice.
type Mailbox interface {
	// Post appends msg and returns it with its ID and timestamp assigned.
	Post(ctx context.Context, msg model.SignalingMessage) (model.SignalingMessage, error)
	// Receive blocks until a message from the other peer is claimed.
	Receive(ctx context.Context, self model.PeerRole) (model.SignalingMessage, error)
	// Purge drops everything still pending.
	Purge(ctx context.Context) error
}

// Hub opens the mailbox of a session.
type Hub interface {
	Mailbox(examID, sessionID uuid.UUID) Mailbox
}

// prepare validates msg and stamps it.
func prepare(msg model.SignalingMessage, now time.Time) (model.SignalingMessage, error) {
	if !msg.From.Valid() {
		return msg, ErrInvalidSender
	}
	if !msg.Type.Valid() {
		return msg, ErrInvalidType
	}
	msg.ID = uuid.NewString()
	msg.Timestamp = now.UTC()
	return msg, nil
}
