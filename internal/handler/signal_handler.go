package handler

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/signaling"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	signalStatusInterval = 5 * time.Second
	signalRetryDelay     = time.Second
	signalPostTimeout    = 5 * time.Second
)

// SignalHandler bridges a browser peer's socket to the mailbox of a session.
// Messages the other peer posted are pushed to the socket as they are
// claimed; messages read from the socket are posted under the caller's role.
type SignalHandler struct {
	hub      signaling.Hub
	mgr      *session.Manager
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewSignalHandler creates a new SignalHandler.
func NewSignalHandler(hub signaling.Hub, mgr *session.Manager, log zerolog.Logger, allowedOrigins []string) *SignalHandler {
	return &SignalHandler{
		hub:      hub,
		mgr:      mgr,
		log:      log.With().Str("component", "signal_handler").Logger(),
		upgrader: buildUpgrader(allowedOrigins),
	}
}

// Relay godoc
// WS /ws/v1/signal/exams/:exam_id/sessions/:session_id
// Open to the session's candidate and to supervisors. The bridge closes when
// the session leaves the running state.
func (h *SignalHandler) Relay(c *gin.Context) {
	claims := middleware.GetClaims(c)
	if claims == nil {
		response.Fail(c, http.StatusUnauthorized, response.ErrTokenRequired)
		return
	}

	examID, err := uuid.Parse(c.Param("exam_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}
	sessionID, err := uuid.Parse(c.Param("session_id"))
	if err != nil {
		response.Fail(c, http.StatusBadRequest, response.ErrInvalidID)
		return
	}

	role := model.PeerSupervisor
	if claims.TokenType == service.TokenTypeCandidate {
		role = model.PeerCandidate
	}

	sess, err := h.mgr.Session(c.Request.Context(), sessionID)
	if err != nil {
		fail(c, err)
		return
	}
	if sess.ExamID != examID {
		response.Fail(c, http.StatusNotFound, response.ErrNotFound)
		return
	}
	if role == model.PeerCandidate && sess.CandidateID != claims.UserID {
		response.Fail(c, http.StatusForbidden, response.ErrForbidden)
		return
	}
	if sess.Status.Terminal() {
		fail(c, session.ErrAlreadyFinalized)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	ws.ExtendOnPong(conn)

	b := &bridge{
		h:         h,
		conn:      conn,
		mailbox:   h.hub.Mailbox(examID, sessionID),
		role:      role,
		sessionID: sessionID,
		teardown:  make(chan struct{}, 1),
		log: h.log.With().
			Str("session_id", sessionID.String()).
			Str("role", string(role)).
			Int("user_id", claims.UserID).
			Logger(),
	}
	b.out = ws.NewOutbox(conn, outboxSize, b.log)
	b.ctx, b.cancel = context.WithCancel(c.Request.Context())
	defer b.close("")

	b.log.Info().Msg("Signaling peer connected")

	go b.forward()
	go b.watch()
	b.read()

	b.log.Info().Msg("Signaling peer disconnected")
}

type bridge struct {
	h         *SignalHandler
	conn      *websocket.Conn
	out       *ws.Outbox
	mailbox   signaling.Mailbox
	role      model.PeerRole
	sessionID uuid.UUID
	log       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	hooked   *session.Runtime
	teardown chan struct{}
}

// close stops the bridge once. A non-empty reason is sent to the peer first.
func (b *bridge) close(reason string) {
	b.once.Do(func() {
		if reason != "" {
			b.out.Send(ws.SignalClosedResponse{Event: ws.EventSignalClosed, Reason: reason})
		}
		b.cancel()
		b.out.Close()
		<-b.out.Done()
		b.conn.Close()
	})
}

// forward pushes claimed messages from the other peer to the socket.
func (b *bridge) forward() {
	for {
		msg, err := b.mailbox.Receive(b.ctx, b.role)
		if err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.log.Warn().Err(err).Msg("Mailbox receive failed")
			select {
			case <-b.ctx.Done():
				return
			case <-time.After(signalRetryDelay):
			}
			continue
		}
		if !b.deliver(msg) {
			return
		}
	}
}

// deliver queues a claimed message for the socket. Receive has already
// removed it from the mailbox, so a message claimed while the bridge closes
// is lost; it is logged and the peer renegotiates on reconnect. A full
// outbox logs its own drop and keeps the bridge open.
func (b *bridge) deliver(msg model.SignalingMessage) bool {
	if b.ctx.Err() == nil {
		if b.out.Send(ws.SignalMessageResponse{Event: ws.EventSignal, Message: msg}) || b.ctx.Err() == nil {
			return true
		}
	}
	b.log.Warn().
		Str("message_id", msg.ID).
		Str("type", string(msg.Type)).
		Msg("Claimed signaling message dropped on close")
	return false
}

// read posts the peer's messages into the mailbox until the socket closes.
func (b *bridge) read() {
	for {
		var post ws.SignalPost
		if err := ws.ReadJSON(b.conn, &post); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && b.ctx.Err() == nil {
				b.log.Warn().Err(err).Msg("Unexpected close")
			}
			return
		}

		ctx, cancel := context.WithTimeout(b.ctx, signalPostTimeout)
		_, err := b.mailbox.Post(ctx, model.SignalingMessage{
			Type:    post.Type,
			Payload: post.Payload,
			From:    b.role,
		})
		cancel()
		if err != nil {
			msg := "gagal mengirim pesan signaling"
			if errors.Is(err, signaling.ErrInvalidType) {
				msg = "tipe pesan signaling tidak dikenal"
			}
			b.out.Send(ws.ErrorResponse{Event: ws.EventError, Error: msg})
		}
	}
}

// watch reports the session status periodically and closes the bridge once
// the session is terminal. Teardown of the runtime held by this process
// triggers an immediate check.
func (b *bridge) watch() {
	ticker := time.NewTicker(signalStatusInterval)
	defer ticker.Stop()

	b.hook()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
		case <-b.teardown:
		}
		if b.check() {
			return
		}
		b.hook()
	}
}

func (b *bridge) hook() {
	rt, ok := b.h.mgr.Running(b.sessionID)
	if !ok || rt == b.hooked {
		return
	}
	b.hooked = rt
	rt.OnTeardown(func() {
		select {
		case b.teardown <- struct{}{}:
		default:
		}
	})
}

// check sends the current status and reports whether the bridge closed.
func (b *bridge) check() bool {
	sess, err := b.h.mgr.Session(b.ctx, b.sessionID)
	if err != nil {
		if b.ctx.Err() == nil {
			b.log.Warn().Err(err).Msg("Session status unavailable")
		}
		return false
	}

	_, running := b.h.mgr.Running(b.sessionID)
	b.out.Send(ws.SignalStatusResponse{Event: ws.EventSignalStatus, Status: sess.Status, Running: running})

	if !sess.Status.Terminal() {
		return false
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(b.ctx), signalPostTimeout)
	defer cancel()
	if err := b.mailbox.Purge(ctx); err != nil {
		b.log.Warn().Err(err).Msg("Mailbox purge failed")
	}
	b.close(string(sess.Status))
	return true
}
