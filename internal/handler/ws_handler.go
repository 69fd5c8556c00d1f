package handler

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/ledger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/session"
	"github.com/stemsi/exstem-proctor/internal/signal"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

const (
	outboxSize    = 64
	actionTimeout = 10 * time.Second
	// Camera frames are the largest messages a candidate sends.
	maxMessageSize = 2 << 20
)

var errFullscreenDropped = errors.New("fullscreen request dropped")

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// WSHandler streams a running session to the candidate's tab and takes its
// environment signals, autosaves, submits and camera frames.
type WSHandler struct {
	sessionService *service.ExamSessionService
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(sessionService *service.ExamSessionService, log zerolog.Logger, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		sessionService: sessionService,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// CandidateStream godoc
// WS /ws/v1/candidate/sessions/:session_id/stream
// Attaches the tab to the session runtime. The socket closes once the
// session reaches a terminal state and the finished event went out.
func (h *WSHandler) CandidateStream(c *gin.Context) {
	claims, sessionID, ok := candidateSession(c)
	if !ok {
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)
	ws.ExtendOnPong(conn)

	wsLog := h.log.With().
		Int("candidate_id", claims.UserID).
		Str("session_id", sessionID.String()).
		Logger()

	out := ws.NewOutbox(conn, outboxSize, wsLog)
	defer func() {
		out.Close()
		<-out.Done()
	}()

	ctx := c.Request.Context()
	rt, err := h.sessionService.Runtime(ctx, sessionID, claims.UserID)
	if err != nil {
		h.sendTerminalOrError(ctx, out, sessionID, claims.UserID, err)
		return
	}

	out.Send(ws.StateResponse{Event: ws.EventState, State: rt.View()})

	detach, err := rt.Attach(&streamClient{out: out})
	if err != nil {
		// Attach already pushed the result of a finalized session.
		if !errors.Is(err, session.ErrAlreadyFinalized) {
			out.Send(ws.ErrorResponse{Event: ws.EventError, Error: errorMessage(err)})
		}
		return
	}
	defer detach()

	wsLog.Info().Msg("Candidate connected")

	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-rt.Done():
			out.Close()
			<-out.Done()
			conn.Close()
		case <-closed:
		}
	}()

	for {
		var raw json.RawMessage
		if err := ws.ReadJSON(conn, &raw); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				wsLog.Warn().Err(err).Msg("Unexpected close")
			} else {
				wsLog.Debug().Msg("Connection closed")
			}
			return
		}

		var env ws.RequestEnvelope
		if err := json.Unmarshal(raw, &env); err != nil {
			out.Send(ws.ErrorResponse{Event: ws.EventError, Error: "format pesan tidak valid"})
			continue
		}

		switch env.Action {
		case ws.ActionSignal:
			h.handleSignal(rt, out, raw)
		case ws.ActionAutosave:
			h.handleAutosave(ctx, rt, out, raw, wsLog)
		case ws.ActionSubmit:
			h.handleSubmit(ctx, rt, out, raw, wsLog)
		case ws.ActionFaceFrame:
			h.handleFaceFrame(rt, out, raw)
		case ws.ActionPing:
			out.Send(ws.PongResponse{Event: ws.EventPong})
		default:
			wsLog.Warn().Str("action", string(env.Action)).Msg("Unknown action")
			out.Send(ws.ErrorResponse{Event: ws.EventError, Error: "aksi tidak dikenal: " + string(env.Action)})
		}
	}
}

// sendTerminalOrError answers a tab that attached to a session this stream
// cannot run: a finished session gets its result, anything else an error.
func (h *WSHandler) sendTerminalOrError(ctx context.Context, out *ws.Outbox, sessionID uuid.UUID, candidateID int, err error) {
	if errors.Is(err, session.ErrAlreadyFinalized) {
		state, stateErr := h.sessionService.State(ctx, sessionID, candidateID)
		if stateErr == nil && state.Session != nil {
			out.Send(ws.FinishedResponse{Event: ws.EventFinished, Result: session.ResultOf(state.Session)})
			return
		}
	}
	out.Send(ws.ErrorResponse{Event: ws.EventError, Error: errorMessage(err)})
}

func (h *WSHandler) handleSignal(rt *session.Runtime, out *ws.Outbox, raw json.RawMessage) {
	var req ws.SignalRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Kind == "" {
		out.Send(ws.ErrorResponse{Event: ws.EventError, Error: "kind wajib diisi"})
		return
	}
	rt.Publish(signal.Event{Kind: req.Kind, Data: req.Data, At: time.Now()})
}

func (h *WSHandler) handleAutosave(ctx context.Context, rt *session.Runtime, out *ws.Outbox, raw json.RawMessage, wsLog zerolog.Logger) {
	var req ws.AutosaveRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.QID == "" {
		out.Send(ws.ErrorResponse{Event: ws.EventError, Error: "q_id wajib diisi"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	res, err := rt.RecordAnswer(ctx, req.QID, req.Answer)
	if err != nil {
		wsLog.Debug().Err(err).Str("q_id", req.QID).Msg("Autosave rejected")
		out.Send(ws.ErrorResponse{Event: ws.EventError, Error: errorMessage(err)})
		return
	}
	out.Send(ws.SavedResponse{Event: ws.EventSaved, QID: req.QID, Saved: res.Saved, Pending: res.Pending})
}

func (h *WSHandler) handleSubmit(ctx context.Context, rt *session.Runtime, out *ws.Outbox, raw json.RawMessage, wsLog zerolog.Logger) {
	var req ws.SubmitRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		out.Send(ws.ErrorResponse{Event: ws.EventError, Error: "format pesan tidak valid"})
		return
	}

	ctx, cancel := context.WithTimeout(ctx, actionTimeout)
	defer cancel()

	res, err := rt.RequestFinish(ctx, req.Force)
	if err != nil {
		// The finished event reaches every tab through the runtime.
		if !errors.Is(err, session.ErrAlreadyFinalized) {
			wsLog.Error().Err(err).Msg("Submit failed")
			out.Send(ws.ErrorResponse{Event: ws.EventError, Error: errorMessage(err)})
		}
		return
	}
	if res.Result == nil {
		out.Send(ws.IncompleteResponse{Event: ws.EventIncomplete, Missing: res.Missing})
	}
}

func (h *WSHandler) handleFaceFrame(rt *session.Runtime, out *ws.Outbox, raw json.RawMessage) {
	var req ws.FaceFrameRequest
	if err := json.Unmarshal(raw, &req); err != nil || req.Frame == "" {
		out.Send(ws.ErrorResponse{Event: ws.EventError, Error: "frame wajib diisi"})
		return
	}
	// Data URLs carry a header before the payload.
	if i := strings.IndexByte(req.Frame, ','); i >= 0 && strings.HasPrefix(req.Frame, "data:") {
		req.Frame = req.Frame[i+1:]
	}
	frame, err := base64.StdEncoding.DecodeString(req.Frame)
	if err != nil {
		out.Send(ws.ErrorResponse{Event: ws.EventError, Error: "frame bukan base64 yang valid"})
		return
	}
	rt.PutFrame(frame)
}

// streamClient pushes runtime events to one tab through its outbox.
type streamClient struct {
	out *ws.Outbox
}

func (s *streamClient) Tick(remaining int) {
	s.out.Send(ws.TickResponse{Event: ws.EventTick, Remaining: remaining})
}

func (s *streamClient) Violation(o ledger.Outcome, reason model.ViolationReason) {
	s.out.Send(ws.ViolationResponse{
		Event:        ws.EventViolation,
		Reason:       reason,
		Count:        o.Count,
		Remaining:    o.Remaining,
		Disqualified: o.Disqualified,
	})
}

func (s *streamClient) Alert(reason model.ViolationReason) {
	s.out.Send(ws.AlertResponse{Event: ws.EventAlert, Reason: reason})
}

func (s *streamClient) Warn(w ledger.Warning) {
	s.out.Send(ws.WarningResponse{
		Event:     ws.EventWarning,
		Reason:    w.Reason,
		Message:   w.Message,
		Count:     w.Count,
		Remaining: w.Remaining,
		TimeoutMS: w.Duration.Milliseconds(),
	})
}

func (s *streamClient) FullscreenRequest(attempt int) error {
	if !s.out.Send(ws.FullscreenRequestResponse{Event: ws.EventFullscreenRequest, Attempt: attempt}) {
		return errFullscreenDropped
	}
	return nil
}

func (s *streamClient) Finished(res session.Result) {
	s.out.Send(ws.FinishedResponse{Event: ws.EventFinished, Result: res})
}
