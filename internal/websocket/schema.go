package websocket

import (
	"encoding/json"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionSignal    Action = "signal"
	ActionAutosave  Action = "autosave"
	ActionSubmit    Action = "submit"
	ActionFaceFrame Action = "face_frame"
	ActionPing      Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action `json:"action"`
}

// SignalRequest reports one raw environment event (visibility, focus,
// fullscreen, keydown, contextmenu, geometry).
type SignalRequest struct {
	Action Action          `json:"action"`
	Kind   string          `json:"kind"`
	Data   json.RawMessage `json:"data"`
}

// AutosaveRequest is sent by the client to save a single answer.
type AutosaveRequest struct {
	Action Action `json:"action"`
	QID    string `json:"q_id"`
	Answer string `json:"ans"`
}

// SubmitRequest is sent by the client to finish the exam.
type SubmitRequest struct {
	Action Action `json:"action"`
	Force  bool   `json:"force"`
}

// FaceFrameRequest carries the latest camera frame, base64 encoded JPEG or PNG.
type FaceFrameRequest struct {
	Action Action `json:"action"`
	Frame  string `json:"frame"`
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventState             Event = "state"
	EventTick              Event = "tick"
	EventSaved             Event = "saved"
	EventViolation         Event = "violation"
	EventAlert             Event = "alert"
	EventWarning           Event = "warning"
	EventFullscreenRequest Event = "fullscreen_request"
	EventIncomplete        Event = "incomplete"
	EventFinished          Event = "finished"
	EventError             Event = "error"
	EventPong              Event = "pong"
)

type StateResponse struct {
	Event Event               `json:"event"`
	State *model.SessionState `json:"state"`
}

type TickResponse struct {
	Event     Event `json:"event"`
	Remaining int   `json:"remaining"`
}

type SavedResponse struct {
	Event   Event  `json:"event"`
	QID     string `json:"q_id"`
	Saved   bool   `json:"saved"`
	Pending int    `json:"pending"`
}

type ViolationResponse struct {
	Event        Event                 `json:"event"`
	Reason       model.ViolationReason `json:"reason"`
	Count        int                   `json:"count"`
	Remaining    int                   `json:"remaining"`
	Disqualified bool                  `json:"disqualified"`
}

// AlertResponse asks the client to play the audible alert.
type AlertResponse struct {
	Event  Event                 `json:"event"`
	Reason model.ViolationReason `json:"reason"`
}

type WarningResponse struct {
	Event     Event                 `json:"event"`
	Reason    model.ViolationReason `json:"reason"`
	Message   string                `json:"message"`
	Count     int                   `json:"count"`
	Remaining int                   `json:"remaining"`
	TimeoutMS int64                 `json:"timeout_ms"`
}

type FullscreenRequestResponse struct {
	Event   Event `json:"event"`
	Attempt int   `json:"attempt"`
}

// IncompleteResponse lists the 1-based indices of unanswered questions.
type IncompleteResponse struct {
	Event   Event `json:"event"`
	Missing []int `json:"missing"`
}

type FinishedResponse struct {
	Event  Event       `json:"event"`
	Result interface{} `json:"result"`
}

type ErrorResponse struct {
	Event Event  `json:"event"`
	Error string `json:"error"`
}

type PongResponse struct {
	Event Event `json:"event"`
}

// ─── Signaling bridge ───────────────────────────────────────────────

const (
	EventSignal       Event = "signal"
	EventSignalStatus Event = "status"
	EventSignalClosed Event = "closed"
)

// SignalPost is sent by a browser peer to post into the session mailbox.
type SignalPost struct {
	Type    model.SignalType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

type SignalMessageResponse struct {
	Event   Event                  `json:"event"`
	Message model.SignalingMessage `json:"message"`
}

type SignalStatusResponse struct {
	Event   Event               `json:"event"`
	Status  model.SessionStatus `json:"status"`
	Running bool                `json:"running"`
}

type SignalClosedResponse struct {
	Event  Event  `json:"event"`
	Reason string `json:"reason"`
}
