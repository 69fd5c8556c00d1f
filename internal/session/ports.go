package session

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exstem-proctor/internal/ledger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/signal"
)

// Store is the durable session record.
type Store interface {
	// Create inserts a started session. It returns ErrSessionExists when the
	// candidate already has one for the exam.
	Create(ctx context.Context, s *model.ExamSession) error
	Get(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	// Finalize writes the terminal fields only while the stored status is
	// still started. It returns ErrAlreadyFinalized otherwise.
	Finalize(ctx context.Context, s *model.ExamSession) error
	// ListExpired returns started sessions whose deadline is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}

// LiveStore holds the hot per-session state written on every answer and
// violation.
type LiveStore interface {
	SaveAnswer(ctx context.Context, s *model.ExamSession, questionID, value string) error
	LoadAnswers(ctx context.Context, sessionID uuid.UUID) (map[string]string, error)
	// SaveViolation only ever raises the stored count.
	SaveViolation(ctx context.Context, s *model.ExamSession, count int, last model.LastViolation) error
	LoadViolation(ctx context.Context, sessionID uuid.UUID) (int, *model.LastViolation, error)
	// TabCounter returns the counter shared by the candidate's tabs on one exam.
	TabCounter(examID uuid.UUID, candidateID int) signal.TabCounter
}

// QuestionSource is the read-only question bank.
type QuestionSource interface {
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
}

// EventSink receives session lifecycle events for supervisors.
type EventSink interface {
	Publish(ctx context.Context, ev MonitorEvent)
}

// Monitor event types.
const (
	MonitorSessionStarted = "session_started"
	MonitorAnswerSaved    = "answer_saved"
	MonitorViolation      = "violation"
	MonitorFinished       = "finished"
	MonitorDisqualified   = "disqualified"
	MonitorConnected      = "connected"
	MonitorDisconnected   = "disconnected"
	MonitorGraded         = "graded"
)

// MonitorEvent is one entry of an exam's live monitor feed.
type MonitorEvent struct {
	Type           string                `json:"type"`
	ExamID         uuid.UUID             `json:"exam_id"`
	SessionID      uuid.UUID             `json:"session_id"`
	CandidateID    int                   `json:"candidate_id"`
	Name           string                `json:"name,omitempty"`
	Status         model.SessionStatus   `json:"status,omitempty"`
	AnsweredCount  int                   `json:"answered_count,omitempty"`
	ViolationCount int                   `json:"violation_count,omitempty"`
	Reason         model.ViolationReason `json:"reason,omitempty"`
	FinalScore     *float64              `json:"final_score,omitempty"`
}

// Client is one attached candidate tab. Calls must not block; a slow
// client drops pushes rather than stalling the session.
type Client interface {
	Tick(remaining int)
	Violation(out ledger.Outcome, reason model.ViolationReason)
	Alert(reason model.ViolationReason)
	Warn(w ledger.Warning)
	FullscreenRequest(attempt int) error
	Finished(res Result)
}

// Result is the definitive outcome shown once the session is terminal.
type Result struct {
	SessionID    uuid.UUID           `json:"session_id"`
	Status       model.SessionStatus `json:"status"`
	FinishReason string              `json:"finish_reason"`
	FinishTime   time.Time           `json:"finish_time"`
	FinalScore   *float64            `json:"final_score"`
	// Pending is set while ungraded essays hold the final score back.
	Pending bool `json:"pending"`
}

// ResultOf describes a terminal session.
func ResultOf(s *model.ExamSession) Result {
	r := Result{
		SessionID:    s.ID,
		Status:       s.Status,
		FinishReason: s.FinishReason,
		FinalScore:   s.FinalScore,
		Pending:      s.Status == model.SessionStatusFinished && s.FinalScore == nil,
	}
	if s.FinishTime != nil {
		r.FinishTime = *s.FinishTime
	}
	return r
}
