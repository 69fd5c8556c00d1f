package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states as persisted.
type SessionStatus string

const (
	SessionStatusStarted      SessionStatus = "started"
	SessionStatusFinished     SessionStatus = "finished"
	SessionStatusDisqualified SessionStatus = "disqualified"
)

// Terminal reports whether no further candidate-driven change is allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionStatusFinished || s == SessionStatusDisqualified
}

// Finish reasons recorded on the session when it reaches a terminal state.
const (
	FinishReasonSubmitted    = "submitted"
	FinishReasonForced       = "submitted_incomplete"
	FinishReasonTimeExpired  = "time expired"
	FinishReasonDisqualified = "disqualified"
)

// CandidateInfo is the identity snapshot copied onto the session at start.
type CandidateInfo struct {
	Name       string `json:"name"`
	Identifier string `json:"identifier"`
	Cohort     string `json:"cohort,omitempty"`
	Group      string `json:"group,omitempty"`
}

// ExamSession represents one candidate's attempt at one exam.
type ExamSession struct {
	ID                 uuid.UUID          `json:"session_id"`
	ExamID             uuid.UUID          `json:"exam_id"`
	CandidateID        int                `json:"candidate_id"`
	CandidateInfo      CandidateInfo      `json:"candidate_info"`
	StartTime          time.Time          `json:"start_time"`
	Deadline           time.Time          `json:"deadline"`
	Status             SessionStatus      `json:"status"`
	ViolationCount     int                `json:"violation_count"`
	LastViolation      *LastViolation     `json:"last_violation"`
	Answers            map[string]string  `json:"answers"`
	FinishTime         *time.Time         `json:"finish_time,omitempty"`
	FinishReason       string             `json:"finish_reason,omitempty"`
	FinalScore         *float64           `json:"final_score"`
	EssayScores        map[string]float64 `json:"essay_scores,omitempty"`
	ScoreReduction     float64            `json:"score_reduction"`
	FullscreenDegraded bool               `json:"fullscreen_degraded"`
	FaceDegraded       bool               `json:"face_degraded"`
}

// Clone returns a deep copy so callers never share the live answer map.
func (s *ExamSession) Clone() *ExamSession {
	c := *s
	c.Answers = make(map[string]string, len(s.Answers))
	for k, v := range s.Answers {
		c.Answers[k] = v
	}
	if s.EssayScores != nil {
		c.EssayScores = make(map[string]float64, len(s.EssayScores))
		for k, v := range s.EssayScores {
			c.EssayScores[k] = v
		}
	}
	if s.LastViolation != nil {
		lv := *s.LastViolation
		c.LastViolation = &lv
	}
	if s.FinishTime != nil {
		ft := *s.FinishTime
		c.FinishTime = &ft
	}
	if s.FinalScore != nil {
		fs := *s.FinalScore
		c.FinalScore = &fs
	}
	return &c
}

// PreflightRequest carries the device capability probes taken in the Loading state.
type PreflightRequest struct {
	FullscreenSupported bool `json:"fullscreen_supported"`
	MediaAcquired       bool `json:"media_acquired"`
	AllowDegraded       bool `json:"allow_degraded"`
}

// StartSessionRequest is the payload for explicitly starting an exam attempt.
type StartSessionRequest struct {
	Preflight PreflightRequest `json:"preflight" binding:"required"`
}

// SaveAnswerRequest overwrites one answer buffer entry.
type SaveAnswerRequest struct {
	Answer string `json:"answer" binding:"required,max=20000"`
}

// FinishRequest asks the session to finish; Force skips the completeness check.
type FinishRequest struct {
	Force bool `json:"force"`
}

// SessionState is returned on (re)load so the client can rebuild its view.
type SessionState struct {
	Session          *ExamSession           `json:"session"`
	Questions        []QuestionForCandidate `json:"questions"`
	RemainingSeconds int                    `json:"remaining_seconds"`
	FullscreenGuard  bool                   `json:"fullscreen_guard"`
}

// AnswerUpdate is queued for the durable store on every live answer write.
type AnswerUpdate struct {
	SessionID  string `json:"session_id"`
	QuestionID string `json:"q_id"`
	Answer     string `json:"answer"`
}
