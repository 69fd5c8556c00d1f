package service

import (
	"context"
	"errors"
	"math"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/scoring"
	"github.com/stemsi/exstem-proctor/internal/session"
)

// Grading errors.
var (
	ErrSessionNotTerminal = errors.New("session is still running")
	ErrNotEssayQuestion   = errors.New("question is not an essay of this exam")
	ErrInvalidEssayScore  = errors.New("essay score must be between 0 and 100")
)

// GradingStore is the durable session record as seen by supervisors.
type GradingStore interface {
	Get(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.ExamSession, error)
	Regrade(ctx context.Context, id uuid.UUID, mutate func(s *model.ExamSession) error) (*model.ExamSession, error)
}

// SessionScore is a session together with its computed breakdown.
type SessionScore struct {
	Session   *model.ExamSession   `json:"session"`
	Breakdown model.ScoreBreakdown `json:"breakdown"`
}

// GradingService lets supervisors review sessions, enter essay scores and
// apply score reductions. Every change recomputes the stored final score.
type GradingService struct {
	sessions  GradingStore
	questions QuestionReader
	events    session.EventSink
	log       zerolog.Logger
}

// NewGradingService creates a new GradingService. events may be nil.
func NewGradingService(sessions GradingStore, questions QuestionReader, events session.EventSink, log zerolog.Logger) *GradingService {
	return &GradingService{
		sessions:  sessions,
		questions: questions,
		events:    events,
		log:       log.With().Str("component", "grading_service").Logger(),
	}
}

// ListSessions returns every session of an exam with its breakdown.
func (s *GradingService) ListSessions(ctx context.Context, examID uuid.UUID) ([]SessionScore, error) {
	questions, err := s.questions.ListByExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	sessions, err := s.sessions.ListByExam(ctx, examID)
	if err != nil {
		return nil, err
	}

	out := make([]SessionScore, len(sessions))
	for i := range sessions {
		out[i] = SessionScore{
			Session:   &sessions[i],
			Breakdown: scoring.Compute(scoring.InputFromSession(&sessions[i], questions)),
		}
	}
	return out, nil
}

// Score returns one session and its breakdown.
func (s *GradingService) Score(ctx context.Context, sessionID uuid.UUID) (*SessionScore, error) {
	sess, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	questions, err := s.questions.ListByExam(ctx, sess.ExamID)
	if err != nil {
		return nil, err
	}
	return &SessionScore{
		Session:   sess,
		Breakdown: scoring.Compute(scoring.InputFromSession(sess, questions)),
	}, nil
}

// SetEssayScore records the score of one essay answer.
func (s *GradingService) SetEssayScore(ctx context.Context, sessionID, questionID uuid.UUID, score float64) (*SessionScore, error) {
	if math.IsNaN(score) || score < 0 || score > 100 {
		return nil, ErrInvalidEssayScore
	}
	return s.regrade(ctx, sessionID, func(sess *model.ExamSession, questions []model.Question) error {
		if !isEssay(questions, questionID) {
			return ErrNotEssayQuestion
		}
		if sess.EssayScores == nil {
			sess.EssayScores = make(map[string]float64)
		}
		sess.EssayScores[questionID.String()] = score
		return nil
	})
}

// SetReduction applies a supervisor score reduction, clamped to [0, 100].
func (s *GradingService) SetReduction(ctx context.Context, sessionID uuid.UUID, reduction float64) (*SessionScore, error) {
	return s.regrade(ctx, sessionID, func(sess *model.ExamSession, _ []model.Question) error {
		sess.ScoreReduction = scoring.ClampReduction(reduction)
		return nil
	})
}

func (s *GradingService) regrade(ctx context.Context, sessionID uuid.UUID, change func(*model.ExamSession, []model.Question) error) (*SessionScore, error) {
	current, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	questions, err := s.questions.ListByExam(ctx, current.ExamID)
	if err != nil {
		return nil, err
	}

	var breakdown model.ScoreBreakdown
	updated, err := s.sessions.Regrade(ctx, sessionID, func(sess *model.ExamSession) error {
		if !sess.Status.Terminal() {
			return ErrSessionNotTerminal
		}
		if err := change(sess, questions); err != nil {
			return err
		}
		breakdown = scoring.Compute(scoring.InputFromSession(sess, questions))
		sess.FinalScore = breakdown.FinalScore
		return nil
	})
	if err != nil {
		return nil, err
	}

	if s.events != nil {
		s.events.Publish(ctx, session.MonitorEvent{
			Type:        session.MonitorGraded,
			ExamID:      updated.ExamID,
			SessionID:   updated.ID,
			CandidateID: updated.CandidateID,
			Name:        updated.CandidateInfo.Name,
			Status:      updated.Status,
			FinalScore:  updated.FinalScore,
		})
	}
	s.log.Info().
		Str("session_id", sessionID.String()).
		Float64("reduction", updated.ScoreReduction).
		Bool("pending", updated.FinalScore == nil).
		Msg("Session regraded")
	return &SessionScore{Session: updated, Breakdown: breakdown}, nil
}

func isEssay(questions []model.Question, id uuid.UUID) bool {
	for i := range questions {
		if questions[i].ID == id {
			return questions[i].Type == model.QuestionTypeEssay
		}
	}
	return false
}
