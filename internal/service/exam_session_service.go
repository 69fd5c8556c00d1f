package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
)

var ErrCandidateNotFound = errors.New("candidate not found")

// CandidateReader reads candidate accounts by ID.
type CandidateReader interface {
	GetByID(ctx context.Context, id int) (*model.Candidate, error)
}

// SessionFinder finds the session a candidate holds on an exam.
type SessionFinder interface {
	GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateID int) (*model.ExamSession, error)
}

// ExamSessionService is the candidate side of an exam attempt. Every call
// that touches a running session goes through the session manager, which
// rebuilds the runtime from storage when this process does not hold it.
type ExamSessionService struct {
	exams      *ExamService
	candidates CandidateReader
	sessions   SessionFinder
	mgr        *session.Manager
	log        zerolog.Logger
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	exams *ExamService,
	candidates CandidateReader,
	sessions SessionFinder,
	mgr *session.Manager,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		exams:      exams,
		candidates: candidates,
		sessions:   sessions,
		mgr:        mgr,
		log:        log.With().Str("component", "exam_session_service").Logger(),
	}
}

// Preflight checks the device capabilities reported by the candidate.
func (s *ExamSessionService) Preflight(ctx context.Context, req model.PreflightRequest) (session.PreflightResult, error) {
	return s.mgr.Preflight(ctx, req)
}

// Start begins the candidate's attempt. Starting an exam the candidate
// already started returns the running session instead of a second one.
func (s *ExamSessionService) Start(ctx context.Context, examID uuid.UUID, candidateID int, req model.PreflightRequest) (*model.SessionState, error) {
	exam, err := s.exams.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	candidate, err := s.candidates.GetByID(ctx, candidateID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCandidateNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get candidate: %w", err)
	}

	rt, err := s.mgr.Start(ctx, exam, candidate, req)
	if errors.Is(err, session.ErrSessionExists) {
		existing, findErr := s.sessions.GetByExamAndCandidate(ctx, examID, candidateID)
		if findErr != nil {
			return nil, fmt.Errorf("existing session: %w", findErr)
		}
		s.log.Info().
			Str("session_id", existing.ID.String()).
			Int("candidate_id", candidateID).
			Msg("Start of an already started exam, resuming")
		return s.State(ctx, existing.ID, candidateID)
	}
	if err != nil {
		return nil, err
	}
	return rt.View(), nil
}

// State returns what the candidate needs to rebuild the exam screen. A
// terminal session comes back without questions and with its result fields.
func (s *ExamSessionService) State(ctx context.Context, sessionID uuid.UUID, candidateID int) (*model.SessionState, error) {
	rt, err := s.mgr.Resume(ctx, sessionID, candidateID)
	if err == nil {
		return rt.View(), nil
	}
	if !errors.Is(err, session.ErrAlreadyFinalized) {
		return nil, err
	}

	sess, err := s.owned(ctx, sessionID, candidateID)
	if err != nil {
		return nil, err
	}
	return &model.SessionState{Session: sess}, nil
}

// Runtime returns the running session for a candidate stream.
func (s *ExamSessionService) Runtime(ctx context.Context, sessionID uuid.UUID, candidateID int) (*session.Runtime, error) {
	return s.mgr.Resume(ctx, sessionID, candidateID)
}

// SaveAnswer overwrites one answer of the candidate's running session.
func (s *ExamSessionService) SaveAnswer(ctx context.Context, sessionID uuid.UUID, candidateID int, questionID, value string) (session.AnswerResult, error) {
	rt, err := s.mgr.Resume(ctx, sessionID, candidateID)
	if err != nil {
		return session.AnswerResult{}, err
	}
	return rt.RecordAnswer(ctx, questionID, value)
}

// Finish asks the session to finish. A session that is already terminal
// yields ErrAlreadyFinalized together with its committed result.
func (s *ExamSessionService) Finish(ctx context.Context, sessionID uuid.UUID, candidateID int, force bool) (session.FinishOutcome, error) {
	rt, err := s.mgr.Resume(ctx, sessionID, candidateID)
	if errors.Is(err, session.ErrAlreadyFinalized) {
		sess, ownErr := s.owned(ctx, sessionID, candidateID)
		if ownErr != nil {
			return session.FinishOutcome{}, ownErr
		}
		res := session.ResultOf(sess)
		return session.FinishOutcome{Result: &res}, err
	}
	if err != nil {
		return session.FinishOutcome{}, err
	}
	return rt.RequestFinish(ctx, force)
}

func (s *ExamSessionService) owned(ctx context.Context, sessionID uuid.UUID, candidateID int) (*model.ExamSession, error) {
	sess, err := s.mgr.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.CandidateID != candidateID {
		return nil, session.ErrForbidden
	}
	return sess, nil
}
