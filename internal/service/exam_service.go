package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// Domain Errors
var (
	ErrExamNotFound = errors.New("exam not found")
	ErrNoQuestions  = errors.New("exam has no questions")
)

// payloadSlack keeps a cached payload around a little after the exam closes
// so late state reloads still hit the cache.
const payloadSlack = time.Hour

// ExamReader reads exam envelopes.
type ExamReader interface {
	GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error)
	ListPublished(ctx context.Context) ([]model.Exam, error)
}

// QuestionReader reads the question bank.
type QuestionReader interface {
	ListByExam(ctx context.Context, examID uuid.UUID) ([]model.Question, error)
}

// CandidateSessionLister lists the sessions of one candidate.
type CandidateSessionLister interface {
	ListByCandidate(ctx context.Context, candidateID int) ([]model.ExamSession, error)
}

// ExamService reads exams and keeps their candidate payload cached in Redis.
type ExamService struct {
	exams     ExamReader
	questions QuestionReader
	sessions  CandidateSessionLister
	rdb       *redis.Client
	log       zerolog.Logger
	now       func() time.Time
}

// NewExamService creates a new ExamService.
func NewExamService(exams ExamReader, questions QuestionReader, sessions CandidateSessionLister, rdb *redis.Client, log zerolog.Logger) *ExamService {
	return &ExamService{
		exams:     exams,
		questions: questions,
		sessions:  sessions,
		rdb:       rdb,
		log:       log.With().Str("component", "exam_service").Logger(),
		now:       time.Now,
	}
}

// GetByID retrieves an exam by its UUID.
func (s *ExamService) GetByID(ctx context.Context, id uuid.UUID) (*model.Exam, error) {
	exam, err := s.exams.GetByID(ctx, id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrExamNotFound
	}
	return exam, err
}

// GetPayload returns the candidate payload of an exam, from Redis when cached.
func (s *ExamService) GetPayload(ctx context.Context, examID uuid.UUID) (*model.ExamPayload, error) {
	key := config.CacheKey.ExamPayloadKey(examID.String())
	data, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var payload model.ExamPayload
		if err := json.Unmarshal(data, &payload); err == nil {
			return &payload, nil
		}
		s.log.Warn().Str("exam_id", examID.String()).Msg("Corrupt cached payload, rebuilding")
	case !errors.Is(err, redis.Nil):
		s.log.Warn().Err(err).Str("exam_id", examID.String()).Msg("Payload cache unavailable")
	}

	exam, err := s.GetByID(ctx, examID)
	if err != nil {
		return nil, err
	}
	return s.WarmExamCache(ctx, exam)
}

// WarmExamCache builds an exam's payload from PostgreSQL and stores it in
// Redis until shortly after the exam closes. A cache write failure is logged
// and the payload is still returned.
func (s *ExamService) WarmExamCache(ctx context.Context, exam *model.Exam) (*model.ExamPayload, error) {
	questions, err := s.questions.ListByExam(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	payload := &model.ExamPayload{
		Exam:      *exam,
		Questions: make([]model.QuestionForCandidate, len(questions)),
	}
	for i := range questions {
		payload.Questions[i] = questions[i].ForCandidate()
	}

	ttl := exam.EndTime.Add(payloadSlack).Sub(s.now())
	if ttl <= 0 {
		return payload, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	if err := s.rdb.Set(ctx, config.CacheKey.ExamPayloadKey(exam.ID.String()), data, ttl).Err(); err != nil {
		s.log.Warn().Err(err).Str("exam_id", exam.ID.String()).Msg("Failed to cache payload")
		return payload, nil
	}

	s.log.Debug().
		Str("exam_id", exam.ID.String()).
		Int("questions", len(questions)).
		Msg("Cache warmed")
	return payload, nil
}

// PrewarmAllCaches loads all published exams that have not closed into Redis
// on application startup.
func (s *ExamService) PrewarmAllCaches(ctx context.Context) error {
	exams, err := s.exams.ListPublished(ctx)
	if err != nil {
		return fmt.Errorf("list published exams: %w", err)
	}

	now := s.now()
	warmed, total := 0, 0
	for i := range exams {
		if !exams[i].EndTime.After(now) {
			continue
		}
		total++
		if _, err := s.WarmExamCache(ctx, &exams[i]); err != nil {
			s.log.Warn().
				Err(err).
				Str("exam_id", exams[i].ID.String()).
				Msg("Failed to warm exam, skipping")
			continue
		}
		warmed++
	}

	s.log.Info().
		Int("warmed", warmed).
		Int("total", total).
		Msg("Prewarming complete")
	return nil
}

// LobbyStatus represents the state of an exam as seen by one candidate.
type LobbyStatus string

const (
	LobbyStatusUpcoming   LobbyStatus = "UPCOMING"
	LobbyStatusAvailable  LobbyStatus = "AVAILABLE"
	LobbyStatusInProgress LobbyStatus = "IN_PROGRESS"
	LobbyStatusCompleted  LobbyStatus = "COMPLETED"
)

// LobbyExam represents an exam as displayed in the candidate lobby.
type LobbyExam struct {
	model.Exam
	LobbyStatus   LobbyStatus          `json:"lobby_status"`
	SessionID     *uuid.UUID           `json:"session_id,omitempty"`
	SessionStatus *model.SessionStatus `json:"session_status,omitempty"`
	FinalScore    *float64             `json:"final_score,omitempty"`
}

// GetLobby lists the published exams with the candidate's session overlaid.
// Closed exams the candidate never started are left out.
func (s *ExamService) GetLobby(ctx context.Context, candidateID int) ([]LobbyExam, error) {
	exams, err := s.exams.ListPublished(ctx)
	if err != nil {
		return nil, fmt.Errorf("list published exams: %w", err)
	}
	sessions, err := s.sessions.ListByCandidate(ctx, candidateID)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}

	byExam := make(map[uuid.UUID]*model.ExamSession, len(sessions))
	for i := range sessions {
		byExam[sessions[i].ExamID] = &sessions[i]
	}

	now := s.now()
	lobby := make([]LobbyExam, 0, len(exams))
	for _, exam := range exams {
		entry := LobbyExam{Exam: exam}

		if sess, ok := byExam[exam.ID]; ok {
			id, status := sess.ID, sess.Status
			entry.SessionID = &id
			entry.SessionStatus = &status
			entry.FinalScore = sess.FinalScore
			if status.Terminal() {
				entry.LobbyStatus = LobbyStatusCompleted
			} else {
				entry.LobbyStatus = LobbyStatusInProgress
			}
		} else {
			switch {
			case now.Before(exam.StartTime):
				entry.LobbyStatus = LobbyStatusUpcoming
			case exam.IsOpen(now):
				entry.LobbyStatus = LobbyStatusAvailable
			default:
				continue
			}
		}

		lobby = append(lobby, entry)
	}
	return lobby, nil
}
