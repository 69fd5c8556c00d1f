package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/session"
)

const sessionColumns = `id, exam_id, candidate_id, candidate_info, start_time, deadline, status,
	violation_count, last_violation, answers, finish_time, finish_reason, final_score,
	essay_scores, score_reduction, fullscreen_degraded, face_degraded`

// ExamSessionRepository is the durable session record. It implements
// session.Store.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(
		&s.ID, &s.ExamID, &s.CandidateID, &s.CandidateInfo, &s.StartTime, &s.Deadline, &s.Status,
		&s.ViolationCount, &s.LastViolation, &s.Answers, &s.FinishTime, &s.FinishReason, &s.FinalScore,
		&s.EssayScores, &s.ScoreReduction, &s.FullscreenDegraded, &s.FaceDegraded,
	)
	if err != nil {
		return nil, err
	}
	if s.Answers == nil {
		s.Answers = make(map[string]string)
	}
	return s, nil
}

// Create inserts a started session. A second session for the same
// candidate and exam is rejected with session.ErrSessionExists.
func (r *ExamSessionRepository) Create(ctx context.Context, s *model.ExamSession) error {
	tag, err := r.pool.Exec(ctx,
		`INSERT INTO exam_sessions (id, exam_id, candidate_id, candidate_info, start_time, deadline,
		                            status, answers, fullscreen_degraded, face_degraded)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (exam_id, candidate_id) DO NOTHING`,
		s.ID, s.ExamID, s.CandidateID, s.CandidateInfo, s.StartTime, s.Deadline,
		s.Status, s.Answers, s.FullscreenDegraded, s.FaceDegraded,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return session.ErrSessionExists
	}
	return nil
}

// Get retrieves a session by ID.
func (r *ExamSessionRepository) Get(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return s, err
}

// GetByExamAndCandidate retrieves the session of a candidate on an exam.
func (r *ExamSessionRepository) GetByExamAndCandidate(ctx context.Context, examID uuid.UUID, candidateID int) (*model.ExamSession, error) {
	s, err := scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE exam_id = $1 AND candidate_id = $2`,
		examID, candidateID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	return s, err
}

// Finalize writes the terminal fields. Only a started session is updated, so
// the first writer wins and every later call gets session.ErrAlreadyFinalized.
func (r *ExamSessionRepository) Finalize(ctx context.Context, s *model.ExamSession) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $2, finish_time = $3, finish_reason = $4, final_score = $5,
		     violation_count = GREATEST(violation_count, $6),
		     last_violation = COALESCE($7, last_violation),
		     answers = $8
		 WHERE id = $1 AND status = 'started'`,
		s.ID, s.Status, s.FinishTime, s.FinishReason, s.FinalScore,
		s.ViolationCount, s.LastViolation, s.Answers,
	)
	if err != nil {
		return fmt.Errorf("finalize session: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM exam_sessions WHERE id = $1)`, s.ID,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check session: %w", err)
	}
	if !exists {
		return session.ErrNotFound
	}
	return session.ErrAlreadyFinalized
}

// ListExpired returns up to limit started sessions whose deadline passed
// before now, oldest deadline first.
func (r *ExamSessionRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id FROM exam_sessions
		 WHERE status = 'started' AND deadline < $1
		 ORDER BY deadline
		 LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list expired sessions: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("scan expired sessions: %w", err)
	}
	return ids, nil
}

// ListByExam retrieves every session of an exam ordered by candidate name.
func (r *ExamSessionRepository) ListByExam(ctx context.Context, examID uuid.UUID) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE exam_id = $1
		 ORDER BY candidate_info->>'name', id`, examID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// ListByCandidate retrieves every session of a candidate, most recent first.
func (r *ExamSessionRepository) ListByCandidate(ctx context.Context, candidateID int) ([]model.ExamSession, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions
		 WHERE candidate_id = $1
		 ORDER BY start_time DESC`, candidateID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.ExamSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// Regrade locks a session row, applies mutate and writes back the grading
// fields. mutate decides whether the session may be graded.
func (r *ExamSessionRepository) Regrade(ctx context.Context, id uuid.UUID, mutate func(s *model.ExamSession) error) (*model.ExamSession, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	s, err := scanSession(tx.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := mutate(s); err != nil {
		return nil, err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE exam_sessions
		 SET essay_scores = $2, score_reduction = $3, final_score = $4
		 WHERE id = $1`,
		s.ID, s.EssayScores, s.ScoreReduction, s.FinalScore,
	); err != nil {
		return nil, fmt.Errorf("update grading: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s, nil
}

// MergeAnswers folds queued answer writes into the answers of started
// sessions. Terminal sessions already carry their final answers.
func (r *ExamSessionRepository) MergeAnswers(ctx context.Context, answers map[uuid.UUID]map[string]string) error {
	batch := &pgx.Batch{}
	for id, a := range answers {
		batch.Queue(
			`UPDATE exam_sessions SET answers = answers || $2::jsonb
			 WHERE id = $1 AND status = 'started'`, id, a)
	}
	return r.pool.SendBatch(ctx, batch).Close()
}

// RaiseViolations applies queued violation snapshots. The stored count only
// ever rises.
func (r *ExamSessionRepository) RaiseViolations(ctx context.Context, snaps []model.ViolationSnapshot) error {
	ids := make([]uuid.UUID, 0, len(snaps))
	counts := make([]int32, 0, len(snaps))
	lasts := make([]model.LastViolation, 0, len(snaps))
	for _, s := range snaps {
		id, err := uuid.Parse(s.SessionID)
		if err != nil {
			return fmt.Errorf("session id %q: %w", s.SessionID, err)
		}
		ids = append(ids, id)
		counts = append(counts, int32(s.Count))
		lasts = append(lasts, s.Last)
	}

	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions es
		 SET violation_count = v.count, last_violation = v.last
		 FROM (SELECT unnest($1::uuid[]) AS id, unnest($2::int[]) AS count, unnest($3::jsonb[]) AS last) v
		 WHERE es.id = v.id AND es.status = 'started' AND v.count > es.violation_count`,
		ids, counts, lasts,
	)
	return err
}

// IsTransient reports whether err is worth retrying later.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// Class 08 connection exceptions, 40 transaction rollbacks, 57 operator intervention.
		switch pgErr.Code[:2] {
		case "08", "40", "57":
			return true
		}
		return false
	}
	return true
}
