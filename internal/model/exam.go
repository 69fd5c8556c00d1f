package model

import (
	"time"

	"github.com/google/uuid"
)

// ExamStatus enumerates the possible states of an exam.
type ExamStatus string

const (
	ExamStatusDraft     ExamStatus = "DRAFT"
	ExamStatusPublished ExamStatus = "PUBLISHED"
	ExamStatusArchived  ExamStatus = "ARCHIVED"
)

// Exam is the scheduling envelope of a question set. Exams are authored
// elsewhere; this service only reads them.
type Exam struct {
	ID        uuid.UUID  `json:"id"`
	Title     string     `json:"title"`
	StartTime time.Time  `json:"start_time"`
	EndTime   time.Time  `json:"end_time"`
	Status    ExamStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsOpen reports whether candidates may start the exam at the given instant.
func (e *Exam) IsOpen(now time.Time) bool {
	if e.Status != ExamStatusPublished {
		return false
	}
	return !now.Before(e.StartTime) && now.Before(e.EndTime)
}

// ExamPayload is the candidate-facing exam: the envelope plus its questions
// without answer keys. It is cached in Redis while the exam is open.
type ExamPayload struct {
	Exam      Exam                   `json:"exam"`
	Questions []QuestionForCandidate `json:"questions"`
}
