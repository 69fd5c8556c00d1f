package model

import (
	"github.com/google/uuid"
)

type QuestionType string

const (
	QuestionTypeMultipleChoice QuestionType = "MULTIPLE_CHOICE"
	QuestionTypeEssay          QuestionType = "ESSAY"
)

// Question represents a single exam question from the question bank.
// CorrectIndex is zero-based and only set for multiple-choice questions.
type Question struct {
	ID           uuid.UUID    `json:"id"`
	ExamID       uuid.UUID    `json:"exam_id"`
	Text         string       `json:"question_text"`
	Type         QuestionType `json:"question_type"`
	Options      []string     `json:"options"`
	CorrectIndex *int         `json:"-"`
	OrderNum     int          `json:"order_num"`
}

// QuestionForCandidate is a question without the correct answer, sent to candidates.
type QuestionForCandidate struct {
	ID       uuid.UUID    `json:"id"`
	Text     string       `json:"question_text"`
	Type     QuestionType `json:"question_type"`
	Options  []string     `json:"options,omitempty"`
	OrderNum int          `json:"order_num"`
}

// ForCandidate strips the answer key.
func (q *Question) ForCandidate() QuestionForCandidate {
	return QuestionForCandidate{
		ID:       q.ID,
		Text:     q.Text,
		Type:     q.Type,
		Options:  q.Options,
		OrderNum: q.OrderNum,
	}
}
