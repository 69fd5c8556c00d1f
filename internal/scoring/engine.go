// Package scoring computes final grades from a terminal exam session.
package scoring

import (
	"math"
	"strconv"
	"strings"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// MaxReduction is the upper bound of a supervisor-entered score reduction.
const MaxReduction = 100.0

// Input is everything the engine is allowed to look at.
type Input struct {
	Questions      []model.Question
	Answers        map[string]string
	Status         model.SessionStatus
	EssayScores    map[string]float64
	ScoreReduction float64
}

// InputFromSession builds an Input from a persisted session and its question set.
func InputFromSession(s *model.ExamSession, questions []model.Question) Input {
	return Input{
		Questions:      questions,
		Answers:        s.Answers,
		Status:         s.Status,
		EssayScores:    s.EssayScores,
		ScoreReduction: s.ScoreReduction,
	}
}

// Compute is a pure function of its input: same input, same breakdown.
func Compute(in Input) model.ScoreBreakdown {
	if in.Status == model.SessionStatusDisqualified {
		zero := 0.0
		return model.ScoreBreakdown{
			Disqualified:   true,
			ScoreReduction: ClampReduction(in.ScoreReduction),
			FinalScore:     &zero,
		}
	}

	var (
		mcTotal, mcCorrect int
		essayTotal         int
		essaySum           float64
		essayGraded        int
	)

	for i := range in.Questions {
		q := &in.Questions[i]
		key := q.ID.String()
		switch q.Type {
		case model.QuestionTypeMultipleChoice:
			mcTotal++
			if IsCorrect(q, in.Answers[key]) {
				mcCorrect++
			}
		case model.QuestionTypeEssay:
			essayTotal++
			if score, ok := in.EssayScores[key]; ok {
				essaySum += clamp(score, 0, 100)
				essayGraded++
			}
		}
	}

	out := model.ScoreBreakdown{
		HasEssays:      essayTotal > 0,
		EssayGraded:    essayGraded > 0,
		ScoreReduction: ClampReduction(in.ScoreReduction),
	}
	if mcTotal > 0 {
		out.MCScore = float64(mcCorrect) / float64(mcTotal) * 100
	}
	if essayGraded > 0 {
		avg := essaySum / float64(essayGraded)
		out.EssayAverage = &avg
	}

	var base float64
	switch {
	case essayTotal == 0:
		base = out.MCScore
	case out.EssayAverage == nil:
		// Essays exist but nobody has graded one yet: the grade is pending.
		return out
	case mcTotal > 0:
		essay := *out.EssayAverage
		base = 0.5*out.MCScore + 0.5*essay
	default:
		base = *out.EssayAverage
	}

	final := math.Max(0, base-out.ScoreReduction)
	out.FinalScore = &final
	return out
}

// IsCorrect reports whether answer selects the correct option of a
// multiple-choice question. Answers carry the zero-based option index.
func IsCorrect(q *model.Question, answer string) bool {
	if q.Type != model.QuestionTypeMultipleChoice || q.CorrectIndex == nil {
		return false
	}
	idx, err := strconv.Atoi(strings.TrimSpace(answer))
	if err != nil {
		return false
	}
	return idx == *q.CorrectIndex
}

// ClampReduction bounds a supervisor-entered reduction to [0, MaxReduction].
func ClampReduction(r float64) float64 {
	return clamp(r, 0, MaxReduction)
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Min(hi, math.Max(lo, v))
}
