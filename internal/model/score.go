package model

// ScoreBreakdown is derived from a terminal session; it is never stored on its own.
// EssayAverage is nil while no essay score has been entered ("not yet graded"),
// and FinalScore is nil while the grade still depends on ungraded essays.
type ScoreBreakdown struct {
	MCScore        float64  `json:"mc_score"`
	EssayAverage   *float64 `json:"essay_average"`
	ScoreReduction float64  `json:"score_reduction"`
	FinalScore     *float64 `json:"final_score"`
	HasEssays      bool     `json:"has_essays"`
	EssayGraded    bool     `json:"essay_graded"`
	Disqualified   bool     `json:"disqualified"`
}

// EssayScoreRequest is entered by a supervisor for one essay question (0-100).
type EssayScoreRequest struct {
	Score *float64 `json:"score" binding:"required,min=0,max=100"`
}

// ScoreReductionRequest is clamped to [0,100] on entry rather than rejected.
type ScoreReductionRequest struct {
	Reduction *float64 `json:"reduction" binding:"required"`
}
