package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"golang.org/x/crypto/bcrypt"
)

// seed-demo creates a published exam that is open now, a small question set
// and a batch of candidate accounts sharing one password.
func main() {
	count := flag.Int("candidates", 30, "number of candidate accounts")
	password := flag.String("password", "stemsijaya", "password of every seeded candidate")
	duration := flag.Duration("duration", 2*time.Hour, "how long the demo exam stays open")
	flag.Parse()

	cfg := config.Load()
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	exams := repository.NewExamRepository(pool)
	questions := repository.NewQuestionRepository(pool)
	candidates := repository.NewCandidateRepository(pool)

	now := time.Now().UTC()
	exam := &model.Exam{
		Title:     "Ujian Demo Proktor",
		StartTime: now.Add(-time.Minute),
		EndTime:   now.Add(*duration),
		Status:    model.ExamStatusPublished,
	}
	if err := exams.Create(ctx, exam); err != nil {
		log.Fatal().Err(err).Msg("Failed to create exam")
	}
	fmt.Printf("Created exam %s (%s)\n", exam.Title, exam.ID)

	for i, q := range demoQuestions() {
		q.ExamID = exam.ID
		q.OrderNum = i + 1
		if err := questions.Create(ctx, &q); err != nil {
			log.Fatal().Err(err).Int("order", q.OrderNum).Msg("Failed to create question")
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(*password), cfg.BcryptCost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to hash password")
	}

	created := 0
	for i := 1; i <= *count; i++ {
		c := &model.Candidate{
			Identifier:   fmt.Sprintf("peserta%03d", i),
			Name:         fmt.Sprintf("Peserta %d", i),
			Cohort:       "XII",
			Group:        fmt.Sprintf("TKJ %d", (i-1)%2+1),
			PasswordHash: string(hash),
		}
		if err := candidates.Create(ctx, c); err != nil {
			if errors.Is(err, repository.ErrDuplicateIdentifier) {
				continue
			}
			log.Fatal().Err(err).Str("identifier", c.Identifier).Msg("Failed to create candidate")
		}
		created++
	}

	fmt.Printf("Seed completed: %d new candidates, exam open until %s\n", created, exam.EndTime.Format(time.RFC3339))
}

func demoQuestions() []model.Question {
	idx := func(i int) *int { return &i }
	return []model.Question{
		{Text: "Lapisan OSI yang bertanggung jawab atas routing adalah", Type: model.QuestionTypeMultipleChoice,
			Options: []string{"Data link", "Network", "Transport", "Session"}, CorrectIndex: idx(1)},
		{Text: "Port bawaan protokol HTTPS adalah", Type: model.QuestionTypeMultipleChoice,
			Options: []string{"80", "21", "443", "8080"}, CorrectIndex: idx(2)},
		{Text: "Perintah untuk melihat konfigurasi IP di Linux adalah", Type: model.QuestionTypeMultipleChoice,
			Options: []string{"ip addr", "ipconfig", "netstat -r", "ping"}, CorrectIndex: idx(0)},
		{Text: "Jelaskan perbedaan TCP dan UDP beserta contoh penggunaannya.", Type: model.QuestionTypeEssay},
	}
}
