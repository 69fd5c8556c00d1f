package service

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
	"golang.org/x/sync/errgroup"
)

// MonitorSource provides the durable and live views of an exam's sessions.
type MonitorSource interface {
	ListEntries(ctx context.Context, examID uuid.UUID) ([]repository.MonitorEntry, error)
	LiveCounts(ctx context.Context, sessionIDs []uuid.UUID) (map[uuid.UUID]repository.LiveCounts, error)
}

// MonitorStats aggregates the candidates of one exam.
type MonitorStats struct {
	Joined       int `json:"total_joined"`
	InProgress   int `json:"total_in_progress"`
	Finished     int `json:"total_finished"`
	Disqualified int `json:"total_disqualified"`
	Violations   int `json:"total_violations"`
}

// MonitorSnapshot is the full state a supervisor sees when attaching.
type MonitorSnapshot struct {
	Exam           model.Exam                `json:"exam"`
	TotalQuestions int                       `json:"total_questions"`
	Stats          MonitorStats              `json:"stats"`
	Candidates     []repository.MonitorEntry `json:"candidates"`
}

// MonitorService orchestrates live exam monitoring.
type MonitorService struct {
	exams  *ExamService
	source MonitorSource
	log    zerolog.Logger
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(exams *ExamService, source MonitorSource, log zerolog.Logger) *MonitorService {
	return &MonitorService{
		exams:  exams,
		source: source,
		log:    log.With().Str("component", "monitor_service").Logger(),
	}
}

// Snapshot loads the exam and its candidates concurrently, then overlays the
// live counters of running sessions. Live counters are best-effort.
func (s *MonitorService) Snapshot(ctx context.Context, examID uuid.UUID) (*MonitorSnapshot, error) {
	var (
		payload *model.ExamPayload
		entries []repository.MonitorEntry
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		payload, err = s.exams.GetPayload(gctx, examID)
		return err
	})
	g.Go(func() error {
		var err error
		entries, err = s.source.ListEntries(gctx, examID)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if entries == nil {
		entries = []repository.MonitorEntry{}
	}
	s.overlayLive(ctx, entries)

	return &MonitorSnapshot{
		Exam:           payload.Exam,
		TotalQuestions: len(payload.Questions),
		Stats:          Stats(entries),
		Candidates:     entries,
	}, nil
}

func (s *MonitorService) overlayLive(ctx context.Context, entries []repository.MonitorEntry) {
	ids := make([]uuid.UUID, 0, len(entries))
	for _, e := range entries {
		if e.Status == model.SessionStatusStarted {
			ids = append(ids, e.SessionID)
		}
	}
	if len(ids) == 0 {
		return
	}

	live, err := s.source.LiveCounts(ctx, ids)
	if err != nil {
		s.log.Warn().Err(err).Msg("Live counters unavailable, serving durable counts")
		return
	}
	for i := range entries {
		lc, ok := live[entries[i].SessionID]
		if !ok {
			continue
		}
		if lc.Answered > entries[i].AnsweredCount {
			entries[i].AnsweredCount = lc.Answered
		}
		if lc.Violations > entries[i].ViolationCount {
			entries[i].ViolationCount = lc.Violations
		}
	}
}

// Stats aggregates monitor entries.
func Stats(entries []repository.MonitorEntry) MonitorStats {
	st := MonitorStats{Joined: len(entries)}
	for _, e := range entries {
		switch e.Status {
		case model.SessionStatusStarted:
			st.InProgress++
		case model.SessionStatusFinished:
			st.Finished++
		case model.SessionStatusDisqualified:
			st.Disqualified++
		}
		st.Violations += e.ViolationCount
	}
	return st
}
