// Package session runs exam sessions: the Loading to Running transition, the
// countdown, the answer buffer and the single terminal guard shared by
// submit, timeout and disqualification.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/facedetect"
	"github.com/stemsi/exstem-proctor/internal/ledger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"golang.org/x/sync/singleflight"
)

// Config tunes the session runtime. Zero values take the defaults applied by
// NewManager.
type Config struct {
	TickInterval           time.Duration
	FaceInterval           time.Duration
	DevToolsInterval       time.Duration
	TabPollInterval        time.Duration
	DetachGrace            time.Duration
	FullscreenBackoff      time.Duration
	FullscreenReentryDelay time.Duration
	// Best-effort heuristics, kept switchable.
	DevToolsHeuristic bool
	MultiTabDetection bool
}

func (c *Config) applyDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.FaceInterval <= 0 {
		c.FaceInterval = 5 * time.Second
	}
	if c.DevToolsInterval <= 0 {
		c.DevToolsInterval = time.Second
	}
	if c.TabPollInterval <= 0 {
		c.TabPollInterval = 2 * time.Second
	}
	if c.DetachGrace <= 0 {
		c.DetachGrace = 30 * time.Second
	}
}

// Manager creates, resumes and tracks the running sessions of this process.
// The face detector is shared: models load with the first session that needs
// them and are disposed when the last such session tears down.
type Manager struct {
	store     Store
	live      LiveStore
	questions QuestionSource
	detector  facedetect.Detector
	events    EventSink
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	resumes singleflight.Group

	mu       sync.Mutex
	runtimes map[uuid.UUID]*Runtime

	faceMu    sync.Mutex
	faceUsers int
}

// Deps are the collaborators of a Manager. Events may be nil.
type Deps struct {
	Store     Store
	Live      LiveStore
	Questions QuestionSource
	Detector  facedetect.Detector
	Events    EventSink
}

// NewManager creates a manager.
func NewManager(deps Deps, cfg Config, log zerolog.Logger) *Manager {
	cfg.applyDefaults()
	detector := deps.Detector
	if detector == nil {
		detector = facedetect.Noop{}
	}
	return &Manager{
		store:     deps.Store,
		live:      deps.Live,
		questions: deps.Questions,
		detector:  detector,
		events:    deps.Events,
		cfg:       cfg,
		log:       log.With().Str("component", "session_manager").Logger(),
		now:       time.Now,
		runtimes:  make(map[uuid.UUID]*Runtime),
	}
}

// Preflight runs the capability check without creating anything.
func (m *Manager) Preflight(ctx context.Context, req model.PreflightRequest) (PreflightResult, error) {
	return CheckPreflight(req, m.detector.LoadModels(ctx))
}

// Start creates the session record of a candidate and moves it to Running.
// The deadline is the exam's absolute end time.
func (m *Manager) Start(ctx context.Context, exam *model.Exam, candidate *model.Candidate, req model.PreflightRequest) (*Runtime, error) {
	now := m.now()
	if !exam.IsOpen(now) {
		return nil, ErrExamClosed
	}

	questions, err := m.questions.ListByExam(ctx, exam.ID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	pre, err := m.Preflight(ctx, req)
	if err != nil {
		return nil, err
	}

	sess := &model.ExamSession{
		ID:                 uuid.New(),
		ExamID:             exam.ID,
		CandidateID:        candidate.ID,
		CandidateInfo:      candidate.Info(),
		StartTime:          now.UTC(),
		Deadline:           exam.EndTime.UTC(),
		Status:             model.SessionStatusStarted,
		Answers:            make(map[string]string),
		FullscreenDegraded: pre.FullscreenDegraded,
		FaceDegraded:       pre.FaceDegraded,
	}
	if err := m.store.Create(ctx, sess); err != nil {
		return nil, err
	}

	rt, err := m.launch(ctx, sess, questions, !pre.FaceDegraded)
	if err != nil {
		return nil, err
	}

	m.publish(ctx, MonitorEvent{
		Type:        MonitorSessionStarted,
		ExamID:      sess.ExamID,
		SessionID:   sess.ID,
		CandidateID: sess.CandidateID,
		Name:        sess.CandidateInfo.Name,
		Status:      sess.Status,
	})
	m.log.Info().
		Str("session_id", sess.ID.String()).
		Str("exam_id", sess.ExamID.String()).
		Int("candidate_id", sess.CandidateID).
		Bool("fullscreen_degraded", pre.FullscreenDegraded).
		Bool("face_degraded", pre.FaceDegraded).
		Msg("Session started")
	return rt, nil
}

// Resume returns the running session, rebuilding it from the persisted record
// when this process holds no runtime for it. The countdown continues from the
// stored deadline. A terminal session yields ErrAlreadyFinalized. Ownership is
// checked before anything is rebuilt.
func (m *Manager) Resume(ctx context.Context, sessionID uuid.UUID, candidateID int) (*Runtime, error) {
	rt, err := m.resume(ctx, sessionID, candidateID)
	if err != nil {
		return nil, err
	}
	if rt.owner != candidateID {
		return nil, ErrForbidden
	}
	return rt, nil
}

// ReportViolation records a violation a supervisor observed on a running
// session. It counts like any detected violation.
func (m *Manager) ReportViolation(ctx context.Context, sessionID uuid.UUID, reason model.ViolationReason) error {
	if !reason.Valid() {
		return fmt.Errorf("%w: %q", ledger.ErrUnknownReason, reason)
	}
	rt, err := m.resume(ctx, sessionID, anyOwner)
	if err != nil {
		return err
	}
	return rt.Report(ctx, reason)
}

// anyOwner skips the ownership check of a rebuild.
const anyOwner = -1

func (m *Manager) resume(ctx context.Context, sessionID uuid.UUID, owner int) (*Runtime, error) {
	if rt := m.lookup(sessionID); rt != nil {
		return rt, nil
	}
	key := fmt.Sprintf("%s/%d", sessionID, owner)
	v, err, _ := m.resumes.Do(key, func() (interface{}, error) {
		if rt := m.lookup(sessionID); rt != nil {
			return rt, nil
		}
		return m.rebuild(ctx, sessionID, owner)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Runtime), nil
}

// load reads the durable record and merges the live state, which can be
// ahead of it.
func (m *Manager) load(ctx context.Context, sessionID uuid.UUID) (*model.ExamSession, error) {
	sess, err := m.store.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Answers == nil {
		sess.Answers = make(map[string]string)
	}
	if sess.Status.Terminal() {
		return sess, nil
	}

	if answers, err := m.live.LoadAnswers(ctx, sessionID); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Live answers unavailable")
	} else {
		for k, v := range answers {
			sess.Answers[k] = v
		}
	}
	if count, last, err := m.live.LoadViolation(ctx, sessionID); err != nil {
		m.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Live violation count unavailable")
	} else if count > sess.ViolationCount {
		sess.ViolationCount = count
		sess.LastViolation = last
	}
	return sess, nil
}

func (m *Manager) rebuild(ctx context.Context, sessionID uuid.UUID, owner int) (*Runtime, error) {
	sess, err := m.load(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if owner != anyOwner && sess.CandidateID != owner {
		return nil, ErrForbidden
	}
	if sess.Status.Terminal() {
		return nil, ErrAlreadyFinalized
	}

	questions, err := m.questions.ListByExam(ctx, sess.ExamID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	if len(questions) == 0 {
		return nil, ErrNoQuestions
	}

	rt, err := m.launch(ctx, sess, questions, !sess.FaceDegraded)
	if err != nil {
		return nil, err
	}

	// A disqualification decided before a crash is committed now.
	if sess.ViolationCount >= ledger.DisqualifyThreshold {
		reason := model.ViolationReason("")
		if sess.LastViolation != nil {
			reason = sess.LastViolation.Reason
		}
		if _, err := rt.OnDisqualify(ctx, reason); err != nil && !errors.Is(err, ErrAlreadyFinalized) {
			return nil, err
		}
		return nil, ErrAlreadyFinalized
	}

	m.log.Info().
		Str("session_id", sessionID.String()).
		Int("remaining", rt.Remaining()).
		Int("violations", sess.ViolationCount).
		Msg("Session resumed")
	return rt, nil
}

// ExpireOverdue finishes up to limit started sessions whose deadline has
// passed, including those no tab is attached to. A session whose stored
// violation count already reached the threshold is disqualified instead.
// It returns how many sessions this call finalized.
func (m *Manager) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	ids, err := m.store.ListExpired(ctx, m.now().UTC(), limit)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, id := range ids {
		err := m.expire(ctx, id)
		switch {
		case err == nil:
			expired++
		case errors.Is(err, ErrAlreadyFinalized):
		default:
			m.log.Warn().Err(err).Str("session_id", id.String()).Msg("Overdue session not finalized")
		}
	}
	return expired, nil
}

func (m *Manager) expire(ctx context.Context, id uuid.UUID) error {
	if rt := m.lookup(id); rt != nil {
		_, err := rt.OnTimeout(ctx)
		return err
	}

	sess, err := m.load(ctx, id)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return ErrAlreadyFinalized
	}
	if Countdown(sess.Deadline, m.now()) > 0 {
		return ErrNotRunning
	}
	questions, err := m.questions.ListByExam(ctx, sess.ExamID)
	if err != nil {
		return fmt.Errorf("list questions: %w", err)
	}

	status, reason := model.SessionStatusFinished, model.FinishReasonTimeExpired
	if sess.ViolationCount >= ledger.DisqualifyThreshold {
		status, reason = model.SessionStatusDisqualified, model.FinishReasonDisqualified
	}
	final := sess.Clone()
	closeRecord(final, questions, status, reason, m.now().UTC())

	// A runtime rebuilt meanwhile times out at once and adopts this record.
	if err := m.store.Finalize(ctx, final); err != nil {
		return err
	}
	m.publish(ctx, terminalEvent(final))
	m.log.Info().
		Str("session_id", id.String()).
		Str("status", string(status)).
		Msg("Overdue session finalized")
	return nil
}

// launch registers and starts a runtime. Face sampling runs only when wanted
// and the detector could be acquired.
func (m *Manager) launch(ctx context.Context, sess *model.ExamSession, questions []model.Question, wantFace bool) (*Runtime, error) {
	face := wantFace && m.acquireDetector(ctx)
	rt := newRuntime(m, sess, questions, face)

	m.mu.Lock()
	if existing, ok := m.runtimes[sess.ID]; ok {
		m.mu.Unlock()
		if face {
			m.releaseDetector()
		}
		return existing, nil
	}
	m.runtimes[sess.ID] = rt
	m.mu.Unlock()

	if err := rt.start(); err != nil {
		rt.teardown()
		return nil, err
	}
	return rt, nil
}

func (m *Manager) lookup(id uuid.UUID) *Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runtimes[id]
}

// Running returns the runtime of a session if this process holds one.
func (m *Manager) Running(id uuid.UUID) (*Runtime, bool) {
	rt := m.lookup(id)
	return rt, rt != nil
}

// RunningCount returns how many sessions this process currently runs.
func (m *Manager) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runtimes)
}

func (m *Manager) forget(rt *Runtime) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runtimes[rt.id] == rt {
		delete(m.runtimes, rt.id)
	}
}

// Session reads the durable record, preferring the live runtime's view.
func (m *Manager) Session(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	if rt := m.lookup(id); rt != nil {
		return rt.Snapshot(), nil
	}
	return m.store.Get(ctx, id)
}

// Shutdown tears down every runtime. Sessions stay started in storage and
// resume on the next attach.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	all := make([]*Runtime, 0, len(m.runtimes))
	for _, rt := range m.runtimes {
		all = append(all, rt)
	}
	m.mu.Unlock()

	for _, rt := range all {
		rt.teardown()
	}
	m.log.Info().Int("sessions", len(all)).Msg("Session runtimes released")
}

// ─── Face detector lifecycle ────────────────────────────────────────

func (m *Manager) acquireDetector(ctx context.Context) bool {
	m.faceMu.Lock()
	defer m.faceMu.Unlock()
	if m.faceUsers == 0 && !m.detector.LoadModels(ctx) {
		return false
	}
	m.faceUsers++
	return true
}

// FaceSessions returns how many running sessions sample the camera.
func (m *Manager) FaceSessions() int {
	m.faceMu.Lock()
	defer m.faceMu.Unlock()
	return m.faceUsers
}

func (m *Manager) releaseDetector() {
	m.faceMu.Lock()
	defer m.faceMu.Unlock()
	if m.faceUsers == 0 {
		return
	}
	m.faceUsers--
	if m.faceUsers == 0 {
		m.detector.Dispose()
	}
}

func (m *Manager) publish(ctx context.Context, ev MonitorEvent) {
	if m.events == nil {
		return
	}
	m.events.Publish(ctx, ev)
}

// IsNotFound reports whether err means the session does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
