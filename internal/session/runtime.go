package session

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/fullscreen"
	"github.com/stemsi/exstem-proctor/internal/ledger"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/scoring"
	"github.com/stemsi/exstem-proctor/internal/signal"
)

const (
	writeTimeout    = 3 * time.Second
	finalizeTimeout = 10 * time.Second
)

// State is the lifecycle position of a running session.
type State int

const (
	StateLoading State = iota
	StateRunning
	StateFinished
	StateDisqualified
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateRunning:
		return "running"
	case StateFinished:
		return "finished"
	case StateDisqualified:
		return "disqualified"
	default:
		return "unknown"
	}
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateDisqualified
}

func stateFor(status model.SessionStatus) State {
	switch status {
	case model.SessionStatusFinished:
		return StateFinished
	case model.SessionStatusDisqualified:
		return StateDisqualified
	default:
		return StateRunning
	}
}

// Countdown returns the whole seconds left until deadline, never negative.
func Countdown(deadline, now time.Time) int {
	secs := math.Round(deadline.Sub(now).Seconds())
	if secs < 0 {
		return 0
	}
	return int(secs)
}

// AnswerResult reports whether an answer reached the live store. Pending
// counts answers still waiting to be written; they go out with the next
// answer change and with finalization.
type AnswerResult struct {
	Saved   bool `json:"saved"`
	Pending int  `json:"pending"`
}

// FinishOutcome is the result of RequestFinish. Missing holds the 1-based
// indices of unanswered questions; when it is non-empty and the finish was
// not forced, Result is nil and the session keeps running.
type FinishOutcome struct {
	Missing []int   `json:"missing"`
	Result  *Result `json:"result,omitempty"`
}

// Runtime is one session in the Running state. It owns every listener,
// timer and poll of the session; they all stop together at teardown.
type Runtime struct {
	id        uuid.UUID
	owner     int
	mgr       *Manager
	questions []model.Question
	log       zerolog.Logger

	bus     *signal.Bus
	frames  *signal.FrameBuffer
	sources *signal.Set
	ledger  *ledger.Ledger
	guard   *fullscreen.Guard

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	finalizeMu sync.Mutex
	answerMu   sync.Mutex

	mu           sync.Mutex
	state        State
	sess         *model.ExamSession
	dirty        map[string]string
	clients      map[int]Client
	tabs         map[int]*signal.MultiTabSource
	nextClient   int
	hooks        []func()
	grace        *time.Timer
	faceAcquired bool

	teardownOnce sync.Once
}

func newRuntime(m *Manager, sess *model.ExamSession, questions []model.Question, face bool) *Runtime {
	ctx, cancel := context.WithCancel(context.Background())
	rt := &Runtime{
		id:           sess.ID,
		owner:        sess.CandidateID,
		mgr:          m,
		questions:    questions,
		log:          m.log.With().Str("session_id", sess.ID.String()).Int("candidate_id", sess.CandidateID).Logger(),
		bus:          signal.NewBus(),
		frames:       &signal.FrameBuffer{},
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		state:        StateLoading,
		sess:         sess,
		dirty:        make(map[string]string),
		clients:      make(map[int]Client),
		tabs:         make(map[int]*signal.MultiTabSource),
		faceAcquired: face,
	}
	if rt.sess.Answers == nil {
		rt.sess.Answers = make(map[string]string)
	}

	ident := &model.ExamSession{
		ID:            sess.ID,
		ExamID:        sess.ExamID,
		CandidateID:   sess.CandidateID,
		CandidateInfo: sess.CandidateInfo,
	}
	rt.ledger = ledger.New(ledger.Options{
		Store:      violationWriter{live: m.live, sess: ident},
		Notifier:   notifier{rt},
		Disqualify: rt.disqualifyFromLedger,
		Logger:     rt.log,
		Count:      sess.ViolationCount,
		Last:       sess.LastViolation,
	})
	rt.guard = fullscreen.New(fullscreen.Options{
		Controller:   controller{rt},
		Record:       rt.recordViolation,
		Enabled:      !sess.FullscreenDegraded,
		Backoff:      m.cfg.FullscreenBackoff,
		ReentryDelay: m.cfg.FullscreenReentryDelay,
		Logger:       rt.log,
	})

	geometry := signal.NewGeometrySource(rt.bus)
	sources := []signal.Source{
		signal.NewVisibilitySource(rt.bus),
		signal.NewFocusSource(rt.bus),
		signal.NewKeyboardSource(rt.bus),
		signal.NewContextMenuSource(rt.bus),
		geometry,
	}
	if m.cfg.DevToolsHeuristic {
		sources = append(sources, signal.NewDevToolsSource(geometry, m.cfg.DevToolsInterval))
	}
	if face {
		sources = append(sources, signal.NewFaceSource(rt.frames, m.detector, m.cfg.FaceInterval, rt.log))
	}
	rt.sources = signal.NewSet(sources...)
	return rt
}

// start performs the Loading to Running transition.
func (rt *Runtime) start() error {
	if err := rt.sources.SubscribeAll(rt.emit); err != nil {
		return fmt.Errorf("subscribe signal sources: %w", err)
	}
	rt.guard.Attach(rt.bus)

	rt.mu.Lock()
	rt.state = StateRunning
	rt.grace = time.AfterFunc(rt.mgr.cfg.DetachGrace, rt.teardownIfIdle)
	rt.mu.Unlock()

	go rt.countdown()
	rt.log.Info().Strs("sources", rt.sources.Names()).Msg("Session running")
	return nil
}

// ID returns the session ID.
func (rt *Runtime) ID() uuid.UUID { return rt.id }

// State returns the current lifecycle state.
func (rt *Runtime) State() State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// Done is closed after teardown.
func (rt *Runtime) Done() <-chan struct{} { return rt.done }

// Snapshot returns a copy of the live session record.
func (rt *Runtime) Snapshot() *model.ExamSession {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.sess.Clone()
}

// Remaining returns the countdown value at the manager's clock.
func (rt *Runtime) Remaining() int {
	rt.mu.Lock()
	deadline := rt.sess.Deadline
	rt.mu.Unlock()
	return Countdown(deadline, rt.mgr.now())
}

// View is the state the candidate needs to rebuild the exam screen.
func (rt *Runtime) View() *model.SessionState {
	qs := make([]model.QuestionForCandidate, len(rt.questions))
	for i := range rt.questions {
		qs[i] = rt.questions[i].ForCandidate()
	}
	return &model.SessionState{
		Session:          rt.Snapshot(),
		Questions:        qs,
		RemainingSeconds: rt.Remaining(),
		FullscreenGuard:  rt.guard.Enabled(),
	}
}

// Publish forwards a raw client event to the signal sources.
func (rt *Runtime) Publish(ev signal.Event) {
	if rt.State() != StateRunning {
		return
	}
	rt.bus.Publish(ev)
}

// PutFrame buffers the latest camera frame for the face sampler.
func (rt *Runtime) PutFrame(frame []byte) {
	rt.frames.Put(frame)
}

// OnTeardown registers fn to run once when the runtime is torn down. If that
// already happened, fn runs immediately.
func (rt *Runtime) OnTeardown(fn func()) {
	rt.mu.Lock()
	select {
	case <-rt.done:
		rt.mu.Unlock()
		fn()
		return
	default:
	}
	rt.hooks = append(rt.hooks, fn)
	rt.mu.Unlock()
}

// ─── Answers ────────────────────────────────────────────────────────

// RecordAnswer overwrites one answer and writes it to the live store. A failed
// write keeps the answer dirty; it is retried with the next answer change.
func (rt *Runtime) RecordAnswer(ctx context.Context, questionID, value string) (AnswerResult, error) {
	if strings.TrimSpace(value) == "" {
		return AnswerResult{}, ErrEmptyAnswer
	}
	if !rt.hasQuestion(questionID) {
		return AnswerResult{}, ErrUnknownQuestion
	}

	rt.answerMu.Lock()
	defer rt.answerMu.Unlock()

	rt.mu.Lock()
	if rt.state != StateRunning {
		err := rt.notRunningErrLocked()
		rt.mu.Unlock()
		return AnswerResult{}, err
	}
	rt.sess.Answers[questionID] = value
	rt.dirty[questionID] = value
	pending := make(map[string]string, len(rt.dirty))
	for k, v := range rt.dirty {
		pending[k] = v
	}
	ident := rt.sess.Clone()
	rt.mu.Unlock()

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	saved := false
	for qid, v := range pending {
		if err := rt.mgr.live.SaveAnswer(wctx, ident, qid, v); err != nil {
			rt.log.Warn().Err(err).Str("question_id", qid).Msg("Answer write failed, kept dirty")
			continue
		}
		rt.mu.Lock()
		if rt.dirty[qid] == v {
			delete(rt.dirty, qid)
		}
		rt.mu.Unlock()
		if qid == questionID {
			saved = true
		}
	}

	rt.mu.Lock()
	res := AnswerResult{Saved: saved, Pending: len(rt.dirty)}
	answered := countAnswered(rt.sess.Answers)
	rt.mu.Unlock()

	rt.mgr.publish(ctx, MonitorEvent{
		Type:          MonitorAnswerSaved,
		ExamID:        ident.ExamID,
		SessionID:     ident.ID,
		CandidateID:   ident.CandidateID,
		AnsweredCount: answered,
	})
	return res, nil
}

func (rt *Runtime) hasQuestion(id string) bool {
	for i := range rt.questions {
		if rt.questions[i].ID.String() == id {
			return true
		}
	}
	return false
}

// missingLocked lists the 1-based indices of unanswered questions.
func (rt *Runtime) missingLocked() []int {
	var missing []int
	for i := range rt.questions {
		if strings.TrimSpace(rt.sess.Answers[rt.questions[i].ID.String()]) == "" {
			missing = append(missing, i+1)
		}
	}
	return missing
}

func countAnswered(answers map[string]string) int {
	n := 0
	for _, v := range answers {
		if strings.TrimSpace(v) != "" {
			n++
		}
	}
	return n
}

func (rt *Runtime) notRunningErrLocked() error {
	if rt.state.Terminal() {
		return ErrAlreadyFinalized
	}
	return ErrNotRunning
}

// ─── Terminal transitions ───────────────────────────────────────────

// RequestFinish checks completeness. Unless forced, an incomplete session
// keeps running and the missing indices are returned.
func (rt *Runtime) RequestFinish(ctx context.Context, force bool) (FinishOutcome, error) {
	rt.mu.Lock()
	if rt.state != StateRunning {
		err := rt.notRunningErrLocked()
		rt.mu.Unlock()
		return FinishOutcome{}, err
	}
	missing := rt.missingLocked()
	rt.mu.Unlock()

	if len(missing) > 0 && !force {
		return FinishOutcome{Missing: missing}, nil
	}

	reason := model.FinishReasonSubmitted
	if len(missing) > 0 {
		reason = model.FinishReasonForced
	}
	res, err := rt.finalize(ctx, model.SessionStatusFinished, reason)
	if err != nil {
		return FinishOutcome{Missing: missing}, err
	}
	return FinishOutcome{Missing: missing, Result: &res}, nil
}

// OnTimeout always finishes, whatever the answers.
func (rt *Runtime) OnTimeout(ctx context.Context) (Result, error) {
	return rt.finalize(ctx, model.SessionStatusFinished, model.FinishReasonTimeExpired)
}

// OnDisqualify ends the session with a zero score.
func (rt *Runtime) OnDisqualify(ctx context.Context, reason model.ViolationReason) (Result, error) {
	rt.log.Warn().Str("reason", string(reason)).Msg("Disqualifying session")
	return rt.finalize(ctx, model.SessionStatusDisqualified, model.FinishReasonDisqualified)
}

// finalize is the single terminal guard. The first caller whose write
// commits wins; every later caller gets ErrAlreadyFinalized and the committed
// result. A failed write leaves the session running so the caller can retry.
func (rt *Runtime) finalize(ctx context.Context, status model.SessionStatus, reason string) (Result, error) {
	rt.finalizeMu.Lock()
	defer rt.finalizeMu.Unlock()
	rt.answerMu.Lock()
	defer rt.answerMu.Unlock()

	rt.mu.Lock()
	if rt.state.Terminal() {
		res := ResultOf(rt.sess)
		rt.mu.Unlock()
		return res, ErrAlreadyFinalized
	}
	if rt.state != StateRunning {
		rt.mu.Unlock()
		return Result{}, ErrNotRunning
	}
	final := rt.sess.Clone()
	rt.mu.Unlock()

	if n := rt.ledger.Count(); n > final.ViolationCount {
		final.ViolationCount = n
	}
	if last := rt.ledger.Last(); last != nil {
		final.LastViolation = last
	}
	closeRecord(final, rt.questions, status, reason, rt.mgr.now().UTC())

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
	defer cancel()

	err := rt.mgr.store.Finalize(wctx, final)
	if errors.Is(err, ErrAlreadyFinalized) {
		stored, getErr := rt.mgr.store.Get(wctx, final.ID)
		if getErr != nil || !stored.Status.Terminal() {
			return Result{}, err
		}
		rt.log.Info().Str("status", string(stored.Status)).Msg("Session finalized elsewhere")
		rt.commit(stored)
		return ResultOf(stored), ErrAlreadyFinalized
	}
	if err != nil {
		rt.log.Error().Err(err).Str("status", string(status)).Msg("Finalization write failed")
		return Result{}, fmt.Errorf("finalize session: %w", err)
	}

	rt.log.Info().
		Str("status", string(status)).
		Str("reason", reason).
		Int("violations", final.ViolationCount).
		Msg("Session finalized")
	rt.commit(final)
	return ResultOf(final), nil
}

// closeRecord turns a copy of a started record into its terminal form. A
// disqualified session scores zero whatever its answers.
func closeRecord(final *model.ExamSession, questions []model.Question, status model.SessionStatus, reason string, now time.Time) {
	final.Status = status
	final.FinishTime = &now
	final.FinishReason = reason
	if status == model.SessionStatusDisqualified {
		zero := 0.0
		final.FinalScore = &zero
		return
	}
	final.FinalScore = scoring.Compute(scoring.InputFromSession(final, questions)).FinalScore
}

func terminalEvent(final *model.ExamSession) MonitorEvent {
	evType := MonitorFinished
	if final.Status == model.SessionStatusDisqualified {
		evType = MonitorDisqualified
	}
	return MonitorEvent{
		Type:           evType,
		ExamID:         final.ExamID,
		SessionID:      final.ID,
		CandidateID:    final.CandidateID,
		Name:           final.CandidateInfo.Name,
		Status:         final.Status,
		AnsweredCount:  countAnswered(final.Answers),
		ViolationCount: final.ViolationCount,
		FinalScore:     final.FinalScore,
	}
}

// commit adopts a terminal record and releases everything the session holds.
func (rt *Runtime) commit(final *model.ExamSession) {
	rt.mu.Lock()
	rt.sess = final
	rt.state = stateFor(final.Status)
	clients := rt.clientsLocked()
	rt.mu.Unlock()

	rt.ledger.Close()
	res := ResultOf(final)
	for _, c := range clients {
		c.Finished(res)
	}

	rt.mgr.publish(context.Background(), terminalEvent(final))
	rt.teardown()
}

// ─── Violations ─────────────────────────────────────────────────────

func (rt *Runtime) emit(reason model.ViolationReason) {
	rt.recordViolation(rt.ctx, reason)
}

func (rt *Runtime) recordViolation(ctx context.Context, reason model.ViolationReason) {
	if rt.State() != StateRunning {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	out, err := rt.ledger.Record(wctx, reason)
	if err != nil {
		if !errors.Is(err, ledger.ErrClosed) {
			rt.log.Warn().Err(err).Str("reason", string(reason)).Msg("Violation rejected")
		}
		return
	}

	rt.mu.Lock()
	if !rt.state.Terminal() && out.Count > rt.sess.ViolationCount {
		rt.sess.ViolationCount = out.Count
		rt.sess.LastViolation = rt.ledger.Last()
	}
	clients := rt.clientsLocked()
	ident := rt.sess
	rt.mu.Unlock()

	for _, c := range clients {
		c.Violation(out, reason)
	}
	rt.mgr.publish(ctx, MonitorEvent{
		Type:           MonitorViolation,
		ExamID:         ident.ExamID,
		SessionID:      ident.ID,
		CandidateID:    ident.CandidateID,
		Name:           ident.CandidateInfo.Name,
		ViolationCount: out.Count,
		Reason:         reason,
	})
}

// Report records a violation from outside the signal sources.
func (rt *Runtime) Report(ctx context.Context, reason model.ViolationReason) error {
	rt.mu.Lock()
	if rt.state != StateRunning {
		err := rt.notRunningErrLocked()
		rt.mu.Unlock()
		return err
	}
	rt.mu.Unlock()
	rt.recordViolation(context.WithoutCancel(ctx), reason)
	return nil
}

func (rt *Runtime) disqualifyFromLedger(ctx context.Context, reason model.ViolationReason) {
	if _, err := rt.OnDisqualify(ctx, reason); err != nil && !errors.Is(err, ErrAlreadyFinalized) {
		rt.log.Error().Err(err).Msg("Disqualification not committed, retrying in background")
		go rt.retryDisqualify(reason)
	}
}

// retryDisqualify keeps trying to commit a disqualification the ledger has
// already decided. The ledger is closed, so nothing else can be recorded.
func (rt *Runtime) retryDisqualify(reason model.ViolationReason) {
	backoff := time.Second
	for {
		select {
		case <-rt.ctx.Done():
			return
		case <-time.After(backoff):
		}
		_, err := rt.OnDisqualify(rt.ctx, reason)
		if err == nil || errors.Is(err, ErrAlreadyFinalized) {
			return
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// ─── Countdown ──────────────────────────────────────────────────────

func (rt *Runtime) countdown() {
	ticker := time.NewTicker(rt.mgr.cfg.TickInterval)
	defer ticker.Stop()

	for {
		remaining := rt.Remaining()
		for _, c := range rt.attached() {
			c.Tick(remaining)
		}
		if remaining == 0 {
			_, err := rt.OnTimeout(rt.ctx)
			if err == nil || errors.Is(err, ErrAlreadyFinalized) {
				return
			}
		}

		select {
		case <-rt.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ─── Clients ────────────────────────────────────────────────────────

// Attach connects a candidate tab. The returned detach is idempotent; when
// the last tab detaches the runtime is torn down after the grace period
// unless another tab attaches first.
func (rt *Runtime) Attach(c Client) (detach func(), err error) {
	rt.mu.Lock()
	if rt.state != StateRunning {
		err := rt.notRunningErrLocked()
		res := ResultOf(rt.sess)
		rt.mu.Unlock()
		if errors.Is(err, ErrAlreadyFinalized) {
			c.Finished(res)
		}
		return func() {}, err
	}
	id := rt.nextClient
	rt.nextClient++
	rt.clients[id] = c
	if rt.grace != nil {
		rt.grace.Stop()
		rt.grace = nil
	}
	ident := rt.sess
	rt.mu.Unlock()

	if rt.mgr.cfg.MultiTabDetection {
		tabs := signal.NewMultiTabSource(
			rt.mgr.live.TabCounter(ident.ExamID, ident.CandidateID),
			rt.mgr.cfg.TabPollInterval,
			rt.log,
		)
		if err := tabs.Subscribe(rt.emit); err != nil {
			rt.log.Warn().Err(err).Msg("Tab counter unavailable, multi-tab detection skipped")
		} else {
			rt.mu.Lock()
			rt.tabs[id] = tabs
			rt.mu.Unlock()
		}
	}

	if rt.guard.Enabled() {
		go func() {
			if err := rt.guard.Enter(rt.ctx); err != nil && !errors.Is(err, context.Canceled) {
				rt.log.Info().Err(err).Msg("Fullscreen not entered")
			}
		}()
	}
	c.Tick(rt.Remaining())

	rt.mgr.publish(rt.ctx, MonitorEvent{
		Type:        MonitorConnected,
		ExamID:      ident.ExamID,
		SessionID:   ident.ID,
		CandidateID: ident.CandidateID,
		Name:        ident.CandidateInfo.Name,
	})

	var once sync.Once
	return func() { once.Do(func() { rt.detach(id) }) }, nil
}

func (rt *Runtime) detach(id int) {
	rt.mu.Lock()
	delete(rt.clients, id)
	tabs := rt.tabs[id]
	delete(rt.tabs, id)
	idle := len(rt.clients) == 0 && rt.state == StateRunning
	if idle && rt.grace == nil {
		rt.grace = time.AfterFunc(rt.mgr.cfg.DetachGrace, rt.teardownIfIdle)
	}
	ident := rt.sess
	rt.mu.Unlock()

	if tabs != nil {
		tabs.Unsubscribe()
	}
	rt.mgr.publish(context.Background(), MonitorEvent{
		Type:        MonitorDisconnected,
		ExamID:      ident.ExamID,
		SessionID:   ident.ID,
		CandidateID: ident.CandidateID,
	})
}

func (rt *Runtime) teardownIfIdle() {
	rt.mu.Lock()
	idle := len(rt.clients) == 0
	rt.mu.Unlock()
	if idle {
		rt.log.Info().Msg("No tab attached, releasing session runtime")
		rt.teardown()
	}
}

func (rt *Runtime) attached() []Client {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.clientsLocked()
}

func (rt *Runtime) clientsLocked() []Client {
	out := make([]Client, 0, len(rt.clients))
	for _, c := range rt.clients {
		out = append(out, c)
	}
	return out
}

// ─── Teardown ───────────────────────────────────────────────────────

// teardown cancels the countdown, every signal source, the fullscreen guard,
// the tab counters and the face sampler, then runs the registered hooks.
func (rt *Runtime) teardown() {
	rt.teardownOnce.Do(func() {
		rt.cancel()
		rt.sources.UnsubscribeAll()
		rt.guard.Detach()

		rt.mu.Lock()
		if rt.grace != nil {
			rt.grace.Stop()
			rt.grace = nil
		}
		tabs := make([]*signal.MultiTabSource, 0, len(rt.tabs))
		for id, t := range rt.tabs {
			tabs = append(tabs, t)
			delete(rt.tabs, id)
		}
		hooks := rt.hooks
		rt.hooks = nil
		face := rt.faceAcquired
		rt.faceAcquired = false
		close(rt.done)
		rt.mu.Unlock()

		for _, t := range tabs {
			t.Unsubscribe()
		}
		rt.bus.Close()
		for _, h := range hooks {
			h()
		}
		if face {
			rt.mgr.releaseDetector()
		}
		rt.mgr.forget(rt)
		rt.log.Debug().Msg("Session runtime torn down")
	})
}

// ─── Adapters ───────────────────────────────────────────────────────

type violationWriter struct {
	live LiveStore
	sess *model.ExamSession
}

func (w violationWriter) SaveViolation(ctx context.Context, count int, last model.LastViolation) error {
	return w.live.SaveViolation(ctx, w.sess, count, last)
}

type notifier struct{ rt *Runtime }

func (n notifier) Alert(reason model.ViolationReason) {
	for _, c := range n.rt.attached() {
		c.Alert(reason)
	}
}

func (n notifier) Warn(w ledger.Warning) {
	for _, c := range n.rt.attached() {
		c.Warn(w)
	}
}

var errNoClient = errors.New("no candidate tab attached")

type controller struct{ rt *Runtime }

func (c controller) RequestFullscreen(attempt int) error {
	clients := c.rt.attached()
	if len(clients) == 0 {
		return errNoClient
	}
	var firstErr error
	for _, cl := range clients {
		if err := cl.FullscreenRequest(attempt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
