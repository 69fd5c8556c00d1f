// Package fullscreen keeps the exam surface in fullscreen while a session
// runs.
package fullscreen

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/signal"
)

const (
	MaxAttempts  = 3
	Backoff      = 2 * time.Second
	ReentryDelay = time.Second
)

var ErrUnavailable = errors.New("fullscreen could not be entered")

// Controller asks the client to enter fullscreen.
type Controller interface {
	RequestFullscreen(attempt int) error
}

// RecordFunc reports a violation to the ledger.
type RecordFunc func(ctx context.Context, reason model.ViolationReason)

// Options configures a Guard. Zero durations use the package defaults.
type Options struct {
	Controller   Controller
	Record       RecordFunc
	Enabled      bool
	Backoff      time.Duration
	ReentryDelay time.Duration
	Logger       zerolog.Logger
}

// Guard enforces fullscreen with bounded retries. A disabled guard (the
// client reported no fullscreen capability) never requests anything and never
// reports violations.
type Guard struct {
	ctrl         Controller
	record       RecordFunc
	enabled      bool
	backoff      time.Duration
	reentryDelay time.Duration
	log          zerolog.Logger

	mu      sync.Mutex
	active  bool
	changed chan struct{}
	cancel  func()
	ctx     context.Context
	stop    context.CancelFunc
}

// New creates a guard.
func New(opts Options) *Guard {
	g := &Guard{
		ctrl:         opts.Controller,
		record:       opts.Record,
		enabled:      opts.Enabled,
		backoff:      opts.Backoff,
		reentryDelay: opts.ReentryDelay,
		log:          opts.Logger.With().Str("component", "fullscreen_guard").Logger(),
		changed:      make(chan struct{}),
	}
	if g.backoff <= 0 {
		g.backoff = Backoff
	}
	if g.reentryDelay <= 0 {
		g.reentryDelay = ReentryDelay
	}
	return g
}

// Enabled reports whether the guard enforces anything.
func (g *Guard) Enabled() bool { return g.enabled }

// IsActive reports the last fullscreen state confirmed by the client.
func (g *Guard) IsActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.active
}

// Attach starts following fullscreen changes reported on bus. External exits
// are only reported between Attach and Detach.
func (g *Guard) Attach(bus *signal.Bus) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel != nil {
		return
	}
	g.ctx, g.stop = context.WithCancel(context.Background())
	g.cancel = bus.Listen(signal.KindFullscreen, g.onChange)
}

// Detach stops following changes and abandons any pending re-entry.
func (g *Guard) Detach() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.cancel == nil {
		return
	}
	g.cancel()
	g.stop()
	g.cancel = nil
}

func (g *Guard) onChange(ev signal.Event) {
	var data struct {
		Active bool `json:"active"`
	}
	if err := ev.Decode(&data); err != nil {
		return
	}

	g.mu.Lock()
	was := g.active
	g.active = data.Active
	if was != data.Active {
		close(g.changed)
		g.changed = make(chan struct{})
	}
	ctx := g.ctx
	g.mu.Unlock()

	if !g.enabled || !was || data.Active || ctx == nil || ctx.Err() != nil {
		return
	}

	g.log.Debug().Msg("Fullscreen exited externally")
	if g.record != nil {
		g.record(ctx, model.ViolationFullscreenExit)
	}
	go g.reenter(ctx)
}

// reenter makes a single attempt after the re-entry delay. A failure here is
// not escalated; the next external exit is counted again.
func (g *Guard) reenter(ctx context.Context) {
	t := time.NewTimer(g.reentryDelay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return
	case <-t.C:
	}
	if g.IsActive() {
		return
	}
	if err := g.ctrl.RequestFullscreen(1); err != nil {
		g.log.Warn().Err(err).Msg("Fullscreen re-entry request failed")
		return
	}
	if !g.waitActive(ctx, g.backoff) {
		g.log.Info().Msg("Fullscreen re-entry not confirmed")
	}
}

// Enter requests fullscreen up to MaxAttempts times, waiting the backoff for
// each confirmation. When every attempt fails, fullscreen_unavailable is
// recorded and ErrUnavailable returned.
func (g *Guard) Enter(ctx context.Context) error {
	if !g.enabled || g.IsActive() {
		return nil
	}
	for attempt := 1; attempt <= MaxAttempts; attempt++ {
		if err := g.ctrl.RequestFullscreen(attempt); err != nil {
			g.log.Warn().Err(err).Int("attempt", attempt).Msg("Fullscreen request failed")
			if !sleep(ctx, g.backoff) {
				return ctx.Err()
			}
			continue
		}
		if g.waitActive(ctx, g.backoff) {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	g.log.Warn().Int("attempts", MaxAttempts).Msg("Fullscreen unavailable")
	if g.record != nil {
		g.record(ctx, model.ViolationFullscreenUnavailable)
	}
	return ErrUnavailable
}

// waitActive blocks until fullscreen is confirmed, the timeout passes or ctx
// is done.
func (g *Guard) waitActive(ctx context.Context, timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	for {
		g.mu.Lock()
		if g.active {
			g.mu.Unlock()
			return true
		}
		changed := g.changed
		g.mu.Unlock()

		select {
		case <-changed:
		case <-t.C:
			return g.IsActive()
		case <-ctx.Done():
			return false
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
