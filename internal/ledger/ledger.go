// Package ledger accumulates a session's violations into one count and
// decides disqualification.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

const (
	// DisqualifyThreshold is the violation count that ends the session.
	DisqualifyThreshold = 3
	// WarningDuration is how long a below-threshold warning stays visible.
	WarningDuration = 3 * time.Second
)

var (
	ErrClosed        = errors.New("violation ledger is closed")
	ErrUnknownReason = errors.New("unknown violation reason")
)

// Store persists the violation snapshot. Implementations must only ever raise
// the stored count, so a late write cannot roll it back.
type Store interface {
	SaveViolation(ctx context.Context, count int, last model.LastViolation) error
}

// Warning is the transient notice shown to the candidate below the threshold.
type Warning struct {
	Reason    model.ViolationReason `json:"reason"`
	Message   string                `json:"message"`
	Count     int                   `json:"count"`
	Remaining int                   `json:"remaining"`
	Duration  time.Duration         `json:"-"`
	ExpiresAt time.Time             `json:"expires_at"`
}

// Notifier surfaces ledger outcomes to the candidate.
type Notifier interface {
	// Alert plays the audible alert. Called for every recorded violation.
	Alert(reason model.ViolationReason)
	// Warn shows a warning that dismisses itself after w.Duration.
	Warn(w Warning)
}

// DisqualifyFunc is invoked once, when the threshold is reached.
type DisqualifyFunc func(ctx context.Context, reason model.ViolationReason)

// Outcome describes the effect of one recorded violation.
type Outcome struct {
	Count        int
	Remaining    int
	Disqualified bool
	Persisted    bool
}

// Ledger is the per-session violation counter. Increments are serialized;
// the in-memory count is authoritative and every write carries its absolute
// value, so a failed write is repaired by the next one.
type Ledger struct {
	store      Store
	notify     Notifier
	disqualify DisqualifyFunc
	log        zerolog.Logger
	now        func() time.Time

	mu     sync.Mutex
	count  int
	last   *model.LastViolation
	closed bool
}

// Options configures a ledger. Count and Last seed it from a resumed session.
type Options struct {
	Store      Store
	Notifier   Notifier
	Disqualify DisqualifyFunc
	Logger     zerolog.Logger
	Count      int
	Last       *model.LastViolation
}

// New creates a ledger.
func New(opts Options) *Ledger {
	l := &Ledger{
		store:      opts.Store,
		notify:     opts.Notifier,
		disqualify: opts.Disqualify,
		log:        opts.Logger.With().Str("component", "violation_ledger").Logger(),
		now:        time.Now,
		count:      opts.Count,
	}
	if opts.Last != nil {
		last := *opts.Last
		l.last = &last
	}
	return l
}

// Record counts one violation. Reaching DisqualifyThreshold closes the ledger
// and calls the disqualify hook; below it a warning is shown.
func (l *Ledger) Record(ctx context.Context, reason model.ViolationReason) (Outcome, error) {
	if !reason.Valid() {
		return Outcome{}, fmt.Errorf("%w: %q", ErrUnknownReason, reason)
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return Outcome{}, ErrClosed
	}
	l.count++
	last := model.LastViolation{Reason: reason, Timestamp: l.now().UTC()}
	l.last = &last
	out := Outcome{Count: l.count, Remaining: DisqualifyThreshold - l.count}
	if out.Remaining <= 0 {
		out.Remaining = 0
		out.Disqualified = true
		l.closed = true
	}

	// Persist under the lock: writes leave in count order.
	if err := l.store.SaveViolation(ctx, out.Count, last); err != nil {
		l.log.Warn().Err(err).Int("count", out.Count).Msg("Violation write failed, next write carries the count")
	} else {
		out.Persisted = true
	}
	l.mu.Unlock()

	l.log.Info().
		Str("reason", string(reason)).
		Int("count", out.Count).
		Bool("disqualified", out.Disqualified).
		Msg("Violation recorded")

	if l.notify != nil {
		l.notify.Alert(reason)
	}
	if out.Disqualified {
		if l.disqualify != nil {
			l.disqualify(ctx, reason)
		}
		return out, nil
	}
	if l.notify != nil {
		l.notify.Warn(Warning{
			Reason:    reason,
			Message:   reason.Label(),
			Count:     out.Count,
			Remaining: out.Remaining,
			Duration:  WarningDuration,
			ExpiresAt: last.Timestamp.Add(WarningDuration),
		})
	}
	return out, nil
}

// Close stops accepting violations. Called when the session turns terminal.
func (l *Ledger) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
}

// Count returns the current violation count.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Last returns the most recent violation, if any.
func (l *Ledger) Last() *model.LastViolation {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return nil
	}
	last := *l.last
	return &last
}
