package signal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// TabCounter is a counter shared by every tab a candidate has open on one
// exam. Acquire increments and returns the new value; Release decrements.
type TabCounter interface {
	Acquire(ctx context.Context) (int64, error)
	Count(ctx context.Context) (int64, error)
	Release(ctx context.Context) error
}

// MultiTabSource reports the exam being open in more than one tab.
//
// Detection is best-effort: increments and decrements from different tabs
// race, and a tab killed without teardown leaves the counter raised until its
// key expires. Any observed value above one counts as a violation on the
// transition into that state.
type MultiTabSource struct {
	counter  TabCounter
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelFunc
	acquired bool
}

// NewMultiTabSource re-reads the counter every interval (two seconds when
// zero) after the initial acquisition.
func NewMultiTabSource(counter TabCounter, interval time.Duration, log zerolog.Logger) *MultiTabSource {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &MultiTabSource{
		counter:  counter,
		interval: interval,
		log:      log.With().Str("component", "multitab_source").Logger(),
	}
}

func (s *MultiTabSource) Name() string { return "multitab" }

func (s *MultiTabSource) Subscribe(emit Emit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadySubscribed
	}

	ctx, cancel := context.WithCancel(context.Background())
	acquireCtx, done := context.WithTimeout(ctx, 3*time.Second)
	n, err := s.counter.Acquire(acquireCtx)
	done()
	if err != nil {
		cancel()
		return err
	}
	s.acquired = true
	s.cancel = cancel

	go s.watch(ctx, n, emit)
	return nil
}

func (s *MultiTabSource) watch(ctx context.Context, first int64, emit Emit) {
	multiple := first > 1
	if multiple {
		emit(model.ViolationMultipleTabs)
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.counter.Count(ctx)
			if err != nil {
				if ctx.Err() == nil {
					s.log.Warn().Err(err).Msg("Failed to read tab counter")
				}
				continue
			}
			now := n > 1
			if now && !multiple && ctx.Err() == nil {
				emit(model.ViolationMultipleTabs)
			}
			multiple = now
		}
	}
}

// Unsubscribe stops watching and releases this tab's slot.
func (s *MultiTabSource) Unsubscribe() {
	s.mu.Lock()
	cancel, acquired := s.cancel, s.acquired
	s.cancel, s.acquired = nil, false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if acquired {
		ctx, done := context.WithTimeout(context.Background(), 3*time.Second)
		defer done()
		if err := s.counter.Release(ctx); err != nil {
			s.log.Warn().Err(err).Msg("Failed to release tab counter")
		}
	}
}
