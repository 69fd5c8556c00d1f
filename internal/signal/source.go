// Package signal turns raw client environment events into integrity violations.
//
// The browser reports what it observes (visibility, focus, keys, geometry,
// camera frames) over the candidate stream; every observation is published on
// the session's Bus and each Source decides whether it is a violation.
package signal

import (
	"errors"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrAlreadySubscribed is returned when a source is subscribed twice.
var ErrAlreadySubscribed = errors.New("signal source already subscribed")

// Emit receives one recognized violation.
type Emit func(reason model.ViolationReason)

// Source is one signal adapter. Subscribe starts delivering violations to
// emit; Unsubscribe stops delivery and releases everything the source holds.
// Unsubscribe must be safe to call more than once.
type Source interface {
	Name() string
	Subscribe(emit Emit) error
	Unsubscribe()
}

// Set owns the lifetimes of a session's sources: they are subscribed and
// unsubscribed together.
type Set struct {
	mu      sync.Mutex
	sources []Source
	active  bool
}

// NewSet composes sources. Nil sources are skipped.
func NewSet(sources ...Source) *Set {
	s := &Set{}
	for _, src := range sources {
		if src != nil {
			s.sources = append(s.sources, src)
		}
	}
	return s
}

// SubscribeAll subscribes every source. If one fails, the ones already
// subscribed are unsubscribed again before the error is returned.
func (s *Set) SubscribeAll(emit Emit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.active {
		return ErrAlreadySubscribed
	}
	for i, src := range s.sources {
		if err := src.Subscribe(emit); err != nil {
			for j := i - 1; j >= 0; j-- {
				s.sources[j].Unsubscribe()
			}
			return err
		}
	}
	s.active = true
	return nil
}

// UnsubscribeAll cancels every source. Idempotent.
func (s *Set) UnsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.active {
		return
	}
	for _, src := range s.sources {
		src.Unsubscribe()
	}
	s.active = false
}

// Names lists the composed sources, in subscription order.
func (s *Set) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.sources))
	for _, src := range s.sources {
		names = append(names, src.Name())
	}
	return names
}
