package ledger

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	mu     sync.Mutex
	count  int
	last   model.LastViolation
	writes int
	fail   bool
}

func (s *memStore) SaveViolation(_ context.Context, count int, last model.LastViolation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	if s.fail {
		return errors.New("redis down")
	}
	if count > s.count {
		s.count = count
		s.last = last
	}
	return nil
}

type recNotifier struct {
	mu       sync.Mutex
	alerts   int
	warnings []Warning
}

func (n *recNotifier) Alert(model.ViolationReason) {
	n.mu.Lock()
	n.alerts++
	n.mu.Unlock()
}

func (n *recNotifier) Warn(w Warning) {
	n.mu.Lock()
	n.warnings = append(n.warnings, w)
	n.mu.Unlock()
}

type disqualifyRecorder struct {
	calls  int
	reason model.ViolationReason
}

func (d *disqualifyRecorder) fn(_ context.Context, reason model.ViolationReason) {
	d.calls++
	d.reason = reason
}

func newLedger(store *memStore, n *recNotifier, d *disqualifyRecorder) *Ledger {
	return New(Options{Store: store, Notifier: n, Disqualify: d.fn, Logger: zerolog.Nop()})
}

func TestRecordWarnsThenDisqualifies(t *testing.T) {
	store, n, d := &memStore{}, &recNotifier{}, &disqualifyRecorder{}
	l := newLedger(store, n, d)
	ctx := context.Background()

	out, err := l.Record(ctx, model.ViolationTabSwitch)
	require.NoError(t, err)
	assert.Equal(t, Outcome{Count: 1, Remaining: 2, Persisted: true}, out)

	out, err = l.Record(ctx, model.ViolationWindowBlur)
	require.NoError(t, err)
	assert.Equal(t, 1, out.Remaining)

	out, err = l.Record(ctx, model.ViolationMultipleFaces)
	require.NoError(t, err)
	assert.True(t, out.Disqualified)
	assert.Equal(t, 3, out.Count)

	assert.Equal(t, 1, d.calls)
	assert.Equal(t, model.ViolationMultipleFaces, d.reason)
	assert.Equal(t, 3, n.alerts)
	require.Len(t, n.warnings, 2)
	assert.Equal(t, 2, n.warnings[0].Remaining)
	assert.Equal(t, WarningDuration, n.warnings[0].Duration)
	assert.Equal(t, model.ViolationTabSwitch.Label(), n.warnings[0].Message)

	assert.Equal(t, 3, store.count)
	assert.Equal(t, model.ViolationMultipleFaces, store.last.Reason)

	_, err = l.Record(ctx, model.ViolationTabSwitch)
	assert.ErrorIs(t, err, ErrClosed)
	assert.Equal(t, 3, l.Count())
	assert.Equal(t, 1, d.calls)
}

func TestRecordRejectsUnknownReason(t *testing.T) {
	store := &memStore{}
	l := newLedger(store, &recNotifier{}, &disqualifyRecorder{})

	_, err := l.Record(context.Background(), model.ViolationReason("sneeze"))
	assert.ErrorIs(t, err, ErrUnknownReason)
	assert.Zero(t, l.Count())
	assert.Zero(t, store.writes)
}

func TestRecordKeepsCountWhenWriteFails(t *testing.T) {
	store := &memStore{fail: true}
	l := newLedger(store, &recNotifier{}, &disqualifyRecorder{})
	ctx := context.Background()

	out, err := l.Record(ctx, model.ViolationRightClick)
	require.NoError(t, err)
	assert.False(t, out.Persisted)
	assert.Equal(t, 1, l.Count())

	store.fail = false
	out, err = l.Record(ctx, model.ViolationRightClick)
	require.NoError(t, err)
	assert.True(t, out.Persisted)
	assert.Equal(t, 2, store.count, "next write carries the absolute count")
}

func TestConcurrentRecordsAreSerialized(t *testing.T) {
	store, d := &memStore{}, &disqualifyRecorder{}
	var dmu sync.Mutex
	disqualify := func(ctx context.Context, r model.ViolationReason) {
		dmu.Lock()
		defer dmu.Unlock()
		d.fn(ctx, r)
	}
	l := New(Options{Store: store, Logger: zerolog.Nop(), Disqualify: disqualify})

	var wg sync.WaitGroup
	var closed int32
	var cmu sync.Mutex
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Record(context.Background(), model.ViolationTabSwitch); errors.Is(err, ErrClosed) {
				cmu.Lock()
				closed++
				cmu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, DisqualifyThreshold, l.Count())
	assert.Equal(t, int32(20-DisqualifyThreshold), closed)
	assert.Equal(t, 1, d.calls)
	assert.Equal(t, DisqualifyThreshold, store.count)
}

func TestResumedLedger(t *testing.T) {
	store, d := &memStore{count: 2}, &disqualifyRecorder{}
	prev := &model.LastViolation{Reason: model.ViolationTabSwitch, Timestamp: time.Now()}
	l := New(Options{Store: store, Disqualify: d.fn, Logger: zerolog.Nop(), Count: 2, Last: prev})
	assert.Equal(t, model.ViolationTabSwitch, l.Last().Reason)

	out, err := l.Record(context.Background(), model.ViolationScreenChange)
	require.NoError(t, err)
	assert.True(t, out.Disqualified)
	assert.Equal(t, 1, d.calls)
}

func TestClose(t *testing.T) {
	l := newLedger(&memStore{}, &recNotifier{}, &disqualifyRecorder{})
	assert.Nil(t, l.Last())
	l.Close()
	_, err := l.Record(context.Background(), model.ViolationTabSwitch)
	assert.ErrorIs(t, err, ErrClosed)
}
