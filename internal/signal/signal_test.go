package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu      sync.Mutex
	reasons []model.ViolationReason
}

func (r *recorder) emit(reason model.ViolationReason) {
	r.mu.Lock()
	r.reasons = append(r.reasons, reason)
	r.mu.Unlock()
}

func (r *recorder) got() []model.ViolationReason {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ViolationReason(nil), r.reasons...)
}

func event(t *testing.T, kind string, data interface{}) Event {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	return Event{Kind: kind, Data: raw}
}

func TestBusListenAndCancel(t *testing.T) {
	bus := NewBus()
	var calls int
	cancel := bus.Listen(KindFocus, func(Event) { calls++ })

	bus.Publish(Event{Kind: KindFocus})
	bus.Publish(Event{Kind: KindVisibility})
	cancel()
	cancel()
	bus.Publish(Event{Kind: KindFocus})

	assert.Equal(t, 1, calls)
}

func TestBusListenerMayCancelItself(t *testing.T) {
	bus := NewBus()
	var cancel func()
	var calls int
	cancel = bus.Listen(KindFocus, func(Event) {
		calls++
		cancel()
	})

	bus.Publish(Event{Kind: KindFocus})
	bus.Publish(Event{Kind: KindFocus})
	assert.Equal(t, 1, calls)
}

func TestBusClosedIgnoresPublish(t *testing.T) {
	bus := NewBus()
	var calls int
	bus.Listen(KindFocus, func(Event) { calls++ })
	bus.Close()
	bus.Publish(Event{Kind: KindFocus})
	bus.Listen(KindFocus, func(Event) { calls++ })()
	assert.Zero(t, calls)
}

func TestEventAdapters(t *testing.T) {
	tests := []struct {
		name   string
		source func(*Bus) Source
		ev     func(t *testing.T) Event
		want   []model.ViolationReason
	}{
		{
			name:   "page hidden",
			source: NewVisibilitySource,
			ev:     func(t *testing.T) Event { return event(t, KindVisibility, map[string]bool{"hidden": true}) },
			want:   []model.ViolationReason{model.ViolationTabSwitch},
		},
		{
			name:   "page visible",
			source: NewVisibilitySource,
			ev:     func(t *testing.T) Event { return event(t, KindVisibility, map[string]bool{"hidden": false}) },
		},
		{
			name:   "blur",
			source: NewFocusSource,
			ev:     func(t *testing.T) Event { return event(t, KindFocus, map[string]bool{"focused": false}) },
			want:   []model.ViolationReason{model.ViolationWindowBlur},
		},
		{
			name:   "focus without data",
			source: NewFocusSource,
			ev:     func(t *testing.T) Event { return Event{Kind: KindFocus} },
		},
		{
			name:   "right click",
			source: NewContextMenuSource,
			ev:     func(t *testing.T) Event { return Event{Kind: KindContextMenu} },
			want:   []model.ViolationReason{model.ViolationRightClick},
		},
		{
			name:   "copy shortcut",
			source: NewKeyboardSource,
			ev:     func(t *testing.T) Event { return event(t, KindKeydown, KeyPress{Key: "c", Ctrl: true}) },
			want:   []model.ViolationReason{model.ViolationProhibitedShortcut},
		},
		{
			name:   "plain typing",
			source: NewKeyboardSource,
			ev:     func(t *testing.T) Event { return event(t, KindKeydown, KeyPress{Key: "c"}) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := NewBus()
			src := tt.source(bus)
			rec := &recorder{}
			require.NoError(t, src.Subscribe(rec.emit))
			assert.ErrorIs(t, src.Subscribe(rec.emit), ErrAlreadySubscribed)

			bus.Publish(tt.ev(t))
			assert.Equal(t, tt.want, rec.got())

			src.Unsubscribe()
			bus.Publish(tt.ev(t))
			assert.Equal(t, tt.want, rec.got(), "no delivery after unsubscribe")
		})
	}
}

func TestClassifyKey(t *testing.T) {
	tests := []struct {
		key    KeyPress
		want   model.ViolationReason
		banned bool
	}{
		{KeyPress{Key: "F12"}, model.ViolationDevTools, true},
		{KeyPress{Key: "I", Ctrl: true, Shift: true}, model.ViolationDevTools, true},
		{KeyPress{Key: "j", Meta: true, Alt: true}, model.ViolationDevTools, true},
		{KeyPress{Key: "PrintScreen"}, model.ViolationProhibitedShortcut, true},
		{KeyPress{Key: "Tab", Alt: true}, model.ViolationProhibitedShortcut, true},
		{KeyPress{Key: "v", Meta: true}, model.ViolationProhibitedShortcut, true},
		{KeyPress{Key: "p", Ctrl: true}, model.ViolationProhibitedShortcut, true},
		{KeyPress{Key: "Tab"}, "", false},
		{KeyPress{Key: "a"}, "", false},
		{KeyPress{Key: "z", Ctrl: true}, "", false},
	}
	for _, tt := range tests {
		got, banned := ClassifyKey(tt.key)
		assert.Equal(t, tt.banned, banned, "%+v", tt.key)
		assert.Equal(t, tt.want, got, "%+v", tt.key)
	}
}

func TestGeometrySourceReportsTransitionOnly(t *testing.T) {
	bus := NewBus()
	src := NewGeometrySource(bus)
	rec := &recorder{}
	require.NoError(t, src.Subscribe(rec.emit))
	defer src.Unsubscribe()

	base := GeometrySample{ScreenWidth: 1920, ScreenHeight: 1080}
	wide := GeometrySample{ScreenWidth: 2560, ScreenHeight: 1440}

	bus.Publish(event(t, KindGeometry, base))
	bus.Publish(event(t, KindGeometry, wide))
	bus.Publish(event(t, KindGeometry, wide))
	bus.Publish(event(t, KindGeometry, base))
	bus.Publish(event(t, KindGeometry, wide))

	assert.Equal(t, []model.ViolationReason{model.ViolationScreenChange, model.ViolationScreenChange}, rec.got())

	latest, ok := src.Latest()
	require.True(t, ok)
	assert.Equal(t, wide, latest)
}

func TestGeometrySourceExtendedFromStart(t *testing.T) {
	bus := NewBus()
	src := NewGeometrySource(bus)
	rec := &recorder{}
	require.NoError(t, src.Subscribe(rec.emit))
	defer src.Unsubscribe()

	bus.Publish(event(t, KindGeometry, GeometrySample{ScreenWidth: 1920, ScreenHeight: 1080, Extended: true}))
	assert.Equal(t, []model.ViolationReason{model.ViolationScreenChange}, rec.got())
}

func TestDevToolsHeuristic(t *testing.T) {
	assert.False(t, GeometrySample{OuterWidth: 1200, InnerWidth: 1190, OuterHeight: 800, InnerHeight: 700}.DevToolsOpen())
	assert.True(t, GeometrySample{OuterWidth: 1200, InnerWidth: 900, OuterHeight: 800, InnerHeight: 780}.DevToolsOpen())
	assert.True(t, GeometrySample{OuterWidth: 1200, InnerWidth: 1200, OuterHeight: 800, InnerHeight: 500}.DevToolsOpen())
}

func TestDevToolsSourceRisingEdge(t *testing.T) {
	bus := NewBus()
	geo := NewGeometrySource(bus)
	require.NoError(t, geo.Subscribe(func(model.ViolationReason) {}))
	defer geo.Unsubscribe()

	src := NewDevToolsSource(geo, 10*time.Millisecond)
	rec := &recorder{}
	require.NoError(t, src.Subscribe(rec.emit))
	defer src.Unsubscribe()

	bus.Publish(event(t, KindGeometry, GeometrySample{OuterWidth: 1200, InnerWidth: 800}))
	assert.Eventually(t, func() bool { return len(rec.got()) == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, rec.got(), 1, "open state is reported once")
	assert.Equal(t, model.ViolationDevTools, rec.got()[0])
}

type fakeCounter struct {
	mu       sync.Mutex
	n        int64
	released int
	err      error
}

func (c *fakeCounter) Acquire(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	c.n++
	return c.n, nil
}

func (c *fakeCounter) Count(context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.n, nil
}

func (c *fakeCounter) Release(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.n--
	c.released++
	return nil
}

func (c *fakeCounter) set(n int64) {
	c.mu.Lock()
	c.n = n
	c.mu.Unlock()
}

func TestMultiTabSource(t *testing.T) {
	counter := &fakeCounter{}
	src := NewMultiTabSource(counter, 10*time.Millisecond, zerolog.Nop())
	rec := &recorder{}
	require.NoError(t, src.Subscribe(rec.emit))

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, rec.got(), "single tab is fine")

	counter.set(2)
	assert.Eventually(t, func() bool { return len(rec.got()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, model.ViolationMultipleTabs, rec.got()[0])

	src.Unsubscribe()
	src.Unsubscribe()
	assert.Equal(t, 1, counter.released)
}

func TestMultiTabSourceSecondTab(t *testing.T) {
	counter := &fakeCounter{n: 1}
	src := NewMultiTabSource(counter, time.Hour, zerolog.Nop())
	rec := &recorder{}
	require.NoError(t, src.Subscribe(rec.emit))
	defer src.Unsubscribe()

	assert.Eventually(t, func() bool { return len(rec.got()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestMultiTabSourceAcquireError(t *testing.T) {
	counter := &fakeCounter{err: errors.New("redis down")}
	src := NewMultiTabSource(counter, time.Hour, zerolog.Nop())
	assert.Error(t, src.Subscribe(func(model.ViolationReason) {}))
	src.Unsubscribe()
	assert.Zero(t, counter.released)
}

type fixedDetector struct{ faces int32 }

func (d *fixedDetector) DetectFaceCount(context.Context, []byte) int {
	return int(atomic.LoadInt32(&d.faces))
}

func TestFaceSourceSampleOnce(t *testing.T) {
	tests := []struct {
		faces int32
		want  bool
	}{
		{faces: 0, want: false},
		{faces: 1, want: false},
		{faces: 2, want: true},
		{faces: 5, want: true},
	}
	for _, tt := range tests {
		frames := &FrameBuffer{}
		src := NewFaceSource(frames, &fixedDetector{faces: tt.faces}, time.Hour, zerolog.Nop())

		_, ok := src.SampleOnce(context.Background())
		assert.False(t, ok, "no frame, no sample")

		frames.Put([]byte("jpeg"))
		reason, ok := src.SampleOnce(context.Background())
		assert.Equal(t, tt.want, ok, "faces=%d", tt.faces)
		if tt.want {
			assert.Equal(t, model.ViolationMultipleFaces, reason)
		}

		_, ok = src.SampleOnce(context.Background())
		assert.False(t, ok, "a frame is sampled once")
	}
}

func TestFaceSourceLoop(t *testing.T) {
	frames := &FrameBuffer{}
	src := NewFaceSource(frames, &fixedDetector{faces: 2}, 10*time.Millisecond, zerolog.Nop())
	rec := &recorder{}
	require.NoError(t, src.Subscribe(rec.emit))

	frames.Put([]byte("jpeg"))
	assert.Eventually(t, func() bool { return len(rec.got()) == 1 }, time.Second, 5*time.Millisecond)

	src.Unsubscribe()
	frames.Put([]byte("jpeg"))
	time.Sleep(40 * time.Millisecond)
	assert.Len(t, rec.got(), 1)
}

type failingSource struct{}

func (failingSource) Name() string         { return "failing" }
func (failingSource) Subscribe(Emit) error { return errors.New("boom") }
func (failingSource) Unsubscribe()         {}

type countingSource struct{ subscribed, unsubscribed int }

func (c *countingSource) Name() string { return "counting" }

func (c *countingSource) Subscribe(Emit) error {
	c.subscribed++
	return nil
}

func (c *countingSource) Unsubscribe() { c.unsubscribed++ }

func TestSetRollsBackOnError(t *testing.T) {
	first := &countingSource{}
	set := NewSet(first, nil, failingSource{})
	assert.Equal(t, []string{"counting", "failing"}, set.Names())

	assert.Error(t, set.SubscribeAll(func(model.ViolationReason) {}))
	assert.Equal(t, 1, first.unsubscribed)
}

func TestSetUnsubscribeAllOnce(t *testing.T) {
	a, b := &countingSource{}, &countingSource{}
	set := NewSet(a, b)
	require.NoError(t, set.SubscribeAll(func(model.ViolationReason) {}))
	assert.ErrorIs(t, set.SubscribeAll(func(model.ViolationReason) {}), ErrAlreadySubscribed)

	set.UnsubscribeAll()
	set.UnsubscribeAll()
	assert.Equal(t, 1, a.unsubscribed)
	assert.Equal(t, 1, b.unsubscribed)
}
