package fullscreen

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/signal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClient confirms a request only when accept returns true for it.
type fakeClient struct {
	bus    *signal.Bus
	accept func(attempt int) bool

	mu       sync.Mutex
	requests int
}

func (c *fakeClient) RequestFullscreen(attempt int) error {
	c.mu.Lock()
	c.requests++
	c.mu.Unlock()
	if c.accept != nil && c.accept(attempt) {
		go c.bus.Publish(fullscreenEvent(true))
	}
	return nil
}

func (c *fakeClient) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func fullscreenEvent(active bool) signal.Event {
	data, _ := json.Marshal(map[string]bool{"active": active})
	return signal.Event{Kind: signal.KindFullscreen, Data: data}
}

type violations struct {
	mu      sync.Mutex
	reasons []model.ViolationReason
}

func (v *violations) record(_ context.Context, r model.ViolationReason) {
	v.mu.Lock()
	v.reasons = append(v.reasons, r)
	v.mu.Unlock()
}

func (v *violations) got() []model.ViolationReason {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]model.ViolationReason(nil), v.reasons...)
}

func newGuard(client *fakeClient, v *violations, enabled bool) *Guard {
	g := New(Options{
		Controller:   client,
		Record:       v.record,
		Enabled:      enabled,
		Backoff:      20 * time.Millisecond,
		ReentryDelay: 10 * time.Millisecond,
		Logger:       zerolog.Nop(),
	})
	g.Attach(client.bus)
	return g
}

func TestEnterFirstAttempt(t *testing.T) {
	client := &fakeClient{bus: signal.NewBus(), accept: func(int) bool { return true }}
	v := &violations{}
	g := newGuard(client, v, true)
	defer g.Detach()

	require.NoError(t, g.Enter(context.Background()))
	assert.True(t, g.IsActive())
	assert.Equal(t, 1, client.count())
	assert.Empty(t, v.got())
}

func TestEnterThirdAttempt(t *testing.T) {
	client := &fakeClient{bus: signal.NewBus(), accept: func(a int) bool { return a == 3 }}
	v := &violations{}
	g := newGuard(client, v, true)
	defer g.Detach()

	require.NoError(t, g.Enter(context.Background()))
	assert.Equal(t, 3, client.count())
	assert.Empty(t, v.got())
}

func TestEnterEscalatesAfterThreeAttempts(t *testing.T) {
	client := &fakeClient{bus: signal.NewBus()}
	v := &violations{}
	g := newGuard(client, v, true)
	defer g.Detach()

	assert.ErrorIs(t, g.Enter(context.Background()), ErrUnavailable)
	assert.Equal(t, MaxAttempts, client.count())
	assert.Equal(t, []model.ViolationReason{model.ViolationFullscreenUnavailable}, v.got())
	assert.False(t, g.IsActive())
}

func TestDisabledGuardDoesNothing(t *testing.T) {
	client := &fakeClient{bus: signal.NewBus()}
	v := &violations{}
	g := newGuard(client, v, false)
	defer g.Detach()

	assert.NoError(t, g.Enter(context.Background()))
	client.bus.Publish(fullscreenEvent(true))
	client.bus.Publish(fullscreenEvent(false))
	time.Sleep(30 * time.Millisecond)

	assert.Zero(t, client.count())
	assert.Empty(t, v.got())
}

func TestExternalExitRecordsAndReentersOnce(t *testing.T) {
	client := &fakeClient{bus: signal.NewBus()}
	v := &violations{}
	g := newGuard(client, v, true)
	defer g.Detach()

	client.bus.Publish(fullscreenEvent(true))
	client.bus.Publish(fullscreenEvent(false))

	assert.Equal(t, []model.ViolationReason{model.ViolationFullscreenExit}, v.got())
	assert.Eventually(t, func() bool { return client.count() == 1 }, time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, client.count(), "re-entry is attempted once, not looped")
	assert.Len(t, v.got(), 1)
}

func TestExitAfterDetachIgnored(t *testing.T) {
	client := &fakeClient{bus: signal.NewBus()}
	v := &violations{}
	g := newGuard(client, v, true)

	client.bus.Publish(fullscreenEvent(true))
	g.Detach()
	client.bus.Publish(fullscreenEvent(false))
	time.Sleep(30 * time.Millisecond)

	assert.Empty(t, v.got())
	assert.Zero(t, client.count())
}

func TestEnterRespectsContext(t *testing.T) {
	client := &fakeClient{bus: signal.NewBus()}
	g := newGuard(client, &violations{}, true)
	defer g.Detach()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, g.Enter(ctx), context.Canceled)
}
