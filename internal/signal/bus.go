package signal

import (
	"encoding/json"
	"sync"
	"time"
)

// Raw event kinds reported by the candidate client.
const (
	KindVisibility  = "visibility"
	KindFocus       = "focus"
	KindFullscreen  = "fullscreen"
	KindKeydown     = "keydown"
	KindContextMenu = "contextmenu"
	KindGeometry    = "geometry"
	KindTabs        = "tabs"
)

// Event is one raw observation from the client environment.
type Event struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data,omitempty"`
	At   time.Time       `json:"at"`
}

// Decode unmarshals the event data into v.
func (e Event) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return nil
	}
	return json.Unmarshal(e.Data, v)
}

// Bus fans raw events of one session out to the listeners of their kind.
type Bus struct {
	mu     sync.RWMutex
	subs   map[string]map[int]func(Event)
	nextID int
	closed bool
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[string]map[int]func(Event))}
}

// Listen registers fn for events of kind. The returned cancel is idempotent.
func (b *Bus) Listen(kind string, fn func(Event)) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return func() {}
	}
	if b.subs[kind] == nil {
		b.subs[kind] = make(map[int]func(Event))
	}
	id := b.nextID
	b.nextID++
	b.subs[kind][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs[kind], id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev synchronously to the listeners registered for its kind.
// Listeners run without the bus lock held, so they may cancel themselves.
func (b *Bus) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return
	}
	handlers := make([]func(Event), 0, len(b.subs[ev.Kind]))
	for _, fn := range b.subs[ev.Kind] {
		handlers = append(handlers, fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}

// Close drops every listener; later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	b.subs = make(map[string]map[int]func(Event))
}
