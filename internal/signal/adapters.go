package signal

import (
	"strings"
	"sync"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// decideFunc maps one raw event to a violation, if any.
type decideFunc func(ev Event) (model.ViolationReason, bool)

// busSource is the common shape of event-driven adapters: listen to one
// kind on the bus and emit whatever decide returns.
type busSource struct {
	name   string
	kind   string
	bus    *Bus
	decide decideFunc

	mu     sync.Mutex
	cancel func()
}

func (s *busSource) Name() string { return s.name }

func (s *busSource) Subscribe(emit Emit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadySubscribed
	}
	s.cancel = s.bus.Listen(s.kind, func(ev Event) {
		if reason, ok := s.decide(ev); ok {
			emit(reason)
		}
	})
	return nil
}

func (s *busSource) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// NewVisibilitySource reports the page becoming hidden (tab or window switch).
func NewVisibilitySource(bus *Bus) Source {
	return &busSource{name: "visibility", kind: KindVisibility, bus: bus, decide: decideVisibility}
}

// NewFocusSource reports the exam window losing focus.
func NewFocusSource(bus *Bus) Source {
	return &busSource{name: "focus", kind: KindFocus, bus: bus, decide: decideFocus}
}

// NewContextMenuSource reports right-click attempts.
func NewContextMenuSource(bus *Bus) Source {
	return &busSource{name: "contextmenu", kind: KindContextMenu, bus: bus, decide: decideContextMenu}
}

// NewKeyboardSource reports prohibited keyboard shortcuts.
func NewKeyboardSource(bus *Bus) Source {
	return &busSource{name: "keyboard", kind: KindKeydown, bus: bus, decide: decideKeydown}
}

func decideVisibility(ev Event) (model.ViolationReason, bool) {
	var data struct {
		Hidden bool `json:"hidden"`
	}
	if err := ev.Decode(&data); err != nil || !data.Hidden {
		return "", false
	}
	return model.ViolationTabSwitch, true
}

func decideFocus(ev Event) (model.ViolationReason, bool) {
	var data struct {
		Focused *bool `json:"focused"`
	}
	if err := ev.Decode(&data); err != nil || data.Focused == nil || *data.Focused {
		return "", false
	}
	return model.ViolationWindowBlur, true
}

func decideContextMenu(Event) (model.ViolationReason, bool) {
	return model.ViolationRightClick, true
}

func decideKeydown(ev Event) (model.ViolationReason, bool) {
	var k KeyPress
	if err := ev.Decode(&k); err != nil {
		return "", false
	}
	return ClassifyKey(k)
}

// KeyPress is the keydown observation reported by the client.
type KeyPress struct {
	Key   string `json:"key"`
	Ctrl  bool   `json:"ctrl"`
	Shift bool   `json:"shift"`
	Alt   bool   `json:"alt"`
	Meta  bool   `json:"meta"`
}

// copy, paste, cut, select-all, print, save, view-source
var blockedCombos = map[string]bool{
	"c": true, "v": true, "x": true, "a": true, "p": true, "s": true, "u": true,
}

// ClassifyKey decides whether a key press is prohibited and which reason it
// maps to. Developer-tools shortcuts count as developer-tools detection.
func ClassifyKey(k KeyPress) (model.ViolationReason, bool) {
	key := strings.ToLower(k.Key)
	switch key {
	case "f12":
		return model.ViolationDevTools, true
	case "printscreen":
		return model.ViolationProhibitedShortcut, true
	case "tab":
		if k.Alt || k.Meta {
			return model.ViolationProhibitedShortcut, true
		}
		return "", false
	}

	mod := k.Ctrl || k.Meta
	if mod && (k.Shift || k.Alt) && (key == "i" || key == "j" || key == "c") {
		return model.ViolationDevTools, true
	}
	if mod && blockedCombos[key] {
		return model.ViolationProhibitedShortcut, true
	}
	return "", false
}
