package signal

import (
	"context"
	"sync"
	"time"

	"github.com/stemsi/exstem-proctor/internal/model"
)

// DevToolsThreshold is the outer/inner window size difference, in pixels,
// above which developer tools are assumed to be docked open.
const DevToolsThreshold = 160

// GeometrySample is one screen/window measurement reported by the client.
type GeometrySample struct {
	ScreenWidth  int  `json:"screen_width"`
	ScreenHeight int  `json:"screen_height"`
	OuterWidth   int  `json:"outer_width"`
	OuterHeight  int  `json:"outer_height"`
	InnerWidth   int  `json:"inner_width"`
	InnerHeight  int  `json:"inner_height"`
	Extended     bool `json:"extended"`
}

// DevToolsOpen applies the size-difference heuristic. Some window managers
// produce false positives; those are accepted.
func (g GeometrySample) DevToolsOpen() bool {
	return g.OuterWidth-g.InnerWidth > DevToolsThreshold ||
		g.OuterHeight-g.InnerHeight > DevToolsThreshold
}

// GeometrySource reports screen configuration changes against the first
// sample of the session. Only the transition into a changed configuration is
// reported; returning to the baseline re-arms it.
type GeometrySource struct {
	bus *Bus

	mu       sync.Mutex
	cancel   func()
	baseline *GeometrySample
	latest   *GeometrySample
	changed  bool
}

// NewGeometrySource creates a geometry source listening on bus.
func NewGeometrySource(bus *Bus) *GeometrySource {
	return &GeometrySource{bus: bus}
}

func (s *GeometrySource) Name() string { return "geometry" }

func (s *GeometrySource) Subscribe(emit Emit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadySubscribed
	}
	s.cancel = s.bus.Listen(KindGeometry, func(ev Event) {
		var g GeometrySample
		if err := ev.Decode(&g); err != nil {
			return
		}
		if s.observe(g) {
			emit(model.ViolationScreenChange)
		}
	})
	return nil
}

func (s *GeometrySource) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}

// observe stores g and reports whether it starts a screen change.
func (s *GeometrySource) observe(g GeometrySample) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.latest = &g
	if s.baseline == nil {
		s.baseline = &g
		if g.Extended {
			s.changed = true
			return true
		}
		return false
	}

	differs := g.Extended ||
		g.ScreenWidth != s.baseline.ScreenWidth ||
		g.ScreenHeight != s.baseline.ScreenHeight
	rising := differs && !s.changed
	s.changed = differs
	return rising
}

// Latest returns the most recent sample, if any.
func (s *GeometrySource) Latest() (GeometrySample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latest == nil {
		return GeometrySample{}, false
	}
	return *s.latest, true
}

// DevToolsSource polls the latest geometry once per interval and reports the
// closed-to-open transition of the developer-tools heuristic.
type DevToolsSource struct {
	geometry *GeometrySource
	interval time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewDevToolsSource polls geometry every interval (one second when zero).
func NewDevToolsSource(geometry *GeometrySource, interval time.Duration) *DevToolsSource {
	if interval <= 0 {
		interval = time.Second
	}
	return &DevToolsSource{geometry: geometry, interval: interval}
}

func (s *DevToolsSource) Name() string { return "devtools" }

func (s *DevToolsSource) Subscribe(emit Emit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadySubscribed
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.poll(ctx, emit)
	return nil
}

func (s *DevToolsSource) poll(ctx context.Context, emit Emit) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	open := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g, ok := s.geometry.Latest()
			if !ok {
				continue
			}
			now := g.DevToolsOpen()
			if now && !open && ctx.Err() == nil {
				emit(model.ViolationDevTools)
			}
			open = now
		}
	}
}

// Unsubscribe stops the poll. It may be called from inside emit.
func (s *DevToolsSource) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
