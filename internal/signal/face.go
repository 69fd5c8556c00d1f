package signal

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// FaceDetector counts faces in one camera frame. Implementations fail open:
// any internal error or not-ready state yields 1.
type FaceDetector interface {
	DetectFaceCount(ctx context.Context, frame []byte) int
}

// FrameBuffer keeps only the most recent camera frame of a session.
type FrameBuffer struct {
	mu    sync.Mutex
	frame []byte
}

// Put replaces the buffered frame.
func (b *FrameBuffer) Put(frame []byte) {
	b.mu.Lock()
	b.frame = frame
	b.mu.Unlock()
}

// Take returns the buffered frame and empties the buffer, so a frame is
// sampled at most once.
func (b *FrameBuffer) Take() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f := b.frame
	b.frame = nil
	return f, len(f) > 0
}

// FaceSource samples the latest frame every interval and reports
// multiple_faces once per sample that contains two or more faces.
type FaceSource struct {
	frames   *FrameBuffer
	detector FaceDetector
	interval time.Duration
	log      zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewFaceSource samples frames every interval (five seconds when zero).
func NewFaceSource(frames *FrameBuffer, detector FaceDetector, interval time.Duration, log zerolog.Logger) *FaceSource {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &FaceSource{
		frames:   frames,
		detector: detector,
		interval: interval,
		log:      log.With().Str("component", "face_source").Logger(),
	}
}

func (s *FaceSource) Name() string { return "face" }

func (s *FaceSource) Subscribe(emit Emit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrAlreadySubscribed
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.sample(ctx, emit)
	return nil
}

func (s *FaceSource) sample(ctx context.Context, emit Emit) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if reason, ok := s.SampleOnce(ctx); ok && ctx.Err() == nil {
				emit(reason)
			}
		}
	}
}

// SampleOnce runs one detection on the buffered frame. It reports nothing
// when no new frame arrived since the previous sample.
func (s *FaceSource) SampleOnce(ctx context.Context) (model.ViolationReason, bool) {
	frame, ok := s.frames.Take()
	if !ok {
		return "", false
	}
	count := s.detector.DetectFaceCount(ctx, frame)
	if count >= 2 {
		s.log.Debug().Int("faces", count).Msg("Multiple faces in sample")
		return model.ViolationMultipleFaces, true
	}
	return "", false
}

func (s *FaceSource) Unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
