package facedetect

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testFrame(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.White)
	}
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, nil))
	return buf.Bytes()
}

type fakeService struct {
	loads   int32
	unloads int32
	faces   string
	fail    bool
}

func (s *fakeService) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/models/load", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.loads, 1)
		if s.fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/models/unload", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&s.unloads, 1)
	})
	mux.HandleFunc("/detect", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "image/jpeg" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(s.faces))
	})
	return mux
}

func TestLoadModelsMemoized(t *testing.T) {
	svc := &fakeService{}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	c := NewClient(srv.URL, 0, zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, c.LoadModels(context.Background()))
		}()
	}
	wg.Wait()
	assert.True(t, c.LoadModels(context.Background()))
	assert.LessOrEqual(t, atomic.LoadInt32(&svc.loads), int32(8))
	loads := atomic.LoadInt32(&svc.loads)

	c.LoadModels(context.Background())
	assert.Equal(t, loads, atomic.LoadInt32(&svc.loads), "ready client does not reload")

	c.Dispose()
	c.Dispose()
	assert.Equal(t, int32(1), atomic.LoadInt32(&svc.unloads))
	assert.False(t, c.Ready())
}

func TestLoadModelsFailureIsRetried(t *testing.T) {
	svc := &fakeService{fail: true}
	srv := httptest.NewServer(svc.handler())
	defer srv.Close()

	c := NewClient(srv.URL, 0, zerolog.Nop())
	assert.False(t, c.LoadModels(context.Background()))
	svc.fail = false
	assert.True(t, c.LoadModels(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&svc.loads))
}

func TestDetectFaceCount(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		ready bool
		frame []byte
		want  int
	}{
		{name: "two faces", body: `{"faces":2}`, ready: true, frame: testFrame(t, 64, 48), want: 2},
		{name: "no face", body: `{"faces":0}`, ready: true, frame: testFrame(t, 64, 48), want: 0},
		{name: "not ready fails open", body: `{"faces":3}`, frame: testFrame(t, 64, 48), want: 1},
		{name: "garbage response fails open", body: `nope`, ready: true, frame: testFrame(t, 64, 48), want: 1},
		{name: "negative fails open", body: `{"faces":-1}`, ready: true, frame: testFrame(t, 64, 48), want: 1},
		{name: "undecodable frame fails open", body: `{"faces":3}`, ready: true, frame: []byte("not an image"), want: 1},
		{name: "empty frame fails open", body: `{"faces":3}`, ready: true, want: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{faces: tt.body}
			srv := httptest.NewServer(svc.handler())
			defer srv.Close()

			c := NewClient(srv.URL, 32, zerolog.Nop())
			if tt.ready {
				require.True(t, c.LoadModels(context.Background()))
			}
			assert.Equal(t, tt.want, c.DetectFaceCount(context.Background(), tt.frame))
		})
	}
}

func TestDetectFaceCountServiceDown(t *testing.T) {
	svc := &fakeService{faces: `{"faces":2}`}
	srv := httptest.NewServer(svc.handler())
	c := NewClient(srv.URL, 0, zerolog.Nop())
	require.True(t, c.LoadModels(context.Background()))
	srv.Close()

	assert.Equal(t, FailOpenCount, c.DetectFaceCount(context.Background(), testFrame(t, 16, 16)))
}

func TestNormalizeFrameDownscales(t *testing.T) {
	out, err := NormalizeFrame(testFrame(t, 640, 480), 320)
	require.NoError(t, err)

	img, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 320, img.Bounds().Dx())
	assert.Equal(t, 240, img.Bounds().Dy())

	out, err = NormalizeFrame(testFrame(t, 100, 50), 320)
	require.NoError(t, err)
	img, err = imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 100, img.Bounds().Dx())
}

func TestNoop(t *testing.T) {
	var d Detector = Noop{}
	assert.True(t, d.LoadModels(context.Background()))
	assert.Equal(t, 1, d.DetectFaceCount(context.Background(), nil))
	d.Dispose()
}
