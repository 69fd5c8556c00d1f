// Package facedetect is the client of the external face-detection service.
//
// The client is process-wide and injected into the session manager, which
// loads the models on first use and disposes them when the last session
// tears down. Detection fails open: any error or not-ready state counts as
// one face.
package facedetect

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/disintegration/imaging"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// FailOpenCount is reported whenever the detector cannot give an answer.
const FailOpenCount = 1

// Detector is the contract the session layer consumes.
type Detector interface {
	LoadModels(ctx context.Context) bool
	DetectFaceCount(ctx context.Context, frame []byte) int
	Dispose()
}

// Client talks to the detection service over HTTP.
type Client struct {
	baseURL  string
	http     *http.Client
	maxWidth int
	log      zerolog.Logger

	loads singleflight.Group

	mu    sync.RWMutex
	ready bool
}

// NewClient creates a client for the service at baseURL. Frames wider than
// maxWidth are downscaled before upload; zero keeps them as they are.
func NewClient(baseURL string, maxWidth int, log zerolog.Logger) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		http:     &http.Client{Timeout: 5 * time.Second},
		maxWidth: maxWidth,
		log:      log.With().Str("component", "face_detector").Logger(),
	}
}

// LoadModels asks the service to load its models. Concurrent callers share
// one request; a successful load is remembered until Dispose, a failed one is
// retried on the next call.
func (c *Client) LoadModels(ctx context.Context) bool {
	if c.Ready() {
		return true
	}

	v, _, _ := c.loads.Do("load", func() (interface{}, error) {
		if c.Ready() {
			return true, nil
		}
		if err := c.post(ctx, "/models/load", "application/json", nil, nil); err != nil {
			c.log.Warn().Err(err).Msg("Face models failed to load")
			return false, nil
		}
		c.mu.Lock()
		c.ready = true
		c.mu.Unlock()
		c.log.Info().Msg("Face models loaded")
		return true, nil
	})
	return v.(bool)
}

// Ready reports whether the models are loaded.
func (c *Client) Ready() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// DetectFaceCount returns the number of faces in frame, or FailOpenCount when
// the models are not loaded or anything goes wrong.
func (c *Client) DetectFaceCount(ctx context.Context, frame []byte) int {
	if !c.Ready() || len(frame) == 0 {
		return FailOpenCount
	}

	body, err := NormalizeFrame(frame, c.maxWidth)
	if err != nil {
		c.log.Debug().Err(err).Msg("Discarding undecodable frame")
		return FailOpenCount
	}

	var out struct {
		Faces int `json:"faces"`
	}
	if err := c.post(ctx, "/detect", "image/jpeg", body, &out); err != nil {
		c.log.Warn().Err(err).Msg("Face detection failed, failing open")
		return FailOpenCount
	}
	if out.Faces < 0 {
		return FailOpenCount
	}
	return out.Faces
}

// Dispose forgets the loaded state and tells the service to release its
// models. The next LoadModels loads them again.
func (c *Client) Dispose() {
	c.mu.Lock()
	wasReady := c.ready
	c.ready = false
	c.mu.Unlock()
	if !wasReady {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := c.post(ctx, "/models/unload", "application/json", nil, nil); err != nil {
		c.log.Warn().Err(err).Msg("Face models unload failed")
		return
	}
	c.log.Info().Msg("Face models disposed")
}

func (c *Client) post(ctx context.Context, path, contentType string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("face detector %s: status %d", path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// NormalizeFrame decodes a camera frame (JPEG or PNG), downscales it to at
// most maxWidth pixels wide and re-encodes it as JPEG.
func NormalizeFrame(frame []byte, maxWidth int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(frame), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("decode frame: %w", err)
	}
	img = fit(img, maxWidth)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(80)); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	return buf.Bytes(), nil
}

func fit(img image.Image, maxWidth int) image.Image {
	if maxWidth <= 0 || img.Bounds().Dx() <= maxWidth {
		return img
	}
	return imaging.Resize(img, maxWidth, 0, imaging.Lanczos)
}

// Noop is used when no detection service is configured: models are always
// ready and every frame holds one face.
type Noop struct{}

func (Noop) LoadModels(context.Context) bool             { return true }
func (Noop) DetectFaceCount(context.Context, []byte) int { return FailOpenCount }
func (Noop) Dispose()                                    {}
