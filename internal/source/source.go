// Package source acquires video frames for the pipeline.
package source

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"

	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

var (
	// ErrSourceUnavailable means the source could not be opened. It is
	// terminal for the pipeline that requested it.
	ErrSourceUnavailable = errors.New("source unavailable")
	// ErrSourceExhausted is the normal end of a stream.
	ErrSourceExhausted = errors.New("source exhausted")
)

// Source yields frames in arrival order.
type Source interface {
	// Next blocks until the next frame is available. It returns
	// ErrSourceExhausted at end of stream.
	Next(ctx context.Context) (*types.Frame, error)
	Close() error
}

// Opener opens a source by its user-facing name ("webcam", an RTSP URL or
// an uploaded file name).
type Opener func(ctx context.Context, name string) (Source, error)

// Config controls how names are resolved and how ffmpeg decodes them.
type Config struct {
	// UploadDir holds uploaded videos and image folders.
	UploadDir    string `yaml:"upload_dir" mapstructure:"upload_dir"`
	WebcamDevice string `yaml:"webcam_device" mapstructure:"webcam_device"`
	WebcamFormat string `yaml:"webcam_format" mapstructure:"webcam_format"`
	// RTSPTransport is passed to ffmpeg as -rtsp_transport.
	RTSPTransport string `yaml:"rtsp_transport" mapstructure:"rtsp_transport"`
	// FPS resamples the output; 0 keeps the native rate.
	FPS int `yaml:"fps" mapstructure:"fps"`
	// Realtime paces file playback at FPS instead of decoding as fast as possible.
	Realtime bool `yaml:"realtime" mapstructure:"realtime"`
	// Quality is ffmpeg's MJPEG q:v, 2 (best) to 31.
	Quality int `yaml:"quality" mapstructure:"quality"`
}

// DefaultConfig returns the defaults used by the server.
func DefaultConfig() Config {
	return Config{
		UploadDir:     "videos",
		WebcamDevice:  "/dev/video0",
		WebcamFormat:  "v4l2",
		RTSPTransport: "tcp",
		FPS:           15,
		Realtime:      true,
		Quality:       5,
	}
}

// NewOpener returns an Opener that resolves names with cfg and opens image
// directories directly and everything else through ffmpeg.
func NewOpener(cfg Config) Opener {
	return func(ctx context.Context, name string) (Source, error) {
		t, err := Resolve(name, cfg)
		if err != nil {
			return nil, err
		}
		if t.Kind == KindImages {
			return OpenImages(t.Input, name)
		}
		return OpenFFmpeg(ctx, t, cfg)
	}
}

// Func adapts a function to Source. Close is a no-op.
type Func func(ctx context.Context) (*types.Frame, error)

// Next calls f.
func (f Func) Next(ctx context.Context) (*types.Frame, error) {
	return f(ctx)
}

// Close does nothing.
func (f Func) Close() error {
	return nil
}

// Static replays a fixed list of images once.
type Static struct {
	name string

	mu     sync.Mutex
	images []image.Image
	next   int
	closed bool
}

// NewStatic creates a Static source.
func NewStatic(name string, images ...image.Image) *Static {
	return &Static{name: name, images: images}
}

// Next returns the next image or ErrSourceExhausted.
func (s *Static) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.next >= len(s.images) {
		return nil, ErrSourceExhausted
	}
	f := &types.Frame{
		Image:     s.images[s.next],
		Number:    uint64(s.next + 1),
		Timestamp: time.Now(),
		Source:    s.name,
	}
	s.next++
	return f, nil
}

// Close ends the stream.
func (s *Static) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
