package source

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"os/exec"
	"sync"
	"time"

	ffmpeg "github.com/u2takey/ffmpeg-go"

	"github.com/rakshak-ai/accident-monitor/internal/logger"
	"github.com/rakshak-ai/accident-monitor/pkg/types"
)

// maxCorruptFrames is how many undecodable frames in a row are skipped
// before the stream is treated as broken.
const maxCorruptFrames = 10

// FFmpeg decodes any input ffmpeg understands into JPEG frames read over a pipe.
type FFmpeg struct {
	target Target
	cancel context.CancelFunc
	pipe   *io.PipeReader
	frames *MJPEGReader
	pace   *time.Ticker
	stderr *tailBuffer

	done   chan struct{}
	runErr error

	count     uint64
	closeOnce sync.Once
}

// OpenFFmpeg starts ffmpeg for t. Failures to start wrap ErrSourceUnavailable.
func OpenFFmpeg(ctx context.Context, t Target, cfg Config) (*FFmpeg, error) {
	// make sure ffmpeg is in the path before doing anything else
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSourceUnavailable, err)
	}

	outArgs := ffmpeg.KwArgs{
		"format": "image2pipe",
		"vcodec": "mjpeg",
	}
	if cfg.Quality > 0 {
		outArgs["q:v"] = cfg.Quality
	}
	if cfg.FPS > 0 {
		outArgs["r"] = cfg.FPS
	}

	// The process outlives ctx, which only scopes the open; Close stops it.
	runCtx, cancel := context.WithCancel(context.Background())
	pr, pw := io.Pipe()

	f := &FFmpeg{
		target: t,
		cancel: cancel,
		pipe:   pr,
		frames: NewMJPEGReader(pr),
		stderr: &tailBuffer{max: 4096},
		done:   make(chan struct{}),
	}
	if cfg.Realtime && cfg.FPS > 0 && t.Kind == KindFile {
		f.pace = time.NewTicker(time.Second / time.Duration(cfg.FPS))
	}

	stream := ffmpeg.Input(t.Input, ffmpeg.KwArgs(t.InputArgs)).Output("pipe:", outArgs)
	stream.Context = runCtx

	go func() {
		defer close(f.done)
		err := stream.WithOutput(pw).WithErrorOutput(f.stderr).Run()
		if err != nil && runCtx.Err() == nil {
			err = fmt.Errorf("ffmpeg %s: %w: %s", t.Kind, err, f.stderr.String())
			logger.Warn("Source", "[%s] %v", t.Name, err)
		} else {
			err = nil
		}
		f.runErr = err
		pw.CloseWithError(err)
	}()

	logger.Info("Source", "Opened %s source %q", t.Kind, t.Name)
	return f, nil
}

// Next returns the next decoded frame.
func (f *FFmpeg) Next(ctx context.Context) (*types.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.pace != nil {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.pace.C:
		}
	}

	// Unblock the pipe read when ctx ends.
	stop := context.AfterFunc(ctx, func() { f.pipe.CloseWithError(ctx.Err()) })
	defer stop()

	for corrupt := 0; ; {
		data, err := f.frames.Next()
		if err != nil {
			return nil, f.readError(ctx, err)
		}

		img, err := jpeg.Decode(bytes.NewReader(data))
		if err != nil {
			corrupt++
			if corrupt >= maxCorruptFrames {
				return nil, fmt.Errorf("decode frame: %w", err)
			}
			logger.Debug("Source", "[%s] skipping undecodable frame: %v", f.target.Name, err)
			continue
		}

		f.count++
		return &types.Frame{
			Image:     img,
			Number:    f.count,
			Timestamp: time.Now(),
			Source:    f.target.Name,
		}, nil
	}
}

func (f *FFmpeg) readError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if !errors.Is(err, io.EOF) {
		return err
	}

	<-f.done
	if f.runErr != nil && f.count == 0 {
		return fmt.Errorf("%w: %w", ErrSourceUnavailable, f.runErr)
	}
	if f.runErr != nil {
		return f.runErr
	}
	return ErrSourceExhausted
}

// Close stops ffmpeg and releases the pipe.
func (f *FFmpeg) Close() error {
	f.closeOnce.Do(func() {
		f.cancel()
		f.pipe.Close()
		if f.pace != nil {
			f.pace.Stop()
		}
		<-f.done
		logger.Debug("Source", "Closed %q after %d frames", f.target.Name, f.count)
	})
	return nil
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = t.buf[over:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(bytes.TrimSpace(t.buf))
}
