// Package recorder writes evidence clips of annotated frames after an accident.
package recorder

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rakshak-ai/accident-monitor/internal/logger"
	"github.com/rakshak-ai/accident-monitor/internal/metrics"
)

var errNotRecording = errors.New("not recording")

// Recorder writes JPEG frames back to back into a .mjpeg file, which ffmpeg
// and most players read as -f mjpeg. One clip is open at a time.
type Recorder struct {
	basePath     string
	clipDuration time.Duration
	clock        clock.Clock
	metrics      *metrics.Metrics

	mu        sync.RWMutex
	cur       *clip
	last      *clip // most recent clip, reported by Status
	recording bool
	stopAt    time.Time
	lastErr   error
	wg        sync.WaitGroup
}

// clip is written by its own goroutine. The counters are guarded by
// Recorder.mu.
type clip struct {
	file      *os.File
	name      string
	frames    chan []byte
	done      chan struct{}
	startTime time.Time

	frameCount   uint64
	bytesWritten uint64
}

// NewRecorder creates a recorder writing clips of clipDuration under
// basePath. clk and m may be nil.
func NewRecorder(basePath string, clipDuration time.Duration, clk clock.Clock, m *metrics.Metrics) *Recorder {
	if clk == nil {
		clk = clock.New()
	}
	if clipDuration <= 0 {
		clipDuration = 10 * time.Second
	}
	return &Recorder{
		basePath:     basePath,
		clipDuration: clipDuration,
		clock:        clk,
		metrics:      m,
	}
}

// Trigger starts a clip for an accident, or extends the running clip so
// overlapping accidents share one file. It returns the clip file name.
func (r *Recorder) Trigger(tag string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.recording {
		r.stopAt = r.clock.Now().Add(r.clipDuration)
		logger.Debug("Recorder", "Extended %s", r.cur.name)
		return r.cur.name, nil
	}

	if tag == "" {
		tag = "manual"
	}
	filename := fmt.Sprintf("accident_%s_%s.mjpeg", r.clock.Now().Format("20060102_150405"), tag)

	if err := os.MkdirAll(r.basePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create recording dir: %w", err)
	}
	file, err := os.Create(filepath.Join(r.basePath, filename))
	if err != nil {
		return "", fmt.Errorf("failed to create file: %w", err)
	}

	c := &clip{
		file:      file,
		name:      filename,
		frames:    make(chan []byte, 60), // Buffer a few seconds
		done:      make(chan struct{}),
		startTime: r.clock.Now(),
	}
	r.cur = c
	r.last = c
	r.recording = true
	r.lastErr = nil
	r.stopAt = c.startTime.Add(r.clipDuration)
	if r.metrics != nil {
		r.metrics.RecordingActive.Store(1)
	}

	r.wg.Add(1)
	go r.writeFrames(c)

	logger.Info("Recorder", "Recording evidence clip %s", filename)
	return filename, nil
}

// Stop ends the current clip and waits until it is flushed.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		r.wg.Wait()
		return errNotRecording
	}
	r.endLocked()
	r.mu.Unlock()

	r.wg.Wait()

	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastErr
}

// endLocked marks the clip finished; its writer drains and closes the file.
func (r *Recorder) endLocked() {
	r.recording = false
	close(r.cur.done)
	r.cur = nil
	if r.metrics != nil {
		r.metrics.RecordingActive.Store(0)
	}
}

// SendFrame queues one JPEG for the running clip (non-blocking).
func (r *Recorder) SendFrame(jpeg []byte) bool {
	r.mu.RLock()
	c := r.cur
	r.mu.RUnlock()

	if c == nil {
		return false
	}

	select {
	case c.frames <- jpeg:
		return true
	case <-c.done:
		return false
	default:
		// Channel full, drop frame
		return false
	}
}

func (r *Recorder) writeFrames(c *clip) {
	defer r.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			for {
				select {
				case frame := <-c.frames:
					r.writeFrame(c, frame)
				default:
					r.finish(c)
					return
				}
			}
		case frame := <-c.frames:
			r.writeFrame(c, frame)
		case <-ticker.C:
		}

		r.mu.Lock()
		if r.cur == c && !r.clock.Now().Before(r.stopAt) {
			r.endLocked()
		}
		r.mu.Unlock()
	}
}

func (r *Recorder) writeFrame(c *clip, frame []byte) {
	n, err := c.file.Write(frame)

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastErr = err
		logger.Warn("Recorder", "Write %s: %v", c.name, err)
		return
	}
	c.bytesWritten += uint64(n)
	c.frameCount++
	if r.metrics != nil {
		r.metrics.RecordingBytes.Add(uint64(n))
		r.metrics.RecordingFrames.Add(1)
	}
}

func (r *Recorder) finish(c *clip) {
	err := c.file.Sync()
	if cerr := c.file.Close(); err == nil {
		err = cerr
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.lastErr = fmt.Errorf("failed to close %s: %w", c.name, err)
		logger.Warn("Recorder", "%v", r.lastErr)
		return
	}
	logger.Info("Recorder", "Saved %s (%d frames, %d bytes)", c.name, c.frameCount, c.bytesWritten)
}

// IsRecording returns true if currently recording
func (r *Recorder) IsRecording() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.recording
}

// Status returns the current recording status
func (r *Recorder) Status() RecordingStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st := RecordingStatus{Recording: r.recording}
	if c := r.last; c != nil {
		st.Filename = c.name
		st.FrameCount = c.frameCount
		st.BytesWritten = c.bytesWritten
		st.StartTime = c.startTime
		if r.recording {
			st.DurationMs = r.clock.Since(c.startTime).Milliseconds()
		}
	}
	return st
}

// Close stops any running clip.
func (r *Recorder) Close() error {
	if err := r.Stop(); err != nil && !errors.Is(err, errNotRecording) {
		return err
	}
	return nil
}

// RecordingStatus holds the current recording status
type RecordingStatus struct {
	Recording    bool      `json:"recording"`
	Filename     string    `json:"filename"`
	FrameCount   uint64    `json:"frame_count"`
	BytesWritten uint64    `json:"bytes_written"`
	DurationMs   int64     `json:"duration_ms"`
	StartTime    time.Time `json:"start_time"`
}
